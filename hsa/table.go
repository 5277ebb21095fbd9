package hsa

// APITable mirrors the runtime's function table. Interception rewrites
// individual entries; callers dispatch through the table.
type APITable struct {
	QueueCreate     func(agent Agent, size uint32, conf QueueConfig) (*Queue, error)
	QueueDestroy    func(q *Queue) error
	SignalCreate    func(initial SignalValue) (Signal, error)
	SignalDestroy   func(s Signal) error
	LoadWriteIndex  func(q *Queue) uint64
	StoreWriteIndex func(q *Queue, v uint64)
	LoadReadIndex   func(q *Queue) uint64
	SignalStore     func(s Signal, v SignalValue)
}

// NewAPITable returns a table dispatching to rt.
func NewAPITable(rt Runtime) *APITable {
	return &APITable{
		QueueCreate:     rt.QueueCreate,
		QueueDestroy:    rt.QueueDestroy,
		SignalCreate:    rt.SignalCreate,
		SignalDestroy:   rt.SignalDestroy,
		LoadWriteIndex:  rt.LoadWriteIndex,
		StoreWriteIndex: rt.StoreWriteIndex,
		LoadReadIndex:   rt.LoadReadIndex,
		SignalStore:     rt.SignalStore,
	}
}

// TableRuntime adapts a snapshot of t to Runtime. Later changes to t
// are not observed.
func TableRuntime(t *APITable) Runtime {
	c := *t
	return tableRuntime{&c}
}

type tableRuntime struct{ t *APITable }

func (r tableRuntime) QueueCreate(agent Agent, size uint32, conf QueueConfig) (*Queue, error) {
	return r.t.QueueCreate(agent, size, conf)
}

func (r tableRuntime) QueueDestroy(q *Queue) error { return r.t.QueueDestroy(q) }

func (r tableRuntime) SignalCreate(initial SignalValue) (Signal, error) {
	return r.t.SignalCreate(initial)
}

func (r tableRuntime) SignalDestroy(s Signal) error { return r.t.SignalDestroy(s) }
func (r tableRuntime) LoadWriteIndex(q *Queue) uint64 { return r.t.LoadWriteIndex(q) }
func (r tableRuntime) StoreWriteIndex(q *Queue, v uint64) { r.t.StoreWriteIndex(q, v) }
func (r tableRuntime) LoadReadIndex(q *Queue) uint64 { return r.t.LoadReadIndex(q) }
func (r tableRuntime) SignalStore(s Signal, v SignalValue) { r.t.SignalStore(s, v) }
