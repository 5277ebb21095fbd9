package proxy

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/romshark/queueproxy/hsa"
)

var (
	cpuAgent = hsa.Agent{Handle: 1}
	gpuAgent = hsa.Agent{Handle: 2}
)

type fakeClassifier map[hsa.Agent]hsa.DeviceType

func (c fakeClassifier) DeviceType(a hsa.Agent) (hsa.DeviceType, error) {
	t, ok := c[a]
	if !ok {
		return 0, hsa.ErrInvalidAgent
	}
	return t, nil
}

var classifier = fakeClassifier{
	cpuAgent: hsa.DeviceTypeCPU,
	gpuAgent: hsa.DeviceTypeGPU,
}

type fakeQueue struct {
	q        *hsa.Queue
	ring     []hsa.Packet
	doorbell hsa.Signal
	write    uint64
	read     uint64
	executed []executed
}

type executed struct {
	Index  uint64
	Packet hsa.Packet
}

type signalStore struct {
	Signal hsa.Signal
	Value  hsa.SignalValue
}

// fakeRuntime executes forwarded packets as soon as the real doorbell
// of their queue is rung.
type fakeRuntime struct {
	lock sync.Mutex

	nextQueue  uint64
	nextSignal uint64

	queues  map[*hsa.Queue]*fakeQueue
	signals map[uint64]hsa.SignalValue

	createdQueues    []uint64
	destroyedQueues  []uint64
	destroyedSignals []uint64
	stores           []signalStore

	failQueueCreate  error
	failSignalCreate error

	// paused stops execution on doorbell writes.
	paused bool
	// readHook, when set, rewrites the read index every queue reports.
	readHook func(read uint64) uint64
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		nextQueue:  100,
		nextSignal: 1000,
		queues:     make(map[*hsa.Queue]*fakeQueue),
		signals:    make(map[uint64]hsa.SignalValue),
	}
}

func (r *fakeRuntime) newSignal(v hsa.SignalValue) hsa.Signal {
	r.nextSignal++
	r.signals[r.nextSignal] = v
	return hsa.Signal{Handle: r.nextSignal}
}

func (r *fakeRuntime) QueueCreate(
	agent hsa.Agent, size uint32, conf hsa.QueueConfig,
) (*hsa.Queue, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.failQueueCreate != nil {
		return nil, r.failQueueCreate
	}
	r.nextQueue++
	fq := &fakeQueue{ring: make([]hsa.Packet, size)}
	fq.doorbell = r.newSignal(0)
	fq.q = &hsa.Queue{
		ID:             r.nextQueue,
		Type:           conf.Type,
		Size:           size,
		Base:           fq.ring,
		DoorbellSignal: fq.doorbell,
	}
	r.queues[fq.q] = fq
	r.createdQueues = append(r.createdQueues, fq.q.ID)
	return fq.q, nil
}

func (r *fakeRuntime) QueueDestroy(q *hsa.Queue) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.queues[q]; !ok {
		return hsa.ErrInvalidQueue
	}
	delete(r.queues, q)
	r.destroyedQueues = append(r.destroyedQueues, q.ID)
	return nil
}

func (r *fakeRuntime) SignalCreate(initial hsa.SignalValue) (hsa.Signal, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.failSignalCreate != nil {
		return hsa.Signal{}, r.failSignalCreate
	}
	return r.newSignal(initial), nil
}

func (r *fakeRuntime) SignalDestroy(s hsa.Signal) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.signals[s.Handle]; !ok {
		return hsa.ErrInvalidSignal
	}
	delete(r.signals, s.Handle)
	r.destroyedSignals = append(r.destroyedSignals, s.Handle)
	return nil
}

func (r *fakeRuntime) LoadWriteIndex(q *hsa.Queue) uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.queues[q].write
}

func (r *fakeRuntime) StoreWriteIndex(q *hsa.Queue, v uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.queues[q].write = v
}

func (r *fakeRuntime) LoadReadIndex(q *hsa.Queue) uint64 {
	r.lock.Lock()
	defer r.lock.Unlock()
	read := r.queues[q].read
	if r.readHook != nil {
		return r.readHook(read)
	}
	return read
}

func (r *fakeRuntime) SignalStore(s hsa.Signal, v hsa.SignalValue) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.stores = append(r.stores, signalStore{Signal: s, Value: v})
	r.signals[s.Handle] = v

	for _, fq := range r.queues {
		if fq.doorbell != s || r.paused {
			continue
		}
		mask := uint64(len(fq.ring)) - 1
		for ; fq.read <= uint64(v); fq.read++ {
			slot := &fq.ring[fq.read&mask]
			if slot.Type() == hsa.PacketTypeInvalid {
				panic(fmt.Sprintf("doorbell %d rung for invalid packet %d", v, fq.read))
			}
			fq.executed = append(fq.executed, executed{Index: fq.read, Packet: *slot})
		}
	}
}

func (r *fakeRuntime) setPaused(paused bool) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.paused = paused
}

func (r *fakeRuntime) queue(id uint64) *fakeQueue {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, fq := range r.queues {
		if fq.q.ID == id {
			return fq
		}
	}
	return nil
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestInterceptor(t *testing.T, conf Config) (*Interceptor, *fakeRuntime) {
	t.Helper()
	rt := newFakeRuntime()
	if conf.Log == nil {
		conf.Log = testLogger()
	}
	return New(rt, classifier, conf), rt
}

// makePacket builds a dispatch packet whose words identify seq.
func makePacket(seq uint64) hsa.Packet {
	var p hsa.Packet
	p[0] = uint32(seq)<<16 | hsa.PacketTypeKernelDispatch
	for w := 1; w < hsa.PacketWords; w++ {
		p[w] = uint32(seq)*100 + uint32(w)
	}
	return p
}
