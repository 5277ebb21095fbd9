// Package proxy intercepts a hardware command-queue runtime and substitutes
// software-controlled proxy queues for accelerator queues.
//
// The Interceptor exposes the runtime's queue create/destroy, write index
// load/store, read index load and signal store operations. Calls on queues
// and signals it owns go through their ProxyQueue; everything else passes
// through to the underlying runtime unchanged.
//
// Index virtualization: a hardware write index offers an atomic increment,
// the shadow ring cannot, because the client reads the index, writes packet
// contents and then stores the advanced index. Both halves form a claim:
// LoadWriteIndex opens it, StoreWriteIndex closes it. A loaded index must be
// stored by the same client before any other producer can proceed on the
// queue; failing to do so deadlocks the queue.
package proxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/queuestat"
	"github.com/romshark/queueproxy/ring"
)

var (
	ErrNotAccelerator    = errors.New("agent is not an accelerator")
	ErrAlreadyRegistered = errors.New("doorbell signal already registered")
	ErrClaimEnded        = errors.New("claim already ended")
	ErrIndexRegression   = errors.New("write index moved backwards")
	ErrForwardStalled    = errors.New("real queue consumer stalled")
	ErrRealQueueGone     = errors.New("real queue no longer serviced")
)

// DefaultForwardTimeout bounds how long a forward waits for the real
// queue's consumer to make progress.
const DefaultForwardTimeout = time.Second

// Config controls an Interceptor.
type Config struct {
	// Registry maps proxy doorbell signals to proxy queues.
	// A private registry is created when nil.
	Registry *Registry

	// Stats receives per-queue counters keyed by the real queue ID. Optional.
	Stats queuestat.Recorder

	// Log defaults to logrus.StandardLogger().
	Log *logrus.Logger

	// OnQueueCreate is called for every new proxy queue before it is
	// registered, i.e. before any client call can reach it.
	// Use it to install an observer.
	OnQueueCreate func(*ProxyQueue)

	// ForwardTimeout bounds how long forwarding waits for a slot of the
	// real queue while its consumer makes no progress. The packet is
	// dropped afterwards. Defaults to DefaultForwardTimeout.
	ForwardTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
}

// Interceptor is the installable surface. It implements hsa.Runtime.
type Interceptor struct {
	rt   hsa.Runtime
	cls  hsa.Classifier
	conf Config
	log  *logrus.Entry
}

var _ hsa.Runtime = (*Interceptor)(nil)

// New returns an Interceptor on top of rt. cls decides which agents get
// proxy queues.
func New(rt hsa.Runtime, cls hsa.Classifier, conf Config) *Interceptor {
	conf.setDefaults()
	return &Interceptor{
		rt:   rt,
		cls:  cls,
		conf: conf,
		log:  conf.Log.WithField("component", "proxy"),
	}
}

// Intercept snapshots the current entries of table as the underlying
// runtime and redirects the intercepted entries to a new Interceptor.
func Intercept(table *hsa.APITable, cls hsa.Classifier, conf Config) *Interceptor {
	i := New(hsa.TableRuntime(table), cls, conf)
	table.QueueCreate = i.QueueCreate
	table.QueueDestroy = i.QueueDestroy
	table.LoadWriteIndex = i.LoadWriteIndex
	table.StoreWriteIndex = i.StoreWriteIndex
	table.LoadReadIndex = i.LoadReadIndex
	table.SignalStore = i.SignalStore
	return i
}

// Registry returns the registry in use.
func (i *Interceptor) Registry() *Registry { return i.conf.Registry }

// ProxyQueue returns the proxy queue backing q, if any.
func (i *Interceptor) ProxyQueue(q *hsa.Queue) (*ProxyQueue, bool) {
	return i.conf.Registry.Lookup(q.DoorbellSignal)
}

// QueueCreate creates a real queue and, for accelerator agents, wraps it
// in a proxy queue. The returned queue's Base and DoorbellSignal point at
// the proxy's shadow ring and doorbell.
func (i *Interceptor) QueueCreate(
	agent hsa.Agent, size uint32, conf hsa.QueueConfig,
) (*hsa.Queue, error) {
	dt, err := i.cls.DeviceType(agent)
	if err != nil {
		return nil, fmt.Errorf("classifying agent %d: %w", agent.Handle, err)
	}
	if dt != hsa.DeviceTypeGPU {
		return nil, fmt.Errorf("%w: agent %d is %s: %w",
			ErrNotAccelerator, agent.Handle, dt, hsa.ErrInvalidAgent)
	}
	if !ring.IsPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: size %d is not a power of two",
			hsa.ErrInvalidQueueCreation, size)
	}

	conf.Type = hsa.QueueTypeMulti
	hq, err := i.rt.QueueCreate(agent, size, conf)
	if err != nil {
		return nil, err
	}

	q, err := i.wrap(hq)
	if err != nil {
		if rerr := i.rt.QueueDestroy(hq); rerr != nil {
			err = errors.Join(err, fmt.Errorf("destroying real queue: %w", rerr))
		}
		i.log.WithFields(logrus.Fields{
			"queue": hq.ID,
			"error": err,
		}).Warn("proxy queue creation rolled back")
		return nil, err
	}

	i.log.WithFields(logrus.Fields{
		"queue":  hq.ID,
		"size":   size,
		"signal": q.signal.Handle,
	}).Debug("proxy queue created")
	return hq, nil
}

// wrap redirects hq to a new shadow ring and doorbell. On failure every
// resource it acquired is released and hq is restored.
func (i *Interceptor) wrap(hq *hsa.Queue) (*ProxyQueue, error) {
	shadow, err := ring.New(hq.Size)
	if err != nil {
		return nil, fmt.Errorf("allocating shadow ring: %w", err)
	}

	q := &ProxyQueue{
		rt:           i.rt,
		log:          i.log.WithField("queue", hq.ID),
		stats:        i.conf.Stats,
		real:         hq,
		shadow:       shadow,
		mask:         uint64(hq.Size) - 1,
		realBase:     hq.Base,
		realDoorbell: hq.DoorbellSignal,

		forwardTimeout: i.conf.ForwardTimeout,
	}
	hq.Base = shadow.Slots()

	sig, err := i.rt.SignalCreate(1)
	if err != nil {
		hq.Base = q.realBase
		return nil, errors.Join(
			fmt.Errorf("creating doorbell signal: %w", err),
			closeShadow(shadow),
		)
	}
	q.signal = sig
	hq.DoorbellSignal = sig

	if i.conf.OnQueueCreate != nil {
		i.conf.OnQueueCreate(q)
	}

	if err := i.conf.Registry.Register(sig, q); err != nil {
		return nil, errors.Join(
			fmt.Errorf("registering doorbell signal %d: %w", sig.Handle, err),
			q.restore(),
		)
	}
	return q, nil
}

// restore undoes wrap in reverse order: fields, proxy signal, shadow ring.
func (q *ProxyQueue) restore() error {
	q.real.Base = q.realBase
	q.real.DoorbellSignal = q.realDoorbell

	var errs []error
	if err := q.rt.SignalDestroy(q.signal); err != nil {
		errs = append(errs, fmt.Errorf("destroying doorbell signal: %w", err))
	}
	errs = append(errs, closeShadow(q.shadow))
	return errors.Join(errs...)
}

func closeShadow(s *ring.Store) error {
	if err := s.Close(); err != nil {
		return fmt.Errorf("releasing shadow ring: %w", err)
	}
	return nil
}

// QueueDestroy destroys q. For proxy queues the registry entry is removed,
// in-flight claims and drains are waited out and the original ring and
// doorbell are restored before the real queue is destroyed.
func (i *Interceptor) QueueDestroy(q *hsa.Queue) error {
	pq, ok := i.conf.Registry.Lookup(q.DoorbellSignal)
	if !ok {
		return i.rt.QueueDestroy(q)
	}
	// Claims opened through the legacy surface end through a lookup, so
	// the claim guard is taken while the queue is still registered.
	pq.claimLock.Lock()
	defer pq.claimLock.Unlock()
	i.conf.Registry.Unregister(pq.signal)

	// Wait out a drain already in progress; later ones find closed set.
	pq.drainLock.Lock()
	defer pq.drainLock.Unlock()
	if pq.closed {
		return hsa.ErrInvalidQueue
	}
	pq.closed = true

	var errs []error
	pq.real.Base = pq.realBase
	pq.real.DoorbellSignal = pq.realDoorbell
	if err := i.rt.QueueDestroy(pq.real); err != nil {
		errs = append(errs, fmt.Errorf("destroying real queue: %w", err))
	}
	if err := i.rt.SignalDestroy(pq.signal); err != nil {
		errs = append(errs, fmt.Errorf("destroying doorbell signal: %w", err))
	}
	errs = append(errs, closeShadow(pq.shadow))

	pq.log.WithField("submitted", pq.SubmitIndex()).Debug("proxy queue destroyed")
	return errors.Join(errs...)
}

// SignalCreate passes through.
func (i *Interceptor) SignalCreate(initial hsa.SignalValue) (hsa.Signal, error) {
	return i.rt.SignalCreate(initial)
}

// SignalDestroy passes through.
func (i *Interceptor) SignalDestroy(s hsa.Signal) error {
	return i.rt.SignalDestroy(s)
}

// LoadWriteIndex opens a claim on proxy queues and returns the virtual
// write index. The claim stays open until StoreWriteIndex.
func (i *Interceptor) LoadWriteIndex(q *hsa.Queue) uint64 {
	if pq, ok := i.conf.Registry.Lookup(q.DoorbellSignal); ok {
		return pq.loadHeld()
	}
	return i.rt.LoadWriteIndex(q)
}

// StoreWriteIndex stores v and closes the claim opened by LoadWriteIndex.
func (i *Interceptor) StoreWriteIndex(q *hsa.Queue, v uint64) {
	pq, ok := i.conf.Registry.Lookup(q.DoorbellSignal)
	if !ok {
		i.rt.StoreWriteIndex(q, v)
		return
	}
	if err := pq.storeHeld(v); err != nil {
		pq.log.WithFields(logrus.Fields{
			"index": v,
			"error": err,
		}).Error("write index store rejected")
	}
}

// LoadReadIndex returns the number of dispatched packets for proxy queues.
func (i *Interceptor) LoadReadIndex(q *hsa.Queue) uint64 {
	if pq, ok := i.conf.Registry.Lookup(q.DoorbellSignal); ok {
		return pq.SubmitIndex()
	}
	return i.rt.LoadReadIndex(q)
}

// SignalStore drains the proxy queue owning s, or passes through.
func (i *Interceptor) SignalStore(s hsa.Signal, v hsa.SignalValue) {
	if pq, ok := i.conf.Registry.Lookup(s); ok {
		pq.OnDoorbellWrite(v)
		return
	}
	i.rt.SignalStore(s, v)
}
