//go:build linux

// Package softhw implements a software accelerator behind hsa.Runtime.
// Device owns agents, signals and hardware queues.
// Every queue is served by its own packet processor goroutine.
//
// Terminology mapping (hardware ↔ softhw):
//
//   - Ring: ring.Store slots published through the packet header.
//   - Doorbell: eventfd kicked on every signal store to the queue's doorbell.
//   - Packet processor: goroutine executing packets in read index order.
package softhw

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/ring"
)

var (
	ErrDeviceClosed   = errors.New("device closed")
	ErrDoorbellSignal = errors.New("doorbell signals are owned by their queue")
)

const (
	DefaultGPUs         = 1
	DefaultMaxQueueSize = 1 << 17
	DefaultPollTimeout  = 10 * time.Millisecond
)

// Packet is a packet executed by a queue's packet processor.
type Packet struct {
	hsa.Packet
	Queue uint64
	Index uint64
}

// Handler executes a packet on the queue's processor goroutine. p is
// reused and must not be retained after the call. Returning an error stops
// the queue and reports the error through hsa.QueueConfig.OnError.
type Handler func(p *Packet) error

type DeviceConfig struct {
	// GPUs is the number of GPU agents. One CPU agent always exists.
	GPUs int
	// MaxQueueSize caps the size of a single queue in packets.
	MaxQueueSize uint32
	// MaxSignals caps the number of signals created through SignalCreate.
	// 0 means unlimited.
	MaxSignals int
	// PollTimeout bounds how long an idle packet processor sleeps before
	// rechecking its ring.
	PollTimeout time.Duration
	// Handler executes packets. Packets are discarded when nil.
	Handler Handler
	// Log defaults to logrus.StandardLogger().
	Log *logrus.Logger
}

func (c *DeviceConfig) ValidateAndSetDefaults() error {
	if c.GPUs == 0 {
		c.GPUs = DefaultGPUs
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.GPUs < 0 {
		return errors.New("GPUs must be >= 0")
	}
	if c.MaxSignals < 0 {
		return errors.New("MaxSignals must be >= 0")
	}
	if !ring.IsPowerOfTwo(c.MaxQueueSize) {
		return errors.New("MaxQueueSize must be a power of two")
	}
	if c.PollTimeout < time.Millisecond {
		return errors.New("PollTimeout must be >= 1ms")
	}
	return nil
}

type signal struct {
	value atomic.Int64
	efd   int // Doorbell eventfd, -1 for user signals.
}

type hwQueue struct {
	q        *hsa.Queue
	ring     *ring.Store
	doorbell *signal
	write    atomic.Uint64
	read     atomic.Uint64
	onError  func(error, *hsa.Queue)
	stop     chan struct{}
	done     chan struct{}
}

// Device is a software accelerator. It implements hsa.Runtime and
// hsa.Classifier and is safe for concurrent use.
type Device struct {
	conf DeviceConfig
	log  *logrus.Entry

	lock        sync.RWMutex
	closed      bool
	lastHandle  uint64
	queues      map[uint64]*hwQueue
	signals     map[uint64]*signal
	userSignals int
}

var (
	_ hsa.Runtime    = (*Device)(nil)
	_ hsa.Classifier = (*Device)(nil)
)

// NewDevice creates a device with one CPU agent (handle 1) followed by
// conf.GPUs GPU agents.
func NewDevice(conf DeviceConfig) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Device{
		conf:    conf,
		log:     conf.Log.WithField("component", "softhw"),
		queues:  make(map[uint64]*hwQueue),
		signals: make(map[uint64]*signal),
	}, nil
}

// Agents returns all agents, CPU first.
func (d *Device) Agents() []hsa.Agent {
	agents := make([]hsa.Agent, 1+d.conf.GPUs)
	for i := range agents {
		agents[i] = hsa.Agent{Handle: uint64(i + 1)}
	}
	return agents
}

// GPU returns the i-th GPU agent.
func (d *Device) GPU(i int) hsa.Agent { return hsa.Agent{Handle: uint64(i + 2)} }

// DeviceType implements hsa.Classifier.
func (d *Device) DeviceType(agent hsa.Agent) (hsa.DeviceType, error) {
	switch {
	case agent.Handle == 1:
		return hsa.DeviceTypeCPU, nil
	case agent.Handle >= 2 && agent.Handle < uint64(2+d.conf.GPUs):
		return hsa.DeviceTypeGPU, nil
	}
	return 0, hsa.ErrInvalidAgent
}

// APITable returns a function table dispatching to d.
func (d *Device) APITable() *hsa.APITable { return hsa.NewAPITable(d) }

func (d *Device) nextHandle() uint64 {
	d.lastHandle++
	return d.lastHandle
}

// QueueCreate creates a queue and starts its packet processor.
func (d *Device) QueueCreate(
	agent hsa.Agent, size uint32, conf hsa.QueueConfig,
) (*hsa.Queue, error) {
	if t, err := d.DeviceType(agent); err != nil || t != hsa.DeviceTypeGPU {
		return nil, hsa.ErrInvalidAgent
	}
	if !ring.IsPowerOfTwo(size) || size > d.conf.MaxQueueSize {
		return nil, fmt.Errorf("%w: size %d", hsa.ErrInvalidQueueCreation, size)
	}

	store, err := ring.New(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hsa.ErrOutOfResources, err)
	}
	store.Fill(hsa.PacketTypeInvalid)

	efd, err := newDoorbell()
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: creating doorbell: %w", hsa.ErrOutOfResources, err),
			store.Close(),
		)
	}

	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil, errors.Join(
			fmt.Errorf("%w: %w", hsa.ErrInvalidQueueCreation, ErrDeviceClosed),
			closeDoorbell(efd),
			store.Close(),
		)
	}
	doorbell := &signal{efd: efd}
	hq := &hwQueue{
		q: &hsa.Queue{
			ID:             d.nextHandle(),
			Type:           conf.Type,
			Size:           size,
			Base:           store.Slots(),
			DoorbellSignal: hsa.Signal{Handle: d.nextHandle()},
		},
		ring:     store,
		doorbell: doorbell,
		onError:  conf.OnError,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.queues[hq.q.ID] = hq
	d.signals[hq.q.DoorbellSignal.Handle] = doorbell
	d.lock.Unlock()

	go d.process(hq)

	d.log.WithFields(logrus.Fields{
		"queue": hq.q.ID,
		"size":  size,
		"agent": agent.Handle,
	}).Debug("queue created")
	return hq.q, nil
}

// QueueDestroy stops the queue's packet processor and releases the queue.
// Packets not yet executed are dropped.
func (d *Device) QueueDestroy(q *hsa.Queue) error {
	d.lock.Lock()
	hq, ok := d.queues[q.ID]
	if !ok {
		d.lock.Unlock()
		return hsa.ErrInvalidQueue
	}
	delete(d.queues, q.ID)
	for h, s := range d.signals {
		if s == hq.doorbell {
			delete(d.signals, h)
		}
	}
	d.lock.Unlock()

	return d.release(hq)
}

func (d *Device) release(hq *hwQueue) error {
	close(hq.stop)
	var errs []error
	if err := kick(hq.doorbell.efd); err != nil {
		errs = append(errs, fmt.Errorf("waking packet processor: %w", err))
	}
	<-hq.done

	if err := closeDoorbell(hq.doorbell.efd); err != nil {
		errs = append(errs, fmt.Errorf("closing doorbell: %w", err))
	}
	if err := hq.ring.Close(); err != nil {
		errs = append(errs, fmt.Errorf("releasing ring: %w", err))
	}
	d.log.WithFields(logrus.Fields{
		"queue":    hq.q.ID,
		"executed": hq.read.Load(),
	}).Debug("queue destroyed")
	return errors.Join(errs...)
}

// SignalCreate creates a user signal.
func (d *Device) SignalCreate(initial hsa.SignalValue) (hsa.Signal, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return hsa.Signal{}, ErrDeviceClosed
	}
	if d.conf.MaxSignals > 0 && d.userSignals >= d.conf.MaxSignals {
		return hsa.Signal{}, hsa.ErrOutOfResources
	}
	s := &signal{efd: -1}
	s.value.Store(initial)
	h := d.nextHandle()
	d.signals[h] = s
	d.userSignals++
	return hsa.Signal{Handle: h}, nil
}

// SignalDestroy destroys a user signal.
func (d *Device) SignalDestroy(sig hsa.Signal) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	s, ok := d.signals[sig.Handle]
	if !ok {
		return hsa.ErrInvalidSignal
	}
	if s.efd >= 0 {
		return fmt.Errorf("%w: %w", hsa.ErrInvalidSignal, ErrDoorbellSignal)
	}
	delete(d.signals, sig.Handle)
	d.userSignals--
	return nil
}

// SignalLoad returns the current value of sig, or 0 for unknown signals.
func (d *Device) SignalLoad(sig hsa.Signal) hsa.SignalValue {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if s, ok := d.signals[sig.Handle]; ok {
		return s.value.Load()
	}
	return 0
}

// SignalStore stores v. Stores to a queue doorbell wake its processor.
func (d *Device) SignalStore(sig hsa.Signal, v hsa.SignalValue) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	s, ok := d.signals[sig.Handle]
	if !ok {
		d.log.WithField("signal", sig.Handle).Debug("store to unknown signal")
		return
	}
	s.value.Store(v)
	if s.efd >= 0 {
		if err := kick(s.efd); err != nil {
			d.log.WithFields(logrus.Fields{
				"signal": sig.Handle,
				"error":  err,
			}).Error("ringing doorbell")
		}
	}
}

func (d *Device) queue(q *hsa.Queue) *hwQueue {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.queues[q.ID]
}

// LoadWriteIndex returns the write index of q, 0 for unknown queues.
func (d *Device) LoadWriteIndex(q *hsa.Queue) uint64 {
	if hq := d.queue(q); hq != nil {
		return hq.write.Load()
	}
	return 0
}

// StoreWriteIndex stores the write index of q.
func (d *Device) StoreWriteIndex(q *hsa.Queue, v uint64) {
	if hq := d.queue(q); hq != nil {
		hq.write.Store(v)
	}
}

// LoadReadIndex returns the number of packets executed on q.
func (d *Device) LoadReadIndex(q *hsa.Queue) uint64 {
	if hq := d.queue(q); hq != nil {
		return hq.read.Load()
	}
	return 0
}

// Close destroys every queue. The device cannot be used afterwards.
func (d *Device) Close() error {
	d.lock.Lock()
	if d.closed {
		d.lock.Unlock()
		return nil
	}
	d.closed = true
	queues := make([]*hwQueue, 0, len(d.queues))
	for _, hq := range d.queues {
		queues = append(queues, hq)
	}
	clear(d.queues)
	clear(d.signals)
	d.lock.Unlock()

	var errs []error
	for _, hq := range queues {
		if err := d.release(hq); err != nil {
			errs = append(errs, fmt.Errorf("releasing queue %d: %w", hq.q.ID, err))
		}
	}
	return errors.Join(errs...)
}
