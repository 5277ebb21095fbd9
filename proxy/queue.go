package proxy

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/queuestat"
	"github.com/romshark/queueproxy/ring"
)

// SubmitFunc observes a packet dispatched from a proxy queue. count is
// always 1 and index is the packet's virtual write index.
//
// It runs synchronously on the goroutine ringing the doorbell, in strictly
// increasing index order. It must not block indefinitely, call SetObserver
// or ring the same queue's doorbell. It may call ProxyQueue.Submit to
// forward the packet; Submit errors are the observer's to handle.
type SubmitFunc func(p *hsa.Packet, count int, index uint64)

// ProxyQueue substitutes a software ring for the ring of a real hardware
// queue. The client writes packets into the shadow ring and rings a
// proxy-owned doorbell; doorbell writes drain the shadow ring in index
// order to the observer or to the real queue.
type ProxyQueue struct {
	rt    hsa.Runtime
	log   *logrus.Entry
	stats queuestat.Recorder

	real   *hsa.Queue
	shadow *ring.Store
	mask   uint64

	// Originals of the fields redirected on real.
	realBase     []hsa.Packet
	realDoorbell hsa.Signal

	// signal is the proxy doorbell installed into real.DoorbellSignal.
	signal hsa.Signal

	claimLock  sync.Mutex
	writeIndex atomic.Uint64 // Written only while claimLock is held.

	// held is the claim opened through the legacy load/store surface.
	held atomic.Pointer[Claim]

	drainLock   sync.Mutex
	submitIndex atomic.Uint64 // Written only while drainLock is held.
	observer    SubmitFunc
	closed      bool // Set by QueueDestroy while drainLock is held.

	forwardTimeout time.Duration
	stalled        atomic.Bool
}

// Queue returns the client-visible queue.
func (q *ProxyQueue) Queue() *hsa.Queue { return q.real }

// Signal returns the proxy doorbell signal.
func (q *ProxyQueue) Signal() hsa.Signal { return q.signal }

// Mask returns size-1.
func (q *ProxyQueue) Mask() uint64 { return q.mask }

// WriteIndex returns the virtual write index.
func (q *ProxyQueue) WriteIndex() uint64 { return q.writeIndex.Load() }

// SubmitIndex returns the index of the next packet not yet dispatched.
func (q *ProxyQueue) SubmitIndex() uint64 { return q.submitIndex.Load() }

// SetObserver installs fn; nil restores forwarding to the real queue.
func (q *ProxyQueue) SetObserver(fn SubmitFunc) {
	q.drainLock.Lock()
	defer q.drainLock.Unlock()
	q.observer = fn
}

func (q *ProxyQueue) record(c queuestat.Counter, n uint64) {
	if q.stats != nil {
		q.stats.Add(q.real.ID, c, n)
	}
}

/*---- Index virtualization ----*/

// Claim is an open critical section over the virtual write index.
// Exactly one claim per queue is open at a time; it must be ended.
type Claim struct {
	q     *ProxyQueue
	index uint64
	ended atomic.Bool
}

// BeginIndexClaim blocks until no other claim is open on q and returns
// a claim carrying the current virtual write index.
func (q *ProxyQueue) BeginIndexClaim() *Claim {
	q.claimLock.Lock()
	q.record(queuestat.Claims, 1)
	return &Claim{q: q, index: q.writeIndex.Load()}
}

// Index returns the write index observed when the claim began.
func (c *Claim) Index() uint64 { return c.index }

// Slot returns the shadow slot for index.
func (c *Claim) Slot(index uint64) *hsa.Packet { return c.q.shadow.Slot(index) }

// End stores newIndex as the virtual write index and releases the claim.
// The claim is released even when an error is returned.
func (c *Claim) End(newIndex uint64) error {
	if !c.ended.CompareAndSwap(false, true) {
		return ErrClaimEnded
	}
	defer c.q.claimLock.Unlock()

	if newIndex < c.index {
		return fmt.Errorf("%w: %d < %d", ErrIndexRegression, newIndex, c.index)
	}
	c.q.writeIndex.Store(newIndex)
	return nil
}

// Reserve claims n consecutive slots, calls fill for each of them and
// advances the write index past them. It returns the first claimed index.
// The doorbell is not rung.
func (q *ProxyQueue) Reserve(n uint64, fill func(index uint64, p *hsa.Packet)) uint64 {
	c := q.BeginIndexClaim()
	first := c.Index()
	for i := first; i < first+n; i++ {
		fill(i, c.Slot(i))
	}
	// Cannot fail: the claim is fresh and the index only grows.
	_ = c.End(first + n)
	return first
}

// loadHeld opens a claim on behalf of the legacy load-write-index call.
func (q *ProxyQueue) loadHeld() uint64 {
	c := q.BeginIndexClaim()
	q.held.Store(c)
	return c.index
}

// storeHeld ends the claim opened by loadHeld.
func (q *ProxyQueue) storeHeld(v uint64) error {
	c := q.held.Swap(nil)
	if c == nil {
		return errNoOpenClaim
	}
	return c.End(v)
}

var errNoOpenClaim = errors.New("store write index without matching load")

/*---- Doorbell and dispatch ----*/

// OnDoorbellWrite dispatches every claimed packet in
// [SubmitIndex(), min(v+1, WriteIndex())) in increasing index order.
// Indices already dispatched by an earlier doorbell write are never
// dispatched again, indices not yet claimed wait for a later doorbell.
//
// A packet the real queue cannot accept within Config.ForwardTimeout is
// dropped and counted as queuestat.Dropped.
func (q *ProxyQueue) OnDoorbellWrite(v hsa.SignalValue) {
	q.record(queuestat.Doorbells, 1)
	if v < 0 {
		return
	}

	q.drainLock.Lock()
	defer q.drainLock.Unlock()
	if q.closed {
		return
	}

	begin := q.submitIndex.Load()
	end := min(uint64(v)+1, q.writeIndex.Load())
	if end <= begin {
		return
	}

	var (
		dropped  uint64
		firstErr error
	)
	for j := begin; j < end; j++ {
		p := q.shadow.Slot(j)
		if q.observer != nil {
			q.observer(p, 1, j)
			q.record(queuestat.Observed, 1)
			continue
		}
		if err := q.Submit(p); err != nil {
			if dropped == 0 {
				firstErr = err
			}
			dropped++
			continue
		}
		q.record(queuestat.Forwarded, 1)
	}
	q.record(queuestat.Dispatched, end-begin)
	q.submitIndex.Store(end)

	if dropped > 0 {
		q.record(queuestat.Dropped, dropped)
		q.log.WithFields(logrus.Fields{
			"from":    begin,
			"to":      end,
			"dropped": dropped,
			"error":   firstErr,
		}).Error("packets dropped")
	}
}

// Submit copies p into the next slot of the real queue and rings the
// real doorbell. The payload is copied before the header is published
// so the packet processor never observes a valid header ahead of its
// payload.
//
// Submit waits while the target slot is still owned by the consumer.
// It fails with ErrForwardStalled when the consumer makes no progress for
// Config.ForwardTimeout, and with ErrRealQueueGone when the real read
// index moves backwards or past the write index. Once stalled, later
// calls fail without waiting until the consumer frees the slot.
// The real write index is advanced only for packets that are forwarded.
func (q *ProxyQueue) Submit(p *hsa.Packet) error {
	idx := q.rt.LoadWriteIndex(q.real)
	size := uint64(len(q.realBase))
	if err := q.awaitSlot(idx, size); err != nil {
		return err
	}
	q.rt.StoreWriteIndex(q.real, idx+1)

	dst := &q.realBase[idx&(size-1)]
	dst.CopyPayload(p)
	dst.PublishHeader(p.Header())

	q.rt.SignalStore(q.realDoorbell, hsa.SignalValue(idx))
	return nil
}

// awaitSlot waits until the real slot for idx is free. It spins briefly,
// then sleeps with exponential backoff. The timeout restarts whenever the
// consumer makes progress.
func (q *ProxyQueue) awaitSlot(idx, size uint64) error {
	timeout := q.forwardTimeout
	if q.stalled.Load() {
		timeout = 0
	}

	read := q.rt.LoadReadIndex(q.real)
	start := time.Now()
	sleep := time.Microsecond
	for spins := 0; ; spins++ {
		if read > idx {
			return fmt.Errorf("%w: read index %d beyond write index %d",
				ErrRealQueueGone, read, idx)
		}
		if idx-read < size {
			q.stalled.Store(false)
			return nil
		}
		if time.Since(start) >= timeout {
			q.stalled.Store(true)
			return fmt.Errorf("%w: slot for index %d held at read index %d",
				ErrForwardStalled, idx, read)
		}

		if spins < maxSpins {
			runtime.Gosched()
		} else {
			time.Sleep(sleep)
			sleep = min(sleep*2, maxBackoff)
		}

		r := q.rt.LoadReadIndex(q.real)
		if r < read {
			return fmt.Errorf("%w: read index moved from %d to %d",
				ErrRealQueueGone, read, r)
		}
		if r != read {
			read = r
			start = time.Now()
		}
	}
}

const (
	maxSpins   = 64
	maxBackoff = time.Millisecond
)
