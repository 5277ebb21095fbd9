//go:build linux

package queuestat

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
)

var ErrBPFMapFull = errors.New("bpf stats map has no free queue slot")

// BPFMap is a Recorder backed by an eBPF array map so counters can be
// inspected from outside the process (e.g. bpftool map dump).
//
// Key layout: slot*numCounters + counter, value: uint64.
type BPFMap struct {
	lock  sync.Mutex
	m     *ebpf.Map
	slots map[uint64]uint32
	max   uint32

	failed  uint64
	lastErr error
}

// NewBPFMap creates an array map holding counters for up to maxQueues queues.
// Creating maps requires CAP_BPF (or CAP_SYS_ADMIN on older kernels).
func NewBPFMap(name string, maxQueues uint32) (*BPFMap, error) {
	if maxQueues == 0 {
		return nil, fmt.Errorf("maxQueues must be > 0")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: maxQueues * uint32(numCounters),
	})
	if err != nil {
		return nil, fmt.Errorf("creating BPF map: %w", err)
	}

	return &BPFMap{
		m:     m,
		slots: make(map[uint64]uint32),
		max:   maxQueues,
	}, nil
}

func (b *BPFMap) slot(queue uint64) (uint32, error) {
	if s, ok := b.slots[queue]; ok {
		return s, nil
	}
	s := uint32(len(b.slots))
	if s >= b.max {
		return 0, ErrBPFMapFull
	}
	b.slots[queue] = s
	return s, nil
}

// Add implements Recorder. Updates that cannot be recorded, including
// those of queues beyond maxQueues, are counted and reported by Failed.
func (b *BPFMap) Add(queue uint64, c Counter, n uint64) {
	if c < 0 || c >= numCounters {
		return
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.m == nil {
		return
	}
	if err := b.add(queue, c, n); err != nil {
		b.failed++
		b.lastErr = err
	}
}

func (b *BPFMap) add(queue uint64, c Counter, n uint64) error {
	s, err := b.slot(queue)
	if err != nil {
		return fmt.Errorf("queue %d: %w", queue, err)
	}
	key := s*uint32(numCounters) + uint32(c)

	var v uint64
	if err := b.m.Lookup(key, &v); err != nil {
		return fmt.Errorf("looking up queue %d %s: %w", queue, c, err)
	}
	if err := b.m.Update(key, v+n, ebpf.UpdateExist); err != nil {
		return fmt.Errorf("updating queue %d %s: %w", queue, c, err)
	}
	return nil
}

// Failed returns the number of updates Add could not record and the
// error of the most recent one.
func (b *BPFMap) Failed() (uint64, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.failed, b.lastErr
}

// Snapshot reads all recorded queues from the map.
func (b *BPFMap) Snapshot() (Stats, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	s := make(Stats, len(b.slots))
	for q, slot := range b.slots {
		qs := make(QueueStats, numCounters)
		for _, c := range Counters {
			var v uint64
			key := slot*uint32(numCounters) + uint32(c)
			if err := b.m.Lookup(key, &v); err != nil {
				return nil, fmt.Errorf("looking up queue %d %s: %w", q, c, err)
			}
			qs[c] = v
		}
		s[q] = qs
	}
	return s, nil
}

// FD returns the map file descriptor.
func (b *BPFMap) FD() int { return b.m.FD() }

func (b *BPFMap) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.m == nil {
		return nil
	}
	err := b.m.Close()
	b.m = nil
	return err
}
