// Package queuestat collects per-queue submission counters.
package queuestat

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	Claims Counter = iota
	Doorbells
	Dispatched
	Forwarded
	Observed
	Dropped

	numCounters
)

// Counters lists every counter in display order.
var Counters = []Counter{Claims, Doorbells, Dispatched, Forwarded, Observed, Dropped}

func (c Counter) String() string {
	switch c {
	case Claims:
		return "claims"
	case Doorbells:
		return "doorbells"
	case Dispatched:
		return "dispatched"
	case Forwarded:
		return "forwarded"
	case Observed:
		return "observed"
	case Dropped:
		return "dropped"
	}
	return ""
}

// Recorder accumulates counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	Add(queue uint64, c Counter, n uint64)
}

// Per-queue values.
type QueueStats map[Counter]uint64

// Multi-queue stats keyed by queue ID.
type Stats map[uint64]QueueStats

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for q, now := range s {
		prev := old[q]
		diff := make(QueueStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[q] = diff
	}
	return out
}

// Total sums c over all queues.
func (s Stats) Total(c Counter) (sum uint64) {
	for _, qs := range s {
		sum += qs[c]
	}
	return sum
}

// Memory is an in-process Recorder.
type Memory struct {
	lock   sync.RWMutex
	queues map[uint64]*[numCounters]atomic.Uint64
}

func NewMemory() *Memory {
	return &Memory{queues: make(map[uint64]*[numCounters]atomic.Uint64)}
}

func (m *Memory) Add(queue uint64, c Counter, n uint64) {
	if c < 0 || c >= numCounters {
		return
	}
	m.lock.RLock()
	ctrs := m.queues[queue]
	m.lock.RUnlock()

	if ctrs == nil {
		m.lock.Lock()
		if ctrs = m.queues[queue]; ctrs == nil {
			ctrs = new([numCounters]atomic.Uint64)
			m.queues[queue] = ctrs
		}
		m.lock.Unlock()
	}
	ctrs[c].Add(n)
}

// Snapshot returns the current values of all queues.
func (m *Memory) Snapshot() Stats {
	m.lock.RLock()
	defer m.lock.RUnlock()

	s := make(Stats, len(m.queues))
	for q, ctrs := range m.queues {
		qs := make(QueueStats, numCounters)
		for _, c := range Counters {
			qs[c] = ctrs[c].Load()
		}
		s[q] = qs
	}
	return s
}

func Print(w io.Writer, s Stats, aliases map[uint64]string) error {
	queues := make([]uint64, 0, len(s))
	for q := range s {
		queues = append(queues, q)
	}
	slices.Sort(queues)

	for _, q := range queues {
		stats := s[q]

		var err error
		if alias, ok := aliases[q]; ok {
			_, err = fmt.Fprintf(w, "queue %d (%s):\n", q, alias)
		} else {
			_, err = fmt.Fprintf(w, "queue %d:\n", q)
		}
		if err != nil {
			return err
		}

		for _, c := range Counters {
			if _, err := fmt.Fprintf(w, "  %-10s %s\n",
				c, humanize.Comma(int64(stats[c])),
			); err != nil {
				return err
			}
		}
	}

	return nil
}
