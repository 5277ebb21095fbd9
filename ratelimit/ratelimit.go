// Package ratelimit paces packet submission to a target rate.
package ratelimit

import (
	"context"
	"time"
)

// Pacer limits submissions to a fixed number of packets per second on
// average. A nil *Pacer never blocks.
// Not safe for concurrent use; give each producer its own Pacer.
type Pacer struct {
	interval   time.Duration
	start      time.Time
	submitted  uint64
	checkEvery uint64
	now        func() time.Time
}

// New creates a pacer for pps packets per second.
// If pps == 0, pacing is disabled and New returns nil.
func New(pps uint64) *Pacer {
	if pps == 0 {
		return nil
	}
	return &Pacer{
		interval: time.Second / time.Duration(pps),
		start:    time.Now(),
		// Check the clock roughly every 10ms worth of packets,
		// never less often than every 1024 packets.
		checkEvery: min(max(pps/100, 1), 1024),
		now:        time.Now,
	}
}

// Rate returns the configured packets per second, 0 for a nil pacer.
func (p *Pacer) Rate() uint64 {
	if p == nil {
		return 0
	}
	return uint64(time.Second / p.interval)
}

// Submitted returns the number of packets accounted so far.
func (p *Pacer) Submitted() uint64 {
	if p == nil {
		return 0
	}
	return p.submitted
}

// WaitN accounts n packets and blocks until they are due. A pacer behind
// schedule does not block until it has caught up.
// It returns ctx.Err() if ctx is done before the packets are due.
func (p *Pacer) WaitN(ctx context.Context, n uint64) error {
	if p == nil || n == 0 {
		return ctx.Err()
	}

	before := p.submitted
	p.submitted += n
	if before/p.checkEvery == p.submitted/p.checkEvery {
		return nil
	}

	due := p.start.Add(time.Duration(p.submitted) * p.interval)
	now := p.now()
	if !now.Before(due) {
		return nil
	}

	t := time.NewTimer(due.Sub(now))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
