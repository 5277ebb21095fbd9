package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNilPacer(t *testing.T) {
	p := New(0)
	if p != nil {
		t.Fatal("expected nil pacer for pps 0")
	}
	if err := p.WaitN(context.Background(), 1000); err != nil {
		t.Fatal(err)
	}
	if p.Rate() != 0 || p.Submitted() != 0 {
		t.Fatal("nil pacer must report zero")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.WaitN(ctx, 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRate(t *testing.T) {
	if r := New(1000).Rate(); r != 1000 {
		t.Fatalf("rate %d", r)
	}
}

func TestWaitNBlocksUntilDue(t *testing.T) {
	p := New(100) // 10ms per packet, clock checked on every packet.
	p.now = func() time.Time { return p.start }

	begin := time.Now()
	if err := p.WaitN(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed < 15*time.Millisecond {
		t.Fatalf("returned after %s", elapsed)
	}
	if p.Submitted() != 2 {
		t.Fatalf("submitted %d", p.Submitted())
	}
}

func TestWaitNBehindScheduleDoesNotBlock(t *testing.T) {
	p := New(100)
	p.now = func() time.Time { return p.start.Add(time.Hour) }

	begin := time.Now()
	if err := p.WaitN(context.Background(), 50); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("blocked for %s", elapsed)
	}
}

func TestWaitNCanceled(t *testing.T) {
	p := New(1)
	p.now = func() time.Time { return p.start }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.WaitN(ctx, 60); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}
