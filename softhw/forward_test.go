//go:build linux

package softhw

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/romshark/queueproxy/hsa"
	"github.com/romshark/queueproxy/proxy"
	"github.com/romshark/queueproxy/queuestat"
)

// TestForwardThroughProxy drives a proxy queue from several producers and
// checks that the packet processor of the real queue executes every packet
// exactly once, in virtual index order, with its complete payload.
func TestForwardThroughProxy(t *testing.T) {
	const (
		producers   = 8
		perProducer = 2000
		total       = producers * perProducer
		queueSize   = 64
	)

	var (
		executed atomic.Uint64
		failure  atomic.Pointer[error]
		finished = make(chan struct{})
	)
	setFailure := func(err error) {
		failure.CompareAndSwap(nil, &err)
	}

	d := newTestDevice(t, DeviceConfig{
		Handler: func(p *Packet) error {
			seq := uint64(p.Packet[0] >> 16)
			if seq != p.Index {
				setFailure(fmt.Errorf("index %d carries packet %d", p.Index, seq))
			}
			for w := 1; w < hsa.PacketWords; w++ {
				if want := uint32(seq)*31 + uint32(w); p.Packet[w] != want {
					setFailure(fmt.Errorf("packet %d word %d: %d, want %d", seq, w, p.Packet[w], want))
				}
			}
			if executed.Add(1) == total {
				close(finished)
			}
			return nil
		},
	})

	stats := queuestat.NewMemory()
	table := d.APITable()
	ic := proxy.Intercept(table, d, proxy.Config{Stats: stats, Log: testLogger()})
	client := hsa.TableRuntime(table)

	q, err := client.QueueCreate(d.GPU(0), queueSize, hsa.QueueConfig{})
	if err != nil {
		t.Fatal(err)
	}
	pq, ok := ic.ProxyQueue(q)
	if !ok {
		t.Fatal("queue not proxied")
	}

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perProducer {
				// The slot is filled while the claim is open so that any
				// doorbell covering idx is rung after the slot was written.
				idx := client.LoadWriteIndex(q)
				for idx-client.LoadReadIndex(q) >= queueSize {
					time.Sleep(10 * time.Microsecond)
				}
				p := packetFor(idx)
				slot := &q.Base[idx&(queueSize-1)]
				slot.CopyPayload(&p)
				slot.PublishHeader(p[0])
				client.StoreWriteIndex(q, idx+1)
				client.SignalStore(q.DoorbellSignal, hsa.SignalValue(idx))
			}
		}()
	}
	wg.Wait()

	select {
	case <-finished:
	case <-time.After(30 * time.Second):
		t.Fatalf("executed %d of %d packets", executed.Load(), total)
	}
	if err := failure.Load(); err != nil {
		t.Fatal(*err)
	}

	if got := pq.SubmitIndex(); got != total {
		t.Fatalf("submit index %d", got)
	}
	snap := stats.Snapshot()[q.ID]
	if snap[queuestat.Dispatched] != total || snap[queuestat.Forwarded] != total {
		t.Fatalf("stats %v", snap)
	}
	if snap[queuestat.Claims] != total {
		t.Fatalf("claims %d", snap[queuestat.Claims])
	}

	if err := client.QueueDestroy(q); err != nil {
		t.Fatal(err)
	}
	if ic.Registry().Len() != 0 {
		t.Fatal("proxy queue still registered")
	}
}

// TestForwardToFailedQueueDrops checks that a doorbell write returns when
// the real queue's processor has stopped, dropping what no longer fits.
func TestForwardToFailedQueueDrops(t *testing.T) {
	errHandler := errors.New("handler failed")
	d := newTestDevice(t, DeviceConfig{
		Handler: func(*Packet) error { return errHandler },
	})

	stats := queuestat.NewMemory()
	ic := proxy.New(d, d, proxy.Config{
		Stats:          stats,
		Log:            testLogger(),
		ForwardTimeout: 50 * time.Millisecond,
	})

	failed := make(chan error, 1)
	q, err := ic.QueueCreate(d.GPU(0), 4, hsa.QueueConfig{
		OnError: func(err error, _ *hsa.Queue) { failed <- err },
	})
	if err != nil {
		t.Fatal(err)
	}

	round := func() {
		idx := ic.LoadWriteIndex(q)
		for j := idx; j < idx+4; j++ {
			p := packetFor(j)
			slot := &q.Base[j&3]
			slot.CopyPayload(&p)
			slot.PublishHeader(p[0])
		}
		ic.StoreWriteIndex(q, idx+4)
		ic.SignalStore(q.DoorbellSignal, hsa.SignalValue(idx+3))
	}

	round()
	select {
	case err := <-failed:
		if !errors.Is(err, errHandler) {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		round()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("doorbell write blocked on a stopped queue")
	}

	// One slot was freed before the processor stopped.
	s := stats.Snapshot()[q.ID]
	if s[queuestat.Forwarded] != 5 || s[queuestat.Dropped] != 3 {
		t.Fatalf("unexpected stats %v", s)
	}
	if err := ic.QueueDestroy(q); err != nil {
		t.Fatal(err)
	}
}

func TestInterceptorRejectsCPUAgent(t *testing.T) {
	d := newTestDevice(t, DeviceConfig{})
	ic := proxy.New(d, d, proxy.Config{Log: testLogger()})

	if _, err := ic.QueueCreate(d.Agents()[0], 16, hsa.QueueConfig{}); err == nil {
		t.Fatal("expected error")
	}
	if ic.Registry().Len() != 0 {
		t.Fatal("registry not empty")
	}
}
