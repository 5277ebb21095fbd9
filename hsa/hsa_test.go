package hsa

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want Status
	}{
		{nil, ""},
		{ErrOutOfResources, ErrOutOfResources},
		{fmt.Errorf("creating signal: %w", ErrInvalidSignal), ErrInvalidSignal},
		{errors.Join(errors.New("rollback"), ErrInvalidQueue), ErrInvalidQueue},
		{errors.New("plain"), ErrGeneric},
	}
	for _, tt := range tests {
		if got := StatusOf(tt.err); got != tt.want {
			t.Fatalf("StatusOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestPacketHeader(t *testing.T) {
	var p Packet
	for i := range p {
		p[i] = uint32(i * 10)
	}

	var dst Packet
	dst[0] = PacketTypeInvalid
	dst.CopyPayload(&p)
	if dst.Type() != PacketTypeInvalid {
		t.Fatalf("CopyPayload touched the header: %#x", dst[0])
	}
	for i := 1; i < PacketWords; i++ {
		if dst[i] != p[i] {
			t.Fatalf("word %d: got %d want %d", i, dst[i], p[i])
		}
	}

	dst.PublishHeader(0xabcd0000 | PacketTypeKernelDispatch)
	if dst.Header() != 0xabcd0002 || dst.Type() != PacketTypeKernelDispatch {
		t.Fatalf("header %#x type %d", dst.Header(), dst.Type())
	}
}

func TestDeviceTypeString(t *testing.T) {
	if DeviceTypeGPU.String() != "gpu" || DeviceType(9).String() != "DeviceType(9)" {
		t.Fatalf("unexpected strings %q %q", DeviceTypeGPU, DeviceType(9))
	}
}

type countingRuntime struct {
	Runtime
	stores []SignalValue
}

func (r *countingRuntime) SignalStore(s Signal, v SignalValue) { r.stores = append(r.stores, v) }

func TestTableRuntimeSnapshotsEntries(t *testing.T) {
	rt := &countingRuntime{}
	table := &APITable{SignalStore: rt.SignalStore}

	snap := TableRuntime(table)

	var patched int
	table.SignalStore = func(Signal, SignalValue) { patched++ }

	snap.SignalStore(Signal{Handle: 1}, 7)
	table.SignalStore(Signal{Handle: 1}, 8)

	if len(rt.stores) != 1 || rt.stores[0] != 7 {
		t.Fatalf("snapshot dispatched to %v", rt.stores)
	}
	if patched != 1 {
		t.Fatalf("patched entry called %d times", patched)
	}
}
