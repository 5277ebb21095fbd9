// Package ring implements the packet ring store backing a proxy queue:
// a fixed-capacity, power-of-two sized, packet-aligned array of packet
// slots addressed by index & mask.
package ring

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/romshark/queueproxy/hsa"
)

var (
	ErrCapacityNotPowerOfTwo = errors.New("capacity must be a power of two")
	ErrCapacityTooLarge      = errors.New("capacity exceeds MaxCapacity")
	ErrClosed                = errors.New("ring store closed")
)

// MaxCapacity is the largest capacity a Store accepts.
const MaxCapacity = 1 << 24

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint32) bool { return n != 0 && n&(n-1) == 0 }

// Store is an owned arena of packet slots.
//
// The backing region holds capacity+1 slots so that an interior pointer
// aligned to hsa.PacketSize always exists regardless of the base alignment
// the allocator returned.
type Store struct {
	mem   []byte
	slots []hsa.Packet
	mask  uint64
	free  func([]byte) error
}

// New allocates a zeroed store with the given capacity.
func New(capacity uint32) (*Store, error) {
	if !IsPowerOfTwo(capacity) {
		return nil, fmt.Errorf("%w: %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: %d", ErrCapacityTooLarge, capacity)
	}

	length := uintptr(capacity+1) * hsa.PacketSize
	mem, free, err := allocate(length)
	if err != nil {
		return nil, fmt.Errorf("allocating %d bytes: %w", length, err)
	}

	const alignMask = hsa.PacketSize - 1
	base := uintptr(unsafe.Pointer(&mem[0]))
	off := ((base + alignMask) &^ alignMask) - base

	return &Store{
		mem:   mem,
		slots: unsafe.Slice((*hsa.Packet)(unsafe.Pointer(&mem[off])), capacity),
		mask:  uint64(capacity) - 1,
		free:  free,
	}, nil
}

// Cap returns the number of slots.
func (s *Store) Cap() uint32 { return uint32(len(s.slots)) }

// Mask returns Cap()-1.
func (s *Store) Mask() uint64 { return s.mask }

// Slots returns the aligned slot array. It aliases the store's memory.
func (s *Store) Slots() []hsa.Packet { return s.slots }

// Slot returns the slot for the monotonic ring index.
func (s *Store) Slot(index uint64) *hsa.Packet { return &s.slots[index&s.mask] }

// Fill writes header into every slot without publishing ordering
// guarantees; use it before the store is shared.
func (s *Store) Fill(header uint32) {
	for i := range s.slots {
		s.slots[i][0] = header
	}
}

// Close releases the backing memory. Slices previously returned by Slots
// must not be used afterwards.
func (s *Store) Close() error {
	if s.mem == nil {
		return ErrClosed
	}
	mem := s.mem
	s.mem, s.slots = nil, nil
	return s.free(mem)
}
