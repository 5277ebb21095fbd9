// Package hsa defines the runtime contract consumed by the queue proxy:
// agents, signals, hardware command queues, AQL-style packets and the
// status codes the runtime reports.
//
// Terminology mapping (hardware ↔ runtime):
//
//   - Queue: producer/consumer ring of fixed-size packets owned by an agent.
//   - Write index: next slot a producer may claim (monotonic, never wraps).
//   - Read index: next slot the consumer (packet processor) will execute.
//   - Doorbell: signal store that tells the consumer new packets are ready.
package hsa

import (
	"fmt"
	"sync/atomic"
)

// Agent identifies a device known to the runtime.
type Agent struct{ Handle uint64 }

// DeviceType classifies an agent.
type DeviceType uint8

const (
	DeviceTypeCPU DeviceType = iota
	DeviceTypeGPU
	DeviceTypeDSP
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeCPU:
		return "cpu"
	case DeviceTypeGPU:
		return "gpu"
	case DeviceTypeDSP:
		return "dsp"
	}
	return fmt.Sprintf("DeviceType(%d)", uint8(t))
}

// Classifier resolves agents to device types.
type Classifier interface {
	DeviceType(agent Agent) (DeviceType, error)
}

// Signal is an opaque synchronization-signal identity.
type Signal struct{ Handle uint64 }

// SignalValue is the value carried by a signal store.
type SignalValue = int64

/*---- Packets ----*/

const (
	// PacketWords is the number of 32-bit words in a packet.
	PacketWords = 16
	// PacketSize is the size of a packet in bytes.
	PacketSize = PacketWords * 4
)

// Packet types encoded in the low 8 bits of the header word.
const (
	PacketTypeVendorSpecific uint32 = 0
	PacketTypeInvalid        uint32 = 1
	PacketTypeKernelDispatch uint32 = 2
	PacketTypeBarrierAnd     uint32 = 3
	PacketTypeAgentDispatch  uint32 = 4
	PacketTypeBarrierOr      uint32 = 5
)

// Packet is a fixed-size command descriptor: one header word followed by
// payload words. The header publishes the packet to the consumer.
type Packet [PacketWords]uint32

// Header atomically loads the header word (acquire).
func (p *Packet) Header() uint32 { return atomic.LoadUint32(&p[0]) }

// PublishHeader atomically stores the header word (release). Every payload
// write made before the call is visible to a consumer observing h.
func (p *Packet) PublishHeader(h uint32) { atomic.StoreUint32(&p[0], h) }

// CopyPayload copies every word except the header from src.
func (p *Packet) CopyPayload(src *Packet) { copy(p[1:], src[1:]) }

// Type returns the packet type of the header.
func (p *Packet) Type() uint32 { return PacketType(p.Header()) }

// PacketType extracts the packet type from a header word.
func PacketType(header uint32) uint32 { return header & 0xff }

/*---- Queues ----*/

// QueueType selects single or multi producer semantics.
type QueueType uint32

const (
	QueueTypeMulti QueueType = iota
	QueueTypeSingle
)

// QueueConfig carries the optional parameters of queue creation.
type QueueConfig struct {
	Type QueueType

	// PrivateSegmentSize and GroupSegmentSize are hints forwarded
	// verbatim to the runtime; 0 means "runtime default".
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32

	// OnError is invoked asynchronously when the queue's packet processor
	// encounters an error. The queue is unusable afterwards.
	OnError func(err error, q *Queue)
}

// Queue is the producer-visible part of a hardware command queue.
// Base and DoorbellSignal are the fields a proxy redirects.
type Queue struct {
	ID             uint64
	Type           QueueType
	Size           uint32
	Base           []Packet
	DoorbellSignal Signal
}

// Runtime is the set of runtime operations the proxy consumes.
type Runtime interface {
	QueueCreate(agent Agent, size uint32, conf QueueConfig) (*Queue, error)
	QueueDestroy(q *Queue) error
	SignalCreate(initial SignalValue) (Signal, error)
	SignalDestroy(s Signal) error
	LoadWriteIndex(q *Queue) uint64
	StoreWriteIndex(q *Queue, v uint64)
	LoadReadIndex(q *Queue) uint64
	SignalStore(s Signal, v SignalValue)
}
