package socket

import (
	"time"

	"github.com/romshark/pktsock/ring"
)

// Driver opens backend instances. Each capture framework (AF_XDP,
// AF_PACKET, trace files, libpcap, loopback) provides one.
type Driver interface {
	Name() string
	// Open allocates the backend resources for o. o has already been
	// validated. Open must not leave resources behind on failure.
	Open(o *Options) (Backend, error)
}

// Region describes the memory a backend provides for one ring.
type Region struct {
	// Mem backs the ring. Nil lets the socket allocate heap memory.
	Mem []byte
	// Slots overrides Options.RingSize when non-zero. Must be a power
	// of two.
	Slots int
	// FrameSize overrides Options.BufferSize as the slot stride when
	// non-zero.
	FrameSize int
	Layout    func(i int) (off, capacity int)
	OnReclaim func(*ring.Slot)
}

// BindRequest carries everything a backend needs to attach to a device.
type BindRequest struct {
	Device string
	Queue  Queue
	Fanout *Fanout
	// Rx and Tx are nil for directions the socket does not own.
	Rx *ring.Ring
	Tx *ring.Ring
}

// SyncStats reports what one sync call moved.
type SyncStats struct {
	// Filled counts slots made available to the consumer.
	Filled int
	// Submitted counts queued slots handed to the kernel.
	Submitted int
	// Completed counts transmitted slots returned to Free.
	Completed int
	// Invalid counts frames the kernel rejected.
	Invalid int
}

// Backend is one open instance of a capture framework.
//
// SyncRx moves frames the kernel has delivered into the ring using
// AcquireForFill and MakeAvailable, and returns consumed slots to the
// kernel. It must never block. It returns io.EOF once a finite source is
// exhausted.
//
// SyncTx hands queued slots to the kernel in order using NextQueued and
// MarkSubmitted, and returns completed ones with CommitSend. It must never
// block, and must succeed with zero counts when nothing is queued.
type Backend interface {
	Region(dir Direction) Region
	Bind(req BindRequest) error
	SyncRx(rx *ring.Ring) (SyncStats, error)
	SyncTx(tx *ring.Ring) (SyncStats, error)
	// Wait blocks until the backend may have frames to receive or the
	// timeout expires.
	Wait(timeout time.Duration) error
	// Fd returns the OS handle for readiness polling, -1 if none.
	Fd() int
	Stats() (Stats, error)
	Close() error
}

// Stats are cumulative counters of one socket.
type Stats struct {
	RxPackets   uint64
	RxDropped   uint64
	RxIfDropped uint64
	RxInvalid   uint64
	RxFiltered  uint64
	TxPackets   uint64
	TxInvalid   uint64
	// Freeze counts kernel queue freezes, backend specific.
	Freeze uint64
}
