// Package ring implements the fixed-capacity slot pool shared between a
// socket and the backend that moves its frames.
//
// A Ring is an ordered array of slots addressed by index. Every slot is a
// view (offset + capacity) into a single arena that lives as long as the
// ring; slots are never allocated or freed individually. The arena is either
// heap memory or a region mapped from the kernel by the backend.
//
// Cursor usage on the receive path:
//
//   - head: next slot the backend may fill (AcquireForFill).
//   - tail: next slot to be published to the consumer (MakeAvailable).
//   - cons: next slot handed to the caller (Lend).
//   - reclaimed: oldest consumed slot not yet given back to the backend.
//
// Cursor usage on the transmit path:
//
//   - head: next slot the producer may queue (ReserveForSend).
//   - tail: next queued slot to hand to the backend (MarkSubmitted).
//   - cons: oldest submitted slot not yet completed (CommitSend).
//
// All cursors are monotonic counters reduced modulo capacity with a mask.
//
// A Ring is not safe for concurrent use.
package ring

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

var (
	ErrRingFull           = errors.New("ring full")
	ErrCapacityNotPow2    = errors.New("slot count must be a power of two")
	ErrFrameSizeTooSmall  = errors.New("frame size must be > 0")
	ErrArenaTooSmall      = errors.New("arena too small for slot layout")
	ErrFrameExceedsBuffer = errors.New("frame exceeds slot capacity")
)

// State is the ownership state of a slot.
type State uint32

const (
	Free State = iota
	FilledForReceive
	OnLoanToCaller
	QueuedForSend
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case FilledForReceive:
		return "filled"
	case OnLoanToCaller:
		return "on-loan"
	case QueuedForSend:
		return "queued"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// Meta is the per-frame metadata a backend records when filling a slot.
type Meta struct {
	Timestamp time.Time
	// Snaplen is the number of bytes present in the slot.
	Snaplen uint32
	// Len is the length of the frame on the wire.
	Len uint32
	// RxHash is the kernel computed flow hash, zero if unavailable.
	RxHash uint32
	// VLANTCI and VLANTPID carry the offloaded VLAN tag, zero if none.
	VLANTCI  uint16
	VLANTPID uint16
}

// Slot is one frame buffer of a ring plus its bookkeeping.
type Slot struct {
	index int
	seq   uint64
	gen   uint32
	state State
	off   int
	cap   int
	len   int
	meta  Meta
}

// Index returns the position of the slot in its ring.
func (s *Slot) Index() int { return s.index }

// Seq returns the sequence id assigned when the slot was last filled or
// queued. Sequence ids are unique over the lifetime of a ring.
func (s *Slot) Seq() uint64 { return s.seq }

// Gen returns the reuse generation of the slot. It is incremented every
// time the slot returns to Free.
func (s *Slot) Gen() uint32 { return s.gen }

func (s *Slot) State() State { return s.state }

// Offset returns the byte offset of the slot buffer in the arena.
func (s *Slot) Offset() int { return s.off }

// Cap returns the usable bytes at Offset.
func (s *Slot) Cap() int { return s.cap }

// Len returns the number of valid data bytes in the slot.
func (s *Slot) Len() int { return s.len }

func (s *Slot) Meta() Meta { return s.meta }

// Rebase points a free slot at a different region of the arena.
// Backends whose kernel ring hands back buffer addresses (UMEM frames, mmap
// frames with a variable header) call it between AcquireForFill and
// MakeAvailable.
func (s *Slot) Rebase(off, capacity int) {
	if s.state != Free {
		panic(fmt.Sprintf("ring: rebase of slot %d in state %s", s.index, s.state))
	}
	s.off, s.cap = off, capacity
}

// Config describes a new ring.
type Config struct {
	// Slots is the ring capacity, a power of two.
	Slots int
	// FrameSize is the stride of the default slot layout.
	FrameSize int
	// Arena backs all slot buffers. A nil Arena is heap-allocated
	// with Slots*FrameSize bytes.
	Arena []byte
	// Layout overrides the default layout (i*FrameSize, FrameSize).
	Layout func(i int) (off, capacity int)
	// OnReclaim is invoked in ring order for every consumed slot that
	// became Free, before the slot may be filled again.
	OnReclaim func(*Slot)
}

var lastID atomic.Uint64

// Ring is a fixed-capacity circular collection of slots.
type Ring struct {
	id        uint64
	slots     []Slot
	mask      uint64
	frameSize int
	arena     []byte
	onReclaim func(*Slot)

	head      uint64
	tail      uint64
	cons      uint64
	reclaimed uint64

	seq    uint64
	onLoan int
}

// New creates a ring over c.Arena. The layout is validated against the
// arena bounds; no allocation happens after New returns.
func New(c Config) (*Ring, error) {
	if c.Slots <= 0 || c.Slots&(c.Slots-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacityNotPow2, c.Slots)
	}
	if c.FrameSize <= 0 {
		return nil, ErrFrameSizeTooSmall
	}
	arena := c.Arena
	if arena == nil {
		arena = make([]byte, c.Slots*c.FrameSize)
	}

	r := &Ring{
		id:        lastID.Add(1),
		slots:     make([]Slot, c.Slots),
		mask:      uint64(c.Slots - 1),
		frameSize: c.FrameSize,
		arena:     arena,
		onReclaim: c.OnReclaim,
	}
	for i := range r.slots {
		off, capacity := i*c.FrameSize, c.FrameSize
		if c.Layout != nil {
			off, capacity = c.Layout(i)
		}
		if off < 0 || capacity < 0 || off+capacity > len(arena) {
			return nil, fmt.Errorf("%w: slot %d [%d:%d] arena %d",
				ErrArenaTooSmall, i, off, off+capacity, len(arena))
		}
		r.slots[i] = Slot{index: i, off: off, cap: capacity}
	}
	return r, nil
}

// ID identifies the ring within the process.
func (r *Ring) ID() uint64 { return r.id }

// Cap returns the fixed number of slots.
func (r *Ring) Cap() int { return len(r.slots) }

func (r *Ring) FrameSize() int { return r.frameSize }

// Arena returns the memory backing all slots.
func (r *Ring) Arena() []byte { return r.arena }

// Head returns the slot index of the head cursor.
func (r *Ring) Head() int { return int(r.head & r.mask) }

// Tail returns the slot index of the tail cursor.
func (r *Ring) Tail() int { return int(r.tail & r.mask) }

// Ready returns the number of filled slots not yet lent.
func (r *Ring) Ready() int { return int(r.tail - r.cons) }

// OnLoan returns the number of slots currently lent to callers.
func (r *Ring) OnLoan() int { return r.onLoan }

// Slot returns the slot at index i.
func (r *Ring) Slot(i int) *Slot {
	if i < 0 || i >= len(r.slots) {
		panic(fmt.Sprintf("ring %d: slot index %d out of range [0,%d)", r.id, i, len(r.slots)))
	}
	return &r.slots[i]
}

// Buffer returns the full buffer of s.
func (r *Ring) Buffer(s *Slot) []byte {
	r.own(s)
	return r.arena[s.off : s.off+s.cap : s.off+s.cap]
}

// Data returns the valid bytes of s.
func (r *Ring) Data(s *Slot) []byte {
	r.own(s)
	return r.arena[s.off : s.off+s.len : s.off+s.len]
}

func (r *Ring) at(cursor uint64) *Slot { return &r.slots[cursor&r.mask] }

func (r *Ring) own(s *Slot) {
	if s == nil || s.index >= len(r.slots) || &r.slots[s.index] != s {
		panic(fmt.Sprintf("ring %d: slot does not belong to this ring", r.id))
	}
}

/*---- Receive path ----*/

// Reclaim walks consumed slots in ring order and hands every Free one back
// to the backend through Config.OnReclaim. It stops at the first slot still
// on loan, preserving ring order. It returns the number of slots reclaimed.
func (r *Ring) Reclaim() int {
	var n int
	for r.reclaimed < r.cons {
		s := r.at(r.reclaimed)
		if s.state != Free {
			break
		}
		if r.onReclaim != nil {
			r.onReclaim(s)
		}
		r.reclaimed++
		n++
	}
	return n
}

// PeekFill returns the slot the next AcquireForFill would return without
// acquiring it, or nil if the ring is full.
func (r *Ring) PeekFill() *Slot {
	if r.head-r.reclaimed >= uint64(len(r.slots)) {
		r.Reclaim()
		if r.head-r.reclaimed >= uint64(len(r.slots)) {
			return nil
		}
	}
	s := r.at(r.head)
	if s.state != Free {
		return nil
	}
	return s
}

// AcquireForFill reserves the next free slot in head order for the backend
// to write a received frame into. It fails with ErrRingFull when the slot at
// head is still owned by the consumer.
func (r *Ring) AcquireForFill() (*Slot, error) {
	s := r.PeekFill()
	if s == nil {
		return nil, ErrRingFull
	}
	r.head++
	return s, nil
}

// MakeAvailable publishes an acquired slot holding n bytes to the consumer.
// Slots must be published in the order they were acquired. n is clamped to
// the slot capacity.
func (r *Ring) MakeAvailable(s *Slot, n int, m Meta) {
	if r.tail == r.head || s != r.at(r.tail) {
		panic(fmt.Sprintf("ring %d: make available of slot %d out of order", r.id, s.index))
	}
	if n > s.cap {
		n = s.cap
	}
	s.len = n
	s.meta = m
	s.seq = r.seq
	r.seq++
	s.state = FilledForReceive
	r.tail++
}

// NextReady returns the least recently filled slot not yet lent, or nil
// if there is none. An empty ring is not an error.
func (r *Ring) NextReady() *Slot {
	if r.cons == r.tail {
		return nil
	}
	return r.at(r.cons)
}

// Lend transfers the slot returned by NextReady to the caller.
func (r *Ring) Lend(s *Slot) {
	if r.cons == r.tail || s != r.at(r.cons) {
		panic(fmt.Sprintf("ring %d: lend of slot %d out of order", r.id, s.index))
	}
	if s.state != FilledForReceive {
		panic(fmt.Sprintf("ring %d: lend of slot %d in state %s", r.id, s.index, s.state))
	}
	s.state = OnLoanToCaller
	r.cons++
	r.onLoan++
}

// Release returns a lent slot to Free. gen must be the generation observed
// when the slot was lent; a mismatch means the caller holds a stale handle.
func (r *Ring) Release(s *Slot, gen uint32) {
	r.own(s)
	if s.gen != gen {
		panic(fmt.Sprintf("ring %d: release of slot %d with stale generation %d (current %d)",
			r.id, s.index, gen, s.gen))
	}
	if s.state != OnLoanToCaller {
		panic(fmt.Sprintf("ring %d: release of slot %d in state %s", r.id, s.index, s.state))
	}
	s.state = Free
	s.len = 0
	s.gen++
	r.onLoan--
}

/*---- Transmit path ----*/

// PeekFree returns the next slot the producer may write into, or
// ErrRingFull when every slot is queued or in flight.
func (r *Ring) PeekFree() (*Slot, error) {
	if r.head-r.cons >= uint64(len(r.slots)) {
		return nil, ErrRingFull
	}
	s := r.at(r.head)
	if s.state != Free {
		return nil, ErrRingFull
	}
	return s, nil
}

// ReserveForSend queues the slot returned by PeekFree carrying n bytes.
func (r *Ring) ReserveForSend(s *Slot, n int) {
	if r.head-r.cons >= uint64(len(r.slots)) || s != r.at(r.head) {
		panic(fmt.Sprintf("ring %d: reserve of slot %d out of order", r.id, s.index))
	}
	if s.state != Free {
		panic(fmt.Sprintf("ring %d: reserve of slot %d in state %s", r.id, s.index, s.state))
	}
	if n < 0 || n > s.cap {
		panic(fmt.Sprintf("ring %d: reserve of %d bytes in slot %d of capacity %d",
			r.id, n, s.index, s.cap))
	}
	s.len = n
	s.seq = r.seq
	r.seq++
	s.state = QueuedForSend
	r.head++
}

// SetMeta updates the metadata of a queued slot. Trace-file backends use
// it to carry timestamps to the writer.
func (r *Ring) SetMeta(s *Slot, m Meta) {
	r.own(s)
	s.meta = m
}

// Queued returns the number of slots queued but not yet submitted.
func (r *Ring) Queued() int { return int(r.head - r.tail) }

// InFlight returns the number of submitted slots awaiting completion.
func (r *Ring) InFlight() int { return int(r.tail - r.cons) }

// NextQueued returns the oldest queued slot not yet handed to the backend.
func (r *Ring) NextQueued() *Slot {
	if r.tail == r.head {
		return nil
	}
	return r.at(r.tail)
}

// MarkSubmitted records that the slot returned by NextQueued was handed
// to the kernel.
func (r *Ring) MarkSubmitted(s *Slot) {
	if r.tail == r.head || s != r.at(r.tail) {
		panic(fmt.Sprintf("ring %d: submit of slot %d out of order", r.id, s.index))
	}
	r.tail++
}

// OldestInFlight returns the oldest submitted slot awaiting completion.
func (r *Ring) OldestInFlight() *Slot {
	if r.cons == r.tail {
		return nil
	}
	return r.at(r.cons)
}

// CommitSend returns a transmitted slot to Free once the backend has
// confirmed the frame left the ring. Completions are accepted in
// submission order only.
func (r *Ring) CommitSend(s *Slot) {
	if r.cons == r.tail || s != r.at(r.cons) {
		panic(fmt.Sprintf("ring %d: commit of slot %d out of order", r.id, s.index))
	}
	if s.state != QueuedForSend {
		panic(fmt.Sprintf("ring %d: commit of slot %d in state %s", r.id, s.index, s.state))
	}
	s.state = Free
	s.len = 0
	s.gen++
	r.cons++
}

// Dump writes the cursors and every non-free slot to w.
func (r *Ring) Dump(w io.Writer) {
	fmt.Fprintf(w, "ring %d: cap=%d head=%d tail=%d cons=%d reclaimed=%d on-loan=%d\n",
		r.id, len(r.slots), r.head, r.tail, r.cons, r.reclaimed, r.onLoan)
	for i := range r.slots {
		s := &r.slots[i]
		if s.state == Free {
			continue
		}
		fmt.Fprintf(w, "  [%4d] %-7s seq=%d gen=%d off=%d len=%d\n",
			i, s.state, s.seq, s.gen, s.off, s.len)
	}
}
