package socket

import (
	"fmt"
	"time"

	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/vlan"
)

// Packet is a received frame. In zero-copy mode it borrows the ring slot
// the frame was received into; in copy mode it owns a private copy. Either
// way it must be released exactly once, and its data must not be used
// after Release.
type Packet struct {
	c    *core
	slot *ring.Slot
	gen  uint32
	seq  uint64
	meta ring.Meta
	buf  []byte

	released bool
}

func (p *Packet) mustLive(op string) {
	if p == nil || p.c == nil {
		panic("socket: " + op + " on zero Packet")
	}
	if p.released {
		panic(fmt.Sprintf("socket: %s on released packet %d", op, p.seq))
	}
	if p.slot != nil && p.slot.Gen() != p.gen {
		panic(fmt.Sprintf("socket: %s on packet %d whose slot was reused", op, p.seq))
	}
}

// ID returns the sequence id of the frame, unique within its ring.
func (p *Packet) ID() uint64 { return p.seq }

// Data returns the captured bytes. The slice is invalid after Release.
func (p *Packet) Data() []byte {
	p.mustLive("data")
	if p.slot == nil {
		return p.buf
	}
	return p.c.rx.Data(p.slot)
}

// Snaplen is the number of captured bytes.
func (p *Packet) Snaplen() uint32 { p.mustLive("snaplen"); return p.meta.Snaplen }

// Len is the frame length on the wire.
func (p *Packet) Len() uint32 { p.mustLive("len"); return p.meta.Len }

func (p *Packet) SetSnaplen(n uint32) { p.mustLive("set snaplen"); p.meta.Snaplen = n }

func (p *Packet) SetLen(n uint32) { p.mustLive("set len"); p.meta.Len = n }

func (p *Packet) Timestamp() time.Time { p.mustLive("timestamp"); return p.meta.Timestamp }

func (p *Packet) SetTimestamp(t time.Time) { p.mustLive("set timestamp"); p.meta.Timestamp = t }

// TimestampSec returns the seconds part of the capture timestamp.
func (p *Packet) TimestampSec() int64 { return p.Timestamp().Unix() }

// TimestampUsec returns the sub-second part in microseconds.
func (p *Packet) TimestampUsec() int64 { return int64(p.Timestamp().Nanosecond() / 1e3) }

// TimestampNsec returns the sub-second part in nanoseconds.
func (p *Packet) TimestampNsec() int64 { return int64(p.Timestamp().Nanosecond()) }

func (p *Packet) SetTimestampSec(sec int64) {
	p.SetTimestamp(time.Unix(sec, int64(p.Timestamp().Nanosecond())))
}

func (p *Packet) SetTimestampUsec(usec int64) {
	p.SetTimestamp(time.Unix(p.TimestampSec(), usec*1e3))
}

func (p *Packet) SetTimestampNsec(nsec int64) {
	p.SetTimestamp(time.Unix(p.TimestampSec(), nsec))
}

// RxHash returns the kernel flow hash, zero if the backend has none.
// None of the bundled backends fill it in.
func (p *Packet) RxHash() uint32 { p.mustLive("rx hash"); return p.meta.RxHash }

// VLANTCI returns the tag control information of the outer VLAN tag,
// either offloaded by the kernel or parsed from the frame.
func (p *Packet) VLANTCI() uint16 {
	p.mustLive("vlan tci")
	if p.meta.VLANTPID != 0 || p.meta.VLANTCI != 0 {
		return p.meta.VLANTCI
	}
	return vlan.TCI(p.Data())
}

// VLANTPID returns the tag protocol identifier of the outer VLAN tag,
// zero if the frame is untagged.
func (p *Packet) VLANTPID() uint16 {
	p.mustLive("vlan tpid")
	if p.meta.VLANTPID != 0 {
		return p.meta.VLANTPID
	}
	return vlan.TPID(p.Data())
}

func (p *Packet) VLANVID() uint16 { return vlan.VID(p.VLANTCI()) }

// Meta returns the frame metadata including any local modifications.
func (p *Packet) Meta() ring.Meta { p.mustLive("meta"); return p.meta }

// Release gives the slot back to the socket. Releasing twice panics.
func (p *Packet) Release() {
	if p == nil || p.c == nil {
		panic("socket: release of zero Packet")
	}
	if p.released {
		panic(fmt.Sprintf("socket: double release of packet %d", p.seq))
	}
	p.released = true
	p.buf = nil
	if p.slot == nil {
		return
	}
	if p.c.closed {
		panic(fmt.Sprintf("socket: release of packet %d after socket close", p.seq))
	}
	p.c.rx.Release(p.slot, p.gen)
	p.c.outstanding--
	p.slot = nil
}

// Released reports whether Release was called.
func (p *Packet) Released() bool { return p.released }

func (p *Packet) String() string {
	if p.released {
		return fmt.Sprintf("packet %d (released)", p.seq)
	}
	return fmt.Sprintf("packet %d %s snaplen=%d len=%d",
		p.seq, p.meta.Timestamp.Format(time.RFC3339Nano), p.meta.Snaplen, p.meta.Len)
}
