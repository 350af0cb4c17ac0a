// Package socket provides the type-state packet socket shared by all
// capture backends.
//
// A socket is opened as a BindableSocket, attached to a device with Bind,
// and then used through Socket to receive and transmit frames. Frames are
// stored in fixed-capacity rings; a received frame is lent to the caller
// as a Packet that must be released before the slot can be reused:
//
//	pkt, err := s.Recv()
//	if err != nil {
//		return err
//	}
//	defer pkt.Release()
//
// A Socket is not safe for concurrent use: one goroutine may drive the
// receive side and one the transmit side.
package socket

import (
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/pktsock/ring"
)

type core struct {
	driver string
	be     Backend
	opts   Options
	log    *zap.Logger
	filter Filter

	rx *ring.Ring
	tx *ring.Ring

	device string
	queue  Queue

	// outstanding counts handles borrowing rx slots.
	outstanding int
	closed      bool

	rxPackets  uint64
	rxFiltered uint64
	txPackets  uint64
	txInvalid  uint64
}

func (c *core) opErr(op string, err error) error {
	return &OpError{Op: op, Backend: c.driver, Device: c.device, Slot: -1, Err: err}
}

func (c *core) ringErr(op string, r *ring.Ring, slot int, err error) error {
	return &OpError{
		Op: op, Backend: c.driver, Device: c.device,
		Ring: r.ID(), Slot: slot, Err: err,
	}
}

func (c *core) close() error {
	if c.closed {
		return c.opErr("close", ErrClosed)
	}
	c.closed = true
	err := c.be.Close()
	c.log.Info("socket closed", zap.Error(err))
	if err != nil {
		return c.opErr("close", err)
	}
	return nil
}

// Socket is a bound socket ready to move frames.
// The zero value is not usable.
type Socket struct{ c *core }

func (s *Socket) mustActive(op string) *core {
	if s == nil || s.c == nil {
		panic("socket: " + op + " on unbound socket")
	}
	if s.c.closed {
		panic("socket: " + op + " on closed socket")
	}
	return s.c
}

// Recv returns the next received frame. Without a timeout it returns
// ErrWouldBlock immediately when no frame is ready; with one it waits up
// to Options.Timeout. Trace sources return ErrEOF once drained.
func (s *Socket) Recv() (*Packet, error) {
	c := s.mustActive("recv")
	if c.rx == nil {
		return nil, c.opErr("recv", ErrNotRx)
	}

	var deadline time.Time
	for {
		p, err := c.tryRecv()
		if err != ErrWouldBlock || c.opts.Timeout <= 0 {
			return p, err
		}
		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(c.opts.Timeout)
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return nil, ErrWouldBlock
		}
		if err := c.be.Wait(remaining); err != nil {
			return nil, c.opErr("wait", err)
		}
	}
}

func (c *core) tryRecv() (*Packet, error) {
	_, err := c.be.SyncRx(c.rx)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return nil, c.ringErr("sync-rx", c.rx, -1, err)
	}

	for {
		sl := c.rx.NextReady()
		if sl == nil {
			if eof {
				return nil, ErrEOF
			}
			return nil, ErrWouldBlock
		}
		c.rx.Lend(sl)
		c.rxPackets++

		if c.filter != nil && !c.filter(sl.Meta(), c.rx.Data(sl)) {
			c.rx.Release(sl, sl.Gen())
			c.rxFiltered++
			continue
		}
		return c.lend(sl), nil
	}
}

func (c *core) lend(sl *ring.Slot) *Packet {
	p := &Packet{
		c:    c,
		slot: sl,
		gen:  sl.Gen(),
		seq:  sl.Seq(),
		meta: sl.Meta(),
	}
	if c.opts.Capture == CaptureCopy {
		p.buf = append([]byte(nil), c.rx.Data(sl)...)
		c.rx.Release(sl, p.gen)
		p.slot = nil
		return p
	}
	c.outstanding++
	return p
}

// Send copies payload into the next free transmit slot and queues it.
// The frame is handed to the kernel by the next Flush. It fails with
// ErrRingFull when every slot is queued or in flight.
func (s *Socket) Send(payload []byte) error {
	c := s.mustActive("send")
	if c.tx == nil {
		return c.opErr("send", ErrNotTx)
	}
	sl, err := c.tx.PeekFree()
	if err != nil {
		return c.ringErr("send", c.tx, -1, err)
	}
	if len(payload) > sl.Cap() {
		c.txInvalid++
		return c.ringErr("send", c.tx, sl.Index(),
			fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), sl.Cap()))
	}
	copy(c.tx.Buffer(sl), payload)
	c.tx.ReserveForSend(sl, len(payload))
	return nil
}

// NextTxSlot returns the index and buffer of the slot the next send will
// use, for callers that build frames in place. Complete it with SendSlot.
func (s *Socket) NextTxSlot() (int, []byte, error) {
	c := s.mustActive("next tx slot")
	if c.tx == nil {
		return -1, nil, c.opErr("next tx slot", ErrNotTx)
	}
	sl, err := c.tx.PeekFree()
	if err != nil {
		return -1, nil, c.ringErr("next tx slot", c.tx, -1, err)
	}
	return sl.Index(), c.tx.Buffer(sl), nil
}

// SendSlot queues n bytes already written into transmit slot id.
func (s *Socket) SendSlot(id, n int) error {
	c := s.mustActive("send slot")
	if c.tx == nil {
		return c.opErr("send slot", ErrNotTx)
	}
	sl, err := c.tx.PeekFree()
	if err != nil {
		return c.ringErr("send slot", c.tx, id, err)
	}
	if sl.Index() != id {
		return c.ringErr("send slot", c.tx, id, ErrSlotInUse)
	}
	if n < 0 {
		c.txInvalid++
		return c.ringErr("send slot", c.tx, id, fmt.Errorf("%w: negative frame length %d", ErrInvalidOptions, n))
	}
	if n > sl.Cap() {
		c.txInvalid++
		return c.ringErr("send slot", c.tx, id,
			fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, sl.Cap()))
	}
	c.tx.ReserveForSend(sl, n)
	return nil
}

// TxBuffer returns the buffer of transmit slot id. The contents are only
// meaningful while the slot is queued or being built in place.
func (s *Socket) TxBuffer(id int) []byte {
	c := s.mustActive("tx buffer")
	if c.tx == nil {
		panic("socket: tx buffer on socket not opened for transmit")
	}
	return c.tx.Buffer(c.tx.Slot(id))
}

// Flush hands every queued frame to the kernel and reclaims completed
// slots. It returns the number of frames submitted by this call.
func (s *Socket) Flush() (int, error) {
	c := s.mustActive("flush")
	if c.tx == nil {
		return 0, c.opErr("flush", ErrNotTx)
	}
	st, err := c.be.SyncTx(c.tx)
	c.txPackets += uint64(st.Submitted)
	c.txInvalid += uint64(st.Invalid)
	if err != nil {
		return st.Submitted, c.ringErr("sync-tx", c.tx, -1, err)
	}
	return st.Submitted, nil
}

// Wait blocks until the backend may have frames or timeout expires.
func (s *Socket) Wait(timeout time.Duration) error {
	c := s.mustActive("wait")
	if err := c.be.Wait(timeout); err != nil {
		return c.opErr("wait", err)
	}
	return nil
}

// Close releases the backend. Closing a socket while packets are still
// outstanding is a programming error and panics.
func (s *Socket) Close() error {
	if s == nil || s.c == nil {
		panic("socket: close on unbound socket")
	}
	if s.c.outstanding > 0 {
		panic(fmt.Sprintf("socket: close with %d outstanding packets", s.c.outstanding))
	}
	return s.c.close()
}

// Outstanding returns the number of unreleased packets borrowing slots.
func (s *Socket) Outstanding() int { return s.mustActive("outstanding").outstanding }

// Stats returns the backend's kernel counters merged with the socket's
// own counters.
func (s *Socket) Stats() (Stats, error) {
	c := s.mustActive("stats")
	st, err := c.be.Stats()
	if err != nil {
		return Stats{}, c.opErr("stats", err)
	}
	st.RxPackets += c.rxPackets
	st.RxFiltered += c.rxFiltered
	st.TxPackets += c.txPackets
	st.TxInvalid += c.txInvalid
	return st, nil
}

func (s *Socket) Fd() int { return s.mustActive("fd").be.Fd() }

func (s *Socket) Device() string { return s.mustActive("device").device }

func (s *Socket) Queue() Queue { return s.mustActive("queue").queue }

// IfIndex returns the interface index of the bound device, or 0 if the
// backend is not attached to a network interface.
func (s *Socket) IfIndex() int {
	if x, ok := s.mustActive("ifindex").be.(interface{ IfIndex() int }); ok {
		return x.IfIndex()
	}
	return 0
}

// RxRingSize returns the number of receive slots, 0 for transmit-only
// sockets.
func (s *Socket) RxRingSize() int {
	if c := s.mustActive("rx ring size"); c.rx != nil {
		return c.rx.Cap()
	}
	return 0
}

func (s *Socket) TxRingSize() int {
	if c := s.mustActive("tx ring size"); c.tx != nil {
		return c.tx.Cap()
	}
	return 0
}

func (s *Socket) Options() Options { return s.mustActive("options").opts }

// Backend exposes the backend instance for backend-specific helpers.
func (s *Socket) Backend() Backend { return s.mustActive("backend").be }

// DumpRings writes the state of both rings to w.
func (s *Socket) DumpRings(w io.Writer) {
	c := s.mustActive("dump rings")
	fmt.Fprintf(w, "socket %s %s queue %s outstanding=%d\n",
		c.driver, c.device, c.queue, c.outstanding)
	if c.rx != nil {
		fmt.Fprint(w, "rx ")
		c.rx.Dump(w)
	}
	if c.tx != nil {
		fmt.Fprint(w, "tx ")
		c.tx.Dump(w)
	}
}
