package socket_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/romshark/pktsock/loopback"
	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

var devSeq atomic.Int64

func newDevice() string { return fmt.Sprintf("lo-test-%d", devSeq.Add(1)) }

func bind(dev string, opts socket.Options) *socket.Socket {
	b, err := socket.Open(loopback.Driver, opts)
	So(err, ShouldBeNil)
	s, err := b.Bind(dev, socket.QueueAny)
	So(err, ShouldBeNil)
	return s
}

func rxOpts(slots uint32) socket.Options {
	return socket.Options{SlotsPerBlock: slots, BufferSize: 128, Direction: socket.DirRx}
}

func txOpts(slots uint32) socket.Options {
	return socket.Options{SlotsPerBlock: slots, BufferSize: 128, Direction: socket.DirTx}
}

func TestOpen(t *testing.T) {
	Convey("Opening a socket", t, func() {
		Convey("applies defaults", func() {
			b, err := socket.Open(loopback.Driver, socket.Options{})
			So(err, ShouldBeNil)
			o := b.Options()
			So(o.RingSize(), ShouldEqual, 256)
			So(o.BufferSize, ShouldEqual, uint32(2048))
			So(o.Logger, ShouldNotBeNil)
			So(b.Close(), ShouldBeNil)
		})

		Convey("rejects a ring size that is not a power of two", func() {
			_, err := socket.Open(loopback.Driver, socket.Options{NumBlocks: 3, SlotsPerBlock: 5})
			So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
			var opErr *socket.OpError
			So(errors.As(err, &opErr), ShouldBeTrue)
			So(opErr.Op, ShouldEqual, "open")
			So(opErr.Backend, ShouldEqual, "loopback")
		})

		Convey("rejects a tiny buffer size", func() {
			_, err := socket.Open(loopback.Driver, socket.Options{BufferSize: 8})
			So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
		})
	})
}

func TestBind(t *testing.T) {
	Convey("Given an opened socket", t, func() {
		b, err := socket.Open(loopback.Driver, rxOpts(4))
		So(err, ShouldBeNil)

		Convey("a failed bind leaves it usable", func() {
			_, err := b.Bind("", socket.QueueAny)
			So(errors.Is(err, socket.ErrNoDevice), ShouldBeTrue)

			b.SetFanout(socket.Fanout{ID: 7})
			_, err = b.Bind(newDevice(), socket.QueueAny)
			So(errors.Is(err, socket.ErrFanoutUnsupported), ShouldBeTrue)

			So(b.Close(), ShouldBeNil)
		})

		Convey("a successful bind consumes it", func() {
			dev := newDevice()
			s, err := b.Bind(dev, socket.QueueID(2))
			So(err, ShouldBeNil)
			So(s.Device(), ShouldEqual, dev)
			So(s.Queue(), ShouldEqual, socket.QueueID(2))
			So(s.RxRingSize(), ShouldEqual, 4)
			So(s.TxRingSize(), ShouldEqual, 0)
			So(s.Fd(), ShouldEqual, -1)

			So(func() { b.SetFilter(nil) }, ShouldPanic)
			So(func() { b.Bind(dev, socket.QueueAny) }, ShouldPanic)
			So(s.Close(), ShouldBeNil)
		})

		Convey("single-queue mode requires a queue", func() {
			b.Close()
			o := rxOpts(4)
			o.Mode = socket.ModeSingleQueue
			b, err := socket.Open(loopback.Driver, o)
			So(err, ShouldBeNil)
			_, err = b.Bind(newDevice(), socket.QueueAny)
			So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
			So(b.Close(), ShouldBeNil)
		})
	})
}

func TestReceive(t *testing.T) {
	Convey("Given a receive socket with 4 slots", t, func() {
		dev := newDevice()
		rx := bind(dev, rxOpts(4))

		Convey("an empty ring would block", func() {
			p, err := rx.Recv()
			So(p, ShouldBeNil)
			So(err, ShouldEqual, socket.ErrWouldBlock)
			So(socket.IsTransient(err), ShouldBeTrue)
			So(rx.Close(), ShouldBeNil)
		})

		Convey("frames are received in arrival order", func() {
			for i := 0; i < 3; i++ {
				So(loopback.Inject(dev, []byte{byte(i)}), ShouldEqual, 1)
			}
			var ids []uint64
			for i := 0; i < 3; i++ {
				p, err := rx.Recv()
				So(err, ShouldBeNil)
				So(p.Data(), ShouldResemble, []byte{byte(i)})
				ids = append(ids, p.ID())
				p.Release()
			}
			So(ids[0] < ids[1] && ids[1] < ids[2], ShouldBeTrue)
			So(rx.Close(), ShouldBeNil)
		})

		Convey("all slots on loan block further receives until one is released", func() {
			for i := 0; i < 5; i++ {
				loopback.Inject(dev, []byte{byte(i)})
			}
			var held []*socket.Packet
			for i := 0; i < 4; i++ {
				p, err := rx.Recv()
				So(err, ShouldBeNil)
				held = append(held, p)
			}
			So(rx.Outstanding(), ShouldEqual, 4)

			_, err := rx.Recv()
			So(err, ShouldEqual, socket.ErrWouldBlock)

			held[0].Release()
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			So(p.Data(), ShouldResemble, []byte{4})

			p.Release()
			for _, h := range held[1:] {
				h.Release()
			}
			So(rx.Close(), ShouldBeNil)
		})

		Convey("closing with an outstanding packet panics", func() {
			loopback.Inject(dev, []byte("x"))
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			So(func() { rx.Close() }, ShouldPanic)

			p.Release()
			So(rx.Outstanding(), ShouldEqual, 0)
			So(rx.Close(), ShouldBeNil)
		})

		Convey("a released packet cannot be used", func() {
			loopback.Inject(dev, []byte("x"))
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			p.Release()
			So(p.Released(), ShouldBeTrue)
			So(func() { p.Data() }, ShouldPanic)
			So(func() { p.Release() }, ShouldPanic)
			So(rx.Close(), ShouldBeNil)
		})

		Convey("packet timestamps can be rewritten piecewise", func() {
			loopback.Inject(dev, []byte("x"))
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			p.SetTimestamp(time.Unix(100, 123456789))
			So(p.TimestampSec(), ShouldEqual, int64(100))
			So(p.TimestampUsec(), ShouldEqual, int64(123456))
			So(p.TimestampNsec(), ShouldEqual, int64(123456789))
			p.SetTimestampSec(200)
			p.SetTimestampUsec(5)
			So(p.Timestamp().Equal(time.Unix(200, 5000)), ShouldBeTrue)
			p.SetTimestampNsec(7)
			So(p.TimestampNsec(), ShouldEqual, int64(7))
			So(p.Len(), ShouldEqual, uint32(1))
			So(p.Snaplen(), ShouldEqual, uint32(1))
			p.Release()
			So(rx.Close(), ShouldBeNil)
		})

		Convey("a closed socket panics on use", func() {
			So(rx.Close(), ShouldBeNil)
			So(func() { rx.Recv() }, ShouldPanic)
			So(func() { rx.Flush() }, ShouldPanic)
		})

		Convey("send on a receive-only socket fails", func() {
			err := rx.Send([]byte("x"))
			So(errors.Is(err, socket.ErrNotTx), ShouldBeTrue)
			So(rx.Close(), ShouldBeNil)
		})

		Convey("the ring dump shows lent slots", func() {
			loopback.Inject(dev, []byte("x"))
			p, _ := rx.Recv()
			var buf bytes.Buffer
			rx.DumpRings(&buf)
			So(buf.String(), ShouldContainSubstring, "outstanding=1")
			So(buf.String(), ShouldContainSubstring, "on-loan")
			p.Release()
			So(rx.Close(), ShouldBeNil)
		})
	})
}

func TestReceiveTimeout(t *testing.T) {
	Convey("A receive with a timeout waits before giving up", t, func() {
		o := rxOpts(4)
		o.Timeout = 20 * time.Millisecond
		rx := bind(newDevice(), o)

		start := time.Now()
		_, err := rx.Recv()
		So(err, ShouldEqual, socket.ErrWouldBlock)
		So(time.Since(start) >= 20*time.Millisecond, ShouldBeTrue)
		So(rx.Close(), ShouldBeNil)
	})
}

func TestCopyMode(t *testing.T) {
	Convey("In copy mode packets do not borrow slots", t, func() {
		dev := newDevice()
		o := rxOpts(2)
		o.Capture = socket.CaptureCopy
		rx := bind(dev, o)

		for i := 0; i < 3; i++ {
			loopback.Inject(dev, []byte{byte(i)})
		}
		var held []*socket.Packet
		for i := 0; i < 3; i++ {
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			held = append(held, p)
		}
		So(rx.Outstanding(), ShouldEqual, 0)
		So(rx.Close(), ShouldBeNil)

		So(held[2].Data(), ShouldResemble, []byte{2})
		for _, p := range held {
			p.Release()
		}
	})
}

func TestFilter(t *testing.T) {
	Convey("Frames rejected by the filter are skipped and counted", t, func() {
		dev := newDevice()
		b, err := socket.Open(loopback.Driver, rxOpts(4))
		So(err, ShouldBeNil)
		b.SetFilter(func(_ ring.Meta, data []byte) bool { return data[0]%2 == 0 })
		rx, err := b.Bind(dev, socket.QueueAny)
		So(err, ShouldBeNil)

		for i := 0; i < 4; i++ {
			loopback.Inject(dev, []byte{byte(i)})
		}
		var got []byte
		for {
			p, err := rx.Recv()
			if err != nil {
				So(err, ShouldEqual, socket.ErrWouldBlock)
				break
			}
			got = append(got, p.Data()[0])
			p.Release()
		}
		So(got, ShouldResemble, []byte{0, 2})

		st, err := rx.Stats()
		So(err, ShouldBeNil)
		So(st.RxPackets, ShouldEqual, uint64(4))
		So(st.RxFiltered, ShouldEqual, uint64(2))
		So(rx.Close(), ShouldBeNil)
	})
}

func TestRxHashIsNotReported(t *testing.T) {
	Convey("Requesting a flow hash still yields zero", t, func() {
		dev := newDevice()
		opts := rxOpts(4)
		opts.RxHash = true
		rx := bind(dev, opts)
		So(loopback.Inject(dev, []byte("hashed")), ShouldEqual, 1)

		p, err := rx.Recv()
		So(err, ShouldBeNil)
		So(p.RxHash(), ShouldEqual, uint32(0))
		p.Release()
		So(rx.Close(), ShouldBeNil)
	})
}

func TestTransmit(t *testing.T) {
	Convey("Given a transmit and a receive socket on one device", t, func() {
		dev := newDevice()
		tx := bind(dev, txOpts(4))
		rx := bind(dev, rxOpts(16))

		Reset(func() {
			tx.Close()
			rx.Close()
		})

		Convey("flush with nothing queued is a no-op", func() {
			n, err := tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
		})

		Convey("frames arrive in send order", func() {
			for _, p := range []string{"one", "two", "three"} {
				So(tx.Send([]byte(p)), ShouldBeNil)
			}
			_, err := rx.Recv()
			So(err, ShouldEqual, socket.ErrWouldBlock)

			n, err := tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 3)

			var got []string
			for i := 0; i < 3; i++ {
				p, err := rx.Recv()
				So(err, ShouldBeNil)
				got = append(got, string(p.Data()))
				p.Release()
			}
			So(got, ShouldResemble, []string{"one", "two", "three"})

			st, err := tx.Stats()
			So(err, ShouldBeNil)
			So(st.TxPackets, ShouldEqual, uint64(3))
		})

		Convey("the transmit buffer holds exactly what was sent", func() {
			payload := []byte("zero-copy payload")
			id, _, err := tx.NextTxSlot()
			So(err, ShouldBeNil)
			So(tx.Send(payload), ShouldBeNil)
			So(tx.TxBuffer(id)[:len(payload)], ShouldResemble, payload)

			_, err = tx.Flush()
			So(err, ShouldBeNil)
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			So(p.Data(), ShouldResemble, payload)
			p.Release()
		})

		Convey("frames can be built in place", func() {
			id, buf, err := tx.NextTxSlot()
			So(err, ShouldBeNil)
			n := copy(buf, "in place")
			So(tx.SendSlot(id+1, n), ShouldNotBeNil)

			err = tx.SendSlot(id, -1)
			So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
			So(errors.Is(err, socket.ErrFrameTooLarge), ShouldBeFalse)
			So(err.Error(), ShouldContainSubstring, "negative frame length")

			So(tx.SendSlot(id, n), ShouldBeNil)

			_, err = tx.Flush()
			So(err, ShouldBeNil)
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			So(string(p.Data()), ShouldEqual, "in place")
			p.Release()
		})

		Convey("a full ring rejects sends until a flush completes one", func() {
			for i := 0; i < 4; i++ {
				So(tx.Send([]byte{byte(i)}), ShouldBeNil)
			}
			err := tx.Send([]byte{4})
			So(errors.Is(err, socket.ErrRingFull), ShouldBeTrue)
			So(socket.IsTransient(err), ShouldBeTrue)

			n, err := tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 4)
			So(tx.Send([]byte{4}), ShouldBeNil)
		})

		Convey("slots stay busy while completions are pending", func() {
			lb := tx.Backend().(*loopback.Backend)
			lb.HoldCompletions(true)
			for i := 0; i < 4; i++ {
				So(tx.Send([]byte{byte(i)}), ShouldBeNil)
			}
			_, err := tx.Flush()
			So(err, ShouldBeNil)
			So(errors.Is(tx.Send([]byte{4}), socket.ErrRingFull), ShouldBeTrue)

			lb.HoldCompletions(false)
			n, err := tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 0)
			So(tx.Send([]byte{4}), ShouldBeNil)
		})

		Convey("an oversized frame is rejected", func() {
			err := tx.Send(make([]byte, 129))
			So(errors.Is(err, socket.ErrFrameTooLarge), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "loopback send "+dev)
		})

		Convey("receive on a transmit-only socket fails", func() {
			_, err := tx.Recv()
			So(errors.Is(err, socket.ErrNotRx), ShouldBeTrue)
		})
	})
}

func TestZeroSocket(t *testing.T) {
	Convey("The zero socket is unusable", t, func() {
		var s socket.Socket
		So(func() { s.Recv() }, ShouldPanic)
		So(func() { s.Send(nil) }, ShouldPanic)
		So(func() { s.Close() }, ShouldPanic)
	})
}

func TestOptionsText(t *testing.T) {
	Convey("Enum options round-trip through text", t, func() {
		var d socket.Direction
		So(d.UnmarshalText([]byte("TX")), ShouldBeNil)
		So(d, ShouldEqual, socket.DirTx)
		So(d.String(), ShouldEqual, "tx")

		var f socket.FanoutMode
		So(f.UnmarshalText([]byte("queue-mapping")), ShouldBeNil)
		So(f, ShouldEqual, socket.FanoutQueueMapping)

		var c socket.CaptureMode
		err := c.UnmarshalText([]byte("bogus"))
		So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
		So(strings.Contains(err.Error(), "zero-copy, copy"), ShouldBeTrue)

		So(socket.QueueAny.String(), ShouldEqual, "any")
		So(socket.QueueID(3).String(), ShouldEqual, "3")
	})
}
