package pcapfile_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/romshark/pktsock/loopback"
	"github.com/romshark/pktsock/pcapfile"
	"github.com/romshark/pktsock/socket"
)

func open(path string, dir socket.Direction) *socket.Socket {
	b, err := socket.Open(pcapfile.Driver, socket.Options{
		SlotsPerBlock: 4,
		BufferSize:    256,
		Direction:     dir,
	})
	So(err, ShouldBeNil)
	s, err := b.Bind(path, socket.QueueAny)
	So(err, ShouldBeNil)
	return s
}

func writeTrace(path string, frames ...string) {
	tx := open(path, socket.DirTx)
	written := 0
	for _, f := range frames {
		err := tx.Send([]byte(f))
		if errors.Is(err, socket.ErrRingFull) {
			n, err := tx.Flush()
			So(err, ShouldBeNil)
			written += n
			err = tx.Send([]byte(f))
		}
		So(err, ShouldBeNil)
	}
	n, err := tx.Flush()
	So(err, ShouldBeNil)
	So(written+n, ShouldEqual, len(frames))
	So(tx.Close(), ShouldBeNil)
}

func readAll(rx *socket.Socket) []string {
	var got []string
	for {
		p, err := rx.Recv()
		if errors.Is(err, socket.ErrEOF) {
			return got
		}
		So(err, ShouldBeNil)
		got = append(got, string(p.Data()))
		p.Release()
	}
}

func TestTraceFile(t *testing.T) {
	Convey("Given a trace file written through a socket", t, func() {
		path := filepath.Join(t.TempDir(), "trace.pcap")
		frames := []string{"first", "second", "third", "fourth", "fifth", "sixth"}
		writeTrace(path, frames...)

		Convey("the file is a valid Ethernet pcap", func() {
			f, err := os.Open(path)
			So(err, ShouldBeNil)
			defer f.Close()
			r, err := pcapgo.NewReader(f)
			So(err, ShouldBeNil)
			So(r.LinkType(), ShouldEqual, layers.LinkTypeEthernet)
			data, ci, err := r.ReadPacketData()
			So(err, ShouldBeNil)
			So(string(data), ShouldEqual, "first")
			So(ci.Length, ShouldEqual, 5)
		})

		Convey("reading it back yields every frame in order, then end of trace", func() {
			rx := open(path, socket.DirRx)
			So(readAll(rx), ShouldResemble, frames)

			_, err := rx.Recv()
			So(err, ShouldEqual, socket.ErrEOF)
			So(socket.IsTransient(err), ShouldBeFalse)

			Convey("and rewinding starts over", func() {
				So(pcapfile.Rewind(rx), ShouldBeNil)
				So(readAll(rx), ShouldResemble, frames)
				So(rx.Close(), ShouldBeNil)
			})
		})

		Convey("a held packet stalls the ring once it wraps around", func() {
			rx := open(path, socket.DirRx)
			first, err := rx.Recv()
			So(err, ShouldBeNil)
			for _, want := range frames[1:4] {
				p, err := rx.Recv()
				So(err, ShouldBeNil)
				So(string(p.Data()), ShouldEqual, want)
				p.Release()
			}
			_, err = rx.Recv()
			So(err, ShouldEqual, socket.ErrWouldBlock)

			So(string(first.Data()), ShouldEqual, "first")
			first.Release()
			So(readAll(rx), ShouldResemble, frames[4:])
			So(rx.Close(), ShouldBeNil)
		})

		Convey("a writer fills up after one ring of unflushed frames", func() {
			out := filepath.Join(filepath.Dir(path), "full.pcap")
			tx := open(out, socket.DirTx)
			for _, f := range frames[:4] {
				So(tx.Send([]byte(f)), ShouldBeNil)
			}
			So(errors.Is(tx.Send([]byte(frames[4])), socket.ErrRingFull), ShouldBeTrue)

			n, err := tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 4)
			So(tx.Send([]byte(frames[4])), ShouldBeNil)
			n, err = tx.Flush()
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(tx.Close(), ShouldBeNil)

			rx := open(out, socket.DirRx)
			So(readAll(rx), ShouldResemble, frames[:5])
			So(rx.Close(), ShouldBeNil)
		})

		Convey("stored packets keep their timestamps", func() {
			rx := open(path, socket.DirRx)
			out := filepath.Join(filepath.Dir(path), "copy.pcap")
			tx := open(out, socket.DirTx)

			ts := time.Date(2020, 1, 2, 3, 4, 5, 6000, time.UTC)
			p, err := rx.Recv()
			So(err, ShouldBeNil)
			p.SetTimestamp(ts)
			So(pcapfile.Store(tx, p), ShouldBeNil)
			p.Release()
			So(tx.Close(), ShouldBeNil)
			So(rx.Close(), ShouldBeNil)

			copied := open(out, socket.DirRx)
			q, err := copied.Recv()
			So(err, ShouldBeNil)
			So(string(q.Data()), ShouldEqual, "first")
			So(q.Timestamp().Equal(ts), ShouldBeTrue)
			q.Release()
			So(copied.Close(), ShouldBeNil)
		})
	})
}

func TestTraceFileErrors(t *testing.T) {
	Convey("Trace file sockets", t, func() {
		Convey("cannot be bidirectional", func() {
			_, err := socket.Open(pcapfile.Driver, socket.Options{Direction: socket.DirRxTx})
			So(errors.Is(err, socket.ErrInvalidOptions), ShouldBeTrue)
			So(errors.Is(err, pcapfile.ErrBidirectional), ShouldBeTrue)
		})

		Convey("cannot select a queue", func() {
			b, err := socket.Open(pcapfile.Driver, socket.Options{Direction: socket.DirRx})
			So(err, ShouldBeNil)
			_, err = b.Bind("whatever.pcap", socket.QueueID(1))
			So(errors.Is(err, socket.ErrQueueUnsupported), ShouldBeTrue)
			So(b.Close(), ShouldBeNil)
		})

		Convey("report a missing file as a missing device", func() {
			b, err := socket.Open(pcapfile.Driver, socket.Options{Direction: socket.DirRx})
			So(err, ShouldBeNil)
			_, err = b.Bind(filepath.Join(t.TempDir(), "missing.pcap"), socket.QueueAny)
			So(errors.Is(err, socket.ErrNoDevice), ShouldBeTrue)
			So(b.Close(), ShouldBeNil)
		})

		Convey("reject helpers on other backends", func() {
			b, err := socket.Open(loopback.Driver, socket.Options{})
			So(err, ShouldBeNil)
			s, err := b.Bind("lo-pcapfile-test", socket.QueueAny)
			So(err, ShouldBeNil)
			So(pcapfile.Rewind(s), ShouldEqual, pcapfile.ErrNotTraceFile)
			So(s.Close(), ShouldBeNil)
		})
	})
}
