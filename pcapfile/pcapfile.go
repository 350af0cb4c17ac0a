// Package pcapfile is a backend reading and writing pcap trace files.
//
// The device name passed to Bind is the file path. A receiving socket
// replays the file, a transmitting socket writes every flushed frame to a
// new file. Reads return socket.ErrEOF once the file is drained; Rewind
// starts over.
package pcapfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

var (
	ErrBidirectional = errors.New("trace file sockets are either rx or tx")
	ErrNotTraceFile  = errors.New("socket is not backed by a trace file")
)

// Config holds trace file settings.
type Config struct {
	// LinkType of written files. Defaults to Ethernet.
	LinkType layers.LinkType
	// Nanosecond selects nanosecond timestamp resolution for written files.
	Nanosecond bool
}

// Driver reads and writes Ethernet microsecond-resolution files.
var Driver = New(Config{})

// New returns a driver using c for written files.
func New(c Config) socket.Driver {
	if c.LinkType == 0 {
		c.LinkType = layers.LinkTypeEthernet
	}
	return driver{conf: c}
}

type driver struct{ conf Config }

func (driver) Name() string { return "pcap-file" }

func (d driver) Open(o *socket.Options) (socket.Backend, error) {
	if o.Direction == socket.DirRxTx {
		return nil, fmt.Errorf("%w: %w", socket.ErrInvalidOptions, ErrBidirectional)
	}
	if o.Fanout != nil {
		return nil, socket.ErrFanoutUnsupported
	}
	return &Backend{
		conf:    d.conf,
		log:     o.Logger,
		dir:     o.Direction,
		snaplen: o.BufferSize,
	}, nil
}

// Backend is an open trace file.
type Backend struct {
	conf    Config
	log     *zap.Logger
	dir     socket.Direction
	snaplen uint32

	path string
	file *os.File

	r       *pcapgo.Reader
	pending []byte
	pendCI  gopacket.CaptureInfo
	hasPend bool
	eof     bool

	bw *bufio.Writer
	w  *pcapgo.Writer

	read    uint64
	written uint64
}

func (b *Backend) Region(socket.Direction) socket.Region { return socket.Region{} }

func (b *Backend) Bind(req socket.BindRequest) error {
	if !req.Queue.Any() {
		return socket.ErrQueueUnsupported
	}
	if req.Fanout != nil {
		return socket.ErrFanoutUnsupported
	}

	if b.dir.Rx() {
		f, err := os.Open(req.Device)
		if err != nil {
			return fmt.Errorf("%w: %w", socket.ErrNoDevice, err)
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("reading pcap header of %s: %w", req.Device, err)
		}
		b.file, b.r = f, r
		b.log.Debug("trace file opened",
			zap.String("path", req.Device),
			zap.Stringer("link_type", r.LinkType()),
			zap.Uint32("snaplen", r.Snaplen()))
	} else {
		f, err := os.Create(req.Device)
		if err != nil {
			return fmt.Errorf("%w: %w", socket.ErrNoDevice, err)
		}
		bw := bufio.NewWriter(f)
		var w *pcapgo.Writer
		if b.conf.Nanosecond {
			w = pcapgo.NewWriterNanos(bw)
		} else {
			w = pcapgo.NewWriter(bw)
		}
		if err := w.WriteFileHeader(b.snaplen, b.conf.LinkType); err != nil {
			f.Close()
			return fmt.Errorf("writing pcap header of %s: %w", req.Device, err)
		}
		b.file, b.bw, b.w = f, bw, w
	}
	b.path = req.Device
	return nil
}

// LinkType returns the link type of the file being read or written.
func (b *Backend) LinkType() layers.LinkType {
	if b.r != nil {
		return b.r.LinkType()
	}
	return b.conf.LinkType
}

func (b *Backend) next() error {
	if b.hasPend {
		return nil
	}
	data, ci, err := b.r.ReadPacketData()
	if err != nil {
		return err
	}
	b.pending, b.pendCI, b.hasPend = data, ci, true
	return nil
}

func (b *Backend) SyncRx(rx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	if b.eof {
		return st, io.EOF
	}
	for rx.PeekFill() != nil {
		if err := b.next(); err != nil {
			if errors.Is(err, io.EOF) {
				b.eof = true
			}
			return st, err
		}
		sl, err := rx.AcquireForFill()
		if err != nil {
			break
		}
		n := copy(rx.Buffer(sl), b.pending)
		rx.MakeAvailable(sl, n, ring.Meta{
			Timestamp: b.pendCI.Timestamp,
			Snaplen:   uint32(n),
			Len:       uint32(b.pendCI.Length),
		})
		b.hasPend = false
		b.pending = nil
		b.read++
		st.Filled++
	}
	return st, nil
}

func (b *Backend) SyncTx(tx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	if tx.Queued() == 0 {
		return st, nil
	}
	now := time.Now()
	for sl := tx.NextQueued(); sl != nil; sl = tx.NextQueued() {
		data := tx.Data(sl)
		ci := gopacket.CaptureInfo{
			Timestamp:     now,
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := b.w.WritePacket(ci, data); err != nil {
			return st, fmt.Errorf("writing %s: %w", b.path, err)
		}
		tx.MarkSubmitted(sl)
		tx.CommitSend(sl)
		st.Submitted++
		st.Completed++
		b.written++
	}
	if err := b.bw.Flush(); err != nil {
		return st, fmt.Errorf("flushing %s: %w", b.path, err)
	}
	return st, nil
}

// Wait returns immediately, a file is always readable.
func (b *Backend) Wait(time.Duration) error { return nil }

func (b *Backend) Fd() int {
	if b.file == nil {
		return -1
	}
	return int(b.file.Fd())
}

func (b *Backend) Stats() (socket.Stats, error) { return socket.Stats{}, nil }

// Rewind restarts reading at the first frame of the file.
func (b *Backend) Rewind() error {
	if b.r == nil {
		return fmt.Errorf("%w: rewind", socket.ErrNotRx)
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding %s: %w", b.path, err)
	}
	r, err := pcapgo.NewReader(b.file)
	if err != nil {
		return fmt.Errorf("reading pcap header of %s: %w", b.path, err)
	}
	b.r = r
	b.eof, b.hasPend, b.pending = false, false, nil
	return nil
}

// Store writes a frame with its original timestamp and wire length,
// bypassing the transmit ring.
func (b *Backend) Store(ci gopacket.CaptureInfo, data []byte) error {
	if b.w == nil {
		return fmt.Errorf("%w: store", socket.ErrNotTx)
	}
	if err := b.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("writing %s: %w", b.path, err)
	}
	b.written++
	return b.bw.Flush()
}

func (b *Backend) Close() error {
	if b.file == nil {
		return nil
	}
	var errs []error
	if b.bw != nil {
		if err := b.bw.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("flushing %s: %w", b.path, err))
		}
	}
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing %s: %w", b.path, err))
	}
	b.file = nil
	b.log.Debug("trace file closed",
		zap.String("path", b.path),
		zap.Uint64("read", b.read),
		zap.Uint64("written", b.written))
	return errors.Join(errs...)
}

func backend(s *socket.Socket) (*Backend, error) {
	b, ok := s.Backend().(*Backend)
	if !ok {
		return nil, ErrNotTraceFile
	}
	return b, nil
}

// Rewind restarts a trace file socket at its first frame. Frames already
// in the ring are delivered first.
func Rewind(s *socket.Socket) error {
	b, err := backend(s)
	if err != nil {
		return err
	}
	return b.Rewind()
}

// Store writes p to the trace file socket s with the timestamp and lengths
// recorded in p.
func Store(s *socket.Socket, p *socket.Packet) error {
	b, err := backend(s)
	if err != nil {
		return err
	}
	data := p.Data()
	return b.Store(gopacket.CaptureInfo{
		Timestamp:     p.Timestamp(),
		CaptureLength: len(data),
		Length:        int(max(p.Len(), uint32(len(data)))),
	}, data)
}
