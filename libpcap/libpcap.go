//go:build !nopcap

// Package libpcap is a live-capture backend using libpcap. It works on
// any device libpcap can open and is the fallback when neither AF_XDP nor
// packet sockets are available. Build with -tags nopcap to drop the cgo
// dependency.
package libpcap

import (
	"errors"
	"fmt"
	"time"

	"github.com/gopacket/gopacket/pcap"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

// readTimeout bounds a single libpcap read so sync never blocks for long.
const readTimeout = time.Millisecond

// Config holds libpcap specific settings.
type Config struct {
	// Filter is a pcap filter expression compiled by libpcap.
	Filter string
}

// Driver opens libpcap handles without a filter.
var Driver = New(Config{})

func New(c Config) socket.Driver { return driver{conf: c} }

type driver struct{ conf Config }

func (driver) Name() string { return "libpcap" }

func (d driver) Open(o *socket.Options) (socket.Backend, error) {
	return &Backend{conf: d.conf, log: o.Logger, opts: *o}, nil
}

// Backend is an activated libpcap handle.
type Backend struct {
	conf Config
	log  *zap.Logger
	opts socket.Options

	h *pcap.Handle
}

func (b *Backend) Region(socket.Direction) socket.Region { return socket.Region{} }

func direction(d socket.CaptureDir) pcap.Direction {
	switch d {
	case socket.CaptureIn:
		return pcap.DirectionIn
	case socket.CaptureOut:
		return pcap.DirectionOut
	}
	return pcap.DirectionInOut
}

func (b *Backend) Bind(req socket.BindRequest) error {
	if !req.Queue.Any() {
		return socket.ErrQueueUnsupported
	}
	if req.Fanout != nil {
		return socket.ErrFanoutUnsupported
	}

	inactive, err := pcap.NewInactiveHandle(req.Device)
	if err != nil {
		return fmt.Errorf("%w: %w", socket.ErrNoDevice, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(int(b.opts.BufferSize)); err != nil {
		return fmt.Errorf("setting snaplen: %w", err)
	}
	if err := inactive.SetPromisc(b.opts.Promisc); err != nil {
		return fmt.Errorf("setting promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(readTimeout); err != nil {
		return fmt.Errorf("setting read timeout: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return fmt.Errorf("setting immediate mode: %w", err)
	}
	if err := inactive.SetBufferSize(b.opts.RingSize() * int(b.opts.BufferSize)); err != nil {
		return fmt.Errorf("setting buffer size: %w", err)
	}

	h, err := inactive.Activate()
	if err != nil {
		return fmt.Errorf("activating pcap handle on %s: %w", req.Device, err)
	}
	if b.opts.CaptureDir != socket.CaptureInOut {
		if err := h.SetDirection(direction(b.opts.CaptureDir)); err != nil {
			h.Close()
			return fmt.Errorf("setting capture direction: %w", err)
		}
	}
	if b.conf.Filter != "" {
		if err := h.SetBPFFilter(b.conf.Filter); err != nil {
			h.Close()
			return fmt.Errorf("compiling filter %q: %w", b.conf.Filter, err)
		}
	}
	b.h = h
	b.log.Debug("pcap handle activated",
		zap.String("device", req.Device),
		zap.Stringer("link_type", h.LinkType()))
	return nil
}

func (b *Backend) SyncRx(rx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	for rx.PeekFill() != nil {
		data, ci, err := b.h.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				break
			}
			return st, err
		}
		sl, err := rx.AcquireForFill()
		if err != nil {
			break
		}
		n := copy(rx.Buffer(sl), data)
		rx.MakeAvailable(sl, n, ring.Meta{
			Timestamp: ci.Timestamp,
			Snaplen:   uint32(n),
			Len:       uint32(ci.Length),
		})
		st.Filled++
	}
	return st, nil
}

func (b *Backend) SyncTx(tx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	for sl := tx.NextQueued(); sl != nil; sl = tx.NextQueued() {
		if err := b.h.WritePacketData(tx.Data(sl)); err != nil {
			return st, fmt.Errorf("injecting frame: %w", err)
		}
		tx.MarkSubmitted(sl)
		tx.CommitSend(sl)
		st.Submitted++
		st.Completed++
	}
	return st, nil
}

// Wait returns immediately, every read already waits up to readTimeout.
func (b *Backend) Wait(time.Duration) error { return nil }

func (b *Backend) Fd() int { return -1 }

func (b *Backend) Stats() (socket.Stats, error) {
	if b.h == nil {
		return socket.Stats{}, nil
	}
	ps, err := b.h.Stats()
	if err != nil {
		return socket.Stats{}, fmt.Errorf("reading pcap stats: %w", err)
	}
	return socket.Stats{
		RxDropped:   uint64(ps.PacketsDropped),
		RxIfDropped: uint64(ps.PacketsIfDropped),
	}, nil
}

func (b *Backend) Close() error {
	if b.h != nil {
		b.h.Close()
		b.h = nil
	}
	return nil
}
