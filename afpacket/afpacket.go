//go:build linux

// Package afpacket implements the packet-socket backend on top of
// memory-mapped TPACKET_V2 rings.
//
// Ring slot i is kernel frame i: the kernel fills RX frames and drains TX
// frames in order, the same order the socket ring moves its cursors in, so
// no translation table is needed. A received slot points at the link-layer
// header inside its frame; a transmit slot starts at the data offset the
// kernel expects for TPACKET_V2 sends.
package afpacket

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/romshark/pktsock/internal/netdev"
	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

// Config holds backend specific settings not covered by socket.Options.
type Config struct {
	// Filter is a classic BPF program attached to the socket. Frames it
	// rejects never reach the ring.
	Filter []bpf.Instruction
}

// Driver opens packet sockets without a kernel filter.
var Driver = New(Config{})

// New returns a driver opening packet sockets configured by c.
func New(c Config) socket.Driver { return driver{conf: c} }

type driver struct{ conf Config }

func (driver) Name() string { return "afpacket" }

func (d driver) Open(o *socket.Options) (socket.Backend, error) {
	if o.CaptureDir == socket.CaptureOut {
		return nil, fmt.Errorf("%w: outgoing-only capture", socket.ErrNotSupported)
	}
	geo, err := newGeometry(o, os.Getpagesize())
	if err != nil {
		return nil, err
	}
	b := &Backend{
		log:  o.Logger,
		opts: *o,
		geo:  geo,
		fd:   -1,
	}
	if err := b.open(d.conf); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

/*---- Kernel structs ----*/

// tpacket2Hdr is struct tpacket2_hdr from linux/if_packet.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_packet.h#L146
type tpacket2Hdr struct {
	Status   uint32
	Len      uint32
	Snaplen  uint32
	Mac      uint16
	Net      uint16
	Sec      uint32
	Nsec     uint32
	VlanTCI  uint16
	VlanTPID uint16
	_        [4]uint8
}

const (
	tpacketAlignment = 16
	// tpacket2HdrLen is TPACKET_ALIGN(sizeof(struct tpacket2_hdr)),
	// the offset of transmitted data within a frame.
	tpacket2HdrLen = (int(unsafe.Sizeof(tpacket2Hdr{})) + tpacketAlignment - 1) &^ (tpacketAlignment - 1)
	// rxHeadroom is reserved in every frame for the frame header, the
	// trailing sockaddr_ll and the alignment of the network header.
	rxHeadroom = 128
)

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// geometry is the layout of one TPACKET ring.
type geometry struct {
	frameSize uint32
	blockSize uint32
	blockNr   uint32
	frameNr   uint32
}

// newGeometry lays out blocks of whole pages holding power-of-two frames
// large enough for BufferSize bytes of data. The frame count is a power
// of two and at least the requested ring size.
func newGeometry(o *socket.Options, pageSize int) (geometry, error) {
	frame := uint32(tpacketAlignment)
	for frame < o.BufferSize+rxHeadroom {
		frame <<= 1
	}
	block := frame * o.SlotsPerBlock
	if page := uint32(pageSize); block < page {
		block = page
	}
	if block%uint32(pageSize) != 0 {
		return geometry{}, fmt.Errorf("%w: block of %d bytes is not page aligned",
			socket.ErrInvalidOptions, block)
	}
	g := geometry{
		frameSize: frame,
		blockSize: block,
		blockNr:   o.NumBlocks,
	}
	g.frameNr = block / frame * g.blockNr
	return g, nil
}

func (g geometry) req() *unix.TpacketReq {
	return &unix.TpacketReq{
		Block_size: g.blockSize,
		Block_nr:   g.blockNr,
		Frame_size: g.frameSize,
		Frame_nr:   g.frameNr,
	}
}

func (g geometry) ringLen() int { return int(g.blockSize) * int(g.blockNr) }

// Backend is a packet socket with memory-mapped rings.
type Backend struct {
	log  *zap.Logger
	opts socket.Options
	geo  geometry

	fd      int
	ifindex int
	mem     []byte
	rxMem   []byte
	txMem   []byte

	drops uint64
}

func (b *Backend) open(c Config) error {
	// Protocol 0 receives nothing until bind names the real one.
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("opening packet socket: %w", err)
	}
	b.fd = fd

	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VERSION, unix.TPACKET_V2); err != nil {
		return fmt.Errorf("setsockopt PACKET_VERSION: %w", err)
	}
	if b.opts.QdiscBypass {
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_QDISC_BYPASS, 1); err != nil {
			return fmt.Errorf("setsockopt PACKET_QDISC_BYPASS: %w", err)
		}
	}
	if b.opts.CaptureDir == socket.CaptureIn {
		if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_IGNORE_OUTGOING, 1); err != nil {
			return fmt.Errorf("setsockopt PACKET_IGNORE_OUTGOING: %w", err)
		}
	}
	if len(c.Filter) > 0 {
		if err := attachFilter(fd, c.Filter); err != nil {
			return err
		}
	}

	size := 0
	if b.opts.Direction.Rx() {
		if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, unix.PACKET_RX_RING, b.geo.req()); err != nil {
			return fmt.Errorf("setsockopt PACKET_RX_RING: %w", err)
		}
		size += b.geo.ringLen()
	}
	if b.opts.Direction.Tx() {
		if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, unix.PACKET_TX_RING, b.geo.req()); err != nil {
			return fmt.Errorf("setsockopt PACKET_TX_RING: %w", err)
		}
		size += b.geo.ringLen()
	}

	// The RX ring is mapped first, the TX ring follows it.
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap rings: %w", err)
	}
	b.mem = mem
	off := 0
	if b.opts.Direction.Rx() {
		b.rxMem = mem[:b.geo.ringLen()]
		off = b.geo.ringLen()
	}
	if b.opts.Direction.Tx() {
		b.txMem = mem[off:]
	}
	return nil
}

// attachFilter assembles prog and attaches it with SO_ATTACH_FILTER.
func attachFilter(fd int, prog []bpf.Instruction) error {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return fmt.Errorf("assembling BPF filter: %w", err)
	}
	filter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		filter[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	fprog := unix.SockFprog{Len: uint16(len(filter)), Filter: &filter[0]}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("setsockopt SO_ATTACH_FILTER: %w", err)
	}
	return nil
}

func frameHdr(mem []byte, frameSize uint32, i int) *tpacket2Hdr {
	return (*tpacket2Hdr)(unsafe.Pointer(&mem[i*int(frameSize)]))
}

func (b *Backend) Region(dir socket.Direction) socket.Region {
	frame := int(b.geo.frameSize)
	if dir == socket.DirRx {
		return socket.Region{
			Mem:       b.rxMem,
			Slots:     int(b.geo.frameNr),
			FrameSize: frame,
			OnReclaim: b.returnFrame,
		}
	}
	return socket.Region{
		Mem:       b.txMem,
		Slots:     int(b.geo.frameNr),
		FrameSize: frame,
		Layout: func(i int) (int, int) {
			return i*frame + tpacket2HdrLen, frame - tpacket2HdrLen
		},
	}
}

// returnFrame hands the frame of a reclaimed slot back to the kernel.
func (b *Backend) returnFrame(sl *ring.Slot) {
	hdr := frameHdr(b.rxMem, b.geo.frameSize, sl.Index())
	atomic.StoreUint32(&hdr.Status, unix.TP_STATUS_KERNEL)
}

func (b *Backend) Bind(req socket.BindRequest) error {
	if !req.Queue.Any() {
		return socket.ErrQueueUnsupported
	}
	index, err := netdev.Index(req.Device)
	if err != nil {
		return err
	}

	var proto uint16
	if req.Rx != nil {
		proto = htons(unix.ETH_P_ALL)
	}
	if err := unix.Bind(b.fd, &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  index,
	}); err != nil {
		return fmt.Errorf("binding packet socket to %s: %w", req.Device, err)
	}

	if req.Fanout != nil {
		arg := int(req.Fanout.ID) | fanoutType(req.Fanout.Mode)<<16
		if err := unix.SetsockoptInt(b.fd, unix.SOL_PACKET, unix.PACKET_FANOUT, arg); err != nil {
			return fmt.Errorf("%w: setsockopt PACKET_FANOUT: %v", socket.ErrFanoutUnsupported, err)
		}
	}

	if b.opts.Promisc {
		// The kernel drops the membership when the socket closes.
		mreq := unix.PacketMreq{Ifindex: int32(index), Type: unix.PACKET_MR_PROMISC}
		if err := unix.SetsockoptPacketMreq(b.fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			return fmt.Errorf("enabling promiscuous mode on %s: %w", req.Device, err)
		}
	}

	b.ifindex = index
	b.log.Debug("packet socket bound",
		zap.String("device", req.Device),
		zap.Uint32("frame_size", b.geo.frameSize),
		zap.Uint32("frames", b.geo.frameNr))
	return nil
}

func fanoutType(m socket.FanoutMode) int {
	switch m {
	case socket.FanoutLB:
		return unix.PACKET_FANOUT_LB
	case socket.FanoutCPU:
		return unix.PACKET_FANOUT_CPU
	case socket.FanoutRollover:
		return unix.PACKET_FANOUT_ROLLOVER
	case socket.FanoutRandom:
		return unix.PACKET_FANOUT_RND
	case socket.FanoutQueueMapping:
		return unix.PACKET_FANOUT_QM
	}
	return unix.PACKET_FANOUT_HASH
}

func (b *Backend) IfIndex() int { return b.ifindex }

func (b *Backend) SyncRx(rx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	rx.Reclaim()

	frame := int(b.geo.frameSize)
	for {
		sl := rx.PeekFill()
		if sl == nil {
			break
		}
		hdr := frameHdr(b.rxMem, b.geo.frameSize, sl.Index())
		status := atomic.LoadUint32(&hdr.Status)
		if status&unix.TP_STATUS_USER == 0 {
			break
		}
		if _, err := rx.AcquireForFill(); err != nil {
			break
		}

		mac := int(hdr.Mac)
		sl.Rebase(sl.Index()*frame+mac, frame-mac)
		meta := ring.Meta{
			Timestamp: time.Unix(int64(hdr.Sec), int64(hdr.Nsec)),
			Snaplen:   hdr.Snaplen,
			Len:       hdr.Len,
		}
		if status&unix.TP_STATUS_VLAN_VALID != 0 {
			meta.VLANTCI = hdr.VlanTCI
			meta.VLANTPID = 0x8100
			if status&unix.TP_STATUS_VLAN_TPID_VALID != 0 {
				meta.VLANTPID = hdr.VlanTPID
			}
		}
		rx.MakeAvailable(sl, int(hdr.Snaplen), meta)
		st.Filled++
	}
	return st, nil
}

func (b *Backend) SyncTx(tx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats

	for sl := tx.NextQueued(); sl != nil; sl = tx.NextQueued() {
		hdr := frameHdr(b.txMem, b.geo.frameSize, sl.Index())
		if atomic.LoadUint32(&hdr.Status) != unix.TP_STATUS_AVAILABLE {
			break
		}
		hdr.Len = uint32(sl.Len())
		hdr.Snaplen = uint32(sl.Len())
		atomic.StoreUint32(&hdr.Status, unix.TP_STATUS_SEND_REQUEST)
		tx.MarkSubmitted(sl)
		st.Submitted++
	}
	if tx.InFlight() == 0 {
		return st, nil
	}

	if st.Submitted > 0 {
		err := unix.Sendto(b.fd, nil, unix.MSG_DONTWAIT, nil)
		switch err {
		case nil, unix.EAGAIN, unix.ENOBUFS:
		default:
			return st, fmt.Errorf("sendto: %w", err)
		}
	}

	for sl := tx.OldestInFlight(); sl != nil; sl = tx.OldestInFlight() {
		hdr := frameHdr(b.txMem, b.geo.frameSize, sl.Index())
		status := atomic.LoadUint32(&hdr.Status)
		if status&unix.TP_STATUS_WRONG_FORMAT != 0 {
			st.Invalid++
			atomic.StoreUint32(&hdr.Status, unix.TP_STATUS_AVAILABLE)
		} else if status != unix.TP_STATUS_AVAILABLE {
			break
		}
		tx.CommitSend(sl)
		st.Completed++
	}
	return st, nil
}

// Wait blocks until the socket becomes readable or the timeout expires.
func (b *Backend) Wait(timeout time.Duration) error {
	ms := int(timeout.Milliseconds())
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	for {
		_, err := unix.Poll([]unix.PollFd{{Fd: int32(b.fd), Events: unix.POLLIN}}, ms)
		if err != unix.EINTR {
			return err
		}
	}
}

func (b *Backend) Fd() int { return b.fd }

// Stats reports kernel drop counters. The kernel resets them on every
// read, so they are accumulated here.
func (b *Backend) Stats() (socket.Stats, error) {
	ts, err := unix.GetsockoptTpacketStats(b.fd, unix.SOL_PACKET, unix.PACKET_STATISTICS)
	if err != nil {
		return socket.Stats{}, fmt.Errorf("getsockopt PACKET_STATISTICS: %w", err)
	}
	b.drops += uint64(ts.Drops)
	return socket.Stats{RxDropped: b.drops}, nil
}

func (b *Backend) Close() error {
	var errs []error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			errs = append(errs, fmt.Errorf("unmapping rings: %w", err))
		}
		b.mem, b.rxMem, b.txMem = nil, nil, nil
	}
	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		b.fd = -1
	}
	return errors.Join(errs...)
}
