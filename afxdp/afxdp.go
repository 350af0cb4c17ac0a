//go:build linux

// Package afxdp implements the AF_XDP socket backend.
//
// Every socket owns a UMEM split into one frame per receive slot followed
// by one frame per transmit slot, so ring slots address UMEM frames
// directly. A redirect program attached to the device steers each RX queue
// to the socket registered for it in the xsks_map.
//
// Terminology mapping (kernel ↔ userspace):
//
//   - RX ring: raw packets delivered from NIC to userspace.
//   - FQ ring: UMEM addresses userspace provides to kernel for RX.
//   - TX ring: descriptors userspace sends to NIC.
//   - CQ ring: completed TX buffers returned by kernel.
package afxdp

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/romshark/pktsock/internal/netdev"
	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

const (
	// MinFrameSize is the smallest UMEM chunk accepted by the kernel in
	// aligned mode.
	MinFrameSize = 2048
)

// Driver opens AF_XDP backends.
var Driver socket.Driver = driver{}

type driver struct{}

func (driver) Name() string { return "afxdp" }

func (driver) Open(o *socket.Options) (socket.Backend, error) {
	if o.CaptureDir == socket.CaptureOut {
		return nil, fmt.Errorf("%w: XDP only sees ingress traffic", socket.ErrNotSupported)
	}
	frameSize, err := FrameSize(o.BufferSize)
	if err != nil {
		return nil, err
	}

	n := uint32(o.RingSize())
	b := &Backend{
		log:       o.Logger,
		opts:      *o,
		fd:        -1,
		frameSize: frameSize,
		slots:     n,
	}
	if o.Direction.Rx() {
		b.rxFrames = n
	}
	if o.Direction.Tx() {
		b.txFrames = n
	}
	b.txBase = uint64(b.rxFrames) * uint64(frameSize)

	if err := b.open(); err != nil {
		return nil, errors.Join(err, b.Close())
	}
	return b, nil
}

// FrameSize returns the UMEM chunk size holding a buffer of bufferSize
// bytes: the next power of two, at least MinFrameSize and at most the
// page size.
func FrameSize(bufferSize uint32) (uint32, error) {
	size := uint32(MinFrameSize)
	for size < bufferSize {
		size <<= 1
	}
	if page := uint32(os.Getpagesize()); size > page {
		return 0, fmt.Errorf("%w: buffer-size %d exceeds page size %d",
			socket.ErrInvalidOptions, bufferSize, page)
	}
	return size, nil
}

// Backend is an AF_XDP socket.
type Backend struct {
	log  *zap.Logger
	opts socket.Options

	fd        int
	frameSize uint32
	slots     uint32
	rxFrames  uint32
	txFrames  uint32
	txBase    uint64

	umem    []byte
	regions [][]byte
	rx      *descQueue
	tx      *descQueue
	fq      *addrQueue
	cq      *addrQueue
	compBuf []uint64

	iface      *iface
	queue      uint32
	isZerocopy bool
	restore    func() error
	bound      bool
}

// open allocates UMEM, sizes and maps the rings and pre-populates the
// fill queue. Resources acquired before a failure are released by Close.
func (b *Backend) open() error {
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return fmt.Errorf("opening AF_XDP socket: %w", err)
	}
	b.fd = fd

	umem, err := mmapUmem(int(b.rxFrames+b.txFrames) * int(b.frameSize))
	if err != nil {
		return fmt.Errorf("mmap UMEM: %w", err)
	}
	b.umem = umem

	reg := xdp_umem_reg{
		Addr:      uint64(uintptr(unsafe.Pointer(&umem[0]))),
		Len:       uint64(len(umem)),
		ChunkSize: b.frameSize,
	}
	if err := setsockopt(
		fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_REG: %w", err)
	}

	// The kernel requires both UMEM rings even for one-directional sockets.
	if err := setsockoptUint32(fd, unix.XDP_UMEM_FILL_RING, b.slots); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_FILL_RING: %w", err)
	}
	if err := setsockoptUint32(fd, unix.XDP_UMEM_COMPLETION_RING, b.slots); err != nil {
		return fmt.Errorf("setsockopt XDP_UMEM_COMPLETION_RING: %w", err)
	}
	if b.rxFrames > 0 {
		if err := setsockoptUint32(fd, unix.XDP_RX_RING, b.slots); err != nil {
			return fmt.Errorf("setsockopt XDP_RX_RING: %w", err)
		}
	}
	if b.txFrames > 0 {
		if err := setsockoptUint32(fd, unix.XDP_TX_RING, b.slots); err != nil {
			return fmt.Errorf("setsockopt XDP_TX_RING: %w", err)
		}
	}

	var offs xdp_mmap_offsets
	if err := getsockopt(
		fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return fmt.Errorf("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	descSize := int(unsafe.Sizeof(xdp_desc{}))
	addrSize := int(unsafe.Sizeof(uint64(0)))

	fqRegion, err := b.mmap(int(offs.Fr.Desc)+int(b.slots)*addrSize, unix.XDP_UMEM_PGOFF_FILL_RING)
	if err != nil {
		return fmt.Errorf("mmap FQ ring: %w", err)
	}
	if b.fq, err = makeAddrQueue(fqRegion, offs.Fr, b.slots); err != nil {
		return fmt.Errorf("making FQ queue: %w", err)
	}

	cqRegion, err := b.mmap(int(offs.Cr.Desc)+int(b.slots)*addrSize, unix.XDP_UMEM_PGOFF_COMPLETION_RING)
	if err != nil {
		return fmt.Errorf("mmap CQ ring: %w", err)
	}
	if b.cq, err = makeAddrQueue(cqRegion, offs.Cr, b.slots); err != nil {
		return fmt.Errorf("making CQ queue: %w", err)
	}

	if b.rxFrames > 0 {
		rxRegion, err := b.mmap(int(offs.Rx.Desc)+int(b.slots)*descSize, unix.XDP_PGOFF_RX_RING)
		if err != nil {
			return fmt.Errorf("mmap RX ring: %w", err)
		}
		if b.rx, err = makeDescQueue(rxRegion, offs.Rx, b.slots, false); err != nil {
			return fmt.Errorf("making RX queue: %w", err)
		}

		// Hand every receive frame to the kernel up front. A frame comes
		// back to the fill queue when its ring slot is reclaimed.
		prod := atomic.LoadUint32(b.fq.prod)
		for i := uint32(0); i < b.rxFrames; i++ {
			b.fq.addrs[(prod+i)&b.fq.mask] = uint64(i) * uint64(b.frameSize)
		}
		b.fq.cachedProd = prod + b.rxFrames
		publishProducer(b.fq.prod, b.fq.cachedProd)
	}

	if b.txFrames > 0 {
		txRegion, err := b.mmap(int(offs.Tx.Desc)+int(b.slots)*descSize, unix.XDP_PGOFF_TX_RING)
		if err != nil {
			return fmt.Errorf("mmap TX ring: %w", err)
		}
		if b.tx, err = makeDescQueue(txRegion, offs.Tx, b.slots, true); err != nil {
			return fmt.Errorf("making TX queue: %w", err)
		}
		b.compBuf = make([]uint64, b.slots)
	}
	return nil
}

func (b *Backend) mmap(length int, offset int64) ([]byte, error) {
	region, err := mmapRegion(b.fd, length, offset)
	if err != nil {
		return nil, err
	}
	b.regions = append(b.regions, region)
	return region, nil
}

func (b *Backend) Region(dir socket.Direction) socket.Region {
	rxLen := uint64(b.rxFrames) * uint64(b.frameSize)
	if dir == socket.DirRx {
		return socket.Region{
			Mem:       b.umem[:rxLen],
			Slots:     int(b.slots),
			FrameSize: int(b.frameSize),
			OnReclaim: b.refill,
		}
	}
	return socket.Region{
		Mem:       b.umem[b.txBase:],
		Slots:     int(b.slots),
		FrameSize: int(b.frameSize),
	}
}

// refill returns the UMEM frame of a reclaimed slot to the fill queue.
// The fill queue has one entry per receive frame, so it never overflows.
func (b *Backend) refill(sl *ring.Slot) {
	addr := uint64(sl.Offset()) &^ uint64(b.frameSize-1)
	b.fq.addrs[b.fq.cachedProd&b.fq.mask] = addr
	b.fq.cachedProd++
}

func (b *Backend) Bind(req socket.BindRequest) error {
	if req.Fanout != nil {
		return socket.ErrFanoutUnsupported
	}
	index, err := netdev.Index(req.Device)
	if err != nil {
		return err
	}

	var queue uint32
	if req.Queue.Any() {
		b.log.Info("no queue requested, binding to queue 0", zap.String("device", req.Device))
	} else {
		queue = uint32(req.Queue)
	}

	preferZerocopy := b.opts.Capture == socket.CaptureZeroCopy
	ifc, err := acquireInterface(req.Device, index, preferZerocopy, b.log)
	if err != nil {
		return err
	}

	sa := &sockaddr_xdp{
		Family:  unix.AF_XDP,
		Ifindex: uint32(index),
		QueueID: queue,
	}
	zerocopy := preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}

	err = rawBind(b.fd, sa)
	if err != nil && zerocopy && errors.Is(err, unix.EPROTONOSUPPORT) {
		// The queue does not support XDP_ZEROCOPY, fall back to copy mode.
		b.log.Warn("zero-copy not supported, falling back to copy mode",
			zap.String("device", req.Device), zap.Uint32("queue", queue))
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
		zerocopy = false
		err = rawBind(b.fd, sa)
	}
	if err != nil {
		return errors.Join(fmt.Errorf("binding socket: %w", err), ifc.release())
	}

	if b.rxFrames > 0 {
		if err := ifc.registerXSK(b.fd, queue); err != nil {
			return errors.Join(fmt.Errorf("registering XSK: %w", err), ifc.release())
		}
	}

	if b.opts.Promisc {
		restore, err := netdev.EnablePromisc(req.Device)
		if err != nil {
			if b.rxFrames > 0 {
				err = errors.Join(err, ifc.unregisterXSK(queue))
			}
			return errors.Join(err, ifc.release())
		}
		b.restore = restore
	}

	b.iface = ifc
	b.queue = queue
	b.isZerocopy = zerocopy
	b.bound = true
	return nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if zero-copy capture was requested because the
// queue may not support XDP_ZEROCOPY and the socket fell back to XDP_COPY.
func (b *Backend) IsZerocopy() bool { return b.isZerocopy }

func (b *Backend) IfIndex() int {
	if b.iface == nil {
		return 0
	}
	return b.iface.index
}

func (b *Backend) SyncRx(rx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats

	if rx.Reclaim() > 0 {
		publishProducer(b.fq.prod, b.fq.cachedProd)
	}
	if needsWakeup(b.fq.flags) {
		if err := wakeupFillQueue(b.fd); err != nil {
			return st, fmt.Errorf("waking fill queue: %w", err)
		}
	}

	avail := rxAvailable(b.rx)
	now := time.Now()
	for ; avail > 0; avail-- {
		sl, err := rx.AcquireForFill()
		if err != nil {
			break
		}
		d := b.rx.descs[b.rx.cachedCons&b.rx.mask]
		inFrame := d.Addr & uint64(b.frameSize-1)
		sl.Rebase(int(d.Addr), int(uint64(b.frameSize)-inFrame))
		rx.MakeAvailable(sl, int(d.Len), ring.Meta{
			Timestamp: now,
			Snaplen:   d.Len,
			Len:       d.Len,
		})
		b.rx.cachedCons++
		st.Filled++
	}
	if st.Filled > 0 {
		atomic.StoreUint32(b.rx.cons, b.rx.cachedCons)
	}
	return st, nil
}

func (b *Backend) SyncTx(tx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats

	for sl := tx.NextQueued(); sl != nil; sl = tx.NextQueued() {
		var idx uint32
		if reserveTx(b.tx, 1, &idx) == 0 {
			break
		}
		d := &b.tx.descs[idx&b.tx.mask]
		d.Addr = b.txBase + uint64(sl.Offset())
		d.Len = uint32(sl.Len())
		d.Opts = 0
		tx.MarkSubmitted(sl)
		st.Submitted++
	}
	if st.Submitted > 0 {
		publishProducer(b.tx.prod, b.tx.cachedProd)
	}
	if tx.InFlight() == 0 {
		return st, nil
	}

	if st.Submitted > 0 || needsWakeup(b.tx.flags) {
		if err := wakeupTxQueue(b.fd); err != nil {
			return st, fmt.Errorf("waking TX queue: %w", err)
		}
	}

	n := umemCompleteFromKernel(b.cq, b.compBuf)
	for i := uint32(0); i < n; i++ {
		sl := tx.OldestInFlight()
		if sl == nil {
			return st, fmt.Errorf("%w: completion %#x without frame in flight",
				socket.ErrBackendInconsistent, b.compBuf[i])
		}
		tx.CommitSend(sl)
		st.Completed++
	}
	return st, nil
}

// Wait blocks until the AF_XDP socket becomes readable or the timeout expires.
// Returns nil when the socket becomes readable OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (b *Backend) Wait(timeout time.Duration) error {
	ms := int(timeout.Milliseconds())
	if ms == 0 && timeout > 0 {
		ms = 1
	}
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(b.fd),
			Events: unix.POLLIN,
		}}, ms)
		if err == nil {
			return nil
		}
		// EINTR is never surfaced to the caller, signals are common under
		// profilers and debuggers.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (b *Backend) Fd() int { return b.fd }

func (b *Backend) Stats() (socket.Stats, error) {
	var xs xdp_statistics
	if err := getsockopt(
		b.fd, unix.SOL_XDP, unix.XDP_STATISTICS,
		unsafe.Pointer(&xs), unsafe.Sizeof(xs),
	); err != nil {
		return socket.Stats{}, fmt.Errorf("getsockopt XDP_STATISTICS: %w", err)
	}
	return socket.Stats{
		RxDropped:   xs.RxDropped + xs.RxRingFull,
		RxIfDropped: xs.RxFillRingEmptyDescs,
		RxInvalid:   xs.RxInvalidDescs,
		TxInvalid:   xs.TxInvalidDescs,
	}, nil
}

// Close releases the socket, UMEM and kernel resources.
func (b *Backend) Close() error {
	var errs []error

	if b.bound {
		if b.rxFrames > 0 {
			if err := b.iface.unregisterXSK(b.queue); err != nil {
				errs = append(errs, fmt.Errorf("unregistering XSK: %w", err))
			}
		}
		if err := b.iface.release(); err != nil {
			errs = append(errs, err)
		}
		b.bound = false
	}
	if b.restore != nil {
		if err := b.restore(); err != nil {
			errs = append(errs, fmt.Errorf("restoring promiscuous mode: %w", err))
		}
		b.restore = nil
	}

	if b.fd >= 0 {
		if err := unix.Close(b.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		b.fd = -1
	}

	// Explicitly unmap rings and UMEM.
	for _, r := range b.regions {
		if err := unix.Munmap(r); err != nil {
			errs = append(errs, err)
		}
	}
	b.regions = nil
	if b.umem != nil {
		if err := unix.Munmap(b.umem); err != nil {
			errs = append(errs, err)
		}
		b.umem = nil
	}

	return errors.Join(errs...)
}
