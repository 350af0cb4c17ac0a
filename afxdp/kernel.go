//go:build linux

package afxdp

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	ErrRingRegionEmpty = errors.New("ring region is empty")
)

/*---- Kernel structs ----*/

// sockaddr_xdp is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L32
type sockaddr_xdp struct {
	Family       uint16
	Flags        uint16
	Ifindex      uint32
	QueueID      uint32
	SharedUmemFD uint32
}

// xdp_ring_offset is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L43
type xdp_ring_offset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// xdp_mmap_offsets is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L50
type xdp_mmap_offsets struct {
	Rx xdp_ring_offset
	Tx xdp_ring_offset
	Fr xdp_ring_offset
	Cr xdp_ring_offset
}

// xdp_umem_reg is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L67
type xdp_umem_reg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

// xdp_statistics is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L75
type xdp_statistics struct {
	RxDropped            uint64
	RxInvalidDescs       uint64
	TxInvalidDescs       uint64
	RxRingFull           uint64
	RxFillRingEmptyDescs uint64
	TxRingEmptyDescs     uint64
}

// xdp_desc is defined in linux/if_xdp.h
// See https://elixir.bootlin.com/linux/v5.15.77/source/include/uapi/linux/if_xdp.h#L103
type xdp_desc struct {
	Addr uint64
	Len  uint32
	Opts uint32
}

/*---- Queue wrappers ----*/

// descQueue is an RX or TX descriptor ring mapped from the socket.
// It keeps cached producer/consumer indices to reduce atomic traffic.
type descQueue struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	descs      []xdp_desc
}

// addrQueue is a UMEM address ring (FQ or CQ).
type addrQueue struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	addrs      []uint64
}

func rawBind(fd int, sa *sockaddr_xdp) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func setsockoptUint32(fd, name int, v uint32) error {
	return setsockopt(fd, unix.SOL_XDP, name, unsafe.Pointer(&v), unsafe.Sizeof(v))
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRegion maps one of the RX/TX/FQ/CQ rings of the socket.
func mmapRegion(fd int, length int, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length int) ([]byte, error) {
	return unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

// makeDescQueue builds an RX/TX queue from a mapped region and its offsets.
func makeDescQueue(region []byte, off xdp_ring_offset, size uint32, isTx bool) (*descQueue, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	q := &descQueue{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		descs: unsafe.Slice((*xdp_desc)(unsafe.Add(base, off.Desc)), size),
	}
	if isTx {
		// Producer side: cachedCons tracks the slot bound.
		q.cachedCons = size
	}
	return q, nil
}

// makeAddrQueue builds a fill or completion queue from a mapped region.
func makeAddrQueue(region []byte, off xdp_ring_offset, size uint32) (*addrQueue, error) {
	if len(region) == 0 {
		return nil, ErrRingRegionEmpty
	}
	base := unsafe.Pointer(&region[0])

	return &addrQueue{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		addrs: unsafe.Slice((*uint64)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

/*---- Queue operations ----*/

// rxAvailable returns the number of RX descriptors available to consume.
func rxAvailable(q *descQueue) uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail > 0 {
		return avail
	}
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// reserveTx reserves nDescs TX descriptors if space is available.
// Returns zero if the ring is full.
func reserveTx(q *descQueue, nDescs uint32, idx *uint32) int {
	free := q.cachedCons - q.cachedProd
	if free < nDescs {
		cons := atomic.LoadUint32(q.cons)
		q.cachedCons = cons + q.size
		if q.cachedCons-q.cachedProd < nDescs {
			return 0
		}
	}

	*idx = q.cachedProd
	q.cachedProd += nDescs
	return int(nDescs)
}

// publishProducer makes entries written up to cachedProd visible to the kernel.
func publishProducer(prod *uint32, cachedProd uint32) {
	atomic.StoreUint32(prod, cachedProd)
}

// umemNbAvail returns the number of UMEM entries available to consume, capped by nb.
func umemNbAvail(q *addrQueue, nb uint32) uint32 {
	entries := q.cachedProd - q.cachedCons
	if entries == 0 {
		q.cachedProd = atomic.LoadUint32(q.prod)
		entries = q.cachedProd - q.cachedCons
	}
	return min(entries, nb)
}

// umemCompleteFromKernel copies completed UMEM addresses into dst
// and advances the consumer index.
func umemCompleteFromKernel(q *addrQueue, dst []uint64) uint32 {
	entries := umemNbAvail(q, uint32(len(dst)))
	for i := uint32(0); i < entries; i++ {
		dst[i] = q.addrs[q.cachedCons&q.mask]
		q.cachedCons++
	}
	if entries > 0 {
		atomic.StoreUint32(q.cons, q.cachedCons)
	}
	return entries
}

func needsWakeup(flags *uint32) bool {
	return atomic.LoadUint32(flags)&unix.XDP_RING_NEED_WAKEUP != 0
}

// wakeupTxQueue notifies the kernel/NIC that new TX descriptors are ready.
// AF_XDP interprets a zero-length sendto() as a doorbell signal to process
// the TX ring. This is required when XDP_USE_NEED_WAKEUP is enabled.
func wakeupTxQueue(fd int) error {
	err := unix.Sendto(fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENETDOWN:
		// Backpressure, the next flush retries.
		return nil
	}
	return err
}

// wakeupFillQueue asks the driver to pick up addresses from the fill ring.
func wakeupFillQueue(fd int) error {
	_, _, err := unix.Recvfrom(fd, nil, unix.MSG_DONTWAIT)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.ENOBUFS, unix.ENETDOWN:
		return nil
	}
	return err
}
