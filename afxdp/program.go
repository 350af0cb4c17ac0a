//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"

	"github.com/romshark/pktsock/internal/netdev"
)

var ErrXSKSMapNotFound = errors.New("xsks_map not found")

// defaultXSKMapEntries sizes the socket map when the device queue count
// cannot be determined.
const defaultXSKMapEntries = 64

// xdpPassAction is returned by the redirect program for queues without a
// registered socket.
const xdpPassAction = 2

// iface is a network device with the redirect program attached.
// It is shared by every socket bound to the device and detached when the
// last of them closes.
type iface struct {
	name    string
	index   int
	refs    int
	link    link.Link
	prog    *ebpf.Program
	xsksMap *ebpf.Map
}

var (
	ifacesMu sync.Mutex
	ifaces   = map[string]*iface{}

	memlockOnce sync.Once
	memlockErr  error
)

// acquireInterface returns the attached interface for name, attaching the
// XDP program on first use. When driverMode is true, native driver mode is
// requested to enable AF_XDP zero-copy.
func acquireInterface(name string, index int, driverMode bool, log *zap.Logger) (*iface, error) {
	ifacesMu.Lock()
	defer ifacesMu.Unlock()

	if i, ok := ifaces[name]; ok {
		i.refs++
		return i, nil
	}

	memlockOnce.Do(func() { memlockErr = rlimit.RemoveMemlock() })
	if memlockErr != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", memlockErr)
	}

	i, err := attachXDP(name, index, driverMode)
	if err != nil {
		return nil, err
	}
	i.refs = 1
	ifaces[name] = i
	log.Info("XDP program attached",
		zap.String("device", name),
		zap.Bool("driver_mode", driverMode),
		zap.Uint32("xsk_map_entries", i.xsksMap.MaxEntries()))
	return i, nil
}

// release drops a reference and detaches the program and frees the eBPF
// objects when it was the last one.
func (i *iface) release() error {
	ifacesMu.Lock()
	defer ifacesMu.Unlock()

	i.refs--
	if i.refs > 0 {
		return nil
	}
	delete(ifaces, i.name)

	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsksMap != nil {
		if err := i.xsksMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		i.xsksMap = nil
	}
	return errors.Join(errs...)
}

// registerXSK registers the socket FD in the xsks_map for the given queue.
// This allows the XDP program to redirect packets to the correct AF_XDP socket.
func (i *iface) registerXSK(fd int, queue uint32) error {
	if i.xsksMap == nil {
		return ErrXSKSMapNotFound
	}
	if queue >= i.xsksMap.MaxEntries() {
		return fmt.Errorf("queue %d outside xsks_map of %d entries", queue, i.xsksMap.MaxEntries())
	}
	return i.xsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

func (i *iface) unregisterXSK(queue uint32) error {
	if i.xsksMap == nil {
		return ErrXSKSMapNotFound
	}
	if err := i.xsksMap.Delete(queue); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

// xskMapEntries returns one entry per RX queue of the device.
func xskMapEntries(name string) uint32 {
	ids, err := netdev.RXQueueIDs(name)
	if err != nil || len(ids) == 0 {
		return defaultXSKMapEntries
	}
	return slices.Max(ids) + 1
}

// redirectInstructions returns the XDP program that redirects every frame
// to the socket registered for its RX queue and passes frames of queues
// without one to the network stack:
//
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
func redirectInstructions(xsksFD int) asm.Instructions {
	return asm.Instructions{
		// r2 = ctx->rx_queue_index (struct xdp_md offset 16)
		asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksFD),
		asm.Mov.Imm(asm.R3, xdpPassAction),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

// attachXDP creates the socket map, loads the redirect program and
// attaches it to the interface.
func attachXDP(name string, index int, driverMode bool) (*iface, error) {
	xsks, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: xskMapEntries(name),
	})
	if err != nil {
		return nil, fmt.Errorf("creating xsks_map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		Instructions: redirectInstructions(xsks.FD()),
		License:      "GPL",
	})
	if err != nil {
		xsks.Close()
		return nil, fmt.Errorf("loading XDP program: %w", err)
	}

	opts := link.XDPOptions{
		Program:   prog,
		Interface: index,
	}
	if driverMode {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		prog.Close()
		xsks.Close()
		return nil, fmt.Errorf("attaching XDP: %w", err)
	}

	return &iface{
		name:    name,
		index:   index,
		link:    l,
		prog:    prog,
		xsksMap: xsks,
	}, nil
}
