package socket

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/pktsock/ring"
)

// Filter decides whether a received frame is delivered to the caller.
// Frames it rejects are released inside Recv and counted as RxFiltered.
type Filter func(m ring.Meta, data []byte) bool

// BindableSocket is an opened socket not yet attached to a device.
// A successful Bind consumes it; any further use panics.
type BindableSocket struct {
	c        *core
	consumed bool
}

// Open validates opts, opens a backend instance through drv and builds
// the rings. On error nothing is left allocated.
func Open(drv Driver, opts Options) (*BindableSocket, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, &OpError{Op: "open", Backend: drv.Name(), Slot: -1, Err: err}
	}

	be, err := drv.Open(&opts)
	if err != nil {
		return nil, &OpError{Op: "open", Backend: drv.Name(), Slot: -1, Err: err}
	}

	c := &core{
		driver: drv.Name(),
		be:     be,
		opts:   opts,
		log:    opts.Logger.With(zap.String("backend", drv.Name())),
		queue:  QueueAny,
	}
	if opts.Direction.Rx() {
		if c.rx, err = newRing(be.Region(DirRx), &opts); err != nil {
			return nil, c.openFailed(err)
		}
	}
	if opts.Direction.Tx() {
		if c.tx, err = newRing(be.Region(DirTx), &opts); err != nil {
			return nil, c.openFailed(err)
		}
	}

	c.log.Debug("socket opened",
		zap.Stringer("direction", opts.Direction),
		zap.Stringer("capture", opts.Capture),
		zap.Int("ring_size", opts.RingSize()),
		zap.Uint32("buffer_size", opts.BufferSize))
	return &BindableSocket{c: c}, nil
}

func newRing(r Region, o *Options) (*ring.Ring, error) {
	slots, frame := r.Slots, r.FrameSize
	if slots == 0 {
		slots = o.RingSize()
	}
	if frame == 0 {
		frame = int(o.BufferSize)
	}
	return ring.New(ring.Config{
		Slots:     slots,
		FrameSize: frame,
		Arena:     r.Mem,
		Layout:    r.Layout,
		OnReclaim: r.OnReclaim,
	})
}

func (c *core) openFailed(err error) error {
	if cerr := c.be.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return &OpError{Op: "open", Backend: c.driver, Slot: -1, Err: err}
}

func (b *BindableSocket) mustUsable(op string) *core {
	if b == nil || b.c == nil {
		panic("socket: " + op + " on zero BindableSocket")
	}
	if b.consumed {
		panic("socket: " + op + " on BindableSocket already bound")
	}
	return b.c
}

// SetFilter installs f for every subsequent Recv. Nil removes it.
func (b *BindableSocket) SetFilter(f Filter) { b.mustUsable("set filter").filter = f }

// SetFanout requests that the socket joins kernel fanout group f at Bind.
func (b *BindableSocket) SetFanout(f Fanout) {
	c := b.mustUsable("set fanout")
	c.opts.Fanout = &f
}

func (b *BindableSocket) SetTimeout(d time.Duration) {
	b.mustUsable("set timeout").opts.Timeout = d
}

// Options returns the effective options after defaults were applied.
func (b *BindableSocket) Options() Options { return b.mustUsable("options").opts }

// Bind attaches the socket to device and queue q, consuming b. On failure b
// remains usable and must eventually be bound or closed.
func (b *BindableSocket) Bind(device string, q Queue) (*Socket, error) {
	c := b.mustUsable("bind")
	if device == "" {
		return nil, c.opErr("bind", ErrNoDevice)
	}
	if c.opts.Mode == ModeSingleQueue && q.Any() {
		return nil, c.opErr("bind", fmt.Errorf("%w: single-queue mode requires a queue", ErrInvalidOptions))
	}

	err := c.be.Bind(BindRequest{
		Device: device,
		Queue:  q,
		Fanout: c.opts.Fanout,
		Rx:     c.rx,
		Tx:     c.tx,
	})
	if err != nil {
		return nil, &OpError{Op: "bind", Backend: c.driver, Device: device, Slot: -1, Err: err}
	}

	c.device, c.queue = device, q
	c.log = c.log.With(zap.String("device", device), zap.Stringer("queue", q))
	c.log.Info("socket bound")
	b.consumed = true
	return &Socket{c: c}, nil
}

// Close releases the backend of a socket that was never bound.
func (b *BindableSocket) Close() error {
	c := b.mustUsable("close")
	b.consumed = true
	return c.close()
}
