// Package loopback is an in-memory backend. Frames flushed by a socket
// bound to a device are delivered to every other receiving socket bound to
// the same device name. Nothing touches the network, which makes it the
// backend used by tests and dry runs.
package loopback

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/pktsock/ring"
	"github.com/romshark/pktsock/socket"
)

// Driver opens loopback backends.
var Driver socket.Driver = driver{}

type driver struct{}

func (driver) Name() string { return "loopback" }

func (driver) Open(o *socket.Options) (socket.Backend, error) {
	return &Backend{
		log:    o.Logger,
		dir:    o.Direction,
		limit:  o.RingSize() * 4,
		notify: make(chan struct{}, 1),
	}, nil
}

type frame struct {
	data []byte
	ts   time.Time
}

type wire struct {
	mu    sync.Mutex
	ports map[*Backend]struct{}
}

var wires = struct {
	sync.Mutex
	m map[string]*wire
}{m: make(map[string]*wire)}

func attach(dev string, b *Backend) *wire {
	wires.Lock()
	defer wires.Unlock()
	w, ok := wires.m[dev]
	if !ok {
		w = &wire{ports: make(map[*Backend]struct{})}
		wires.m[dev] = w
	}
	w.mu.Lock()
	w.ports[b] = struct{}{}
	w.mu.Unlock()
	return w
}

func detach(dev string, b *Backend) {
	wires.Lock()
	defer wires.Unlock()
	w, ok := wires.m[dev]
	if !ok {
		return
	}
	w.mu.Lock()
	delete(w.ports, b)
	empty := len(w.ports) == 0
	w.mu.Unlock()
	if empty {
		delete(wires.m, dev)
	}
}

// deliver copies data to every receiving port on w except from.
func (w *wire) deliver(from *Backend, data []byte, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p := range w.ports {
		if p != from && p.dir.Rx() {
			p.push(frame{data: append([]byte(nil), data...), ts: ts})
		}
	}
}

// Inject delivers data to every receiving socket bound to dev as if it
// arrived from the wire. It returns the number of sockets reached.
func Inject(dev string, data []byte) int {
	wires.Lock()
	w, ok := wires.m[dev]
	wires.Unlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int
	now := time.Now()
	for p := range w.ports {
		if p.dir.Rx() {
			p.push(frame{data: append([]byte(nil), data...), ts: now})
			n++
		}
	}
	return n
}

// Backend is one loopback port.
type Backend struct {
	log *zap.Logger
	dir socket.Direction
	dev string

	mu        sync.Mutex
	inbox     []frame
	limit     int
	ifDropped uint64
	notify    chan struct{}

	hold   bool
	closed bool
}

func (b *Backend) push(f frame) {
	b.mu.Lock()
	if len(b.inbox) >= b.limit {
		b.ifDropped++
		b.mu.Unlock()
		return
	}
	b.inbox = append(b.inbox, f)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// HoldCompletions makes SyncTx keep submitted frames in flight until it is
// called again with false, emulating a kernel that is slow to complete
// transmissions.
func (b *Backend) HoldCompletions(hold bool) { b.hold = hold }

// Pending returns the number of frames delivered but not yet moved into
// the receive ring.
func (b *Backend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inbox)
}

func (b *Backend) Region(socket.Direction) socket.Region { return socket.Region{} }

func (b *Backend) Bind(req socket.BindRequest) error {
	if req.Fanout != nil {
		return socket.ErrFanoutUnsupported
	}
	b.dev = req.Device
	attach(req.Device, b)
	b.log.Debug("loopback port attached", zap.String("device", req.Device))
	return nil
}

func (b *Backend) SyncRx(rx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	rx.Reclaim()

	b.mu.Lock()
	defer b.mu.Unlock()
	var i int
	for ; i < len(b.inbox); i++ {
		sl, err := rx.AcquireForFill()
		if err != nil {
			break
		}
		f := b.inbox[i]
		n := copy(rx.Buffer(sl), f.data)
		rx.MakeAvailable(sl, n, ring.Meta{
			Timestamp: f.ts,
			Snaplen:   uint32(n),
			Len:       uint32(len(f.data)),
		})
		st.Filled++
	}
	b.inbox = b.inbox[i:]
	if len(b.inbox) == 0 {
		b.inbox = nil
	}
	return st, nil
}

func (b *Backend) SyncTx(tx *ring.Ring) (socket.SyncStats, error) {
	var st socket.SyncStats
	var w *wire
	if b.dev != "" {
		wires.Lock()
		w = wires.m[b.dev]
		wires.Unlock()
	}
	now := time.Now()
	for sl := tx.NextQueued(); sl != nil; sl = tx.NextQueued() {
		if w != nil {
			w.deliver(b, tx.Data(sl), now)
		}
		tx.MarkSubmitted(sl)
		st.Submitted++
	}
	if b.hold {
		return st, nil
	}
	for sl := tx.OldestInFlight(); sl != nil; sl = tx.OldestInFlight() {
		tx.CommitSend(sl)
		st.Completed++
	}
	return st, nil
}

func (b *Backend) Wait(timeout time.Duration) error {
	if b.Pending() > 0 {
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-b.notify:
	case <-t.C:
	}
	return nil
}

func (b *Backend) Fd() int { return -1 }

func (b *Backend) Stats() (socket.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return socket.Stats{RxIfDropped: b.ifDropped}, nil
}

var errClosed = errors.New("loopback port already closed")

func (b *Backend) Close() error {
	if b.closed {
		return errClosed
	}
	b.closed = true
	if b.dev != "" {
		detach(b.dev, b)
	}
	return nil
}
