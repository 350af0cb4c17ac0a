// Package forward moves frames from receiving sockets to transmitting
// sockets, one goroutine per receiving socket.
package forward

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/romshark/pktsock/socket"
)

// Drop is returned by a Route to discard a packet.
const Drop = -1

const (
	DefaultBatch = 64
	DefaultIdle  = time.Millisecond
)

// Route decides where the packet received on Config.Rx[rx] goes: an index
// into Config.Tx, or Drop. The packet is only valid during the call.
type Route func(rx int, p *socket.Packet) (tx int, err error)

// Config configures Run.
type Config struct {
	Rx []*socket.Socket
	Tx []*socket.Socket

	// Route defaults to forwarding Rx[i] to Tx[i % len(Tx)].
	Route Route

	// Batch is the number of queued frames that triggers a flush.
	Batch int
	// Idle bounds how long a worker waits for frames before flushing and
	// checking for cancellation.
	Idle time.Duration

	Logger *zap.Logger
}

// Stats are the totals of a Run.
type Stats struct {
	Received  uint64
	Forwarded uint64
	Dropped   uint64
}

type target struct {
	sock    *socket.Socket
	mu      sync.Mutex
	pending int
}

// Multiple workers may forward to the same target.
func (t *target) send(data []byte, batch int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.sock.Send(data)
	if errors.Is(err, socket.ErrRingFull) {
		if err := t.flushLocked(); err != nil {
			return false, err
		}
		// Still full: completions lag behind, drop rather than stall rx.
		if err = t.sock.Send(data); errors.Is(err, socket.ErrRingFull) {
			return false, nil
		}
	}
	switch {
	case errors.Is(err, socket.ErrFrameTooLarge):
		return false, nil
	case err != nil:
		return false, err
	}

	t.pending++
	if t.pending >= batch {
		return true, t.flushLocked()
	}
	return true, nil
}

func (t *target) flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

func (t *target) flushLocked() error {
	t.pending = 0
	_, err := t.sock.Flush()
	return err
}

// Run forwards until ctx is canceled, a worker fails, or every receiving
// socket reports end of trace. Sockets stay open; the caller closes them.
// It returns ctx.Err() on cancellation, joined with a failed final
// flush if any, and nil once all sources drained.
func Run(ctx context.Context, c Config) (Stats, error) {
	var st Stats
	if len(c.Rx) == 0 {
		return st, nil
	}
	if len(c.Tx) == 0 {
		return st, fmt.Errorf("%w: no transmit sockets", socket.ErrInvalidOptions)
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.Idle <= 0 {
		c.Idle = DefaultIdle
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	route := c.Route
	if route == nil {
		n := len(c.Tx)
		route = func(rx int, _ *socket.Packet) (int, error) { return rx % n, nil }
	}

	targets := make([]*target, len(c.Tx))
	for i, s := range c.Tx {
		targets[i] = &target{sock: s}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var received, forwarded, dropped atomic.Uint64
	errCh := make(chan error, len(c.Rx))
	var wg sync.WaitGroup
	wg.Add(len(c.Rx))

	for i, rx := range c.Rx {
		i, rx := i, rx
		go func() {
			defer wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			used := make(map[*target]struct{}, len(targets))
			flushUsed := func() error {
				for t := range used {
					if err := t.flush(); err != nil {
						return err
					}
					delete(used, t)
				}
				return nil
			}

			for ctx.Err() == nil {
				p, err := rx.Recv()
				switch {
				case errors.Is(err, socket.ErrWouldBlock):
					if err := flushUsed(); err != nil {
						errCh <- err
						return
					}
					if err := rx.Wait(c.Idle); err != nil {
						errCh <- err
						return
					}
					continue
				case errors.Is(err, socket.ErrEOF):
					if err := flushUsed(); err != nil {
						errCh <- err
					}
					c.Logger.Debug("forward source drained", zap.Int("rx", i))
					return
				case err != nil:
					errCh <- err
					return
				}
				received.Add(1)

				to, err := route(i, p)
				if err != nil {
					p.Release()
					errCh <- err
					return
				}
				if to < 0 || to >= len(targets) {
					p.Release()
					dropped.Add(1)
					continue
				}

				t := targets[to]
				ok, err := t.send(p.Data(), c.Batch)
				p.Release()
				if err != nil {
					errCh <- err
					return
				}
				if !ok {
					dropped.Add(1)
					continue
				}
				forwarded.Add(1)
				used[t] = struct{}{}
			}
			if err := flushUsed(); err != nil {
				c.Logger.Warn("flushing on stop failed", zap.Int("rx", i), zap.Error(err))
				errCh <- err
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	var err error
	select {
	case err = <-errCh:
		cancel()
		<-done
	case <-ctx.Done():
		<-done
		err = ctx.Err()
		select {
		case ferr := <-errCh:
			err = errors.Join(err, ferr)
		default:
		}
	case <-done:
		select {
		case err = <-errCh:
		default:
		}
	}

	st = Stats{
		Received:  received.Load(),
		Forwarded: forwarded.Load(),
		Dropped:   dropped.Load(),
	}
	c.Logger.Info("forwarding stopped",
		zap.Uint64("received", st.Received),
		zap.Uint64("forwarded", st.Forwarded),
		zap.Uint64("dropped", st.Dropped),
		zap.Error(err))
	return st, err
}
