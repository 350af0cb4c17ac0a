// Package ratelimit provides a simple packets-per-second rate limiter.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64

	// scheduled counts packets since startTime.
	scheduled  uint64
	nextCheck  uint64
	startTime  time.Time
	checkEvery uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled and New returns nil.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	checkEvery := min(max(pps/100, 32), 1024)
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   time.Now(),
		checkEvery:  checkEvery,
		nextCheck:   checkEvery,
	}
}

// Wait blocks until n more packets are allowed or ctx is done.
// A caller that falls behind by more than one check interval is not
// allowed to catch up: the schedule restarts from now.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return nil
	}

	l.packetsSent += n
	l.scheduled += n
	if l.scheduled < l.nextCheck {
		return nil // Fast path: only check time periodically.
	}
	l.nextCheck = l.scheduled + l.checkEvery

	now := time.Now()
	expected := l.startTime.Add(time.Duration(int64(l.scheduled) * l.nsPerPacket))
	d := expected.Sub(now)
	if d <= 0 {
		if -d > time.Duration(int64(l.checkEvery)*l.nsPerPacket) {
			l.startTime = now
			l.scheduled = 0
			l.nextCheck = l.checkEvery
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of packets accounted so far.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.packetsSent
}
