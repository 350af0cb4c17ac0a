package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabled(t *testing.T) {
	l := New(0)
	if l != nil {
		t.Fatalf("New(0) = %v, want nil", l)
	}
	if err := l.Wait(context.Background(), 1_000_000); err != nil {
		t.Fatal(err)
	}
	if l.Sent() != 0 {
		t.Errorf("Sent on nil throttle = %d", l.Sent())
	}
}

func TestWaitPaces(t *testing.T) {
	l := New(1000)
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	// The last check happens after 96 packets.
	if el := time.Since(start); el < 90*time.Millisecond {
		t.Errorf("100 packets at 1000 pps took %v", el)
	}
	if l.Sent() != 100 {
		t.Errorf("Sent = %d, want 100", l.Sent())
	}
}

func TestWaitUnevenBatches(t *testing.T) {
	l := New(1000)
	start := time.Now()
	for i := 0; i < 10; i++ {
		// 7 never divides the check interval.
		if err := l.Wait(context.Background(), 7); err != nil {
			t.Fatal(err)
		}
	}
	if el := time.Since(start); el < 55*time.Millisecond {
		t.Errorf("70 packets at 1000 pps took %v", el)
	}
}

func TestWaitAfterStall(t *testing.T) {
	l := New(1000)
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	for i := 0; i < 200; i++ {
		if err := l.Wait(context.Background(), 1); err != nil {
			t.Fatal(err)
		}
	}
	// The stall is not credited: after the first check restarts the
	// schedule, the remaining 168 packets are paced at 1000 pps.
	if el := time.Since(start); el < 150*time.Millisecond {
		t.Errorf("200 packets at 1000 pps after a stall took %v", el)
	}
	if l.Sent() != 200 {
		t.Errorf("Sent = %d, want 200", l.Sent())
	}
}

func TestWaitCanceled(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, 32)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
