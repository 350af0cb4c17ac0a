package socket

import (
	"errors"
	"fmt"

	"github.com/romshark/pktsock/ring"
)

var (
	// ErrWouldBlock is returned by non-blocking receives when no frame is
	// ready. It is transient.
	ErrWouldBlock = errors.New("no frame available")
	// ErrRingFull is returned when no slot is free for the operation.
	// It is transient: flush or release handles and retry.
	ErrRingFull = ring.ErrRingFull
	// ErrEOF is returned by trace-file backends at the end of input.
	ErrEOF = errors.New("end of trace")

	ErrNotRx               = errors.New("socket not opened for receive")
	ErrNotTx               = errors.New("socket not opened for transmit")
	ErrInvalidOptions      = errors.New("invalid socket options")
	ErrNoDevice            = errors.New("no such device")
	ErrQueueUnsupported    = errors.New("queue selection not supported by backend")
	ErrFanoutUnsupported   = errors.New("fanout not supported by backend")
	ErrNotSupported        = errors.New("operation not supported by backend")
	ErrFrameTooLarge       = errors.New("frame exceeds slot buffer")
	ErrSlotInUse           = errors.New("slot is not the next free transmit slot")
	ErrClosed              = errors.New("socket closed")
	ErrBackendInconsistent = errors.New("backend returned inconsistent state")
)

// IsTransient reports whether err only means "retry later".
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) || errors.Is(err, ErrRingFull)
}

// OpError describes a failed socket operation together with the context
// needed to diagnose it. Unwrap exposes the sentinel or OS error.
type OpError struct {
	Op      string
	Backend string
	Device  string
	// Ring is the id of the ring involved, zero if none.
	Ring uint64
	// Slot is the slot index involved, -1 if none.
	Slot int
	Err  error
}

func (e *OpError) Error() string {
	s := e.Op
	if e.Backend != "" {
		s = e.Backend + " " + s
	}
	if e.Device != "" {
		s += " " + e.Device
	}
	if e.Ring != 0 {
		s += fmt.Sprintf(" ring %d", e.Ring)
	}
	if e.Slot >= 0 {
		s += fmt.Sprintf(" slot %d", e.Slot)
	}
	return s + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }
