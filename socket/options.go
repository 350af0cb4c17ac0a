package socket

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultNumBlocks     = 1
	DefaultSlotsPerBlock = 256
	DefaultBufferSize    = 2048

	MinBufferSize = 64
	MaxBufferSize = 64 * 1024
)

// Direction selects which rings a socket owns.
type Direction uint8

const (
	DirRxTx Direction = iota
	DirRx
	DirTx
)

var directionNames = []string{"rxtx", "rx", "tx"}

func (d Direction) Rx() bool { return d == DirRxTx || d == DirRx }
func (d Direction) Tx() bool { return d == DirRxTx || d == DirTx }

func (d Direction) String() string { return enumString(directionNames, uint8(d), "Direction") }

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Direction) UnmarshalText(b []byte) error {
	return enumParse(directionNames, b, "direction", (*uint8)(d))
}

// CaptureMode selects whether received handles borrow ring slots
// (zero-copy) or own a private copy of the frame. Backends that
// distinguish kernel copy and zero-copy paths (AF_XDP) use it to pick one.
type CaptureMode uint8

const (
	CaptureZeroCopy CaptureMode = iota
	CaptureCopy
)

var captureNames = []string{"zero-copy", "copy"}

func (c CaptureMode) String() string { return enumString(captureNames, uint8(c), "CaptureMode") }

func (c CaptureMode) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CaptureMode) UnmarshalText(b []byte) error {
	return enumParse(captureNames, b, "capture mode", (*uint8)(c))
}

// SocketMode selects whether the socket is bound to a single hardware
// queue or to the whole device.
type SocketMode uint8

const (
	ModeAnyQueue SocketMode = iota
	ModeSingleQueue
)

var modeNames = []string{"any-queue", "single-queue"}

func (m SocketMode) String() string { return enumString(modeNames, uint8(m), "SocketMode") }

func (m SocketMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *SocketMode) UnmarshalText(b []byte) error {
	return enumParse(modeNames, b, "mode", (*uint8)(m))
}

// CaptureDir filters received frames by direction relative to the host.
type CaptureDir uint8

const (
	CaptureInOut CaptureDir = iota
	CaptureIn
	CaptureOut
)

var captureDirNames = []string{"inout", "in", "out"}

func (c CaptureDir) String() string { return enumString(captureDirNames, uint8(c), "CaptureDir") }

func (c CaptureDir) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *CaptureDir) UnmarshalText(b []byte) error {
	return enumParse(captureDirNames, b, "capture direction", (*uint8)(c))
}

// FanoutMode is the kernel load-balancing policy of a fanout group.
type FanoutMode uint8

const (
	FanoutHash FanoutMode = iota
	FanoutLB
	FanoutCPU
	FanoutRollover
	FanoutRandom
	FanoutQueueMapping
)

var fanoutNames = []string{"hash", "lb", "cpu", "rollover", "random", "queue-mapping"}

func (f FanoutMode) String() string { return enumString(fanoutNames, uint8(f), "FanoutMode") }

func (f FanoutMode) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *FanoutMode) UnmarshalText(b []byte) error {
	return enumParse(fanoutNames, b, "fanout mode", (*uint8)(f))
}

// Fanout joins the socket to a kernel fanout group.
type Fanout struct {
	ID   uint16     `yaml:"id"`
	Mode FanoutMode `yaml:"mode"`
}

// Options configures a socket at Open time.
type Options struct {
	NumBlocks     uint32 `yaml:"num-blocks"`
	SlotsPerBlock uint32 `yaml:"slots-per-block"`
	// BufferSize is the per-slot frame buffer size in bytes.
	BufferSize uint32 `yaml:"buffer-size"`
	// Timeout bounds how long Recv waits for a frame. Zero makes Recv
	// non-blocking.
	Timeout time.Duration `yaml:"timeout"`

	Direction  Direction   `yaml:"direction"`
	Capture    CaptureMode `yaml:"capture"`
	Mode       SocketMode  `yaml:"mode"`
	CaptureDir CaptureDir  `yaml:"capture-dir"`

	Promisc bool `yaml:"promisc"`
	// RxHash requests the kernel flow hash. It is accepted for config
	// compatibility only: no backend reports a hash yet, so
	// Packet.RxHash is always zero.
	RxHash      bool    `yaml:"rx-hash"`
	QdiscBypass bool    `yaml:"qdisc-bypass"`
	Fanout      *Fanout `yaml:"fanout"`

	// Logger receives lifecycle events. Nil means no logging.
	Logger *zap.Logger `yaml:"-"`
}

// RingSize returns the number of slots of each ring.
func (o *Options) RingSize() int { return int(o.NumBlocks) * int(o.SlotsPerBlock) }

// ValidateAndSetDefaults fills zero fields with defaults and checks the
// result. All failures wrap ErrInvalidOptions.
func (o *Options) ValidateAndSetDefaults() error {
	if o.NumBlocks == 0 {
		o.NumBlocks = DefaultNumBlocks
	}
	if o.SlotsPerBlock == 0 {
		o.SlotsPerBlock = DefaultSlotsPerBlock
	}
	if o.BufferSize == 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	n := uint64(o.NumBlocks) * uint64(o.SlotsPerBlock)
	switch {
	case n > 1<<24:
		return fmt.Errorf("%w: ring of %d slots too large", ErrInvalidOptions, n)
	case n&(n-1) != 0:
		return fmt.Errorf("%w: num-blocks*slots-per-block=%d is not a power of two",
			ErrInvalidOptions, n)
	case o.BufferSize < MinBufferSize || o.BufferSize > MaxBufferSize:
		return fmt.Errorf("%w: buffer-size %d outside [%d,%d]",
			ErrInvalidOptions, o.BufferSize, MinBufferSize, MaxBufferSize)
	case o.Timeout < 0:
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	case int(o.Direction) >= len(directionNames):
		return fmt.Errorf("%w: %s", ErrInvalidOptions, o.Direction)
	case int(o.Capture) >= len(captureNames):
		return fmt.Errorf("%w: %s", ErrInvalidOptions, o.Capture)
	case int(o.Mode) >= len(modeNames):
		return fmt.Errorf("%w: %s", ErrInvalidOptions, o.Mode)
	case int(o.CaptureDir) >= len(captureDirNames):
		return fmt.Errorf("%w: %s", ErrInvalidOptions, o.CaptureDir)
	case o.Fanout != nil && int(o.Fanout.Mode) >= len(fanoutNames):
		return fmt.Errorf("%w: %s", ErrInvalidOptions, o.Fanout.Mode)
	}
	return nil
}

// Queue selects a hardware queue. QueueAny binds to the whole device.
type Queue int32

const QueueAny Queue = -1

// QueueID returns the Queue for hardware queue n.
func QueueID(n uint32) Queue { return Queue(n) }

func (q Queue) Any() bool { return q < 0 }

func (q Queue) String() string {
	if q.Any() {
		return "any"
	}
	return strconv.Itoa(int(q))
}

func enumString(names []string, v uint8, typ string) string {
	if int(v) < len(names) {
		return names[v]
	}
	return typ + "(" + strconv.Itoa(int(v)) + ")"
}

func enumParse(names []string, b []byte, what string, dst *uint8) error {
	s := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range names {
		if n == s {
			*dst = uint8(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown %s %q (want one of %s)",
		ErrInvalidOptions, what, s, strings.Join(names, ", "))
}
