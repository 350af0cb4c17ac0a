package conf

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/romshark/pktsock/socket"
)

const full = `
backend: afxdp
device: eth1
queue: 3
socket:
  num-blocks: 2
  slots-per-block: 512
  buffer-size: 4096
  timeout: 10ms
  direction: rx
  capture: copy
  mode: single-queue
  capture-dir: in
  promisc: true
  fanout:
    id: 7
    mode: cpu
log:
  level: debug
send:
  dst-mac: "02:00:00:00:00:01"
  rate-pps: 1000
forward:
  device: eth2
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(full))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}

	o := c.Socket
	if c.Backend != "afxdp" || c.Device != "eth1" {
		t.Errorf("backend/device = %q/%q", c.Backend, c.Device)
	}
	if c.QueueID() != socket.QueueID(3) {
		t.Errorf("queue = %s, want 3", c.QueueID())
	}
	if o.RingSize() != 1024 || o.BufferSize != 4096 || o.Timeout != 10*time.Millisecond {
		t.Errorf("unexpected geometry %+v", o)
	}
	if o.Direction != socket.DirRx || o.Capture != socket.CaptureCopy ||
		o.Mode != socket.ModeSingleQueue || o.CaptureDir != socket.CaptureIn {
		t.Errorf("unexpected enums %+v", o)
	}
	if !o.Promisc || o.Fanout == nil || o.Fanout.ID != 7 || o.Fanout.Mode != socket.FanoutCPU {
		t.Errorf("unexpected promisc/fanout %+v", o)
	}
	if c.Forward.Backend != "afxdp" || c.Forward.Device != "eth2" || c.Forward.Batch != 64 {
		t.Errorf("forward defaults not applied: %+v", c.Forward)
	}
	if c.Send.RatePPS != 1000 || c.Send.Size != 64 || c.Send.SrcIP != "10.0.0.1" {
		t.Errorf("send defaults not applied: %+v", c.Send)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("device: lo\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
	if c.Backend != "afpacket" || c.Log.Level != "info" {
		t.Errorf("unexpected defaults %+v", c)
	}
	if !c.QueueID().Any() {
		t.Errorf("queue = %s, want any", c.QueueID())
	}
	// Socket defaults are applied when the socket is opened.
	if c.Socket.BufferSize != 0 {
		t.Errorf("socket options modified by Validate: %+v", c.Socket)
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	c, err := Parse([]byte(`
backend: carrier-pigeon
socket:
  slots-per-block: 3
log:
  level: loud
send:
  dst-ip: nowhere
`))
	if err != nil {
		t.Fatal(err)
	}
	err = c.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	if !errors.Is(err, socket.ErrInvalidOptions) {
		t.Errorf("socket error not wrapped: %v", err)
	}
	for _, want := range []string{"backend", "device must be set", "log.level", "send.dst-ip"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error lacks %q:\n%v", want, err)
		}
	}
}

func TestParseBadEnum(t *testing.T) {
	_, err := Parse([]byte("socket:\n  direction: sideways\n"))
	if err == nil || !strings.Contains(err.Error(), "sideways") {
		t.Fatalf("got %v, want a direction error", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pktsock.yaml")
	if err := os.WriteFile(path, []byte(full), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Device != "eth1" {
		t.Errorf("device = %q", c.Device)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: %v", err)
	}
}
