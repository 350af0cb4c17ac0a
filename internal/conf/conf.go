// Package conf loads the YAML configuration of the pktsock command.
package conf

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/romshark/pktsock/socket"
)

// Backends lists the accepted backend names.
var Backends = []string{"afxdp", "afpacket", "libpcap", "pcap-file", "loopback"}

type Conf struct {
	Backend string `yaml:"backend"`
	Device  string `yaml:"device"`
	// Queue is nil to bind the whole device.
	Queue  *uint32        `yaml:"queue"`
	Filter string         `yaml:"filter"`
	Socket socket.Options `yaml:"socket"`

	Log     Log     `yaml:"log"`
	Send    Send    `yaml:"send"`
	Forward Forward `yaml:"forward"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Send describes the UDP frames generated by the send command.
type Send struct {
	SrcMAC  string `yaml:"src-mac"`
	DstMAC  string `yaml:"dst-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort uint16 `yaml:"src-port"`
	DstPort uint16 `yaml:"dst-port"`
	Size    uint32 `yaml:"size"`
	Count   uint64 `yaml:"count"`
	RatePPS uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	Batch   int    `yaml:"batch"`
}

// Forward describes the egress side of the forward command. The ingress
// side is the top-level backend and device.
type Forward struct {
	Backend string `yaml:"backend"`
	Device  string `yaml:"device"`
	Batch   int    `yaml:"batch"`
}

// Load reads the file at path and applies defaults. Call Validate once
// command line overrides are applied.
func Load(path string) (*Conf, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document and applies defaults.
func Parse(b []byte) (*Conf, error) {
	var c Conf
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	c.SetDefaults()
	return &c, nil
}

// QueueID returns the configured queue, socket.QueueAny if unset.
func (c *Conf) QueueID() socket.Queue {
	if c.Queue == nil {
		return socket.QueueAny
	}
	return socket.QueueID(*c.Queue)
}

// SetDefaults fills unset fields. It is exported so that flag overrides
// can be applied before Validate.
func (c *Conf) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "afpacket"
	}
	c.Log.setDefaults()
	c.Send.setDefaults()
	c.Forward.setDefaults(c.Backend)
}

func (l *Log) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
}

func (s *Send) setDefaults() {
	if s.Size == 0 {
		s.Size = 64
	}
	if s.SrcPort == 0 {
		s.SrcPort = 9000
	}
	if s.DstPort == 0 {
		s.DstPort = 9000
	}
	if s.SrcIP == "" {
		s.SrcIP = "10.0.0.1"
	}
	if s.DstIP == "" {
		s.DstIP = "10.0.0.2"
	}
	if s.DstMAC == "" {
		s.DstMAC = "ff:ff:ff:ff:ff:ff"
	}
	if s.Batch == 0 {
		s.Batch = 64
	}
}

func (f *Forward) setDefaults(backend string) {
	if f.Backend == "" {
		f.Backend = backend
	}
	if f.Batch == 0 {
		f.Batch = 64
	}
}

// Validate reports every problem found, joined.
func (c *Conf) Validate() error {
	var errs []error
	if !slices.Contains(Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("backend must be one of %v, got %q", Backends, c.Backend))
	}
	if c.Device == "" {
		errs = append(errs, errors.New("device must be set"))
	}
	opts := c.Socket
	if err := opts.ValidateAndSetDefaults(); err != nil {
		errs = append(errs, fmt.Errorf("socket: %w", err))
	}
	errs = append(errs, c.Log.validate()...)
	errs = append(errs, c.Send.validate()...)
	errs = append(errs, c.Forward.validate()...)
	return errors.Join(errs...)
}

func (l *Log) validate() []error {
	if _, err := zapcore.ParseLevel(l.Level); err != nil {
		return []error{fmt.Errorf("log.level: %w", err)}
	}
	return nil
}

func (s *Send) validate() []error {
	var errs []error
	if s.SrcMAC != "" {
		if _, err := net.ParseMAC(s.SrcMAC); err != nil {
			errs = append(errs, fmt.Errorf("invalid send.src-mac %q: %w", s.SrcMAC, err))
		}
	}
	if _, err := net.ParseMAC(s.DstMAC); err != nil {
		errs = append(errs, fmt.Errorf("invalid send.dst-mac %q: %w", s.DstMAC, err))
	}
	for name, ip := range map[string]string{"src-ip": s.SrcIP, "dst-ip": s.DstIP} {
		if p := net.ParseIP(ip); p == nil || p.To4() == nil {
			errs = append(errs, fmt.Errorf("invalid send.%s %q", name, ip))
		}
	}
	if s.Size < 64 || s.Size > uint32(socket.MaxBufferSize) {
		errs = append(errs, fmt.Errorf("send.size %d outside [64,%d]", s.Size, socket.MaxBufferSize))
	}
	if s.Batch < 0 {
		errs = append(errs, errors.New("send.batch must be > 0"))
	}
	return errs
}

func (f *Forward) validate() []error {
	var errs []error
	if !slices.Contains(Backends, f.Backend) {
		errs = append(errs, fmt.Errorf("forward.backend must be one of %v, got %q", Backends, f.Backend))
	}
	if f.Batch < 0 {
		errs = append(errs, errors.New("forward.batch must be > 0"))
	}
	return errs
}
