package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/romshark/pktsock/loopback"
	"github.com/romshark/pktsock/pcapfile"
	"github.com/romshark/pktsock/socket"
)

// anyDevice stands in for the device of commands that do not bind one.
const anyDevice = "-"

func commonDriver(name string, c *confView) (socket.Driver, error) {
	switch name {
	case "libpcap":
		return libpcapDriver(c.filter)
	case "pcap-file":
		return pcapfile.Driver, nil
	case "loopback":
		return loopback.Driver, nil
	}
	return nil, fmt.Errorf("%w: backend %q not available on this platform",
		socket.ErrNotSupported, name)
}

// confView is the part of the configuration drivers depend on.
type confView struct {
	filter  string
	snaplen int
}

// openSocket opens a socket on backend and binds it to device.
func openSocket(backend, device string, q socket.Queue, o socket.Options, filter socket.Filter) (*socket.Socket, error) {
	drv, err := driverFor(backend, &confView{filter: cfg.Filter, snaplen: int(o.BufferSize)})
	if err != nil {
		return nil, err
	}
	o.Logger = log.With(zap.String("backend", backend), zap.String("device", device))
	b, err := socket.Open(drv, o)
	if err != nil {
		return nil, err
	}
	if filter != nil {
		b.SetFilter(filter)
	}
	s, err := b.Bind(device, q)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	fields := []zap.Field{
		zap.Stringer("queue", s.Queue()),
		zap.Int("rx_slots", s.RxRingSize()),
		zap.Int("tx_slots", s.TxRingSize()),
	}
	if zc, ok := s.Backend().(interface{ IsZerocopy() bool }); ok {
		fields = append(fields, zap.Bool("zerocopy", zc.IsZerocopy()))
	}
	o.Logger.Info("socket bound", fields...)
	return s, nil
}
