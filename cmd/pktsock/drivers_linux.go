//go:build linux

package main

import (
	"fmt"

	"github.com/romshark/pktsock/afpacket"
	"github.com/romshark/pktsock/afxdp"
	"github.com/romshark/pktsock/socket"
)

func driverFor(name string, c *confView) (socket.Driver, error) {
	switch name {
	case "afxdp":
		if c.filter != "" {
			return nil, fmt.Errorf("%w: afxdp has no kernel filter", socket.ErrNotSupported)
		}
		return afxdp.Driver, nil
	case "afpacket":
		if c.filter == "" {
			return afpacket.Driver, nil
		}
		prog, err := compileFilter(c.filter, c.snaplen)
		if err != nil {
			return nil, err
		}
		return afpacket.New(afpacket.Config{Filter: prog}), nil
	}
	return commonDriver(name, c)
}
