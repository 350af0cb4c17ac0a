//go:build nopcap

package main

import (
	"errors"

	"golang.org/x/net/bpf"

	"github.com/romshark/pktsock/socket"
)

var errNoPcap = errors.New("built with nopcap")

func libpcapDriver(string) (socket.Driver, error) {
	return nil, errors.Join(socket.ErrNotSupported, errNoPcap)
}

func compileFilter(expr string, _ int) ([]bpf.Instruction, error) {
	return nil, errors.Join(socket.ErrNotSupported, errNoPcap)
}
