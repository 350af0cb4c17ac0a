//go:build !nopcap

package main

import (
	"fmt"

	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
	"golang.org/x/net/bpf"

	"github.com/romshark/pktsock/libpcap"
	"github.com/romshark/pktsock/socket"
)

func libpcapDriver(filter string) (socket.Driver, error) {
	return libpcap.New(libpcap.Config{Filter: filter}), nil
}

// compileFilter turns a pcap filter expression into a classic BPF program
// for Ethernet frames.
func compileFilter(expr string, snaplen int) ([]bpf.Instruction, error) {
	raw, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snaplen, expr)
	if err != nil {
		return nil, fmt.Errorf("compiling filter %q: %w", expr, err)
	}
	prog := make([]bpf.Instruction, len(raw))
	for i, ins := range raw {
		prog[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return prog, nil
}
