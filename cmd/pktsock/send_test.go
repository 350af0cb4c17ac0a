package main

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/romshark/pktsock/internal/conf"
)

func TestUDPTemplate(t *testing.T) {
	c := conf.Send{
		DstMAC:  "02:00:00:00:00:02",
		SrcIP:   "10.0.1.1",
		DstIP:   "10.0.2.1",
		SrcPort: 1234,
		DstPort: 5678,
		Size:    128,
	}
	src, _ := net.ParseMAC("02:00:00:00:00:01")
	b, err := udpTemplate(c, src)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 128 {
		t.Fatalf("template is %d bytes, want 128", len(b))
	}
	binary.BigEndian.PutUint32(b[payloadOffset:], 42)

	pkt := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		t.Fatalf("decoding template: %v", el.Error())
	}
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth.SrcMAC.String() != "02:00:00:00:00:01" || eth.DstMAC.String() != c.DstMAC {
		t.Errorf("macs = %s -> %s", eth.SrcMAC, eth.DstMAC)
	}
	ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ip.SrcIP.Equal(net.ParseIP(c.SrcIP)) || !ip.DstIP.Equal(net.ParseIP(c.DstIP)) {
		t.Errorf("ips = %s -> %s", ip.SrcIP, ip.DstIP)
	}
	if ip.Length != 128-14 {
		t.Errorf("ip length = %d", ip.Length)
	}
	udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp.SrcPort != 1234 || udp.DstPort != 5678 || udp.Checksum != 0 {
		t.Errorf("udp = %d -> %d checksum %#x", udp.SrcPort, udp.DstPort, udp.Checksum)
	}
	if seq := binary.BigEndian.Uint32(udp.Payload); seq != 42 {
		t.Errorf("seq = %d, want 42", seq)
	}
}

func TestSourceMAC(t *testing.T) {
	if got := sourceMAC(conf.Send{SrcMAC: "02:aa:bb:cc:dd:ee"}, "whatever"); got.String() != "02:aa:bb:cc:dd:ee" {
		t.Errorf("configured mac = %s", got)
	}
	if got := sourceMAC(conf.Send{}, "no-such-device-0"); got.String() != "00:00:00:00:00:00" {
		t.Errorf("fallback mac = %s", got)
	}
}
