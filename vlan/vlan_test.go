package vlan

import (
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

func tagged(t *testing.T, tpid layers.EthernetType, tci uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: tpid,
	}
	tag := &layers.Dot1Q{
		Priority:       PCP(tci),
		DropEligible:   DEI(tci),
		VLANIdentifier: VID(tci),
		Type:           layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		eth, tag, gopacket.Payload([]byte{0xde, 0xad}))
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestTCIFields(t *testing.T) {
	for _, tc := range []struct {
		tci uint16
		pcp uint8
		dei bool
		vid uint16
	}{
		{0x0000, 0, false, 0},
		{0x0064, 0, false, 100},
		{0xb0c8, 5, true, 200},
		{0xefff, 7, false, 0xfff},
	} {
		if got := VID(tc.tci); got != tc.vid {
			t.Errorf("VID(%#04x) = %d, want %d", tc.tci, got, tc.vid)
		}
		if got := PCP(tc.tci); got != tc.pcp {
			t.Errorf("PCP(%#04x) = %d, want %d", tc.tci, got, tc.pcp)
		}
		if got := DEI(tc.tci); got != tc.dei {
			t.Errorf("DEI(%#04x) = %v, want %v", tc.tci, got, tc.dei)
		}
		if got := MakeTCI(tc.pcp, tc.dei, tc.vid); got != tc.tci {
			t.Errorf("MakeTCI(%d, %v, %d) = %#04x, want %#04x", tc.pcp, tc.dei, tc.vid, got, tc.tci)
		}
	}
}

func TestFrameTags(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame []byte
		tpid  uint16
		tci   uint16
	}{
		{"dot1q", tagged(t, layers.EthernetTypeDot1Q, 0xb0c8), TPID8021Q, 0xb0c8},
		{"qinq", tagged(t, layers.EthernetTypeQinQ, 0x0064), TPID8021AD, 0x0064},
		{"short", []byte{1, 2, 3}, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := TPID(tc.frame); got != tc.tpid {
				t.Errorf("TPID = %#04x, want %#04x", got, tc.tpid)
			}
			if got := TCI(tc.frame); got != tc.tci {
				t.Errorf("TCI = %#04x, want %#04x", got, tc.tci)
			}
		})
	}
}

func TestUntagged(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth,
		gopacket.Payload(make([]byte, 46))); err != nil {
		t.Fatal(err)
	}
	if got := TPID(buf.Bytes()); got != 0 {
		t.Errorf("TPID = %#04x, want 0", got)
	}
	if got := TCI(buf.Bytes()); got != 0 {
		t.Errorf("TCI = %#04x, want 0", got)
	}
}
