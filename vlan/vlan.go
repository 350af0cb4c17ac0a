// Package vlan extracts 802.1Q/802.1ad tag fields from Ethernet frames.
package vlan

import (
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

const (
	TPID8021Q  uint16 = 0x8100
	TPID8021AD uint16 = 0x88a8
)

// VID returns the 12-bit VLAN identifier of tci.
func VID(tci uint16) uint16 { return tci & 0x0fff }

// PCP returns the 3-bit priority code point of tci.
func PCP(tci uint16) uint8 { return uint8(tci >> 13) }

// DEI returns the drop eligible indicator of tci.
func DEI(tci uint16) bool { return tci&0x1000 != 0 }

// MakeTCI assembles a tag control information field.
func MakeTCI(pcp uint8, dei bool, vid uint16) uint16 {
	tci := uint16(pcp&0x7)<<13 | vid&0x0fff
	if dei {
		tci |= 0x1000
	}
	return tci
}

// TPID returns the tag protocol identifier of the outer tag of frame, or
// zero if frame is not VLAN tagged.
func TPID(frame []byte) uint16 {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return 0
	}
	switch eth.EthernetType {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ:
		return uint16(eth.EthernetType)
	}
	return 0
}

// TCI returns the tag control information of the outer tag of frame, or
// zero if frame is not VLAN tagged.
func TCI(frame []byte) uint16 {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return 0
	}
	switch eth.EthernetType {
	case layers.EthernetTypeDot1Q, layers.EthernetTypeQinQ:
	default:
		return 0
	}
	var tag layers.Dot1Q
	if err := tag.DecodeFromBytes(eth.Payload, gopacket.NilDecodeFeedback); err != nil {
		return 0
	}
	return MakeTCI(tag.Priority, tag.DropEligible, tag.VLANIdentifier)
}
