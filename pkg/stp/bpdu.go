// Package stp implements the Spanning Tree Protocol family over a
// [pkg/ethernet.Bridge]: classic STP's root election and port-state FSM,
// RSTP's rapid proposal/agreement transitions and edge-port detection, and
// one independent instance per VLAN for PVST/R-PVST. [Protocol] implements
// [pkg/ethernet.PortStateProvider].
package stp

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// EtherTypeBPDU tags a bridge protocol data unit frame. A real BPDU rides
// inside an 802.3 length-field frame with an 802.2 LLC header (DSAP/SSAP
// 0x42, as niac-go's STP handler parses); this simulator represents every
// datalink frame as Ethernet II, so a dedicated EtherType stands in for
// that encapsulation instead.
const EtherTypeBPDU layers.EthernetType = 0x4242

// BPDU protocol versions.
const (
	VersionSTP  uint8 = 0x00
	VersionRSTP uint8 = 0x02
)

// BPDU types.
const (
	TypeConfig uint8 = 0x00
	TypeTCN    uint8 = 0x80
)

// BPDU flag bits, per IEEE 802.1W.
const (
	FlagTopologyChange    uint8 = 0x01
	FlagProposal          uint8 = 0x02
	FlagRoleShift               = 2
	FlagRoleMask          uint8 = 0x0C
	FlagLearning          uint8 = 0x10
	FlagForwarding        uint8 = 0x20
	FlagAgreement         uint8 = 0x40
	FlagTopologyChangeAck uint8 = 0x80
)

// Default bridge parameters, in seconds (timers) or 802.1D priority units.
const (
	DefaultHelloTime    = 2.0
	DefaultMaxAge       = 20.0
	DefaultForwardDelay = 15.0
	DefaultPriority     = 32768
	DefaultPortCost     = 19
)

// configBodyLen is the encoded length of a Configuration BPDU: protocol ID
// (2) + version (1) + type (1) + flags (1) + root id (8) + root path cost
// (4) + bridge id (8) + port id (2) + message age (2) + max age (2) +
// hello time (2) + forward delay (2).
const configBodyLen = 35

// BridgeID identifies a bridge, or is embedded as a root id inside a BPDU.
// Comparison is priority first, then MAC, the same packing 802.1D uses to
// fit both into one comparable 64-bit value.
type BridgeID struct {
	Priority uint16
	MAC      netaddr.MacAddress
}

// Less reports whether id is the numerically smaller (and so preferred)
// bridge id.
func (id BridgeID) Less(other BridgeID) bool {
	if id.Priority != other.Priority {
		return id.Priority < other.Priority
	}

	return id.MAC.Less(other.MAC)
}

// Equal reports whether id and other name the same bridge.
func (id BridgeID) Equal(other BridgeID) bool {
	return id.Priority == other.Priority && id.MAC == other.MAC
}

// String implements fmt.Stringer.
func (id BridgeID) String() string {
	return fmt.Sprintf("%d.%s", id.Priority, id.MAC)
}

// BPDU is a Spanning Tree bridge protocol data unit: either a
// Configuration BPDU carrying the root election state, or a bare
// Topology Change Notification.
type BPDU struct {
	Version      uint8
	Type         uint8
	Flags        uint8
	RootID       BridgeID
	RootPathCost uint32
	BridgeID     BridgeID
	PortID       uint16
	MessageAge   float64
	MaxAge       float64
	HelloTime    float64
	ForwardDelay float64
}

// Role returns the port role this BPDU's sender advertises about itself,
// present only on RSTP (version 2) BPDUs.
func (b BPDU) Role() Role {
	return Role((b.Flags & FlagRoleMask) >> FlagRoleShift)
}

// priority compares two BPDUs using the standard ordering: root id, then
// root path cost, then sender bridge id, then sender port id. Lower wins
// at each step.
func priority(a, b BPDU) int {
	switch {
	case !a.RootID.Equal(b.RootID):
		if a.RootID.Less(b.RootID) {
			return -1
		}
		return 1
	case a.RootPathCost != b.RootPathCost:
		if a.RootPathCost < b.RootPathCost {
			return -1
		}
		return 1
	case !a.BridgeID.Equal(b.BridgeID):
		if a.BridgeID.Less(b.BridgeID) {
			return -1
		}
		return 1
	case a.PortID != b.PortID:
		if a.PortID < b.PortID {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// better reports whether a is strictly preferred over b.
func better(a, b BPDU) bool { return priority(a, b) < 0 }

// Encode serializes b as the wire bytes carried in a BPDU frame's payload.
func (b BPDU) Encode() []byte {
	if b.Type == TypeTCN {
		return []byte{0, 0, b.Version, b.Type}
	}

	buf := make([]byte, configBodyLen)
	binary.BigEndian.PutUint16(buf[0:2], 0)
	buf[2] = b.Version
	buf[3] = b.Type
	buf[4] = b.Flags
	putBridgeID(buf[5:13], b.RootID)
	binary.BigEndian.PutUint32(buf[13:17], b.RootPathCost)
	putBridgeID(buf[17:25], b.BridgeID)
	binary.BigEndian.PutUint16(buf[25:27], b.PortID)
	binary.BigEndian.PutUint16(buf[27:29], secondsToTicks(b.MessageAge))
	binary.BigEndian.PutUint16(buf[29:31], secondsToTicks(b.MaxAge))
	binary.BigEndian.PutUint16(buf[31:33], secondsToTicks(b.HelloTime))
	binary.BigEndian.PutUint16(buf[33:35], secondsToTicks(b.ForwardDelay))

	return buf
}

// DecodeBPDU parses the wire bytes of a BPDU frame's payload.
func DecodeBPDU(data []byte) (BPDU, error) {
	if len(data) < 4 {
		return BPDU{}, fmt.Errorf("%w: header truncated", simerr.ErrMalformedBPDU)
	}

	version, typ := data[2], data[3]
	if typ == TypeTCN {
		return BPDU{Version: version, Type: TypeTCN}, nil
	}

	if len(data) < configBodyLen {
		return BPDU{}, fmt.Errorf("%w: configuration body truncated", simerr.ErrMalformedBPDU)
	}

	return BPDU{
		Version:      version,
		Type:         typ,
		Flags:        data[4],
		RootID:       bridgeIDFrom(data[5:13]),
		RootPathCost: binary.BigEndian.Uint32(data[13:17]),
		BridgeID:     bridgeIDFrom(data[17:25]),
		PortID:       binary.BigEndian.Uint16(data[25:27]),
		MessageAge:   ticksToSeconds(binary.BigEndian.Uint16(data[27:29])),
		MaxAge:       ticksToSeconds(binary.BigEndian.Uint16(data[29:31])),
		HelloTime:    ticksToSeconds(binary.BigEndian.Uint16(data[31:33])),
		ForwardDelay: ticksToSeconds(binary.BigEndian.Uint16(data[33:35])),
	}, nil
}

func putBridgeID(dst []byte, id BridgeID) {
	binary.BigEndian.PutUint16(dst[0:2], id.Priority)
	copy(dst[2:8], id.MAC.Bytes())
}

func bridgeIDFrom(src []byte) BridgeID {
	mac, _ := netaddr.MacFromBytes(src[2:8])
	return BridgeID{Priority: binary.BigEndian.Uint16(src[0:2]), MAC: mac}
}

// secondsToTicks/ticksToSeconds convert between seconds and the 1/256th
// second units real BPDU timer fields use.
func secondsToTicks(s float64) uint16 { return uint16(s * 256) }
func ticksToSeconds(t uint16) float64 { return float64(t) / 256 }
