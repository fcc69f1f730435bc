// Package message implements a layered, immutable message hierarchy:
// a PhysicalMessage carries only a length, a DatalinkMessage
// adds Ethernet addressing and an 802.1Q tag, a NetworkMessage adds IPv4
// addressing, and an IPv4Message adds the full IPv4 header. Each type is
// built through a validating builder and is immutable once built, so a
// handler can pass a message down the stack without another layer able to
// mutate what it already inspected.
package message

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// PhysicalMessage is the root of the hierarchy: a physical-layer signal
// about which nothing is known but its length in bytes.
type PhysicalMessage struct {
	length int
}

// Length returns the message's length in bytes.
func (m PhysicalMessage) Length() int {
	return m.length
}

// Ethernet framing constants: a minimum 46-byte payload
// (frames shorter are padded), a 14-byte header (dst+src+ethertype), a
// 4-byte trailing FCS, and a further 4 bytes when an 802.1Q tag is present.
const (
	minEthernetPayload = 46
	ethernetHeaderFCS  = 14 + 4
	dot1qTagSize       = 4
)

// DatalinkMessage is an Ethernet II frame, optionally 802.1Q-tagged.
type DatalinkMessage struct {
	PhysicalMessage

	macSrc, macDst netaddr.MacAddress
	etherType      layers.EthernetType
	vlanID         uint16
	tagged         bool
	payload        []byte
}

// MacSrc returns the frame's source hardware address.
func (m DatalinkMessage) MacSrc() netaddr.MacAddress { return m.macSrc }

// MacDst returns the frame's destination hardware address.
func (m DatalinkMessage) MacDst() netaddr.MacAddress { return m.macDst }

// EtherType returns the frame's EtherType (the inner one, if tagged).
func (m DatalinkMessage) EtherType() layers.EthernetType { return m.etherType }

// VLAN returns the 802.1Q VLAN identifier and whether the frame carries a
// tag at all. An untagged frame returns (0, false).
func (m DatalinkMessage) VLAN() (id uint16, tagged bool) { return m.vlanID, m.tagged }

// Payload returns the frame's encapsulated payload bytes.
func (m DatalinkMessage) Payload() []byte { return m.payload }

// DatalinkMessageBuilder builds a [DatalinkMessage]. The zero value is
// ready to use.
type DatalinkMessageBuilder struct {
	macSrc, macDst *netaddr.MacAddress
	etherType      layers.EthernetType
	vlanID         uint16
	tagged         bool
	payload        []byte
}

// NewDatalinkMessageBuilder returns an empty builder.
func NewDatalinkMessageBuilder() *DatalinkMessageBuilder {
	return &DatalinkMessageBuilder{}
}

// WithSource sets the frame's source hardware address.
func (b *DatalinkMessageBuilder) WithSource(mac netaddr.MacAddress) *DatalinkMessageBuilder {
	b.macSrc = &mac
	return b
}

// WithDestination sets the frame's destination hardware address.
func (b *DatalinkMessageBuilder) WithDestination(mac netaddr.MacAddress) *DatalinkMessageBuilder {
	b.macDst = &mac
	return b
}

// WithEtherType sets the frame's (inner) EtherType.
func (b *DatalinkMessageBuilder) WithEtherType(et layers.EthernetType) *DatalinkMessageBuilder {
	b.etherType = et
	return b
}

// WithVLAN tags the frame with the given 802.1Q VLAN identifier, 0..4094.
func (b *DatalinkMessageBuilder) WithVLAN(id uint16) *DatalinkMessageBuilder {
	b.vlanID = id
	b.tagged = true
	return b
}

// WithPayload sets the frame's encapsulated payload.
func (b *DatalinkMessageBuilder) WithPayload(payload []byte) *DatalinkMessageBuilder {
	b.payload = payload
	return b
}

// Build validates the accumulated fields and returns an immutable
// [DatalinkMessage].
func (b *DatalinkMessageBuilder) Build() (DatalinkMessage, error) {
	if b.macSrc == nil {
		return DatalinkMessage{}, fmt.Errorf("%w: datalink message: source mac not set", simerr.ErrInvalidConfiguration)
	}
	if b.macDst == nil {
		return DatalinkMessage{}, fmt.Errorf("%w: datalink message: destination mac not set", simerr.ErrInvalidConfiguration)
	}
	if b.tagged && b.vlanID > 4094 {
		return DatalinkMessage{}, fmt.Errorf("%w: datalink message: vlan id %d out of range 0..4094", simerr.ErrInvalidConfiguration, b.vlanID)
	}

	length := max(minEthernetPayload, len(b.payload)) + ethernetHeaderFCS
	if b.tagged {
		length += dot1qTagSize
	}

	return DatalinkMessage{
		PhysicalMessage: PhysicalMessage{length: length},
		macSrc:          *b.macSrc,
		macDst:          *b.macDst,
		etherType:       b.etherType,
		vlanID:          b.vlanID,
		tagged:          b.tagged,
		payload:         b.payload,
	}, nil
}

// ToLayers returns the gopacket layers composing this frame's wire form
// (Ethernet, plus a Dot1Q layer if tagged), suitable for
// gopacket.SerializeLayers.
func (m DatalinkMessage) ToLayers() []gopacket.SerializableLayer {
	eth := &layers.Ethernet{
		SrcMAC:       m.macSrc.Bytes(),
		DstMAC:       m.macDst.Bytes(),
		EthernetType: m.etherType,
	}

	if !m.tagged {
		return []gopacket.SerializableLayer{eth}
	}

	eth.EthernetType = layers.EthernetTypeDot1Q
	dot1q := &layers.Dot1Q{
		VLANIdentifier: m.vlanID,
		Type:           m.etherType,
	}

	return []gopacket.SerializableLayer{eth, dot1q}
}

// NetworkMessage adds IPv4 addressing to a [DatalinkMessage].
type NetworkMessage struct {
	DatalinkMessage

	netSrc, netDst netaddr.IPv4Address
}

// NetSrc returns the message's network-layer source address.
func (m NetworkMessage) NetSrc() netaddr.IPv4Address { return m.netSrc }

// NetDst returns the message's network-layer destination address.
func (m NetworkMessage) NetDst() netaddr.IPv4Address { return m.netDst }

// NetworkMessageBuilder builds a [NetworkMessage].
type NetworkMessageBuilder struct {
	dl             DatalinkMessageBuilder
	netSrc, netDst *netaddr.IPv4Address
}

// NewNetworkMessageBuilder returns an empty builder.
func NewNetworkMessageBuilder() *NetworkMessageBuilder {
	return &NetworkMessageBuilder{}
}

// WithSource sets the frame's source hardware address.
func (b *NetworkMessageBuilder) WithSource(mac netaddr.MacAddress) *NetworkMessageBuilder {
	b.dl.WithSource(mac)
	return b
}

// WithDestination sets the frame's destination hardware address.
func (b *NetworkMessageBuilder) WithDestination(mac netaddr.MacAddress) *NetworkMessageBuilder {
	b.dl.WithDestination(mac)
	return b
}

// WithVLAN tags the underlying frame with the given VLAN identifier.
func (b *NetworkMessageBuilder) WithVLAN(id uint16) *NetworkMessageBuilder {
	b.dl.WithVLAN(id)
	return b
}

// WithNetSource sets the message's network-layer source address.
func (b *NetworkMessageBuilder) WithNetSource(addr netaddr.IPv4Address) *NetworkMessageBuilder {
	b.netSrc = &addr
	return b
}

// WithNetDestination sets the message's network-layer destination address.
func (b *NetworkMessageBuilder) WithNetDestination(addr netaddr.IPv4Address) *NetworkMessageBuilder {
	b.netDst = &addr
	return b
}

// WithPayload sets the message's encapsulated payload.
func (b *NetworkMessageBuilder) WithPayload(payload []byte) *NetworkMessageBuilder {
	b.dl.WithPayload(payload)
	return b
}

// Build validates the accumulated fields and returns an immutable
// [NetworkMessage].
func (b *NetworkMessageBuilder) Build() (NetworkMessage, error) {
	if b.netSrc == nil {
		return NetworkMessage{}, fmt.Errorf("%w: network message: source address not set", simerr.ErrInvalidConfiguration)
	}
	if b.netDst == nil {
		return NetworkMessage{}, fmt.Errorf("%w: network message: destination address not set", simerr.ErrInvalidConfiguration)
	}
	if b.dl.etherType == 0 {
		b.dl.etherType = layers.EthernetTypeIPv4
	}

	dl, err := b.dl.Build()
	if err != nil {
		return NetworkMessage{}, err
	}

	return NetworkMessage{DatalinkMessage: dl, netSrc: *b.netSrc, netDst: *b.netDst}, nil
}

func ipv4ToNetIP(a netaddr.IPv4Address) net.IP {
	v := a.Uint32()
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
