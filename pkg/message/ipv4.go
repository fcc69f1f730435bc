package message

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// IPv4Flags holds the two meaningful bits of an IPv4 header's flags field;
// the reserved (evil) bit per RFC-3514 is never set by this module.
type IPv4Flags struct {
	DontFragment  bool
	MoreFragments bool
}

func (f IPv4Flags) toGopacket() layers.IPv4Flag {
	var out layers.IPv4Flag
	if f.DontFragment {
		out |= layers.IPv4DontFragment
	}
	if f.MoreFragments {
		out |= layers.IPv4MoreFragments
	}

	return out
}

// IPv4Message adds the IPv4 header to a [NetworkMessage].
type IPv4Message struct {
	NetworkMessage

	ihl            uint8
	tos            uint8
	identification uint16
	flags          IPv4Flags
	fragmentOffset uint16 // in 8-octet units, per RFC-791
	ttl            uint8
	protocol       layers.IPProtocol
	checksum       uint16
	data           []byte
}

// IHL returns the header length in 32-bit words (always 5: this module
// never emits IPv4 options).
func (m IPv4Message) IHL() uint8 { return m.ihl }

// TOS returns the type-of-service byte.
func (m IPv4Message) TOS() uint8 { return m.tos }

// Identification returns the fragmentation identification field, shared
// across all fragments of one original datagram.
func (m IPv4Message) Identification() uint16 { return m.identification }

// Flags returns the don't-fragment/more-fragments flags.
func (m IPv4Message) Flags() IPv4Flags { return m.flags }

// FragmentOffset returns the fragment's offset into the original datagram,
// in 8-octet units.
func (m IPv4Message) FragmentOffset() uint16 { return m.fragmentOffset }

// TTL returns the time-to-live / hop-limit field.
func (m IPv4Message) TTL() uint8 { return m.ttl }

// Protocol returns the encapsulated upper-layer protocol number.
func (m IPv4Message) Protocol() layers.IPProtocol { return m.protocol }

// Checksum returns the header checksum as carried by the message.
func (m IPv4Message) Checksum() uint16 { return m.checksum }

// Data returns the IPv4 payload (the upper-layer segment/datagram).
func (m IPv4Message) Data() []byte { return m.data }

// TotalLength returns the IHL*4 header length plus the payload length, the
// value that belongs in the header's total-length field.
func (m IPv4Message) TotalLength() uint16 {
	return uint16(int(m.ihl)*4 + len(m.data))
}

func (m IPv4Message) toGopacketLayer() *layers.IPv4 {
	return &layers.IPv4{
		Version:    4,
		IHL:        m.ihl,
		TOS:        m.tos,
		Id:         m.identification,
		Flags:      m.flags.toGopacket(),
		FragOffset: m.fragmentOffset,
		TTL:        m.ttl,
		Protocol:   m.protocol,
		SrcIP:      ipv4ToNetIP(m.NetSrc()),
		DstIP:      ipv4ToNetIP(m.NetDst()),
	}
}

// ComputeChecksum recomputes this header's RFC-1071 checksum by serializing
// it through gopacket the same way a real IPv4 stack would, reusing the
// library's checksum implementation instead of a hand-rolled one.
func (m IPv4Message) ComputeChecksum() (uint16, error) {
	layer := m.toGopacketLayer()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	if err := gopacket.SerializeLayers(buf, opts, layer, gopacket.Payload(m.data)); err != nil {
		return 0, fmt.Errorf("serializing ipv4 header: %w", err)
	}

	parsed := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeIPv4, gopacket.NoCopy)

	ipLayer, ok := parsed.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return 0, fmt.Errorf("%w: reparsed ipv4 packet has no ipv4 layer", simerr.ErrInvalidAddress)
	}

	return ipLayer.Checksum, nil
}

// IPv4MessageBuilder builds an [IPv4Message].
type IPv4MessageBuilder struct {
	net            NetworkMessageBuilder
	ihl            uint8
	tos            uint8
	identification uint16
	flags          IPv4Flags
	fragmentOffset uint16
	ttl            *uint8
	protocol       layers.IPProtocol
	checksum       uint16
	checksumSet    bool
	data           []byte
}

// NewIPv4MessageBuilder returns an empty builder, already defaulted to a
// 5-word (20-byte, option-free) header.
func NewIPv4MessageBuilder() *IPv4MessageBuilder {
	return &IPv4MessageBuilder{ihl: 5}
}

// NewIPv4MessageBuilderFrom returns a builder pre-populated from an
// existing message, for the "rebuild with one field changed" pattern used
// by TTL decrement and fragmentation.
func NewIPv4MessageBuilderFrom(m IPv4Message) *IPv4MessageBuilder {
	b := NewIPv4MessageBuilder()
	b.net.WithSource(m.MacSrc()).WithDestination(m.MacDst()).WithNetSource(m.NetSrc()).WithNetDestination(m.NetDst())
	if id, tagged := m.VLAN(); tagged {
		b.net.WithVLAN(id)
	}

	ttl := m.ttl

	b.ihl = m.ihl
	b.tos = m.tos
	b.identification = m.identification
	b.flags = m.flags
	b.fragmentOffset = m.fragmentOffset
	b.ttl = &ttl
	b.protocol = m.protocol
	b.data = m.data

	return b
}

// WithSource sets the frame's source hardware address.
func (b *IPv4MessageBuilder) WithSource(mac netaddr.MacAddress) *IPv4MessageBuilder {
	b.net.WithSource(mac)
	return b
}

// WithDestination sets the frame's destination hardware address.
func (b *IPv4MessageBuilder) WithDestination(mac netaddr.MacAddress) *IPv4MessageBuilder {
	b.net.WithDestination(mac)
	return b
}

// WithVLAN tags the underlying frame with the given VLAN identifier.
func (b *IPv4MessageBuilder) WithVLAN(id uint16) *IPv4MessageBuilder {
	b.net.WithVLAN(id)
	return b
}

// WithNetSource sets the datagram's source IPv4 address.
func (b *IPv4MessageBuilder) WithNetSource(addr netaddr.IPv4Address) *IPv4MessageBuilder {
	b.net.WithNetSource(addr)
	return b
}

// WithNetDestination sets the datagram's destination IPv4 address.
func (b *IPv4MessageBuilder) WithNetDestination(addr netaddr.IPv4Address) *IPv4MessageBuilder {
	b.net.WithNetDestination(addr)
	return b
}

// WithTOS sets the type-of-service byte.
func (b *IPv4MessageBuilder) WithTOS(tos uint8) *IPv4MessageBuilder {
	b.tos = tos
	return b
}

// WithIdentification sets the fragmentation identification field.
func (b *IPv4MessageBuilder) WithIdentification(id uint16) *IPv4MessageBuilder {
	b.identification = id
	return b
}

// WithFlags sets the don't-fragment/more-fragments flags.
func (b *IPv4MessageBuilder) WithFlags(f IPv4Flags) *IPv4MessageBuilder {
	b.flags = f
	return b
}

// WithFragmentOffset sets the fragment offset, in 8-octet units.
func (b *IPv4MessageBuilder) WithFragmentOffset(offset uint16) *IPv4MessageBuilder {
	b.fragmentOffset = offset
	return b
}

// WithTTL sets the time-to-live field.
func (b *IPv4MessageBuilder) WithTTL(ttl uint8) *IPv4MessageBuilder {
	b.ttl = &ttl
	return b
}

// WithProtocol sets the encapsulated upper-layer protocol number.
func (b *IPv4MessageBuilder) WithProtocol(p layers.IPProtocol) *IPv4MessageBuilder {
	b.protocol = p
	return b
}

// WithChecksum sets an explicit header checksum, bypassing
// [IPv4Message.ComputeChecksum]. Used by tests that need to build a
// deliberately corrupt header.
func (b *IPv4MessageBuilder) WithChecksum(checksum uint16) *IPv4MessageBuilder {
	b.checksum = checksum
	b.checksumSet = true
	return b
}

// WithData sets the IPv4 payload.
func (b *IPv4MessageBuilder) WithData(data []byte) *IPv4MessageBuilder {
	b.data = data
	return b
}

// MinFragmentSize and MaxFragmentSize bound a sender's configurable
// max-fragment-size: 20-byte header plus an 8-byte payload floor, up to the
// largest value a 16-bit total-length field can carry.
const (
	MinFragmentSize uint16 = 28
	MaxFragmentSize uint16 = 65535
)

// ValidateMaxFragmentSize rejects a max-fragment-size outside
// [MinFragmentSize, MaxFragmentSize], the same range [pkg/ipv4.Stack.Send]
// enforces before fragmenting an outgoing datagram.
func ValidateMaxFragmentSize(size uint16) error {
	if size < MinFragmentSize || size > MaxFragmentSize {
		return fmt.Errorf(
			"%w: max fragment size %d outside [%d, %d]",
			simerr.ErrInvalidConfiguration, size, MinFragmentSize, MaxFragmentSize,
		)
	}

	return nil
}

// Build validates the accumulated fields, computes the header checksum (if
// not explicitly overridden), and returns an immutable [IPv4Message].
func (b *IPv4MessageBuilder) Build() (IPv4Message, error) {
	if b.ttl == nil {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: ttl not set", simerr.ErrInvalidConfiguration)
	}
	if *b.ttl == 0 {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: ttl must be at least 1", simerr.ErrInvalidConfiguration)
	}
	if b.ihl < 5 {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: ihl %d below minimum 5", simerr.ErrInvalidConfiguration, b.ihl)
	}
	if int(b.ihl)*4+len(b.data) > 65535 {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: total length exceeds 65535", simerr.ErrInvalidConfiguration)
	}

	if b.net.netSrc == nil {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: source address not set", simerr.ErrInvalidConfiguration)
	}
	if b.net.netDst == nil {
		return IPv4Message{}, fmt.Errorf("%w: ipv4 message: destination address not set", simerr.ErrInvalidConfiguration)
	}

	layer := &layers.IPv4{
		Version:    4,
		IHL:        b.ihl,
		TOS:        b.tos,
		Id:         b.identification,
		Flags:      b.flags.toGopacket(),
		FragOffset: b.fragmentOffset,
		TTL:        *b.ttl,
		Protocol:   b.protocol,
		SrcIP:      ipv4ToNetIP(*b.net.netSrc),
		DstIP:      ipv4ToNetIP(*b.net.netDst),
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: !b.checksumSet}
	if b.checksumSet {
		layer.Checksum = b.checksum
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, layer, gopacket.Payload(b.data)); err != nil {
		return IPv4Message{}, fmt.Errorf("serializing ipv4 message: %w", err)
	}
	raw := buf.Bytes()

	checksum := b.checksum
	if !b.checksumSet {
		parsed := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.NoCopy)
		ipLayer, ok := parsed.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return IPv4Message{}, fmt.Errorf("%w: reparsed ipv4 packet has no ipv4 layer", simerr.ErrInvalidAddress)
		}
		checksum = ipLayer.Checksum
	}

	// The frame's payload is the fully serialized datagram (header+data),
	// the same bytes a peer's network interface receives and must parse
	// back into an IPv4Message with [ParseIPv4Message].
	b.net.WithPayload(raw)
	if b.net.dl.etherType == 0 {
		b.net.dl.WithEtherType(layers.EthernetTypeIPv4)
	}

	netMsg, err := b.net.Build()
	if err != nil {
		return IPv4Message{}, err
	}

	return IPv4Message{
		NetworkMessage: netMsg,
		ihl:            b.ihl,
		tos:            b.tos,
		identification: b.identification,
		flags:          b.flags,
		fragmentOffset: b.fragmentOffset,
		ttl:            *b.ttl,
		protocol:       b.protocol,
		checksum:       checksum,
		data:           b.data,
	}, nil
}

// ParseIPv4Message reconstructs an [IPv4Message] by decoding dl's payload as
// a serialized IPv4 datagram. This is how a receiving network interface
// recovers an [IPv4Message]'s header fields from a [message.DatalinkMessage]
// handed to it by the datalink layer, which only carries the frame's raw
// addressing and opaque payload bytes.
func ParseIPv4Message(dl DatalinkMessage) (IPv4Message, error) {
	packet := gopacket.NewPacket(dl.Payload(), layers.LayerTypeIPv4, gopacket.NoCopy)

	ipLayer, ok := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return IPv4Message{}, fmt.Errorf("%w: payload is not an ipv4 datagram", simerr.ErrInvalidConfiguration)
	}

	src, err := netaddr.IPv4FromBytes(ipLayer.SrcIP.To4())
	if err != nil {
		return IPv4Message{}, fmt.Errorf("parsing ipv4 source address: %w", err)
	}

	dst, err := netaddr.IPv4FromBytes(ipLayer.DstIP.To4())
	if err != nil {
		return IPv4Message{}, fmt.Errorf("parsing ipv4 destination address: %w", err)
	}

	return IPv4Message{
		NetworkMessage: NetworkMessage{DatalinkMessage: dl, netSrc: src, netDst: dst},
		ihl:            ipLayer.IHL,
		tos:            ipLayer.TOS,
		identification: ipLayer.Id,
		flags: IPv4Flags{
			DontFragment:  ipLayer.Flags&layers.IPv4DontFragment != 0,
			MoreFragments: ipLayer.Flags&layers.IPv4MoreFragments != 0,
		},
		fragmentOffset: ipLayer.FragOffset,
		ttl:            ipLayer.TTL,
		protocol:       ipLayer.Protocol,
		checksum:       ipLayer.Checksum,
		data:           ipLayer.LayerPayload(),
	}, nil
}
