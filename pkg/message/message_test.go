package message_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	macA = netaddr.MustParseMac("00:00:00:00:00:01")
	macB = netaddr.MustParseMac("00:00:00:00:00:02")
	ipA  = netaddr.MustParseIPv4("10.0.0.1")
	ipB  = netaddr.MustParseIPv4("10.0.0.2")
)

func TestDatalinkMessageBuilder_RequiresAddresses(t *testing.T) {
	_, err := message.NewDatalinkMessageBuilder().WithDestination(macB).Build()
	assert.Error(t, err)

	_, err = message.NewDatalinkMessageBuilder().WithSource(macA).Build()
	assert.Error(t, err)
}

func TestDatalinkMessageBuilder_LengthIncludesPaddingAndOverhead(t *testing.T) {
	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(macA).
		WithDestination(macB).
		WithPayload([]byte("hi")).
		Build()
	require.NoError(t, err)

	// 2-byte payload pads to the 46-byte minimum, plus 14-byte header and
	// 4-byte FCS.
	assert.Equal(t, 46+18, frame.Length())
}

func TestDatalinkMessageBuilder_TaggedAddsFourBytes(t *testing.T) {
	untagged, err := message.NewDatalinkMessageBuilder().
		WithSource(macA).WithDestination(macB).WithPayload(make([]byte, 100)).Build()
	require.NoError(t, err)

	tagged, err := message.NewDatalinkMessageBuilder().
		WithSource(macA).WithDestination(macB).WithVLAN(10).WithPayload(make([]byte, 100)).Build()
	require.NoError(t, err)

	assert.Equal(t, untagged.Length()+4, tagged.Length())

	id, isTagged := tagged.VLAN()
	assert.True(t, isTagged)
	assert.Equal(t, uint16(10), id)
}

func TestDatalinkMessageBuilder_RejectsOutOfRangeVLAN(t *testing.T) {
	_, err := message.NewDatalinkMessageBuilder().
		WithSource(macA).WithDestination(macB).WithVLAN(4095).Build()
	assert.Error(t, err)
}

func TestNetworkMessageBuilder_RequiresNetAddresses(t *testing.T) {
	_, err := message.NewNetworkMessageBuilder().
		WithSource(macA).WithDestination(macB).WithNetSource(ipA).Build()
	assert.Error(t, err)
}

func TestIPv4MessageBuilder_RequiresTTL(t *testing.T) {
	_, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithProtocol(layers.IPProtocolICMPv4).
		Build()
	assert.Error(t, err)
}

func TestIPv4MessageBuilder_RejectsZeroTTL(t *testing.T) {
	_, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithTTL(0).WithProtocol(layers.IPProtocolICMPv4).
		Build()
	assert.Error(t, err)
}

func TestIPv4MessageBuilder_ComputesChecksum(t *testing.T) {
	msg, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithTTL(64).WithProtocol(layers.IPProtocolICMPv4).
		WithData([]byte("ping")).
		Build()
	require.NoError(t, err)

	recomputed, err := msg.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, recomputed, msg.Checksum())
	assert.NotZero(t, msg.Checksum())
}

func TestIPv4MessageBuilder_TotalLength(t *testing.T) {
	msg, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithTTL(64).WithProtocol(layers.IPProtocolICMPv4).
		WithData(make([]byte, 100)).
		Build()
	require.NoError(t, err)

	assert.Equal(t, uint16(120), msg.TotalLength())
}

func TestNewIPv4MessageBuilderFrom_PreservesFieldsForTTLDecrement(t *testing.T) {
	original, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithTTL(5).WithProtocol(layers.IPProtocolICMPv4).
		WithIdentification(42).
		WithData([]byte("payload")).
		Build()
	require.NoError(t, err)

	decremented, err := message.NewIPv4MessageBuilderFrom(original).
		WithTTL(original.TTL() - 1).
		Build()
	require.NoError(t, err)

	assert.Equal(t, uint8(4), decremented.TTL())
	assert.Equal(t, original.Identification(), decremented.Identification())
	assert.Equal(t, original.NetSrc(), decremented.NetSrc())
	assert.Equal(t, original.NetDst(), decremented.NetDst())
	assert.Equal(t, original.Data(), decremented.Data())
}

func TestIPv4MessageBuilder_RejectsOversizedDatagram(t *testing.T) {
	_, err := message.NewIPv4MessageBuilder().
		WithSource(macA).WithDestination(macB).
		WithNetSource(ipA).WithNetDestination(ipB).
		WithTTL(64).WithProtocol(layers.IPProtocolICMPv4).
		WithData(make([]byte, 65600)).
		Build()
	assert.Error(t, err)
}
