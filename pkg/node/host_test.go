package node_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/node"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHost_SendsDirectlyConnectedDatagramWithoutGateway(t *testing.T) {
	sched := scheduler.New()

	a := node.NewHost(sched, "a")
	b := node.NewHost(sched, "b")

	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:02"))
	ethA.SetAdminUp(true)
	ethB.SetAdminUp(true)
	link.New(sched, ethA.HardwareInterface, ethB.HardwareInterface, 1)

	require.NoError(t, a.SetStaticAddress(ethA, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, b.SetStaticAddress(ethB, netaddr.MustParseIPv4("10.0.0.2"), netaddr.MustParseIPv4Mask("255.255.255.0")))

	var received []byte
	b.Stack().RegisterProtocol(layers.IPProtocolICMPv4, recorderFunc(func(datagram message.IPv4Message) {
		received = datagram.Data()
	}))

	require.NoError(t, a.Send(netaddr.MustParseIPv4("10.0.0.2"), layers.IPProtocolICMPv4, []byte("hi")))

	sched.RunUntil(1)

	assert.Equal(t, []byte("hi"), received)
}

func TestHost_FallsBackToGatewayOutsideItsSubnet(t *testing.T) {
	sched := scheduler.New()

	a := node.NewHost(sched, "a")
	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethA.SetAdminUp(true)
	require.NoError(t, a.SetStaticAddress(ethA, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	a.SetGateway(ethA, netaddr.MustParseIPv4("10.0.0.254"))

	route, ok := a.Stack().Routes().Lookup(netaddr.MustParseIPv4("8.8.8.8"))
	require.True(t, ok)
	assert.False(t, route.Direct)
	assert.Equal(t, netaddr.MustParseIPv4("10.0.0.254"), route.NextHop)

	route, ok = a.Stack().Routes().Lookup(netaddr.MustParseIPv4("10.0.0.2"))
	require.True(t, ok)
	assert.True(t, route.Direct)
}

func TestHost_SendWithoutRouteReturnsError(t *testing.T) {
	sched := scheduler.New()

	a := node.NewHost(sched, "a")
	err := a.Send(netaddr.MustParseIPv4("8.8.8.8"), layers.IPProtocolICMPv4, []byte("x"))
	assert.Error(t, err)
}

func TestHost_PingRespondsAcrossDirectLink(t *testing.T) {
	sched := scheduler.New()

	a := node.NewHost(sched, "a")
	b := node.NewHost(sched, "b")

	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:02"))
	ethA.SetAdminUp(true)
	ethB.SetAdminUp(true)
	link.New(sched, ethA.HardwareInterface, ethB.HardwareInterface, 1)

	require.NoError(t, a.SetStaticAddress(ethA, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, b.SetStaticAddress(ethB, netaddr.MustParseIPv4("10.0.0.2"), netaddr.MustParseIPv4Mask("255.255.255.0")))

	var ok bool
	require.NoError(t, a.Ping().Echo(netaddr.MustParseIPv4("10.0.0.2"), 5, []byte("ping"), func(_ float64, success bool) {
		ok = success
	}))

	sched.RunUntil(1)

	assert.True(t, ok)
}

func TestHost_DestroyClosesStackAndArpResolver(t *testing.T) {
	sched := scheduler.New()

	a := node.NewHost(sched, "a")
	eth := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	eth.SetAdminUp(true)
	require.NoError(t, a.SetStaticAddress(eth, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))

	a.Destroy()

	_, ok := a.Stack().Resolver("eth0")
	assert.True(t, ok, "destroy does not unregister the resolver, only cancels its timers")
}

// recorderFunc adapts a function to [pkg/ipv4.UpperListener].
type recorderFunc func(message.IPv4Message)

func (f recorderFunc) OnDatagramReceived(_ *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	f(datagram)
	return listener.Handled
}
