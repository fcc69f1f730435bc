package node_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/node"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_NextHopPrefersLongestMatchOverDefault(t *testing.T) {
	sched := scheduler.New()
	r := node.NewRouter(sched, "r")

	lan := r.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	wan := r.AddInterface("eth1", netaddr.MustParseMac("00:00:00:00:00:02"))
	require.NoError(t, r.SetAddress(lan, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, r.SetAddress(wan, netaddr.MustParseIPv4("203.0.113.1"), netaddr.MustParseIPv4Mask("255.255.255.252")))

	r.AddDefaultRoute(netaddr.MustParseIPv4("203.0.113.2"), wan)
	r.AddRoute(netaddr.MustParseIPv4("192.168.0.0"), netaddr.MustParseIPv4Mask("255.255.0.0"), netaddr.MustParseIPv4("203.0.113.2"), wan)

	route, ok := r.NextHop(netaddr.MustParseIPv4("192.168.5.5"))
	require.True(t, ok)
	assert.Equal(t, netaddr.MustParseIPv4("192.168.0.0"), route.Destination)

	route, ok = r.NextHop(netaddr.MustParseIPv4("8.8.8.8"))
	require.True(t, ok)
	assert.True(t, route.Mask.Equal(netaddr.MustParseIPv4Mask("0.0.0.0")))

	route, ok = r.NextHop(netaddr.MustParseIPv4("10.0.0.42"))
	require.True(t, ok)
	assert.True(t, route.Direct)
}

func TestRouter_ForwardsBetweenTwoHostsOnDifferentSubnets(t *testing.T) {
	sched := scheduler.New()

	r := node.NewRouter(sched, "r")
	a := node.NewHost(sched, "a")
	b := node.NewHost(sched, "b")

	rA := r.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	rB := r.AddInterface("eth1", netaddr.MustParseMac("00:00:00:00:00:02"))
	hostA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:0a"))
	hostB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:0b"))

	for _, p := range []interface{ SetAdminUp(bool) }{rA, rB, hostA, hostB} {
		p.SetAdminUp(true)
	}

	link.New(sched, rA.HardwareInterface, hostA.HardwareInterface, 1)
	link.New(sched, rB.HardwareInterface, hostB.HardwareInterface, 1)

	require.NoError(t, r.SetAddress(rA, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, r.SetAddress(rB, netaddr.MustParseIPv4("10.0.1.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, a.SetStaticAddress(hostA, netaddr.MustParseIPv4("10.0.0.2"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	a.SetGateway(hostA, netaddr.MustParseIPv4("10.0.0.1"))
	require.NoError(t, b.SetStaticAddress(hostB, netaddr.MustParseIPv4("10.0.1.2"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	b.SetGateway(hostB, netaddr.MustParseIPv4("10.0.1.1"))

	var received []byte
	b.Stack().RegisterProtocol(layers.IPProtocolICMPv4, recorderFunc(func(datagram message.IPv4Message) {
		received = datagram.Data()
	}))

	require.NoError(t, a.Send(netaddr.MustParseIPv4("10.0.1.2"), layers.IPProtocolICMPv4, []byte("routed")))

	sched.RunUntil(1)

	assert.Equal(t, []byte("routed"), received)
}

func TestRouter_DestroyClosesRelay(t *testing.T) {
	sched := scheduler.New()

	r := node.NewRouter(sched, "r")
	client := r.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	server := r.AddInterface("eth1", netaddr.MustParseMac("00:00:00:00:00:02"))
	require.NoError(t, r.SetAddress(client, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, r.SetAddress(server, netaddr.MustParseIPv4("10.0.1.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))

	relay := r.AddDHCPRelay(client, server, netaddr.MustParseIPv4("10.0.1.254"))
	require.NotNil(t, relay)

	r.Destroy()
}
