package network_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/network"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagramRecorder struct {
	data []byte
}

func (r *datagramRecorder) OnDatagramReceived(_ *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	r.data = datagram.Data()
	return listener.Handled
}

func TestNetwork_HoldsNodesKeyedByID(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	a := net.AddHost("a")
	r := net.AddRouter("r")
	sw := net.AddSwitch("sw")

	nodes := net.Nodes()
	require.Len(t, nodes, 3)
	assert.Equal(t, a, nodes[a.ID()])
	assert.Equal(t, r, nodes[r.ID()])
	assert.Equal(t, sw, nodes[sw.ID()])
}

func TestNetwork_ConnectAddsLinkAndDeliversTraffic(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	a := net.AddHost("a")
	b := net.AddHost("b")

	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:02"))
	ethA.SetAdminUp(true)
	ethB.SetAdminUp(true)

	net.Connect(ethA.HardwareInterface, ethB.HardwareInterface, 1)
	require.Len(t, net.Links(), 1)

	require.NoError(t, a.SetStaticAddress(ethA, netaddr.MustParseIPv4("10.0.0.1"), netaddr.MustParseIPv4Mask("255.255.255.0")))
	require.NoError(t, b.SetStaticAddress(ethB, netaddr.MustParseIPv4("10.0.0.2"), netaddr.MustParseIPv4Mask("255.255.255.0")))

	rec := &datagramRecorder{}
	b.Stack().RegisterProtocol(layers.IPProtocolICMPv4, rec)

	require.NoError(t, a.Send(netaddr.MustParseIPv4("10.0.0.2"), layers.IPProtocolICMPv4, []byte("hello")))

	sched.RunUntil(1)

	assert.Equal(t, []byte("hello"), rec.data)
}

func TestNetwork_RemoveNodeDestroysAndForgetsIt(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	a := net.AddHost("a")
	id := a.ID()

	net.RemoveNode(id)

	_, ok := net.Nodes()[id]
	assert.False(t, ok)
}

func TestNetwork_DestroyTearsDownEveryNode(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	net.AddHost("a")
	net.AddRouter("r")

	net.Destroy()

	assert.Empty(t, net.Nodes())
}
