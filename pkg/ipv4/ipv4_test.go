package ipv4_test

import (
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/ipv4"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type datagramRecorder struct {
	datagrams []message.IPv4Message
}

func (r *datagramRecorder) OnDatagramReceived(_ *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	r.datagrams = append(r.datagrams, datagram)
	return listener.Handled
}

func newHostInterface(t *testing.T, mac, ip string) *iface.NetworkInterface {
	t.Helper()

	hw := iface.NewHardwareInterface("eth0", netaddr.MustParseMac(mac))
	n := iface.NewNetworkInterface(hw)
	require.NoError(t, n.SetAddress(netaddr.MustParseIPv4(ip), netaddr.MustParseIPv4Mask("255.255.255.0")))
	n.SetAdminUp(true)

	return n
}

func TestRoutingTable_PrefersLongestMatch(t *testing.T) {
	table := ipv4.NewRoutingTable()
	n := &iface.NetworkInterface{}

	table.Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("0.0.0.0"), Mask: netaddr.MustParseIPv4Mask("0.0.0.0"),
		NextHop: netaddr.MustParseIPv4("10.0.0.1"), Iface: n,
	})
	table.Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("192.168.1.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: n,
	})

	route, ok := table.Lookup(netaddr.MustParseIPv4("192.168.1.42"))
	require.True(t, ok)
	assert.True(t, route.Direct)

	route, ok = table.Lookup(netaddr.MustParseIPv4("8.8.8.8"))
	require.True(t, ok)
	assert.False(t, route.Direct)
}

func TestStack_DeliversDirectlyConnectedDatagram(t *testing.T) {
	sched := scheduler.New()

	a := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")
	b := newHostInterface(t, "00:00:00:00:00:02", "10.0.0.2")
	link.New(sched, a.HardwareInterface, b.HardwareInterface, 1)

	stackA := ipv4.NewStack(sched)
	stackA.AddInterface(a)
	stackA.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("10.0.0.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: a,
	})

	stackB := ipv4.NewStack(sched)
	stackB.AddInterface(b)

	recorder := &datagramRecorder{}
	stackB.RegisterProtocol(layers.IPProtocolICMPv4, recorder)

	require.NoError(t, stackA.Send(
		netaddr.MustParseIPv4("10.0.0.2"), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, []byte("ping"),
		ipv4.DefaultMaxFragmentSize,
	))

	sched.RunUntil(1)

	require.Len(t, recorder.datagrams, 1)
	assert.Equal(t, []byte("ping"), recorder.datagrams[0].Data())
	assert.Equal(t, netaddr.MustParseIPv4("10.0.0.1"), recorder.datagrams[0].NetSrc())
}

func TestStack_FragmentsAndReassemblesLargeDatagram(t *testing.T) {
	sched := scheduler.New()

	a := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")
	b := newHostInterface(t, "00:00:00:00:00:02", "10.0.0.2")
	link.New(sched, a.HardwareInterface, b.HardwareInterface, 1)

	stackA := ipv4.NewStack(sched)
	stackA.AddInterface(a)
	stackA.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("10.0.0.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: a,
	})

	stackB := ipv4.NewStack(sched)
	stackB.AddInterface(b)

	recorder := &datagramRecorder{}
	stackB.RegisterProtocol(layers.IPProtocolICMPv4, recorder)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, stackA.Send(
		netaddr.MustParseIPv4("10.0.0.2"), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, payload,
		ipv4.DefaultMaxFragmentSize,
	))

	sched.RunUntil(1)

	require.Len(t, recorder.datagrams, 1)
	assert.Equal(t, payload, recorder.datagrams[0].Data())
}

func TestStack_FragmentsAtExactOffsetsForSmallMaxFragmentSize(t *testing.T) {
	sched := scheduler.New()

	a := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")
	b := newHostInterface(t, "00:00:00:00:00:02", "10.0.0.2")
	link.New(sched, a.HardwareInterface, b.HardwareInterface, 1)

	stackA := ipv4.NewStack(sched)
	stackA.AddInterface(a)
	stackA.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("10.0.0.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: a,
	})

	capture := &fragmentCapture{}
	b.OnDatalinkEvent(capture)

	stackB := ipv4.NewStack(sched)
	stackB.AddInterface(b)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, stackA.Send(
		netaddr.MustParseIPv4("10.0.0.2"), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, payload, 28,
	))

	sched.RunUntil(1)

	require.Len(t, capture.fragments, 5)
	for i, frag := range capture.fragments {
		assert.Equal(t, uint16(i), frag.FragmentOffset(), "fragment %d offset", i)
		assert.Equal(t, i != 4, frag.Flags().MoreFragments, "fragment %d more_fragments", i)
		assert.Len(t, frag.Data(), 8)
	}
}

// fragmentCapture implements [pkg/iface.DatalinkListener] to observe the raw
// fragments a send emits, before the peer's stack reassembles them.
type fragmentCapture struct {
	fragments []message.IPv4Message
}

func (c *fragmentCapture) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if datagram, err := message.ParseIPv4Message(frame); err == nil {
		c.fragments = append(c.fragments, datagram)
	}

	return listener.Continue
}

func TestStack_SendToBroadcastSkipsResolution(t *testing.T) {
	sched := scheduler.New()

	a := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")
	b := newHostInterface(t, "00:00:00:00:00:02", "10.0.0.2")
	link.New(sched, a.HardwareInterface, b.HardwareInterface, 1)

	stackA := ipv4.NewStack(sched)
	stackA.AddInterface(a)
	stackA.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("10.0.0.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: a,
	})

	capture := &fragmentCapture{}
	b.OnDatalinkEvent(capture)

	require.NoError(t, stackA.Send(
		netaddr.IPv4Broadcast, layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, []byte("hello"),
		ipv4.DefaultMaxFragmentSize,
	))

	sched.RunUntil(1)

	require.Len(t, capture.fragments, 1)
	assert.True(t, capture.fragments[0].MacDst().IsBroadcast())
}

func TestStack_ForwardsAcrossRouter(t *testing.T) {
	sched := scheduler.New()

	host := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")
	routerIn := newHostInterface(t, "00:00:00:00:00:02", "10.0.0.254")
	routerOut := newHostInterface(t, "00:00:00:00:00:03", "192.168.0.1")
	dest := newHostInterface(t, "00:00:00:00:00:04", "192.168.0.2")

	link.New(sched, host.HardwareInterface, routerIn.HardwareInterface, 1)
	link.New(sched, routerOut.HardwareInterface, dest.HardwareInterface, 1)

	hostStack := ipv4.NewStack(sched)
	hostStack.AddInterface(host)
	hostStack.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("0.0.0.0"), Mask: netaddr.MustParseIPv4Mask("0.0.0.0"),
		NextHop: netaddr.MustParseIPv4("10.0.0.254"), Iface: host,
	})

	routerStack := ipv4.NewStack(sched)
	routerStack.SetForwarding(true)
	routerStack.AddInterface(routerIn)
	routerStack.AddInterface(routerOut)
	routerStack.Routes().Add(ipv4.Route{
		Destination: netaddr.MustParseIPv4("192.168.0.0"), Mask: netaddr.MustParseIPv4Mask("255.255.255.0"),
		Direct: true, Iface: routerOut,
	})

	destStack := ipv4.NewStack(sched)
	destStack.AddInterface(dest)
	recorder := &datagramRecorder{}
	destStack.RegisterProtocol(layers.IPProtocolICMPv4, recorder)

	require.NoError(t, hostStack.Send(
		netaddr.MustParseIPv4("192.168.0.2"), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, []byte("hop"),
		ipv4.DefaultMaxFragmentSize,
	))

	sched.RunUntil(1)

	require.Len(t, recorder.datagrams, 1)
	assert.Equal(t, uint8(63), recorder.datagrams[0].TTL())
	assert.Equal(t, netaddr.MustParseIPv4("10.0.0.1"), recorder.datagrams[0].NetSrc())
}

func TestStack_SendWithoutRouteFails(t *testing.T) {
	sched := scheduler.New()
	a := newHostInterface(t, "00:00:00:00:00:01", "10.0.0.1")

	stack := ipv4.NewStack(sched)
	stack.AddInterface(a)

	err := stack.Send(
		netaddr.MustParseIPv4("8.8.8.8"), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, []byte("x"),
		ipv4.DefaultMaxFragmentSize,
	)
	assert.Error(t, err)
}
