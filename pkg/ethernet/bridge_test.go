package ethernet_test

import (
	"testing"

	"github.com/kossolax/netsim/pkg/ethernet"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	frames []message.DatalinkMessage
}

func (r *frameRecorder) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	r.frames = append(r.frames, frame)
	return listener.Continue
}

func newSwitchedTopology(t *testing.T, sched *scheduler.Scheduler) (bridge *ethernet.Bridge, hostA, hostB, hostC *iface.HardwareInterface) {
	t.Helper()

	bridge = ethernet.NewBridge(sched)

	p1 := iface.NewHardwareInterface("sw-p1", netaddr.MustParseMac("00:00:00:00:00:f1"))
	p2 := iface.NewHardwareInterface("sw-p2", netaddr.MustParseMac("00:00:00:00:00:f2"))
	p3 := iface.NewHardwareInterface("sw-p3", netaddr.MustParseMac("00:00:00:00:00:f3"))
	bridge.AddPort(p1)
	bridge.AddPort(p2)
	bridge.AddPort(p3)

	hostA = iface.NewHardwareInterface("a", netaddr.MustParseMac("00:00:00:00:00:01"))
	hostB = iface.NewHardwareInterface("b", netaddr.MustParseMac("00:00:00:00:00:02"))
	hostC = iface.NewHardwareInterface("c", netaddr.MustParseMac("00:00:00:00:00:03"))

	link.New(sched, hostA, p1, 1)
	link.New(sched, hostB, p2, 1)
	link.New(sched, hostC, p3, 1)

	for _, h := range []*iface.HardwareInterface{hostA, hostB, hostC, p1, p2, p3} {
		h.SetAdminUp(true)
	}

	return bridge, hostA, hostB, hostC
}

func TestBridge_FloodsUnknownUnicast(t *testing.T) {
	sched := scheduler.New()
	_, a, b, c := newSwitchedTopology(t, sched)

	recvB, recvC := &frameRecorder{}, &frameRecorder{}
	b.OnDatalinkEvent(recvB)
	c.OnDatalinkEvent(recvC)

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(a.MAC()).WithDestination(netaddr.MustParseMac("00:00:00:00:00:99")).Build()
	require.NoError(t, err)

	require.NoError(t, a.Send(frame))
	sched.RunUntil(1)

	assert.Len(t, recvB.frames, 1)
	assert.Len(t, recvC.frames, 1)
}

func TestBridge_LearnsAndForwardsUnicastOnly(t *testing.T) {
	sched := scheduler.New()
	_, a, b, c := newSwitchedTopology(t, sched)

	// B speaks first so the bridge learns its MAC on the correct port.
	fromB, err := message.NewDatalinkMessageBuilder().WithSource(b.MAC()).WithDestination(a.MAC()).Build()
	require.NoError(t, err)
	require.NoError(t, b.Send(fromB))
	sched.RunUntil(1)

	recvB, recvC := &frameRecorder{}, &frameRecorder{}
	b.OnDatalinkEvent(recvB)
	c.OnDatalinkEvent(recvC)

	toB, err := message.NewDatalinkMessageBuilder().WithSource(a.MAC()).WithDestination(b.MAC()).Build()
	require.NoError(t, err)
	require.NoError(t, a.Send(toB))
	sched.RunUntil(2)

	assert.Len(t, recvB.frames, 1)
	assert.Empty(t, recvC.frames, "learned unicast must not flood")
}

type fakeSTP struct {
	states map[*iface.HardwareInterface]ethernet.PortState
}

func (f *fakeSTP) PortState(port *iface.HardwareInterface, _ uint16) ethernet.PortState {
	if s, ok := f.states[port]; ok {
		return s
	}

	return ethernet.StateForwarding
}

func TestBridge_ListeningPortLearnsButDoesNotForward(t *testing.T) {
	sched := scheduler.New()

	bridge := ethernet.NewBridge(sched)
	p1 := iface.NewHardwareInterface("sw-p1", netaddr.MustParseMac("00:00:00:00:00:f1"))
	p2 := iface.NewHardwareInterface("sw-p2", netaddr.MustParseMac("00:00:00:00:00:f2"))
	p3 := iface.NewHardwareInterface("sw-p3", netaddr.MustParseMac("00:00:00:00:00:f3"))
	bridge.AddPort(p1)
	bridge.AddPort(p2)
	bridge.AddPort(p3)

	a := iface.NewHardwareInterface("a", netaddr.MustParseMac("00:00:00:00:00:01"))
	b := iface.NewHardwareInterface("b", netaddr.MustParseMac("00:00:00:00:00:02"))
	c := iface.NewHardwareInterface("c", netaddr.MustParseMac("00:00:00:00:00:03"))
	link.New(sched, a, p1, 1)
	link.New(sched, b, p2, 1)
	link.New(sched, c, p3, 1)

	for _, h := range []*iface.HardwareInterface{a, b, c, p1, p2, p3} {
		h.SetAdminUp(true)
	}

	stp := &fakeSTP{states: map[*iface.HardwareInterface]ethernet.PortState{p1: ethernet.StateListening}}
	bridge.SetSTP(stp)

	fromA, err := message.NewDatalinkMessageBuilder().WithSource(a.MAC()).WithDestination(netaddr.Broadcast).Build()
	require.NoError(t, err)

	recvB, recvC := &frameRecorder{}, &frameRecorder{}
	b.OnDatalinkEvent(recvB)
	c.OnDatalinkEvent(recvC)

	require.NoError(t, a.Send(fromA))
	sched.RunUntil(1)

	assert.Empty(t, recvB.frames, "listening port must not flood a learned frame")
	assert.Empty(t, recvC.frames, "listening port must not flood a learned frame")

	stp.states[p1] = ethernet.StateForwarding

	toA, err := message.NewDatalinkMessageBuilder().WithSource(c.MAC()).WithDestination(a.MAC()).Build()
	require.NoError(t, err)

	recvA, recvB2 := &frameRecorder{}, &frameRecorder{}
	a.OnDatalinkEvent(recvA)
	b.OnDatalinkEvent(recvB2)

	require.NoError(t, c.Send(toA))
	sched.RunUntil(2)

	require.Len(t, recvA.frames, 1, "mac learned while listening should be in the forwarding table once forwarding resumes")
	assert.Empty(t, recvB2.frames, "a learned unicast must not flood")
}

func TestBridge_TrunkPortTagsFloodedFrame(t *testing.T) {
	sched := scheduler.New()
	bridge := ethernet.NewBridge(sched)

	accessPort := iface.NewHardwareInterface("sw-access", netaddr.MustParseMac("00:00:00:00:00:f1"))
	trunkPort := iface.NewHardwareInterface("sw-trunk", netaddr.MustParseMac("00:00:00:00:00:f2"))
	accessPort.SetAccessVLAN(10)
	trunkPort.SetTrunk(1, 10, 20)
	bridge.AddPort(accessPort)
	bridge.AddPort(trunkPort)

	host := iface.NewHardwareInterface("host", netaddr.MustParseMac("00:00:00:00:00:01"))
	peer := iface.NewHardwareInterface("peer", netaddr.MustParseMac("00:00:00:00:00:02"))
	link.New(sched, host, accessPort, 1)
	link.New(sched, peer, trunkPort, 1)
	peer.SetTrunk(1, 10, 20)

	for _, h := range []*iface.HardwareInterface{host, peer, accessPort, trunkPort} {
		h.SetAdminUp(true)
	}

	recv := &frameRecorder{}
	peer.OnDatalinkEvent(recv)

	frame, err := message.NewDatalinkMessageBuilder().WithSource(host.MAC()).WithDestination(netaddr.Broadcast).Build()
	require.NoError(t, err)
	require.NoError(t, host.Send(frame))
	sched.RunUntil(1)

	require.Len(t, recv.frames, 1)
	id, tagged := recv.frames[0].VLAN()
	assert.True(t, tagged)
	assert.Equal(t, uint16(10), id)
}
