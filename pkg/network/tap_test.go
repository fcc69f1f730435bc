package network_test

import (
	"testing"

	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/network"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTap_RecordsSendThenReceiveForOneFrame(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	a := net.AddHost("a")
	b := net.AddHost("b")
	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:02"))
	ethA.SetAdminUp(true)
	ethB.SetAdminUp(true)

	l := net.Connect(ethA.HardwareInterface, ethB.HardwareInterface, 1)

	tap := network.NewTap(16)
	unsub := tap.Attach(l)
	defer unsub()

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(ethA.MAC()).WithDestination(ethB.MAC()).WithEtherType(0x0800).WithPayload([]byte("x")).Build()
	require.NoError(t, err)
	require.NoError(t, ethA.HardwareInterface.Send(frame))

	sched.RunUntil(1)

	history := tap.History()
	require.Len(t, history, 2)
	assert.Equal(t, network.DirectionSend, history[0].Direction)
	assert.Equal(t, network.DirectionReceive, history[1].Direction)
	assert.Equal(t, ethA.HardwareInterface, history[0].Source)
	assert.Equal(t, ethB.HardwareInterface, history[0].Destination)
}

func TestTap_UnsubscribeStopsFurtherCaptures(t *testing.T) {
	sched := scheduler.New()
	net := network.New(sched)

	a := net.AddHost("a")
	b := net.AddHost("b")
	ethA := a.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:01"))
	ethB := b.AddInterface("eth0", netaddr.MustParseMac("00:00:00:00:00:02"))
	ethA.SetAdminUp(true)
	ethB.SetAdminUp(true)
	l := net.Connect(ethA.HardwareInterface, ethB.HardwareInterface, 1)

	tap := network.NewTap(16)
	unsub := tap.Attach(l)
	unsub()

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(ethA.MAC()).WithDestination(ethB.MAC()).WithEtherType(0x0800).WithPayload([]byte("x")).Build()
	require.NoError(t, err)
	require.NoError(t, ethA.HardwareInterface.Send(frame))

	sched.RunUntil(1)

	assert.Empty(t, tap.History())
}
