package link_test

import (
	"testing"

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

func newConnectedPair(t *testing.T, sched *scheduler.Scheduler, lengthM float64) (*iface.HardwareInterface, *iface.HardwareInterface) {
	t.Helper()

	a := iface.NewHardwareInterface("a", netaddr.MustParseMac("00:00:00:00:00:01"))
	b := iface.NewHardwareInterface("b", netaddr.MustParseMac("00:00:00:00:00:02"))

	link.New(sched, a, b, lengthM)

	a.SetAdminUp(true)
	b.SetAdminUp(true)

	return a, b
}

func TestLink_DeliversAfterDelay(t *testing.T) {
	sched := scheduler.New()
	a, b := newConnectedPair(t, sched, 1000)

	recv := &frameRecorder{}
	b.OnDatalinkEvent(recv)

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(a.MAC()).WithDestination(b.MAC()).WithPayload(make([]byte, 100)).Build()
	require.NoError(t, err)

	require.NoError(t, a.Send(frame))
	assert.Empty(t, recv.frames, "delivery must not be instantaneous")

	sched.RunAll(100)
	assert.Len(t, recv.frames, 1)
}

func TestLink_PausedModeRejectsSend(t *testing.T) {
	sched := scheduler.New()
	a, b := newConnectedPair(t, sched, 10)
	_ = b

	sched.SetSpeed(scheduler.Paused)

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(a.MAC()).WithDestination(b.MAC()).Build()
	require.NoError(t, err)

	assert.Error(t, a.Send(frame))
}

func TestLink_LongerSegmentDelaysDeliveryMore(t *testing.T) {
	shortSched := scheduler.New()
	a1, b1 := newConnectedPair(t, shortSched, 10)

	longSched := scheduler.New()
	a2, b2 := newConnectedPair(t, longSched, 1_000_000)

	recv1, recv2 := &frameRecorder{}, &frameRecorder{}
	b1.OnDatalinkEvent(recv1)
	b2.OnDatalinkEvent(recv2)

	frame1, err := message.NewDatalinkMessageBuilder().WithSource(a1.MAC()).WithDestination(b1.MAC()).Build()
	require.NoError(t, err)
	frame2, err := message.NewDatalinkMessageBuilder().WithSource(a2.MAC()).WithDestination(b2.MAC()).Build()
	require.NoError(t, err)

	require.NoError(t, a1.Send(frame1))
	require.NoError(t, a2.Send(frame2))

	shortSched.RunAll(100)
	longSched.RunAll(100)

	require.Len(t, recv1.frames, 1)
	require.Len(t, recv2.frames, 1)
	assert.Less(t, shortSched.DeltaTime(), longSched.DeltaTime())
}
