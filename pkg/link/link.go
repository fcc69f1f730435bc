// Package link implements a point-to-point segment: two
// [pkg/iface.HardwareInterface] endpoints joined by a physical medium with
// propagation delay (length and the speed of light) and transmission delay
// (frame size, interface speed, and the scheduler's speed mode).
package link

import (
	"math"

	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/kossolax/netsim/pkg/simerr"
	"golang.org/x/time/rate"
)

// speedOfLight is c in meters per second.
const speedOfLight = 299_792_458.0

// velocityFactor models the ~2/3 c propagation speed of a copper or fiber
// medium
const velocityFactor = 2.0 / 3.0

// LinkLayerSpy observes frames crossing a [Link] without participating in
// delivery: OnSendBits fires when a frame is queued for transmission in
// one direction, naming the total delay before it arrives; OnReceiveBits
// fires when it actually does. A packet tracer or capture tool registers
// one via [Link.AddListener].
type LinkLayerSpy interface {
	OnSendBits(frame message.DatalinkMessage, source, destination *iface.HardwareInterface, delay float64)
	OnReceiveBits(frame message.DatalinkMessage, source, destination *iface.HardwareInterface)
}

// Link is a full-duplex point-to-point segment between two hardware
// interfaces.
type Link struct {
	scheduler *scheduler.Scheduler
	lengthM   float64

	a, b *iface.HardwareInterface

	limiterAtoB *rate.Limiter
	limiterBtoA *rate.Limiter

	spies listener.Registry[LinkLayerSpy]
}

// New connects a and b with a segment lengthM meters long, driven by sched.
func New(sched *scheduler.Scheduler, a, b *iface.HardwareInterface, lengthM float64) *Link {
	l := &Link{
		scheduler:   sched,
		lengthM:     lengthM,
		a:           a,
		b:           b,
		limiterAtoB: rate.NewLimiter(rate.Inf, 1),
		limiterBtoA: rate.NewLimiter(rate.Inf, 1),
	}

	a.Connect(&endpoint{link: l, from: a, to: b, limiter: l.limiterAtoB})
	b.Connect(&endpoint{link: l, from: b, to: a, limiter: l.limiterBtoA})

	return l
}

// AddListener registers spy to observe every frame crossing the link in
// either direction and returns a handle to unsubscribe it.
func (l *Link) AddListener(spy LinkLayerSpy) listener.Unsubscribe {
	return l.spies.Add(spy)
}

// Disconnect detaches both endpoints, bringing their links down.
func (l *Link) Disconnect() {
	l.a.Disconnect()
	l.b.Disconnect()
}

// Length returns the segment's length in meters.
func (l *Link) Length() float64 { return l.lengthM }

// propagationDelay returns the one-way propagation delay in seconds.
func (l *Link) propagationDelay() float64 {
	return l.lengthM / (speedOfLight * velocityFactor)
}

// transmissionDelay returns the one-way transmission (serialization) delay
// for a frame of the given length sent at the given interface speed (Mbps),
// In [scheduler.Slower] mode the delay follows a damped
// logarithmic curve instead of the linear bytes/bitrate formula, so that
// slow motion stays perceptible rather than scaling to a near-zero delay
// for tiny frames.
func (l *Link) transmissionDelay(frameBytes, speedMbps int) float64 {
	if l.scheduler.Speed() == scheduler.Slower {
		return math.Log2(float64(frameBytes)) / math.Log10(float64(speedMbps)) / 10
	}

	bitsPerSecond := float64(speedMbps) * 1_000_000 * l.scheduler.TransmissionFactor()

	return float64(frameBytes) * 8 / bitsPerSecond
}

// endpoint adapts one direction of a [Link] to the [pkg/iface.Transmitter]
// interface a [pkg/iface.HardwareInterface] sends through.
type endpoint struct {
	link    *Link
	from    *iface.HardwareInterface
	to      *iface.HardwareInterface
	limiter *rate.Limiter
}

// Transmit schedules frame for delivery to e.to after this link's
// propagation and transmission delays.
func (e *endpoint) Transmit(frame message.DatalinkMessage) error {
	if e.link.scheduler.Speed() == scheduler.Paused {
		return simerr.ErrLinkPaused
	}

	now := e.link.scheduler.Now()
	bytes := frame.Length()

	txDelay := e.link.transmissionDelay(bytes, e.from.Speed())

	// The limiter serializes frames queued back-to-back on this direction:
	// a second frame arriving before the first finishes transmitting is
	// delayed until the medium is free, modeling the per-direction FIFO
	// queue of a serial link.
	bitsPerSecond := float64(e.from.Speed()) * 1_000_000 * e.link.scheduler.TransmissionFactor()
	e.limiter.SetLimitAt(now, rate.Limit(bitsPerSecond/8))
	e.limiter.SetBurstAt(now, max(bytes, 1))

	queueDelay := e.limiter.ReserveN(now, bytes).DelayFrom(now).Seconds()

	totalDelay := queueDelay + txDelay + e.link.propagationDelay()

	for _, spy := range e.link.spies.Snapshot() {
		spy.OnSendBits(frame, e.from, e.to, totalDelay)
	}

	from, to := e.from, e.to
	e.link.scheduler.Once(totalDelay, func() {
		for _, spy := range e.link.spies.Snapshot() {
			spy.OnReceiveBits(frame, from, to)
		}

		to.Receive(frame)
	})

	return nil
}
