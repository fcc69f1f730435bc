package network

import (
	"github.com/AdguardTeam/golibs/container"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
)

// Direction distinguishes a [CapturedFrame] entering transit from one
// arriving at its destination.
type Direction int

const (
	// DirectionSend marks a frame queued for transmission, captured at
	// the moment it leaves its source.
	DirectionSend Direction = iota
	// DirectionReceive marks a frame captured as it arrives at its
	// destination, after the link's propagation and transmission delay.
	DirectionReceive
)

// CapturedFrame is one observation a [Tap] recorded.
type CapturedFrame struct {
	Frame       message.DatalinkMessage
	Source      *iface.HardwareInterface
	Destination *iface.HardwareInterface
	Delay       float64
	Direction   Direction
}

// Tap implements [pkg/link.LinkLayerSpy]: it keeps the last N frames
// observed on every link it is registered with, so a UI or test can
// replay recent traffic without having subscribed from the start.
type Tap struct {
	history *container.RingBuffer[CapturedFrame]
}

// NewTap returns a Tap retaining the most recent capacity captures.
func NewTap(capacity uint) *Tap {
	return &Tap{history: container.NewRingBuffer[CapturedFrame](capacity)}
}

// Attach registers the tap on every link given, returning a single handle
// that unsubscribes it from all of them.
func (t *Tap) Attach(links ...*link.Link) listener.Unsubscribe {
	unsubs := make([]listener.Unsubscribe, 0, len(links))
	for _, l := range links {
		unsubs = append(unsubs, l.AddListener(t))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnSendBits implements [pkg/link.LinkLayerSpy].
func (t *Tap) OnSendBits(frame message.DatalinkMessage, source, destination *iface.HardwareInterface, delay float64) {
	t.history.Push(CapturedFrame{Frame: frame, Source: source, Destination: destination, Delay: delay, Direction: DirectionSend})
}

// OnReceiveBits implements [pkg/link.LinkLayerSpy].
func (t *Tap) OnReceiveBits(frame message.DatalinkMessage, source, destination *iface.HardwareInterface) {
	t.history.Push(CapturedFrame{Frame: frame, Source: source, Destination: destination, Direction: DirectionReceive})
}

// History returns the tap's captures, oldest first.
func (t *Tap) History() []CapturedFrame {
	var out []CapturedFrame
	t.history.Range(func(c CapturedFrame) bool {
		out = append(out, c)
		return true
	})

	return out
}
