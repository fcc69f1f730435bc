// Package icmp implements ICMPv4 echo request/reply: a [Pinger] both
// originates echo requests (correlating replies by identifier and sequence
// number, with a per-request timeout) and auto-answers echo requests
// addressed to the node it is attached to.
package icmp

import (
	"fmt"
	"math/rand/v2"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/ipv4"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/kossolax/netsim/pkg/simerr"
)

// defaultTimeout is how long [Pinger.Echo] waits for a reply before calling
// back with ok=false.
const defaultTimeout = 4.0

// EchoCallback receives the result of one [Pinger.Echo] request: the
// round-trip time in seconds and whether a reply arrived before timeout.
type EchoCallback func(rtt float64, ok bool)

type pendingEcho struct {
	sentAt   float64
	callback EchoCallback
	cancel   scheduler.CancelFunc
}

// Pinger answers and originates ICMPv4 echo requests on behalf of one
// [pkg/ipv4.Stack].
type Pinger struct {
	sched *scheduler.Scheduler
	stack *ipv4.Stack

	id      uint16
	nextSeq uint16
	pending map[uint16]pendingEcho
}

// NewPinger returns a Pinger registered on stack as the ICMPv4 protocol
// handler. Each Pinger picks a random 16-bit identifier the way a real
// host's ping process does, so that replies to concurrent pingers sharing a
// stack don't cross-correlate.
func NewPinger(sched *scheduler.Scheduler, stack *ipv4.Stack) *Pinger {
	p := &Pinger{
		sched:   sched,
		stack:   stack,
		id:      uint16(rand.IntN(1 << 16)),
		pending: map[uint16]pendingEcho{},
	}

	stack.RegisterProtocol(layers.IPProtocolICMPv4, p)

	return p
}

// Echo sends an ICMPv4 echo request to dst carrying payload as data, and
// calls back with the measured round-trip time once a matching reply
// arrives, or with ok=false after timeout seconds (0 uses [defaultTimeout]).
func (p *Pinger) Echo(dst netaddr.IPv4Address, timeout float64, payload []byte, callback EchoCallback) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	seq := p.nextSeq
	p.nextSeq++

	data, err := serializeICMP(layers.ICMPv4TypeEchoRequest, 0, p.id, seq, payload)
	if err != nil {
		return err
	}

	sentAt := p.sched.DeltaTime()
	cancel := p.sched.Once(timeout, func() { p.timeoutEcho(seq) })
	p.pending[seq] = pendingEcho{sentAt: sentAt, callback: callback, cancel: cancel}

	return p.stack.Send(dst, layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, data, ipv4.DefaultMaxFragmentSize)
}

func (p *Pinger) timeoutEcho(seq uint16) {
	pending, ok := p.pending[seq]
	if !ok {
		return
	}

	delete(p.pending, seq)
	pending.callback(0, false)
}

// OnDatagramReceived implements [pkg/ipv4.UpperListener]: it answers echo
// requests and correlates echo replies with a pending [Pinger.Echo] call.
func (p *Pinger) OnDatagramReceived(ingress *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	icmpLayer, err := parseICMP(datagram.Data())
	if err != nil {
		return listener.Handled
	}

	switch icmpLayer.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		p.reply(ingress, datagram, icmpLayer)
	case layers.ICMPv4TypeEchoReply:
		p.resolveEcho(icmpLayer)
	}

	return listener.Handled
}

func (p *Pinger) reply(ingress *iface.NetworkInterface, datagram message.IPv4Message, req *layers.ICMPv4) {
	if _, ok := ingress.Address(); !ok {
		return
	}

	data, err := serializeICMP(layers.ICMPv4TypeEchoReply, 0, req.Id, req.Seq, req.LayerPayload())
	if err != nil {
		return
	}

	_ = p.stack.Send(datagram.NetSrc(), layers.IPProtocolICMPv4, 64, message.IPv4Flags{}, data, ipv4.DefaultMaxFragmentSize)
}

func (p *Pinger) resolveEcho(reply *layers.ICMPv4) {
	if reply.Id != p.id {
		return
	}

	pending, ok := p.pending[reply.Seq]
	if !ok {
		return
	}

	delete(p.pending, reply.Seq)
	pending.cancel()
	pending.callback(p.sched.DeltaTime()-pending.sentAt, true)
}

func serializeICMP(icmpType, code uint8, id, seq uint16, payload []byte) ([]byte, error) {
	l := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(icmpType, code),
		Id:       id,
		Seq:      seq,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("serializing icmp message: %w", err)
	}

	return buf.Bytes(), nil
}

func parseICMP(payload []byte) (*layers.ICMPv4, error) {
	packet := gopacket.NewPacket(payload, layers.LayerTypeICMPv4, gopacket.NoCopy)

	icmpLayer, ok := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an icmp message", simerr.ErrInvalidConfiguration)
	}

	return icmpLayer, nil
}
