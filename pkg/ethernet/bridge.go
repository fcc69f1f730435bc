// Package ethernet implements Ethernet switching and bridging:
// a [Bridge] aggregates several [pkg/iface.HardwareInterface] ports, learns
// source MACs per VLAN, floods unknown or broadcast/multicast destinations,
// retags frames crossing access/trunk port boundaries, and defers to an
// external port-state provider (normally [pkg/stp.Protocol]) for STP
// forwarding/blocking decisions.
package ethernet

import (
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// PortState is a bridge port's spanning-tree state.
type PortState int

const (
	// StateDisabled means the port takes no part in bridging.
	StateDisabled PortState = iota
	// StateBlocking receives BPDUs only; no data frame is forwarded.
	StateBlocking
	// StateListening is a classic-STP transitional state: the port takes
	// part in the election and learns source MACs, but forwards no data
	// frame.
	StateListening
	// StateLearning populates the forwarding table but still drops data
	// frames.
	StateLearning
	// StateForwarding forwards and learns normally.
	StateForwarding
)

// String implements the fmt.Stringer interface for PortState.
func (s PortState) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateBlocking:
		return "blocking"
	case StateListening:
		return "listening"
	case StateLearning:
		return "learning"
	case StateForwarding:
		return "forwarding"
	default:
		return "unknown"
	}
}

// PortStateProvider reports the current spanning-tree state of a bridge
// port for a given VLAN. [pkg/stp.Protocol] implements this, one election
// per VLAN for PVST/R-PVST; a [Bridge] with no provider attached treats
// every port as [StateForwarding] regardless of VLAN.
type PortStateProvider interface {
	PortState(port *iface.HardwareInterface, vlan uint16) PortState
}

// macAgeSeconds is the forwarding-table aging interval
const macAgeSeconds = 300

type forwardingEntry struct {
	port      *iface.HardwareInterface
	vlan      uint16
	learnedAt float64
}

// Bridge is a learning Ethernet switch across a set of ports.
type Bridge struct {
	sched *scheduler.Scheduler
	stp   PortStateProvider

	ports []*iface.HardwareInterface
	table map[netaddr.MacAddress]forwardingEntry

	fastAgeSeconds float64
	fastAgeUntil   float64

	unsubs    []listener.Unsubscribe
	ageCancel scheduler.CancelFunc
}

// NewBridge returns an empty Bridge driven by sched.
func NewBridge(sched *scheduler.Scheduler) *Bridge {
	b := &Bridge{
		sched: sched,
		table: map[netaddr.MacAddress]forwardingEntry{},
	}
	b.ageCancel = sched.Repeat(60, b.ageEntries)

	return b
}

// SetSTP attaches the spanning-tree protocol instance that governs this
// bridge's port states.
func (b *Bridge) SetSTP(p PortStateProvider) { b.stp = p }

// ShortenAging makes the forwarding table age out entries after seconds
// instead of the default interval, until virtual time until. A spanning
// tree topology-change notification calls this so the bridge relearns
// quickly across the reconverged tree instead of forwarding to now-stale
// ports for a full aging period.
func (b *Bridge) ShortenAging(seconds, until float64) {
	b.fastAgeSeconds = seconds
	b.fastAgeUntil = until
}

// AddPort adds port to the bridge and starts listening on it.
func (b *Bridge) AddPort(port *iface.HardwareInterface) {
	b.ports = append(b.ports, port)
	b.unsubs = append(b.unsubs, port.OnDatalinkEvent(&bridgePort{bridge: b, port: port}))
}

// Close stops the bridge: it unsubscribes from every port and cancels the
// aging job.
func (b *Bridge) Close() {
	for _, u := range b.unsubs {
		u()
	}
	b.ageCancel()
}

// bridgePort adapts Bridge to [iface.DatalinkListener], remembering which
// port a frame arrived on.
type bridgePort struct {
	bridge *Bridge
	port   *iface.HardwareInterface
}

func (bp *bridgePort) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	return bp.bridge.handleFrame(bp.port, frame)
}

func (b *Bridge) portState(port *iface.HardwareInterface, vlan uint16) PortState {
	if b.stp == nil {
		return StateForwarding
	}

	return b.stp.PortState(port, vlan)
}

func (b *Bridge) handleFrame(ingress *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	isBPDU := frame.MacDst() == netaddr.STPMulticast
	if isBPDU {
		// BPDUs bypass port-state filtering and are not
		// themselves bridged; an STP listener registered on the same port
		// handles them.
		return listener.Continue
	}

	vlan, tagged := frame.VLAN()
	if !tagged {
		vlan = ingress.AccessVLAN()
	}

	state := b.portState(ingress, vlan)
	if state == StateDisabled || state == StateBlocking {
		return listener.Handled
	}

	b.table[frame.MacSrc()] = forwardingEntry{port: ingress, vlan: vlan, learnedAt: b.sched.DeltaTime()}

	if state != StateForwarding {
		return listener.Handled
	}

	if frame.MacDst().IsBroadcast() || frame.MacDst().IsMulticast() {
		b.flood(ingress, vlan, frame)
		return listener.Handled
	}

	if entry, ok := b.table[frame.MacDst()]; ok && entry.vlan == vlan {
		b.forwardTo(entry.port, vlan, frame)
		return listener.Handled
	}

	b.flood(ingress, vlan, frame)

	return listener.Handled
}

func (b *Bridge) flood(ingress *iface.HardwareInterface, vlan uint16, frame message.DatalinkMessage) {
	for _, port := range b.ports {
		if port == ingress {
			continue
		}
		if !port.AllowsVLAN(vlan) || b.portState(port, vlan) != StateForwarding {
			continue
		}

		b.forwardTo(port, vlan, frame)
	}
}

func (b *Bridge) forwardTo(port *iface.HardwareInterface, vlan uint16, frame message.DatalinkMessage) {
	if !port.IsLinkUp() {
		return
	}

	egress, err := retag(frame, vlan, port)
	if err != nil {
		return
	}

	_ = port.Send(egress)
}

// retag rebuilds frame for transmission on port, applying 802.1Q
// ingress/egress rules: a trunk egress port tags the frame
// with vlan, an access egress port always sends untagged.
func retag(frame message.DatalinkMessage, vlan uint16, port *iface.HardwareInterface) (message.DatalinkMessage, error) {
	builder := message.NewDatalinkMessageBuilder().
		WithSource(frame.MacSrc()).
		WithDestination(frame.MacDst()).
		WithEtherType(frame.EtherType()).
		WithPayload(frame.Payload())

	if port.VLANMode() == iface.TrunkMode {
		builder.WithVLAN(vlan)
	}

	return builder.Build()
}

func (b *Bridge) ageEntries() {
	now := b.sched.DeltaTime()

	age := float64(macAgeSeconds)
	if now < b.fastAgeUntil {
		age = b.fastAgeSeconds
	}

	for mac, entry := range b.table {
		if now-entry.learnedAt >= age {
			delete(b.table, mac)
		}
	}
}
