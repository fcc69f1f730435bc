package stp

import (
	"log/slog"
	"sort"

	"github.com/AdguardTeam/golibs/container"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/kossolax/netsim/pkg/ethernet"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// Mode selects the spanning-tree variant a [Protocol] runs by default. A
// port that hears a version-0 BPDU always falls back to classic behaviour
// on that port, regardless of Mode.
type Mode int

const (
	// ModeSTP runs classic 802.1D Spanning Tree on every port.
	ModeSTP Mode = iota
	// ModeRSTP runs 802.1W Rapid Spanning Tree, with proposal/agreement
	// fast transitions and edge-port auto-detection.
	ModeRSTP
)

// edgeDetectSeconds is how long a port waits for a BPDU after coming up
// before it assumes it has no switch on the other end and transitions
// straight to forwarding.
const edgeDetectSeconds = 3.0

// historySize bounds the BPDU history kept for inspection per bridge.
const historySize = 64

// portState is one VLAN instance's view of one port.
type portState struct {
	role  Role
	state ethernet.PortState

	designated BPDU
	hasBPDU    bool

	rstp bool
	edge bool

	lastBPDU float64

	transitionCancel scheduler.CancelFunc
	edgeCancel       scheduler.CancelFunc
}

// instance is one independent spanning-tree election, one per VLAN
// (PVST/R-PVST); a bridge with a single VLAN runs exactly one.
type instance struct {
	vlan uint16

	bridgeID BridgeID
	rootID   BridgeID
	rootCost uint32
	rootPort *iface.HardwareInterface

	// rootMessageAge is the root's original advertisement timestamp,
	// carried through unchanged on relay rather than incremented per hop;
	// see DESIGN.md for why.
	rootMessageAge float64

	tcUntil float64 // while DeltaTime() < tcUntil, hellos on this instance carry FlagTopologyChange

	ports map[*iface.HardwareInterface]*portState
}

// Protocol runs spanning tree over a [pkg/ethernet.Bridge]'s ports: root
// election, port roles, and the state machine that brings a port from
// Blocking to Forwarding, with one independent [instance] per VLAN
// discovered across the ports. It implements
// [pkg/ethernet.PortStateProvider].
type Protocol struct {
	sched  *scheduler.Scheduler
	bridge *ethernet.Bridge
	mode   Mode

	priority uint16
	ports    []*iface.HardwareInterface
	cost     map[*iface.HardwareInterface]uint32
	portID   map[*iface.HardwareInterface]uint16

	instances map[uint16]*instance

	history *container.RingBuffer[BPDU]

	unsubs      []listener.Unsubscribe
	helloCancel scheduler.CancelFunc

	logger *slog.Logger
}

// NewProtocol builds a spanning-tree engine for bridge, running mode on
// every port at the given bridge priority, and starts it: one instance is
// created per VLAN discovered across ports (via
// [iface.HardwareInterface.AccessVLAN] and
// [iface.HardwareInterface.TrunkVLANs]), hello BPDUs begin on
// [DefaultHelloTime], and bridge defers its forwarding decisions to the
// returned Protocol.
func NewProtocol(sched *scheduler.Scheduler, bridge *ethernet.Bridge, mode Mode, priority uint16, ports []*iface.HardwareInterface) *Protocol {
	p := &Protocol{
		sched:     sched,
		bridge:    bridge,
		mode:      mode,
		priority:  priority,
		ports:     ports,
		cost:      make(map[*iface.HardwareInterface]uint32, len(ports)),
		portID:    make(map[*iface.HardwareInterface]uint16, len(ports)),
		instances: map[uint16]*instance{},
		history:   container.NewRingBuffer[BPDU](historySize),
		logger:    slogutil.NewDiscardLogger(),
	}

	for i, port := range ports {
		p.cost[port] = DefaultPortCost
		p.portID[port] = 0x8000 | uint16(i+1)
	}

	bridgeID := BridgeID{Priority: priority, MAC: minMAC(ports)}

	for _, vlan := range vlansOf(ports) {
		inst := &instance{
			vlan:     vlan,
			bridgeID: bridgeID,
			rootID:   bridgeID,
			ports:    map[*iface.HardwareInterface]*portState{},
		}
		for _, port := range ports {
			if !port.AllowsVLAN(vlan) {
				continue
			}
			inst.ports[port] = &portState{state: ethernet.StateDisabled, rstp: mode == ModeRSTP}
		}
		p.instances[vlan] = inst
	}

	for _, port := range ports {
		p.unsubs = append(p.unsubs, port.OnDatalinkEvent(p), port.OnPhysicalEvent(p))
	}

	bridge.SetSTP(p)

	for _, port := range ports {
		if port.IsLinkUp() {
			p.OnLinkChange(port, true)
		}
	}

	p.helloCancel = sched.Repeat(DefaultHelloTime, p.sendHellos)

	return p
}

// SetLogger replaces the protocol's logger.
func (p *Protocol) SetLogger(logger *slog.Logger) { p.logger = logger }

// SetPortCost overrides the default path cost ([DefaultPortCost]) charged
// for traffic arriving on port.
func (p *Protocol) SetPortCost(port *iface.HardwareInterface, cost uint32) {
	p.cost[port] = cost
}

// History returns the most recently received BPDUs, oldest first.
func (p *Protocol) History() []BPDU {
	var out []BPDU
	p.history.Range(func(b BPDU) bool {
		out = append(out, b)
		return true
	})

	return out
}

// Close stops the protocol: it unsubscribes from every port and cancels
// the hello timer and any pending per-port transition timers.
func (p *Protocol) Close() {
	for _, u := range p.unsubs {
		u()
	}
	if p.helloCancel != nil {
		p.helloCancel()
	}
	for _, inst := range p.instances {
		for _, ps := range inst.ports {
			if ps.transitionCancel != nil {
				ps.transitionCancel()
			}
			if ps.edgeCancel != nil {
				ps.edgeCancel()
			}
		}
	}
}

// PortState implements [pkg/ethernet.PortStateProvider]: it reports port's
// spanning-tree state within the election running on vlan. A port with no
// instance on vlan (it does not carry that VLAN) is reported forwarding,
// since the bridge would not have dispatched the frame to it otherwise.
func (p *Protocol) PortState(port *iface.HardwareInterface, vlan uint16) ethernet.PortState {
	inst, ok := p.instances[vlan]
	if !ok {
		return ethernet.StateForwarding
	}

	ps, ok := inst.ports[port]
	if !ok {
		return ethernet.StateForwarding
	}

	return ps.state
}

// Role reports port's spanning-tree role within the election running on
// vlan.
func (p *Protocol) Role(port *iface.HardwareInterface, vlan uint16) Role {
	inst, ok := p.instances[vlan]
	if !ok {
		return RoleUnknown
	}

	ps, ok := inst.ports[port]
	if !ok {
		return RoleUnknown
	}

	return ps.role
}

// RootID reports the elected root bridge id for the election running on
// vlan.
func (p *Protocol) RootID(vlan uint16) (BridgeID, bool) {
	inst, ok := p.instances[vlan]
	if !ok {
		return BridgeID{}, false
	}

	return inst.rootID, true
}

// NegotiatedRapid reports whether port is currently exchanging rapid-mode
// BPDUs with its neighbor on vlan. It is false once a version-0 BPDU has
// been seen on that port, even if this bridge itself runs [ModeRSTP].
func (p *Protocol) NegotiatedRapid(port *iface.HardwareInterface, vlan uint16) bool {
	inst, ok := p.instances[vlan]
	if !ok {
		return false
	}

	ps, ok := inst.ports[port]
	if !ok {
		return false
	}

	return ps.rstp
}

// IsRoot reports whether this bridge is the elected root for vlan.
func (p *Protocol) IsRoot(vlan uint16) bool {
	inst, ok := p.instances[vlan]
	return ok && inst.rootID.Equal(inst.bridgeID)
}

// OnLinkChange implements [iface.PhysicalListener]: a port coming up
// starts blocking and begins edge detection; a port going down clears its
// learned state and, if it was forwarding, announces a topology change.
func (p *Protocol) OnLinkChange(hw *iface.HardwareInterface, up bool) {
	for _, inst := range p.instances {
		ps, ok := inst.ports[hw]
		if !ok {
			continue
		}

		p.cancelTimers(ps)

		if !up {
			wasForwarding := ps.state == ethernet.StateForwarding
			*ps = portState{state: ethernet.StateDisabled, rstp: p.mode == ModeRSTP}
			p.recomputeInstance(inst)
			if wasForwarding {
				p.triggerTopologyChange(inst)
			}
			continue
		}

		*ps = portState{state: ethernet.StateBlocking, rstp: p.mode == ModeRSTP}
		ps.edgeCancel = p.sched.Once(edgeDetectSeconds, func() { p.onEdgeTimeout(hw, ps) })
		p.recomputeInstance(inst)
	}
}

func (p *Protocol) onEdgeTimeout(port *iface.HardwareInterface, ps *portState) {
	if ps.hasBPDU || !port.IsLinkUp() {
		return
	}

	ps.edge = true
	p.forcePortState(ps, ethernet.StateForwarding)
}

// OnFrameReceived implements [iface.DatalinkListener]: it decodes and
// processes BPDU frames addressed to the Spanning Tree multicast address,
// and ignores everything else.
func (p *Protocol) OnFrameReceived(port *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if frame.MacDst() != netaddr.STPMulticast || frame.EtherType() != EtherTypeBPDU {
		return listener.Continue
	}

	bpdu, err := DecodeBPDU(frame.Payload())
	if err != nil {
		p.logger.Debug("decoding bpdu", slogutil.KeyError, err)
		return listener.Handled
	}

	vlan, tagged := frame.VLAN()
	if !tagged {
		vlan = port.AccessVLAN()
	}

	inst, ok := p.instances[vlan]
	if !ok {
		return listener.Handled
	}

	ps, ok := inst.ports[port]
	if !ok {
		return listener.Handled
	}

	p.history.Push(bpdu)
	p.handleBPDU(inst, port, ps, bpdu)

	return listener.Handled
}

func (p *Protocol) handleBPDU(inst *instance, port *iface.HardwareInterface, ps *portState, bpdu BPDU) {
	now := p.sched.DeltaTime()
	ps.lastBPDU = now
	ps.edge = false

	if ps.edgeCancel != nil {
		ps.edgeCancel()
		ps.edgeCancel = nil
	}

	// A version-0 peer means this link never speaks rapid-mode BPDUs;
	// fall back to classic behaviour on this port only.
	ps.rstp = p.mode == ModeRSTP && bpdu.Version >= VersionRSTP

	if bpdu.Flags&FlagTopologyChange != 0 {
		p.triggerTopologyChange(inst)
	}

	if bpdu.Type == TypeTCN {
		p.triggerTopologyChange(inst)
		return
	}

	// REDESIGN: discard if the root's original advertisement is older
	// than MaxAge, rather than the source's own overflow-prone
	// age+maxAge>now+maxAge arithmetic.
	if now-bpdu.MessageAge >= DefaultMaxAge {
		return
	}

	ps.designated = bpdu
	ps.hasBPDU = true
	p.recomputeInstance(inst)

	if p.mode != ModeRSTP || !ps.rstp {
		return
	}

	if bpdu.Flags&FlagProposal != 0 && ps.role == RoleRoot {
		p.sendAgreement(inst, port, ps)
		p.forcePortState(ps, ethernet.StateForwarding)
	}
	if bpdu.Flags&FlagAgreement != 0 && ps.role == RoleDesignated {
		p.forcePortState(ps, ethernet.StateForwarding)
	}
}

// recomputeInstance re-runs the election for inst: it picks the best
// BPDU heard across all of inst's up ports (or, if none beats our own,
// elects this bridge root), assigns a root port, and assigns every other
// port a role, driving each through [Protocol.setRole].
func (p *Protocol) recomputeInstance(inst *instance) {
	own := BPDU{RootID: inst.bridgeID, RootPathCost: 0, BridgeID: inst.bridgeID}

	best := own
	var bestPort *iface.HardwareInterface
	var bestMessageAge float64

	for port, ps := range inst.ports {
		if !ps.hasBPDU || !port.IsLinkUp() {
			continue
		}

		candidate := ps.designated
		candidate.RootPathCost += p.cost[port]

		if better(candidate, best) {
			best = candidate
			bestPort = port
			bestMessageAge = ps.designated.MessageAge
		}
	}

	inst.rootID = best.RootID
	inst.rootCost = best.RootPathCost
	inst.rootPort = bestPort

	if bestPort != nil {
		inst.rootMessageAge = bestMessageAge
	} else {
		inst.rootMessageAge = p.sched.DeltaTime()
	}

	isRoot := inst.rootID.Equal(inst.bridgeID)

	for port, ps := range inst.ports {
		var role Role

		switch {
		case port == bestPort:
			role = RoleRoot
		case isRoot:
			role = RoleDesignated
		default:
			ourAdvert := BPDU{RootID: inst.rootID, RootPathCost: inst.rootCost, BridgeID: inst.bridgeID, PortID: p.portID[port]}
			if ps.hasBPDU && better(ps.designated, ourAdvert) {
				role = RoleAlternate
			} else {
				role = RoleDesignated
			}
		}

		p.setRole(inst, port, ps, role)
	}
}

// setRole applies a computed role to a port, driving its state toward
// Forwarding (Root/Designated) or forcing it to Blocking (anything else).
// A role change away from Root/Designated while the port was forwarding
// announces a topology change, the way a link failure or reconvergence
// does.
func (p *Protocol) setRole(inst *instance, port *iface.HardwareInterface, ps *portState, role Role) {
	prevRole := ps.role
	ps.role = role

	switch role {
	case RoleRoot, RoleDesignated:
		if ps.state == ethernet.StateForwarding || ps.state == ethernet.StateLearning || ps.state == ethernet.StateListening {
			return
		}
		if ps.edge {
			p.forcePortState(ps, ethernet.StateForwarding)
			return
		}
		p.beginForwardingTransition(inst, port, ps)
	default:
		wasForwarding := (prevRole == RoleRoot || prevRole == RoleDesignated) && ps.state == ethernet.StateForwarding
		p.forcePortState(ps, ethernet.StateBlocking)
		if wasForwarding {
			p.triggerTopologyChange(inst)
		}
	}
}

func (p *Protocol) beginForwardingTransition(inst *instance, port *iface.HardwareInterface, ps *portState) {
	p.cancelTransition(ps)

	ps.state = ethernet.StateListening
	ps.transitionCancel = p.sched.Once(DefaultForwardDelay, func() {
		ps.state = ethernet.StateLearning
		ps.transitionCancel = p.sched.Once(DefaultForwardDelay, func() {
			ps.state = ethernet.StateForwarding
			ps.transitionCancel = nil
			p.triggerTopologyChange(inst)
		})
	})
}

func (p *Protocol) forcePortState(ps *portState, state ethernet.PortState) {
	p.cancelTransition(ps)
	ps.state = state
}

func (p *Protocol) cancelTransition(ps *portState) {
	if ps.transitionCancel != nil {
		ps.transitionCancel()
		ps.transitionCancel = nil
	}
}

func (p *Protocol) cancelTimers(ps *portState) {
	p.cancelTransition(ps)
	if ps.edgeCancel != nil {
		ps.edgeCancel()
		ps.edgeCancel = nil
	}
}

// triggerTopologyChange shortens the owning bridge's forwarding-table
// aging so it relearns quickly across the reconverged tree, and relays a
// Topology Change Notification toward the root (sendTCN) if this bridge
// isn't the root. Receiving a hello with FlagTopologyChange set calls
// this too, which is how the notification and its fast-aging effect
// propagate network-wide from wherever the change was first noticed.
func (p *Protocol) triggerTopologyChange(inst *instance) {
	now := p.sched.DeltaTime()
	p.bridge.ShortenAging(DefaultForwardDelay, now+2*DefaultMaxAge)
	inst.tcUntil = now + 2*DefaultHelloTime
	p.sendTCN(inst)
}

// sendTCN sends a Topology Change Notification out inst's root port, the
// path toward the current root. The root bridge has no root port and so
// sends nothing; it instead announces the change via FlagTopologyChange
// on its own next hellos.
func (p *Protocol) sendTCN(inst *instance) {
	if inst.rootPort == nil || !inst.rootPort.IsLinkUp() {
		return
	}

	ps := inst.ports[inst.rootPort]
	version := VersionSTP
	if ps.rstp {
		version = VersionRSTP
	}

	if err := p.sendFrame(inst.rootPort, inst.vlan, BPDU{Version: version, Type: TypeTCN}); err != nil {
		p.logger.Debug("sending tcn", slogutil.KeyError, err)
	}
}

func (p *Protocol) sendAgreement(inst *instance, port *iface.HardwareInterface, _ *portState) {
	reply := BPDU{
		Version:      VersionRSTP,
		Type:         TypeConfig,
		Flags:        RoleRoot.bpduBits()<<FlagRoleShift | FlagAgreement,
		RootID:       inst.rootID,
		RootPathCost: inst.rootCost,
		BridgeID:     inst.bridgeID,
		PortID:       p.portID[port],
		MessageAge:   inst.rootMessageAge,
		MaxAge:       DefaultMaxAge,
		HelloTime:    DefaultHelloTime,
		ForwardDelay: DefaultForwardDelay,
	}

	if err := p.sendFrame(port, inst.vlan, reply); err != nil {
		p.logger.Debug("sending agreement", slogutil.KeyError, err)
	}
}

// sendHellos originates a Configuration BPDU on every designated port of
// every VLAN instance. A root bridge's ports are all designated, so this
// single rule covers both root origination and non-root relay without
// special-casing either.
func (p *Protocol) sendHellos() {
	for _, inst := range p.instances {
		for port, ps := range inst.ports {
			if ps.role != RoleDesignated || !port.IsLinkUp() {
				continue
			}
			p.sendBPDU(inst, port, ps)
		}
	}
}

func (p *Protocol) sendBPDU(inst *instance, port *iface.HardwareInterface, ps *portState) {
	version := VersionSTP
	if p.mode == ModeRSTP && ps.rstp {
		version = VersionRSTP
	}

	flags := ps.role.bpduBits() << FlagRoleShift
	if version == VersionRSTP && ps.state != ethernet.StateForwarding {
		flags |= FlagProposal
	}
	if p.sched.DeltaTime() < inst.tcUntil {
		flags |= FlagTopologyChange
	}

	bpdu := BPDU{
		Version:      version,
		Type:         TypeConfig,
		Flags:        flags,
		RootID:       inst.rootID,
		RootPathCost: inst.rootCost,
		BridgeID:     inst.bridgeID,
		PortID:       p.portID[port],
		MessageAge:   inst.rootMessageAge,
		MaxAge:       DefaultMaxAge,
		HelloTime:    DefaultHelloTime,
		ForwardDelay: DefaultForwardDelay,
	}

	if err := p.sendFrame(port, inst.vlan, bpdu); err != nil {
		p.logger.Debug("sending bpdu", slogutil.KeyError, err)
	}
}

func (p *Protocol) sendFrame(port *iface.HardwareInterface, vlan uint16, bpdu BPDU) error {
	builder := message.NewDatalinkMessageBuilder().
		WithSource(port.MAC()).
		WithDestination(netaddr.STPMulticast).
		WithEtherType(EtherTypeBPDU).
		WithPayload(bpdu.Encode())

	if port.VLANMode() == iface.TrunkMode {
		builder.WithVLAN(vlan)
	}

	frame, err := builder.Build()
	if err != nil {
		return err
	}

	return port.Send(frame)
}

// vlansOf returns the sorted, de-duplicated set of VLANs carried across
// ports: a port's access VLAN, or every VLAN a trunk port carries.
func vlansOf(ports []*iface.HardwareInterface) []uint16 {
	seen := map[uint16]bool{}
	var vlans []uint16

	add := func(v uint16) {
		if !seen[v] {
			seen[v] = true
			vlans = append(vlans, v)
		}
	}

	for _, port := range ports {
		if port.VLANMode() == iface.AccessMode {
			add(port.AccessVLAN())
			continue
		}
		for _, v := range port.TrunkVLANs() {
			add(v)
		}
	}

	sort.Slice(vlans, func(i, j int) bool { return vlans[i] < vlans[j] })

	return vlans
}

func minMAC(ports []*iface.HardwareInterface) netaddr.MacAddress {
	min := ports[0].MAC()
	for _, port := range ports[1:] {
		if port.MAC().Less(min) {
			min = port.MAC()
		}
	}

	return min
}
