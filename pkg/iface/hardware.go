// Package iface implements the hardware and network interfaces: a
// [HardwareInterface] models the Ethernet/802.1Q port
// (speed, duplex, VLAN membership), and a [NetworkInterface] layers IPv4
// addressing and a DHCP client handle on top of one.
package iface

import (
	"fmt"
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// Duplex is the transmission mode of a [HardwareInterface].
type Duplex int

const (
	// FullDuplex allows simultaneous send and receive.
	FullDuplex Duplex = iota
	// HalfDuplex allows only one direction at a time.
	HalfDuplex
)

// VLANMode selects how a [HardwareInterface] tags and filters frames.
type VLANMode int

const (
	// AccessMode carries a single untagged VLAN.
	AccessMode VLANMode = iota
	// TrunkMode carries multiple 802.1Q-tagged VLANs.
	TrunkMode
)

// Transmitter is the far side of a connected link: whatever a
// [HardwareInterface] hands a frame to for propagation. [pkg/link.Link]
// implements this.
type Transmitter interface {
	Transmit(frame message.DatalinkMessage) error
}

// PhysicalListener observes physical-layer events: link up/down. Speed and
// duplex changes are not reported to it.
type PhysicalListener interface {
	OnLinkChange(iface *HardwareInterface, up bool)
}

// DatalinkListener observes datalink-layer events: frame arrival.
// [listener.Outcome] lets a listener suppress or halt the interface's
// default handling of an incoming frame.
type DatalinkListener interface {
	OnFrameReceived(iface *HardwareInterface, frame message.DatalinkMessage) listener.Outcome
}

// HardwareInterface is one Ethernet port on a node: it owns a hardware
// address, administrative and link state, speed/duplex negotiation, VLAN
// membership, and a learned-MAC table for bridging.
type HardwareInterface struct {
	logger *slog.Logger

	name string
	mac  netaddr.MacAddress

	adminUp bool
	linkUp  bool
	duplex  Duplex

	minSpeed, maxSpeed, speed int // Mbps

	vlanMode     VLANMode
	accessVLAN   uint16
	allowedVLANs map[uint16]bool

	macTable map[netaddr.MacAddress]MacTableEntry

	link Transmitter

	physical listener.Registry[PhysicalListener]
	datalink listener.Registry[DatalinkListener]
}

// MacTableEntry is one source-MAC-to-VLAN binding learned from a received
// frame. LearnedAt is recorded as 0, and entries are never aged out of the
// interface's table.
type MacTableEntry struct {
	VLANID    uint16
	LearnedAt float64 // virtual time, seconds
}

// NewHardwareInterface returns a HardwareInterface named name with hardware
// address mac, administratively down, with a 10/100/1000 autonegotiation
// range and full duplex.
func NewHardwareInterface(name string, mac netaddr.MacAddress) *HardwareInterface {
	return &HardwareInterface{
		logger:       slogutil.NewDiscardLogger(),
		name:         name,
		mac:          mac,
		duplex:       FullDuplex,
		minSpeed:     10,
		maxSpeed:     1000,
		speed:        1000,
		vlanMode:     AccessMode,
		accessVLAN:   1,
		allowedVLANs: map[uint16]bool{},
		macTable:     map[netaddr.MacAddress]MacTableEntry{},
	}
}

// SetLogger replaces the interface's logger.
func (h *HardwareInterface) SetLogger(logger *slog.Logger) { h.logger = logger }

// Name returns the interface's name.
func (h *HardwareInterface) Name() string { return h.name }

// MAC returns the interface's hardware address.
func (h *HardwareInterface) MAC() netaddr.MacAddress { return h.mac }

// SetMAC replaces the interface's hardware address.
func (h *HardwareInterface) SetMAC(mac netaddr.MacAddress) { h.mac = mac }

// IsAdminUp reports whether the interface has been administratively
// enabled.
func (h *HardwareInterface) IsAdminUp() bool { return h.adminUp }

// IsLinkUp reports whether the interface is administratively up and has a
// connected, active peer.
func (h *HardwareInterface) IsLinkUp() bool { return h.adminUp && h.linkUp }

// SetAdminUp enables or disables the interface administratively, and fires
// a link-change notification if the effective link state changes.
func (h *HardwareInterface) SetAdminUp(up bool) {
	was := h.IsLinkUp()
	h.adminUp = up
	h.notifyLinkChangeIfNeeded(was)
}

// setLinkUp records the physical carrier state; [HardwareInterface.Connect]
// and [HardwareInterface.Disconnect] call it.
func (h *HardwareInterface) setLinkUp(up bool) {
	was := h.IsLinkUp()
	h.linkUp = up
	h.notifyLinkChangeIfNeeded(was)
}

func (h *HardwareInterface) notifyLinkChangeIfNeeded(was bool) {
	now := h.IsLinkUp()
	if now == was {
		return
	}

	for _, l := range h.physical.Snapshot() {
		l.OnLinkChange(h, now)
	}
}

// Duplex returns the interface's duplex mode.
func (h *HardwareInterface) Duplex() Duplex { return h.duplex }

// SetDuplex sets the interface's duplex mode.
func (h *HardwareInterface) SetDuplex(d Duplex) { h.duplex = d }

// Speed returns the interface's current negotiated speed in Mbps.
func (h *HardwareInterface) Speed() int { return h.speed }

// SpeedRange returns the interface's autonegotiation range in Mbps.
func (h *HardwareInterface) SpeedRange() (min, max int) { return h.minSpeed, h.maxSpeed }

// SetSpeed sets the interface's current speed, which must fall within its
// autonegotiation range.
func (h *HardwareInterface) SetSpeed(mbps int) error {
	if mbps < h.minSpeed || mbps > h.maxSpeed {
		return fmt.Errorf("%w: speed %d outside range %d..%d", simerr.ErrInvalidConfiguration, mbps, h.minSpeed, h.maxSpeed)
	}

	h.speed = mbps

	return nil
}

// VLANMode returns the interface's VLAN mode.
func (h *HardwareInterface) VLANMode() VLANMode { return h.vlanMode }

// SetAccessVLAN configures the interface as an access port on the given
// VLAN.
func (h *HardwareInterface) SetAccessVLAN(id uint16) {
	h.vlanMode = AccessMode
	h.accessVLAN = id
}

// AccessVLAN returns the access-mode VLAN identifier.
func (h *HardwareInterface) AccessVLAN() uint16 { return h.accessVLAN }

// SetTrunk configures the interface as a trunk port carrying the given set
// of VLANs.
func (h *HardwareInterface) SetTrunk(vlans ...uint16) {
	h.vlanMode = TrunkMode
	h.allowedVLANs = make(map[uint16]bool, len(vlans))
	for _, v := range vlans {
		h.allowedVLANs[v] = true
	}
}

// AllowsVLAN reports whether a trunk port carries the given VLAN. Access
// ports report true only for their own access VLAN.
func (h *HardwareInterface) AllowsVLAN(id uint16) bool {
	if h.vlanMode == AccessMode {
		return id == h.accessVLAN
	}

	return h.allowedVLANs[id]
}

// TrunkVLANs returns the VLANs a trunk-mode interface carries. It returns
// nil for an access-mode interface; callers building a per-VLAN registry
// (e.g. PVST) should combine this with [HardwareInterface.AccessVLAN] for
// access ports.
func (h *HardwareInterface) TrunkVLANs() []uint16 {
	if h.vlanMode == AccessMode {
		return nil
	}

	vlans := make([]uint16, 0, len(h.allowedVLANs))
	for v := range h.allowedVLANs {
		vlans = append(vlans, v)
	}

	return vlans
}

// Connect attaches the interface to a transmitter (a [pkg/link.Link]
// endpoint) and brings the physical link up.
func (h *HardwareInterface) Connect(t Transmitter) {
	h.link = t
	h.setLinkUp(true)
}

// Disconnect detaches the interface from its link and brings the physical
// link down.
func (h *HardwareInterface) Disconnect() {
	h.link = nil
	h.setLinkUp(false)
}

// Send hands frame to the connected link for propagation. It returns
// [simerr.ErrLinkNotConnected] if the interface has no link, or
// [simerr.ErrInterfaceDown] if the interface isn't up.
func (h *HardwareInterface) Send(frame message.DatalinkMessage) error {
	if h.link == nil {
		return simerr.ErrLinkNotConnected
	}
	if !h.IsLinkUp() {
		return simerr.ErrInterfaceDown
	}

	return h.link.Transmit(frame)
}

// Receive is called by the connected link when a frame arrives. It runs
// the datalink listener chain and returns the aggregate outcome.
func (h *HardwareInterface) Receive(frame message.DatalinkMessage) listener.Outcome {
	if id, tagged := frame.VLAN(); tagged {
		if h.vlanMode == AccessMode {
			return listener.Continue
		}
		if !h.AllowsVLAN(id) {
			return listener.Continue
		}
	}
	if !h.acceptsUntagged(frame) {
		return listener.Continue
	}

	h.learn(frame)

	return listener.HandleChain(h.datalink.Snapshot(), nil, func(l DatalinkListener) listener.Outcome {
		return l.OnFrameReceived(h, frame)
	})
}

// acceptsUntagged reports whether an untagged frame is acceptable on h: an
// access port always accepts untagged frames onto its access VLAN, while a
// trunk port accepts untagged frames only if it carries a native VLAN
// (modeled here as VLAN 1, always implicitly allowed untagged).
func (h *HardwareInterface) acceptsUntagged(frame message.DatalinkMessage) bool {
	if _, tagged := frame.VLAN(); tagged {
		return true
	}

	if h.vlanMode == AccessMode {
		return true
	}

	return h.allowedVLANs[1]
}

func (h *HardwareInterface) learn(frame message.DatalinkMessage) {
	vlan, tagged := frame.VLAN()
	if !tagged {
		vlan = h.accessVLAN
	}

	h.macTable[frame.MacSrc()] = MacTableEntry{VLANID: vlan, LearnedAt: 0}
}

// OnPhysicalEvent subscribes l to this interface's physical-layer events
// and returns an unsubscribe handle.
func (h *HardwareInterface) OnPhysicalEvent(l PhysicalListener) listener.Unsubscribe {
	return h.physical.Add(l)
}

// OnDatalinkEvent subscribes l to this interface's datalink-layer events
// and returns an unsubscribe handle.
func (h *HardwareInterface) OnDatalinkEvent(l DatalinkListener) listener.Unsubscribe {
	return h.datalink.Add(l)
}
