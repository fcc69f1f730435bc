package node

import (
	"github.com/kossolax/netsim/pkg/ethernet"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/kossolax/netsim/pkg/stp"
)

// Switch is a pure datalink device: an Ethernet [ethernet.Bridge] running
// spanning tree across its ports. It carries no IP stack, matching a
// real switch's management-free data ports.
type Switch struct {
	Base

	sched  *scheduler.Scheduler
	bridge *ethernet.Bridge
	stp    *stp.Protocol

	ports []*iface.HardwareInterface
}

// NewSwitch returns a Switch named name with an empty bridge and no
// spanning-tree instance; call EnableSTP once every port has been added.
func NewSwitch(sched *scheduler.Scheduler, name string) *Switch {
	s := &Switch{Base: newBase(name), sched: sched, bridge: ethernet.NewBridge(sched)}
	s.onShutdown(s.bridge.Close)

	return s
}

// Bridge returns the switch's Ethernet bridge.
func (s *Switch) Bridge() *ethernet.Bridge { return s.bridge }

// Ports returns the switch's ports, in the order they were added.
func (s *Switch) Ports() []*iface.HardwareInterface {
	out := make([]*iface.HardwareInterface, len(s.ports))
	copy(out, s.ports)
	return out
}

// AddPort creates a hardware port named name with the given MAC,
// administratively up, and adds it to the bridge.
func (s *Switch) AddPort(name string, mac netaddr.MacAddress) *iface.HardwareInterface {
	port := iface.NewHardwareInterface(name, mac)
	port.SetAdminUp(true)

	s.bridge.AddPort(port)
	s.ports = append(s.ports, port)

	return port
}

// EnableSTP starts a spanning-tree Protocol instance of the given mode and
// bridge priority across every port added so far, replacing any previous
// instance.
func (s *Switch) EnableSTP(mode stp.Mode, priority uint16) *stp.Protocol {
	if s.stp != nil {
		s.stp.Close()
	}

	s.stp = stp.NewProtocol(s.sched, s.bridge, mode, priority, s.ports)
	s.bridge.SetSTP(s.stp)
	s.onShutdown(s.stp.Close)

	return s.stp
}

// STP returns the switch's spanning-tree protocol instance, if enabled.
func (s *Switch) STP() (*stp.Protocol, bool) { return s.stp, s.stp != nil }
