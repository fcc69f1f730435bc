package iface

import (
	"fmt"

	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// NetworkListener observes network-layer events delivered to a
// [NetworkInterface].
type NetworkListener interface {
	OnAddressChange(iface *NetworkInterface, addr netaddr.IPv4Address)
}

// DHCPClient is the subset of a DHCP client's behavior a [NetworkInterface]
// drives directly: bringing addressing up or down dynamically.
// [pkg/dhcp.Client] implements this.
type DHCPClient interface {
	Start()
	Stop()
}

// NetworkInterface layers IPv4 addressing on top of a [HardwareInterface]:
// a static or DHCP-assigned address and mask, and loopback behavior.
type NetworkInterface struct {
	*HardwareInterface

	address    netaddr.IPv4Address
	mask       netaddr.IPv4Address
	hasAddress bool
	loopback   bool

	dhcpClient DHCPClient

	network listener.Registry[NetworkListener]
}

// NewNetworkInterface returns a NetworkInterface wrapping hw, with no
// address configured.
func NewNetworkInterface(hw *HardwareInterface) *NetworkInterface {
	return &NetworkInterface{HardwareInterface: hw}
}

// NewLoopbackInterface returns a NetworkInterface with address/mask bound
// immediately and no underlying hardware, matching the model's loopback
// interface.
func NewLoopbackInterface(name string, address netaddr.IPv4Address) *NetworkInterface {
	hw := NewHardwareInterface(name, netaddr.MacAddress{})
	hw.adminUp = true
	hw.linkUp = true

	iface := NewNetworkInterface(hw)
	iface.loopback = true
	iface.address = address
	iface.mask = netaddr.MustParseIPv4Mask("255.0.0.0")
	iface.hasAddress = true

	return iface
}

// IsLoopback reports whether this is a loopback interface.
func (n *NetworkInterface) IsLoopback() bool { return n.loopback }

// Address returns the interface's IPv4 address and whether one is
// configured.
func (n *NetworkInterface) Address() (addr netaddr.IPv4Address, ok bool) {
	return n.address, n.hasAddress
}

// Mask returns the interface's subnet mask.
func (n *NetworkInterface) Mask() netaddr.IPv4Address { return n.mask }

// SetAddress statically assigns an IPv4 address and mask to the interface.
func (n *NetworkInterface) SetAddress(addr, mask netaddr.IPv4Address) error {
	if !mask.IsMask() {
		return fmt.Errorf("%w: %s is not a valid subnet mask", simerr.ErrInvalidAddress, mask)
	}
	if addr.IsMask() {
		return fmt.Errorf("%w: %s is not a valid host address", simerr.ErrInvalidAddress, addr)
	}

	n.address = addr
	n.mask = mask
	n.hasAddress = true

	for _, l := range n.network.Snapshot() {
		l.OnAddressChange(n, addr)
	}

	return nil
}

// ClearAddress removes the interface's configured IPv4 address.
func (n *NetworkInterface) ClearAddress() {
	n.hasAddress = false
	n.address = netaddr.IPv4Address{}
}

// SetDHCPClient attaches the DHCP client driving this interface's dynamic
// addressing.
func (n *NetworkInterface) SetDHCPClient(c DHCPClient) { n.dhcpClient = c }

// DHCPClient returns the interface's attached DHCP client, if any.
func (n *NetworkInterface) DHCPClient() (DHCPClient, bool) {
	return n.dhcpClient, n.dhcpClient != nil
}

// InSameNetwork reports whether other is reachable directly on this
// interface's configured subnet.
func (n *NetworkInterface) InSameNetwork(other netaddr.IPv4Address) bool {
	addr, ok := n.Address()
	if !ok {
		return false
	}

	return addr.InSameNetwork(n.mask, other)
}

// OnNetworkEvent subscribes l to this interface's network-layer events and
// returns an unsubscribe handle.
func (n *NetworkInterface) OnNetworkEvent(l NetworkListener) listener.Unsubscribe {
	return n.network.Add(l)
}
