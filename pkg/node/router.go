package node

import (
	"github.com/kossolax/netsim/pkg/dhcp"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/ipv4"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// Router forwards datagrams between its interfaces' subnets using a
// user-editable routing table, falling back to a default route when one
// is configured. Unlike [Host], a Router enables [ipv4.Stack]'s
// forwarding path, so a datagram not addressed to one of its own
// interfaces is relayed rather than dropped.
type Router struct {
	Base

	sched *scheduler.Scheduler
	stack *ipv4.Stack

	interfaces []*iface.NetworkInterface
}

// NewRouter returns a Router named name with forwarding enabled and an
// empty routing table.
func NewRouter(sched *scheduler.Scheduler, name string) *Router {
	r := &Router{Base: newBase(name), sched: sched, stack: ipv4.NewStack(sched)}
	r.stack.SetForwarding(true)
	r.onShutdown(r.stack.Close)

	return r
}

// Stack returns the router's IPv4 stack.
func (r *Router) Stack() *ipv4.Stack { return r.stack }

// Interfaces returns the router's network interfaces, in the order they
// were added.
func (r *Router) Interfaces() []*iface.NetworkInterface {
	out := make([]*iface.NetworkInterface, len(r.interfaces))
	copy(out, r.interfaces)
	return out
}

// AddInterface creates a network interface named name with the given MAC
// and attaches it to the router's stack.
func (r *Router) AddInterface(name string, mac netaddr.MacAddress) *iface.NetworkInterface {
	hw := iface.NewHardwareInterface(name, mac)
	n := iface.NewNetworkInterface(hw)

	resolver := r.stack.AddInterface(n)
	n.OnNetworkEvent(gratuitousAnnouncer{resolver: resolver})

	r.interfaces = append(r.interfaces, n)
	r.onShutdown(resolver.Close)

	return n
}

// SetAddress assigns addr/mask to n and installs the directly connected
// route for its subnet.
func (r *Router) SetAddress(n *iface.NetworkInterface, addr, mask netaddr.IPv4Address) error {
	if err := n.SetAddress(addr, mask); err != nil {
		return err
	}

	r.stack.Routes().Add(ipv4.Route{
		Destination: addr.Network(mask),
		Mask:        mask,
		Direct:      true,
		Iface:       n,
	})

	return nil
}

// AddRoute installs a static route to net/mask via nextHop, reachable
// through n.
func (r *Router) AddRoute(network, mask, nextHop netaddr.IPv4Address, n *iface.NetworkInterface) {
	r.stack.Routes().Add(ipv4.Route{Destination: network, Mask: mask, NextHop: nextHop, Iface: n})
}

// AddDefaultRoute installs the router's default route via nextHop,
// reachable through n.
func (r *Router) AddDefaultRoute(nextHop netaddr.IPv4Address, n *iface.NetworkInterface) {
	zero := netaddr.IPv4FromUint32(0)
	r.AddRoute(zero, zero, nextHop, n)
}

// RemoveRoute deletes the static route to net/mask, if one exists.
func (r *Router) RemoveRoute(network, mask netaddr.IPv4Address) {
	r.stack.Routes().Remove(network, mask)
}

// NextHop applies longest-prefix match to dst across the router's routing
// table, falling back to its default route if one is configured.
func (r *Router) NextHop(dst netaddr.IPv4Address) (ipv4.Route, bool) {
	return r.stack.Routes().Lookup(dst)
}

// AddDHCPRelay configures clientSide to forward broadcast DHCP client
// traffic to server, received back through serverSide, stamping relayed
// requests with clientSide's own address as required by RFC 2131 section
// 4.1's giaddr field.
func (r *Router) AddDHCPRelay(clientSide, serverSide *iface.NetworkInterface, server netaddr.IPv4Address) *dhcp.Relay {
	relay := dhcp.NewRelay(clientSide, serverSide, server)
	r.onShutdown(relay.Close)

	return relay
}
