package node

import (
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/arp"
	"github.com/kossolax/netsim/pkg/dhcp"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/icmp"
	"github.com/kossolax/netsim/pkg/ipv4"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// Host is an end system: zero or more network interfaces, each optionally
// addressed statically or via DHCP, and a default gateway route installed
// once one is configured. send selects the interface whose subnet covers
// the destination, falling back to the gateway, by deferring to the
// node's [ipv4.RoutingTable]: a directly connected route per addressed
// interface plus a 0.0.0.0/0 default route outrank nothing else, so the
// longest-prefix-match lookup already implements that selection rule.
type Host struct {
	Base

	sched  *scheduler.Scheduler
	stack  *ipv4.Stack
	pinger *icmp.Pinger

	interfaces []*iface.NetworkInterface
}

// NewHost returns a Host named name with an empty IPv4 stack and an ICMP
// pinger attached.
func NewHost(sched *scheduler.Scheduler, name string) *Host {
	h := &Host{
		Base:  newBase(name),
		sched: sched,
		stack: ipv4.NewStack(sched),
	}
	h.pinger = icmp.NewPinger(sched, h.stack)
	h.onShutdown(h.stack.Close)

	return h
}

// Stack returns the host's IPv4 stack.
func (h *Host) Stack() *ipv4.Stack { return h.stack }

// Ping returns the host's ICMP pinger.
func (h *Host) Ping() *icmp.Pinger { return h.pinger }

// Interfaces returns the host's network interfaces, in the order they
// were added.
func (h *Host) Interfaces() []*iface.NetworkInterface {
	out := make([]*iface.NetworkInterface, len(h.interfaces))
	copy(out, h.interfaces)
	return out
}

// AddInterface creates a network interface named name with the given MAC,
// administratively down, and attaches it to the host's stack. Once the
// interface is given an address, a gratuitous ARP announces it
// automatically.
func (h *Host) AddInterface(name string, mac netaddr.MacAddress) *iface.NetworkInterface {
	hw := iface.NewHardwareInterface(name, mac)
	n := iface.NewNetworkInterface(hw)

	resolver := h.stack.AddInterface(n)
	n.OnNetworkEvent(gratuitousAnnouncer{resolver: resolver})

	h.interfaces = append(h.interfaces, n)
	h.onShutdown(resolver.Close)

	return n
}

// SetStaticAddress assigns addr/mask to n and installs the directly
// connected route for its subnet.
func (h *Host) SetStaticAddress(n *iface.NetworkInterface, addr, mask netaddr.IPv4Address) error {
	if err := n.SetAddress(addr, mask); err != nil {
		return err
	}

	h.stack.Routes().Add(ipv4.Route{
		Destination: addr.Network(mask),
		Mask:        mask,
		Direct:      true,
		Iface:       n,
	})

	return nil
}

// UseDHCP replaces n's addressing with a client leasing an address over n.
// The lease's address and gateway are wired into the stack's routing
// table as they are acquired and withdrawn when the host is destroyed;
// a release by the client alone leaves those routes in place.
func (h *Host) UseDHCP(n *iface.NetworkInterface) *dhcp.Client {
	client := dhcp.NewClient(h.sched, n)
	watcher := &dhcpRouteInstaller{host: h, iface: n}
	n.OnNetworkEvent(watcher)

	h.onShutdown(client.Stop)
	h.onShutdown(watcher.withdraw)

	client.Start()

	return client
}

// SetGateway installs the host's default route via n, reachable through
// gateway.
func (h *Host) SetGateway(n *iface.NetworkInterface, gateway netaddr.IPv4Address) {
	zero := netaddr.IPv4FromUint32(0)
	h.stack.Routes().Remove(zero, zero)
	h.stack.Routes().Add(ipv4.Route{Destination: zero, Mask: zero, NextHop: gateway, Iface: n})
}

// Send transmits data to dst over protocol via the routing table's best
// match for dst, which covers both the directly-connected and
// default-gateway cases.
func (h *Host) Send(dst netaddr.IPv4Address, protocol layers.IPProtocol, data []byte) error {
	return h.stack.Send(dst, protocol, 64, message.IPv4Flags{}, data, ipv4.DefaultMaxFragmentSize)
}

// gratuitousAnnouncer fires a gratuitous ARP announcement whenever an
// interface's address changes, so peers on the segment update their
// caches without waiting to be asked.
type gratuitousAnnouncer struct {
	resolver *arp.Resolver
}

func (g gratuitousAnnouncer) OnAddressChange(_ *iface.NetworkInterface, _ netaddr.IPv4Address) {
	_ = g.resolver.GratuitousAnnounce()
}

// dhcpRouteInstaller keeps a host's routing table in sync with the
// address a DHCP client applies to its interface: a directly connected
// route appears alongside the address, and the client's advertised
// router (if any) becomes the host's default route.
type dhcpRouteInstaller struct {
	host  *Host
	iface *iface.NetworkInterface

	installed  bool
	mask       netaddr.IPv4Address
	network    netaddr.IPv4Address
	hasGateway bool
}

func (d *dhcpRouteInstaller) OnAddressChange(n *iface.NetworkInterface, addr netaddr.IPv4Address) {
	d.withdraw()

	d.network = addr.Network(n.Mask())
	d.mask = n.Mask()
	d.installed = true

	d.host.stack.Routes().Add(ipv4.Route{Destination: d.network, Mask: d.mask, Direct: true, Iface: n})

	if c, ok := n.DHCPClient(); ok {
		if client, isDHCP := c.(*dhcp.Client); isDHCP {
			if gw, has := client.Gateway(); has {
				d.hasGateway = true
				d.host.SetGateway(n, gw)
			}
		}
	}
}

func (d *dhcpRouteInstaller) withdraw() {
	if d.hasGateway {
		zero := netaddr.IPv4FromUint32(0)
		d.host.stack.Routes().Remove(zero, zero)
		d.hasGateway = false
	}

	if !d.installed {
		return
	}

	d.host.stack.Routes().Remove(d.network, d.mask)
	d.installed = false
}
