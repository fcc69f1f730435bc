// Package ipv4 implements the network-layer forwarding stack: a routing
// table with longest-prefix-match lookup, RFC-791 fragmentation and
// reassembly, and per-node forwarding between a set of [iface.NetworkInterface]s,
// resolving next hops through [pkg/arp.Resolver].
package ipv4

import (
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/netaddr"
)

// Route is one entry in a [RoutingTable]: a destination network reachable
// either directly off Iface or through NextHop.
type Route struct {
	Destination netaddr.IPv4Address
	Mask        netaddr.IPv4Address
	NextHop     netaddr.IPv4Address
	Direct      bool // true for a subnet reachable without a next hop
	Iface       *iface.NetworkInterface
	Metric      int
}

// RoutingTable holds a node's routes, looked up by longest matching prefix.
type RoutingTable struct {
	routes []Route
}

// NewRoutingTable returns an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{}
}

// Add inserts r into the table.
func (t *RoutingTable) Add(r Route) {
	t.routes = append(t.routes, r)
}

// Remove deletes every route to dest/mask.
func (t *RoutingTable) Remove(dest, mask netaddr.IPv4Address) {
	out := t.routes[:0]
	for _, r := range t.routes {
		if r.Destination.Equal(dest) && r.Mask.Equal(mask) {
			continue
		}
		out = append(out, r)
	}
	t.routes = out
}

// Routes returns a copy of the table's current routes.
func (t *RoutingTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Lookup returns the longest-prefix-matching route for dst, preferring a
// longer mask and, among equal-length masks, the lowest metric and then
// first-added route.
func (t *RoutingTable) Lookup(dst netaddr.IPv4Address) (Route, bool) {
	var (
		best    Route
		found   bool
		bestLen = -1
	)

	for _, r := range t.routes {
		if !dst.InSameNetwork(r.Mask, r.Destination) {
			continue
		}

		length := r.Mask.CIDR()
		switch {
		case length > bestLen:
			best, bestLen, found = r, length, true
		case length == bestLen && r.Metric < best.Metric:
			best = r
		}
	}

	return best, found
}
