package dhcp

import (
	"fmt"

	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// Lease is one DHCP address assignment.
type Lease struct {
	IP       netaddr.IPv4Address
	MAC      netaddr.MacAddress
	Hostname string
	Expiry   float64 // scheduler virtual time; ignored for Static leases
	Static   bool
}

// Pool is a contiguous range of addresses a [Server] allocates leases from,
// indexed both by client hardware address and by leased IP, the way
// dhcpsvc's netInterface keeps a leases-by-MAC map and an address-space
// bitset over one range.
type Pool struct {
	start, end uint32

	byMAC map[netaddr.MacAddress]*Lease
	byIP  map[netaddr.IPv4Address]*Lease
}

// NewPool returns a Pool covering the inclusive range [start, end].
func NewPool(start, end netaddr.IPv4Address) (*Pool, error) {
	if end.Uint32() < start.Uint32() {
		return nil, fmt.Errorf("%w: dhcp pool: range end %s precedes start %s", simerr.ErrInvalidConfiguration, end, start)
	}

	return &Pool{
		start: start.Uint32(),
		end:   end.Uint32(),
		byMAC: map[netaddr.MacAddress]*Lease{},
		byIP:  map[netaddr.IPv4Address]*Lease{},
	}, nil
}

// Lookup returns the lease held by mac, if any.
func (p *Pool) Lookup(mac netaddr.MacAddress) (*Lease, bool) {
	l, ok := p.byMAC[mac]
	return l, ok
}

// LookupIP returns the lease of ip, if any.
func (p *Pool) LookupIP(ip netaddr.IPv4Address) (*Lease, bool) {
	l, ok := p.byIP[ip]
	return l, ok
}

// Reserve returns mac's existing lease, or allocates preferred if it falls
// within the pool and is free, or otherwise the first free address in the
// pool. It returns [simerr.ErrDHCPNoAddress] if the pool is exhausted.
// Reserve does not commit the lease; call [Pool.Commit] once the client
// accepts it, matching DHCP's offer-then-confirm handshake.
func (p *Pool) Reserve(mac netaddr.MacAddress, preferred netaddr.IPv4Address, now float64) (*Lease, error) {
	if l, ok := p.byMAC[mac]; ok {
		return l, nil
	}

	if preferred.Uint32() != 0 && p.contains(preferred) {
		if _, taken := p.byIP[preferred]; !taken {
			return &Lease{IP: preferred, MAC: mac, Expiry: now}, nil
		}
	}

	for v := p.start; v <= p.end; v++ {
		ip := netaddr.IPv4FromUint32(v)
		if l, taken := p.byIP[ip]; taken && (l.Static || l.Expiry > now) {
			continue
		}

		return &Lease{IP: ip, MAC: mac, Expiry: now}, nil
	}

	return nil, simerr.ErrDHCPNoAddress
}

// Commit records l as an active lease, superseding any prior lease held by
// the same MAC address.
func (p *Pool) Commit(l *Lease) {
	if old, ok := p.byMAC[l.MAC]; ok && old.IP != l.IP {
		delete(p.byIP, old.IP)
	}

	p.byMAC[l.MAC] = l
	p.byIP[l.IP] = l
}

// Release frees mac's lease, if any.
func (p *Pool) Release(mac netaddr.MacAddress) {
	l, ok := p.byMAC[mac]
	if !ok {
		return
	}

	delete(p.byMAC, mac)
	delete(p.byIP, l.IP)
}

// PurgeExpired drops every non-static lease whose expiry has passed now.
func (p *Pool) PurgeExpired(now float64) {
	for mac, l := range p.byMAC {
		if !l.Static && l.Expiry <= now {
			delete(p.byMAC, mac)
			delete(p.byIP, l.IP)
		}
	}
}

func (p *Pool) contains(ip netaddr.IPv4Address) bool {
	v := ip.Uint32()
	return v >= p.start && v <= p.end
}
