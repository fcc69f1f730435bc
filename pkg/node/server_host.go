package node

import (
	"github.com/kossolax/netsim/pkg/dhcp"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// ServerHost is a [Host] that additionally offers services to its
// segment: DHCP address pools, one per interface, pushed with
// AddDHCPPool.
type ServerHost struct {
	Host

	pools []*dhcp.Server
}

// NewServerHost returns a ServerHost named name with no services
// attached.
func NewServerHost(sched *scheduler.Scheduler, name string) *ServerHost {
	return &ServerHost{Host: *NewHost(sched, name)}
}

// AddDHCPPool starts a DHCP server leasing addresses in [start, end] with
// the given gateway and mask over n, and registers it for teardown.
func (s *ServerHost) AddDHCPPool(n *iface.NetworkInterface, start, end, gateway, mask netaddr.IPv4Address) (*dhcp.Server, error) {
	srv, err := dhcp.NewServer(s.sched, n, start, end, gateway, mask)
	if err != nil {
		return nil, err
	}

	s.pools = append(s.pools, srv)
	s.onShutdown(srv.Close)

	return srv, nil
}

// DHCPPools returns the DHCP servers the host is running, in the order
// they were added.
func (s *ServerHost) DHCPPools() []*dhcp.Server {
	out := make([]*dhcp.Server, len(s.pools))
	copy(out, s.pools)
	return out
}
