// Package network assembles [pkg/node] devices and [pkg/link.Link]
// segments into a topology: the aggregate spec.md §6 names
// `Network::new()`, `Network.nodes`, and `Network.links`, plus a
// ring-buffered packet-capture [Tap] for inspecting traffic on any link.
package network

import (
	"github.com/google/uuid"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/link"
	"github.com/kossolax/netsim/pkg/node"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// Network is the topology aggregate: every node keyed by its guid, and
// every link joining them, both driven by one scheduler.
type Network struct {
	sched *scheduler.Scheduler

	nodes map[uuid.UUID]node.Node
	links []*link.Link
}

// New returns an empty Network driven by sched.
func New(sched *scheduler.Scheduler) *Network {
	return &Network{sched: sched, nodes: map[uuid.UUID]node.Node{}}
}

// Scheduler returns the scheduler driving this topology.
func (n *Network) Scheduler() *scheduler.Scheduler { return n.sched }

// Nodes returns the topology's nodes keyed by id.
func (n *Network) Nodes() map[uuid.UUID]node.Node {
	out := make(map[uuid.UUID]node.Node, len(n.nodes))
	for id, dev := range n.nodes {
		out[id] = dev
	}

	return out
}

// Links returns the topology's links, in the order they were added.
func (n *Network) Links() []*link.Link {
	out := make([]*link.Link, len(n.links))
	copy(out, n.links)

	return out
}

// AddHost creates an end host named name and adds it to the topology.
func (n *Network) AddHost(name string) *node.Host {
	h := node.NewHost(n.sched, name)
	n.nodes[h.ID()] = h

	return h
}

// AddServerHost creates an end host offering services (DHCP pools) named
// name and adds it to the topology.
func (n *Network) AddServerHost(name string) *node.ServerHost {
	h := node.NewServerHost(n.sched, name)
	n.nodes[h.ID()] = h

	return h
}

// AddRouter creates a router named name and adds it to the topology.
func (n *Network) AddRouter(name string) *node.Router {
	r := node.NewRouter(n.sched, name)
	n.nodes[r.ID()] = r

	return r
}

// AddSwitch creates a switch named name and adds it to the topology.
func (n *Network) AddSwitch(name string) *node.Switch {
	s := node.NewSwitch(n.sched, name)
	n.nodes[s.ID()] = s

	return s
}

// RemoveNode destroys the node with id, releasing every resource it owns,
// and removes it from the topology.
func (n *Network) RemoveNode(id uuid.UUID) {
	dev, ok := n.nodes[id]
	if !ok {
		return
	}

	dev.Destroy()
	delete(n.nodes, id)
}

// Connect joins a and b with a segment lengthM meters long and adds the
// resulting link to the topology.
func (n *Network) Connect(a, b *iface.HardwareInterface, lengthM float64) *link.Link {
	l := link.New(n.sched, a, b, lengthM)
	n.links = append(n.links, l)

	return l
}

// Destroy tears down every node in the topology and disconnects every
// link, in no particular order.
func (n *Network) Destroy() {
	for _, dev := range n.nodes {
		dev.Destroy()
	}
	n.nodes = map[uuid.UUID]node.Node{}

	for _, l := range n.links {
		l.Disconnect()
	}
	n.links = nil
}
