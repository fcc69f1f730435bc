// Package node composes the lower-layer packages into the simulator's
// three device archetypes: [Host] (an end system with a default gateway),
// [Router] (forwarding between subnets with a user-editable routing
// table), and [Switch] (Ethernet learning plus spanning tree, no IP
// stack). Each type owns the listeners and timers its components install
// and releases them on [Base.Destroy], the same shutdown contract
// dhcpsvc.DHCPServer.Shutdown follows in the teacher codebase: walk every
// owned resource and close it, in the order it was acquired.
package node

import "github.com/google/uuid"

// Node is anything a [Base]-embedding device type implements: a stable
// identity and a teardown contract. [Host], [ServerHost], [Router], and
// [Switch] all satisfy this through their embedded Base.
type Node interface {
	ID() uuid.UUID
	Name() string
	Destroy()
}

// Base is the identity and teardown bookkeeping every node type embeds: a
// stable id, a display name, and the ordered list of shutdown hooks its
// owned components register as they are attached.
type Base struct {
	id   uuid.UUID
	name string

	hooks []func()
}

func newBase(name string) Base {
	return Base{id: uuid.New(), name: name}
}

// ID returns the node's stable identifier.
func (b *Base) ID() uuid.UUID { return b.id }

// Name returns the node's display name.
func (b *Base) Name() string { return b.name }

// onShutdown registers a teardown hook, run in registration order by
// Destroy.
func (b *Base) onShutdown(fn func()) { b.hooks = append(b.hooks, fn) }

// Destroy cancels every timer and listener registration this node owns, in
// the order they were registered, and releases any DHCP leases its
// components hold.
func (b *Base) Destroy() {
	for _, fn := range b.hooks {
		fn()
	}
	b.hooks = nil
}
