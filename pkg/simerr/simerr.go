// Package simerr contains the simulator's error taxonomy.
//
// Sentinel errors are defined as [errors.Error] constants, the way
// dhcpsvc/errors.go defines errNilConfig and errNoInterfaces, so that
// callers can compare with errors.Is instead of parsing messages.
package simerr

import "github.com/AdguardTeam/golibs/errors"

const (
	// ErrInvalidAddress is returned when a MAC or IPv4 address/mask fails to
	// parse or violates an address invariant (e.g. a non-contiguous mask).
	ErrInvalidAddress errors.Error = "invalid address"

	// ErrInvalidConfiguration is returned when a builder or constructor is
	// given a value that is syntactically valid but semantically wrong for
	// the field, such as a duplicate address on an interface or a TTL out of
	// range.
	ErrInvalidConfiguration errors.Error = "invalid configuration"

	// ErrLinkNotConnected is returned by [pkg/iface.HardwareInterface.Send]
	// when the interface has no link, and by [pkg/ipv4.Stack.Send] when the
	// route's interface has no ARP resolver attached.
	ErrLinkNotConnected errors.Error = "link not connected"

	// ErrInterfaceDown is returned when a send is attempted on an interface
	// that is administratively or operationally down.
	ErrInterfaceDown errors.Error = "interface is down"

	// ErrNoRoute is returned when a router cannot find a next hop for a
	// packet and has no default route.
	ErrNoRoute errors.Error = "no route to destination"

	// ErrArpUnresolved names an ARP pending request that timed out without
	// a reply. [pkg/arp.Resolver] reports that case to its callback as
	// ok=false and does not return this error.
	ErrArpUnresolved errors.Error = "arp resolution timed out"

	// ErrReassemblyTimeout names an IPv4 reassembly buffer purged after
	// sitting idle past the reassembly timeout. [pkg/ipv4.Stack] drops such
	// a buffer silently and does not return this error.
	ErrReassemblyTimeout errors.Error = "ipv4 reassembly timed out"

	// ErrDHCPNoAddress is returned by [pkg/dhcp.Pool.Reserve] when the pool
	// is exhausted; the server then sends the client no reply.
	ErrDHCPNoAddress errors.Error = "dhcp pool exhausted"

	// ErrLinkPaused is returned when a frame is sent on a link whose
	// scheduler is in [pkg/scheduler.Paused] speed mode.
	ErrLinkPaused errors.Error = "link is paused"

	// ErrFragmentationRequired is returned when a datagram larger than the
	// outgoing interface's MTU is sent with the don't-fragment flag set.
	ErrFragmentationRequired errors.Error = "datagram exceeds mtu and dont-fragment is set"

	// ErrMalformedBPDU is returned when a received frame claims to carry a
	// spanning-tree BPDU but is too short to hold one.
	ErrMalformedBPDU errors.Error = "malformed bpdu"
)
