// Package arp implements the Address Resolution Protocol:
// a per-interface resolution table with a pending-request queue, a
// 10-second repeating eviction job (300-second entry timeout), and
// gratuitous-ARP announcement of the interface's own address.
package arp

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/kossolax/netsim/pkg/simerr"
)

// entryTimeout is how long a resolved entry is trusted before it is
// evicted
const entryTimeout = 300.0

// evictionInterval is how often the eviction job runs.
const evictionInterval = 10.0

// pendingTimeout is how long a pending resolution waits for a reply before
// every queued caller is told resolution failed.
const pendingTimeout = 10.0

// Entry is one resolved IPv4-to-MAC binding.
type Entry struct {
	MAC       netaddr.MacAddress
	LearnedAt float64
}

// ResolveCallback receives the result of a [Resolver.Resolve] call: either a
// resolved mac with ok true, or ok false if resolution timed out.
type ResolveCallback func(mac netaddr.MacAddress, ok bool)

// Resolver maintains one network interface's ARP table and pending-request
// queue.
type Resolver struct {
	sched *scheduler.Scheduler
	net   *iface.NetworkInterface

	entries map[netaddr.IPv4Address]Entry
	pending map[netaddr.IPv4Address][]ResolveCallback

	unsub       listener.Unsubscribe
	evictCancel scheduler.CancelFunc
}

// NewResolver returns a Resolver bound to net, driven by sched. It
// registers as a datalink listener on net's underlying hardware interface
// and starts the eviction job immediately.
func NewResolver(sched *scheduler.Scheduler, netIface *iface.NetworkInterface) *Resolver {
	r := &Resolver{
		sched:   sched,
		net:     netIface,
		entries: map[netaddr.IPv4Address]Entry{},
		pending: map[netaddr.IPv4Address][]ResolveCallback{},
	}

	r.unsub = netIface.OnDatalinkEvent(r)
	r.evictCancel = sched.Repeat(evictionInterval, r.evict)

	return r
}

// Close stops the resolver: it unsubscribes from the interface and cancels
// the eviction job.
func (r *Resolver) Close() {
	r.unsub()
	r.evictCancel()
}

// Lookup returns the resolver's cached entry for ip, if any, without
// triggering a new request.
func (r *Resolver) Lookup(ip netaddr.IPv4Address) (Entry, bool) {
	entry, ok := r.entries[ip]
	return entry, ok
}

// Resolve looks up ip's hardware address, calling back synchronously if
// already known, or enqueuing a request and calling back once a reply
// arrives or [pendingTimeout] elapses, surfaced as ok=false since Resolve
// itself cannot return an error synchronously. A broadcast destination
// never needs resolving: it short-circuits straight to the broadcast MAC
// without touching the table or the pending-request queue.
func (r *Resolver) Resolve(ip netaddr.IPv4Address, callback ResolveCallback) {
	if ip.IsBroadcast() {
		callback(netaddr.Broadcast, true)

		return
	}

	if entry, ok := r.entries[ip]; ok {
		callback(entry.MAC, true)

		return
	}

	_, alreadyPending := r.pending[ip]
	r.pending[ip] = append(r.pending[ip], callback)

	if !alreadyPending {
		_ = r.sendRequest(ip)
		r.sched.Once(pendingTimeout, func() { r.timeoutPending(ip) })
	}
}

func (r *Resolver) timeoutPending(ip netaddr.IPv4Address) {
	callbacks, ok := r.pending[ip]
	if !ok {
		return
	}

	delete(r.pending, ip)
	for _, cb := range callbacks {
		cb(netaddr.MacAddress{}, false)
	}
}

// OnFrameReceived implements [iface.DatalinkListener].
func (r *Resolver) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if frame.EtherType() != layers.EthernetTypeARP {
		return listener.Continue
	}

	arp, err := parseARP(frame.Payload())
	if err != nil {
		return listener.Continue
	}

	senderMAC, err := netaddr.MacFromBytes(arp.SourceHwAddress)
	if err != nil {
		return listener.Continue
	}

	senderIP, err := netaddr.IPv4FromBytes(arp.SourceProtAddress)
	if err != nil {
		return listener.Continue
	}

	r.learn(senderIP, senderMAC)

	if arp.Operation != layers.ARPRequest {
		return listener.Handled
	}

	targetIP, err := netaddr.IPv4FromBytes(arp.DstProtAddress)
	if err != nil {
		return listener.Handled
	}

	addr, ok := r.net.Address()
	if ok && addr.Equal(targetIP) {
		_ = r.sendReply(senderMAC, senderIP)
	}

	return listener.Handled
}

func (r *Resolver) learn(ip netaddr.IPv4Address, mac netaddr.MacAddress) {
	r.entries[ip] = Entry{MAC: mac, LearnedAt: r.sched.DeltaTime()}

	callbacks, ok := r.pending[ip]
	if !ok {
		return
	}

	delete(r.pending, ip)
	for _, cb := range callbacks {
		cb(mac, true)
	}
}

func (r *Resolver) evict() {
	now := r.sched.DeltaTime()
	for ip, entry := range r.entries {
		if now-entry.LearnedAt >= entryTimeout {
			delete(r.entries, ip)
		}
	}
}

func (r *Resolver) sendRequest(targetIP netaddr.IPv4Address) error {
	addr, ok := r.net.Address()
	if !ok {
		return fmt.Errorf("%w: arp request: interface has no address", simerr.ErrInvalidConfiguration)
	}

	payload, err := serializeARP(layers.ARPRequest, r.net.MAC(), addr, netaddr.MacAddress{}, targetIP)
	if err != nil {
		return err
	}

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(r.net.MAC()).
		WithDestination(netaddr.Broadcast).
		WithEtherType(layers.EthernetTypeARP).
		WithPayload(payload).
		Build()
	if err != nil {
		return err
	}

	return r.net.Send(frame)
}

func (r *Resolver) sendReply(dstMAC netaddr.MacAddress, dstIP netaddr.IPv4Address) error {
	addr, ok := r.net.Address()
	if !ok {
		return fmt.Errorf("%w: arp reply: interface has no address", simerr.ErrInvalidConfiguration)
	}

	payload, err := serializeARP(layers.ARPReply, r.net.MAC(), addr, dstMAC, dstIP)
	if err != nil {
		return err
	}

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(r.net.MAC()).
		WithDestination(dstMAC).
		WithEtherType(layers.EthernetTypeARP).
		WithPayload(payload).
		Build()
	if err != nil {
		return err
	}

	return r.net.Send(frame)
}

// GratuitousAnnounce broadcasts an ARP request announcing the interface's
// own address (sender and target protocol addresses equal), the
// conventional way a host claims an address on interface-up. This feature
// is standard ARP host behavior that a complete implementation provides.
func (r *Resolver) GratuitousAnnounce() error {
	addr, ok := r.net.Address()
	if !ok {
		return nil
	}

	payload, err := serializeARP(layers.ARPRequest, r.net.MAC(), addr, netaddr.MacAddress{}, addr)
	if err != nil {
		return err
	}

	frame, err := message.NewDatalinkMessageBuilder().
		WithSource(r.net.MAC()).
		WithDestination(netaddr.Broadcast).
		WithEtherType(layers.EthernetTypeARP).
		WithPayload(payload).
		Build()
	if err != nil {
		return err
	}

	return r.net.Send(frame)
}

func serializeARP(
	op uint16,
	srcMAC netaddr.MacAddress,
	srcIP netaddr.IPv4Address,
	dstMAC netaddr.MacAddress,
	dstIP netaddr.IPv4Address,
) ([]byte, error) {
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   srcMAC.Bytes(),
		SourceProtAddress: srcIP.Bytes(),
		DstHwAddress:      dstMAC.Bytes(),
		DstProtAddress:    dstIP.Bytes(),
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, arp); err != nil {
		return nil, fmt.Errorf("serializing arp payload: %w", err)
	}

	return buf.Bytes(), nil
}

func parseARP(payload []byte) (*layers.ARP, error) {
	packet := gopacket.NewPacket(payload, layers.LayerTypeARP, gopacket.NoCopy)

	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		return nil, fmt.Errorf("%w: payload is not an arp packet", simerr.ErrInvalidConfiguration)
	}

	arp, ok := arpLayer.(*layers.ARP)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected arp layer type", simerr.ErrInvalidConfiguration)
	}

	return arp, nil
}
