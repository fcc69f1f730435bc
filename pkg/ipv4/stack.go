package ipv4

import (
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/arp"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
	"github.com/kossolax/netsim/pkg/simerr"
)

// DefaultMaxFragmentSize is the max-fragment-size [Stack.Send] assumes when
// a caller doesn't need to exercise a smaller MTU: a 1500-byte Ethernet
// payload, the common default before path MTU discovery narrows it.
const DefaultMaxFragmentSize = 1500

// reassemblyPurgeInterval is how often idle reassembly buffers are swept.
const reassemblyPurgeInterval = 10.0

// reassemblyIdleTimeout is how long a reassembly buffer waits for its next
// fragment before being discarded.
const reassemblyIdleTimeout = 300.0

// UpperListener receives datagrams addressed to this node once reassembled,
// keyed by IP protocol number. [pkg/icmp.Pinger] implements this.
type UpperListener interface {
	OnDatagramReceived(ingress *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome
}

type reassemblyKey struct {
	iface string
	src   netaddr.IPv4Address
	id    uint16
}

type reassemblyBuffer struct {
	fragments    map[uint16]message.IPv4Message // keyed by fragment offset (8-octet units)
	totalOctets  int                            // -1 until the last fragment (MoreFragments=false) arrives
	lastActivity float64
}

// Stack is a node's IPv4 forwarding engine: a routing table, one ARP
// resolver per attached interface, a fragmentation/reassembly layer, and a
// registry of upper-layer protocol consumers.
type Stack struct {
	logger *slog.Logger
	sched  *scheduler.Scheduler
	routes *RoutingTable

	ifaces    map[string]*iface.NetworkInterface
	hwToNet   map[*iface.HardwareInterface]*iface.NetworkInterface
	resolvers map[string]*arp.Resolver

	reassembly  map[reassemblyKey]*reassemblyBuffer
	purgeCancel scheduler.CancelFunc

	protocols map[layers.IPProtocol]*listener.Registry[UpperListener]

	forwarding bool
	nextID     uint16
}

// NewStack returns an empty Stack driven by sched, with forwarding disabled
// (host mode). Call [Stack.SetForwarding] to make it a router.
func NewStack(sched *scheduler.Scheduler) *Stack {
	s := &Stack{
		logger:    slogutil.NewDiscardLogger(),
		sched:     sched,
		routes:    NewRoutingTable(),
		ifaces:    map[string]*iface.NetworkInterface{},
		hwToNet:   map[*iface.HardwareInterface]*iface.NetworkInterface{},
		resolvers: map[string]*arp.Resolver{},
		reassembly: map[reassemblyKey]*reassemblyBuffer{},
		protocols: map[layers.IPProtocol]*listener.Registry[UpperListener]{},
	}

	s.purgeCancel = sched.Repeat(reassemblyPurgeInterval, s.purgeReassembly)

	return s
}

// SetLogger replaces the stack's logger.
func (s *Stack) SetLogger(logger *slog.Logger) { s.logger = logger }

// Close cancels the stack's reassembly-purge job and every interface's ARP
// resolver.
func (s *Stack) Close() {
	s.purgeCancel()
	for _, r := range s.resolvers {
		r.Close()
	}
}

// Routes returns the stack's routing table.
func (s *Stack) Routes() *RoutingTable { return s.routes }

// SetForwarding enables or disables forwarding datagrams not addressed to
// this node between its interfaces (router behavior).
func (s *Stack) SetForwarding(enabled bool) { s.forwarding = enabled }

// IsForwarding reports whether the stack forwards transit traffic.
func (s *Stack) IsForwarding() bool { return s.forwarding }

// AddInterface attaches n to the stack: it starts an ARP resolver on n and
// registers the stack as n's datalink listener. It returns the resolver so
// callers (e.g. [pkg/dhcp.Client]) can share it.
func (s *Stack) AddInterface(n *iface.NetworkInterface) *arp.Resolver {
	resolver := arp.NewResolver(s.sched, n)

	s.ifaces[n.Name()] = n
	s.hwToNet[n.HardwareInterface] = n
	s.resolvers[n.Name()] = resolver

	n.OnDatalinkEvent(s)

	return resolver
}

// Resolver returns the ARP resolver bound to the named interface.
func (s *Stack) Resolver(ifaceName string) (*arp.Resolver, bool) {
	r, ok := s.resolvers[ifaceName]
	return r, ok
}

// RegisterProtocol subscribes l to receive datagrams destined for this node
// whose protocol number matches proto.
func (s *Stack) RegisterProtocol(proto layers.IPProtocol, l UpperListener) listener.Unsubscribe {
	reg, ok := s.protocols[proto]
	if !ok {
		reg = &listener.Registry[UpperListener]{}
		s.protocols[proto] = reg
	}

	return reg.Add(l)
}

// OnFrameReceived implements [iface.DatalinkListener].
func (s *Stack) OnFrameReceived(hw *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if frame.EtherType() != layers.EthernetTypeIPv4 {
		return listener.Continue
	}

	ingress, ok := s.hwToNet[hw]
	if !ok {
		return listener.Continue
	}

	datagram, err := message.ParseIPv4Message(frame)
	if err != nil {
		return listener.Handled
	}

	return s.receive(ingress, datagram)
}

func (s *Stack) receive(ingress *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	flags := datagram.Flags()
	if flags.MoreFragments || datagram.FragmentOffset() != 0 {
		complete, ok := s.reassemble(ingress, datagram)
		if !ok {
			return listener.Handled
		}
		datagram = complete
	}

	if s.isLocalAddress(datagram.NetDst()) || datagram.NetDst().IsBroadcast() || s.isSubnetBroadcast(datagram.NetDst()) {
		return s.deliver(ingress, datagram)
	}

	if !s.forwarding {
		return listener.Handled
	}

	s.forward(datagram)

	return listener.Handled
}

func (s *Stack) isLocalAddress(addr netaddr.IPv4Address) bool {
	for _, n := range s.ifaces {
		if own, ok := n.Address(); ok && own.Equal(addr) {
			return true
		}
	}

	return false
}

func (s *Stack) isSubnetBroadcast(addr netaddr.IPv4Address) bool {
	for _, n := range s.ifaces {
		own, ok := n.Address()
		if !ok {
			continue
		}
		if own.NetworkBroadcast(n.Mask()).Equal(addr) {
			return true
		}
	}

	return false
}

func (s *Stack) deliver(ingress *iface.NetworkInterface, datagram message.IPv4Message) listener.Outcome {
	reg, ok := s.protocols[datagram.Protocol()]
	if !ok {
		return listener.Handled
	}

	return listener.HandleChain(reg.Snapshot(), nil, func(l UpperListener) listener.Outcome {
		return l.OnDatagramReceived(ingress, datagram)
	})
}

func (s *Stack) forward(datagram message.IPv4Message) {
	if datagram.TTL() <= 1 {
		s.logger.Debug("dropping expired datagram", "src", datagram.NetSrc(), "dst", datagram.NetDst())
		return
	}

	route, ok := s.routes.Lookup(datagram.NetDst())
	if !ok {
		s.logger.Debug("no route to destination", "dst", datagram.NetDst())
		return
	}

	nextHop := datagram.NetDst()
	if !route.Direct {
		nextHop = route.NextHop
	}

	newTTL := datagram.TTL() - 1

	deliverFrame := func(mac netaddr.MacAddress) {
		fwd, err := message.NewIPv4MessageBuilderFrom(datagram).
			WithSource(route.Iface.MAC()).
			WithDestination(mac).
			WithTTL(newTTL).
			Build()
		if err != nil {
			return
		}

		_ = route.Iface.Send(fwd.DatalinkMessage)
	}

	if nextHop.IsBroadcast() {
		deliverFrame(netaddr.Broadcast)
		return
	}

	resolver, ok := s.resolvers[route.Iface.Name()]
	if !ok {
		return
	}

	resolver.Resolve(nextHop, func(mac netaddr.MacAddress, resolved bool) {
		if !resolved {
			return
		}

		deliverFrame(mac)
	})
}

// Send originates a datagram from this node: it looks up a route to dst,
// fragments data to maxFragmentSize if needed, resolves the next hop's
// hardware address, and transmits each fragment. maxFragmentSize must fall
// within [message.MinFragmentSize, message.MaxFragmentSize]; pass
// [DefaultMaxFragmentSize] absent a reason to exercise a smaller one.
// Delivery to an address owned by one of this stack's own interfaces is
// short-circuited through the loopback path at the next scheduler tick
// rather than sent on the wire.
func (s *Stack) Send(
	dst netaddr.IPv4Address,
	protocol layers.IPProtocol,
	ttl uint8,
	flags message.IPv4Flags,
	data []byte,
	maxFragmentSize uint16,
) error {
	if err := message.ValidateMaxFragmentSize(maxFragmentSize); err != nil {
		return err
	}

	if s.isLocalAddress(dst) {
		s.sched.Once(0, func() {
			for _, n := range s.ifaces {
				addr, ok := n.Address()
				if ok && addr.Equal(dst) {
					s.loopbackDeliver(n, dst, dst, protocol, data)
					return
				}
			}
		})

		return nil
	}

	route, ok := s.routes.Lookup(dst)
	if !ok && dst.IsBroadcast() {
		// The limited broadcast matches no subnet route; it leaves through
		// the interface of the first directly connected route.
		for _, r := range s.routes.Routes() {
			if r.Direct {
				route, ok = r, true
				break
			}
		}
	}
	if !ok {
		return simerr.ErrNoRoute
	}

	nextHop := dst
	if !route.Direct {
		nextHop = route.NextHop
	}

	srcAddr, ok := route.Iface.Address()
	if !ok {
		return simerr.ErrInvalidConfiguration
	}

	maxPayload := maxFragmentPayload(maxFragmentSize)

	chunks, err := fragmentPayload(data, flags.DontFragment, maxPayload)
	if err != nil {
		return err
	}

	id := s.nextIdentification()
	srcMAC := route.Iface.MAC()

	sendFragments := func(mac netaddr.MacAddress) {
		for i, chunk := range chunks {
			frag, err := message.NewIPv4MessageBuilder().
				WithSource(srcMAC).WithDestination(mac).
				WithNetSource(srcAddr).WithNetDestination(dst).
				WithTTL(ttl).WithProtocol(protocol).
				WithIdentification(id).
				WithFlags(message.IPv4Flags{DontFragment: flags.DontFragment, MoreFragments: i != len(chunks)-1}).
				WithFragmentOffset(uint16(i * (maxPayload / 8))).
				WithData(chunk).
				Build()
			if err != nil {
				s.logger.Debug("dropping unbuildable fragment", slogutil.KeyError, err)
				continue
			}

			if err := route.Iface.Send(frag.DatalinkMessage); err != nil {
				s.logger.Debug("send failed", slogutil.KeyError, err)
			}
		}
	}

	if nextHop.IsBroadcast() {
		sendFragments(netaddr.Broadcast)
		return nil
	}

	resolver, ok := s.resolvers[route.Iface.Name()]
	if !ok {
		return simerr.ErrLinkNotConnected
	}

	resolver.Resolve(nextHop, func(mac netaddr.MacAddress, resolved bool) {
		if !resolved {
			return
		}

		sendFragments(mac)
	})

	return nil
}

func (s *Stack) loopbackDeliver(ingress *iface.NetworkInterface, src, dst netaddr.IPv4Address, protocol layers.IPProtocol, data []byte) {
	datagram, err := message.NewIPv4MessageBuilder().
		WithSource(ingress.MAC()).WithDestination(ingress.MAC()).
		WithNetSource(src).WithNetDestination(dst).
		WithTTL(64).WithProtocol(protocol).
		WithData(data).
		Build()
	if err != nil {
		return
	}

	s.deliver(ingress, datagram)
}

func (s *Stack) nextIdentification() uint16 {
	id := s.nextID
	s.nextID++

	return id
}

// maxFragmentPayload converts a max-fragment-size (20-byte header plus
// payload) into the payload capacity of every fragment but the last, rounded
// down to a multiple of 8 octets per RFC-791's offset granularity.
func maxFragmentPayload(maxFragmentSize uint16) int {
	return int(maxFragmentSize-20) / 8 * 8
}

func fragmentPayload(data []byte, dontFragment bool, maxPayload int) ([][]byte, error) {
	if len(data) <= maxPayload {
		return [][]byte{data}, nil
	}
	if dontFragment {
		return nil, simerr.ErrFragmentationRequired
	}

	var chunks [][]byte
	for i := 0; i < len(data); i += maxPayload {
		end := min(i+maxPayload, len(data))
		chunks = append(chunks, data[i:end])
	}

	return chunks, nil
}

func (s *Stack) reassemble(ingress *iface.NetworkInterface, frag message.IPv4Message) (message.IPv4Message, bool) {
	key := reassemblyKey{iface: ingress.Name(), src: frag.NetSrc(), id: frag.Identification()}

	buf, ok := s.reassembly[key]
	if !ok {
		buf = &reassemblyBuffer{fragments: map[uint16]message.IPv4Message{}, totalOctets: -1}
		s.reassembly[key] = buf
	}

	buf.lastActivity = s.sched.DeltaTime()
	buf.fragments[frag.FragmentOffset()] = frag

	if !frag.Flags().MoreFragments {
		buf.totalOctets = int(frag.FragmentOffset())*8 + len(frag.Data())
	}

	if buf.totalOctets < 0 {
		return message.IPv4Message{}, false
	}

	received := 0
	for _, f := range buf.fragments {
		received += len(f.Data())
	}
	if received < buf.totalOctets {
		return message.IPv4Message{}, false
	}

	combined := make([]byte, buf.totalOctets)
	var first message.IPv4Message
	haveFirst := false
	for _, f := range buf.fragments {
		offset := int(f.FragmentOffset()) * 8
		copy(combined[offset:], f.Data())
		if f.FragmentOffset() == 0 {
			first, haveFirst = f, true
		}
	}
	if !haveFirst {
		return message.IPv4Message{}, false
	}

	delete(s.reassembly, key)

	reassembled, err := message.NewIPv4MessageBuilderFrom(first).
		WithFlags(message.IPv4Flags{}).
		WithFragmentOffset(0).
		WithData(combined).
		Build()
	if err != nil {
		return message.IPv4Message{}, false
	}

	return reassembled, true
}

func (s *Stack) purgeReassembly() {
	now := s.sched.DeltaTime()
	for key, buf := range s.reassembly {
		if now-buf.lastActivity >= reassemblyIdleTimeout {
			delete(s.reassembly, key)
		}
	}
}
