package dhcp

import (
	"log/slog"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
)

// Relay forwards DHCP broadcasts from clients on one subnet to a unicast
// server on another, stamping the gateway address field (RFC 2131 section
// 4.1) so the server can compute which subnet to lease from, and relays
// the server's reply (addressed to 255.255.255.255) back as a client-side
// broadcast. It has no
// state machine of its own: every message is forwarded independently, a
// supplemented feature the distilled exchange never needed since its
// tests ran client and server on the same segment.
type Relay struct {
	clientSide *iface.NetworkInterface
	serverSide *iface.NetworkInterface
	serverIP   netaddr.IPv4Address

	logger *slog.Logger
	unsubs []listener.Unsubscribe
}

// NewRelay returns a Relay forwarding DISCOVER/REQUEST/RELEASE/DECLINE
// broadcasts received on clientSide to serverIP via serverSide, and
// OFFER/ACK/NAK replies back.
func NewRelay(clientSide, serverSide *iface.NetworkInterface, serverIP netaddr.IPv4Address) *Relay {
	r := &Relay{
		clientSide: clientSide,
		serverSide: serverSide,
		serverIP:   serverIP,
		logger:     slogutil.NewDiscardLogger(),
	}

	r.unsubs = append(r.unsubs, clientSide.OnDatalinkEvent(r), serverSide.OnDatalinkEvent(r))

	return r
}

// SetLogger replaces the relay's logger.
func (r *Relay) SetLogger(logger *slog.Logger) { r.logger = logger }

// Close unsubscribes the relay from both of its interfaces.
func (r *Relay) Close() {
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// OnFrameReceived implements [pkg/iface.DatalinkListener] on both of the
// relay's interfaces; it tells them apart by the hardware interface the
// frame arrived on.
func (r *Relay) OnFrameReceived(hw *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if frame.EtherType() != layers.EthernetTypeIPv4 {
		return listener.Continue
	}

	datagram, err := message.ParseIPv4Message(frame)
	if err != nil {
		return listener.Continue
	}

	_, dstPort, req, ok := parseDHCP(datagram)
	if !ok {
		return listener.Continue
	}

	switch hw {
	case r.clientSide.HardwareInterface:
		if dstPort == ServerPort {
			r.forwardToServer(req)
		}
	case r.serverSide.HardwareInterface:
		if dstPort == ClientPort {
			r.forwardToClient(req)
		}
	}

	return listener.Handled
}

func (r *Relay) forwardToServer(req *layers.DHCPv4) {
	giaddr, ok := r.clientSide.Address()
	if !ok {
		r.logger.Debug("dropping dhcp broadcast: relay client-side interface has no address")
		return
	}

	relayed := *req
	relayed.RelayAgentIP = ipv4ToNetIP(giaddr)

	srcIP, ok := r.serverSide.Address()
	if !ok {
		return
	}

	frame, err := buildFrame(r.serverSide.MAC(), netaddr.Broadcast, srcIP, r.serverIP, ServerPort, ServerPort, &relayed)
	if err != nil {
		r.logger.Debug("building relayed dhcp request", slogutil.KeyError, err)
		return
	}

	if err := r.serverSide.Send(frame.DatalinkMessage); err != nil {
		r.logger.Debug("sending relayed dhcp request", slogutil.KeyError, err)
	}
}

func (r *Relay) forwardToClient(resp *layers.DHCPv4) {
	giaddr, ok := r.clientSide.Address()
	if !ok {
		return
	}

	if relayIP, err := netaddr.IPv4FromBytes(resp.RelayAgentIP.To4()); err != nil || !relayIP.Equal(giaddr) {
		return
	}

	frame, err := buildFrame(r.clientSide.MAC(), netaddr.Broadcast, giaddr, netaddr.IPv4Broadcast, ServerPort, ClientPort, resp)
	if err != nil {
		r.logger.Debug("building relayed dhcp reply", slogutil.KeyError, err)
		return
	}

	if err := r.clientSide.Send(frame.DatalinkMessage); err != nil {
		r.logger.Debug("sending relayed dhcp reply", slogutil.KeyError, err)
	}
}
