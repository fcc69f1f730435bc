package dhcp

import (
	"log/slog"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/validate"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// defaultLeaseTime is how long a dynamically leased address is valid, in
// scheduler seconds, absent an explicit [Server.SetLeaseTime].
const defaultLeaseTime = 3600.0

// purgeInterval is how often a Server sweeps its pool for expired leases.
const purgeInterval = 60.0

// Server answers DHCPDISCOVER/REQUEST/RELEASE/DECLINE messages arriving on
// one [pkg/iface.NetworkInterface], allocating addresses from a [Pool]. Its
// method split (handleDiscover/handleRequest/handleRelease/handleDecline,
// respond/respondNAK) mirrors dhcpsvc's dhcpInterfaceV4.
type Server struct {
	sched *scheduler.Scheduler
	net   *iface.NetworkInterface
	pool  *Pool

	gateway   netaddr.IPv4Address
	mask      netaddr.IPv4Address
	dns       []netaddr.IPv4Address
	leaseTime float64

	logger      *slog.Logger
	purgeCancel scheduler.CancelFunc
}

// NewServer returns a Server bound to n, leasing addresses in [start, end]
// with gateway and mask advertised to clients. n must already have an
// address configured; the server answers as that address.
func NewServer(sched *scheduler.Scheduler, n *iface.NetworkInterface, start, end, gateway, mask netaddr.IPv4Address) (*Server, error) {
	pool, err := NewPool(start, end)
	if err != nil {
		return nil, err
	}

	s := &Server{
		sched:     sched,
		net:       n,
		pool:      pool,
		gateway:   gateway,
		mask:      mask,
		leaseTime: defaultLeaseTime,
		logger:    slogutil.NewDiscardLogger(),
	}

	n.OnDatalinkEvent(s)
	s.purgeCancel = sched.Repeat(purgeInterval, func() { s.pool.PurgeExpired(s.sched.DeltaTime()) })

	return s, nil
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(logger *slog.Logger) { s.logger = logger }

// SetLeaseTime overrides the lease duration offered to clients. It returns
// an error, not panics, on a non-positive duration, the way
// dhcpsvc.IPv4Config.Validate rejects a non-positive LeaseDuration.
func (s *Server) SetLeaseTime(seconds float64) error {
	if err := validate.Positive("lease time", seconds); err != nil {
		return errors.Annotate(err, "dhcp server: %w")
	}

	s.leaseTime = seconds

	return nil
}

// SetDNS sets the DNS server addresses advertised to clients.
func (s *Server) SetDNS(servers ...netaddr.IPv4Address) { s.dns = servers }

// Close stops the server's lease-purge job.
func (s *Server) Close() { s.purgeCancel() }

// OnFrameReceived implements [pkg/iface.DatalinkListener].
func (s *Server) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if frame.EtherType() != layers.EthernetTypeIPv4 {
		return listener.Continue
	}

	datagram, err := message.ParseIPv4Message(frame)
	if err != nil {
		return listener.Continue
	}

	_, dstPort, req, ok := parseDHCP(datagram)
	if !ok || dstPort != ServerPort {
		return listener.Continue
	}

	if req.Operation != layers.DHCPOpRequest {
		return listener.Handled
	}

	typ, ok := msgType(req)
	if !ok {
		return listener.Handled
	}

	switch typ {
	case layers.DHCPMsgTypeDiscover:
		s.handleDiscover(req)
	case layers.DHCPMsgTypeRequest:
		s.handleRequest(req)
	case layers.DHCPMsgTypeRelease:
		s.handleRelease(req)
	case layers.DHCPMsgTypeDecline:
		s.handleDecline(req)
	}

	return listener.Handled
}

func (s *Server) handleDiscover(req *layers.DHCPv4) {
	mac, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		s.logger.Debug("discover with invalid hardware address", slogutil.KeyError, err)
		return
	}

	preferred, _ := requestedIP(req)

	l, err := s.pool.Reserve(mac, preferred, s.sched.DeltaTime())
	if err != nil {
		s.logger.Debug("pool exhausted", slogutil.KeyError, err)
		return
	}

	s.respond(layers.DHCPMsgTypeOffer, req, l.IP, nil)
}

func (s *Server) handleRequest(req *layers.DHCPv4) {
	mac, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		return
	}

	reqIP, hasReqIP := requestedIP(req)
	if !hasReqIP {
		reqIP, err = netaddr.IPv4FromBytes(req.ClientIP.To4())
		if err != nil {
			s.respondNAK(req)
			return
		}
	}

	if srv, hasSrv := serverID(req); hasSrv && !srv.Equal(s.gatewayAsServerID()) {
		// The client selected a different server's offer.
		return
	}

	l, err := s.pool.Reserve(mac, reqIP, s.sched.DeltaTime())
	if err != nil || !l.IP.Equal(reqIP) {
		s.respondNAK(req)
		return
	}

	l.Hostname = hostnameOf(req)
	l.Expiry = s.sched.DeltaTime() + s.leaseTime
	s.pool.Commit(l)

	s.respond(layers.DHCPMsgTypeAck, req, l.IP, nil)
}

func (s *Server) handleRelease(req *layers.DHCPv4) {
	mac, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		return
	}

	s.pool.Release(mac)
}

func (s *Server) handleDecline(req *layers.DHCPv4) {
	mac, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		return
	}

	s.pool.Release(mac)
}

func (s *Server) gatewayAsServerID() netaddr.IPv4Address {
	addr, ok := s.net.Address()
	if !ok {
		return s.gateway
	}

	return addr
}

func (s *Server) respond(msgType layers.DHCPMsgType, req *layers.DHCPv4, yourIP netaddr.IPv4Address, extra layers.DHCPOptions) {
	srcIP := s.gatewayAsServerID()

	opts := layers.DHCPOptions{
		layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(msgType)}),
		layers.NewDHCPOption(layers.DHCPOptServerID, srcIP.Bytes()),
		layers.NewDHCPOption(layers.DHCPOptSubnetMask, s.mask.Bytes()),
		layers.NewDHCPOption(layers.DHCPOptRouter, s.gateway.Bytes()),
		layers.NewDHCPOption(layers.DHCPOptLeaseTime, uint32ToBytes(uint32(s.leaseTime))),
	}

	for _, dns := range s.dns {
		opts = append(opts, layers.NewDHCPOption(layers.DHCPOptDNS, dns.Bytes()))
	}

	opts = append(opts, extra...)

	resp := &layers.DHCPv4{
		Operation:     layers.DHCPOpReply,
		HardwareType:  layers.LinkTypeEthernet,
		HardwareLen:   uint8(len(req.ClientHWAddr)),
		Xid:           req.Xid,
		YourClientIP:  ipv4ToNetIP(yourIP),
		ClientHWAddr:  req.ClientHWAddr,
		RelayAgentIP:  req.RelayAgentIP,
		Options:       opts,
	}

	clientMAC, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		return
	}

	frame, err := buildFrame(s.net.MAC(), clientMAC, srcIP, netaddr.IPv4Broadcast, ServerPort, ClientPort, resp)
	if err != nil {
		s.logger.Debug("building dhcp response", slogutil.KeyError, err)
		return
	}

	if err := s.net.Send(frame.DatalinkMessage); err != nil {
		s.logger.Debug("sending dhcp response", slogutil.KeyError, err)
	}
}

func (s *Server) respondNAK(req *layers.DHCPv4) {
	srcIP := s.gatewayAsServerID()

	resp := &layers.DHCPv4{
		Operation:    layers.DHCPOpReply,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  uint8(len(req.ClientHWAddr)),
		Xid:          req.Xid,
		ClientHWAddr: req.ClientHWAddr,
		RelayAgentIP: req.RelayAgentIP,
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeNak)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, srcIP.Bytes()),
		},
	}

	clientMAC, err := mustHWAddrMac(req.ClientHWAddr)
	if err != nil {
		return
	}

	frame, err := buildFrame(s.net.MAC(), clientMAC, srcIP, netaddr.IPv4Broadcast, ServerPort, ClientPort, resp)
	if err != nil {
		return
	}

	_ = s.net.Send(frame.DatalinkMessage)
}

func hostnameOf(req *layers.DHCPv4) string {
	for _, opt := range req.Options {
		if opt.Type == layers.DHCPOptHostname && len(opt.Data) > 0 {
			return string(opt.Data)
		}
	}

	return ""
}

func uint32ToBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
