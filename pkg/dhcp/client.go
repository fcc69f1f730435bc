package dhcp

import (
	"log/slog"
	"math/rand/v2"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/iface"
	"github.com/kossolax/netsim/pkg/listener"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/scheduler"
)

// initialRetryTimeout and maxRetryTimeout bound the exponential backoff a
// Client applies between unanswered DISCOVER or REQUEST retransmissions,
// the same doubling-with-ceiling shape RFC 2131 section 4.1 recommends and
// [pkg/arp.Resolver] doesn't need only because ARP has no server to wait on
// across a slow link.
const (
	initialRetryTimeout = 4.0
	maxRetryTimeout     = 64.0
)

// maxRetries bounds how many times a Client retransmits an unanswered
// DISCOVER or REQUEST before giving up on the exchange and moving to
// [stateFailed].
const maxRetries = 4

type clientState int

const (
	stateInit clientState = iota
	stateSelecting
	stateRequesting
	stateBound
	stateFailed
)

// Client implements [pkg/iface.DHCPClient]: it leases an address for the
// [pkg/iface.NetworkInterface] it is attached to, retrying with exponential
// backoff, and applies the lease (address, mask) directly to the
// interface once acknowledged.
type Client struct {
	sched *scheduler.Scheduler
	net   *iface.NetworkInterface
	logger *slog.Logger

	state        clientState
	xid          uint32
	retryTimeout float64
	retries      int
	cancel       scheduler.CancelFunc
	onFailure    func()

	serverIP netaddr.IPv4Address
	leaseIP  netaddr.IPv4Address
	mask     netaddr.IPv4Address
	gateway  netaddr.IPv4Address
	leaseEnd float64

	running bool
}

// NewClient returns a Client that will drive n's addressing once Start is
// called.
func NewClient(sched *scheduler.Scheduler, n *iface.NetworkInterface) *Client {
	c := &Client{
		sched:  sched,
		net:    n,
		logger: slogutil.NewDiscardLogger(),
	}

	n.SetDHCPClient(c)

	return c
}

// SetLogger replaces the client's logger.
func (c *Client) SetLogger(logger *slog.Logger) { c.logger = logger }

// LeaseIP returns the currently bound address, if any.
func (c *Client) LeaseIP() (netaddr.IPv4Address, bool) { return c.leaseIP, c.state == stateBound }

// Gateway returns the router address offered in the lease, if the server
// advertised one.
func (c *Client) Gateway() (netaddr.IPv4Address, bool) {
	return c.gateway, c.state == stateBound && c.gateway != (netaddr.IPv4Address{})
}

// Failed reports whether the client exhausted its retries without obtaining
// a lease.
func (c *Client) Failed() bool { return c.state == stateFailed }

// OnFailure registers fn to be called once when the client gives up after
// exhausting [maxRetries] retransmissions without a reply.
func (c *Client) OnFailure(fn func()) { c.onFailure = fn }

// Start implements [pkg/iface.DHCPClient]: it begins the DISCOVER/OFFER/
// REQUEST/ACK exchange.
func (c *Client) Start() {
	if c.running {
		return
	}

	c.running = true
	c.state = stateInit
	c.xid = rand.Uint32()
	c.retryTimeout = initialRetryTimeout
	c.retries = 0

	c.net.OnDatalinkEvent(c)
	c.sendDiscover()
}

// Stop implements [pkg/iface.DHCPClient]: it releases any held lease and
// clears the interface's address.
func (c *Client) Stop() {
	if !c.running {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.state == stateBound {
		c.sendRelease()
	}

	c.running = false
	c.state = stateInit
	c.net.ClearAddress()
}

func (c *Client) sendDiscover() {
	c.state = stateSelecting

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          c.xid,
		ClientHWAddr: c.net.MAC().Bytes(),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeDiscover)}),
		},
	}

	c.broadcast(req)
	c.armRetry(c.sendDiscover)
}

func (c *Client) sendRequest() {
	c.state = stateRequesting

	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          c.xid,
		ClientHWAddr: c.net.MAC().Bytes(),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRequest)}),
			layers.NewDHCPOption(layers.DHCPOptRequestIP, c.leaseIP.Bytes()),
			layers.NewDHCPOption(layers.DHCPOptServerID, c.serverIP.Bytes()),
		},
	}

	c.broadcast(req)
	c.armRetry(c.sendRequest)
}

func (c *Client) sendRelease() {
	req := &layers.DHCPv4{
		Operation:    layers.DHCPOpRequest,
		HardwareType: layers.LinkTypeEthernet,
		HardwareLen:  6,
		Xid:          rand.Uint32(),
		ClientIP:     ipv4ToNetIP(c.leaseIP),
		ClientHWAddr: c.net.MAC().Bytes(),
		Options: layers.DHCPOptions{
			layers.NewDHCPOption(layers.DHCPOptMessageType, []byte{byte(layers.DHCPMsgTypeRelease)}),
			layers.NewDHCPOption(layers.DHCPOptServerID, c.serverIP.Bytes()),
		},
	}

	frame, err := buildFrame(c.net.MAC(), netaddr.Broadcast, c.leaseIP, c.serverIP, ClientPort, ServerPort, req)
	if err != nil {
		return
	}

	_ = c.net.Send(frame.DatalinkMessage)
}

func (c *Client) broadcast(req *layers.DHCPv4) {
	frame, err := buildFrame(c.net.MAC(), netaddr.Broadcast, zeroIP, netaddr.IPv4Broadcast, ClientPort, ServerPort, req)
	if err != nil {
		c.logger.Debug("building dhcp request", slogutil.KeyError, err)
		return
	}

	if err := c.net.Send(frame.DatalinkMessage); err != nil {
		c.logger.Debug("sending dhcp request", slogutil.KeyError, err)
	}
}

// armRetry schedules fn to retransmit after the current backoff, unless
// [maxRetries] unanswered attempts have already gone by, in which case it
// gives up on the exchange instead of arming another retry.
func (c *Client) armRetry(fn func()) {
	if c.retries >= maxRetries {
		c.fail()
		return
	}

	c.retries++
	c.cancel = c.sched.Once(c.retryTimeout, fn)
	c.retryTimeout = min(c.retryTimeout*2, maxRetryTimeout)
}

func (c *Client) fail() {
	c.running = false
	c.state = stateFailed

	if c.onFailure != nil {
		c.onFailure()
	}
}

// OnFrameReceived implements [pkg/iface.DatalinkListener].
func (c *Client) OnFrameReceived(_ *iface.HardwareInterface, frame message.DatalinkMessage) listener.Outcome {
	if !c.running || frame.EtherType() != layers.EthernetTypeIPv4 {
		return listener.Continue
	}

	datagram, err := message.ParseIPv4Message(frame)
	if err != nil {
		return listener.Continue
	}

	_, dstPort, resp, ok := parseDHCP(datagram)
	if !ok || dstPort != ClientPort || resp.Xid != c.xid {
		return listener.Continue
	}

	typ, ok := msgType(resp)
	if !ok {
		return listener.Handled
	}

	switch {
	case typ == layers.DHCPMsgTypeOffer && c.state == stateSelecting:
		c.handleOffer(resp)
	case typ == layers.DHCPMsgTypeAck && c.state == stateRequesting:
		c.handleAck(resp)
	case typ == layers.DHCPMsgTypeNak && c.state == stateRequesting:
		c.handleNak()
	}

	return listener.Handled
}

func (c *Client) handleOffer(resp *layers.DHCPv4) {
	srv, ok := serverID(resp)
	if !ok {
		return
	}

	ip, err := netaddr.IPv4FromBytes(resp.YourClientIP.To4())
	if err != nil {
		return
	}

	if c.cancel != nil {
		c.cancel()
	}

	c.serverIP = srv
	c.leaseIP = ip
	c.retryTimeout = initialRetryTimeout
	c.retries = 0

	c.sendRequest()
}

func (c *Client) handleAck(resp *layers.DHCPv4) {
	if c.cancel != nil {
		c.cancel()
	}

	mask, hasMask := optionIPv4(resp.Options, layers.DHCPOptSubnetMask)
	if !hasMask {
		mask = c.leaseIP.GenerateMask()
	}

	if gw, ok := optionIPv4(resp.Options, layers.DHCPOptRouter); ok {
		c.gateway = gw
	}

	leaseSeconds := float64(defaultLeaseTime)
	for _, opt := range resp.Options {
		if opt.Type == layers.DHCPOptLeaseTime && len(opt.Data) == 4 {
			leaseSeconds = float64(uint32(opt.Data[0])<<24 | uint32(opt.Data[1])<<16 | uint32(opt.Data[2])<<8 | uint32(opt.Data[3]))
		}
	}

	c.mask = mask
	c.leaseEnd = c.sched.DeltaTime() + leaseSeconds
	c.state = stateBound

	if err := c.net.SetAddress(c.leaseIP, c.mask); err != nil {
		c.logger.Debug("applying dhcp lease", slogutil.KeyError, err)
		return
	}

	c.cancel = c.sched.Once(leaseSeconds/2, c.renew)
}

func (c *Client) handleNak() {
	if c.cancel != nil {
		c.cancel()
	}

	c.net.ClearAddress()
	c.retryTimeout = initialRetryTimeout
	c.retries = 0
	c.xid = rand.Uint32()
	c.sendDiscover()
}

func (c *Client) renew() {
	if c.state != stateBound {
		return
	}

	c.retryTimeout = initialRetryTimeout
	c.retries = 0
	c.sendRequest()
}
