// Package dhcp implements DHCPv4: a client that leases an address for a
// [pkg/iface.NetworkInterface], a server that offers and tracks leases from
// an address pool, and a relay that forwards client broadcasts across
// subnets by stamping the gateway address field.
package dhcp

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/kossolax/netsim/pkg/message"
	"github.com/kossolax/netsim/pkg/netaddr"
	"github.com/kossolax/netsim/pkg/simerr"
)

// Port numbers for DHCPv4, per RFC 2131 Section 4.1.
const (
	ServerPort layers.UDPPort = 67
	ClientPort layers.UDPPort = 68
)

var (
	zeroIP = netaddr.MustParseIPv4("0.0.0.0")
)

func ipv4ToNetIP(a netaddr.IPv4Address) net.IP {
	b := a.Bytes()
	return net.IPv4(b[0], b[1], b[2], b[3])
}

// buildFrame wraps dhcp in a UDP datagram addressed srcPort->dstPort and
// that datagram in an IPv4 message from srcMAC/srcIP to dstMAC/dstIP, the
// same two-layer wrapping [pkg/arp.Resolver] does for an ARP payload except
// one level deeper, since DHCP rides on UDP/IP rather than directly on
// Ethernet.
func buildFrame(
	srcMAC, dstMAC netaddr.MacAddress,
	srcIP, dstIP netaddr.IPv4Address,
	srcPort, dstPort layers.UDPPort,
	dhcp *layers.DHCPv4,
) (message.IPv4Message, error) {
	udp := &layers.UDP{SrcPort: srcPort, DstPort: dstPort}
	pseudoIP := &layers.IPv4{SrcIP: ipv4ToNetIP(srcIP), DstIP: ipv4ToNetIP(dstIP), Protocol: layers.IPProtocolUDP}
	if err := udp.SetNetworkLayerForChecksum(pseudoIP); err != nil {
		return message.IPv4Message{}, fmt.Errorf("setting dhcp udp checksum network layer: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, udp, dhcp); err != nil {
		return message.IPv4Message{}, fmt.Errorf("serializing dhcp datagram: %w", err)
	}

	return message.NewIPv4MessageBuilder().
		WithSource(srcMAC).WithDestination(dstMAC).
		WithNetSource(srcIP).WithNetDestination(dstIP).
		WithTTL(64).WithProtocol(layers.IPProtocolUDP).
		WithData(buf.Bytes()).
		Build()
}

// parseDHCP extracts the DHCPv4 message and UDP ports carried in an IPv4
// datagram, returning ok=false if it isn't a DHCP message on port 67 or 68.
func parseDHCP(datagram message.IPv4Message) (srcPort, dstPort layers.UDPPort, dhcp *layers.DHCPv4, ok bool) {
	if datagram.Protocol() != layers.IPProtocolUDP {
		return 0, 0, nil, false
	}

	packet := gopacket.NewPacket(datagram.Data(), layers.LayerTypeUDP, gopacket.NoCopy)
	udpLayer, isUDP := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !isUDP {
		return 0, 0, nil, false
	}

	if udpLayer.DstPort != ServerPort && udpLayer.DstPort != ClientPort {
		return 0, 0, nil, false
	}

	dhcpPacket := gopacket.NewPacket(udpLayer.LayerPayload(), layers.LayerTypeDHCPv4, gopacket.NoCopy)
	dhcpLayer, isDHCP := dhcpPacket.Layer(layers.LayerTypeDHCPv4).(*layers.DHCPv4)
	if !isDHCP {
		return 0, 0, nil, false
	}

	return udpLayer.SrcPort, udpLayer.DstPort, dhcpLayer, true
}

// msgType returns the DHCP message type option of msg, if present.
func msgType(msg *layers.DHCPv4) (typ layers.DHCPMsgType, ok bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptMessageType && len(opt.Data) > 0 {
			return layers.DHCPMsgType(opt.Data[0]), true
		}
	}

	return 0, false
}

// requestedIP returns the client's "requested IP address" option, if any.
func requestedIP(msg *layers.DHCPv4) (netaddr.IPv4Address, bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptRequestIP && len(opt.Data) == net.IPv4len {
			ip, err := netaddr.IPv4FromBytes(opt.Data)
			return ip, err == nil
		}
	}

	return netaddr.IPv4Address{}, false
}

// serverID returns the "server identifier" option, if any.
func serverID(msg *layers.DHCPv4) (netaddr.IPv4Address, bool) {
	for _, opt := range msg.Options {
		if opt.Type == layers.DHCPOptServerID && len(opt.Data) == net.IPv4len {
			ip, err := netaddr.IPv4FromBytes(opt.Data)
			return ip, err == nil
		}
	}

	return netaddr.IPv4Address{}, false
}

// optionIPv4 looks for a single-address option of type t.
func optionIPv4(opts layers.DHCPOptions, t layers.DHCPOpt) (netaddr.IPv4Address, bool) {
	for _, opt := range opts {
		if opt.Type == t && len(opt.Data) == net.IPv4len {
			ip, err := netaddr.IPv4FromBytes(opt.Data)
			return ip, err == nil
		}
	}

	return netaddr.IPv4Address{}, false
}

func mustHWAddrMac(hw net.HardwareAddr) (netaddr.MacAddress, error) {
	mac, err := netaddr.MacFromBytes(hw)
	if err != nil {
		return netaddr.MacAddress{}, fmt.Errorf("%w: dhcp client hardware address: %w", simerr.ErrInvalidAddress, err)
	}

	return mac, nil
}
