// Package netaddr implements the simulator's address types: [MacAddress]
// and [IPv4Address], which also represents subnet masks.
//
// All parsing is total: malformed input surfaces as
// github.com/kossolax/netsim/pkg/simerr.ErrInvalidAddress rather than a
// panic, matching the model ("The core never panics on malformed input").
package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/AdguardTeam/golibs/netutil"
	"github.com/kossolax/netsim/pkg/simerr"
)

// MacAddress is a 48-bit Ethernet hardware address.
//
// The zero value is the all-zeros address, not a valid "unset" sentinel;
// callers that need to represent "no address" should use a pointer or a
// separate boolean, the way [pkg/iface.NetworkInterface.Address] reports
// an unset address.
type MacAddress [6]byte

// Broadcast is the dedicated Ethernet broadcast address
// FF:FF:FF:FF:FF:FF.
var Broadcast = MacAddress{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// STPMulticast is the multicast destination used by Spanning Tree BPDUs
//.
var STPMulticast = MacAddress{0x01, 0x80, 0xC2, 0x00, 0x00, 0x00}

// ParseMac parses s as six colon-separated hexadecimal octets
// (HH:HH:HH:HH:HH:HH), case-insensitively. Any other separator or octet
// count is rejected, unlike [net.ParseMAC], which also accepts hyphens and
// dotted-quad forms; the simulator deliberately matches only the
// colon-separated hex form.
func ParseMac(s string) (mac MacAddress, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("%w: %q: want 6 colon-separated octets", simerr.ErrInvalidAddress, s)
	}

	for i, p := range parts {
		if len(p) != 2 {
			return mac, fmt.Errorf("%w: %q: octet %q is not two hex digits", simerr.ErrInvalidAddress, s, p)
		}

		v, parseErr := strconv.ParseUint(p, 16, 8)
		if parseErr != nil {
			return mac, fmt.Errorf("%w: %q: %w", simerr.ErrInvalidAddress, s, parseErr)
		}

		mac[i] = byte(v)
	}

	if err = netutil.ValidateMAC(net.HardwareAddr(mac[:])); err != nil {
		return MacAddress{}, fmt.Errorf("%w: %q: %w", simerr.ErrInvalidAddress, s, err)
	}

	return mac, nil
}

// MustParseMac is like [ParseMac] but panics on error. It exists for tests
// and literal topology construction, the way netip.MustParseAddr does.
func MustParseMac(s string) MacAddress {
	mac, err := ParseMac(s)
	if err != nil {
		panic(err)
	}

	return mac
}

// String implements the fmt.Stringer interface for MacAddress, formatting
// it as HH:HH:HH:HH:HH:HH in uppercase, matching [Broadcast]'s literal form.
func (m MacAddress) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the Ethernet broadcast address.
func (m MacAddress) IsBroadcast() bool {
	return m == Broadcast
}

// IsMulticast reports whether m has the multicast bit set (the
// least-significant bit of the first octet).
func (m MacAddress) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// Compare returns -1, 0, or +1 depending on whether m sorts before, equal
// to, or after other, comparing octets left to right. MacAddress is
// therefore totally ordered
func (m MacAddress) Compare(other MacAddress) int {
	for i := range m {
		switch {
		case m[i] < other[i]:
			return -1
		case m[i] > other[i]:
			return 1
		}
	}

	return 0
}

// Less reports whether m sorts strictly before other.
func (m MacAddress) Less(other MacAddress) bool {
	return m.Compare(other) < 0
}

// Bytes returns the 6 octets of m as a newly allocated slice, suitable for
// passing to APIs that expect [net.HardwareAddr] (as gopacket layers do).
func (m MacAddress) Bytes() net.HardwareAddr {
	out := make(net.HardwareAddr, len(m))
	copy(out, m[:])

	return out
}

// MacFromBytes builds a MacAddress from a 6-byte slice, as decoded from a
// gopacket layer field (e.g. layers.ARP.SourceHwAddress).
func MacFromBytes(b []byte) (mac MacAddress, err error) {
	if len(b) != 6 {
		return mac, fmt.Errorf("%w: mac address must be 6 bytes, got %d", simerr.ErrInvalidAddress, len(b))
	}

	copy(mac[:], b)

	return mac, nil
}
