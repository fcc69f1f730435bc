package netaddr

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/kossolax/netsim/pkg/simerr"
)

// IPv4Address is a 32-bit IPv4 address or mask. isMask discriminates the
// two: a mask's bits must form a contiguous run of 1s from the MSB; a
// regular address must not.
type IPv4Address struct {
	value  uint32
	isMask bool
}

// IPv4Broadcast is the distinguished limited-broadcast address
// 255.255.255.255.
var IPv4Broadcast = IPv4Address{value: 0xFFFFFFFF}

// ParseIPv4 parses s as four decimal octets in 0..=255, separated by dots,
// with no leading zeros other than a single "0" and no extra tokens. The
// result is a regular address (not a mask); use [ParseIPv4Mask] to parse a
// mask.
func ParseIPv4(s string) (addr IPv4Address, err error) {
	octets, err := parseOctets(s)
	if err != nil {
		return addr, err
	}

	return IPv4Address{value: octets}, nil
}

// MustParseIPv4 is like [ParseIPv4] but panics on error.
func MustParseIPv4(s string) IPv4Address {
	addr, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}

	return addr
}

// ParseIPv4Mask parses s the same way [ParseIPv4] does and additionally
// requires that its bits form a contiguous run of 1s from the most
// significant bit.
func ParseIPv4Mask(s string) (mask IPv4Address, err error) {
	octets, err := parseOctets(s)
	if err != nil {
		return mask, err
	}

	if !isContiguousMask(octets) {
		return mask, fmt.Errorf("%w: %q: mask bits are not a contiguous prefix", simerr.ErrInvalidAddress, s)
	}

	return IPv4Address{value: octets, isMask: true}, nil
}

// MustParseIPv4Mask is like [ParseIPv4Mask] but panics on error.
func MustParseIPv4Mask(s string) IPv4Address {
	mask, err := ParseIPv4Mask(s)
	if err != nil {
		panic(err)
	}

	return mask
}

// MaskFromCIDR builds a mask with the top bits ones, given a prefix length
// in 0..32.
func MaskFromCIDR(bitsLen int) (mask IPv4Address, err error) {
	if bitsLen < 0 || bitsLen > 32 {
		return mask, fmt.Errorf("%w: cidr length %d out of range 0..32", simerr.ErrInvalidAddress, bitsLen)
	}

	var v uint32
	if bitsLen > 0 {
		v = ^uint32(0) << uint(32-bitsLen)
	}

	return IPv4Address{value: v, isMask: true}, nil
}

// IPv4FromUint32 builds a regular (non-mask) address from a raw 32-bit
// value, as decoded from a gopacket layer field.
func IPv4FromUint32(v uint32) IPv4Address {
	return IPv4Address{value: v}
}

// IPv4FromBytes builds a regular (non-mask) address from a 4-byte slice, as
// decoded from a gopacket layer field (e.g. layers.ARP.SourceProtAddress or
// net.IP.To4()).
func IPv4FromBytes(b []byte) (addr IPv4Address, err error) {
	if len(b) != 4 {
		return addr, fmt.Errorf("%w: ipv4 address must be 4 bytes, got %d", simerr.ErrInvalidAddress, len(b))
	}

	return IPv4Address{value: uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])}, nil
}

// Bytes returns the address as 4 big-endian bytes, suitable for passing to
// APIs that expect a raw IPv4 byte slice.
func (a IPv4Address) Bytes() []byte {
	return []byte{byte(a.value >> 24), byte(a.value >> 16), byte(a.value >> 8), byte(a.value)}
}

func parseOctets(s string) (value uint32, err error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: %q: want 4 dot-separated octets", simerr.ErrInvalidAddress, s)
	}

	var out uint32
	for _, p := range parts {
		if p == "" || (len(p) > 1 && p[0] == '0') {
			return 0, fmt.Errorf("%w: %q: octet %q has a leading zero or is empty", simerr.ErrInvalidAddress, s, p)
		}

		for _, c := range p {
			if c < '0' || c > '9' {
				return 0, fmt.Errorf("%w: %q: octet %q is not decimal", simerr.ErrInvalidAddress, s, p)
			}
		}

		n, convErr := strconv.ParseUint(p, 10, 16)
		if convErr != nil || n > 255 {
			return 0, fmt.Errorf("%w: %q: octet %q out of range 0..255", simerr.ErrInvalidAddress, s, p)
		}

		out = out<<8 | uint32(n)
	}

	return out, nil
}

// isContiguousMask reports whether v's bits form a run of 1s starting at
// the MSB followed by a run of 0s, which is true iff v is either 0,
// all-ones, or of the form ^(^0 >> n) for some n in 1..31.
func isContiguousMask(v uint32) bool {
	ones := bits.LeadingZeros32(^v)

	if ones == 32 {
		return true
	}

	return v == ^uint32(0)<<uint(32-ones)
}

// IsMask reports whether addr was constructed as a mask.
func (a IPv4Address) IsMask() bool {
	return a.isMask
}

// IsBroadcast reports whether addr is the limited-broadcast address
// 255.255.255.255.
func (a IPv4Address) IsBroadcast() bool {
	return !a.isMask && a.value == IPv4Broadcast.value
}

// Uint32 returns the address as a big-endian-ordered 32-bit integer.
func (a IPv4Address) Uint32() uint32 {
	return a.value
}

// String implements the fmt.Stringer interface for IPv4Address, formatting
// it in dotted-decimal form.
func (a IPv4Address) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(a.value>>24), byte(a.value>>16), byte(a.value>>8), byte(a.value))
}

// Equal reports whether a and other hold the same 32-bit value, regardless
// of the isMask discriminator.
func (a IPv4Address) Equal(other IPv4Address) bool {
	return a.value == other.value
}

// CIDR returns the number of leading 1 bits in a mask. The result is
// meaningless if a is not a mask; callers should check [IPv4Address.IsMask]
// first.
func (a IPv4Address) CIDR() int {
	return bits.LeadingZeros32(^a.value)
}

// Add returns addr+delta, wrapping around modulo 2^32. This matches the
// full wrap-around modulo 2^32, symmetric with [IPv4Address.Subtract].
func (a IPv4Address) Add(delta uint32) IPv4Address {
	return IPv4Address{value: a.value + delta}
}

// Subtract returns addr-delta, wrapping around modulo 2^32, symmetric with
// [IPv4Address.Add], using plain modular arithmetic rather than a
// carry-based scheme that would make Add and Subtract asymmetric.
func (a IPv4Address) Subtract(delta uint32) IPv4Address {
	return IPv4Address{value: a.value - delta}
}

// Network returns the network address of addr under mask: addr & mask.
func (a IPv4Address) Network(mask IPv4Address) IPv4Address {
	return IPv4Address{value: a.value & mask.value}
}

// NetworkBroadcast returns the network-specific broadcast address of addr
// under mask: (addr & mask) | ^mask.
func (a IPv4Address) NetworkBroadcast(mask IPv4Address) IPv4Address {
	return IPv4Address{value: (a.value & mask.value) | ^mask.value}
}

// InSameNetwork reports whether addr and other fall in the same subnet
// under mask.
func (a IPv4Address) InSameNetwork(mask, other IPv4Address) bool {
	return a.Network(mask).Equal(other.Network(mask))
}

// GenerateMask returns the classful default mask for addr (class A, B, or
// C) Class D/E addresses (the first octet >= 224) return
// a /32 mask, since they have no classful subnet concept.
func (a IPv4Address) GenerateMask() IPv4Address {
	firstOctet := byte(a.value >> 24)

	switch {
	case firstOctet < 128:
		mask, _ := MaskFromCIDR(8)
		return mask
	case firstOctet < 192:
		mask, _ := MaskFromCIDR(16)
		return mask
	case firstOctet < 224:
		mask, _ := MaskFromCIDR(24)
		return mask
	default:
		mask, _ := MaskFromCIDR(32)
		return mask
	}
}
