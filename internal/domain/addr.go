package domain

import (
	"encoding/binary"
	"net"

	"golang.org/x/sys/unix"
)

// Family tags an AddressValue as IPv4 or IPv6. SOCKS5 ATYPE codes double
// as the wire encoding of this tag.
type Family byte

const (
	FamilyV4 Family = AtypIPv4
	FamilyV6 Family = AtypIPv6
)

// AddressValue is a dual-family endpoint: a tagged, fixed-size IP plus a
// port, with the wire encode/decode SOCKS5 BND/DST fields need. It is
// immutable once constructed.
type AddressValue struct {
	family Family
	ip     [16]byte
	ipLen  int
	port   uint16
}

// ZeroAddressValue is the all-zero v4 address used in failure replies.
var ZeroAddressValue = AddressValue{family: FamilyV4, ipLen: 4}

func FromIPv4(ip [4]byte, port uint16) AddressValue {
	a := AddressValue{family: FamilyV4, ipLen: 4, port: port}
	copy(a.ip[:4], ip[:])
	return a
}

func FromIPv6(ip [16]byte, port uint16) AddressValue {
	a := AddressValue{family: FamilyV6, ipLen: 16, port: port}
	copy(a.ip[:16], ip[:])
	return a
}

// FromNetIP builds an AddressValue from a standard net.IP, picking v4 or
// v6 by the length of the 4-in-6/4-byte form. Used at syscall boundaries
// (getsockname, accept) where the kernel hands back a net.IP-shaped value.
func FromNetIP(ip net.IP, port uint16) AddressValue {
	if v4 := ip.To4(); v4 != nil {
		var b [4]byte
		copy(b[:], v4)
		return FromIPv4(b, port)
	}
	var b [16]byte
	copy(b[:], ip.To16())
	return FromIPv6(b, port)
}

func (a AddressValue) Family() Family { return a.family }

func (a AddressValue) IPBytes() []byte { return a.ip[:a.ipLen] }

func (a AddressValue) IPLength() int { return a.ipLen }

func (a AddressValue) Port() uint16 { return a.port }

func (a AddressValue) NetIP() net.IP {
	return net.IP(append([]byte(nil), a.ip[:a.ipLen]...))
}

func (a AddressValue) String() string {
	return net.JoinHostPort(a.NetIP().String(), itoa(int(a.port)))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [6]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Equal compares family, IP bytes and port.
func (a AddressValue) Equal(b AddressValue) bool {
	return a.EqualIP(b) && a.port == b.port
}

// EqualIP compares family and IP bytes only, ignoring port.
func (a AddressValue) EqualIP(b AddressValue) bool {
	if a.family != b.family || a.ipLen != b.ipLen {
		return false
	}
	for i := 0; i < a.ipLen; i++ {
		if a.ip[i] != b.ip[i] {
			return false
		}
	}
	return true
}

// IsUnspecified reports whether the IP portion is all-zero.
func (a AddressValue) IsUnspecified() bool {
	for i := 0; i < a.ipLen; i++ {
		if a.ip[i] != 0 {
			return false
		}
	}
	return true
}

// Encode appends the wire form (ATYPE | IP | big-endian port) to dst and
// returns the extended slice.
func (a AddressValue) Encode(dst []byte) []byte {
	dst = append(dst, byte(a.family))
	dst = append(dst, a.ip[:a.ipLen]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.port)
	return append(dst, portBuf[:]...)
}

// DecodeAddress parses ATYPE|IP|PORT from buf, returning the value and the
// number of bytes consumed. A buf too short for the given ATYPE, or an
// ATYPE other than IPv4/IPv6, yields a KindBadATYPE error.
func DecodeAddress(atyp byte, buf []byte) (AddressValue, int, error) {
	switch atyp {
	case AtypIPv4:
		if len(buf) < 4+2 {
			return AddressValue{}, 0, NewError(KindBadATYPE, "DecodeAddress: short ipv4")
		}
		var ip [4]byte
		copy(ip[:], buf[:4])
		port := binary.BigEndian.Uint16(buf[4:6])
		return FromIPv4(ip, port), 6, nil
	case AtypIPv6:
		if len(buf) < 16+2 {
			return AddressValue{}, 0, NewError(KindBadATYPE, "DecodeAddress: short ipv6")
		}
		var ip [16]byte
		copy(ip[:], buf[:16])
		port := binary.BigEndian.Uint16(buf[16:18])
		return FromIPv6(ip, port), 18, nil
	default:
		return AddressValue{}, 0, NewError(KindBadATYPE, "DecodeAddress: unknown atyp")
	}
}

// ToSockaddr converts to the unix.Sockaddr form needed for Connect/Bind.
func (a AddressValue) ToSockaddr() unix.Sockaddr {
	switch a.family {
	case FamilyV4:
		sa := &unix.SockaddrInet4{Port: int(a.port)}
		copy(sa.Addr[:], a.ip[:4])
		return sa
	default:
		sa := &unix.SockaddrInet6{Port: int(a.port)}
		copy(sa.Addr[:], a.ip[:16])
		return sa
	}
}

// FromSockaddr converts a unix.Sockaddr (as returned by Getsockname,
// Accept, Recvfrom) into an AddressValue.
func FromSockaddr(sa unix.Sockaddr) (AddressValue, bool) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return FromIPv4(v.Addr, uint16(v.Port)), true
	case *unix.SockaddrInet6:
		return FromIPv6(v.Addr, uint16(v.Port)), true
	default:
		return AddressValue{}, false
	}
}
