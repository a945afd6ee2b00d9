package domain

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer signals "wait for more bytes", never a protocol
// violation — callers distinguish it from the *Error fatal kinds with
// errors.Is.
var ErrShortBuffer = errors.New("socks5: short buffer")

// Protocol constants, grounded on original_source/src/socksdef.h and
// RFC 1928/1929.
const (
	SocksVersion5 = 0x05

	MethodNone         = 0x00
	MethodGSSAPI       = 0x01
	MethodUsername     = 0x02
	MethodPrivateBegin = 0x80
	MethodReject       = 0xFF

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	CmdConnect = 0x01
	CmdBind    = 0x02
	CmdUDP     = 0x03

	ReplyOK  = 0x00
	ReplyErr = 0x01

	MinNMethods = 1
	MaxNMethods = 10

	AuthVersion = 0x01
)

// MethodSelectionHeaderLen is the number of bytes needed before NMETHODS
// can be read: VER|NMETHODS.
const MethodSelectionHeaderLen = 2

// ParseMethodSelection parses VER|NMETHODS|METHODS[NMETHODS] from buf.
// Returns the offered method set and the number of bytes consumed, or
// ErrShortBuffer while fewer than 2+NMETHODS bytes are available.
func ParseMethodSelection(buf []byte) (methods map[byte]bool, consumed int, err error) {
	// Mirror the source's "need at least 3 bytes before even looking at
	// NMETHODS" rule: VER + NMETHODS + at least one METHODS byte, since
	// NMETHODS=0 is rejected anyway.
	if len(buf) < 3 {
		return nil, 0, ErrShortBuffer
	}
	if buf[0] != SocksVersion5 {
		return nil, 0, NewError(KindBadVersion, "ParseMethodSelection: bad VER")
	}
	n := int(buf[1])
	if n < MinNMethods || n > MaxNMethods {
		return nil, 0, NewError(KindBadMethodCount, "ParseMethodSelection: bad NMETHODS")
	}
	need := 2 + n
	if len(buf) < need {
		return nil, 0, ErrShortBuffer
	}
	set := make(map[byte]bool, n)
	for _, m := range buf[2:need] {
		set[m] = true
	}
	return set, need, nil
}

// EncodeMethodSelectionReply serializes VER|CHOSEN.
func EncodeMethodSelectionReply(chosen byte) []byte {
	return []byte{SocksVersion5, chosen}
}

// RequestHeaderLen is VER|CMD|RSV|ATYPE.
const RequestHeaderLen = 4

// ParsedRequest is a decoded SOCKS5 request's DST fields, before address
// resolution of DOMAIN-type ATYPE (which this engine does not resolve).
// The CMD byte is parsed separately by ParseRequestHeader, since a caller
// needs it before it knows how many more bytes the address needs.
type ParsedRequest struct {
	Atyp   byte
	Addr   AddressValue // valid when Atyp is IPv4/IPv6
	Domain string       // valid when Atyp is AtypDomain
	Port   uint16
}

// ParseRequestHeader parses VER|CMD|RSV|ATYPE from the front of buf and
// returns cmd/atyp. It does not consume the address fields — callers use
// ParseRequestAddress once they know how many more bytes that needs.
func ParseRequestHeader(buf []byte) (cmd byte, atyp byte, err error) {
	if len(buf) < RequestHeaderLen {
		return 0, 0, ErrShortBuffer
	}
	if buf[0] != SocksVersion5 {
		return 0, 0, NewError(KindBadVersion, "ParseRequestHeader: bad VER")
	}
	return buf[1], buf[3], nil
}

// ParseRequestAddress parses the DST.ADDR|DST.PORT fields that follow the
// 4-byte request header, given atyp. buf starts right after ATYPE. For
// AtypDomain, a single length-prefixed domain name is parsed (but not
// resolved — the engine rejects CONNECT/UDP to domain names, per spec).
func ParseRequestAddress(atyp byte, buf []byte) (req ParsedRequest, consumed int, err error) {
	switch atyp {
	case AtypIPv4, AtypIPv6:
		minLen := 4 + 2
		if atyp == AtypIPv6 {
			minLen = 16 + 2
		}
		if len(buf) < minLen {
			return ParsedRequest{}, 0, ErrShortBuffer
		}
		addr, n, derr := DecodeAddress(atyp, buf)
		if derr != nil {
			return ParsedRequest{}, 0, derr
		}
		return ParsedRequest{Atyp: atyp, Addr: addr, Port: addr.Port()}, n, nil
	case AtypDomain:
		if len(buf) < 1 {
			return ParsedRequest{}, 0, ErrShortBuffer
		}
		l := int(buf[0])
		need := 1 + l + 2
		if len(buf) < need {
			return ParsedRequest{}, 0, ErrShortBuffer
		}
		domain := string(buf[1 : 1+l])
		port := binary.BigEndian.Uint16(buf[1+l : need])
		return ParsedRequest{Atyp: atyp, Domain: domain, Port: port}, need, nil
	default:
		return ParsedRequest{}, 0, NewError(KindBadATYPE, "ParseRequestAddress: unknown ATYPE")
	}
}

// EncodeReply serializes VER|REP|RSV|ATYPE|BND.ADDR|BND.PORT.
func EncodeReply(rep byte, bnd AddressValue) []byte {
	out := make([]byte, 0, 4+bnd.IPLength()+2)
	out = append(out, SocksVersion5, rep, 0x00)
	return bnd.Encode(out)
}

// UDPHeaderFixedLen is RSV(2)|FRAG(1)|ATYPE(1), before the address.
const UDPHeaderFixedLen = 4

// ParsedUDPHeader is a decoded SOCKS5 UDP request header.
type ParsedUDPHeader struct {
	Frag byte
	Atyp byte
	Dst  AddressValue // valid when Atyp is IPv4/IPv6
	PayloadOffset int
}

// ParseUDPHeader parses RSV(2)=0|FRAG(1)|ATYPE(1)|DST.ADDR|DST.PORT from
// the front of a UDP datagram. Domain-type ATYPE is rejected rather than
// resolved — this engine never performs outbound DNS resolution.
func ParseUDPHeader(buf []byte) (ParsedUDPHeader, error) {
	if len(buf) < UDPHeaderFixedLen {
		return ParsedUDPHeader{}, NewError(KindBadPacket, "ParseUDPHeader: short header")
	}
	if buf[0] != 0 || buf[1] != 0 {
		return ParsedUDPHeader{}, NewError(KindBadPacket, "ParseUDPHeader: nonzero RSV")
	}
	frag := buf[2]
	atyp := buf[3]
	if frag != 0 {
		return ParsedUDPHeader{}, NewError(KindBadPacket, "ParseUDPHeader: fragmentation unsupported")
	}
	if atyp != AtypIPv4 && atyp != AtypIPv6 {
		return ParsedUDPHeader{}, NewError(KindBadPacket, "ParseUDPHeader: unsupported ATYPE")
	}
	addr, n, err := DecodeAddress(atyp, buf[UDPHeaderFixedLen:])
	if err != nil {
		return ParsedUDPHeader{}, err
	}
	return ParsedUDPHeader{Frag: frag, Atyp: atyp, Dst: addr, PayloadOffset: UDPHeaderFixedLen + n}, nil
}

// EncodeUDPHeader serializes RSV(2)=0|FRAG(1)=0|ATYPE|DST.ADDR|DST.PORT
// followed by payload, into a single datagram buffer.
func EncodeUDPHeader(from AddressValue, payload []byte) []byte {
	out := make([]byte, 0, UDPHeaderFixedLen+from.IPLength()+2+len(payload))
	out = append(out, 0x00, 0x00, 0x00) // RSV(2)=0, FRAG=0
	out = from.Encode(out)
	return append(out, payload...)
}
