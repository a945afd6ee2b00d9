package domain

import (
	"errors"
	"testing"
)

func TestParseMethodSelection(t *testing.T) {
	buf := []byte{SocksVersion5, 2, MethodNone, MethodUsername}

	methods, consumed, err := ParseMethodSelection(buf)
	if err != nil {
		t.Fatalf("ParseMethodSelection() error = %v", err)
	}
	if consumed != 4 {
		t.Fatalf("consumed = %d, want 4", consumed)
	}
	if !methods[MethodNone] || !methods[MethodUsername] {
		t.Fatalf("methods = %v, want both MethodNone and MethodUsername set", methods)
	}
}

func TestParseMethodSelectionShortBuffer(t *testing.T) {
	cases := [][]byte{
		nil,
		{SocksVersion5},
		{SocksVersion5, 2, MethodNone}, // NMETHODS=2 but only one method byte present
	}
	for _, buf := range cases {
		_, _, err := ParseMethodSelection(buf)
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("ParseMethodSelection(%v) error = %v, want ErrShortBuffer", buf, err)
		}
	}
}

func TestParseMethodSelectionBadVersion(t *testing.T) {
	_, _, err := ParseMethodSelection([]byte{0x04, 1, MethodNone})
	if err == nil {
		t.Fatal("ParseMethodSelection() with bad VER: want error, got nil")
	}
	if errors.Is(err, ErrShortBuffer) {
		t.Fatal("ParseMethodSelection() with bad VER: want a protocol error, got ErrShortBuffer")
	}
}

func TestParseMethodSelectionBadCount(t *testing.T) {
	_, _, err := ParseMethodSelection([]byte{SocksVersion5, 0, 0})
	if err == nil {
		t.Fatal("ParseMethodSelection() with NMETHODS=0: want error, got nil")
	}
}

func TestRequestHeaderAndAddressRoundTrip(t *testing.T) {
	buf := []byte{SocksVersion5, CmdConnect, 0x00, AtypIPv4}
	cmd, atyp, err := ParseRequestHeader(buf)
	if err != nil {
		t.Fatalf("ParseRequestHeader() error = %v", err)
	}
	if cmd != CmdConnect || atyp != AtypIPv4 {
		t.Fatalf("cmd=%d atyp=%d, want CmdConnect/AtypIPv4", cmd, atyp)
	}

	addrBuf := FromIPv4([4]byte{93, 184, 216, 34}, 80).Encode(nil)[1:]
	req, consumed, err := ParseRequestAddress(atyp, addrBuf)
	if err != nil {
		t.Fatalf("ParseRequestAddress() error = %v", err)
	}
	if consumed != 6 {
		t.Fatalf("consumed = %d, want 6", consumed)
	}
	if req.Port != 80 {
		t.Fatalf("Port = %d, want 80", req.Port)
	}
}

func TestParseRequestAddressDomainNotResolved(t *testing.T) {
	name := "example.com"
	buf := append([]byte{byte(len(name))}, name...)
	buf = append(buf, 0x00, 0x50)

	req, consumed, err := ParseRequestAddress(AtypDomain, buf)
	if err != nil {
		t.Fatalf("ParseRequestAddress() error = %v", err)
	}
	if req.Domain != name {
		t.Fatalf("Domain = %q, want %q", req.Domain, name)
	}
	if req.Port != 0x50 {
		t.Fatalf("Port = %d, want 80", req.Port)
	}
	if consumed != len(buf) {
		t.Fatalf("consumed = %d, want %d", consumed, len(buf))
	}
}

func TestParseRequestAddressShortBuffer(t *testing.T) {
	_, _, err := ParseRequestAddress(AtypIPv4, []byte{1, 2, 3})
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("ParseRequestAddress() error = %v, want ErrShortBuffer", err)
	}
}

func TestEncodeReply(t *testing.T) {
	bnd := FromIPv4([4]byte{0, 0, 0, 0}, 0)
	out := EncodeReply(ReplyOK, bnd)
	want := []byte{SocksVersion5, ReplyOK, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	if string(out) != string(want) {
		t.Fatalf("EncodeReply() = %v, want %v", out, want)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	dst := FromIPv4([4]byte{1, 1, 1, 1}, 53)
	payload := []byte("query")

	datagram := make([]byte, 0, UDPHeaderFixedLen+6+len(payload))
	datagram = append(datagram, 0x00, 0x00, 0x00) // RSV(2), FRAG; Encode adds ATYPE
	datagram = dst.Encode(datagram)
	datagram = append(datagram, payload...)

	hdr, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader() error = %v", err)
	}
	if !hdr.Dst.Equal(dst) {
		t.Fatalf("Dst = %v, want %v", hdr.Dst, dst)
	}
	if got := string(datagram[hdr.PayloadOffset:]); got != "query" {
		t.Fatalf("payload = %q, want %q", got, "query")
	}
}

func TestParseUDPHeaderRejectsFragmentation(t *testing.T) {
	buf := []byte{0x00, 0x00, 0x01, AtypIPv4, 1, 2, 3, 4, 0, 0}
	if _, err := ParseUDPHeader(buf); err == nil {
		t.Fatal("ParseUDPHeader() with FRAG != 0: want error, got nil")
	}
}

func TestParseUDPHeaderRejectsNonzeroRSV(t *testing.T) {
	buf := []byte{0x01, 0x00, 0x00, AtypIPv4, 1, 2, 3, 4, 0, 0}
	if _, err := ParseUDPHeader(buf); err == nil {
		t.Fatal("ParseUDPHeader() with nonzero RSV: want error, got nil")
	}
}

func TestEncodeUDPHeaderThenParse(t *testing.T) {
	peer := FromIPv4([4]byte{8, 8, 8, 8}, 53)
	payload := []byte("reply payload")

	datagram := EncodeUDPHeader(peer, payload)
	hdr, err := ParseUDPHeader(datagram)
	if err != nil {
		t.Fatalf("ParseUDPHeader() error = %v", err)
	}
	if !hdr.Dst.Equal(peer) {
		t.Fatalf("Dst = %v, want %v", hdr.Dst, peer)
	}
	if got := string(datagram[hdr.PayloadOffset:]); got != string(payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}
