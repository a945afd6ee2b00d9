package application

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"socks5-proxy/internal/auth"
	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/epoll"
)

func startTestProxy(t *testing.T, authHandler domain.AuthHandler) (*ProxyServer, <-chan error) {
	t.Helper()

	loop, err := epoll.New()
	if err != nil {
		t.Fatalf("epoll.New() error = %v", err)
	}

	proxy, err := NewProxyServer(loop, zerolog.Nop(), authHandler, Config{
		Host:        "127.0.0.1",
		Port:        0,
		MaxBuf:      64 * 1024,
		ClientStall: 3 * time.Second,
		RemoteStall: 3 * time.Second,
		IdleTimeout: 3 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewProxyServer() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- proxy.Start() }()
	return proxy, done
}

func stopTestProxy(t *testing.T, proxy *ProxyServer, done <-chan error) {
	t.Helper()
	// Two signals: the first starts a graceful drain, the second forces
	// every remaining session closed so Start() returns promptly.
	proxy.Notifier().Signal()
	proxy.Notifier().Signal()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("proxy.Start() returned error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("proxy did not shut down within 3s of a forced signal")
	}
}

func dialProxy(t *testing.T, proxy *ProxyServer) net.Conn {
	t.Helper()
	addr, err := proxy.Addr()
	if err != nil {
		t.Fatalf("proxy.Addr() error = %v", err)
	}
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("DialTimeout() error = %v", err)
	}
	conn.SetDeadline(time.Now().Add(3 * time.Second))
	return conn
}

func startEchoListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func mustReadFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	got := 0
	for got < n {
		m, err := conn.Read(buf[got:])
		if err != nil {
			t.Fatalf("Read() error = %v (after %d/%d bytes)", err, got, n)
		}
		got += m
	}
	return buf
}

func noAuthHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	if _, err := conn.Write([]byte{domain.SocksVersion5, 1, domain.MethodNone}); err != nil {
		t.Fatalf("Write(method selection) error = %v", err)
	}
	reply := mustReadFull(t, conn, 2)
	if reply[0] != domain.SocksVersion5 || reply[1] != domain.MethodNone {
		t.Fatalf("method selection reply = %v, want [5 0]", reply)
	}
}

func encodeIPv4Request(cmd byte, ip net.IP, port int) []byte {
	v4 := ip.To4()
	buf := []byte{domain.SocksVersion5, cmd, 0x00, domain.AtypIPv4}
	buf = append(buf, v4...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))
	return append(buf, portBuf[:]...)
}

func TestConnectRelaysBothDirections(t *testing.T) {
	echo := startEchoListener(t)
	proxy, done := startTestProxy(t, auth.None{})
	defer stopTestProxy(t, proxy, done)

	conn := dialProxy(t, proxy)
	defer conn.Close()

	noAuthHandshake(t, conn)

	echoAddr := echo.Addr().(*net.TCPAddr)
	req := encodeIPv4Request(domain.CmdConnect, echoAddr.IP, echoAddr.Port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write(CONNECT) error = %v", err)
	}

	reply := mustReadFull(t, conn, 10)
	if reply[1] != domain.ReplyOK {
		t.Fatalf("CONNECT reply REP = %d, want ReplyOK", reply[1])
	}

	payload := []byte("the quick brown fox")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write(payload) error = %v", err)
	}
	got := mustReadFull(t, conn, len(payload))
	if string(got) != string(payload) {
		t.Fatalf("echoed payload = %q, want %q", got, payload)
	}
}

func TestConnectHalfCloseDrainsCleanly(t *testing.T) {
	echo := startEchoListener(t)
	proxy, done := startTestProxy(t, auth.None{})
	defer stopTestProxy(t, proxy, done)

	conn := dialProxy(t, proxy)
	noAuthHandshake(t, conn)

	echoAddr := echo.Addr().(*net.TCPAddr)
	req := encodeIPv4Request(domain.CmdConnect, echoAddr.IP, echoAddr.Port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write(CONNECT) error = %v", err)
	}
	_ = mustReadFull(t, conn, 10)

	payload := []byte("half close probe")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Write(payload) error = %v", err)
	}
	_ = mustReadFull(t, conn, len(payload))

	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			t.Fatalf("CloseWrite() error = %v", err)
		}
	}

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("Read() after half-close = (%d, %v), want (0, EOF)", n, err)
	}
	conn.Close()
}

func TestUsernamePasswordSuccess(t *testing.T) {
	echo := startEchoListener(t)
	proxy, done := startTestProxy(t, auth.UserPass{Username: "alice", Password: "secret"})
	defer stopTestProxy(t, proxy, done)

	conn := dialProxy(t, proxy)
	defer conn.Close()

	if _, err := conn.Write([]byte{domain.SocksVersion5, 1, domain.MethodUsername}); err != nil {
		t.Fatalf("Write(method selection) error = %v", err)
	}
	sel := mustReadFull(t, conn, 2)
	if sel[1] != domain.MethodUsername {
		t.Fatalf("chosen method = %#x, want MethodUsername", sel[1])
	}

	negotiation := []byte{domain.AuthVersion, 5, 'a', 'l', 'i', 'c', 'e', 6, 's', 'e', 'c', 'r', 'e', 't'}
	if _, err := conn.Write(negotiation); err != nil {
		t.Fatalf("Write(negotiation) error = %v", err)
	}
	authReply := mustReadFull(t, conn, 2)
	if authReply[1] != 0x00 {
		t.Fatalf("auth reply STATUS = %#x, want 0x00", authReply[1])
	}

	echoAddr := echo.Addr().(*net.TCPAddr)
	req := encodeIPv4Request(domain.CmdConnect, echoAddr.IP, echoAddr.Port)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write(CONNECT) error = %v", err)
	}
	reply := mustReadFull(t, conn, 10)
	if reply[1] != domain.ReplyOK {
		t.Fatalf("CONNECT reply REP = %d, want ReplyOK", reply[1])
	}
}

func TestUsernamePasswordFailureClosesConnection(t *testing.T) {
	proxy, done := startTestProxy(t, auth.UserPass{Username: "alice", Password: "secret"})
	defer stopTestProxy(t, proxy, done)

	conn := dialProxy(t, proxy)
	defer conn.Close()

	if _, err := conn.Write([]byte{domain.SocksVersion5, 1, domain.MethodUsername}); err != nil {
		t.Fatalf("Write(method selection) error = %v", err)
	}
	_ = mustReadFull(t, conn, 2)

	negotiation := []byte{domain.AuthVersion, 5, 'a', 'l', 'i', 'c', 'e', 5, 'w', 'r', 'o', 'n', 'g'}
	if _, err := conn.Write(negotiation); err != nil {
		t.Fatalf("Write(negotiation) error = %v", err)
	}
	authReply := mustReadFull(t, conn, 2)
	if authReply[1] != 0x01 {
		t.Fatalf("auth reply STATUS = %#x, want 0x01 (failure)", authReply[1])
	}

	buf := make([]byte, 16)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Fatalf("Read() after auth failure = (%d, %v), want (0, EOF) once the server closes", n, err)
	}
}

func TestUDPAssociateTranslatesDatagrams(t *testing.T) {
	echoPacket, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.ListenPacket() error = %v", err)
	}
	defer echoPacket.Close()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := echoPacket.ReadFrom(buf)
			if err != nil {
				return
			}
			_, _ = echoPacket.WriteTo(buf[:n], addr)
		}
	}()

	proxy, done := startTestProxy(t, auth.None{})
	defer stopTestProxy(t, proxy, done)

	conn := dialProxy(t, proxy)
	defer conn.Close()
	noAuthHandshake(t, conn)

	req := encodeIPv4Request(domain.CmdUDP, net.IPv4zero, 0)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("Write(UDP ASSOCIATE) error = %v", err)
	}
	reply := mustReadFull(t, conn, 10)
	if reply[1] != domain.ReplyOK {
		t.Fatalf("ASSOCIATE reply REP = %d, want ReplyOK", reply[1])
	}
	bndIP := net.IP(reply[4:8])
	bndPort := binary.BigEndian.Uint16(reply[8:10])
	udpRelayAddr := &net.UDPAddr{IP: bndIP, Port: int(bndPort)}

	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("net.ListenUDP() error = %v", err)
	}
	defer clientUDP.Close()
	clientUDP.SetDeadline(time.Now().Add(3 * time.Second))

	echoAddr := echoPacket.LocalAddr().(*net.UDPAddr)
	payload := []byte("udp roundtrip payload")
	dst := domain.FromNetIP(echoAddr.IP, uint16(echoAddr.Port))
	datagram := domain.EncodeUDPHeader(dst, payload)

	if _, err := clientUDP.WriteToUDP(datagram, udpRelayAddr); err != nil {
		t.Fatalf("WriteToUDP() error = %v", err)
	}

	buf := make([]byte, 4096)
	n, _, err := clientUDP.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}
	hdr, perr := domain.ParseUDPHeader(buf[:n])
	if perr != nil {
		t.Fatalf("ParseUDPHeader() error = %v", perr)
	}
	got := buf[hdr.PayloadOffset:n]
	if string(got) != string(payload) {
		t.Fatalf("echoed UDP payload = %q, want %q", got, payload)
	}
}
