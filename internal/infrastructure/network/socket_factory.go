// Package network wraps the raw socket syscalls the engine needs, all
// nonblocking, via golang.org/x/sys/unix. Grounded on
// billy-rubin-Socks-proxy/internal/infrastructure/network/socket_factory.go,
// generalized to IPv4 or IPv6 listening, ephemeral UDP binds, nonblocking
// connect, and address introspection (getsockname).
package network

import (
	"net"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

// ListenTCP opens a nonblocking TCP listener on host:port. An empty host
// binds the wildcard address. SO_REUSEADDR is always set; SO_REUSEPORT is
// set where the platform supports it (best-effort — its absence is not
// fatal).
func ListenTCP(host string, port int) (int, error) {
	family, sa := resolveListenAddr(host, port)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, domain.WrapError(domain.KindSocketError, "ListenTCP: socket", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindListenError, "ListenTCP: SO_REUSEADDR", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1) // best-effort

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindSocketError, "ListenTCP: SetNonblock", err)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindBindError, "ListenTCP: bind", err)
	}

	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindListenError, "ListenTCP: listen", err)
	}

	return fd, nil
}

func resolveListenAddr(host string, port int) (int, unix.Sockaddr) {
	if host == "" {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port}
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return unix.AF_INET6, sa
}

// Accept accepts one pending connection off listenFD, returning a
// nonblocking client fd and its peer address.
func Accept(listenFD int) (int, domain.AddressValue, error) {
	fd, sa, err := unix.Accept(listenFD)
	if err != nil {
		return 0, domain.AddressValue{}, domain.WrapError(domain.KindAcceptError, "Accept", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, domain.AddressValue{}, domain.WrapError(domain.KindSocketError, "Accept: SetNonblock", err)
	}
	addr, ok := domain.FromSockaddr(sa)
	if !ok {
		addr = domain.ZeroAddressValue
	}
	return fd, addr, nil
}

// BindUDPEphemeral opens a nonblocking UDP socket bound to an OS-chosen
// ephemeral port on local's IP (not a true wildcard): a UDP ASSOCIATE
// reply advertising 0.0.0.0 as BND.ADDR would be unreachable, so the
// relay sockets bind to the same local IP the client's TCP control
// connection was accepted on.
func BindUDPEphemeral(local domain.AddressValue) (int, error) {
	af := unix.AF_INET
	var sa unix.Sockaddr
	if local.Family() == domain.FamilyV6 {
		af = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: 0}
		copy(s6.Addr[:], local.IPBytes())
		sa = s6
	} else {
		s4 := &unix.SockaddrInet4{Port: 0}
		copy(s4.Addr[:], local.IPBytes())
		sa = s4
	}

	fd, err := unix.Socket(af, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, domain.WrapError(domain.KindSocketError, "BindUDPEphemeral: socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindSocketError, "BindUDPEphemeral: SetNonblock", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindBindError, "BindUDPEphemeral: bind", err)
	}
	return fd, nil
}

// ConnectNonblocking creates a nonblocking TCP socket in addr's family and
// issues a connect to it, tolerating EINPROGRESS. The caller must wait for
// write-readiness and then call CheckConnect.
func ConnectNonblocking(addr domain.AddressValue) (int, error) {
	af := unix.AF_INET
	if addr.Family() == domain.FamilyV6 {
		af = unix.AF_INET6
	}
	fd, err := unix.Socket(af, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, domain.WrapError(domain.KindSocketError, "ConnectNonblocking: socket", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindSocketError, "ConnectNonblocking: SetNonblock", err)
	}

	err = unix.Connect(fd, addr.ToSockaddr())
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return 0, domain.WrapError(domain.KindConnectError, "ConnectNonblocking: connect", err)
	}
	return fd, nil
}

// CheckConnect inspects SO_ERROR after a connect-in-progress fd becomes
// writable, returning nil if the connection succeeded.
func CheckConnect(fd int) error {
	val, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return domain.WrapError(domain.KindConnectError, "CheckConnect: SO_ERROR", err)
	}
	if val != 0 {
		return domain.WrapError(domain.KindConnectError, "CheckConnect", unix.Errno(val))
	}
	return nil
}

// LocalAddr returns the address a socket is bound to (getsockname).
func LocalAddr(fd int) (domain.AddressValue, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return domain.AddressValue{}, domain.WrapError(domain.KindSocketError, "LocalAddr: getsockname", err)
	}
	addr, ok := domain.FromSockaddr(sa)
	if !ok {
		return domain.AddressValue{}, domain.NewError(domain.KindSocketError, "LocalAddr: unsupported family")
	}
	return addr, nil
}
