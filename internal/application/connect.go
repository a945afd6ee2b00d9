package application

import (
	"time"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/network"
)

// RemoteConn is the CONNECT-side half of a session: the TCP socket to the
// remote endpoint, its egress IOChannel, and the remote-stall timeout
// tracer. Exists iff the session executed CONNECT.
type RemoteConn struct {
	session *Session
	fd      int
	gate    *fdGate
	addr    domain.AddressValue
	egress  *domain.IOChannel

	stallTracer domain.TimeoutTracer
}

// execConnect issues a nonblocking connect to addr. An immediate failure
// (no route, refused, ...) replies REP=1 and returns the error for the
// caller to route through fail(); otherwise the remote fd is registered
// for write-readiness and the session moves to StateConnecting until
// finalizeConnect runs.
func (s *Session) execConnect(addr domain.AddressValue) error {
	fd, err := network.ConnectNonblocking(addr)
	if err != nil {
		return s.replyErrAndReturn(err)
	}

	remote := &RemoteConn{session: s, fd: fd, addr: addr}
	remote.gate = newFDGate(s.server.loop, fd, false)
	remote.egress = domain.NewIOChannel(fd, s.server.maxBuf, remote.gate)

	if err := s.server.loop.Register(fd, domain.EventWrite); err != nil {
		unix.Close(fd)
		return s.replyErrAndReturn(err)
	}
	remote.gate.writing = true

	s.remote = remote
	s.server.remoteIndex[fd] = s
	s.state = StateConnecting
	s.server.remoteWheel.Touch(time.Now(), &remote.stallTracer, remote)
	return nil
}

// finalizeConnect runs when the remote fd first reports write-readiness
// while the session is StateConnecting: that either means the connect
// succeeded or failed (SO_ERROR tells which).
func (s *Session) finalizeConnect() {
	remote := s.remote
	if err := network.CheckConnect(remote.fd); err != nil {
		s.abortConnect(err)
		return
	}

	local, err := network.LocalAddr(remote.fd)
	if err != nil {
		s.abortConnect(err)
		return
	}

	if err := s.egress.Write(domain.EncodeReply(domain.ReplyOK, local)); err != nil {
		s.fail("connect reply write failed", err)
		return
	}

	s.server.clientWheel.Remove(&s.stallTracer)
	now := time.Now()
	s.touchIdle(now)
	s.server.remoteWheel.Touch(now, &remote.stallTracer, remote)

	// Flip write-only to read-only in a single epoll_ctl instead of the two
	// the gate's own ResumeRead/DisableWrite would each trigger separately.
	remote.gate.reading = true
	remote.gate.writing = false
	if err := s.server.loop.Modify(remote.fd, domain.EventRead); err != nil {
		s.abortConnect(err)
		return
	}

	s.egress.BindProducer(remote.gate)
	remote.egress.BindProducer(s.clientGate)
	s.state = StateStream

	if pending := s.ingress.TakeAll(); len(pending) > 0 {
		if err := remote.egress.Write(pending); err != nil {
			s.fail("pipelined write to remote failed", err)
			return
		}
	}
}

// abortConnect replies REP=1 and fails the session, deferring teardown
// until that reply has drained from the client egress channel.
func (s *Session) abortConnect(err error) {
	if werr := s.egress.Write(domain.EncodeReply(domain.ReplyErr, domain.ZeroAddressValue)); werr != nil {
		s.fail("connect reply write failed", werr)
		return
	}
	s.fail("remote connect failed", err)
}

// streamClientToRemote relays one chunk read from the client into the
// remote egress channel, touching the remote-stall and idle timeouts.
func (s *Session) streamClientToRemote(data []byte) {
	now := time.Now()
	s.server.remoteWheel.Touch(now, &s.remote.stallTracer, s.remote)
	s.touchIdle(now)
	if err := s.remote.egress.Write(data); err != nil {
		s.fail("relay to remote failed", err)
	}
}

// HandleRemoteReadable relays bytes from the remote socket into the
// client's egress channel, touching the client-stall and idle timeouts.
func (s *Session) HandleRemoteReadable() {
	remote := s.remote
	var buf [tcpReadBufSize]byte
	n, err := unix.Read(remote.fd, buf[:])
	if n > 0 {
		now := time.Now()
		s.touchClientStall(now)
		s.touchIdle(now)
		if werr := s.egress.Write(buf[:n]); werr != nil {
			s.fail("relay to client failed", werr)
		}
		return
	}
	if err != nil && isAgain(err) {
		return
	}
	s.handleRemoteEOF()
}

func (s *Session) handleRemoteEOF() {
	s.remote.gate.PauseRead()
	if err := s.egress.ProducerDone(); err != nil {
		s.teardown("client egress producer_done failed", err)
		return
	}
	s.maybeFinish()
}

// HandleRemoteWritable either completes an in-flight connect or drains
// the remote egress channel, depending on session state.
func (s *Session) HandleRemoteWritable() {
	if s.state == StateConnecting {
		s.finalizeConnect()
		return
	}
	if err := s.remote.egress.OnWritable(); err != nil {
		s.fail("remote egress write failed", err)
		return
	}
	s.maybeFinish()
}

func (r *RemoteConn) close(server *ProxyServer) {
	server.remoteWheel.Remove(&r.stallTracer)
	_ = server.loop.Unregister(r.fd)
	unix.Close(r.fd)
	delete(server.remoteIndex, r.fd)
}
