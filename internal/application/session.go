// Package application holds the proxy engine: ProxyServer (accept loop,
// session registry, timeout ticks, shutdown) and Session (the per-client
// state machine, CONNECT relay, and UDP ASSOCIATE translator). Grounded on
// billy-rubin-Socks-proxy/internal/application/proxy_service.go for the Go
// nonblocking-IO idiom and original_source/src/server.{h,cpp} for the
// exact state machine and field layout.
package application

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

// State is the pre-relay phase of a session. Once a command executes, the
// session becomes a tagged variant instead: StateStream carries a non-nil
// remote, StateUDP carries a non-nil udp, so there's no combinatorial
// state enum covering every (phase, remote-kind) pair.
type State int

const (
	StateInit       State = iota // receiving method-selection
	StateAuth                    // sub-negotiation in progress
	StateCmd                     // receiving the SOCKS5 request
	StateConnecting              // CONNECT issued, nonblocking connect() in flight
	StateStream                  // CONNECT established, relaying
	StateUDP                     // ASSOCIATE established, relaying datagrams
)

const (
	tcpReadBufSize = 16 * 1024
	udpReadBufSize = 64 * 1024
)

// Session is one accepted client connection and everything that hangs off
// it: the ingress parser, the client egress channel, and (mutually
// exclusive) either a RemoteConn or a UDPPair once a command executes.
type Session struct {
	server *ProxyServer
	log    zerolog.Logger

	clientFD   int
	clientGate *fdGate
	clientAddr domain.AddressValue

	state   State
	ingress domain.ByteQueue
	egress  *domain.IOChannel

	auth      domain.AuthHandler
	authState domain.AuthState

	remote *RemoteConn
	udp    *UDPPair

	stallTracer domain.TimeoutTracer // handshake-stall, later client-stall
	idleTracer  domain.TimeoutTracer

	pendingClose *pendingClose
	torndown     bool
}

// pendingClose is set when a fatal condition occurs but a protocol reply
// still needs to flush to the client first; teardown happens once the
// client egress queue has drained.
type pendingClose struct {
	reason string
	err    error
}

func newSession(server *ProxyServer, fd int, addr domain.AddressValue) *Session {
	s := &Session{
		server:     server,
		log:        server.log.With().Int("client_fd", fd).Str("client_addr", addr.String()).Logger(),
		clientFD:   fd,
		clientAddr: addr,
		state:      StateInit,
		auth:       server.auth,
	}
	s.clientGate = newFDGate(server.loop, fd, true)
	s.egress = domain.NewIOChannel(fd, server.maxBuf, s.clientGate)
	return s
}

// --- domain.AuthSession ---

func (s *Session) PeekIngress() []byte           { return s.ingress.Peek() }
func (s *Session) ConsumeIngress(n int)          { s.ingress.Pop(n); s.ingress.Compact() }
func (s *Session) WriteClient(data []byte) error { return s.egress.Write(data) }

// --- reactor callbacks ---

// HandleClientReadable is invoked when the client socket has data (or
// EOF/error). In StateStream it bypasses the parser entirely and writes
// straight through to the remote egress channel.
func (s *Session) HandleClientReadable() {
	var buf [tcpReadBufSize]byte
	n, err := unix.Read(s.clientFD, buf[:])
	if n > 0 {
		if s.state == StateStream {
			s.streamClientToRemote(buf[:n])
			return
		}
		if s.state == StateUDP {
			s.teardown("unexpected data on UDP control socket", domain.NewError(domain.KindUnexpectedData, "client read during UDP"))
			return
		}
		s.ingress.Push(buf[:n])
		if perr := s.pump(); perr != nil {
			s.fail("pump error", perr)
		}
		return
	}

	if err != nil && isAgain(err) {
		return
	}

	// n == 0 (EOF) or a real read error: treat both as EOF. A client read
	// errno beyond EAGAIN isn't separately distinguished in the half-close
	// choreography below.
	s.handleClientEOF()
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

func (s *Session) handleClientEOF() {
	if s.state == StateUDP {
		s.teardown("client closed control connection", nil)
		return
	}
	if s.remote == nil {
		s.teardown("client eof during handshake", domain.NewError(domain.KindUnexpectedEOF, "handleClientEOF"))
		return
	}
	s.clientGate.PauseRead()
	if err := s.remote.egress.ProducerDone(); err != nil {
		s.teardown("remote egress producer_done failed", err)
		return
	}
	s.maybeFinish()
}

// HandleClientWritable drains the client egress channel.
func (s *Session) HandleClientWritable() {
	if err := s.egress.OnWritable(); err != nil {
		s.teardown("client egress write failed", err)
		return
	}
	if s.pendingClose != nil && s.egress.QueueSize() == 0 {
		pc := s.pendingClose
		s.teardown(pc.reason, pc.err)
		return
	}
	s.maybeFinish()
}

// fail records a fatal condition. If the client egress channel still has
// bytes queued (most likely a protocol reply written moments ago), the
// teardown is deferred until HandleClientWritable observes the queue has
// drained; otherwise it happens immediately.
func (s *Session) fail(reason string, err error) {
	if s.egress.QueueSize() > 0 {
		s.pendingClose = &pendingClose{reason: reason, err: err}
		return
	}
	s.teardown(reason, err)
}

// --- INIT/AUTH/CMD dispatch loop ---

func (s *Session) pump() error {
	for {
		var progressed bool
		var err error
		switch s.state {
		case StateInit:
			progressed, err = s.stepInit()
		case StateAuth:
			progressed, err = s.stepAuth()
		case StateCmd:
			progressed, err = s.stepCmd()
		case StateConnecting:
			// Nonblocking connect() is in flight; bytes sitting in ingress
			// are pipelined payload for the remote, not a new request.
			return nil
		case StateStream:
			return nil
		case StateUDP:
			if !s.ingress.Empty() {
				return domain.NewError(domain.KindUnexpectedData, "pump: data in UDP state")
			}
			return nil
		default:
			return nil
		}
		if err != nil {
			return err
		}
		if !progressed {
			return nil
		}
	}
}

func (s *Session) stepInit() (bool, error) {
	methods, consumed, err := domain.ParseMethodSelection(s.ingress.Peek())
	if err != nil {
		if errors.Is(err, domain.ErrShortBuffer) {
			return false, nil
		}
		return false, err
	}
	s.ingress.Pop(consumed)
	s.ingress.Compact()

	chosen := s.auth.Begin(methods)
	if werr := s.egress.Write(domain.EncodeMethodSelectionReply(chosen)); werr != nil {
		return false, werr
	}
	if chosen == domain.MethodReject {
		return false, domain.NewError(domain.KindAuthRejected, "stepInit: no acceptable method")
	}
	s.state = StateAuth
	return true, nil
}

func (s *Session) stepAuth() (bool, error) {
	err := s.auth.Step(s, &s.authState)
	switch s.authState {
	case domain.AuthDone:
		s.auth.End(s)
		s.state = StateCmd
		return true, nil
	case domain.AuthCont:
		return false, err
	case domain.AuthFail:
		s.auth.End(s)
		if err != nil {
			return false, err
		}
		return false, domain.NewError(domain.KindAuthFailed, "stepAuth: failed")
	default:
		return false, domain.NewError(domain.KindAuthFailed, "stepAuth: unknown state")
	}
}

func (s *Session) stepCmd() (bool, error) {
	buf := s.ingress.Peek()
	cmd, atyp, err := domain.ParseRequestHeader(buf)
	if err != nil {
		if errors.Is(err, domain.ErrShortBuffer) {
			return false, nil
		}
		return false, err
	}

	req, addrConsumed, err := domain.ParseRequestAddress(atyp, buf[domain.RequestHeaderLen:])
	if err != nil {
		if errors.Is(err, domain.ErrShortBuffer) {
			return false, nil
		}
		return false, err
	}
	consumed := domain.RequestHeaderLen + addrConsumed
	s.ingress.Pop(consumed)
	s.ingress.Compact()

	if req.Atyp == domain.AtypDomain {
		s.log.Warn().Str("domain", req.Domain).Msg("domain-name ATYPE not resolved, rejecting")
		return false, s.failCommandAndClose()
	}

	switch cmd {
	case domain.CmdConnect:
		return false, s.execConnect(req.Addr)
	case domain.CmdUDP:
		if !s.ingress.Empty() {
			return false, domain.NewError(domain.KindUnexpectedData, "stepCmd: trailing bytes after ASSOCIATE")
		}
		return false, s.execUDPAssociate(req.Addr)
	default:
		s.log.Warn().Uint8("cmd", cmd).Msg("unsupported command")
		return false, s.failCommandAndClose()
	}
}

// failCommandAndClose replies REP=1 with a zero BND. The caller treats
// the returned error as fatal and routes it through fail(), so teardown
// itself waits for the reply to drain from the client egress queue; a
// write failure here is itself the fatal error.
func (s *Session) failCommandAndClose() error {
	if err := s.egress.Write(domain.EncodeReply(domain.ReplyErr, domain.ZeroAddressValue)); err != nil {
		return err
	}
	return domain.NewError(domain.KindUnsupportedCmd, "failCommandAndClose")
}

// replyErrAndReturn writes a REP=1/zero-BND reply and returns err (or a
// write failure in its place), for callers that need to report a setup
// failure to the client before the session tears down.
func (s *Session) replyErrAndReturn(err error) error {
	if werr := s.egress.Write(domain.EncodeReply(domain.ReplyErr, domain.ZeroAddressValue)); werr != nil {
		return werr
	}
	return err
}

// --- teardown ---

func (s *Session) teardown(reason string, err error) {
	if s.torndown {
		return
	}
	s.torndown = true

	if err != nil {
		s.log.Info().Err(err).Str("reason", reason).Msg("session closed")
	} else {
		s.log.Info().Str("reason", reason).Msg("session closed")
	}

	if s.state == StateAuth {
		s.auth.End(s)
	}

	s.server.clientWheel.Remove(&s.stallTracer)
	s.server.idleWheel.Remove(&s.idleTracer)

	_ = s.server.loop.Unregister(s.clientFD)
	unix.Close(s.clientFD)
	delete(s.server.sessions, s.clientFD)

	if s.remote != nil {
		s.remote.close(s.server)
	}
	if s.udp != nil {
		s.udp.close(s.server)
	}

	if s.server.draining && len(s.server.sessions) == 0 {
		s.server.loop.Stop()
	}
}

// maybeFinish tears the session down once both directions have fully
// drained: both IOChannels have producer_done=true and an empty queue.
func (s *Session) maybeFinish() {
	if s.remote == nil {
		return
	}
	if s.egress.Drained() && s.remote.egress.Drained() {
		s.teardown("stream complete", nil)
	}
}

func (s *Session) touchIdle(now time.Time) {
	s.server.idleWheel.Touch(now, &s.idleTracer, s)
}

func (s *Session) touchClientStall(now time.Time) {
	s.server.clientWheel.Touch(now, &s.stallTracer, s)
}
