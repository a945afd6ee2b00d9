// Package application holds the proxy engine: ProxyServer (accept loop,
// session registry, timeout ticks, shutdown) and Session (the per-client
// state machine, CONNECT relay, and UDP ASSOCIATE translator). Grounded on
// billy-rubin-Socks-proxy/internal/application/proxy_service.go for the Go
// nonblocking-IO idiom and original_source/src/server.{h,cpp} for the
// exact state machine and field layout.
package application

import (
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
	"socks5-proxy/internal/infrastructure/network"
	"socks5-proxy/internal/infrastructure/signalfd"
)

// ProxyServer owns the listening socket, the session registry, the three
// timeout wheels, and the signal-driven shutdown sequence.
type ProxyServer struct {
	log  zerolog.Logger
	loop domain.EventLoop
	auth domain.AuthHandler

	listenFD    int
	sessions    map[int]*Session // keyed by client fd
	remoteIndex map[int]*Session // keyed by remote (CONNECT) fd
	udpIndex    map[int]*Session // keyed by either UDP socket fd

	clientWheel *domain.TimeoutWheel
	remoteWheel *domain.TimeoutWheel
	idleWheel   *domain.TimeoutWheel

	maxBuf int

	notifier   *signalfd.Notifier
	draining   bool
	terminated bool
}

// Config bundles the tunables a caller supplies at construction.
type Config struct {
	Host        string
	Port        int
	MaxBuf      int
	ClientStall time.Duration
	RemoteStall time.Duration
	IdleTimeout time.Duration
}

func NewProxyServer(loop domain.EventLoop, log zerolog.Logger, auth domain.AuthHandler, cfg Config) (*ProxyServer, error) {
	lfd, err := network.ListenTCP(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	notifier, err := signalfd.New()
	if err != nil {
		unix.Close(lfd)
		return nil, err
	}

	return &ProxyServer{
		log:         log,
		loop:        loop,
		auth:        auth,
		listenFD:    lfd,
		sessions:    make(map[int]*Session),
		remoteIndex: make(map[int]*Session),
		udpIndex:    make(map[int]*Session),
		clientWheel: domain.NewTimeoutWheel(cfg.ClientStall),
		remoteWheel: domain.NewTimeoutWheel(cfg.RemoteStall),
		idleWheel:   domain.NewTimeoutWheel(cfg.IdleTimeout),
		maxBuf:      cfg.MaxBuf,
		notifier:    notifier,
	}, nil
}

// Notifier exposes the signal wakeup source so main can wire os/signal
// into it from a separate goroutine.
func (s *ProxyServer) Notifier() *signalfd.Notifier { return s.notifier }

// Start registers the listener and signal notifier, then runs the reactor
// until it stops (graceful drain complete, or a forced shutdown).
func (s *ProxyServer) Start() error {
	s.log.Info().Int("fd", s.listenFD).Msg("registering listener")
	if err := s.loop.Register(s.listenFD, domain.EventRead); err != nil {
		return err
	}
	if err := s.loop.Register(s.notifier.FD(), domain.EventRead); err != nil {
		return err
	}

	initial := s.clientWheel.Timeout()
	if d := s.remoteWheel.Timeout(); d < initial {
		initial = d
	}
	if d := s.idleWheel.Timeout(); d < initial {
		initial = d
	}

	if addr, err := network.LocalAddr(s.listenFD); err == nil {
		s.log.Info().Str("addr", addr.String()).Msg("proxy listening")
	}
	return s.loop.Run(s, s, initial)
}

// HandleEvent dispatches one reactor readiness notification to the
// listener, the signal notifier, or whichever session owns fd.
func (s *ProxyServer) HandleEvent(fd int, event domain.EventType) error {
	if fd == s.listenFD {
		s.acceptNewClient()
		return nil
	}
	if fd == s.notifier.FD() {
		s.handleSignal()
		return nil
	}

	if sess, ok := s.sessions[fd]; ok {
		if event&domain.EventRead != 0 {
			sess.HandleClientReadable()
		}
		if sess.torndown {
			return nil
		}
		if event&domain.EventWrite != 0 {
			sess.HandleClientWritable()
		}
		return nil
	}

	if sess, ok := s.remoteIndex[fd]; ok {
		if event&domain.EventWrite != 0 {
			sess.HandleRemoteWritable()
		}
		if sess.torndown {
			return nil
		}
		if event&domain.EventRead != 0 {
			sess.HandleRemoteReadable()
		}
		return nil
	}

	if sess, ok := s.udpIndex[fd]; ok {
		if fd == sess.udp.clientFD {
			sess.handleUDPClientReadable()
		} else {
			sess.handleUDPRemoteReadable()
		}
		return nil
	}

	return nil
}

func (s *ProxyServer) acceptNewClient() {
	for {
		fd, addr, err := network.Accept(s.listenFD)
		if err != nil {
			if !isAgain(err) {
				s.log.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		sess := newSession(s, fd, addr)
		if err := s.loop.Register(fd, domain.EventRead); err != nil {
			s.log.Warn().Err(err).Msg("register client fd failed")
			unix.Close(fd)
			continue
		}
		s.sessions[fd] = sess
		s.clientWheel.Touch(time.Now(), &sess.stallTracer, sess)
		s.log.Info().Int("fd", fd).Str("addr", addr.String()).Msg("client accepted")
	}
}

// OnTimer implements domain.Timer: sweep all three wheels and rearm for
// the soonest next expiry.
func (s *ProxyServer) OnTimer() time.Duration {
	now := time.Now()

	next := s.clientWheel.Sweep(now, func(obj interface{}) {
		sess := obj.(*Session)
		sess.teardown("client stall timeout", domain.NewError(domain.KindTimeout, "client-stall"))
	})
	if d := s.remoteWheel.Sweep(now, func(obj interface{}) {
		rc := obj.(*RemoteConn)
		rc.session.teardown("remote stall timeout", domain.NewError(domain.KindTimeout, "remote-stall"))
	}); d < next {
		next = d
	}
	if d := s.idleWheel.Sweep(now, func(obj interface{}) {
		sess := obj.(*Session)
		sess.teardown("idle timeout", domain.NewError(domain.KindTimeout, "idle"))
	}); d < next {
		next = d
	}

	if s.draining && len(s.sessions) == 0 {
		s.loop.Stop()
	}
	return next
}

func (s *ProxyServer) handleSignal() {
	s.notifier.Drain()
	if s.notifier.Count() == 1 {
		s.Terminate()
		return
	}
	s.log.Warn().Msg("second interrupt received, forcing shutdown")
	s.forceTerminate()
}

// Terminate begins graceful shutdown: stop accepting, let existing
// sessions drain up to their own timeouts. A second call forces
// termination of everything still open.
func (s *ProxyServer) Terminate() {
	if s.draining {
		s.forceTerminate()
		return
	}
	s.draining = true
	s.log.Info().Msg("graceful shutdown: no longer accepting connections")
	_ = s.loop.Unregister(s.listenFD)
	unix.Close(s.listenFD)

	if len(s.sessions) == 0 {
		s.loop.Stop()
	}
}

func (s *ProxyServer) forceTerminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	for _, sess := range s.sessions {
		sess.teardown("forced shutdown", nil)
	}
	s.loop.Stop()
}

// Clients reports the number of sessions currently tracked.
func (s *ProxyServer) Clients() int { return len(s.sessions) }

// Addr reports the address the listener is bound to. Valid as soon as
// NewProxyServer returns, since the listen/bind happens there.
func (s *ProxyServer) Addr() (domain.AddressValue, error) {
	return network.LocalAddr(s.listenFD)
}
