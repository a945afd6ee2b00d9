// Package epoll implements the single-threaded, edge-triggered reactor the
// engine runs on, using golang.org/x/sys/unix directly (epoll_create1,
// epoll_ctl, epoll_wait) rather than net/netpoller, because the engine
// needs raw fds for nonblocking syscalls (accept, connect, shutdown) that
// the standard library's net package does not expose. Grounded on
// billy-rubin-Socks-proxy/internal/infrastructure/epoll/eventloop.go.
package epoll

import (
	"time"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

type LinuxEventLoop struct {
	epollFD int
	stopped bool
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, domain.WrapError(domain.KindSocketError, "epoll.New", err)
	}
	return &LinuxEventLoop{epollFD: fd}, nil
}

func (l *LinuxEventLoop) Register(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_ADD, fd, evt); err != nil {
		return domain.WrapError(domain.KindSocketError, "epoll.Register", err)
	}
	return nil
}

func (l *LinuxEventLoop) Modify(fd int, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_MOD, fd, evt); err != nil {
		return domain.WrapError(domain.KindSocketError, "epoll.Modify", err)
	}
	return nil
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	if err := unix.EpollCtl(l.epollFD, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.EBADF || err == unix.ENOENT {
			return nil
		}
		return domain.WrapError(domain.KindSocketError, "epoll.Unregister", err)
	}
	return nil
}

// Run drives the reactor until Stop is called. It maintains a single
// deadline derived from timer's returned interval: epoll_wait blocks for
// at most the time remaining until that deadline, and on a true timeout
// (no fds ready) calls timer.OnTimer and reschedules.
func (l *LinuxEventLoop) Run(handler domain.EventHandler, timer domain.Timer, initial time.Duration) error {
	events := make([]unix.EpollEvent, 128)
	deadline := time.Now().Add(initial)

	for !l.stopped {
		wait := deadline.Sub(time.Now())
		if wait < 0 {
			wait = 0
		}
		n, err := unix.EpollWait(l.epollFD, events, int(wait.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return domain.WrapError(domain.KindSocketError, "epoll.Run: EpollWait", err)
		}

		if n == 0 {
			if !time.Now().Before(deadline) {
				next := timer.OnTimer()
				deadline = time.Now().Add(next)
			}
			continue
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&unix.EPOLLOUT != 0 {
				domainEv |= domain.EventWrite
			}

			_ = handler.HandleEvent(fd, domainEv)
		}
	}
	return nil
}

func (l *LinuxEventLoop) Stop() {
	l.stopped = true
	unix.Close(l.epollFD)
}
