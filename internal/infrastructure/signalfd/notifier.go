// Package signalfd bridges Go's os/signal delivery (which runs on its own
// goroutine) into the single-threaded epoll reactor, via an eventfd the
// reactor polls for read-readiness like any other fd. This is the
// standard Linux self-pipe/eventfd wakeup idiom: cancellation stays
// cooperative, polled on the next reactor turn, instead of interrupting
// the reactor thread directly.
package signalfd

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"socks5-proxy/internal/domain"
)

// Notifier is a one-shot-per-signal wakeup source: Signal() is safe to
// call from any goroutine, HandleEvent-side code calls Drain() once woken
// and Count() to see how many signals have arrived so far (used to tell a
// first SIGINT from a second).
type Notifier struct {
	fd    int
	count atomic.Int32
}

func New() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, domain.WrapError(domain.KindSocketError, "signalfd.New", err)
	}
	return &Notifier{fd: fd}, nil
}

func (n *Notifier) FD() int { return n.fd }

// Signal records one more occurrence and wakes the reactor. Safe to call
// concurrently from a signal-handling goroutine.
func (n *Notifier) Signal() {
	n.count.Add(1)
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(n.fd, one[:])
}

// Count returns the number of Signal calls observed so far.
func (n *Notifier) Count() int32 { return n.count.Load() }

// Drain clears the eventfd's pending readiness after the reactor wakes.
func (n *Notifier) Drain() {
	var buf [8]byte
	_, _ = unix.Read(n.fd, buf[:])
}

func (n *Notifier) Close() {
	unix.Close(n.fd)
}
