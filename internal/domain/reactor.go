package domain

import "time"

// EventType is a bitmask of reactor readiness kinds a handler can be
// notified about, matching the epoll_event bit values directly so the
// infrastructure layer can pass them straight through.
type EventType uint32

const (
	EventRead  EventType = 0x1
	EventWrite EventType = 0x4
)

// EventHandler receives one callback per readiness event. fd identifies
// which registered socket fired; event tells which direction(s).
type EventHandler interface {
	HandleEvent(fd int, event EventType) error
}

// Timer is the periodic-tick capability the reactor drives: when the
// current interval elapses with no readiness events, OnTimer fires and
// returns the interval to wait before the next tick. The reactor carries
// a single recomputed one-shot timer rather than per-timeout OS timers.
type Timer interface {
	OnTimer() time.Duration
}

// EventLoop is the reactor abstraction the engine runs on: one thread,
// edge-triggered readiness, cooperative dispatch, one recomputed timer.
// The Timer passed to Run lets ProxyServer drive its TimeoutWheel sweeps
// without a second goroutine or OS timer object.
type EventLoop interface {
	Register(fd int, events EventType) error
	Modify(fd int, events EventType) error
	Unregister(fd int) error
	Run(handler EventHandler, timer Timer, initial time.Duration) error
	Stop()
}
