package domain

import (
	"container/list"
	"time"
)

// TimeoutTracer is embedded in any object tracked by a TimeoutWheel. It
// belongs to at most one wheel at a time. It holds an opaque
// *list.Element rather than recovering the owning object via pointer
// arithmetic (the source's intrusive dlist.hpp + offsetof pattern) —
// container/list plus a back-reference in the list entry gives the same
// O(1) touch/remove without unsafe code.
type TimeoutTracer struct {
	elem         *list.Element
	lastActivity time.Time
}

// Linked reports whether the tracer currently belongs to a wheel.
func (t *TimeoutTracer) Linked() bool {
	return t.elem != nil
}

type wheelEntry struct {
	tracer *TimeoutTracer
	obj    interface{}
}

// TimeoutWheel holds a FIFO of tracers ordered by last-activity timestamp:
// touch moves an object to the tail with a fresh timestamp, so the head of
// the list is always the next object due to expire.
type TimeoutWheel struct {
	timeout time.Duration
	entries list.List
}

func NewTimeoutWheel(timeout time.Duration) *TimeoutWheel {
	w := &TimeoutWheel{timeout: timeout}
	w.entries.Init()
	return w
}

func (w *TimeoutWheel) Timeout() time.Duration { return w.timeout }

// Touch updates the tracer's last-activity stamp to now and moves it to
// the tail, re-linking it first if it was already in this wheel.
func (w *TimeoutWheel) Touch(now time.Time, tracer *TimeoutTracer, obj interface{}) {
	if tracer.elem != nil {
		w.entries.Remove(tracer.elem)
	}
	tracer.lastActivity = now
	tracer.elem = w.entries.PushBack(&wheelEntry{tracer: tracer, obj: obj})
}

// Remove unlinks the tracer from this wheel, if linked. No-op otherwise.
func (w *TimeoutWheel) Remove(tracer *TimeoutTracer) {
	if tracer.elem == nil {
		return
	}
	w.entries.Remove(tracer.elem)
	tracer.elem = nil
}

// Sweep invokes fn for every head entry whose last-activity + timeout has
// elapsed by now, in order, then returns the time remaining until the new
// head (if any) would expire, or the wheel's full timeout if now empty.
// fn must not re-enter Sweep; it may call Remove/Touch on other wheels.
func (w *TimeoutWheel) Sweep(now time.Time, fn func(obj interface{})) time.Duration {
	for {
		front := w.entries.Front()
		if front == nil {
			break
		}
		entry := front.Value.(*wheelEntry)
		if entry.tracer.lastActivity.Add(w.timeout).After(now) {
			break
		}
		w.entries.Remove(front)
		entry.tracer.elem = nil
		fn(entry.obj)
	}

	if front := w.entries.Front(); front != nil {
		entry := front.Value.(*wheelEntry)
		remain := entry.tracer.lastActivity.Add(w.timeout).Sub(now)
		if remain < 0 {
			remain = 0
		}
		return remain
	}
	return w.timeout
}
