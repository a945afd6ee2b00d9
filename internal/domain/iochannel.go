package domain

import (
	"golang.org/x/sys/unix"
)

// ReadGate lets an IOChannel suspend/resume read readiness on whatever
// produces the bytes it relays, without reaching into the producer's
// internals. PauseRead/ResumeRead are capability tokens bound once at
// construction and called opaquely afterward.
type ReadGate interface {
	PauseRead()
	ResumeRead()
}

// WriteGate lets an IOChannel drive write readiness on the socket it
// drains into, again without holding a raw reference to the reactor.
type WriteGate interface {
	EnableWrite()
	DisableWrite()
}

func isAgain(err error) bool {
	return err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR
}

// IOChannel is a write-buffered egress channel toward consumerFD, with
// backpressure toward an optional producer. Grounded on
// original_source/src/iochannel.{h,cpp}: write() bypasses the queue with
// one direct write attempt, on_writable() drains the queue, producer_done()
// half-closes once the queue is empty.
type IOChannel struct {
	consumerFD int
	maxBuf     int
	queue      ByteQueue

	producer ReadGate // may be nil (no upstream to throttle)
	consumer WriteGate

	producerDone  bool
	shutdownDone  bool
}

// NewIOChannel binds an IOChannel to the socket it writes into. consumer
// is the write-readiness capability for that same socket.
func NewIOChannel(consumerFD int, maxBuf int, consumer WriteGate) *IOChannel {
	return &IOChannel{consumerFD: consumerFD, maxBuf: maxBuf, consumer: consumer}
}

// BindProducer attaches the upstream read-readiness capability this
// channel throttles under backpressure. May be called at most once.
func (c *IOChannel) BindProducer(p ReadGate) {
	c.producer = p
}

func (c *IOChannel) QueueSize() int { return c.queue.Size() }

func (c *IOChannel) IsProducerDone() bool { return c.producerDone }

// Write enqueues data for delivery to consumerFD. If the queue is empty it
// first attempts one direct write to avoid buffering; any bytes the direct
// write doesn't cover are appended to the queue. Applies backpressure to
// the bound producer once the queue reaches maxBuf.
func (c *IOChannel) Write(data []byte) error {
	written := 0
	if c.queue.Empty() && len(data) > 0 {
		n, err := unix.Write(c.consumerFD, data)
		if err != nil {
			if !isAgain(err) {
				return WrapError(KindWriteError, "IOChannel.Write", err)
			}
		} else if n > len(data) {
			return NewError(KindWriteError, "IOChannel.Write: bad return value")
		} else {
			written = n
		}
	}

	if written < len(data) {
		c.queue.Push(data[written:])
	}

	if !c.queue.Empty() {
		c.consumer.EnableWrite()
	}
	if c.queue.Size() >= c.maxBuf && c.producer != nil && !c.producerDone {
		c.producer.PauseRead()
	}
	return nil
}

// OnWritable drains the queue into consumerFD until EAGAIN or empty, then
// updates write readiness, performs the half-close if producer is done and
// the queue just emptied, and resumes the producer if it was throttled and
// has room again.
func (c *IOChannel) OnWritable() error {
	if err := c.flush(); err != nil {
		return err
	}

	if c.queue.Empty() {
		c.consumer.DisableWrite()
		if c.producerDone {
			if err := c.shutdownWrite(); err != nil {
				return err
			}
		}
	}

	if c.producer != nil && !c.producerDone && c.queue.Size() < c.maxBuf {
		c.producer.ResumeRead()
	}
	return nil
}

func (c *IOChannel) flush() error {
	for !c.queue.Empty() {
		data := c.queue.Peek()
		n, err := unix.Write(c.consumerFD, data)
		if err != nil {
			if isAgain(err) {
				break
			}
			return WrapError(KindWriteError, "IOChannel.flush", err)
		}
		if n == 0 {
			return NewError(KindWriteError, "IOChannel.flush: zero-length write")
		}
		c.queue.Pop(n)
	}
	c.queue.Compact()
	return nil
}

// ProducerDone marks the upstream as exhausted (EOF or teardown). Once the
// queue drains, the consumer socket's write half is shut down exactly
// once. Idempotent: calling it more than once after the first is a no-op.
func (c *IOChannel) ProducerDone() error {
	if c.producerDone {
		return nil
	}
	c.producerDone = true
	if c.queue.Empty() {
		return c.shutdownWrite()
	}
	return nil
}

func (c *IOChannel) shutdownWrite() error {
	if c.shutdownDone {
		return nil
	}
	c.shutdownDone = true
	if err := unix.Shutdown(c.consumerFD, unix.SHUT_WR); err != nil {
		return WrapError(KindShutdownError, "IOChannel.shutdownWrite", err)
	}
	return nil
}

// Drained reports whether this channel is fully finished relaying: the
// producer is exhausted and the queue has emptied (and the half-close, if
// any, has happened).
func (c *IOChannel) Drained() bool {
	return c.producerDone && c.queue.Empty()
}
