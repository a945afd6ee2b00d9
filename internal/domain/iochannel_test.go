package domain

import (
	"testing"

	"golang.org/x/sys/unix"
)

type fakeGate struct {
	reading, writing bool

	pauseCalls, resumeCalls   int
	enableCalls, disableCalls int
}

func (g *fakeGate) PauseRead()    { g.reading = false; g.pauseCalls++ }
func (g *fakeGate) ResumeRead()   { g.reading = true; g.resumeCalls++ }
func (g *fakeGate) EnableWrite()  { g.writing = true; g.enableCalls++ }
func (g *fakeGate) DisableWrite() { g.writing = false; g.disableCalls++ }

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair() error = %v", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("SetNonblock() error = %v", err)
		}
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestIOChannelWriteDirect(t *testing.T) {
	a, b := socketpair(t)
	consumer := &fakeGate{}
	ch := NewIOChannel(a, 64*1024, consumer)

	if err := ch.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if ch.QueueSize() != 0 {
		t.Fatalf("QueueSize() = %d, want 0 (direct write should bypass the queue)", ch.QueueSize())
	}
	if consumer.enableCalls != 0 {
		t.Fatalf("EnableWrite() called %d times, want 0 when the queue never fills", consumer.enableCalls)
	}

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("peer received %q, want %q", buf[:n], "hello")
	}
}

func TestIOChannelQueuesWhenPeerStopsReading(t *testing.T) {
	a, b := socketpair(t)
	_ = b // peer fd left unread on purpose to fill the send buffer

	consumer := &fakeGate{}
	ch := NewIOChannel(a, 1<<20, consumer)

	chunk := make([]byte, 64*1024)
	var queued bool
	for i := 0; i < 64; i++ {
		if err := ch.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if ch.QueueSize() > 0 {
			queued = true
			break
		}
	}
	if !queued {
		t.Fatal("QueueSize() never grew; the send buffer never filled")
	}
	if consumer.enableCalls == 0 {
		t.Fatal("EnableWrite() was never called once the queue held data")
	}
}

func TestIOChannelBackpressureOnProducer(t *testing.T) {
	a, b := socketpair(t)
	_ = b

	consumer := &fakeGate{}
	producer := &fakeGate{reading: true}
	ch := NewIOChannel(a, 8, consumer) // tiny maxBuf forces PauseRead quickly
	ch.BindProducer(producer)

	for i := 0; i < 64; i++ {
		if err := ch.Write(make([]byte, 64*1024)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if producer.pauseCalls > 0 {
			break
		}
	}
	if producer.pauseCalls == 0 {
		t.Fatal("PauseRead() was never called despite the queue exceeding maxBuf")
	}
}

func TestIOChannelProducerDoneShutsDownWhenQueueEmpty(t *testing.T) {
	a, b := socketpair(t)
	consumer := &fakeGate{}
	ch := NewIOChannel(a, 64*1024, consumer)

	if err := ch.ProducerDone(); err != nil {
		t.Fatalf("ProducerDone() error = %v", err)
	}
	if !ch.Drained() {
		t.Fatal("Drained() = false after ProducerDone() on an empty queue")
	}

	buf := make([]byte, 16)
	n, err := unix.Read(b, buf)
	if n != 0 || err != nil {
		t.Fatalf("Read() after shutdown = (%d, %v), want (0, nil) for EOF", n, err)
	}
}

func TestIOChannelProducerDoneDefersShutdownUntilDrained(t *testing.T) {
	a, b := socketpair(t)
	_ = b

	consumer := &fakeGate{}
	ch := NewIOChannel(a, 1<<20, consumer)

	chunk := make([]byte, 64*1024)
	for i := 0; i < 64 && ch.QueueSize() == 0; i++ {
		_ = ch.Write(chunk)
	}
	if ch.QueueSize() == 0 {
		t.Fatal("queue never filled; cannot exercise deferred shutdown")
	}

	if err := ch.ProducerDone(); err != nil {
		t.Fatalf("ProducerDone() error = %v", err)
	}
	if ch.Drained() {
		t.Fatal("Drained() = true while the queue still holds data")
	}
}

func TestIOChannelResumesProducerOnceQueueDrains(t *testing.T) {
	a, b := socketpair(t)
	consumer := &fakeGate{}
	producer := &fakeGate{}
	ch := NewIOChannel(a, 8, consumer)
	ch.BindProducer(producer)

	// Keep writing until the peer's socket buffer is full and bytes sit in
	// the queue, which engages maxBuf backpressure on the producer.
	chunk := make([]byte, 64*1024)
	for i := 0; i < 64 && producer.pauseCalls == 0; i++ {
		if err := ch.Write(chunk); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if producer.pauseCalls == 0 {
		t.Fatal("PauseRead() was never called; cannot exercise the resume path")
	}

	drainBuf := make([]byte, 4096)
	for ch.QueueSize() > 0 {
		if _, err := unix.Read(b, drainBuf); err != nil && err != unix.EAGAIN {
			t.Fatalf("Read() error = %v", err)
		}
		if err := ch.OnWritable(); err != nil {
			t.Fatalf("OnWritable() error = %v", err)
		}
	}

	if !producer.reading {
		t.Fatal("producer still paused after the queue fully drained")
	}
}
