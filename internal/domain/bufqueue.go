package domain

// ByteQueue is a FIFO byte buffer: push appends at the tail, pop discards
// from the head, peek returns a stable contiguous view of everything
// currently queued. Grounded on the source's BufQueue (push/peek/pop/
// shrink over a single growable slice with a head offset).
type ByteQueue struct {
	buf   []byte
	start int
}

// Push appends data to the tail of the queue.
func (q *ByteQueue) Push(data []byte) {
	q.buf = append(q.buf, data...)
}

// Peek returns a contiguous view of all queued bytes. The slice is valid
// only until the next Push/Pop/Compact call.
func (q *ByteQueue) Peek() []byte {
	return q.buf[q.start:]
}

// Pop discards n bytes from the head. n must not exceed Size().
func (q *ByteQueue) Pop(n int) {
	q.start += n
}

// Size returns the number of bytes currently queued.
func (q *ByteQueue) Size() int {
	return len(q.buf) - q.start
}

// Empty reports whether the queue holds no bytes.
func (q *ByteQueue) Empty() bool {
	return q.Size() == 0
}

// Compact relocates live bytes to the front of the backing slice once the
// head offset exceeds half of storage, bounding the amortized cost of
// push/pop to O(1) without letting a long-lived queue's backing array grow
// without bound.
func (q *ByteQueue) Compact() {
	if q.start*2 > len(q.buf) {
		n := copy(q.buf, q.buf[q.start:])
		q.buf = q.buf[:n]
		q.start = 0
	}
}

// Reset drops all queued bytes, keeping the backing slice for reuse.
func (q *ByteQueue) Reset() {
	q.buf = q.buf[:0]
	q.start = 0
}

// TakeAll removes and returns everything queued, leaving the queue empty.
// Used to transfer pipelined bytes between queues (CONNECT handoff).
func (q *ByteQueue) TakeAll() []byte {
	out := append([]byte(nil), q.buf[q.start:]...)
	q.Reset()
	return out
}
