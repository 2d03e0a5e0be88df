// Package queue implements the bounded, buffer-recycling channel that connects
// pipeline stages.
//
// A Queue owns a fixed set of buffers for its whole lifetime. Producers take a
// buffer from the write pool, fill it and submit it to the read pool; consumers
// take buffers from the read pool in submission order and return them to the
// write pool once drained. A producer that finds the write pool empty blocks
// until a consumer returns a buffer, which is the backpressure mechanism of the
// receiver.
package queue

import (
	"fmt"
	"sync"
)

type bufferState int

const (
	stateFree bufferState = iota
	stateWriting
	stateReady
	stateReading
)

func (s bufferState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateWriting:
		return "writing"
	case stateReady:
		return "ready"
	case stateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Buffer is a recycled block of elements. At any instant it is owned by
// exactly one of the producer, the queue or the consumer. Callers must not
// touch a buffer after handing it back to its queue.
type Buffer[T any] struct {
	Data  []T
	owner *Queue[T]
	state bufferState
}

// Resize sets the logical length to n, growing the backing storage when the
// current capacity is too small. Contents are undefined after a resize.
func (b *Buffer[T]) Resize(n int) {
	if cap(b.Data) < n {
		b.Data = make([]T, n)
		return
	}
	b.Data = b.Data[:n]
}

// Len returns the logical length of the buffer.
func (b *Buffer[T]) Len() int { return len(b.Data) }

// Stats is a snapshot of the buffer accounting of a Queue.
type Stats struct {
	Capacity int  `json:"capacity"`
	Free     int  `json:"free"`
	Ready    int  `json:"ready"`
	InFlight int  `json:"inFlight"`
	Closed   bool `json:"closed"`
}

// Queue is a bounded channel of recycled buffers.
type Queue[T any] struct {
	mu       sync.Mutex
	readable *sync.Cond
	writable *sync.Cond

	// free is a stack of buffers available for writing.
	free []*Buffer[T]

	// ready is a ring of submitted buffers in FIFO order.
	ready []*Buffer[T]
	head  int
	count int

	capacity int
	inFlight int
	closed   bool
}

// New creates a queue holding the given number of buffers, each preallocated
// with room for size elements.
func New[T any](buffers, size int) *Queue[T] {
	if buffers <= 0 {
		panic(fmt.Sprintf("queue: buffer count must be positive, got %d", buffers))
	}
	if size < 0 {
		size = 0
	}
	q := &Queue[T]{
		free:     make([]*Buffer[T], 0, buffers),
		ready:    make([]*Buffer[T], buffers),
		capacity: buffers,
	}
	q.readable = sync.NewCond(&q.mu)
	q.writable = sync.NewCond(&q.mu)
	for i := 0; i < buffers; i++ {
		q.free = append(q.free, &Buffer[T]{Data: make([]T, 0, size), owner: q})
	}
	return q
}

// AcquireWrite blocks until a buffer is available for writing and returns it.
// It returns nil once the queue is closed.
func (q *Queue[T]) AcquireWrite() *Buffer[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.free) == 0 && !q.closed {
		q.writable.Wait()
	}
	if q.closed {
		return nil
	}
	b := q.free[len(q.free)-1]
	q.free[len(q.free)-1] = nil
	q.free = q.free[:len(q.free)-1]
	b.state = stateWriting
	q.inFlight++
	return b
}

// SubmitWrite hands a filled buffer to the read side and wakes one reader.
// Buffers submitted after Close are still delivered to readers.
func (q *Queue[T]) SubmitWrite(b *Buffer[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkHeld(b, stateWriting, "submit")
	b.state = stateReady
	q.inFlight--
	q.ready[(q.head+q.count)%q.capacity] = b
	q.count++
	q.readable.Signal()
}

// ReleaseWrite returns a write buffer that was not filled, for example when
// a stage produced no output for an input block.
func (q *Queue[T]) ReleaseWrite(b *Buffer[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkHeld(b, stateWriting, "release")
	q.putFree(b)
}

// AcquireRead blocks until a submitted buffer is available and returns the
// oldest one. It returns nil only when the queue is closed and drained, which
// is the end-of-stream signal.
func (q *Queue[T]) AcquireRead() *Buffer[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.count == 0 && !q.closed {
		q.readable.Wait()
	}
	if q.count == 0 {
		return nil
	}
	b := q.ready[q.head]
	q.ready[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.count--
	b.state = stateReading
	q.inFlight++
	return b
}

// ReturnRead gives a drained buffer back to the write pool and wakes one
// blocked writer.
func (q *Queue[T]) ReturnRead(b *Buffer[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.checkHeld(b, stateReading, "return")
	q.putFree(b)
}

// Close marks the queue closed and wakes every blocked caller. Close is
// idempotent; a closed queue cannot be reopened.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.readable.Broadcast()
	q.writable.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Stats returns the current buffer accounting. Free+Ready+InFlight always
// equals Capacity.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Capacity: q.capacity,
		Free:     len(q.free),
		Ready:    q.count,
		InFlight: q.inFlight,
		Closed:   q.closed,
	}
}

func (q *Queue[T]) putFree(b *Buffer[T]) {
	b.state = stateFree
	b.Data = b.Data[:0]
	q.inFlight--
	q.free = append(q.free, b)
	q.writable.Signal()
}

// checkHeld panics when b was not handed out by this queue in the expected
// state. Misuse is a programming error.
func (q *Queue[T]) checkHeld(b *Buffer[T], want bufferState, op string) {
	if b == nil {
		panic(fmt.Sprintf("queue: %s of nil buffer", op))
	}
	if b.owner != q {
		panic(fmt.Sprintf("queue: %s of buffer owned by another queue", op))
	}
	if b.state != want {
		panic(fmt.Sprintf("queue: %s of buffer in state %s, want %s", op, b.state, want))
	}
}
