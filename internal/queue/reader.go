package queue

import "io"

// Reader presents the read side of a Queue as a sequential stream. It keeps
// the partially consumed buffer between calls and returns each buffer to the
// queue as soon as it is exhausted.
type Reader[T any] struct {
	q   *Queue[T]
	cur *Buffer[T]
	pos int
}

// NewReader wraps q. The Reader must be the only consumer of q.
func NewReader[T any](q *Queue[T]) *Reader[T] {
	return &Reader[T]{q: q}
}

// Read fills p completely, blocking on the queue as needed. When the queue
// reaches end-of-stream first it returns the number of elements copied so far
// together with io.EOF.
func (r *Reader[T]) Read(p []T) (int, error) {
	n := 0
	for n < len(p) {
		if r.cur == nil {
			r.cur = r.q.AcquireRead()
			if r.cur == nil {
				return n, io.EOF
			}
			r.pos = 0
		}

		c := copy(p[n:], r.cur.Data[r.pos:])
		n += c
		r.pos += c

		if r.pos >= len(r.cur.Data) {
			r.q.ReturnRead(r.cur)
			r.cur = nil
		}
	}
	return n, nil
}

// Close returns a partially consumed buffer to the queue. The Reader must not
// be used afterwards.
func (r *Reader[T]) Close() error {
	if r.cur != nil {
		r.q.ReturnRead(r.cur)
		r.cur = nil
	}
	return nil
}
