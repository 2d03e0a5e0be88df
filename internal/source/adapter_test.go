package source

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

// scriptedDevice delivers fixed callbacks and then either returns err or
// blocks until cancelled.
type scriptedDevice struct {
	chunks [][]byte
	err    error
	block  bool
	stop   chan struct{}
	closed bool
}

func newScripted(chunks ...[]byte) *scriptedDevice {
	return &scriptedDevice{chunks: chunks, stop: make(chan struct{})}
}

func (d *scriptedDevice) Format() Format { return CU8 }

func (d *scriptedDevice) Start(fn func([]byte)) error {
	for _, c := range d.chunks {
		fn(c)
	}
	if d.block {
		<-d.stop
		return nil
	}
	return d.err
}

func (d *scriptedDevice) Cancel() error {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
	return nil
}

func (d *scriptedDevice) Close() error { d.closed = true; return nil }

func drain(q *queue.Queue[complex64]) chan []complex64 {
	ch := make(chan []complex64, 1)
	go func() {
		var got []complex64
		for {
			b := q.AcquireRead()
			if b == nil {
				ch <- got
				return
			}
			got = append(got, b.Data...)
			q.ReturnRead(b)
		}
	}()
	return ch
}

func TestAdapterDeliversAndClosesQueue(t *testing.T) {
	dev := newScripted(bytes.Repeat([]byte{255, 0}, 8), bytes.Repeat([]byte{128, 128}, 4))
	dev.block = true
	q := queue.New[complex64](4, 16)
	rec := &publisher.Recorder{}
	a := NewAdapter(dev, q, rec, nil)
	out := drain(q)
	a.Start()

	deadline := time.After(2 * time.Second)
	for {
		if v, _ := publisher.Lookup(a.Stats(), "samples"); v == 12 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("adapter did not forward both callbacks")
		case <-time.After(time.Millisecond):
		}
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := a.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	got := <-out
	if len(got) != 12 {
		t.Fatalf("expected 12 samples, got %d", len(got))
	}
	if real(got[0]) < 0.99 || imag(got[0]) > -0.99 {
		t.Fatalf("unexpected first sample %v", got[0])
	}
	if !q.Closed() {
		t.Fatalf("expected queue closed")
	}
	if len(rec.Samples) != 2 || len(rec.Samples[0]) != 8 {
		t.Fatalf("expected two published copies, got %d", len(rec.Samples))
	}
}

func TestAdapterReportsDeviceError(t *testing.T) {
	boom := errors.New("usb unplugged")
	dev := newScripted(make([]byte, 8))
	dev.err = boom
	q := queue.New[complex64](2, 4)
	a := NewAdapter(dev, q, nil, nil)
	out := drain(q)
	a.Start()

	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter did not finish")
	}
	if !errors.Is(a.Err(), boom) {
		t.Fatalf("expected device error, got %v", a.Err())
	}
	if got := <-out; len(got) != 4 {
		t.Fatalf("expected the samples before the failure, got %d", len(got))
	}
}

func TestAdapterRejectsPartialBlocks(t *testing.T) {
	q := queue.New[complex64](1, 4)
	a := NewAdapter(newScripted(), q, nil, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for a 6 byte callback")
		}
	}()
	a.handle(make([]byte, 6))
}

func TestAdapterStopBeforeStart(t *testing.T) {
	q := queue.New[complex64](1, 4)
	a := NewAdapter(newScripted(), q, nil, nil)
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !q.Closed() {
		t.Fatalf("expected queue closed")
	}
	a.Start()
	a.Wait()
}

func TestAdapterCountsDropsAfterDownstreamClose(t *testing.T) {
	q := queue.New[complex64](1, 8)
	q.Close()
	a := NewAdapter(newScripted(), q, nil, nil)
	a.handle(make([]byte, 16))
	if v, _ := publisher.Lookup(a.Stats(), "dropped"); v != 8 {
		t.Fatalf("expected 8 dropped samples, got %v", v)
	}
}
