package source

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

// Adapter bridges a Device capture callback into the first pipeline queue.
// It is the only component that closes that queue, so stopping it drains
// the whole receiver.
type Adapter struct {
	dev       Device
	out       *queue.Queue[complex64]
	samples   publisher.Samples
	normalize func(dst []complex64, src []byte)
	logger    logging.Logger

	startOnce sync.Once
	cancel    sync.Once
	done      chan struct{}
	err       error

	callbacks atomic.Uint64
	produced  atomic.Uint64
	dropped   atomic.Uint64
}

// NewAdapter wires dev to out. samples, when not nil, receives a copy of
// every normalized buffer before it moves downstream.
func NewAdapter(dev Device, out *queue.Queue[complex64], samples publisher.Samples, logger logging.Logger) *Adapter {
	return &Adapter{
		dev:       dev,
		out:       out,
		samples:   samples,
		normalize: normalizer(dev.Format()),
		logger:    logging.OrDefault(logger).With(logging.Subsystem("source")),
		done:      make(chan struct{}),
	}
}

// Name implements pipeline.Runner.
func (a *Adapter) Name() string { return "source" }

// Start launches the capture goroutine.
func (a *Adapter) Start() {
	a.startOnce.Do(func() { go a.run() })
}

func (a *Adapter) run() {
	defer close(a.done)
	a.logger.Info("capture started", logging.F("format", a.dev.Format().String()))
	err := a.dev.Start(a.handle)
	a.err = err
	a.out.Close()
	if err != nil {
		a.logger.Error("capture failed", logging.Err(err))
		return
	}
	a.logger.Info("capture stopped",
		logging.F("callbacks", a.callbacks.Load()),
		logging.F("samples", a.produced.Load()))
}

// handle runs on the device goroutine for every capture callback.
func (a *Adapter) handle(raw []byte) {
	if len(raw)%BlockBytes != 0 {
		panic(fmt.Sprintf("source: capture callback delivered %d bytes, not a multiple of %d", len(raw), BlockBytes))
	}
	a.callbacks.Add(1)
	b := a.out.AcquireWrite()
	if b == nil {
		a.dropped.Add(uint64(len(raw) / 2))
		return
	}
	n := len(raw) / 2
	b.Resize(n)
	a.normalize(b.Data, raw)
	if a.samples != nil {
		a.samples.PublishSamples(b.Data)
	}
	a.out.SubmitWrite(b)
	a.produced.Add(uint64(n))
}

// Stop cancels the capture, waits for the capture goroutine and returns the
// device error, if any. The output queue is closed exactly once, after the
// last callback has been submitted.
func (a *Adapter) Stop() error {
	a.startOnce.Do(func() {
		a.out.Close()
		close(a.done)
	})
	a.cancel.Do(func() {
		if err := a.dev.Cancel(); err != nil {
			a.logger.Warn("cancel capture", logging.Err(err))
		}
	})
	<-a.done
	return a.err
}

// Wait blocks until the capture goroutine has exited.
func (a *Adapter) Wait() { <-a.done }

// Done is closed once capture has ended and the output queue is closed.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Err returns the device error after Done is closed.
func (a *Adapter) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Stats implements pipeline.StatsSource.
func (a *Adapter) Stats() []publisher.Stat {
	return []publisher.Stat{
		{Key: "callbacks", Value: float64(a.callbacks.Load())},
		{Key: "samples", Value: float64(a.produced.Load())},
		{Key: "dropped", Value: float64(a.dropped.Load())},
	}
}
