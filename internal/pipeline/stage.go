// Package pipeline runs receiver stages on dedicated goroutines connected by
// recycling queues.
//
// Shutdown is driven only by queue closure: when a stage reads end-of-stream
// from its upstream queue it closes its downstream queue and exits, so closing
// the head queue drains the whole chain in flow order.
package pipeline

import (
	"fmt"

	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

// Processor is a stateful transform from one block of input elements to a
// block of output elements. Work writes into out and returns how many
// elements it produced; out has room for OutputSize(len(in)) elements.
type Processor[In, Out any] interface {
	Work(in []In, out []Out) int
}

// Sizer is implemented by processors whose output can be longer than their
// input.
type Sizer interface {
	OutputSize(n int) int
}

// StatsSource is implemented by processors exposing read-only statistics.
type StatsSource interface {
	Stats() []publisher.Stat
}

// Runner is one goroutine of a pipeline.
type Runner interface {
	Name() string
	Start()
	Wait()
}

// Stage moves blocks from an upstream queue through a Processor into a
// downstream queue on its own goroutine.
type Stage[In, Out any] struct {
	name    string
	in      *queue.Queue[In]
	out     *queue.Queue[Out]
	proc    Processor[In, Out]
	tap     func([]Out)
	stats   publisher.Stats
	every   int
	logger  logging.Logger
	done    chan struct{}
	started bool

	blocks uint64
}

// StageOption customizes a Stage.
type StageOption[In, Out any] func(*Stage[In, Out])

// WithTap publishes a copy of every output block through fn before the block
// is submitted downstream. fn must not retain the slice.
func WithTap[In, Out any](fn func([]Out)) StageOption[In, Out] {
	return func(s *Stage[In, Out]) { s.tap = fn }
}

// WithStats publishes the processor's statistics every n blocks.
func WithStats[In, Out any](stats publisher.Stats, n int) StageOption[In, Out] {
	return func(s *Stage[In, Out]) {
		s.stats = stats
		if n <= 0 {
			n = 1
		}
		s.every = n
	}
}

// WithLogger sets the stage logger.
func WithLogger[In, Out any](l logging.Logger) StageOption[In, Out] {
	return func(s *Stage[In, Out]) { s.logger = l }
}

// NewStage wires proc between in and out.
func NewStage[In, Out any](name string, in *queue.Queue[In], out *queue.Queue[Out], proc Processor[In, Out], opts ...StageOption[In, Out]) *Stage[In, Out] {
	if in == nil || out == nil || proc == nil {
		panic(fmt.Sprintf("pipeline: stage %q needs an input queue, an output queue and a processor", name))
	}
	s := &Stage[In, Out]{
		name: name,
		in:   in,
		out:  out,
		proc: proc,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger).With(logging.Subsystem("stage"), logging.F("stage", name))
	return s
}

// Name returns the stage name.
func (s *Stage[In, Out]) Name() string { return s.name }

// Start launches the stage goroutine. It must be called once.
func (s *Stage[In, Out]) Start() {
	if s.started {
		panic(fmt.Sprintf("pipeline: stage %q started twice", s.name))
	}
	s.started = true
	go s.run()
}

// Wait blocks until the stage has observed end-of-stream and closed its
// downstream queue.
func (s *Stage[In, Out]) Wait() { <-s.done }

// Done is closed when the stage goroutine exits.
func (s *Stage[In, Out]) Done() <-chan struct{} { return s.done }

func (s *Stage[In, Out]) run() {
	defer close(s.done)
	defer s.out.Close()

	s.logger.Debug("stage started")
	sizer, _ := s.proc.(Sizer)
	statser, _ := s.proc.(StatsSource)

	for {
		in := s.in.AcquireRead()
		if in == nil {
			s.logger.Debug("end of stream", logging.F("blocks", s.blocks))
			return
		}

		out := s.out.AcquireWrite()
		if out == nil {
			// Downstream went away on its own; keep draining upstream so the
			// producer side never wedges on a full write pool.
			s.in.ReturnRead(in)
			continue
		}

		size := len(in.Data)
		if sizer != nil {
			size = sizer.OutputSize(size)
		}
		out.Resize(size)
		n := s.proc.Work(in.Data, out.Data)
		out.Resize(n)
		s.in.ReturnRead(in)
		s.blocks++

		if n == 0 {
			s.out.ReleaseWrite(out)
		} else {
			if s.tap != nil {
				s.tap(out.Data)
			}
			s.out.SubmitWrite(out)
		}

		if s.stats != nil && statser != nil && s.blocks%uint64(s.every) == 0 {
			s.stats.PublishStats(s.name, statser.Stats())
		}
	}
}
