package pipeline

import (
	"sync"

	"github.com/rjboer/lritrecv/internal/logging"
)

// Pipeline is a fixed chain of runners wired front to back. It cannot be
// rewired once started.
type Pipeline struct {
	mu      sync.Mutex
	runners []Runner
	started bool
	logger  logging.Logger
}

// New creates an empty pipeline.
func New(logger logging.Logger) *Pipeline {
	return &Pipeline{logger: logging.OrDefault(logger).With(logging.Subsystem("pipeline"))}
}

// Add appends a runner in flow order.
func (p *Pipeline) Add(r Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		panic("pipeline: Add after Start")
	}
	p.runners = append(p.runners, r)
}

// Runners returns the runners in flow order.
func (p *Pipeline) Runners() []Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Runner(nil), p.runners...)
}

// Start launches every runner, consumers first so that no producer ever
// submits into a queue nobody drains.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := len(p.runners) - 1; i >= 0; i-- {
		p.runners[i].Start()
	}
	p.logger.Info("pipeline started", logging.F("runners", len(p.runners)))
}

// Wait joins every runner in flow order. It returns once the head queue has
// been closed and the closure has cascaded through the chain.
func (p *Pipeline) Wait() {
	for _, r := range p.Runners() {
		r.Wait()
		p.logger.Debug("runner finished", logging.F("runner", r.Name()))
	}
	p.logger.Info("pipeline drained")
}
