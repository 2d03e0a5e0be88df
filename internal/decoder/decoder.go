// Package decoder runs the packetizer on its own goroutine at the tail of the
// receiver pipeline and hands every decoded packet to the packet publisher.
package decoder

import (
	"sync/atomic"

	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

// Config wires a decoder.
type Config struct {
	Packetizer packetizer.Config
	// Packets receives one call per decoded packet.
	Packets publisher.Packets
	// Stats receives the frame statistics after every decode attempt.
	Stats publisher.Stats
}

// Decoder consumes the soft bit queue until it is closed and drained.
type Decoder struct {
	in      *queue.Queue[int8]
	cfg     Config
	logger  logging.Logger
	done    chan struct{}
	started bool

	packets atomic.Uint64
	last    atomic.Pointer[packetizer.Stats]
}

// New creates a decoder reading soft bits from in.
func New(in *queue.Queue[int8], cfg Config, logger logging.Logger) *Decoder {
	return &Decoder{
		in:     in,
		cfg:    cfg,
		logger: logging.OrDefault(logger).With(logging.Subsystem("decoder")),
		done:   make(chan struct{}),
	}
}

// Name implements pipeline.Runner.
func (d *Decoder) Name() string { return "decoder" }

// Start launches the decoder goroutine. It must be called once.
func (d *Decoder) Start() {
	if d.started {
		panic("decoder: started twice")
	}
	d.started = true
	go d.run()
}

// Wait blocks until the soft bit stream has ended and the goroutine exited.
func (d *Decoder) Wait() { <-d.done }

// Done is closed when the decoder goroutine exits.
func (d *Decoder) Done() <-chan struct{} { return d.done }

// Packets returns the number of packets published so far.
func (d *Decoder) Packets() uint64 { return d.packets.Load() }

// LastStats returns the stats of the most recent decode attempt, or nil
// before the first one.
func (d *Decoder) LastStats() *packetizer.Stats { return d.last.Load() }

func (d *Decoder) run() {
	defer close(d.done)

	r := queue.NewReader(d.in)
	defer r.Close()

	p := packetizer.New(r, d.cfg.Packetizer, d.logger)
	p.OnFrame(func(st *packetizer.Stats) {
		cp := *st
		d.last.Store(&cp)
		if d.cfg.Stats != nil {
			d.cfg.Stats.PublishStats(d.Name(), st.Publish())
		}
	})

	buf := make([]byte, packetizer.PacketSize)
	var st packetizer.Stats
	for p.NextPacket(buf, &st) {
		d.packets.Add(1)
		if d.cfg.Packets != nil {
			d.cfg.Packets.PublishPacket(buf)
		}
	}

	d.logger.Info("soft bit stream ended",
		logging.F("packets", d.packets.Load()),
		logging.F("frames_failed", st.FramesFailed),
		logging.F("resyncs", st.Resyncs))
}
