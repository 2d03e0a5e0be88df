// Package packetizer turns the demodulated soft bit stream into decoded
// frames.
//
// A Packetizer is a two state machine. While searching it slides over the
// stream one symbol at a time looking for the encoded sync marker; once
// locked it consumes exactly one frame of symbols per call, runs the Viterbi
// decoder, derandomizes and corrects the frame with Reed-Solomon. Too many
// consecutive failures drop it back to searching.
package packetizer

import (
	"errors"
	"fmt"
	"io"

	"github.com/rjboer/lritrecv/internal/fec"
	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/publisher"
)

// Reader is the sequential soft bit stream the packetizer consumes. Read
// fills p completely or returns a short count together with an error once
// the stream has ended.
type Reader interface {
	Read(p []int8) (int, error)
}

// State is the lock state of the packetizer.
type State int

const (
	Searching State = iota
	Locked
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Locked:
		return "locked"
	default:
		return "unknown"
	}
}

// Config tunes synchronization.
type Config struct {
	// SyncThreshold is the minimum number of matching encoded sync symbols,
	// out of SyncSymbols, for a marker to be accepted.
	SyncThreshold int
	// MaxDecodeFailures is the number of consecutive failed frames tolerated
	// while locked before searching again. It only applies once a frame has
	// been consumed under the current lock: if the very first frame after a
	// sync fails, the marker is treated as a false match and the search
	// resumes one symbol later.
	MaxDecodeFailures int
}

// DefaultConfig returns the thresholds used on both downlinks.
func DefaultConfig() Config {
	return Config{SyncThreshold: 46, MaxDecodeFailures: 5}
}

// Validate reports out of range settings.
func (c Config) Validate() error {
	if c.SyncThreshold <= SyncSymbols/2 || c.SyncThreshold > SyncSymbols {
		return fmt.Errorf("sync threshold %d outside (%d, %d]", c.SyncThreshold, SyncSymbols/2, SyncSymbols)
	}
	if c.MaxDecodeFailures < 1 {
		return errors.New("max decode failures must be at least 1")
	}
	return nil
}

// Stats describes the most recent frame and running totals.
type Stats struct {
	State State
	// SyncOffset is the stream position, in soft bits, of the last frame's
	// sync marker.
	SyncOffset      int64
	SyncCorrelation int
	Inverted        bool
	ViterbiErrors   int
	// RSCorrections holds corrected symbols per codeword, -1 if it failed.
	RSCorrections [fec.Interleave]int
	OK            bool

	FramesOK     uint64
	FramesFailed uint64
	Resyncs      uint64
	// Skipped counts soft bits discarded while searching.
	Skipped uint64
}

// Publish flattens the stats for a stats publisher.
func (s *Stats) Publish() []publisher.Stat {
	ok := 0.0
	if s.OK {
		ok = 1
	}
	inv := 0.0
	if s.Inverted {
		inv = 1
	}
	out := []publisher.Stat{
		{Key: "locked", Value: float64(s.State)},
		{Key: "ok", Value: ok},
		{Key: "sync_offset", Value: float64(s.SyncOffset)},
		{Key: "sync_correlation", Value: float64(s.SyncCorrelation)},
		{Key: "inverted", Value: inv},
		{Key: "viterbi_errors", Value: float64(s.ViterbiErrors)},
		{Key: "frames_ok", Value: float64(s.FramesOK)},
		{Key: "frames_failed", Value: float64(s.FramesFailed)},
		{Key: "resyncs", Value: float64(s.Resyncs)},
		{Key: "skipped", Value: float64(s.Skipped)},
	}
	for i, n := range s.RSCorrections {
		out = append(out, publisher.Stat{Key: fmt.Sprintf("rs_corrections_%d", i), Value: float64(n)})
	}
	return out
}

// Packetizer reassembles packets from a soft bit stream. It is used from a
// single goroutine.
type Packetizer struct {
	r      Reader
	cfg    Config
	logger logging.Logger

	viterbi *fec.Viterbi
	rs      *fec.ReedSolomon

	buf        []int8
	start, end int
	// pos is the stream position of buf[start].
	pos int64
	eof bool

	state     State
	inverted  bool
	failures  int
	sinceLock int
	frame     []int8
	decoded   []byte
	totals    Stats
	onFrame   func(*Stats)
}

// New creates a packetizer reading from r. Invalid configuration values are
// replaced by defaults.
func New(r Reader, cfg Config, logger logging.Logger) *Packetizer {
	if err := cfg.Validate(); err != nil {
		cfg = DefaultConfig()
	}
	return &Packetizer{
		r:       r,
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With(logging.Subsystem("packetizer")),
		viterbi: fec.NewViterbi(CADUSize * 8),
		rs:      fec.NewReedSolomon(),
		buf:     make([]int8, 2*FrameSymbols),
		frame:   make([]int8, FrameSymbols),
		decoded: make([]byte, CADUSize),
	}
}

// OnFrame registers fn to be called after every decode attempt, successful
// or not, with the stats of that frame. fn must not retain the pointer.
func (p *Packetizer) OnFrame(fn func(*Stats)) { p.onFrame = fn }

// State returns the current lock state.
func (p *Packetizer) State() State { return p.state }

// fill makes sure at least n symbols are buffered past start. It returns
// false once the stream has ended with fewer than n available.
func (p *Packetizer) fill(n int) bool {
	for p.end-p.start < n {
		if p.eof {
			return false
		}
		if p.start+n > len(p.buf) {
			p.end = copy(p.buf, p.buf[p.start:p.end])
			p.start = 0
		}
		want := n - (p.end - p.start)
		got, err := p.r.Read(p.buf[p.end : p.end+want])
		p.end += got
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.logger.Warn("soft bit stream failed", logging.Err(err))
			}
			p.eof = true
		}
	}
	return true
}

func (p *Packetizer) advance(n int) {
	p.start += n
	p.pos += int64(n)
}

// search slides over the stream until a sync marker is found at start.
func (p *Packetizer) search() bool {
	for {
		if !p.fill(syncBytes * 8 * 2) {
			return false
		}
		normal, inverted := correlate(p.buf[p.start:p.end])
		switch {
		case normal >= p.cfg.SyncThreshold:
			p.lock(false, normal)
			return true
		case inverted >= p.cfg.SyncThreshold:
			p.lock(true, inverted)
			return true
		}
		p.advance(1)
		p.totals.Skipped++
	}
}

func (p *Packetizer) lock(inverted bool, corr int) {
	p.state = Locked
	p.inverted = inverted
	p.failures = 0
	p.sinceLock = 0
	p.logger.Info("frame sync acquired",
		logging.F("offset", p.pos),
		logging.F("correlation", corr),
		logging.F("inverted", inverted))
}

// NextPacket fills out, which must hold PacketSize bytes, with the next
// decoded packet. stats, when not nil, receives the state after the call. It
// returns false only when the stream has ended.
func (p *Packetizer) NextPacket(out []byte, stats *Stats) bool {
	if len(out) < PacketSize {
		panic(fmt.Sprintf("packetizer: packet buffer holds %d bytes, need %d", len(out), PacketSize))
	}
	for {
		if p.state == Searching {
			if !p.search() {
				p.report(stats)
				return false
			}
		}
		if !p.fill(FrameSymbols) {
			p.report(stats)
			return false
		}

		ok := p.decodeFrame()
		if ok {
			copy(out, p.decoded[syncBytes:syncBytes+PacketSize])
			p.advance(FrameSymbols)
			p.failures = 0
			p.sinceLock++
			p.totals.FramesOK++
			p.frameDone()
			p.report(stats)
			return true
		}

		p.totals.FramesFailed++
		p.failures++
		if p.sinceLock == 0 || p.failures >= p.cfg.MaxDecodeFailures {
			// Rescan from just past the rejected marker.
			p.logger.Info("frame sync lost",
				logging.F("offset", p.pos),
				logging.F("failures", p.failures))
			p.state = Searching
			p.totals.Resyncs++
			p.advance(1)
			p.totals.Skipped++
		} else {
			p.advance(FrameSymbols)
			p.sinceLock++
		}
		p.frameDone()
	}
}

// decodeFrame decodes the frame at start into p.decoded.
func (p *Packetizer) decodeFrame() bool {
	soft := p.buf[p.start : p.start+FrameSymbols]
	normal, inverted := correlate(soft)
	corr := normal
	if p.inverted {
		corr = inverted
	}
	p.totals.SyncOffset = p.pos
	p.totals.SyncCorrelation = corr
	p.totals.Inverted = p.inverted
	p.totals.ViterbiErrors = 0
	p.totals.RSCorrections = [fec.Interleave]int{-1, -1, -1, -1}
	p.totals.OK = false
	if corr < p.cfg.SyncThreshold {
		return false
	}

	if p.inverted {
		for i, s := range soft {
			p.frame[i] = -s
		}
		soft = p.frame
	}
	p.totals.ViterbiErrors = p.viterbi.Decode(soft, p.decoded)

	body := p.decoded[syncBytes:]
	fec.Derandomize(body)
	if err := p.rs.DecodeFrame(body, &p.totals.RSCorrections); err != nil {
		return false
	}
	p.totals.OK = true
	return true
}

func (p *Packetizer) frameDone() {
	if p.onFrame == nil {
		return
	}
	p.totals.State = p.state
	st := p.totals
	p.onFrame(&st)
}

func (p *Packetizer) report(stats *Stats) {
	p.totals.State = p.state
	if stats != nil {
		*stats = p.totals
	}
}
