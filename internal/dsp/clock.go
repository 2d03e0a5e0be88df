package dsp

import (
	"math"

	"github.com/rjboer/lritrecv/internal/publisher"
)

// ClockConfig tunes the Mueller and Müller symbol timing loop.
type ClockConfig struct {
	// SamplesPerSymbol is the nominal omega.
	SamplesPerSymbol float64
	// GainMu is the fractional phase loop gain.
	GainMu float64
	// OmegaLimit bounds omega relative to its nominal value.
	OmegaLimit float64
}

// ClockRecovery resamples the matched filter output at one sample per symbol.
type ClockRecovery struct {
	omega, omegaMid    float64
	omegaMin, omegaMax float64
	gainMu, gainOmega  float64
	mu                 float64

	prev, prevDecision float32
	carry              []complex64
	skip               int
	symbols            uint64
}

// NewClockRecovery builds the loop from cfg.
func NewClockRecovery(cfg ClockConfig) *ClockRecovery {
	if cfg.SamplesPerSymbol < 1 {
		cfg.SamplesPerSymbol = 2
	}
	if cfg.GainMu <= 0 {
		cfg.GainMu = 0.175
	}
	if cfg.OmegaLimit <= 0 {
		cfg.OmegaLimit = 0.005
	}
	return &ClockRecovery{
		omega:     cfg.SamplesPerSymbol,
		omegaMid:  cfg.SamplesPerSymbol,
		omegaMin:  cfg.SamplesPerSymbol * (1 - cfg.OmegaLimit),
		omegaMax:  cfg.SamplesPerSymbol * (1 + cfg.OmegaLimit),
		gainMu:    cfg.GainMu,
		gainOmega: 0.25 * cfg.GainMu * cfg.GainMu,
		carry:     make([]complex64, 0, 64),
	}
}

// OutputSize implements pipeline.Sizer.
func (c *ClockRecovery) OutputSize(n int) int {
	return int(float64(len(c.carry)+n)/c.omegaMin) + 2
}

func decide(v float32) float32 {
	if v >= 0 {
		return 1
	}
	return -1
}

// Work implements pipeline.Processor.
func (c *ClockRecovery) Work(in, out []complex64) int {
	buf := append(c.carry, in...)
	n := 0
	i := c.skip
	c.skip = 0
	for i+1 < len(buf) && n < len(out) {
		// Linear interpolation between the two samples around mu.
		a, b := buf[i], buf[i+1]
		m := float32(c.mu)
		s := a + complex(m, 0)*(b-a)
		out[n] = s
		n++

		cur := real(s)
		curDecision := decide(cur)
		mm := float64(c.prevDecision*cur - curDecision*c.prev)
		c.prev, c.prevDecision = cur, curDecision

		c.omega += c.gainOmega * mm
		if c.omega < c.omegaMin {
			c.omega = c.omegaMin
		} else if c.omega > c.omegaMax {
			c.omega = c.omegaMax
		}
		c.mu += c.omega + c.gainMu*mm
		step := math.Floor(c.mu)
		c.mu -= step
		i += int(step)
	}
	if i > len(buf) {
		c.skip = i - len(buf)
		i = len(buf)
	}
	c.carry = append(buf[:0], buf[i:]...)
	c.symbols += uint64(n)
	return n
}

// Omega returns the current samples per symbol estimate.
func (c *ClockRecovery) Omega() float64 { return c.omega }

// Stats implements pipeline.StatsSource.
func (c *ClockRecovery) Stats() []publisher.Stat {
	return []publisher.Stat{
		{Key: "omega", Value: c.omega},
		{Key: "omega_error", Value: (c.omega - c.omegaMid) / c.omegaMid},
		{Key: "symbols", Value: float64(c.symbols)},
	}
}
