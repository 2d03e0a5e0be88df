package dsp

import (
	"math"

	"github.com/rjboer/lritrecv/internal/publisher"
)

// CostasConfig tunes the BPSK carrier recovery loop.
type CostasConfig struct {
	SampleRate float64
	// Bandwidth is the loop bandwidth in radians per sample.
	Bandwidth float64
	// MaxDeviation bounds the frequency correction in Hz.
	MaxDeviation float64
}

// Costas is a second order Costas loop for BPSK. It removes residual carrier
// offset and leaves the symbols on the real axis.
type Costas struct {
	alpha, beta float64
	maxFreq     float64
	sampleRate  float64
	phase, freq float64
}

// NewCostas derives the loop coefficients from a critically damped loop
// filter.
func NewCostas(cfg CostasConfig) *Costas {
	if cfg.Bandwidth <= 0 {
		cfg.Bandwidth = 2 * math.Pi / 200
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1
	}
	if cfg.MaxDeviation <= 0 {
		cfg.MaxDeviation = 200e3
	}
	damping := math.Sqrt2 / 2
	bw := cfg.Bandwidth
	denom := 1 + 2*damping*bw + bw*bw
	return &Costas{
		alpha:      4 * damping * bw / denom,
		beta:       4 * bw * bw / denom,
		maxFreq:    2 * math.Pi * cfg.MaxDeviation / cfg.SampleRate,
		sampleRate: cfg.SampleRate,
	}
}

// Work implements pipeline.Processor.
func (c *Costas) Work(in, out []complex64) int {
	phase, freq := c.phase, c.freq
	for i, v := range in {
		sin, cos := math.Sincos(-phase)
		s := complex64(complex128(v) * complex(cos, sin))
		out[i] = s

		err := float64(real(s)) * float64(imag(s))
		if err > 1 {
			err = 1
		} else if err < -1 {
			err = -1
		}

		freq += c.beta * err
		if freq > c.maxFreq {
			freq = c.maxFreq
		} else if freq < -c.maxFreq {
			freq = -c.maxFreq
		}
		phase += freq + c.alpha*err
		for phase > math.Pi {
			phase -= 2 * math.Pi
		}
		for phase < -math.Pi {
			phase += 2 * math.Pi
		}
	}
	c.phase, c.freq = phase, freq
	return len(in)
}

// Frequency returns the current carrier correction in Hz.
func (c *Costas) Frequency() float64 {
	return c.freq * c.sampleRate / (2 * math.Pi)
}

// Stats implements pipeline.StatsSource.
func (c *Costas) Stats() []publisher.Stat {
	return []publisher.Stat{{Key: "frequency", Value: c.Frequency()}}
}
