// Package dsp holds the demodulation collaborators plugged into the receiver
// chain and the spectrum helpers used for diagnostics.
//
// Every demodulator type implements pipeline.Processor: Work transforms one
// block and carries its loop state across calls. None of them allocate after
// construction except to grow internal history buffers.
package dsp

import (
	"math"

	"github.com/rjboer/lritrecv/internal/publisher"
)

// AGCConfig tunes the automatic gain control loop.
type AGCConfig struct {
	// Alpha is the loop gain per sample.
	Alpha float64
	// Reference is the target output magnitude.
	Reference float64
	MinGain   float64
	MaxGain   float64
}

// DefaultAGCConfig returns the loop settings used for both downlinks.
func DefaultAGCConfig() AGCConfig {
	return AGCConfig{Alpha: 1e-4, Reference: 1, MinGain: 1e-6, MaxGain: 1e6}
}

// AGC scales samples so their magnitude tracks Reference.
type AGC struct {
	cfg  AGCConfig
	gain float32
}

// NewAGC builds an AGC starting at unity gain.
func NewAGC(cfg AGCConfig) *AGC {
	d := DefaultAGCConfig()
	if cfg.Alpha <= 0 {
		cfg.Alpha = d.Alpha
	}
	if cfg.Reference <= 0 {
		cfg.Reference = d.Reference
	}
	if cfg.MinGain <= 0 {
		cfg.MinGain = d.MinGain
	}
	if cfg.MaxGain <= cfg.MinGain {
		cfg.MaxGain = d.MaxGain
	}
	return &AGC{cfg: cfg, gain: 1}
}

// Work implements pipeline.Processor.
func (a *AGC) Work(in, out []complex64) int {
	alpha := float32(a.cfg.Alpha)
	ref := float32(a.cfg.Reference)
	lo, hi := float32(a.cfg.MinGain), float32(a.cfg.MaxGain)
	gain := a.gain
	for i, v := range in {
		s := v * complex(gain, 0)
		out[i] = s
		mag := float32(math.Sqrt(float64(real(s)*real(s) + imag(s)*imag(s))))
		gain += alpha * (ref - mag)
		if gain < lo {
			gain = lo
		} else if gain > hi {
			gain = hi
		}
	}
	a.gain = gain
	return len(in)
}

// Gain returns the current loop gain.
func (a *AGC) Gain() float64 { return float64(a.gain) }

// Stats implements pipeline.StatsSource.
func (a *AGC) Stats() []publisher.Stat {
	return []publisher.Stat{{Key: "gain", Value: a.Gain()}}
}
