package dsp

import "math"

// RRCTaps returns root raised cosine taps for a filter sampled at sampleRate
// and matched to symbolRate, normalized to unity DC gain.
func RRCTaps(sampleRate, symbolRate, alpha float64, ntaps int) []float32 {
	if ntaps <= 0 {
		return nil
	}
	spb := sampleRate / symbolRate
	taps := make([]float64, ntaps)
	half := float64(ntaps-1) / 2
	sum := 0.0
	for i := range taps {
		t := (float64(i) - half) / spb
		var h float64
		switch {
		case t == 0:
			h = 1 - alpha + 4*alpha/math.Pi
		case math.Abs(math.Abs(4*alpha*t)-1) < 1e-9:
			h = alpha / math.Sqrt2 * ((1+2/math.Pi)*math.Sin(math.Pi/(4*alpha)) +
				(1-2/math.Pi)*math.Cos(math.Pi/(4*alpha)))
		default:
			num := math.Sin(math.Pi*t*(1-alpha)) + 4*alpha*t*math.Cos(math.Pi*t*(1+alpha))
			den := math.Pi * t * (1 - (4*alpha*t)*(4*alpha*t))
			h = num / den
		}
		taps[i] = h
		sum += h
	}
	out := make([]float32, ntaps)
	for i, h := range taps {
		out[i] = float32(h / sum)
	}
	return out
}

// RRC is the matched filter. It keeps ntaps-1 samples of history across
// blocks and optionally decimates its output.
type RRC struct {
	taps    []float32
	decim   int
	pending []complex64
}

// NewRRC builds a filter from taps. decimation is clamped to [1, len(taps)].
func NewRRC(taps []float32, decimation int) *RRC {
	if len(taps) == 0 {
		panic("dsp: RRC needs at least one tap")
	}
	if decimation < 1 {
		decimation = 1
	}
	if decimation > len(taps) {
		decimation = len(taps)
	}
	return &RRC{
		taps:    taps,
		decim:   decimation,
		pending: make([]complex64, len(taps)-1, 4*len(taps)),
	}
}

// OutputSize implements pipeline.Sizer.
func (r *RRC) OutputSize(n int) int {
	return (len(r.pending)+n)/r.decim + 1
}

// Work implements pipeline.Processor.
func (r *RRC) Work(in, out []complex64) int {
	buf := append(r.pending, in...)
	ntaps := len(r.taps)
	n := 0
	pos := 0
	for ; pos+ntaps <= len(buf); pos += r.decim {
		var re, im float32
		window := buf[pos : pos+ntaps]
		for k, tap := range r.taps {
			re += real(window[k]) * tap
			im += imag(window[k]) * tap
		}
		out[n] = complex(re, im)
		n++
	}
	r.pending = append(buf[:0], buf[pos:]...)
	return n
}
