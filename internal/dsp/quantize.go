package dsp

import "math"

// Quantizer turns recovered symbols into soft bits. Positive values mean a
// one, magnitude is confidence.
type Quantizer struct{}

// Work implements pipeline.Processor.
func (Quantizer) Work(in []complex64, out []int8) int {
	for i, v := range in {
		out[i] = SoftBit(real(v))
	}
	return len(in)
}

// SoftBit maps a real symbol value in [-1, 1] onto [-127, 127].
func SoftBit(v float32) int8 {
	x := math.Round(float64(v) * 127)
	if x > 127 {
		return 127
	}
	if x < -127 {
		return -127
	}
	return int8(x)
}
