package dsp

import (
	"fmt"
	"math"
	"strings"
)

// WindowFunc builds a window of length n.
type WindowFunc func(n int) []float64

// Hamming returns a Hamming window of length n.
// If n is zero or negative, an empty slice is returned.
func Hamming(n int) []float64 {
	return cosineWindow(n, 0.54, 0.46, 0)
}

// Hann returns a Hann window of length n.
func Hann(n int) []float64 {
	return cosineWindow(n, 0.5, 0.5, 0)
}

// Blackman returns a Blackman window of length n. Its lower side lobes make
// weak carriers next to the downlink easier to spot.
func Blackman(n int) []float64 {
	return cosineWindow(n, 0.42, 0.5, 0.08)
}

func cosineWindow(n int, a0, a1, a2 float64) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	if n == 1 {
		win[0] = 1
		return win
	}
	for i := 0; i < n; i++ {
		x := 2 * math.Pi * float64(i) / float64(n-1)
		win[i] = a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
	}
	return win
}

// WindowByName maps a configuration name to a window function.
func WindowByName(name string) (WindowFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hamming":
		return Hamming, nil
	case "hann", "hanning":
		return Hann, nil
	case "blackman":
		return Blackman, nil
	default:
		return nil, fmt.Errorf("unknown window %q", name)
	}
}

// ApplyWindow multiplies the input complex samples with the provided window.
// The window length must match the input length.
func ApplyWindow(samples []complex64, window []float64) []complex128 {
	if len(samples) != len(window) {
		return []complex128{}
	}
	out := make([]complex128, len(samples))
	for i, v := range samples {
		out[i] = complex(float64(real(v))*window[i], float64(imag(v))*window[i])
	}
	return out
}

func windowSum(window []float64) float64 {
	sum := 0.0
	for _, v := range window {
		sum += v
	}
	return sum
}
