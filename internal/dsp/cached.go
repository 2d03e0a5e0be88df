package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CachedDSP pre-computes the window and FFT plan for a fixed spectrum size and
// keeps an exponentially averaged power spectrum of everything it analyses.
type CachedDSP struct {
	mu        sync.RWMutex
	window    []float64
	windowFn  WindowFunc
	windowSum float64
	fftSize   int
	fft       *fourier.CmplxFFT

	alpha    float64
	averaged []float64
	frames   uint64
}

// NewCachedDSP creates a Hamming-windowed analyser of the given size.
func NewCachedDSP(size int) *CachedDSP {
	return NewCachedDSPWithWindow(size, Hamming, 1)
}

// NewCachedDSPWithWindow creates an analyser using fn. alpha is the weight of
// the newest spectrum in the running average; 1 disables averaging.
func NewCachedDSPWithWindow(size int, fn WindowFunc, alpha float64) *CachedDSP {
	if fn == nil {
		fn = Hamming
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 1
	}
	c := &CachedDSP{windowFn: fn, alpha: alpha}
	c.resize(size)
	return c
}

func (c *CachedDSP) resize(size int) {
	c.fftSize = size
	c.window = c.windowFn(size)
	c.windowSum = windowSum(c.window)
	c.fft = fourier.NewCmplxFFT(size)
	c.averaged = nil
	c.frames = 0
}

// FFTAndDBFS performs the FFT using the cached window and plan. Inputs whose
// length differs from the cached size fall back to the uncached path and do
// not touch the running average.
func (c *CachedDSP) FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(samples) != c.fftSize {
		return FFTAndDBFS(samples)
	}

	fft := c.fft.Coefficients(nil, ApplyWindow(samples, c.window))
	for i := range fft {
		fft[i] /= complex(c.windowSum, 0)
	}
	shifted := FFTShift(fft)
	dbfs := toDBFS(shifted)
	c.accumulate(dbfs)
	return shifted, dbfs
}

// accumulate averages in the power domain so -Inf bins do not poison the mean.
func (c *CachedDSP) accumulate(dbfs []float64) {
	if c.averaged == nil {
		c.averaged = make([]float64, len(dbfs))
		for i, v := range dbfs {
			c.averaged[i] = math.Pow(10, v/10)
		}
		c.frames = 1
		return
	}
	for i, v := range dbfs {
		c.averaged[i] = (1-c.alpha)*c.averaged[i] + c.alpha*math.Pow(10, v/10)
	}
	c.frames++
}

// Averaged returns the running average in dBFS and the number of spectra it
// covers. It returns nil before the first full-size block.
func (c *CachedDSP) Averaged() ([]float64, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.averaged == nil {
		return nil, 0
	}
	out := make([]float64, len(c.averaged))
	for i, p := range c.averaged {
		if p <= 0 {
			out[i] = math.Inf(-1)
			continue
		}
		out[i] = 10 * math.Log10(p)
	}
	return out, c.frames
}

// UpdateSize recreates cached resources for a new FFT size and resets the
// running average.
func (c *CachedDSP) UpdateSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resize(size)
}

// Size returns the current FFT size for this cached DSP instance.
func (c *CachedDSP) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fftSize
}
