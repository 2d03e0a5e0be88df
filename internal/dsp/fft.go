package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fullScale is the magnitude of a full-scale normalized sample. Source
// adapters map raw device samples into [-1, 1].
const fullScale = 1.0

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	shifted = append(shifted, data[:half]...)
	return shifted
}

// FFTAndDBFS performs an FFT on the provided complex64 samples, applies a Hamming window,
// normalizes by the window sum, and converts the magnitude to dBFS.
func FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	windowed := ApplyWindow(samples, win)
	fft := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, windowed)
	sumWin := 0.0
	for _, v := range win {
		sumWin += v
	}
	for i := range fft {
		fft[i] /= complex(sumWin, 0)
	}
	shifted := FFTShift(fft)
	return shifted, toDBFS(shifted)
}

func toDBFS(bins []complex128) []float64 {
	dbfs := make([]float64, len(bins))
	for i, v := range bins {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = -math.Inf(1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/fullScale)
	}
	return dbfs
}

// binRange clamps [start,end) to [0,n).
// If the resulting interval is empty, it returns (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// PeakInBand returns the maximum value of db in [start,end) and its index.
// ok is false if the band is empty.
func PeakInBand(db []float64, start, end int) (peak float64, bin int, ok bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, 0, false
	}
	peak = -math.MaxFloat64
	for i := s; i < e; i++ {
		if db[i] > peak {
			peak = db[i]
			bin = i
		}
	}
	if peak == -math.MaxFloat64 || math.IsInf(peak, -1) {
		return 0, bin, false
	}
	return peak, bin, true
}

// NoiseFloor computes the average power in [start, end) excluding a small guard
// region around the signal bin to avoid biasing the estimate.
func NoiseFloor(db []float64, start, end, signalBin int) (float64, bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, false
	}

	var sum float64
	var count int
	for i := s; i < e; i++ {
		if i == signalBin || i == signalBin-1 || i == signalBin+1 {
			continue
		}
		v := db[i]
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// EstimateSNR computes the SNR as peak - noise floor over the whole spectrum.
func EstimateSNR(db []float64) float64 {
	peak, bin, ok := PeakInBand(db, 0, len(db))
	if !ok {
		return 0
	}
	noise, ok := NoiseFloor(db, 0, len(db), bin)
	if !ok {
		return 0
	}
	snr := peak - noise
	if math.IsNaN(snr) || math.IsInf(snr, 0) {
		return 0
	}
	return snr
}
