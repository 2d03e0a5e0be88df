package source

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockConfig describes the synthetic signal of a MockDevice.
type MockConfig struct {
	Config
	// ToneOffset is the tone frequency relative to the centre, in Hz.
	ToneOffset float64
	// Amplitude of the tone, relative to full scale.
	Amplitude float64
	// Noise is the standard deviation of the added Gaussian noise.
	Noise float64
	// Samples stops the capture after this many samples; 0 runs until
	// cancelled.
	Samples uint64
	// Realtime paces callbacks at SampleRate.
	Realtime bool
	Seed     int64
}

// MockDevice synthesizes an rtl-sdr style cu8 stream holding a tone in
// Gaussian noise.
type MockDevice struct {
	cfg  MockConfig
	rng  *rand.Rand
	stop chan struct{}
	once sync.Once
}

// NewMock returns a mock device.
func NewMock(cfg MockConfig) *MockDevice {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 2_400_000
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.5
	}
	return &MockDevice{
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(cfg.Seed)),
		stop: make(chan struct{}),
	}
}

// Format implements Device.
func (m *MockDevice) Format() Format { return CU8 }

func toCU8(v float64) byte {
	x := math.Round((v + cu8Offset) * 128)
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return byte(x)
}

// Start implements Device.
func (m *MockDevice) Start(fn func([]byte)) error {
	buf := make([]byte, m.cfg.chunk())
	step := 2 * math.Pi * m.cfg.ToneOffset / float64(m.cfg.SampleRate)
	var phase float64
	var emitted uint64
	begin := time.Now()
	for {
		select {
		case <-m.stop:
			return nil
		default:
		}
		n := len(buf) / 2
		if m.cfg.Samples > 0 {
			left := m.cfg.Samples - emitted
			if left == 0 {
				return nil
			}
			if uint64(n) > left {
				n = int(left) - int(left)%BlockSamples
				if n == 0 {
					return nil
				}
			}
		}
		for i := 0; i < n; i++ {
			re := m.cfg.Amplitude*math.Cos(phase) + m.rng.NormFloat64()*m.cfg.Noise
			im := m.cfg.Amplitude*math.Sin(phase) + m.rng.NormFloat64()*m.cfg.Noise
			buf[2*i] = toCU8(re)
			buf[2*i+1] = toCU8(im)
			phase = math.Mod(phase+step, 2*math.Pi)
		}
		fn(buf[:2*n])
		emitted += uint64(n)

		if m.cfg.Realtime {
			due := begin.Add(time.Duration(float64(emitted) / float64(m.cfg.SampleRate) * float64(time.Second)))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-m.stop:
					return nil
				case <-time.After(wait):
				}
			}
		}
	}
}

// Cancel implements Device.
func (m *MockDevice) Cancel() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}

// Close implements Device.
func (m *MockDevice) Close() error { return nil }
