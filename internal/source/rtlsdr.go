//go:build rtlsdr

package source

import (
	"errors"
	"fmt"
	"sync"
	"time"

	rtl "github.com/jpoirier/gortlsdr"

	"github.com/rjboer/lritrecv/internal/logging"
)

// RTLSDR captures from an rtl-sdr dongle through librtlsdr's async API.
type RTLSDR struct {
	dev   *rtl.Context
	chunk int

	mu        sync.Mutex
	running   bool
	cancelled bool
}

// cancelRetries bounds how long Cancel waits for the async loop to accept a
// cancellation; librtlsdr refuses CancelAsync until ReadAsync is running.
const cancelRetries = 100

// OpenRTLSDR opens and configures the dongle at cfg.DeviceIndex.
func OpenRTLSDR(cfg Config, logger logging.Logger) (Device, error) {
	logger = logging.OrDefault(logger).With(logging.Subsystem("rtlsdr"))
	if rtl.GetDeviceCount() == 0 {
		return nil, errors.New("no rtl-sdr devices found")
	}
	dev, err := rtl.Open(cfg.DeviceIndex)
	if err != nil {
		return nil, fmt.Errorf("open rtl-sdr %d: %w", cfg.DeviceIndex, err)
	}
	fail := func(step string, err error) (Device, error) {
		dev.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := dev.SetSampleRate(int(cfg.SampleRate)); err != nil {
		return fail("set sample rate", err)
	}
	if err := dev.SetCenterFreq(int(cfg.Frequency)); err != nil {
		return fail("set center frequency", err)
	}
	if cfg.AutoGain {
		if err := dev.SetTunerGainMode(false); err != nil {
			return fail("enable tuner auto gain", err)
		}
	} else {
		gains, err := dev.GetTunerGains()
		if err != nil {
			return fail("list tuner gains", err)
		}
		gain := NearestGain(gains, int(cfg.Gain*10))
		if err := dev.SetTunerGainMode(true); err != nil {
			return fail("enable manual tuner gain", err)
		}
		if err := dev.SetTunerGain(gain); err != nil {
			return fail("set tuner gain", err)
		}
		logger.Info("tuner gain set", logging.F("requested_db", cfg.Gain), logging.F("gain_db", float64(gain)/10))
	}
	if err := dev.ResetBuffer(); err != nil {
		return fail("reset buffer", err)
	}

	chunk := cfg.chunk()
	chunk -= chunk % 512
	if chunk == 0 {
		chunk = rtl.DefaultBufLength
	}
	logger.Info("rtl-sdr ready",
		logging.F("index", cfg.DeviceIndex),
		logging.F("frequency", cfg.Frequency),
		logging.F("sample_rate", cfg.SampleRate))
	return &RTLSDR{dev: dev, chunk: chunk}, nil
}

// Format implements Device.
func (r *RTLSDR) Format() Format { return CU8 }

// Start implements Device. ReadAsync blocks until CancelAsync.
func (r *RTLSDR) Start(fn func([]byte)) error {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()
	return r.dev.ReadAsync(func(buf []byte) { fn(buf) }, nil, 0, r.chunk)
}

// Cancel implements Device. A Cancel racing with Start is retried until the
// async loop is up to receive it.
func (r *RTLSDR) Cancel() error {
	var err error
	for i := 0; i < cancelRetries; i++ {
		r.mu.Lock()
		r.cancelled = true
		running := r.running
		r.mu.Unlock()
		if !running {
			return nil
		}
		if err = r.dev.CancelAsync(); err == nil {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("cancel rtl-sdr capture: %w", err)
}

// Close implements Device.
func (r *RTLSDR) Close() error { return r.dev.Close() }
