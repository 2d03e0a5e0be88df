//go:build hackrf

package source

import (
	"fmt"
	"sync"

	"github.com/samuel/go-hackrf/hackrf"

	"github.com/rjboer/lritrecv/internal/logging"
)

// HackRF captures signed 8 bit I/Q from a HackRF One.
type HackRF struct {
	dev  *hackrf.Device
	stop chan struct{}
	once sync.Once
}

// OpenHackRF initializes libhackrf and configures the first device.
func OpenHackRF(cfg Config, logger logging.Logger) (Device, error) {
	logger = logging.OrDefault(logger).With(logging.Subsystem("hackrf"))
	if err := hackrf.Init(); err != nil {
		return nil, fmt.Errorf("hackrf init: %w", err)
	}
	dev, err := hackrf.Open()
	if err != nil {
		hackrf.Exit()
		return nil, fmt.Errorf("open hackrf: %w", err)
	}
	fail := func(step string, err error) (Device, error) {
		dev.Close()
		hackrf.Exit()
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := dev.SetSampleRate(float64(cfg.SampleRate)); err != nil {
		return fail("set sample rate", err)
	}
	if err := dev.SetFreq(uint64(cfg.Frequency)); err != nil {
		return fail("set frequency", err)
	}
	lna, vga := hackRFGains(cfg.Gain)
	if err := dev.SetLNAGain(lna); err != nil {
		return fail("set lna gain", err)
	}
	if err := dev.SetVGAGain(vga); err != nil {
		return fail("set vga gain", err)
	}
	if err := dev.SetAmpEnable(false); err != nil {
		return fail("disable amplifier", err)
	}
	logger.Info("hackrf ready",
		logging.F("frequency", cfg.Frequency),
		logging.F("sample_rate", cfg.SampleRate),
		logging.F("lna_db", lna),
		logging.F("vga_db", vga))
	return &HackRF{dev: dev, stop: make(chan struct{})}, nil
}

// Format implements Device.
func (h *HackRF) Format() Format { return CS8 }

// Start implements Device. libhackrf streams on its own thread, so Start
// parks until Cancel.
func (h *HackRF) Start(fn func([]byte)) error {
	err := h.dev.StartRX(func(buf []byte) error {
		fn(buf[:len(buf)-len(buf)%BlockBytes])
		return nil
	})
	if err != nil {
		return fmt.Errorf("start rx: %w", err)
	}
	<-h.stop
	return h.dev.StopRX()
}

// Cancel implements Device.
func (h *HackRF) Cancel() error {
	h.once.Do(func() { close(h.stop) })
	return nil
}

// Close implements Device.
func (h *HackRF) Close() error {
	err := h.dev.Close()
	hackrf.Exit()
	return err
}
