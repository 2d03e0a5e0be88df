// Package source turns raw device captures into normalized sample buffers
// at the head of the receiver pipeline.
package source

import (
	"errors"
	"fmt"
	"strings"
)

// Format is the raw sample encoding a device delivers.
type Format int

const (
	// CU8 is interleaved unsigned 8 bit I/Q (rtl-sdr).
	CU8 Format = iota
	// CS8 is interleaved signed 8 bit I/Q (HackRF).
	CS8
)

func (f Format) String() string {
	switch f {
	case CU8:
		return "cu8"
	case CS8:
		return "cs8"
	default:
		return "unknown"
	}
}

// ParseFormat converts a configuration string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cu8":
		return CU8, nil
	case "cs8":
		return CS8, nil
	default:
		return CU8, fmt.Errorf("unsupported sample format %q", s)
	}
}

const (
	// BlockSamples is the normalization lane width. Devices must deliver
	// whole blocks.
	BlockSamples = 4
	// BlockBytes is the raw size of one block.
	BlockBytes = BlockSamples * 2
)

// ErrUnsupported is returned for device types not compiled into the binary.
var ErrUnsupported = errors.New("source: device support not compiled in")

// Config carries tuner parameters shared by all device types.
type Config struct {
	Frequency  uint32
	SampleRate uint32
	// Gain in dB; ignored when AutoGain is set.
	Gain     float64
	AutoGain bool
	// DeviceIndex selects among several attached rtl-sdr dongles.
	DeviceIndex int
	// ChunkBytes is the capture callback size for devices that let us pick
	// it. It is rounded down to a whole block.
	ChunkBytes int
}

func (c Config) chunk() int {
	n := c.ChunkBytes
	if n <= 0 {
		n = 16 * 16384
	}
	n -= n % BlockBytes
	if n < BlockBytes {
		n = BlockBytes
	}
	return n
}

// Device is a capture driver. Start delivers raw interleaved I/Q through fn
// on a goroutine owned by the device and blocks until Cancel is called, the
// capture ends, or the device fails. fn must not retain the slice. Every
// call carries a whole number of blocks.
type Device interface {
	Start(fn func(raw []byte)) error
	Cancel() error
	Close() error
	Format() Format
}
