package source

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// FileDevice replays a raw I/Q recording, for example one written by
// rtl_sdr. It can pace delivery at the recorded sample rate.
type FileDevice struct {
	r        io.Reader
	closer   io.Closer
	format   Format
	chunk    int
	rate     uint32
	realtime bool

	stop chan struct{}
	once sync.Once
}

// NewReaderDevice replays r. When realtime is set, callbacks are paced at
// cfg.SampleRate.
func NewReaderDevice(r io.Reader, format Format, cfg Config, realtime bool) *FileDevice {
	d := &FileDevice{
		r:        r,
		format:   format,
		chunk:    cfg.chunk(),
		rate:     cfg.SampleRate,
		realtime: realtime && cfg.SampleRate > 0,
		stop:     make(chan struct{}),
	}
	if c, ok := r.(io.Closer); ok {
		d.closer = c
	}
	return d
}

// OpenFile opens a recording on disk.
func OpenFile(path string, format Format, cfg Config, realtime bool) (*FileDevice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return NewReaderDevice(f, format, cfg, realtime), nil
}

// Format implements Device.
func (d *FileDevice) Format() Format { return d.format }

// Start implements Device. It returns nil at the end of the recording. A
// trailing fragment shorter than one block is discarded.
func (d *FileDevice) Start(fn func([]byte)) error {
	buf := make([]byte, d.chunk)
	begin := time.Now()
	var emitted uint64
	for {
		select {
		case <-d.stop:
			return nil
		default:
		}

		n, err := io.ReadFull(d.r, buf)
		n -= n % BlockBytes
		if n > 0 {
			fn(buf[:n])
			emitted += uint64(n / 2)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read recording: %w", err)
		}

		if d.realtime {
			due := begin.Add(time.Duration(float64(emitted) / float64(d.rate) * float64(time.Second)))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-d.stop:
					return nil
				case <-time.After(wait):
				}
			}
		}
	}
}

// Cancel implements Device.
func (d *FileDevice) Cancel() error {
	d.once.Do(func() { close(d.stop) })
	return nil
}

// Close implements Device.
func (d *FileDevice) Close() error {
	if d.closer != nil {
		return d.closer.Close()
	}
	return nil
}
