package source

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/lritrecv/internal/dsp"
)

func TestFileDeviceDropsTrailingFragment(t *testing.T) {
	raw := make([]byte, 10*BlockBytes+5)
	for i := range raw {
		raw[i] = byte(i)
	}
	dev := NewReaderDevice(bytes.NewReader(raw), CU8, Config{ChunkBytes: 3 * BlockBytes}, false)
	var sizes []int
	var got []byte
	if err := dev.Start(func(b []byte) {
		sizes = append(sizes, len(b))
		got = append(got, b...)
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(got) != 10*BlockBytes {
		t.Fatalf("expected %d bytes, got %d (%v)", 10*BlockBytes, len(got), sizes)
	}
	for _, s := range sizes {
		if s%BlockBytes != 0 {
			t.Fatalf("callback of %d bytes is not whole blocks", s)
		}
	}
	if !bytes.Equal(got, raw[:len(got)]) {
		t.Fatalf("replayed bytes differ from the recording")
	}
}

func TestFileDeviceCancelStopsPacedReplay(t *testing.T) {
	raw := make([]byte, 1<<20)
	dev := NewReaderDevice(bytes.NewReader(raw), CU8, Config{SampleRate: 1000, ChunkBytes: 64}, true)
	done := make(chan error, 1)
	go func() { done <- dev.Start(func([]byte) {}) }()
	time.Sleep(20 * time.Millisecond)
	dev.Cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("paced replay ignored cancel")
	}
}

func TestMockStopsAfterSampleLimit(t *testing.T) {
	dev := NewMock(MockConfig{Config: Config{ChunkBytes: 400}, Samples: 1002})
	var total int
	if err := dev.Start(func(b []byte) { total += len(b) / 2 }); err != nil {
		t.Fatalf("start: %v", err)
	}
	if total != 1000 {
		t.Fatalf("expected 1000 whole-block samples, got %d", total)
	}
}

func TestMockToneLandsInExpectedBin(t *testing.T) {
	const n = 1024
	dev := NewMock(MockConfig{
		Config:     Config{SampleRate: 1_024_000, ChunkBytes: 2 * n},
		ToneOffset: 128_000,
		Samples:    n,
		Seed:       1,
	})
	samples := make([]complex64, n)
	if err := dev.Start(func(b []byte) { Normalize(samples, b) }); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, db := dsp.FFTAndDBFS(samples)
	_, bin, ok := dsp.PeakInBand(db, 0, len(db))
	if !ok {
		t.Fatalf("no peak found")
	}
	if want := n/2 + 128; bin != want {
		t.Fatalf("expected tone in bin %d, got %d", want, bin)
	}
}

func TestToCU8RoundTrip(t *testing.T) {
	for _, b := range []byte{0, 1, 64, 127, 128, 200, 255} {
		v := float64(b)/128 - cu8Offset
		if got := toCU8(v); got != b {
			t.Fatalf("byte %d round-tripped to %d", b, got)
		}
	}
	if toCU8(-5) != 0 || toCU8(5) != 255 {
		t.Fatalf("expected clipping at the rails")
	}
}

func TestNearestGain(t *testing.T) {
	gains := []int{0, 9, 14, 27, 37, 77, 87, 125, 144, 157, 166, 197, 207, 229, 254, 280, 297, 328, 338, 364, 372, 386, 402, 421, 434, 439, 445, 480, 496}
	cases := map[int]int{-10: 0, 0: 0, 100: 87, 200: 197, 400: 402, 1000: 496}
	for want, exp := range cases {
		if got := NearestGain(gains, want); got != exp {
			t.Fatalf("NearestGain(%d) = %d, expected %d", want, got, exp)
		}
	}
	if got := NearestGain(nil, 123); got != 123 {
		t.Fatalf("expected passthrough without a gain table, got %d", got)
	}
}

func TestHackRFGains(t *testing.T) {
	cases := []struct {
		total    float64
		lna, vga int
	}{
		{-3, 0, 0},
		{7, 0, 6},
		{30, 24, 6},
		{61, 40, 20},
		{200, 40, 62},
	}
	for _, c := range cases {
		lna, vga := hackRFGains(c.total)
		if lna != c.lna || vga != c.vga {
			t.Fatalf("hackRFGains(%v) = %d/%d, expected %d/%d", c.total, lna, vga, c.lna, c.vga)
		}
	}
}

func TestRemoteDeviceValidation(t *testing.T) {
	if _, err := NewRemoteDevice(SSHConfig{}, Config{Frequency: 1, SampleRate: 1}); err == nil {
		t.Fatalf("expected error without host")
	}
	if _, err := NewRemoteDevice(SSHConfig{Host: "pi"}, Config{}); err == nil {
		t.Fatalf("expected error without tuning")
	}
}

func TestRemoteDeviceCommandLine(t *testing.T) {
	d, err := NewRemoteDevice(SSHConfig{Host: "pi"}, Config{Frequency: 1694100000, SampleRate: 2400000, Gain: 40.2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got, want := d.CommandLine(), "'rtl_sdr' -d 0 -f 1694100000 -s 2400000 -g 40.2 -"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	d, _ = NewRemoteDevice(SSHConfig{Host: "pi", Command: "/opt/it's/rtl_sdr"}, Config{Frequency: 1, SampleRate: 2, AutoGain: true, DeviceIndex: 1})
	got := d.CommandLine()
	if strings.Contains(got, "-g") {
		t.Fatalf("auto gain should not pass -g: %q", got)
	}
	if !strings.HasPrefix(got, `'/opt/it'\''s/rtl_sdr' -d 1`) {
		t.Fatalf("command not quoted: %q", got)
	}
}

func TestRemoteDeviceNeedsCredentials(t *testing.T) {
	d, err := NewRemoteDevice(SSHConfig{Host: "127.0.0.1", DialTimeout: time.Second}, Config{Frequency: 1, SampleRate: 2})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = d.Start(func([]byte) { t.Fatalf("no samples expected") })
	if err == nil || !strings.Contains(err.Error(), "no ssh password or key") {
		t.Fatalf("expected credential error, got %v", err)
	}
	if err := d.Cancel(); err != nil {
		t.Fatalf("cancel without session: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close without client: %v", err)
	}
}
