package app

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rjboer/lritrecv/internal/config"
	"github.com/rjboer/lritrecv/internal/dsp"
	"github.com/rjboer/lritrecv/internal/fec"
	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/source"
)

func quiet() logging.Logger { return logging.New(logging.Error, logging.Text, io.Discard) }

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Demodulator.Source = "file"
	cfg.File.Path = "memory"
	cfg.Source.SampleRate = 4 * config.LRITSymbolRate
	cfg.Source.ChunkBytes = 16384
	cfg.RRC.Decimation = 1
	return cfg
}

// modulate builds a cu8 recording of frames carrying packets, shaped with a
// root raised cosine at four samples per symbol.
func modulate(t *testing.T, cfg config.Config, packets [][]byte) []byte {
	t.Helper()
	const sps = 4
	enc := &fec.ConvEncoder{}
	rs := fec.NewReedSolomon()
	var soft []int8
	// Lead-in so the loops settle before the first marker.
	soft = append(soft, make([]int8, 2000)...)
	rng := rand.New(rand.NewSource(9))
	for i := range soft {
		soft[i] = int8(rng.Intn(2)*254 - 127)
	}
	for _, p := range packets {
		soft = packetizer.EncodeFrame(enc, rs, p, soft)
	}
	soft = append(soft, make([]int8, 2000)...)

	up := make([]complex64, len(soft)*sps)
	for i, s := range soft {
		v := float32(-1)
		if s > 0 {
			v = 1
		}
		up[i*sps] = complex(v*sps*0.5, 0)
	}
	taps := dsp.RRCTaps(float64(cfg.Source.SampleRate), cfg.SymbolRate(), 0.5, 41)
	tx := dsp.NewRRC(taps, 1)
	shaped := make([]complex64, tx.OutputSize(len(up)))
	shaped = shaped[:tx.Work(up, shaped)]

	raw := make([]byte, 2*len(shaped))
	for i, v := range shaped {
		raw[2*i] = cu8(real(v))
		raw[2*i+1] = cu8(imag(v))
	}
	return raw
}

func cu8(v float32) byte {
	x := math.Round(float64(v)*128 + 127.4)
	return byte(math.Max(0, math.Min(255, x)))
}

func TestReceiverDecodesModulatedRecording(t *testing.T) {
	cfg := testConfig()
	rng := rand.New(rand.NewSource(4))
	sent := make([][]byte, 8)
	for i := range sent {
		sent[i] = make([]byte, packetizer.PacketSize)
		rng.Read(sent[i])
	}
	raw := modulate(t, cfg, sent)

	dev := source.NewReaderDevice(bytes.NewReader(raw), source.CU8, source.Config{
		SampleRate: cfg.Source.SampleRate,
		ChunkBytes: cfg.Source.ChunkBytes,
	}, false)
	rec := &publisher.Recorder{}
	r := NewReceiver(dev, cfg, Publishers{Packets: rec, DemodStats: rec, DecoderStats: rec}, quiet())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("recording did not finish in time")
	}

	if rec.PacketCount() == 0 {
		t.Fatalf("no packets decoded; decoder stats %v", rec.LatestStats("decoder"))
	}
	for i, got := range rec.Packets {
		found := false
		for _, want := range sent {
			if bytes.Equal(got, want) {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("packet %d does not match any transmitted packet", i)
		}
	}
	if _, ok := publisher.Lookup(rec.LatestStats("agc"), "gain"); !ok {
		t.Fatalf("expected agc stats")
	}
	if v, ok := publisher.Lookup(rec.LatestStats("source"), "samples"); !ok || v != float64(len(raw)/2) {
		t.Fatalf("expected source stats for every sample, got %v %v", v, ok)
	}
}

func TestReceiverStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	dev := source.NewMock(source.MockConfig{
		Config:   source.Config{SampleRate: cfg.Source.SampleRate, ChunkBytes: cfg.Source.ChunkBytes},
		Noise:    0.2,
		Realtime: true,
	})
	rec := &publisher.Recorder{}
	cfg.Source.Publish = true
	cfg.Quantization.Publish = true
	r := NewReceiver(dev, cfg, Publishers{Samples: map[string]publisher.Samples{StageSource: rec}, SoftBits: rec, DemodStats: rec}, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("receiver did not stop")
	}
	if r.Decoder().Packets() != 0 {
		t.Fatalf("noise must not produce packets")
	}
	for _, st := range r.QueueStats() {
		if st.Key == "source_ready" && st.Value != 0 {
			t.Fatalf("expected drained source queue, got %v", st.Value)
		}
	}
	if len(rec.Samples) == 0 || len(rec.SoftBits) == 0 {
		t.Fatalf("expected sample and soft bit taps to fire")
	}
}
