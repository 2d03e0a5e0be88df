package packetizer

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
	"testing"

	"github.com/rjboer/lritrecv/internal/fec"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

// sliceReader hands out data with queue.Reader semantics: full reads until
// the data runs out, then a short read with io.EOF.
type sliceReader struct {
	data []int8
}

func (r *sliceReader) Read(p []int8) (int, error) {
	n := copy(p, r.data)
	r.data = r.data[n:]
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func noise(rng *rand.Rand, n int, out []int8) []int8 {
	for i := 0; i < n; i++ {
		out = append(out, int8(rng.Intn(255)-127))
	}
	return out
}

func randomPacket(rng *rand.Rand) []byte {
	p := make([]byte, PacketSize)
	rng.Read(p)
	return p
}

// garbageFrame has a valid sync marker followed by bytes that are not a
// Reed-Solomon codeword.
func garbageFrame(rng *rand.Rand, enc *fec.ConvEncoder, out []int8) []int8 {
	cadu := make([]byte, CADUSize)
	binary.BigEndian.PutUint32(cadu, SyncWord)
	rng.Read(cadu[syncBytes:])
	return enc.EncodeSoft(cadu, out)
}

func TestFrameAfterNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	packet := randomPacket(rng)

	stream := noise(rng, 4999, nil)
	enc := &fec.ConvEncoder{}
	enc.SetState(0x15)
	stream = EncodeFrame(enc, fec.NewReedSolomon(), packet, stream)

	flipped := 0
	frame := stream[4999:]
	for i := 100; i < FrameSymbols-100; i += 500 {
		frame[i] = -frame[i]
		flipped++
	}

	p := New(&sliceReader{data: stream}, DefaultConfig(), nil)
	if p.State() != Searching {
		t.Fatalf("expected to start searching")
	}
	out := make([]byte, PacketSize)
	var st Stats
	if !p.NextPacket(out, &st) {
		t.Fatalf("expected a packet")
	}
	if !bytes.Equal(out, packet) {
		t.Fatalf("decoded packet differs")
	}
	if st.State != Locked || !st.OK {
		t.Fatalf("expected locked state after a good frame, got %+v", st)
	}
	if st.SyncOffset != 4999 {
		t.Fatalf("expected sync at 4999, got %d", st.SyncOffset)
	}
	if st.Skipped != 4999 {
		t.Fatalf("expected 4999 skipped soft bits, got %d", st.Skipped)
	}
	if st.SyncCorrelation != SyncSymbols || st.Inverted {
		t.Fatalf("unexpected sync quality %d inverted=%v", st.SyncCorrelation, st.Inverted)
	}
	if st.ViterbiErrors != flipped {
		t.Fatalf("expected %d viterbi errors, got %d", flipped, st.ViterbiErrors)
	}
	if st.RSCorrections != [fec.Interleave]int{} {
		t.Fatalf("expected no reed-solomon corrections, got %v", st.RSCorrections)
	}

	if p.NextPacket(out, &st) {
		t.Fatalf("expected end of stream")
	}
	if st.FramesOK != 1 || st.FramesFailed != 0 {
		t.Fatalf("unexpected totals %+v", st)
	}
}

func TestInvertedPolarity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	packet := randomPacket(rng)
	stream := noise(rng, 321, nil)
	stream = EncodeFrame(&fec.ConvEncoder{}, fec.NewReedSolomon(), packet, stream)
	for i := 321; i < len(stream); i++ {
		stream[i] = -stream[i]
	}

	p := New(&sliceReader{data: stream}, DefaultConfig(), nil)
	out := make([]byte, PacketSize)
	var st Stats
	if !p.NextPacket(out, &st) {
		t.Fatalf("expected a packet")
	}
	if !st.Inverted || st.SyncOffset != 321 {
		t.Fatalf("expected inverted lock at 321, got %+v", st)
	}
	if !bytes.Equal(out, packet) {
		t.Fatalf("decoded packet differs")
	}
}

func TestNoSyncNeverEmits(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	stream := noise(rng, 6*FrameSymbols+77, nil)

	p := New(&sliceReader{data: stream}, DefaultConfig(), nil)
	out := make([]byte, PacketSize)
	var st Stats
	if p.NextPacket(out, &st) {
		t.Fatalf("noise must not produce a packet")
	}
	if st.FramesOK != 0 || st.State != Searching {
		t.Fatalf("unexpected stats %+v", st)
	}
	if p.NextPacket(out, &st) {
		t.Fatalf("stream ended, expected false again")
	}
}

func TestResyncAfterDecodeFailures(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	rs := fec.NewReedSolomon()
	enc := &fec.ConvEncoder{}
	cfg := DefaultConfig()

	first, last := randomPacket(rng), randomPacket(rng)
	stream := EncodeFrame(enc, rs, first, nil)
	for i := 0; i < cfg.MaxDecodeFailures; i++ {
		stream = garbageFrame(rng, enc, stream)
	}
	stream = EncodeFrame(enc, rs, last, stream)

	p := New(&sliceReader{data: stream}, cfg, nil)
	var attempts, failed int
	p.OnFrame(func(s *Stats) {
		attempts++
		if !s.OK {
			failed++
		}
	})
	out := make([]byte, PacketSize)
	var st Stats
	if !p.NextPacket(out, &st) || !bytes.Equal(out, first) {
		t.Fatalf("expected the first packet")
	}
	if st.SyncOffset != 0 {
		t.Fatalf("expected first sync at 0, got %d", st.SyncOffset)
	}

	if !p.NextPacket(out, &st) {
		t.Fatalf("expected to reacquire lock")
	}
	if !bytes.Equal(out, last) {
		t.Fatalf("expected the last packet")
	}
	want := int64(cfg.MaxDecodeFailures+1) * FrameSymbols
	if st.SyncOffset != want {
		t.Fatalf("expected sync at %d, got %d", want, st.SyncOffset)
	}
	if st.Resyncs != 1 || st.FramesFailed != uint64(cfg.MaxDecodeFailures) || st.FramesOK != 2 {
		t.Fatalf("unexpected totals %+v", st)
	}
	if attempts != cfg.MaxDecodeFailures+2 || failed != cfg.MaxDecodeFailures {
		t.Fatalf("frame hook saw %d attempts, %d failed", attempts, failed)
	}
	if p.NextPacket(out, &st) {
		t.Fatalf("expected end of stream")
	}
}

func TestFailuresBelowThresholdKeepLock(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	rs := fec.NewReedSolomon()
	enc := &fec.ConvEncoder{}
	cfg := Config{SyncThreshold: 48, MaxDecodeFailures: 3}

	stream := EncodeFrame(enc, rs, randomPacket(rng), nil)
	stream = garbageFrame(rng, enc, stream)
	stream = garbageFrame(rng, enc, stream)
	last := randomPacket(rng)
	stream = EncodeFrame(enc, rs, last, stream)

	p := New(&sliceReader{data: stream}, cfg, nil)
	out := make([]byte, PacketSize)
	var st Stats
	p.NextPacket(out, &st)
	if !p.NextPacket(out, &st) || !bytes.Equal(out, last) {
		t.Fatalf("expected the last packet while still locked")
	}
	if st.Resyncs != 0 || st.FramesFailed != 2 || st.Skipped != 0 {
		t.Fatalf("lock should have been kept: %+v", st)
	}
}

func TestPacketizerOverQueueReader(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	rs := fec.NewReedSolomon()
	enc := &fec.ConvEncoder{}
	var packets [][]byte
	stream := noise(rng, 1000, nil)
	for i := 0; i < 3; i++ {
		pkt := randomPacket(rng)
		packets = append(packets, pkt)
		stream = EncodeFrame(enc, rs, pkt, stream)
	}

	q := queue.New[int8](4, 4096)
	go func() {
		for len(stream) > 0 {
			b := q.AcquireWrite()
			n := 4096
			if n > len(stream) {
				n = len(stream)
			}
			b.Resize(n)
			copy(b.Data, stream[:n])
			stream = stream[n:]
			q.SubmitWrite(b)
		}
		q.Close()
	}()

	r := queue.NewReader(q)
	p := New(r, DefaultConfig(), nil)
	out := make([]byte, PacketSize)
	var st Stats
	for i, want := range packets {
		if !p.NextPacket(out, &st) {
			t.Fatalf("packet %d missing", i)
		}
		if !bytes.Equal(out, want) {
			t.Fatalf("packet %d differs", i)
		}
	}
	if p.NextPacket(out, &st) {
		t.Fatalf("expected end of stream")
	}
	r.Close()
	if s := q.Stats(); s.Free != s.Capacity {
		t.Fatalf("expected all buffers returned, got %+v", s)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, c := range []Config{
		{SyncThreshold: SyncSymbols / 2, MaxDecodeFailures: 1},
		{SyncThreshold: SyncSymbols + 1, MaxDecodeFailures: 1},
		{SyncThreshold: 46, MaxDecodeFailures: 0},
	} {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", c)
		}
	}
}

func TestPacketHeaderAccessors(t *testing.T) {
	p := Packet(make([]byte, PacketSize))
	// version 1, spacecraft 0xde, virtual channel 0x2a, counter 0x123456
	p[0] = 1<<6 | 0xde>>2
	p[1] = (0xde&0x3)<<6 | 0x2a
	p[2], p[3], p[4] = 0x12, 0x34, 0x56
	if p.Version() != 1 || p.SpacecraftID() != 0xde || p.VirtualChannelID() != 0x2a || p.Counter() != 0x123456 {
		t.Fatalf("unexpected header v=%d scid=%#x vcid=%#x counter=%#x",
			p.Version(), p.SpacecraftID(), p.VirtualChannelID(), p.Counter())
	}
}

func TestStatsPublish(t *testing.T) {
	st := Stats{State: Locked, FramesOK: 3, RSCorrections: [fec.Interleave]int{1, 2, 3, -1}}
	out := st.Publish()
	if v, ok := publisher.Lookup(out, "frames_ok"); !ok || v != 3 {
		t.Fatalf("frames_ok missing: %v", out)
	}
	if v, ok := publisher.Lookup(out, "rs_corrections_3"); !ok || v != -1 {
		t.Fatalf("rs_corrections_3 missing: %v", out)
	}
	if v, _ := publisher.Lookup(out, "locked"); v != 1 {
		t.Fatalf("expected locked=1")
	}
}

func TestFailedFirstFrameDropsLock(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	rs := fec.NewReedSolomon()
	enc := &fec.ConvEncoder{}
	cfg := DefaultConfig()

	stream := garbageFrame(rng, enc, nil)
	packet := randomPacket(rng)
	stream = EncodeFrame(enc, rs, packet, stream)

	p := New(&sliceReader{data: stream}, cfg, nil)
	out := make([]byte, PacketSize)
	var st Stats
	if !p.NextPacket(out, &st) || !bytes.Equal(out, packet) {
		t.Fatalf("expected the packet after the rejected lock")
	}
	if st.Resyncs != 1 || st.FramesFailed != 1 || st.FramesOK != 1 {
		t.Fatalf("a failed first frame should resync at once: %+v", st)
	}
	if st.SyncOffset != FrameSymbols {
		t.Fatalf("expected sync on the second frame at %d, got %d", FrameSymbols, st.SyncOffset)
	}
	if st.Skipped != FrameSymbols {
		t.Fatalf("expected the rejected frame to be skipped symbol by symbol, got %d", st.Skipped)
	}
}
