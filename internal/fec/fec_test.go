package fec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestDerandomizeSequence(t *testing.T) {
	want := []byte{0xff, 0x48, 0x0e, 0xc0, 0x9a, 0x0d, 0x70, 0xbc}
	data := make([]byte, 1020)
	Derandomize(data)
	if !bytes.Equal(data[:len(want)], want) {
		t.Fatalf("unexpected sequence start % x", data[:len(want)])
	}
	if !bytes.Equal(data[:255], data[255:510]) {
		t.Fatalf("sequence must repeat every 255 bytes")
	}
	Derandomize(data)
	if !bytes.Equal(data, make([]byte, 1020)) {
		t.Fatalf("derandomizing twice must be the identity")
	}
}

func TestDualBasisTables(t *testing.T) {
	if toDual[1] != 0x7b {
		t.Fatalf("expected dual basis 1 -> 0x7b, got %#x", toDual[1])
	}
	for i := 0; i < 256; i++ {
		if int(toConv[toDual[i]]) != i {
			t.Fatalf("basis conversion is not a bijection at %d", i)
		}
	}
}

func TestViterbiCleanRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := randomBytes(rng, 128)
	enc := ConvEncoder{}
	enc.SetState(0x2a)
	soft := enc.EncodeSoft(data, nil)

	out := make([]byte, len(data))
	errs := NewViterbi(len(data)*8).Decode(soft, out)
	if errs != 0 {
		t.Fatalf("expected no bit errors on a clean stream, got %d", errs)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("decoded data differs")
	}
}

func TestViterbiCorrectsNoisyStream(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	data := randomBytes(rng, 256)
	soft := (&ConvEncoder{}).EncodeSoft(data, nil)

	flipped := 0
	for i := 16; i < len(soft)-16; i += 37 {
		soft[i] = -soft[i]
		flipped++
	}
	for i := range soft {
		// Gaussian-ish jitter that never crosses zero on its own.
		soft[i] = int8(int(soft[i]) * (60 + rng.Intn(40)) / 100)
	}

	out := make([]byte, len(data))
	errs := NewViterbi(len(data)*8).Decode(soft, out)
	if !bytes.Equal(out, data) {
		t.Fatalf("decoder failed to correct %d isolated symbol errors", flipped)
	}
	if errs != flipped {
		t.Fatalf("expected %d reported bit errors, got %d", flipped, errs)
	}
}

func TestViterbiReusesDecisionMemory(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	v := NewViterbi(64 * 8)
	for round := 0; round < 3; round++ {
		data := randomBytes(rng, 64)
		out := make([]byte, len(data))
		v.Decode((&ConvEncoder{}).EncodeSoft(data, nil), out)
		if !bytes.Equal(out, data) {
			t.Fatalf("round %d: decoded data differs", round)
		}
	}
}

func TestReedSolomonCorrectsUpToSixteenErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	rs := NewReedSolomon()

	data := randomBytes(rng, DataSize)
	cw := make([]byte, BlockSize)
	copy(cw, data)
	rs.Encode(cw[:DataSize], cw[DataSize:])
	clean := append([]byte(nil), cw...)

	if n, err := rs.Decode(cw); err != nil || n != 0 {
		t.Fatalf("clean codeword: n=%d err=%v", n, err)
	}

	for _, pos := range rng.Perm(BlockSize)[:16] {
		cw[pos] ^= byte(1 + rng.Intn(255))
	}
	n, err := rs.Decode(cw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 16 {
		t.Fatalf("expected 16 corrections, got %d", n)
	}
	if !bytes.Equal(cw, clean) {
		t.Fatalf("codeword not restored")
	}
}

func TestReedSolomonRejectsTooManyErrors(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	rs := NewReedSolomon()
	cw := make([]byte, BlockSize)
	copy(cw, randomBytes(rng, DataSize))
	rs.Encode(cw[:DataSize], cw[DataSize:])

	for _, pos := range rng.Perm(BlockSize)[:40] {
		cw[pos] ^= byte(1 + rng.Intn(255))
	}
	if _, err := rs.Decode(cw); !errors.Is(err, ErrUncorrectable) {
		t.Fatalf("expected ErrUncorrectable, got %v", err)
	}
	if _, err := rs.Decode(cw[:10]); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestReedSolomonInterleavedFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	rs := NewReedSolomon()
	data := randomBytes(rng, Interleave*DataSize)
	frame := make([]byte, Interleave*BlockSize)
	rs.EncodeFrame(data, frame)
	if !bytes.Equal(frame[:len(data)], data) {
		t.Fatalf("data must lead the frame unchanged")
	}

	// A burst of 40 consecutive bytes spreads to 10 errors per codeword.
	for i := 100; i < 140; i++ {
		frame[i] ^= 0x5a
	}
	var corrected [Interleave]int
	if err := rs.DecodeFrame(frame, &corrected); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	for k, n := range corrected {
		if n != 10 {
			t.Fatalf("codeword %d: expected 10 corrections, got %d", k, n)
		}
	}
	if !bytes.Equal(frame[:len(data)], data) {
		t.Fatalf("frame data not restored")
	}

	for i := 0; i < 200; i++ {
		frame[i*Interleave+2] ^= 0xff
	}
	err := rs.DecodeFrame(frame, &corrected)
	if !errors.Is(err, ErrUncorrectable) {
		t.Fatalf("expected ErrUncorrectable, got %v", err)
	}
	if corrected[2] != -1 || corrected[0] != 0 {
		t.Fatalf("unexpected per-codeword results %v", corrected)
	}
}

func BenchmarkViterbiFrame(b *testing.B) {
	rng := rand.New(rand.NewSource(7))
	data := randomBytes(rng, 1024)
	soft := (&ConvEncoder{}).EncodeSoft(data, nil)
	out := make([]byte, len(data))
	v := NewViterbi(len(data)*8)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Decode(soft, out)
	}
}
