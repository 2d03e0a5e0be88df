package decoder

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/rjboer/lritrecv/internal/fec"
	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
)

func TestDecoderPublishesUntilStreamEnds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	enc := &fec.ConvEncoder{}
	rs := fec.NewReedSolomon()

	var want [][]byte
	var stream []int8
	for i := 0; i < 3; i++ {
		pkt := make([]byte, packetizer.PacketSize)
		rng.Read(pkt)
		want = append(want, pkt)
		stream = packetizer.EncodeFrame(enc, rs, pkt, stream)
	}

	q := queue.New[int8](3, 5000)
	rec := &publisher.Recorder{}
	d := New(q, Config{Packetizer: packetizer.DefaultConfig(), Packets: rec, Stats: rec}, nil)
	d.Start()

	for len(stream) > 0 {
		b := q.AcquireWrite()
		n := 5000
		if n > len(stream) {
			n = len(stream)
		}
		b.Resize(n)
		copy(b.Data, stream[:n])
		stream = stream[n:]
		q.SubmitWrite(b)
	}
	q.Close()

	select {
	case <-d.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("decoder did not stop after the queue closed")
	}

	if rec.PacketCount() != len(want) || d.Packets() != uint64(len(want)) {
		t.Fatalf("expected %d packets, got %d", len(want), rec.PacketCount())
	}
	for i := range want {
		if !bytes.Equal(rec.Packets[i], want[i]) {
			t.Fatalf("packet %d differs", i)
		}
	}
	if v, ok := publisher.Lookup(rec.LatestStats("decoder"), "frames_ok"); !ok || v != 3 {
		t.Fatalf("expected frames_ok=3 in published stats, got %v %v", v, ok)
	}
	if last := d.LastStats(); last == nil || !last.OK {
		t.Fatalf("expected last stats of a good frame, got %+v", last)
	}
	if s := q.Stats(); s.Free != s.Capacity {
		t.Fatalf("decoder leaked soft bit buffers: %+v", s)
	}
}

func TestDecoderStopsOnEmptyStream(t *testing.T) {
	q := queue.New[int8](1, 16)
	d := New(q, Config{Packetizer: packetizer.DefaultConfig()}, nil)
	d.Start()
	q.Close()
	d.Wait()
	if d.Packets() != 0 || d.LastStats() != nil {
		t.Fatalf("expected nothing decoded")
	}
}
