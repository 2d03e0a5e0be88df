package publisher

import (
	"bytes"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rjboer/lritrecv/internal/logging"
)

func quietLogger() logging.Logger { return logging.New(logging.Error, logging.Text, io.Discard) }

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	ws, err := websocket.Dial(url, "", "http://localhost/")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func waitSubscribers(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscribers, have %d", n, b.Subscribers())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBroadcasterOnePacketPerMessage(t *testing.T) {
	b := NewBroadcaster("packets", 8, quietLogger())
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()
	waitSubscribers(t, b, 1)

	p1 := bytes.Repeat([]byte{0xaa}, 892)
	p2 := bytes.Repeat([]byte{0x55}, 892)
	b.PublishPacket(p1)
	p1[0] = 0 // the broadcaster must have copied
	b.PublishPacket(p2)

	for i, want := range [][]byte{bytes.Repeat([]byte{0xaa}, 892), p2} {
		var got []byte
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := websocket.Message.Receive(ws, &got); err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("message %d: unexpected payload of %d bytes", i, len(got))
		}
	}
	if b.Published() != 2 {
		t.Fatalf("expected 2 published, got %d", b.Published())
	}
}

func TestBroadcasterStatsAreJSONText(t *testing.T) {
	b := NewBroadcaster("stats", 8, quietLogger())
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()
	waitSubscribers(t, b, 1)

	b.PublishStats("decoder", []Stat{{Key: "ok", Value: 1}, {Key: "viterbi_errors", Value: 12}})

	var got string
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := websocket.Message.Receive(ws, &got); err != nil {
		t.Fatalf("receive: %v", err)
	}
	m, err := DecodeStats([]byte(got))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Source != "decoder" || m.Stats["viterbi_errors"] != 12 {
		t.Fatalf("unexpected message %+v", m)
	}
}

func TestBroadcasterDropsForSlowClient(t *testing.T) {
	b := NewBroadcaster("samples", 1, quietLogger())
	s, ok := b.subscribe()
	if !ok {
		t.Fatalf("subscribe failed")
	}
	b.PublishSamples([]complex64{1, 2})
	b.PublishSamples([]complex64{3, 4})
	b.PublishSoftBits([]int8{1})
	if b.Published() != 1 || b.Dropped() != 2 {
		t.Fatalf("expected 1 published and 2 dropped, got %d/%d", b.Published(), b.Dropped())
	}
	got := DecodeSamples((<-s.ch).data)
	if len(got) != 2 || got[1] != 2 {
		t.Fatalf("unexpected samples %v", got)
	}
	b.Close()
	if _, ok := <-s.ch; ok {
		t.Fatalf("expected subscriber channel closed")
	}
	if _, ok := b.subscribe(); ok {
		t.Fatalf("expected subscribe to fail after close")
	}
}

func TestBroadcasterCloseDisconnectsClients(t *testing.T) {
	b := NewBroadcaster("packets", 8, quietLogger())
	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	ws := dial(t, srv)
	defer ws.Close()
	waitSubscribers(t, b, 1)
	b.Close()

	var got []byte
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := websocket.Message.Receive(ws, &got); err == nil {
		t.Fatalf("expected the connection to close")
	}
}

func TestSamplesEncoding(t *testing.T) {
	in := []complex64{complex(0.5, -0.25), complex(-1, 1)}
	out := DecodeSamples(EncodeSamples(in))
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("unexpected decode %v", out)
	}
	if b := EncodeSoftBits([]int8{-127, 0, 127}); b[0] != 0x81 || b[2] != 0x7f {
		t.Fatalf("unexpected soft-bit bytes %v", b)
	}
}
