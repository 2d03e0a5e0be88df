package publisher

import (
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rjboer/lritrecv/internal/logging"
)

type message struct {
	data []byte
	text bool
}

type subscriber struct {
	ch chan message
}

// Broadcaster fans messages out to websocket clients. Every publish call
// becomes exactly one websocket message, so consumers never have to
// reassemble packets. A client that falls behind loses messages rather than
// slowing the receiver down.
type Broadcaster struct {
	Counters

	name    string
	backlog int
	logger  logging.Logger
	dropLog *logging.Throttle

	mu          sync.Mutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// NewBroadcaster creates a broadcaster keeping up to backlog undelivered
// messages per client.
func NewBroadcaster(name string, backlog int, logger logging.Logger) *Broadcaster {
	if backlog <= 0 {
		backlog = 64
	}
	return &Broadcaster{
		name:        name,
		backlog:     backlog,
		logger:      logging.OrDefault(logger).With(logging.Subsystem("publisher"), logging.F("stream", name)),
		dropLog:     logging.NewThrottle(10 * time.Second),
		subscribers: make(map[*subscriber]struct{}),
	}
}

// Name returns the stream name.
func (b *Broadcaster) Name() string { return b.name }

// Subscribers returns the number of connected clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// PublishPacket implements Packets.
func (b *Broadcaster) PublishPacket(packet []byte) {
	b.broadcast(message{data: append([]byte(nil), packet...)})
}

// PublishSamples implements Samples.
func (b *Broadcaster) PublishSamples(samples []complex64) {
	b.broadcast(message{data: EncodeSamples(samples)})
}

// PublishSoftBits implements SoftBits.
func (b *Broadcaster) PublishSoftBits(bits []int8) {
	b.broadcast(message{data: EncodeSoftBits(bits)})
}

// PublishStats implements Stats. Statistics are sent as JSON text frames.
func (b *Broadcaster) PublishStats(source string, stats []Stat) {
	data, err := EncodeStats(source, stats)
	if err != nil {
		b.MarkDropped()
		return
	}
	b.broadcast(message{data: data, text: true})
}

func (b *Broadcaster) broadcast(m message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subscribers {
		select {
		case s.ch <- m:
			b.MarkPublished()
		default:
			b.MarkDropped()
			if ok, n := b.dropLog.Allow("slow", time.Now()); ok {
				b.logger.Warn("client falling behind, dropping messages",
					logging.F("dropped", b.Dropped()), logging.F("suppressed", n))
			}
		}
	}
}

func (b *Broadcaster) subscribe() (*subscriber, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	s := &subscriber{ch: make(chan message, b.backlog)}
	b.subscribers[s] = struct{}{}
	return s, true
}

func (b *Broadcaster) unsubscribe(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[s]; ok {
		delete(b.subscribers, s)
		close(s.ch)
	}
}

// Handler returns the websocket endpoint for this stream. Origins are not
// checked so command line clients can connect.
func (b *Broadcaster) Handler() http.Handler {
	return websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler:   b.serve,
	}
}

func (b *Broadcaster) serve(ws *websocket.Conn) {
	defer ws.Close()
	s, ok := b.subscribe()
	if !ok {
		return
	}
	defer b.unsubscribe(s)

	remote := ws.Request().RemoteAddr
	b.logger.Info("client connected", logging.F("remote", remote))
	defer b.logger.Info("client disconnected", logging.F("remote", remote))

	gone := make(chan struct{})
	go func() {
		// Clients only listen; reading detects the close.
		_, _ = io.Copy(io.Discard, ws)
		close(gone)
	}()

	for {
		select {
		case m, ok := <-s.ch:
			if !ok {
				return
			}
			var err error
			if m.text {
				err = websocket.Message.Send(ws, string(m.data))
			} else {
				err = websocket.Message.Send(ws, m.data)
			}
			if err != nil {
				b.MarkDropped()
				return
			}
		case <-gone:
			return
		}
	}
}

// Close disconnects every client and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subscribers {
		delete(b.subscribers, s)
		close(s.ch)
	}
}
