package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rjboer/lritrecv/internal/logging"
)

// WebServer exposes telemetry and any extra streaming endpoints over HTTP.
type WebServer struct {
	srv    *http.Server
	mux    *http.ServeMux
	hub    *Hub
	logger logging.Logger

	mu   sync.Mutex
	addr string
	done chan struct{}
}

// NewWebServer builds an HTTP server for hub. Further handlers, such as
// websocket streams, can be added with Handle before Start.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats", hub.handleStats)
	mux.HandleFunc("/api/history", hub.handleHistory)
	mux.HandleFunc("/api/live", hub.handleLive)
	mux.HandleFunc("/api/spectrum", hub.handleSpectrum)
	mux.HandleFunc("/api/health", hub.handleHealth)
	mux.HandleFunc("/api/config", hub.handleGetConfig)
	mux.HandleFunc("/api/config/update", hub.handleSetConfig)

	return &WebServer{
		hub:    hub,
		mux:    mux,
		logger: logging.OrDefault(logger).With(logging.Subsystem("telemetry")),
		srv:    &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		done:   make(chan struct{}),
	}
}

// Handle registers an extra handler.
func (w *WebServer) Handle(pattern string, h http.Handler) {
	w.mux.Handle(pattern, h)
}

// Start begins listening and serves until ctx is cancelled. It returns once
// the listener is bound, so Addr reports the real port.
func (w *WebServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", w.srv.Addr)
	if err != nil {
		close(w.done)
		return fmt.Errorf("listen on %s: %w", w.srv.Addr, err)
	}
	w.mu.Lock()
	w.addr = ln.Addr().String()
	w.mu.Unlock()
	w.logger.Info("http server listening", logging.F("addr", w.Addr()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("http shutdown", logging.Err(err))
		}
	}()
	go func() {
		defer close(w.done)
		if err := w.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("http server error", logging.Err(err))
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (w *WebServer) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addr
}

// Port returns the bound TCP port, or 0 before Start.
func (w *WebServer) Port() int {
	if tcp, err := net.ResolveTCPAddr("tcp", w.Addr()); err == nil {
		return tcp.Port
	}
	return 0
}

// Done is closed when the server has stopped serving.
func (w *WebServer) Done() <-chan struct{} { return w.done }
