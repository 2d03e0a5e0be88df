// Package telemetry collects receiver statistics and serves them over HTTP.
package telemetry

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sugawarayuuta/sonnet"

	"github.com/rjboer/lritrecv/internal/dsp"
	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/publisher"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit       int     `json:"historyLimit"`
	SpectrumSize       int     `json:"spectrumSize"`
	SpectrumIntervalMs int     `json:"spectrumIntervalMs"`
	Window             string  `json:"window"`
	Averaging          float64 `json:"averaging"`
	StaleAfterMs       int     `json:"staleAfterMs"`
}

const (
	minHistoryLimit     = 1
	maxHistoryLimit     = 10_000
	minSpectrumSize     = 64
	maxSpectrumSize     = 1 << 16
	minSpectrumInterval = 10
	maxSpectrumInterval = 60_000
)

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:       500,
		SpectrumSize:       1024,
		SpectrumIntervalMs: 250,
		Window:             "hamming",
		Averaging:          0.2,
		StaleAfterMs:       5000,
	}
}

// ValidateConfig fills zero fields from base and checks ranges.
func ValidateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SpectrumSize == 0 || base.SpectrumIntervalMs == 0 {
		base = DefaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SpectrumSize == 0 {
		cfg.SpectrumSize = base.SpectrumSize
	}
	if cfg.SpectrumIntervalMs == 0 {
		cfg.SpectrumIntervalMs = base.SpectrumIntervalMs
	}
	if cfg.Window == "" {
		cfg.Window = base.Window
	}
	if cfg.Averaging == 0 {
		cfg.Averaging = base.Averaging
	}
	if cfg.StaleAfterMs == 0 {
		cfg.StaleAfterMs = base.StaleAfterMs
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SpectrumSize < minSpectrumSize || cfg.SpectrumSize > maxSpectrumSize {
		return Config{}, fmt.Errorf("spectrum size must be between %d and %d", minSpectrumSize, maxSpectrumSize)
	}
	if cfg.SpectrumSize&(cfg.SpectrumSize-1) != 0 {
		return Config{}, errors.New("spectrum size must be a power of two")
	}
	if cfg.SpectrumIntervalMs < minSpectrumInterval || cfg.SpectrumIntervalMs > maxSpectrumInterval {
		return Config{}, fmt.Errorf("spectrum interval must be between %d and %d ms", minSpectrumInterval, maxSpectrumInterval)
	}
	if _, err := dsp.WindowByName(cfg.Window); err != nil {
		return Config{}, err
	}
	if cfg.Averaging <= 0 || cfg.Averaging > 1 {
		return Config{}, errors.New("averaging must be in (0, 1]")
	}
	if cfg.StaleAfterMs < 0 {
		return Config{}, errors.New("stale timeout must not be negative")
	}
	return cfg, nil
}

// Snapshot is one PublishStats call as recorded by the hub.
type Snapshot struct {
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"`
	Stats     map[string]float64 `json:"stats"`
}

// SpectrumSnapshot is the latest averaged spectrum of the source samples.
type SpectrumSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Bins      []float64 `json:"bins"`
	PeakDBFS  float64   `json:"peakDbfs"`
	PeakBin   int       `json:"peakBin"`
	SNR       float64   `json:"snrDb"`
	Frames    uint64    `json:"frames"`
}

// ProcessInfo describes the running process.
type ProcessInfo struct {
	Uptime       float64 `json:"uptimeSeconds"`
	NumGoroutine int     `json:"numGoroutine"`
}

// HealthStatus summarises whether the receiver is producing packets.
type HealthStatus struct {
	Status     string      `json:"status"`
	Locked     bool        `json:"locked"`
	LastUpdate time.Time   `json:"lastUpdate"`
	Process    ProcessInfo `json:"process"`
}

// Hub collects statistics history and fans updates out to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Snapshot
	latest      map[string]Snapshot
	subscribers map[chan Snapshot]struct{}
	config      Config
	spectrum    SpectrumSnapshot

	logger  logging.Logger
	started time.Time

	analyser     *dsp.CachedDSP
	pending      chan []complex64
	lastSpectrum atomic.Int64
	stop         chan struct{}
	stopOnce     sync.Once
	workerDone   chan struct{}
}

// NewHub builds a hub and starts its spectrum worker. Invalid configuration
// values fall back to the defaults.
func NewHub(cfg Config, logger logging.Logger) *Hub {
	logger = logging.OrDefault(logger).With(logging.Subsystem("telemetry"))
	valid, err := ValidateConfig(cfg, DefaultConfig())
	if err != nil {
		logger.Warn("invalid telemetry config, using defaults", logging.Err(err))
		valid = DefaultConfig()
	}
	window, _ := dsp.WindowByName(valid.Window)
	h := &Hub{
		latest:      make(map[string]Snapshot),
		subscribers: make(map[chan Snapshot]struct{}),
		config:      valid,
		logger:      logger,
		started:     time.Now(),
		analyser:    dsp.NewCachedDSPWithWindow(valid.SpectrumSize, window, valid.Averaging),
		pending:     make(chan []complex64, 1),
		stop:        make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
	go h.spectrumWorker()
	return h
}

// Close stops the spectrum worker and disconnects live subscribers.
func (h *Hub) Close() {
	h.stopOnce.Do(func() {
		close(h.stop)
		<-h.workerDone
		h.mu.Lock()
		for ch := range h.subscribers {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	})
}

// PublishStats implements publisher.Stats.
func (h *Hub) PublishStats(source string, stats []publisher.Stat) {
	snap := Snapshot{Timestamp: time.Now(), Source: source, Stats: make(map[string]float64, len(stats))}
	for _, s := range stats {
		snap.Stats[s.Key] = s.Value
	}

	h.mu.Lock()
	h.latest[source] = snap
	h.history = append(h.history, snap)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	h.mu.Unlock()
}

// PublishSamples implements publisher.Samples. At most one spectrum per
// configured interval is computed, on the hub's own goroutine.
func (h *Hub) PublishSamples(samples []complex64) {
	h.mu.RLock()
	size := h.config.SpectrumSize
	interval := time.Duration(h.config.SpectrumIntervalMs) * time.Millisecond
	h.mu.RUnlock()

	if len(samples) < size {
		return
	}
	now := time.Now().UnixNano()
	if now-h.lastSpectrum.Load() < int64(interval) {
		return
	}
	select {
	case h.pending <- append([]complex64(nil), samples[:size]...):
		h.lastSpectrum.Store(now)
	default:
	}
}

func (h *Hub) spectrumWorker() {
	defer close(h.workerDone)
	for {
		select {
		case <-h.stop:
			return
		case samples := <-h.pending:
			if len(samples) != h.analyser.Size() {
				continue
			}
			h.analyser.FFTAndDBFS(samples)
			avg, frames := h.analyser.Averaged()
			h.updateSpectrum(avg, "source", frames)
		}
	}
}

// UpdateSpectrumSnapshot stores bins as the latest spectrum.
func (h *Hub) UpdateSpectrumSnapshot(bins []float64, source string) {
	h.updateSpectrum(append([]float64(nil), bins...), source, 1)
}

// floorDBFS replaces empty bins, which JSON cannot carry as -Inf.
const floorDBFS = -200

func (h *Hub) updateSpectrum(bins []float64, source string, frames uint64) {
	for i, v := range bins {
		if math.IsInf(v, 0) || math.IsNaN(v) || v < floorDBFS {
			bins[i] = floorDBFS
		}
	}
	snap := SpectrumSnapshot{Timestamp: time.Now(), Source: source, Bins: bins, Frames: frames}
	if peak, bin, ok := dsp.PeakInBand(bins, 0, len(bins)); ok {
		snap.PeakDBFS = peak
		snap.PeakBin = bin
		snap.SNR = dsp.EstimateSNR(bins)
	}
	h.mu.Lock()
	h.spectrum = snap
	h.mu.Unlock()
}

// Spectrum returns the latest spectrum snapshot.
func (h *Hub) Spectrum() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.spectrum
	s.Bins = append([]float64(nil), s.Bins...)
	return s
}

// History returns a copy of stored snapshots, oldest first.
func (h *Hub) History() []Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Snapshot, len(h.history))
	copy(out, h.history)
	return out
}

// Latest returns the newest snapshot of every source.
func (h *Hub) Latest() map[string]Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]Snapshot, len(h.latest))
	for k, v := range h.latest {
		out[k] = v
	}
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Snapshot, func()) {
	ch := make(chan Snapshot, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subscribers[ch]; ok {
			delete(h.subscribers, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Health reports the receiver status. It is degraded when no statistics
// arrived recently, searching while the decoder has no frame lock.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := HealthStatus{
		Status: "degraded",
		Process: ProcessInfo{
			Uptime:       time.Since(h.started).Seconds(),
			NumGoroutine: runtime.NumGoroutine(),
		},
	}
	for _, s := range h.latest {
		if s.Timestamp.After(status.LastUpdate) {
			status.LastUpdate = s.Timestamp
		}
	}
	if dec, ok := h.latest["decoder"]; ok {
		status.Locked = dec.Stats["locked"] == 1
	}
	stale := time.Duration(h.config.StaleAfterMs) * time.Millisecond
	switch {
	case status.LastUpdate.IsZero() || time.Since(status.LastUpdate) > stale:
	case status.Locked:
		status.Status = "ok"
	default:
		status.Status = "searching"
	}
	return status
}

func (h *Hub) applyConfig(cfg Config) {
	resize := cfg.SpectrumSize != h.config.SpectrumSize
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
	if resize {
		h.analyser.UpdateSize(cfg.SpectrumSize)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	payload, err := sonnet.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(payload)
}

func getOnly(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Latest())
	}
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.History())
	}
}

func (h *Hub) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.Spectrum())
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !getOnly(w, r) {
		return
	}
	health := h.Health()
	w.Header().Set("Content-Type", "application/json")
	if health.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	payload, _ := sonnet.Marshal(health)
	_, _ = w.Write(payload)
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if getOnly(w, r) {
		writeJSON(w, h.ConfigSnapshot())
	}
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, fmt.Sprintf("read config payload: %v", err), http.StatusBadRequest)
		return
	}
	var incoming Config
	if err := sonnet.Unmarshal(body, &incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	cfg, err := ValidateConfig(incoming, h.config)
	if err == nil {
		h.applyConfig(cfg)
	}
	h.mu.Unlock()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info("telemetry config updated", logging.F("spectrum_size", cfg.SpectrumSize), logging.F("history", cfg.HistoryLimit))
	writeJSON(w, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	send := func(s Snapshot) {
		payload, _ := sonnet.Marshal(s)
		w.Write([]byte("data: "))
		w.Write(payload)
		w.Write([]byte("\n\n"))
	}

	// send existing history for immediate display
	for _, s := range h.History() {
		send(s)
	}
	flusher.Flush()

	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			send(s)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
