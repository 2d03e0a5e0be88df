// Package publisher exports receiver data to external consumers.
//
// Publishers sit beside the critical path: every method is fire-and-forget,
// must not block the calling stage and must copy anything it keeps, because
// ownership of the passed slice moves on as soon as the call returns.
// Failures are counted and dropped, never reported back into the pipeline.
package publisher

import (
	"sync"
	"sync/atomic"
)

// Stat is one named statistic emitted by a stage.
type Stat struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

// Samples receives copies of complex baseband samples.
type Samples interface {
	PublishSamples(samples []complex64)
}

// SoftBits receives copies of quantized soft bits.
type SoftBits interface {
	PublishSoftBits(bits []int8)
}

// Packets receives decoded frames, one call per frame.
type Packets interface {
	PublishPacket(packet []byte)
}

// Stats receives stage or decoder statistics.
type Stats interface {
	PublishStats(source string, stats []Stat)
}

// Counters tracks delivery for a publisher.
type Counters struct {
	published atomic.Uint64
	dropped   atomic.Uint64
}

// Published returns the number of messages handed to the transport.
func (c *Counters) Published() uint64 { return c.published.Load() }

// Dropped returns the number of messages dropped because a consumer was slow
// or the transport failed.
func (c *Counters) Dropped() uint64 { return c.dropped.Load() }

// MarkPublished counts one delivered message.
func (c *Counters) MarkPublished() { c.published.Add(1) }

// MarkDropped counts one dropped message.
func (c *Counters) MarkDropped() { c.dropped.Add(1) }

// MultiStats fans statistics out to several destinations.
type MultiStats []Stats

// PublishStats forwards stats to each configured publisher.
func (m MultiStats) PublishStats(source string, stats []Stat) {
	for _, s := range m {
		if s != nil {
			s.PublishStats(source, stats)
		}
	}
}

// MultiSamples fans samples out to several destinations.
type MultiSamples []Samples

// PublishSamples forwards samples to each configured publisher.
func (m MultiSamples) PublishSamples(samples []complex64) {
	for _, s := range m {
		if s != nil {
			s.PublishSamples(samples)
		}
	}
}

// MultiPackets fans packets out to several destinations.
type MultiPackets []Packets

// PublishPacket forwards the packet to each configured publisher.
func (m MultiPackets) PublishPacket(packet []byte) {
	for _, p := range m {
		if p != nil {
			p.PublishPacket(packet)
		}
	}
}

// Recorder keeps everything it is given. It is meant for tests and for
// debugging tools that want to inspect a short run.
type Recorder struct {
	mu       sync.Mutex
	Packets  [][]byte
	Samples  [][]complex64
	SoftBits [][]int8
	Stats    map[string][]Stat
}

// PublishPacket implements Packets.
func (r *Recorder) PublishPacket(packet []byte) {
	cp := append([]byte(nil), packet...)
	r.mu.Lock()
	r.Packets = append(r.Packets, cp)
	r.mu.Unlock()
}

// PublishSamples implements Samples.
func (r *Recorder) PublishSamples(samples []complex64) {
	cp := append([]complex64(nil), samples...)
	r.mu.Lock()
	r.Samples = append(r.Samples, cp)
	r.mu.Unlock()
}

// PublishSoftBits implements SoftBits.
func (r *Recorder) PublishSoftBits(bits []int8) {
	cp := append([]int8(nil), bits...)
	r.mu.Lock()
	r.SoftBits = append(r.SoftBits, cp)
	r.mu.Unlock()
}

// PublishStats implements Stats.
func (r *Recorder) PublishStats(source string, stats []Stat) {
	cp := append([]Stat(nil), stats...)
	r.mu.Lock()
	if r.Stats == nil {
		r.Stats = make(map[string][]Stat)
	}
	r.Stats[source] = cp
	r.mu.Unlock()
}

// PacketCount returns the number of recorded packets.
func (r *Recorder) PacketCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Packets)
}

// LatestStats returns the last stats recorded for source.
func (r *Recorder) LatestStats(source string) []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Stat(nil), r.Stats[source]...)
}

// Lookup returns the value stored under key.
func Lookup(stats []Stat, key string) (float64, bool) {
	for _, s := range stats {
		if s.Key == key {
			return s.Value, true
		}
	}
	return 0, false
}
