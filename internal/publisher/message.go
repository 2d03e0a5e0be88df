package publisher

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// StatsMessage is the JSON form of one PublishStats call.
type StatsMessage struct {
	Source string             `json:"source"`
	Time   time.Time          `json:"time"`
	Stats  map[string]float64 `json:"stats"`
}

// NewStatsMessage captures stats at the current time.
func NewStatsMessage(source string, stats []Stat) StatsMessage {
	m := StatsMessage{Source: source, Time: time.Now().UTC(), Stats: make(map[string]float64, len(stats))}
	for _, s := range stats {
		m.Stats[s.Key] = s.Value
	}
	return m
}

// EncodeStats returns the JSON encoding of a stats message.
func EncodeStats(source string, stats []Stat) ([]byte, error) {
	return sonnet.Marshal(NewStatsMessage(source, stats))
}

// DecodeStats parses a message produced by EncodeStats.
func DecodeStats(data []byte) (StatsMessage, error) {
	var m StatsMessage
	err := sonnet.Unmarshal(data, &m)
	return m, err
}

// EncodeSamples packs samples as interleaved little-endian float32 I/Q.
func EncodeSamples(samples []complex64) []byte {
	out := make([]byte, 8*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[8*i:], math.Float32bits(real(s)))
		binary.LittleEndian.PutUint32(out[8*i+4:], math.Float32bits(imag(s)))
	}
	return out
}

// DecodeSamples reverses EncodeSamples. A trailing partial sample is ignored.
func DecodeSamples(data []byte) []complex64 {
	out := make([]complex64, len(data)/8)
	for i := range out {
		re := math.Float32frombits(binary.LittleEndian.Uint32(data[8*i:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(data[8*i+4:]))
		out[i] = complex(re, im)
	}
	return out
}

// EncodeSoftBits reinterprets soft bits as bytes.
func EncodeSoftBits(bits []int8) []byte {
	out := make([]byte, len(bits))
	for i, b := range bits {
		out[i] = byte(b)
	}
	return out
}
