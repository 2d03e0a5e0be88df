// Package config loads the receiver configuration from an INI file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rjboer/lritrecv/internal/logging"
	"gopkg.in/ini.v1"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Symbol rates of the supported downlinks.
const (
	LRITSymbolRate = 293883
	HRITSymbolRate = 927000
)

type Demodulator struct {
	// Downlink is "lrit" or "hrit".
	Downlink string `ini:"downlink"`
	// Source is one of "rtlsdr", "hackrf", "ssh", "file" or "mock".
	Source       string `ini:"source"`
	PublishStats bool   `ini:"publish_stats"`
}

type Source struct {
	Frequency    uint32  `ini:"frequency"`
	SampleRate   uint32  `ini:"sample_rate"`
	Gain         float64 `ini:"gain"`
	AutoGain     bool    `ini:"auto_gain"`
	ChunkBytes   int     `ini:"chunk_bytes"`
	QueueBuffers int     `ini:"queue_buffers"`
	Publish      bool    `ini:"publish"`
}

type RTLSDR struct {
	DeviceIndex int `ini:"device_index"`
}

type SSH struct {
	Host     string        `ini:"host"`
	User     string        `ini:"user"`
	Password string        `ini:"password"`
	KeyPath  string        `ini:"key_path"`
	Port     int           `ini:"port"`
	Command  string        `ini:"command"`
	Timeout  time.Duration `ini:"timeout"`
}

type File struct {
	Path     string `ini:"path"`
	Format   string `ini:"format"`
	Realtime bool   `ini:"realtime"`
}

type Mock struct {
	ToneOffset float64 `ini:"tone_offset"`
	Amplitude  float64 `ini:"amplitude"`
	Noise      float64 `ini:"noise"`
	Samples    uint64  `ini:"samples"`
	Realtime   bool    `ini:"realtime"`
}

type AGC struct {
	Alpha     float64 `ini:"alpha"`
	Reference float64 `ini:"reference"`
	MinGain   float64 `ini:"min_gain"`
	MaxGain   float64 `ini:"max_gain"`
	Publish   bool    `ini:"publish"`
}

type Costas struct {
	// Bandwidth is the loop bandwidth in radians per sample.
	Bandwidth    float64 `ini:"bandwidth"`
	MaxDeviation float64 `ini:"max_deviation"`
	Publish      bool    `ini:"publish"`
}

type RRC struct {
	Alpha float64 `ini:"alpha"`
	Taps  int     `ini:"taps"`
	// Decimation of 0 picks the largest factor that keeps at least two
	// samples per symbol.
	Decimation int  `ini:"decimation"`
	Publish    bool `ini:"publish"`
}

type ClockRecovery struct {
	GainMu     float64 `ini:"gain_mu"`
	OmegaLimit float64 `ini:"omega_limit"`
	Publish    bool    `ini:"publish"`
}

type Quantization struct {
	Publish bool `ini:"publish"`
}

type Decoder struct {
	SyncThreshold     int  `ini:"sync_threshold"`
	MaxDecodeFailures int  `ini:"max_decode_failures"`
	PublishStats      bool `ini:"publish_stats"`
	// Archive is an optional SQLite file receiving every packet.
	Archive      string `ini:"archive"`
	ArchiveStats bool   `ini:"archive_stats"`
}

type Publisher struct {
	// Backlog is the number of messages buffered per websocket client.
	Backlog int  `ini:"backlog"`
	Packets bool `ini:"packets"`
}

type Telemetry struct {
	// Listen is the HTTP address; empty disables the server.
	Listen             string        `ini:"listen"`
	HistoryLimit       int           `ini:"history_limit"`
	SpectrumSize       int           `ini:"spectrum_size"`
	SpectrumIntervalMs int           `ini:"spectrum_interval_ms"`
	Window             string        `ini:"window"`
	StdoutInterval     time.Duration `ini:"stdout_interval"`
	MDNS               bool          `ini:"mdns"`
	Instance           string        `ini:"instance"`
}

type Log struct {
	Level  string `ini:"level"`
	Format string `ini:"format"`
	// File receives log output instead of stderr. The status screen
	// discards logs unless a file is set.
	File string `ini:"file"`
}

// Config is the complete receiver configuration.
type Config struct {
	Demodulator   Demodulator
	Source        Source
	RTLSDR        RTLSDR
	SSH           SSH
	File          File
	Mock          Mock
	AGC           AGC
	Costas        Costas
	RRC           RRC
	ClockRecovery ClockRecovery
	Quantization  Quantization
	Decoder       Decoder
	Publisher     Publisher
	Telemetry     Telemetry
	Log           Log
}

// Default returns a configuration for an LRIT rtl-sdr receiver.
func Default() Config {
	return Config{
		Demodulator: Demodulator{Downlink: "lrit", Source: "rtlsdr", PublishStats: true},
		Source: Source{
			Frequency:    1_691_000_000,
			SampleRate:   2_400_000,
			Gain:         40,
			ChunkBytes:   256 * 1024,
			QueueBuffers: 4,
		},
		SSH:           SSH{User: "root", Port: 22, Command: "rtl_sdr", Timeout: 10 * time.Second},
		File:          File{Format: "cu8"},
		Mock:          Mock{Amplitude: 0.5, Noise: 0.05, Realtime: true},
		AGC:           AGC{Alpha: 1e-4, Reference: 1, MinGain: 1e-6, MaxGain: 1e6},
		Costas:        Costas{MaxDeviation: 200e3},
		RRC:           RRC{Alpha: 0.5, Taps: 31},
		ClockRecovery: ClockRecovery{GainMu: 0.175, OmegaLimit: 0.005},
		Decoder:       Decoder{SyncThreshold: 46, MaxDecodeFailures: 5, PublishStats: true},
		Publisher:     Publisher{Backlog: 64, Packets: true},
		Telemetry: Telemetry{
			Listen:             "127.0.0.1:6060",
			HistoryLimit:       500,
			SpectrumSize:       1024,
			SpectrumIntervalMs: 250,
			Window:             "hamming",
			StdoutInterval:     5 * time.Second,
			Instance:           "lritrecv",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// sections maps INI section names onto the parts of a Config.
func (c *Config) sections() map[string]any {
	return map[string]any{
		"demodulator":    &c.Demodulator,
		"source":         &c.Source,
		"rtlsdr":         &c.RTLSDR,
		"ssh":            &c.SSH,
		"file":           &c.File,
		"mock":           &c.Mock,
		"agc":            &c.AGC,
		"costas":         &c.Costas,
		"rrc":            &c.RRC,
		"clock_recovery": &c.ClockRecovery,
		"quantization":   &c.Quantization,
		"decoder":        &c.Decoder,
		"publisher":      &c.Publisher,
		"telemetry":      &c.Telemetry,
		"log":            &c.Log,
	}
}

// clearable lists, per section, the string settings where an empty value
// disables a feature.
func (c *Config) clearable() map[string]map[string]*string {
	return map[string]map[string]*string{
		"telemetry": {"listen": &c.Telemetry.Listen},
		"decoder":   {"archive": &c.Decoder.Archive},
		"ssh":       {"password": &c.SSH.Password, "key_path": &c.SSH.KeyPath},
		"file":      {"path": &c.File.Path},
		"log":       {"file": &c.Log.File},
	}
}

// Load reads path over the defaults and validates the result. Keys missing
// from the file keep their default value.
func Load(path string) (Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return parse(f)
}

// Parse reads INI data over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return parse(f)
}

func parse(f *ini.File) (Config, error) {
	cfg := Default()
	known := cfg.sections()
	for _, section := range f.Sections() {
		name := section.Name()
		if strings.EqualFold(name, ini.DefaultSection) {
			if len(section.Keys()) > 0 {
				return Config{}, fmt.Errorf("%w: keys outside a section", ErrInvalid)
			}
			continue
		}
		target, ok := known[name]
		if !ok {
			return Config{}, fmt.Errorf("%w: unknown section [%s]", ErrInvalid, name)
		}
		if err := section.MapTo(target); err != nil {
			return Config{}, fmt.Errorf("%w: section [%s]: %v", ErrInvalid, name, err)
		}
		// MapTo leaves fields alone for keys without a value, but an empty
		// value is how these settings are switched off.
		for key, field := range cfg.clearable()[name] {
			if section.HasKey(key) {
				*field = section.Key(key).String()
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SymbolRate returns the symbol rate of the configured downlink.
func (c Config) SymbolRate() float64 {
	if strings.EqualFold(c.Demodulator.Downlink, "hrit") {
		return HRITSymbolRate
	}
	return LRITSymbolRate
}

// Decimation returns the RRC decimation, deriving it when not configured.
func (c Config) Decimation() int {
	if c.RRC.Decimation > 0 {
		return c.RRC.Decimation
	}
	d := int(float64(c.Source.SampleRate) / c.SymbolRate() / 2)
	if d < 1 {
		d = 1
	}
	return d
}

// SamplesPerSymbol returns the clock recovery input rate in samples per
// symbol.
func (c Config) SamplesPerSymbol() float64 {
	return float64(c.Source.SampleRate) / float64(c.Decimation()) / c.SymbolRate()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	switch strings.ToLower(c.Demodulator.Downlink) {
	case "lrit", "hrit":
	default:
		return invalid("downlink must be lrit or hrit, got %q", c.Demodulator.Downlink)
	}
	switch strings.ToLower(c.Demodulator.Source) {
	case "rtlsdr", "hackrf", "ssh", "mock":
	case "file":
		if c.File.Path == "" {
			return invalid("file source needs [file] path")
		}
	default:
		return invalid("unknown source %q", c.Demodulator.Source)
	}
	if strings.EqualFold(c.Demodulator.Source, "ssh") && c.SSH.Host == "" {
		return invalid("ssh source needs [ssh] host")
	}
	switch strings.ToLower(c.File.Format) {
	case "", "cu8", "cs8":
	default:
		return invalid("unknown file format %q", c.File.Format)
	}

	if c.Source.SampleRate < 225_000 || c.Source.SampleRate > 20_000_000 {
		return invalid("sample rate %d out of range", c.Source.SampleRate)
	}
	if c.SamplesPerSymbol() < 2 {
		return invalid("sample rate %d gives fewer than 2 samples per symbol", c.Source.SampleRate)
	}
	if c.Source.Frequency == 0 {
		return invalid("frequency is required")
	}
	if c.Source.QueueBuffers < 2 {
		return invalid("queue_buffers must be at least 2")
	}

	if c.AGC.Alpha <= 0 || c.AGC.Alpha >= 1 {
		return invalid("agc alpha must be in (0, 1)")
	}
	if c.AGC.MinGain <= 0 || c.AGC.MaxGain < c.AGC.MinGain {
		return invalid("agc gain limits are inconsistent")
	}
	if c.Costas.Bandwidth < 0 || c.Costas.MaxDeviation < 0 {
		return invalid("costas parameters must not be negative")
	}
	if c.RRC.Alpha <= 0 || c.RRC.Alpha > 1 {
		return invalid("rrc alpha must be in (0, 1]")
	}
	if c.RRC.Taps < 3 || c.RRC.Taps%2 == 0 {
		return invalid("rrc taps must be odd and at least 3")
	}
	if c.RRC.Decimation < 0 {
		return invalid("rrc decimation must not be negative")
	}
	if c.ClockRecovery.GainMu <= 0 || c.ClockRecovery.GainMu >= 1 {
		return invalid("clock recovery gain_mu must be in (0, 1)")
	}
	if c.ClockRecovery.OmegaLimit <= 0 || c.ClockRecovery.OmegaLimit >= 0.5 {
		return invalid("clock recovery omega_limit must be in (0, 0.5)")
	}
	if c.Decoder.SyncThreshold <= 26 || c.Decoder.SyncThreshold > 52 {
		return invalid("sync_threshold must be in (26, 52]")
	}
	if c.Decoder.MaxDecodeFailures < 1 {
		return invalid("max_decode_failures must be at least 1")
	}
	if c.Publisher.Backlog < 1 {
		return invalid("publisher backlog must be at least 1")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return invalid("%v", err)
	}
	if c.Telemetry.HistoryLimit < 1 {
		return invalid("telemetry history_limit must be at least 1")
	}
	return nil
}
