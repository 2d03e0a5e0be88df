// Package app assembles the receiver: source adapter, demodulation stages
// and decoder wired through recycling queues.
package app

import (
	"context"
	"time"

	"github.com/rjboer/lritrecv/internal/config"
	"github.com/rjboer/lritrecv/internal/decoder"
	"github.com/rjboer/lritrecv/internal/dsp"
	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/packetizer"
	"github.com/rjboer/lritrecv/internal/pipeline"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/queue"
	"github.com/rjboer/lritrecv/internal/source"
)

// statsEvery is the number of blocks between two stage stats updates.
const statsEvery = 4

// Stage names, as used for stats sources and sample taps.
const (
	StageSource = "source"
	StageAGC    = "agc"
	StageCostas = "costas"
	StageRRC    = "rrc"
	StageClock  = "clock_recovery"
	StageQuant  = "quantization"
)

// Publishers are the optional outputs of a receiver. Sample taps are only
// wired for stages whose publish toggle is set in the configuration.
type Publishers struct {
	// Samples maps a stage name to the publisher of its output samples.
	Samples map[string]publisher.Samples
	// Spectrum always receives the source samples, whatever the toggles.
	Spectrum publisher.Samples
	SoftBits publisher.SoftBits
	Packets  publisher.Packets
	// DemodStats receives source, AGC, Costas and clock recovery stats.
	DemodStats publisher.Stats
	// DecoderStats receives per-frame decoder stats.
	DecoderStats publisher.Stats
}

// Receiver is a running demodulator and decoder for one device.
type Receiver struct {
	cfg      config.Config
	adapter  *source.Adapter
	pipeline *pipeline.Pipeline
	decoder  *decoder.Decoder
	pubs     Publishers
	logger   logging.Logger

	sourceQ *queue.Queue[complex64]
	softQ   *queue.Queue[int8]
}

// NewReceiver wires dev into a complete receive chain. Nothing runs until
// Start or Run.
func NewReceiver(dev source.Device, cfg config.Config, pubs Publishers, logger logging.Logger) *Receiver {
	logger = logging.OrDefault(logger)
	buffers := cfg.Source.QueueBuffers
	size := cfg.Source.ChunkBytes / 2
	sampleRate := float64(cfg.Source.SampleRate)

	if !cfg.Demodulator.PublishStats {
		pubs.DemodStats = nil
	}
	var sourceTap publisher.MultiSamples
	if cfg.Source.Publish && pubs.Samples[StageSource] != nil {
		sourceTap = append(sourceTap, pubs.Samples[StageSource])
	}
	if pubs.Spectrum != nil {
		sourceTap = append(sourceTap, pubs.Spectrum)
	}

	r := &Receiver{
		cfg:     cfg,
		pubs:    pubs,
		logger:  logger.With(logging.Subsystem("receiver")),
		sourceQ: queue.New[complex64](buffers, size),
		softQ:   queue.New[int8](buffers, size),
	}
	agcQ := queue.New[complex64](buffers, size)
	costasQ := queue.New[complex64](buffers, size)
	rrcQ := queue.New[complex64](buffers, size)
	clockQ := queue.New[complex64](buffers, size)

	var sourceSamples publisher.Samples
	if len(sourceTap) > 0 {
		sourceSamples = sourceTap
	}
	r.adapter = source.NewAdapter(dev, r.sourceQ, sourceSamples, logger)

	agc := pipeline.NewStage(StageAGC, r.sourceQ, agcQ, dsp.NewAGC(dsp.AGCConfig{
		Alpha:     cfg.AGC.Alpha,
		Reference: cfg.AGC.Reference,
		MinGain:   cfg.AGC.MinGain,
		MaxGain:   cfg.AGC.MaxGain,
	}), sampleOptions(cfg.AGC.Publish, pubs.Samples[StageAGC], pubs.DemodStats, logger)...)

	costas := pipeline.NewStage(StageCostas, agcQ, costasQ, dsp.NewCostas(dsp.CostasConfig{
		SampleRate:   sampleRate,
		Bandwidth:    cfg.Costas.Bandwidth,
		MaxDeviation: cfg.Costas.MaxDeviation,
	}), sampleOptions(cfg.Costas.Publish, pubs.Samples[StageCostas], pubs.DemodStats, logger)...)

	taps := dsp.RRCTaps(sampleRate, cfg.SymbolRate(), cfg.RRC.Alpha, cfg.RRC.Taps)
	rrc := pipeline.NewStage(StageRRC, costasQ, rrcQ, dsp.NewRRC(taps, cfg.Decimation()),
		sampleOptions(cfg.RRC.Publish, pubs.Samples[StageRRC], pubs.DemodStats, logger)...)

	clock := pipeline.NewStage(StageClock, rrcQ, clockQ, dsp.NewClockRecovery(dsp.ClockConfig{
		SamplesPerSymbol: cfg.SamplesPerSymbol(),
		GainMu:           cfg.ClockRecovery.GainMu,
		OmegaLimit:       cfg.ClockRecovery.OmegaLimit,
	}), sampleOptions(cfg.ClockRecovery.Publish, pubs.Samples[StageClock], pubs.DemodStats, logger)...)

	quantOpts := []pipeline.StageOption[complex64, int8]{pipeline.WithLogger[complex64, int8](logger)}
	if cfg.Quantization.Publish && pubs.SoftBits != nil {
		quantOpts = append(quantOpts, pipeline.WithTap[complex64, int8](pubs.SoftBits.PublishSoftBits))
	}
	quant := pipeline.NewStage[complex64, int8](StageQuant, clockQ, r.softQ, dsp.Quantizer{}, quantOpts...)

	decoderCfg := decoder.Config{
		Packetizer: packetizer.Config{
			SyncThreshold:     cfg.Decoder.SyncThreshold,
			MaxDecodeFailures: cfg.Decoder.MaxDecodeFailures,
		},
		Packets: pubs.Packets,
	}
	if cfg.Decoder.PublishStats {
		decoderCfg.Stats = pubs.DecoderStats
	}
	r.decoder = decoder.New(r.softQ, decoderCfg, logger)

	r.pipeline = pipeline.New(logger)
	r.pipeline.Add(r.adapter)
	r.pipeline.Add(agc)
	r.pipeline.Add(costas)
	r.pipeline.Add(rrc)
	r.pipeline.Add(clock)
	r.pipeline.Add(quant)
	r.pipeline.Add(r.decoder)

	r.logger.Info("receiver assembled",
		logging.F("downlink", cfg.Demodulator.Downlink),
		logging.F("sample_rate", cfg.Source.SampleRate),
		logging.F("decimation", cfg.Decimation()),
		logging.F("samples_per_symbol", cfg.SamplesPerSymbol()))
	return r
}

func sampleOptions(publish bool, samples publisher.Samples, stats publisher.Stats, logger logging.Logger) []pipeline.StageOption[complex64, complex64] {
	opts := []pipeline.StageOption[complex64, complex64]{pipeline.WithLogger[complex64, complex64](logger)}
	if publish && samples != nil {
		opts = append(opts, pipeline.WithTap[complex64, complex64](samples.PublishSamples))
	}
	if stats != nil {
		opts = append(opts, pipeline.WithStats[complex64, complex64](stats, statsEvery))
	}
	return opts
}

// Decoder returns the decoder runner.
func (r *Receiver) Decoder() *decoder.Decoder { return r.decoder }

// Start launches every goroutine of the chain.
func (r *Receiver) Start() { r.pipeline.Start() }

// Stop cancels the capture and waits for the chain to drain. It returns the
// device error, if any.
func (r *Receiver) Stop() error {
	err := r.adapter.Stop()
	r.pipeline.Wait()
	return err
}

// Run starts the receiver and blocks until ctx is cancelled or the source
// ends on its own, for example at the end of a recording. Source and queue
// statistics are published once per second while running.
func (r *Receiver) Run(ctx context.Context) error {
	r.Start()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("stopping receiver")
			err := r.Stop()
			r.publishStats()
			return err
		case <-r.adapter.Done():
			r.pipeline.Wait()
			r.publishStats()
			return r.adapter.Err()
		case <-ticker.C:
			r.publishStats()
		}
	}
}

// QueueStats returns the source and soft bit queue accounting.
func (r *Receiver) QueueStats() []publisher.Stat {
	src, soft := r.sourceQ.Stats(), r.softQ.Stats()
	return []publisher.Stat{
		{Key: "source_ready", Value: float64(src.Ready)},
		{Key: "source_free", Value: float64(src.Free)},
		{Key: "softbits_ready", Value: float64(soft.Ready)},
		{Key: "softbits_free", Value: float64(soft.Free)},
	}
}

func (r *Receiver) publishStats() {
	if r.pubs.DemodStats == nil {
		return
	}
	r.pubs.DemodStats.PublishStats(r.adapter.Name(), r.adapter.Stats())
	r.pubs.DemodStats.PublishStats("queues", r.QueueStats())
}
