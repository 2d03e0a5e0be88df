package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	"github.com/rjboer/lritrecv/internal/app"
	"github.com/rjboer/lritrecv/internal/archive"
	"github.com/rjboer/lritrecv/internal/config"
	"github.com/rjboer/lritrecv/internal/logging"
	"github.com/rjboer/lritrecv/internal/mdns"
	"github.com/rjboer/lritrecv/internal/publisher"
	"github.com/rjboer/lritrecv/internal/source"
	"github.com/rjboer/lritrecv/internal/telemetry"
	"github.com/rjboer/lritrecv/internal/tui"
)

const defaultConfigPath = "lritrecv.ini"

func main() {
	path := configPath(os.Args[1:], os.LookupEnv)
	defaults, err := loadConfig(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	cli, err := parseConfig(os.Args[1:], os.LookupEnv, defaults)
	if err != nil {
		log.Fatalf("parse config: %v", err)
	}
	if err := cli.cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, closeLog, err := newLogger(cli)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	defer closeLog()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli, logger); err != nil {
		logger.Error("receiver failed", logging.Err(err))
		closeLog()
		os.Exit(1)
	}
}

type cliConfig struct {
	cfg        config.Config
	configPath string
	// ui is "tui", "keyboard" or "none".
	ui string
}

// configPath finds the -config flag ahead of the full parse, since the file
// supplies the flag defaults.
func configPath(args []string, lookup func(string) (string, bool)) string {
	path := envString(lookup, "LRIT_CONFIG", defaultConfigPath)
	for i := 0; i < len(args); i++ {
		arg := strings.TrimLeft(args[i], "-")
		if arg == args[i] {
			continue
		}
		switch {
		case arg == "config" && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(arg, "config="):
			path = strings.TrimPrefix(arg, "config=")
		}
	}
	return path
}

// loadConfig reads path when it exists. A missing default file is not an
// error; a missing explicit file is.
func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

func parseConfig(args []string, lookup func(string) (string, bool), defaults config.Config) (cliConfig, error) {
	cli := cliConfig{cfg: defaults}
	c := &cli.cfg
	fs := flag.NewFlagSet("lritrecv", flag.ContinueOnError)

	var frequency, sampleRate uint64
	fs.StringVar(&cli.configPath, "config", envString(lookup, "LRIT_CONFIG", defaultConfigPath), "INI configuration file")
	fs.StringVar(&c.Demodulator.Downlink, "downlink", envString(lookup, "LRIT_DOWNLINK", c.Demodulator.Downlink), "Downlink (lrit|hrit)")
	fs.StringVar(&c.Demodulator.Source, "source", envString(lookup, "LRIT_SOURCE", c.Demodulator.Source), "Sample source (rtlsdr|hackrf|ssh|file|mock)")
	fs.Uint64Var(&frequency, "frequency", envUint(lookup, "LRIT_FREQUENCY", uint64(c.Source.Frequency)), "Centre frequency in Hz")
	fs.Uint64Var(&sampleRate, "sample-rate", envUint(lookup, "LRIT_SAMPLE_RATE", uint64(c.Source.SampleRate)), "Sample rate in Hz")
	fs.Float64Var(&c.Source.Gain, "gain", envFloat(lookup, "LRIT_GAIN", c.Source.Gain), "Tuner gain in dB")
	fs.BoolVar(&c.Source.AutoGain, "auto-gain", envBool(lookup, "LRIT_AUTO_GAIN", c.Source.AutoGain), "Let the tuner pick its gain")
	fs.IntVar(&c.RTLSDR.DeviceIndex, "device-index", envInt(lookup, "LRIT_DEVICE_INDEX", c.RTLSDR.DeviceIndex), "rtl-sdr device index")
	fs.StringVar(&c.File.Path, "file", envString(lookup, "LRIT_FILE", c.File.Path), "Recording to replay with -source file")
	fs.StringVar(&c.File.Format, "file-format", envString(lookup, "LRIT_FILE_FORMAT", c.File.Format), "Recording sample format (cu8|cs8)")
	fs.BoolVar(&c.File.Realtime, "realtime", envBool(lookup, "LRIT_REALTIME", c.File.Realtime), "Replay recordings at the sample rate")
	fs.StringVar(&c.SSH.Host, "ssh-host", envString(lookup, "LRIT_SSH_HOST", c.SSH.Host), "Host running rtl_sdr for -source ssh")
	fs.StringVar(&c.SSH.User, "ssh-user", envString(lookup, "LRIT_SSH_USER", c.SSH.User), "SSH user")
	fs.StringVar(&c.SSH.KeyPath, "ssh-key", envString(lookup, "LRIT_SSH_KEY", c.SSH.KeyPath), "SSH private key")
	fs.StringVar(&c.SSH.Password, "ssh-password", envString(lookup, "LRIT_SSH_PASSWORD", c.SSH.Password), "SSH password")
	fs.StringVar(&c.Telemetry.Listen, "listen", envString(lookup, "LRIT_LISTEN", c.Telemetry.Listen), "Telemetry and stream address; empty disables it")
	fs.BoolVar(&c.Telemetry.MDNS, "mdns", envBool(lookup, "LRIT_MDNS", c.Telemetry.MDNS), "Advertise the receiver over mDNS")
	fs.StringVar(&c.Decoder.Archive, "archive", envString(lookup, "LRIT_ARCHIVE", c.Decoder.Archive), "SQLite file archiving every packet")
	fs.StringVar(&c.Log.Level, "log-level", envString(lookup, "LRIT_LOG_LEVEL", c.Log.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&c.Log.Format, "log-format", envString(lookup, "LRIT_LOG_FORMAT", c.Log.Format), "Log format (text|json)")
	fs.StringVar(&c.Log.File, "log-file", envString(lookup, "LRIT_LOG_FILE", c.Log.File), "Write logs to this file")
	fs.StringVar(&cli.ui, "ui", envString(lookup, "LRIT_UI", "keyboard"), "Interface (tui|keyboard|none)")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	if frequency > 1<<32-1 || sampleRate > 1<<32-1 {
		return cliConfig{}, fmt.Errorf("frequency and sample rate must fit in 32 bits")
	}
	c.Source.Frequency = uint32(frequency)
	c.Source.SampleRate = uint32(sampleRate)

	switch cli.ui {
	case "tui", "keyboard", "none":
	default:
		return cliConfig{}, fmt.Errorf("unknown ui %q", cli.ui)
	}
	return cli, nil
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envUint(lookup func(string) (string, bool), key string, def uint64) uint64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func newLogger(cli cliConfig) (logging.Logger, func(), error) {
	level, err := logging.ParseLevel(cli.cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logging.ParseFormat(cli.cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cli.cfg.Log.File != "":
		f, err := os.OpenFile(cli.cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		closeFn = func() { f.Close() }
	case cli.ui == "tui":
		out = io.Discard
	}
	return logging.New(level, format, out), closeFn, nil
}

func tunerConfig(cfg config.Config) source.Config {
	return source.Config{
		Frequency:   cfg.Source.Frequency,
		SampleRate:  cfg.Source.SampleRate,
		Gain:        cfg.Source.Gain,
		AutoGain:    cfg.Source.AutoGain,
		DeviceIndex: cfg.RTLSDR.DeviceIndex,
		ChunkBytes:  cfg.Source.ChunkBytes,
	}
}

func selectBackend(cfg config.Config, logger logging.Logger) (source.Device, error) {
	tuner := tunerConfig(cfg)
	switch strings.ToLower(cfg.Demodulator.Source) {
	case "rtlsdr":
		return source.OpenRTLSDR(tuner, logger)
	case "hackrf":
		return source.OpenHackRF(tuner, logger)
	case "ssh":
		dev, err := source.NewRemoteDevice(source.SSHConfig{
			Host:        cfg.SSH.Host,
			User:        cfg.SSH.User,
			Password:    cfg.SSH.Password,
			KeyPath:     cfg.SSH.KeyPath,
			Port:        cfg.SSH.Port,
			Command:     cfg.SSH.Command,
			DialTimeout: cfg.SSH.Timeout,
		}, tuner)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case "file":
		format, err := source.ParseFormat(cfg.File.Format)
		if err != nil {
			return nil, err
		}
		dev, err := source.OpenFile(cfg.File.Path, format, tuner, cfg.File.Realtime)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case "mock":
		return source.NewMock(source.MockConfig{
			Config:     tuner,
			ToneOffset: cfg.Mock.ToneOffset,
			Amplitude:  cfg.Mock.Amplitude,
			Noise:      cfg.Mock.Noise,
			Samples:    cfg.Mock.Samples,
			Realtime:   cfg.Mock.Realtime,
			Seed:       time.Now().UnixNano(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown source %s", cfg.Demodulator.Source)
	}
}

// stageTaps lists the stages whose samples are streamed, keyed by stage name.
func stageTaps(cfg config.Config) []string {
	var stages []string
	for _, s := range []struct {
		name    string
		publish bool
	}{
		{app.StageSource, cfg.Source.Publish},
		{app.StageAGC, cfg.AGC.Publish},
		{app.StageCostas, cfg.Costas.Publish},
		{app.StageRRC, cfg.RRC.Publish},
		{app.StageClock, cfg.ClockRecovery.Publish},
	} {
		if s.publish {
			stages = append(stages, s.name)
		}
	}
	return stages
}

func run(ctx context.Context, cli cliConfig, logger logging.Logger) error {
	cfg := cli.cfg

	dev, err := selectBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("select source: %w", err)
	}
	defer dev.Close()

	hubCfg, err := telemetry.ValidateConfig(telemetry.Config{
		HistoryLimit:       cfg.Telemetry.HistoryLimit,
		SpectrumSize:       cfg.Telemetry.SpectrumSize,
		SpectrumIntervalMs: cfg.Telemetry.SpectrumIntervalMs,
		Window:             cfg.Telemetry.Window,
	}, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	hub := telemetry.NewHub(hubCfg, logger)
	defer hub.Close()

	stats := publisher.MultiStats{hub}
	channels := &tui.ChannelCounter{}
	packets := publisher.MultiPackets{channels}
	pubs := app.Publishers{Spectrum: hub, Samples: map[string]publisher.Samples{}}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Telemetry.Listen != "" {
		web := telemetry.NewWebServer(cfg.Telemetry.Listen, hub, logger)

		var streams []*publisher.Broadcaster
		mount := func(path string, b *publisher.Broadcaster) {
			web.Handle(path, b.Handler())
			streams = append(streams, b)
		}
		defer func() {
			for _, b := range streams {
				b.Close()
			}
		}()

		statsStream := publisher.NewBroadcaster("stats", cfg.Publisher.Backlog, logger)
		mount("/ws/stats", statsStream)
		stats = append(stats, statsStream)
		if cfg.Publisher.Packets {
			b := publisher.NewBroadcaster("packets", cfg.Publisher.Backlog, logger)
			mount("/ws/packets", b)
			packets = append(packets, b)
		}
		for _, stage := range stageTaps(cfg) {
			b := publisher.NewBroadcaster("samples_"+stage, cfg.Publisher.Backlog, logger)
			mount("/ws/samples/"+stage, b)
			pubs.Samples[stage] = b
		}
		if cfg.Quantization.Publish {
			b := publisher.NewBroadcaster("softbits", cfg.Publisher.Backlog, logger)
			mount("/ws/softbits", b)
			pubs.SoftBits = b
		}

		if err := web.Start(ctx); err != nil {
			return err
		}
		logger.Info("telemetry listening", logging.F("url", "http://"+web.Addr()))

		if cfg.Telemetry.MDNS {
			adv, err := mdns.Advertise(cfg.Telemetry.Instance, web.Port(), mdns.TXTRecords(map[string]string{
				"downlink": cfg.Demodulator.Downlink,
				"source":   cfg.Demodulator.Source,
				"api":      "/api",
			}))
			if err != nil {
				logger.Warn("mdns advertisement failed", logging.Err(err))
			} else {
				defer adv.Shutdown()
			}
		}
	} else if cli.ui != "tui" {
		stats = append(stats, telemetry.NewStdoutReporter(logger, cfg.Telemetry.StdoutInterval))
	}

	if cfg.Decoder.Archive != "" {
		store, err := archive.Open(cfg.Decoder.Archive, archive.Options{
			Backlog: cfg.Publisher.Backlog * 16,
			Stats:   cfg.Decoder.ArchiveStats,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("archive close", logging.Err(err))
			}
		}()
		packets = append(packets, store)
		if cfg.Decoder.ArchiveStats {
			stats = append(stats, store)
		}
	}

	pubs.Packets = packets
	if cfg.Demodulator.PublishStats {
		pubs.DemodStats = stats
	}
	if cfg.Decoder.PublishStats {
		pubs.DecoderStats = stats
	}

	receiver := app.NewReceiver(dev, cfg, pubs, logger)
	logger.Info("starting receiver",
		logging.F("source", cfg.Demodulator.Source),
		logging.F("frequency", cfg.Source.Frequency),
		logging.F("ui", cli.ui))

	switch cli.ui {
	case "tui":
		errc := make(chan error, 1)
		go func() {
			errc <- receiver.Run(ctx)
			cancel()
		}()
		model := tui.NewModel(strings.ToUpper(cfg.Demodulator.Downlink)+" receiver", hub, channels, 500*time.Millisecond)
		if err := tui.Run(ctx, model); err != nil {
			logger.Warn("status screen", logging.Err(err))
		}
		cancel()
		return <-errc
	case "keyboard":
		if err := keyboard.Open(); err != nil {
			logger.Warn("keyboard unavailable, use Ctrl+C to stop", logging.Err(err))
		} else {
			defer keyboard.Close()
			go watchKeys(cancel)
			logger.Info("press q to stop")
		}
	}
	return receiver.Run(ctx)
}

func watchKeys(cancel context.CancelFunc) {
	for {
		char, key, err := keyboard.GetKey()
		if err != nil {
			return
		}
		if key == keyboard.KeyCtrlC || key == keyboard.KeyEsc || char == 'q' || char == 'Q' {
			cancel()
			return
		}
	}
}
