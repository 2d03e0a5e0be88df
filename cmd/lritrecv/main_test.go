package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/rjboer/lritrecv/internal/app"
	"github.com/rjboer/lritrecv/internal/config"
	"github.com/rjboer/lritrecv/internal/source"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseConfigDefaults(t *testing.T) {
	cli, err := parseConfig([]string{}, noEnv, config.Default())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cli.cfg.Source.Frequency != 1_691_000_000 || cli.cfg.Source.SampleRate != 2_400_000 || cli.ui != "keyboard" {
		t.Fatalf("unexpected defaults: %#v", cli)
	}
	if err := cli.cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestParseConfigEnvOverrides(t *testing.T) {
	env := map[string]string{
		"LRIT_DOWNLINK":    "hrit",
		"LRIT_SOURCE":      "mock",
		"LRIT_SAMPLE_RATE": "3000000",
		"LRIT_GAIN":        "22.9",
		"LRIT_MDNS":        "true",
		"LRIT_UI":          "none",
		"LRIT_FREQUENCY":   "not a number",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cli, err := parseConfig([]string{"--listen", "", "-gain", "10"}, lookup, config.Default())
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	c := cli.cfg
	if c.Demodulator.Downlink != "hrit" || c.Demodulator.Source != "mock" || c.Source.SampleRate != 3_000_000 {
		t.Fatalf("env overrides not applied: %#v", c)
	}
	if c.Source.Gain != 10 || c.Telemetry.Listen != "" || !c.Telemetry.MDNS || cli.ui != "none" {
		t.Fatalf("flags should win over env: %#v", cli)
	}
	if c.Source.Frequency != 1_691_000_000 {
		t.Fatalf("unparseable env value should keep the default, got %d", c.Source.Frequency)
	}
}

func TestParseConfigRejectsUnknownUI(t *testing.T) {
	if _, err := parseConfig([]string{"-ui", "web"}, noEnv, config.Default()); err == nil {
		t.Fatalf("expected error for unknown ui")
	}
}

func TestConfigPathFromArgs(t *testing.T) {
	cases := []struct {
		args []string
		env  string
		want string
	}{
		{nil, "", defaultConfigPath},
		{[]string{"-config", "a.ini"}, "", "a.ini"},
		{[]string{"--config=b.ini", "-gain", "3"}, "", "b.ini"},
		{[]string{"-gain", "3"}, "env.ini", "env.ini"},
		{[]string{"config", "ignored.ini"}, "", defaultConfigPath},
	}
	for _, tc := range cases {
		lookup := func(key string) (string, bool) {
			if key == "LRIT_CONFIG" && tc.env != "" {
				return tc.env, true
			}
			return "", false
		}
		if got := configPath(tc.args, lookup); got != tc.want {
			t.Fatalf("configPath(%v) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestLoadConfigFileFeedsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recv.ini")
	data := "[demodulator]\nsource = mock\n\n[source]\ngain = 12.5\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defaults, err := loadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cli, err := parseConfig([]string{"-config", path}, noEnv, defaults)
	if err != nil {
		t.Fatalf("parseConfig failed: %v", err)
	}
	if cli.cfg.Demodulator.Source != "mock" || cli.cfg.Source.Gain != 12.5 || cli.configPath != path {
		t.Fatalf("file values not used as defaults: %#v", cli)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.ini")); err == nil {
		t.Fatalf("expected error for a missing explicit file")
	}
}

func TestSelectBackendError(t *testing.T) {
	cfg := config.Default()
	cfg.Demodulator.Source = "unknown"
	if _, err := selectBackend(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown source")
	}
}

func TestSelectBackendMock(t *testing.T) {
	cfg := config.Default()
	cfg.Demodulator.Source = "mock"
	backend, err := selectBackend(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reflect.ValueOf(backend).IsNil() {
		t.Fatalf("backend should not be nil")
	}
	if backend.Format() != source.CU8 {
		t.Fatalf("mock should deliver cu8, got %v", backend.Format())
	}
}

func TestSelectBackendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.cs8")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.Default()
	cfg.Demodulator.Source = "file"
	cfg.File.Path = path
	cfg.File.Format = "cs8"
	backend, err := selectBackend(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer backend.Close()
	if backend.Format() != source.CS8 {
		t.Fatalf("expected cs8 recording, got %v", backend.Format())
	}

	cfg.File.Format = "wav"
	if _, err := selectBackend(cfg, nil); err == nil {
		t.Fatalf("expected error for unknown file format")
	}
}

func TestStageTaps(t *testing.T) {
	cfg := config.Default()
	if got := stageTaps(cfg); len(got) != 0 {
		t.Fatalf("expected no taps by default, got %v", got)
	}
	cfg.Source.Publish = true
	cfg.ClockRecovery.Publish = true
	got := stageTaps(cfg)
	if !reflect.DeepEqual(got, []string{app.StageSource, app.StageClock}) {
		t.Fatalf("unexpected taps %v", got)
	}
}
