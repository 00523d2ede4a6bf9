package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder creates a FlagSet with all config flags registered at their defaults.
func newFlagBinder(defaults Config) *fakeBinder {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.ModelPath != "models/tacornn.safetensors" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "models/tacornn.safetensors")
	}

	if cfg.Audio.SampleRate != 16000 {
		t.Errorf("Audio.SampleRate = %d; want 16000", cfg.Audio.SampleRate)
	}

	if cfg.Audio.HopLength != 200 {
		t.Errorf("Audio.HopLength = %d; want 200", cfg.Audio.HopLength)
	}

	if cfg.Audio.NMels != 80 {
		t.Errorf("Audio.NMels = %d; want 80", cfg.Audio.NMels)
	}

	if cfg.Audio.Bits != 10 {
		t.Errorf("Audio.Bits = %d; want 10", cfg.Audio.Bits)
	}

	if !cfg.Audio.PeakNormalize {
		t.Error("Audio.PeakNormalize = false; want true")
	}

	if cfg.Attention.WindowWidth != 8 {
		t.Errorf("Attention.WindowWidth = %d; want 8", cfg.Attention.WindowWidth)
	}

	if cfg.Attention.PriorLength != 11 {
		t.Errorf("Attention.PriorLength = %d; want 11", cfg.Attention.PriorLength)
	}

	if cfg.Attention.PriorAlpha != 0.1 {
		t.Errorf("Attention.PriorAlpha = %v; want 0.1", cfg.Attention.PriorAlpha)
	}

	if cfg.Attention.PriorBeta != 0.9 {
		t.Errorf("Attention.PriorBeta = %v; want 0.9", cfg.Attention.PriorBeta)
	}

	if cfg.Attention.EntropyBound != 0 {
		t.Errorf("Attention.EntropyBound = %v; want 0", cfg.Attention.EntropyBound)
	}

	if cfg.Decoder.StopThreshold != 0.5 {
		t.Errorf("Decoder.StopThreshold = %v; want 0.5", cfg.Decoder.StopThreshold)
	}

	if cfg.Decoder.MaxSteps != 1000 {
		t.Errorf("Decoder.MaxSteps = %d; want 1000", cfg.Decoder.MaxSteps)
	}

	if cfg.Vocoder.Temperature != 1.0 {
		t.Errorf("Vocoder.Temperature = %v; want 1.0", cfg.Vocoder.Temperature)
	}

	if cfg.Vocoder.ChunkFrames != 0 {
		t.Errorf("Vocoder.ChunkFrames = %d; want 0", cfg.Vocoder.ChunkFrames)
	}

	if cfg.Vocoder.OverlapFrames != 8 {
		t.Errorf("Vocoder.OverlapFrames = %d; want 8", cfg.Vocoder.OverlapFrames)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q; want %q", cfg.Log.Level, "info")
	}
}

// --- ParseLevel ---

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw     string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"  INFO  ", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"verbose", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseLevel(%q) error = nil; want error", tt.raw)
			}
			continue
		}

		if err != nil {
			t.Errorf("ParseLevel(%q) error = %v", tt.raw, err)
			continue
		}

		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.raw, got, tt.want)
		}
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, DefaultConfig())

	names := []string{
		"paths-model-path",
		"audio-sample-rate",
		"audio-hop-length",
		"audio-n-mels",
		"audio-bits",
		"audio-peak-normalize",
		"attention-window-width",
		"attention-prior-length",
		"attention-prior-alpha",
		"attention-prior-beta",
		"attention-entropy-bound",
		"attention-strict",
		"decoder-stop-threshold",
		"decoder-max-steps",
		"vocoder-temperature",
		"vocoder-greedy",
		"vocoder-seed",
		"vocoder-chunk-frames",
		"vocoder-overlap-frames",
		"vocoder-workers",
		"log-level",
	}

	for _, name := range names {
		if fs.Lookup(name) == nil {
			t.Errorf("flag %q not registered", name)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(DefaultConfig()),
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg != DefaultConfig() {
		t.Errorf("Load() with defaults = %+v; want %+v", cfg, DefaultConfig())
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	binder := newFlagBinder(DefaultConfig())

	err := binder.fs.Parse([]string{
		"--paths-model-path=/custom/model.safetensors",
		"--decoder-max-steps=500",
		"--vocoder-chunk-frames=40",
		"--attention-window-width=4",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != "/custom/model.safetensors" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "/custom/model.safetensors")
	}

	if cfg.Decoder.MaxSteps != 500 {
		t.Errorf("Decoder.MaxSteps = %d; want 500", cfg.Decoder.MaxSteps)
	}

	if cfg.Vocoder.ChunkFrames != 40 {
		t.Errorf("Vocoder.ChunkFrames = %d; want 40", cfg.Vocoder.ChunkFrames)
	}

	if cfg.Attention.WindowWidth != 4 {
		t.Errorf("Attention.WindowWidth = %d; want 4", cfg.Attention.WindowWidth)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TACORNN_LOG_LEVEL", "warn")
	t.Setenv("TACORNN_AUDIO_SAMPLE_RATE", "22050")

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(DefaultConfig()),
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q; want %q", cfg.Log.Level, "warn")
	}

	if cfg.Audio.SampleRate != 22050 {
		t.Errorf("Audio.SampleRate = %d; want 22050", cfg.Audio.SampleRate)
	}
}

func TestLoad_ModelEnvAlias(t *testing.T) {
	t.Setenv("TACORNN_MODEL", "/env/model.safetensors")

	cfg, err := Load(LoadOptions{
		Cmd:      newFlagBinder(DefaultConfig()),
		Defaults: DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != "/env/model.safetensors" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "/env/model.safetensors")
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "tacornn.yaml")

	content := `
paths:
  model_path: /file/model.safetensors
decoder:
  max_steps: 750
vocoder:
  temperature: 0.8
  greedy: true
log:
  level: debug
`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(LoadOptions{
		Cmd:        newFlagBinder(DefaultConfig()),
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.ModelPath != "/file/model.safetensors" {
		t.Errorf("ModelPath = %q; want %q", cfg.Paths.ModelPath, "/file/model.safetensors")
	}

	if cfg.Decoder.MaxSteps != 750 {
		t.Errorf("Decoder.MaxSteps = %d; want 750", cfg.Decoder.MaxSteps)
	}

	if cfg.Vocoder.Temperature != 0.8 {
		t.Errorf("Vocoder.Temperature = %v; want 0.8", cfg.Vocoder.Temperature)
	}

	if !cfg.Vocoder.Greedy {
		t.Error("Vocoder.Greedy = false; want true")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q; want %q", cfg.Log.Level, "debug")
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "tacornn.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := Load(LoadOptions{
		Cmd:        newFlagBinder(DefaultConfig()),
		ConfigFile: cfgFile,
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Fatal("Load() error = nil; want parse error")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		Cmd:        newFlagBinder(DefaultConfig()),
		ConfigFile: filepath.Join(t.TempDir(), "missing.yaml"),
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Fatal("Load() error = nil; want missing file error")
	}
}

func TestLoad_NilCmd(t *testing.T) {
	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Decoder.MaxSteps != DefaultConfig().Decoder.MaxSteps {
		t.Errorf("Decoder.MaxSteps = %d; want default %d", cfg.Decoder.MaxSteps, DefaultConfig().Decoder.MaxSteps)
	}
}
