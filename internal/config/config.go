package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Attention AttentionConfig `mapstructure:"attention"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Vocoder   VocoderConfig   `mapstructure:"vocoder"`
	Log       LogConfig       `mapstructure:"log"`
}

type PathsConfig struct {
	ModelPath string `mapstructure:"model_path"`
}

type AudioConfig struct {
	SampleRate    int  `mapstructure:"sample_rate"`
	HopLength     int  `mapstructure:"hop_length"`
	NMels         int  `mapstructure:"n_mels"`
	Bits          int  `mapstructure:"bits"`
	PeakNormalize bool `mapstructure:"peak_normalize"`
}

type AttentionConfig struct {
	WindowWidth  int     `mapstructure:"window_width"`
	PriorLength  int     `mapstructure:"prior_length"`
	PriorAlpha   float64 `mapstructure:"prior_alpha"`
	PriorBeta    float64 `mapstructure:"prior_beta"`
	EntropyBound float64 `mapstructure:"entropy_bound"`
	Strict       bool    `mapstructure:"strict"`
}

type DecoderConfig struct {
	StopThreshold float64 `mapstructure:"stop_threshold"`
	MaxSteps      int     `mapstructure:"max_steps"`
}

type VocoderConfig struct {
	Temperature   float64 `mapstructure:"temperature"`
	Greedy        bool    `mapstructure:"greedy"`
	Seed          int64   `mapstructure:"seed"`
	ChunkFrames   int     `mapstructure:"chunk_frames"`
	OverlapFrames int     `mapstructure:"overlap_frames"`
	Workers       int     `mapstructure:"workers"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			ModelPath: "models/tacornn.safetensors",
		},
		Audio: AudioConfig{
			SampleRate:    16000,
			HopLength:     200,
			NMels:         80,
			Bits:          10,
			PeakNormalize: true,
		},
		Attention: AttentionConfig{
			WindowWidth:  8,
			PriorLength:  11,
			PriorAlpha:   0.1,
			PriorBeta:    0.9,
			EntropyBound: 0,
			Strict:       false,
		},
		Decoder: DecoderConfig{
			StopThreshold: 0.5,
			MaxSteps:      1000,
		},
		Vocoder: VocoderConfig{
			Temperature:   1.0,
			Greedy:        false,
			Seed:          0,
			ChunkFrames:   0,
			OverlapFrames: 8,
			Workers:       0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-model-path", defaults.Paths.ModelPath, "Path to safetensors checkpoint")
	fs.Int("audio-sample-rate", defaults.Audio.SampleRate, "Output sample rate in Hz")
	fs.Int("audio-hop-length", defaults.Audio.HopLength, "Samples per mel frame")
	fs.Int("audio-n-mels", defaults.Audio.NMels, "Mel spectrogram channels")
	fs.Int("audio-bits", defaults.Audio.Bits, "Mu-law quantization bits")
	fs.Bool("audio-peak-normalize", defaults.Audio.PeakNormalize, "Rescale waveform when it peaks at or above 1.0")
	fs.Int("attention-window-width", defaults.Attention.WindowWidth, "Attention half-window around the previous peak")
	fs.Int("attention-prior-length", defaults.Attention.PriorLength, "Beta-binomial prior filter length")
	fs.Float64("attention-prior-alpha", defaults.Attention.PriorAlpha, "Beta-binomial prior alpha")
	fs.Float64("attention-prior-beta", defaults.Attention.PriorBeta, "Beta-binomial prior beta")
	fs.Float64("attention-entropy-bound", defaults.Attention.EntropyBound, "Alignment entropy bound, 0 disables the check")
	fs.Bool("attention-strict", defaults.Attention.Strict, "Fail instead of warning when attention entropy exceeds the bound")
	fs.Float64("decoder-stop-threshold", defaults.Decoder.StopThreshold, "Stop token probability threshold")
	fs.Int("decoder-max-steps", defaults.Decoder.MaxSteps, "Decoder step cap before truncating")
	fs.Float64("vocoder-temperature", defaults.Vocoder.Temperature, "Sampling temperature for the sample loop")
	fs.Bool("vocoder-greedy", defaults.Vocoder.Greedy, "Take argmax instead of sampling")
	fs.Int64("vocoder-seed", defaults.Vocoder.Seed, "Sample loop rng seed")
	fs.Int("vocoder-chunk-frames", defaults.Vocoder.ChunkFrames, "Mel frames per parallel chunk, 0 disables chunking")
	fs.Int("vocoder-overlap-frames", defaults.Vocoder.OverlapFrames, "Crossfaded overlap between neighbouring chunks")
	fs.Int("vocoder-workers", defaults.Vocoder.Workers, "Parallel chunk workers, 0 uses GOMAXPROCS")
	fs.String("log-level", defaults.Log.Level, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)
	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix("TACORNN")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	if err := v.BindEnv("paths.model_path", "TACORNN_MODEL", "TACORNN_PATHS_MODEL_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind model env vars: %w", err)
	}
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("tacornn")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.model_path", c.Paths.ModelPath)
	v.SetDefault("audio.sample_rate", c.Audio.SampleRate)
	v.SetDefault("audio.hop_length", c.Audio.HopLength)
	v.SetDefault("audio.n_mels", c.Audio.NMels)
	v.SetDefault("audio.bits", c.Audio.Bits)
	v.SetDefault("audio.peak_normalize", c.Audio.PeakNormalize)
	v.SetDefault("attention.window_width", c.Attention.WindowWidth)
	v.SetDefault("attention.prior_length", c.Attention.PriorLength)
	v.SetDefault("attention.prior_alpha", c.Attention.PriorAlpha)
	v.SetDefault("attention.prior_beta", c.Attention.PriorBeta)
	v.SetDefault("attention.entropy_bound", c.Attention.EntropyBound)
	v.SetDefault("attention.strict", c.Attention.Strict)
	v.SetDefault("decoder.stop_threshold", c.Decoder.StopThreshold)
	v.SetDefault("decoder.max_steps", c.Decoder.MaxSteps)
	v.SetDefault("vocoder.temperature", c.Vocoder.Temperature)
	v.SetDefault("vocoder.greedy", c.Vocoder.Greedy)
	v.SetDefault("vocoder.seed", c.Vocoder.Seed)
	v.SetDefault("vocoder.chunk_frames", c.Vocoder.ChunkFrames)
	v.SetDefault("vocoder.overlap_frames", c.Vocoder.OverlapFrames)
	v.SetDefault("vocoder.workers", c.Vocoder.Workers)
	v.SetDefault("log.level", c.Log.Level)
}

// flagKeys maps each dotted config key to its dashed command line flag.
var flagKeys = map[string]string{
	"paths.model_path":        "paths-model-path",
	"audio.sample_rate":       "audio-sample-rate",
	"audio.hop_length":        "audio-hop-length",
	"audio.n_mels":            "audio-n-mels",
	"audio.bits":              "audio-bits",
	"audio.peak_normalize":    "audio-peak-normalize",
	"attention.window_width":  "attention-window-width",
	"attention.prior_length":  "attention-prior-length",
	"attention.prior_alpha":   "attention-prior-alpha",
	"attention.prior_beta":    "attention-prior-beta",
	"attention.entropy_bound": "attention-entropy-bound",
	"attention.strict":        "attention-strict",
	"decoder.stop_threshold":  "decoder-stop-threshold",
	"decoder.max_steps":       "decoder-max-steps",
	"vocoder.temperature":     "vocoder-temperature",
	"vocoder.greedy":          "vocoder-greedy",
	"vocoder.seed":            "vocoder-seed",
	"vocoder.chunk_frames":    "vocoder-chunk-frames",
	"vocoder.overlap_frames":  "vocoder-overlap-frames",
	"vocoder.workers":         "vocoder-workers",
	"log.level":               "log-level",
}

// bindFlags binds each dotted key to its flag individually so that an
// unchanged flag still lets env vars, config file values and defaults
// through instead of shadowing them with the flag default.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for key, name := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}
