package tts

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/go-tacornn/internal/audio"
	"github.com/example/go-tacornn/internal/config"
	"github.com/example/go-tacornn/internal/native"
	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// Service drives the two synthesis stages: the decoder loop turning encoder
// memory into a mel-spectrogram, and the vocoder turning mel into samples.
type Service struct {
	model *native.Model
	cfg   config.Config
}

// Result is one finished synthesis with its summary stats.
type Result struct {
	Samples    []float32
	SampleRate int

	Frames    int
	Truncated bool

	PeakAbs float64
	RMS     float64
}

// NewService loads the checkpoint named by cfg and wraps it.
func NewService(cfg config.Config) (*Service, error) {
	model, err := native.LoadModelFile(cfg.Paths.ModelPath, native.ModelConfig{
		WindowWidth: cfg.Attention.WindowWidth,
		PriorLength: cfg.Attention.PriorLength,
		PriorAlpha:  cfg.Attention.PriorAlpha,
		PriorBeta:   cfg.Attention.PriorBeta,
	})
	if err != nil {
		return nil, fmt.Errorf("load model %q: %w", cfg.Paths.ModelPath, err)
	}

	return NewServiceWithModel(model, cfg), nil
}

// NewServiceWithModel wraps an already-loaded model.
func NewServiceWithModel(model *native.Model, cfg config.Config) *Service {
	return &Service{model: model, cfg: cfg}
}

// Synthesize runs the full pipeline over encoder memory [T_enc, D].
func (s *Service) Synthesize(memory *tensor.Tensor) (*Result, error) {
	start := time.Now()

	dec, err := s.model.Decoder.Infer(memory, s.decoderConfig())
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	res, err := s.vocode(dec.Frames)
	if err != nil {
		return nil, err
	}

	res.Truncated = dec.Truncated

	slog.Info("synthesis complete",
		"frames", res.Frames,
		"samples", len(res.Samples),
		"truncated", res.Truncated,
		"peak_abs", res.PeakAbs,
		"rms", res.RMS,
		"elapsed", time.Since(start))

	return res, nil
}

// Vocode renders a waveform from an externally produced mel-spectrogram
// [frames, n_mels].
func (s *Service) Vocode(mel *tensor.Tensor) (*Result, error) {
	start := time.Now()

	res, err := s.vocode(mel)
	if err != nil {
		return nil, err
	}

	slog.Info("vocode complete",
		"frames", res.Frames,
		"samples", len(res.Samples),
		"elapsed", time.Since(start))

	return res, nil
}

// EncodeWAV wraps a result's samples in a mono 16-bit WAV container.
func (s *Service) EncodeWAV(res *Result) ([]byte, error) {
	return audio.EncodeWAV(res.Samples, res.SampleRate)
}

func (s *Service) vocode(mel *tensor.Tensor) (*Result, error) {
	samples, err := s.model.Vocoder.Generate(mel, s.vocoderConfig())
	if err != nil {
		return nil, fmt.Errorf("vocode: %w", err)
	}

	if s.cfg.Audio.PeakNormalize {
		samples = audio.PeakNormalize(samples)
	}

	peak, rms := waveStats(samples)

	return &Result{
		Samples:    samples,
		SampleRate: s.cfg.Audio.SampleRate,
		Frames:     int(mel.Shape()[0]),
		PeakAbs:    peak,
		RMS:        rms,
	}, nil
}

func (s *Service) decoderConfig() native.DecoderConfig {
	return native.DecoderConfig{
		StopThreshold:   float32(s.cfg.Decoder.StopThreshold),
		MaxSteps:        s.cfg.Decoder.MaxSteps,
		EntropyBound:    s.cfg.Attention.EntropyBound,
		StrictAttention: s.cfg.Attention.Strict,
	}
}

func (s *Service) vocoderConfig() native.VocoderConfig {
	return native.VocoderConfig{
		HopLength:     s.cfg.Audio.HopLength,
		Bits:          s.cfg.Audio.Bits,
		Temperature:   float32(s.cfg.Vocoder.Temperature),
		Greedy:        s.cfg.Vocoder.Greedy,
		Seed:          s.cfg.Vocoder.Seed,
		ChunkFrames:   s.cfg.Vocoder.ChunkFrames,
		OverlapFrames: s.cfg.Vocoder.OverlapFrames,
		Workers:       s.cfg.Vocoder.Workers,
	}
}

func waveStats(samples []float32) (peakAbs, rms float64) {
	if len(samples) == 0 {
		return 0, 0
	}

	var sumSq float64
	for _, s := range samples {
		v := math.Abs(float64(s))
		if v > peakAbs {
			peakAbs = v
		}

		sumSq += float64(s) * float64(s)
	}

	return peakAbs, math.Sqrt(sumSq / float64(len(samples)))
}
