package native

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"github.com/example/go-tacornn/internal/audio"
	"github.com/example/go-tacornn/internal/runtime/ops"
	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// Default sample-loop parameters.
const (
	DefaultHopLength   = 200
	DefaultBits        = 10
	DefaultTemperature = 1.0
)

// VocoderConfig controls one waveform generation run.
type VocoderConfig struct {
	HopLength   int     // samples generated per mel frame
	Bits        int     // mu-law quantization depth
	Temperature float32 // softmax temperature for sampling
	Greedy      bool    // take argmax instead of sampling
	Seed        int64   // rng seed; chunk i uses Seed+i

	// ChunkFrames > 0 splits the mel into overlapping chunks generated in
	// parallel and crossfaded back together. OverlapFrames is the shared
	// region between neighbours.
	ChunkFrames   int
	OverlapFrames int
	Workers       int // 0 means ops.ChunkWorkers()
}

func (c VocoderConfig) withDefaults() VocoderConfig {
	if c.HopLength <= 0 {
		c.HopLength = DefaultHopLength
	}

	if c.Bits <= 0 {
		c.Bits = DefaultBits
	}

	if c.Temperature <= 0 {
		c.Temperature = DefaultTemperature
	}

	if c.Workers <= 0 {
		c.Workers = ops.ChunkWorkers()
	}

	return c
}

// Vocoder is the autoregressive sample loop: a conditioning projection over
// the mel frame, a GRU over [previous sample, conditioning], and two fully
// connected layers emitting logits over the mu-law levels.
type Vocoder struct {
	condProj *Linear      // [cond_dim, n_mels]
	cell     *ops.GRUCell // input: 1 + cond_dim
	fc1      *Linear      // [fc_dim, gru_hidden]
	fc2      *Linear      // [n_levels, fc_dim]

	nMels  int
	levels int
}

// NewVocoder wires the sample-loop layers, validating dimensions.
func NewVocoder(condProj *Linear, cell *ops.GRUCell, fc1, fc2 *Linear) (*Vocoder, error) {
	if condProj == nil || cell == nil || fc1 == nil || fc2 == nil {
		return nil, errors.New("native: vocoder requires all layers")
	}

	if cell.InputSize() != 1+int(condProj.OutDim()) {
		return nil, fmt.Errorf("native: gru input %d, want 1 + conditioning dim %d", cell.InputSize(), condProj.OutDim())
	}

	if int(fc1.InDim()) != cell.HiddenSize() {
		return nil, fmt.Errorf("native: fc1 input %d does not match gru hidden %d", fc1.InDim(), cell.HiddenSize())
	}

	if fc2.InDim() != fc1.OutDim() {
		return nil, fmt.Errorf("native: fc layer dims %d -> %d do not chain", fc1.OutDim(), fc2.InDim())
	}

	levels := int(fc2.OutDim())
	if levels < 2 || levels&(levels-1) != 0 {
		return nil, fmt.Errorf("native: output levels %d must be a power of two", levels)
	}

	return &Vocoder{
		condProj: condProj,
		cell:     cell,
		fc1:      fc1,
		fc2:      fc2,
		nMels:    int(condProj.InDim()),
		levels:   levels,
	}, nil
}

func loadVocoder(vb *VarBuilder) (*Vocoder, error) {
	condProj, err := loadLinear(vb, "cond_proj", true)
	if err != nil {
		return nil, err
	}

	cell, err := loadGRUCell(vb, "gru")
	if err != nil {
		return nil, err
	}

	fc1, err := loadLinear(vb, "fc1", true)
	if err != nil {
		return nil, err
	}

	fc2, err := loadLinear(vb, "fc2", true)
	if err != nil {
		return nil, err
	}

	return NewVocoder(condProj, cell, fc1, fc2)
}

func (v *Vocoder) NMels() int { return v.nMels }

// Bits returns the mu-law depth implied by the output layer.
func (v *Vocoder) Bits() int {
	bits := 0
	for n := v.levels; n > 1; n >>= 1 {
		bits++
	}

	return bits
}

// Generate renders a waveform from a [frames, n_mels] spectrogram. The
// output always holds exactly frames * HopLength samples.
func (v *Vocoder) Generate(mel *tensor.Tensor, cfg VocoderConfig) ([]float32, error) {
	cfg = cfg.withDefaults()

	if mel == nil || mel.Rank() != 2 || mel.Shape()[0] == 0 {
		return nil, ErrEmptyMel
	}

	if mel.Shape()[1] != int64(v.nMels) {
		return nil, fmt.Errorf("native: mel width %d does not match conditioning dim %d", mel.Shape()[1], v.nMels)
	}

	if cfg.Bits != v.Bits() {
		return nil, fmt.Errorf("native: configured %d bits, model emits %d levels", cfg.Bits, v.levels)
	}

	nFrames := int(mel.Shape()[0])

	if cfg.ChunkFrames > 0 && nFrames > cfg.ChunkFrames {
		return v.generateChunked(mel, cfg)
	}

	out, clamped, err := v.generateRange(mel, 0, nFrames, cfg, cfg.Seed)
	if err != nil {
		return nil, err
	}

	if clamped > 0 {
		slog.Warn("vocoder clamped samples", "count", clamped)
	}

	slog.Info("vocoder run complete", "frames", nFrames, "samples", len(out))

	return out, nil
}

// generateRange runs the sequential sample loop over frames [lo, hi) from a
// zero hidden state.
func (v *Vocoder) generateRange(mel *tensor.Tensor, lo, hi int, cfg VocoderConfig, seed int64) ([]float32, int, error) {
	st := v.cell.NewState()
	rng := rand.New(rand.NewSource(seed))

	condDim := int(v.condProj.OutDim())
	cond := make([]float32, condDim)
	in := make([]float32, 1+condDim)
	hidden := make([]float32, int(v.fc1.OutDim()))
	logits := make([]float32, v.levels)
	probs := make([]float64, v.levels)

	out := make([]float32, 0, (hi-lo)*cfg.HopLength)
	prev := float32(0)
	clamped := 0

	for f := lo; f < hi; f++ {
		frame, err := mel.Row(int64(f))
		if err != nil {
			return nil, 0, err
		}

		if err := v.condProj.ForwardVec(cond, frame); err != nil {
			return nil, 0, err
		}

		copy(in[1:], cond)

		for range cfg.HopLength {
			in[0] = prev

			if err := v.cell.Step(in, st); err != nil {
				return nil, 0, err
			}

			if err := v.fc1.ForwardVec(hidden, st.H); err != nil {
				return nil, 0, err
			}

			reluInPlace(hidden)

			if err := v.fc2.ForwardVec(logits, hidden); err != nil {
				return nil, 0, err
			}

			var level int
			if cfg.Greedy {
				level = argmax(logits)
			} else {
				level = sampleLevel(logits, probs, cfg.Temperature, rng)
			}

			sample := float32(audio.MuExpand(level, cfg.Bits))
			if sample > 1 {
				sample = 1
				clamped++
			} else if sample < -1 {
				sample = -1
				clamped++
			}

			prev = sample
			out = append(out, sample)
		}
	}

	return out, clamped, nil
}

// generateChunked splits the mel into overlapping chunks, renders them in
// parallel from fresh states, and crossfades neighbours back together. The
// overlap doubles as state warm-up for every chunk after the first.
func (v *Vocoder) generateChunked(mel *tensor.Tensor, cfg VocoderConfig) ([]float32, error) {
	stride := cfg.ChunkFrames - cfg.OverlapFrames
	if stride <= 0 {
		return nil, fmt.Errorf("native: overlap %d frames must be smaller than chunk %d", cfg.OverlapFrames, cfg.ChunkFrames)
	}

	nFrames := int(mel.Shape()[0])

	var starts []int
	for s := 0; ; s += stride {
		starts = append(starts, s)
		if s+cfg.ChunkFrames >= nFrames {
			break
		}
	}

	chunks := make([][]float32, len(starts))
	clamps := make([]int, len(starts))
	errs := make([]error, len(starts))

	ops.ParallelFor(len(starts), cfg.Workers, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			end := min(starts[i]+cfg.ChunkFrames, nFrames)
			chunks[i], clamps[i], errs[i] = v.generateRange(mel, starts[i], end, cfg, cfg.Seed+int64(i))
		}
	})

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	overlapSamples := cfg.OverlapFrames * cfg.HopLength
	out := chunks[0]
	clamped := clamps[0]

	for i := 1; i < len(chunks); i++ {
		out = audio.CrossfadeAdd(out, chunks[i], overlapSamples)
		clamped += clamps[i]
	}

	if want := nFrames * cfg.HopLength; len(out) != want {
		return nil, fmt.Errorf("native: stitched %d samples, want %d", len(out), want)
	}

	if clamped > 0 {
		slog.Warn("vocoder clamped samples", "count", clamped)
	}

	slog.Info("vocoder run complete", "frames", nFrames, "samples", len(out), "chunks", len(chunks))

	return out, nil
}

func argmax(x []float32) int {
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}

	return best
}

// sampleLevel draws one mu-law level from the tempered softmax of logits.
// probs is caller-owned scratch of the same length.
func sampleLevel(logits []float32, probs []float64, temperature float32, rng *rand.Rand) int {
	maxLogit := logits[argmax(logits)]

	var sum float64
	for i, l := range logits {
		p := math.Exp(float64((l - maxLogit) / temperature))
		probs[i] = p
		sum += p
	}

	u := rng.Float64() * sum
	var acc float64
	for i, p := range probs {
		acc += p
		if u < acc {
			return i
		}
	}

	return len(logits) - 1
}
