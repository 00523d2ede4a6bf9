package native

import (
	"fmt"
	"log/slog"
)

// ModelConfig carries the load-time knobs that are not baked into the
// checkpoint: the attention window and the dynamic-convolution prior.
type ModelConfig struct {
	WindowWidth int

	PriorLength int
	PriorAlpha  float64
	PriorBeta   float64
}

// Model bundles the three synthesis stages loaded from one checkpoint.
type Model struct {
	Attention Attention
	Decoder   *Decoder
	Vocoder   *Vocoder
}

// LoadModel assembles a model from a checkpoint VarBuilder. The attention
// variant is detected from the tensors present: a key projection marks the
// dynamic-convolution form, otherwise the location-sensitive one loads.
func LoadModel(vb *VarBuilder, cfg ModelConfig) (*Model, error) {
	attnVB := vb.Path("attention")

	var (
		attn Attention
		kind string
		err  error
	)

	if attnVB.Has("key_proj.weight") {
		kind = "dynamic_convolution"
		attn, err = loadDynamicConvolutionAttention(attnVB, DCAConfig{
			PriorLength: cfg.PriorLength,
			PriorAlpha:  cfg.PriorAlpha,
			PriorBeta:   cfg.PriorBeta,
			WindowWidth: cfg.WindowWidth,
		})
	} else {
		kind = "location_sensitive"
		attn, err = loadLocationSensitiveAttention(attnVB, cfg.WindowWidth)
	}

	if err != nil {
		return nil, fmt.Errorf("native: load attention: %w", err)
	}

	decoder, err := loadDecoder(vb.Path("decoder"), attn)
	if err != nil {
		return nil, fmt.Errorf("native: load decoder: %w", err)
	}

	vocoder, err := loadVocoder(vb.Path("vocoder"))
	if err != nil {
		return nil, fmt.Errorf("native: load vocoder: %w", err)
	}

	if decoder.NMels() != vocoder.NMels() {
		return nil, fmt.Errorf("native: decoder emits %d mels, vocoder expects %d", decoder.NMels(), vocoder.NMels())
	}

	slog.Info("model loaded",
		"attention", kind,
		"n_mels", decoder.NMels(),
		"bits", vocoder.Bits())

	return &Model{
		Attention: attn,
		Decoder:   decoder,
		Vocoder:   vocoder,
	}, nil
}

// LoadModelFile opens a safetensors checkpoint and assembles the model.
func LoadModelFile(path string, cfg ModelConfig) (*Model, error) {
	vb, err := OpenVarBuilder(path)
	if err != nil {
		return nil, err
	}

	return LoadModel(vb, cfg)
}
