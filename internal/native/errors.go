package native

import "errors"

var (
	// ErrEmptyMemory is returned when a synthesis call receives an encoder
	// memory with no timesteps.
	ErrEmptyMemory = errors.New("native: encoder memory is empty")

	// ErrEmptyMel is returned when the vocoder receives a mel-spectrogram
	// with no frames.
	ErrEmptyMel = errors.New("native: mel-spectrogram is empty")

	// ErrAttentionDiverged is returned in strict mode when the alignment
	// entropy exceeds the configured bound, meaning the attention mechanism
	// has lost track of its position in the input.
	ErrAttentionDiverged = errors.New("native: attention alignment diverged")
)
