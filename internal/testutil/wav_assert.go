// Package testutil provides shared assertions for synthesis tests.
package testutil

import (
	"testing"

	"github.com/example/go-tacornn/internal/audio"
)

// AssertValidWAV checks that data decodes as the WAV format synthesis
// emits: mono 16-bit PCM at the expected sample rate with at least one
// sample. Format deviations surface as decode errors.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) {
	tb.Helper()

	samples, gotRate, err := audio.DecodeWAV(data)
	if err != nil {
		tb.Fatalf("WAV: %v", err)
	}

	if gotRate != sampleRate {
		tb.Fatalf("WAV: expected sample rate %d, got %d", sampleRate, gotRate)
	}

	if len(samples) == 0 {
		tb.Fatal("WAV: zero samples")
	}
}
