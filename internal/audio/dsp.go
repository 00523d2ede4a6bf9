package audio

import (
	"math"
)

// MuCompress maps an amplitude in [-1, 1] to a mu-law quantization level in
// [0, 2^bits - 1]. Amplitudes outside [-1, 1] are clamped first.
func MuCompress(x float64, bits int) int {
	mu := float64(int(1)<<bits - 1)

	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}

	fx := sign(x) * math.Log1p(mu*math.Abs(x)) / math.Log1p(mu)

	return int(math.Floor((fx+1)/2*mu + 0.5))
}

// MuExpand maps a quantization level in [0, 2^bits - 1] back to an amplitude
// in [-1, 1]. This is the inverse companding law of MuCompress.
func MuExpand(level int, bits int) float64 {
	mu := float64(int(1)<<bits - 1)

	y := 2*float64(level)/mu - 1

	return sign(y) / mu * (math.Pow(1+mu, math.Abs(y)) - 1)
}

// PeakNormalize scales samples so the peak amplitude stays below 1.0.
// Inputs already inside the range are returned unchanged.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, v := range samples {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}

	if peak < 1 {
		return samples
	}

	scale := 0.999 / peak

	out := make([]float32, len(samples))
	for i, v := range samples {
		out[i] = v * scale
	}

	return out
}

// CrossfadeAdd merges the head of next into the tail of dst over an overlap
// of n samples with a linear equal-gain ramp, then appends the remainder of
// next. When n exceeds either length it is reduced to fit.
func CrossfadeAdd(dst, next []float32, n int) []float32 {
	if n > len(dst) {
		n = len(dst)
	}

	if n > len(next) {
		n = len(next)
	}

	base := len(dst) - n
	for i := range n {
		fade := float32(i+1) / float32(n+1)
		dst[base+i] = dst[base+i]*(1-fade) + next[i]*fade
	}

	return append(dst, next[n:]...)
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}
