package native

import (
	"fmt"
	"math"

	"github.com/example/go-tacornn/internal/runtime/ops"
	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// Attention computes one alignment update per decoder step. The previous
// alignment is the only carrier of positional state: strategies predict how
// the focus should shift relative to it rather than re-scoring the whole
// memory, which is what lets synthesis run far past training-length inputs.
type Attention interface {
	// Step returns a new alignment over memory and the attention context
	// vector. alignment is a probability distribution over [0, T_enc);
	// context is the alignment-weighted sum of memory rows.
	Step(query, prevAlignment []float32, memory *tensor.Tensor) (alignment, context []float32, err error)
}

// ImpulseAlignment builds the first-step alignment: all mass at index 0.
func ImpulseAlignment(tEnc int) []float32 {
	a := make([]float32, tEnc)
	if tEnc > 0 {
		a[0] = 1
	}

	return a
}

// AlignmentEntropy returns the Shannon entropy of an alignment in nats.
// A sharply focused alignment is near 0; a spread-out one approaches
// log(T_enc).
func AlignmentEntropy(alignment []float32) float64 {
	var h float64

	for _, p := range alignment {
		if p > 0 {
			h -= float64(p) * math.Log(float64(p))
		}
	}

	return h
}

func alignmentPeak(alignment []float32) int {
	peak := 0
	best := float32(math.Inf(-1))

	for i, v := range alignment {
		if v > best {
			best = v
			peak = i
		}
	}

	return peak
}

// attentionWindow returns the inclusive index bounds [lo, hi] of the scoring
// window around the previous alignment peak, clipped to memory bounds.
func attentionWindow(prevAlignment []float32, halfWidth int) (int, int) {
	peak := alignmentPeak(prevAlignment)

	lo := max(peak-halfWidth, 0)
	hi := min(peak+halfWidth, len(prevAlignment)-1)

	return lo, hi
}

func validateAttentionInputs(prevAlignment []float32, memory *tensor.Tensor) (tEnc, dim int64, err error) {
	if memory == nil {
		return 0, 0, ErrEmptyMemory
	}

	shape := memory.Shape()
	if len(shape) != 2 {
		return 0, 0, fmt.Errorf("native: attention memory must be [T_enc, D], got %v", shape)
	}

	if shape[0] == 0 {
		return 0, 0, ErrEmptyMemory
	}

	if int64(len(prevAlignment)) != shape[0] {
		return 0, 0, fmt.Errorf("native: previous alignment length %d does not match memory length %d", len(prevAlignment), shape[0])
	}

	return shape[0], shape[1], nil
}

// finalizeAlignment softmaxes window scores into a full-length alignment and
// computes the attention context. scores[j] corresponds to memory index lo+j;
// all indices outside the window get exactly zero mass.
func finalizeAlignment(scores []float32, lo int, memory *tensor.Tensor) ([]float32, []float32, error) {
	shape := memory.Shape()
	tensor.SoftmaxInPlace(scores, len(scores))

	alignment := make([]float32, shape[0])
	copy(alignment[lo:lo+len(scores)], scores)

	context := make([]float32, shape[1])

	for j, p := range scores {
		if p == 0 {
			continue
		}

		row, err := memory.Row(int64(lo + j))
		if err != nil {
			return nil, nil, err
		}

		for d, v := range row {
			context[d] += p * v
		}
	}

	return alignment, context, nil
}

// windowConvFeatures convolves the previous alignment with a [C, 1, k]
// filter bank, evaluated only at window positions [lo, hi]. The returned
// tensor is [C, hi-lo+1] with same-padding semantics; alignment values
// outside [0, T_enc) read as zero.
func windowConvFeatures(prevAlignment []float32, kernel *tensor.Tensor, lo, hi int) (*tensor.Tensor, error) {
	kShape := kernel.Shape()
	if len(kShape) != 3 || kShape[1] != 1 {
		return nil, fmt.Errorf("native: alignment filter must be [C, 1, k], got %v", kShape)
	}

	pad := int(kShape[2]-1) / 2
	span := hi - lo + 1

	region := make([]float32, span+2*pad)
	for j := range region {
		idx := lo - pad + j
		if idx >= 0 && idx < len(prevAlignment) {
			region[j] = prevAlignment[idx]
		}
	}

	input, err := tensor.New(region, []int64{1, 1, int64(len(region))})
	if err != nil {
		return nil, err
	}

	out, err := ops.Conv1D(input, kernel, nil, 1, 0, 1, 1)
	if err != nil {
		return nil, err
	}

	return out.Reshape([]int64{kShape[0], int64(span)})
}

// LocationSensitiveAttention scores window positions from a static
// convolution over the previous alignment combined with a content term from
// the query.
type LocationSensitiveAttention struct {
	QueryProj    *Linear        // [attn_dim, query_dim]
	LocationConv *tensor.Tensor // [filters, 1, kernel_size]
	LocationProj *Linear        // [attn_dim, filters]
	V            *Linear        // [1, attn_dim]

	WindowWidth int
}

func loadLocationSensitiveAttention(vb *VarBuilder, windowWidth int) (*LocationSensitiveAttention, error) {
	queryProj, err := loadLinear(vb, "query_proj", true)
	if err != nil {
		return nil, err
	}

	conv, err := vb.Tensor("location_conv.weight")
	if err != nil {
		return nil, err
	}

	locationProj, err := loadLinear(vb, "location_proj", false)
	if err != nil {
		return nil, err
	}

	v, err := loadLinear(vb, "v", false)
	if err != nil {
		return nil, err
	}

	return &LocationSensitiveAttention{
		QueryProj:    queryProj,
		LocationConv: conv,
		LocationProj: locationProj,
		V:            v,
		WindowWidth:  windowWidth,
	}, nil
}

func (a *LocationSensitiveAttention) Step(query, prevAlignment []float32, memory *tensor.Tensor) ([]float32, []float32, error) {
	if _, _, err := validateAttentionInputs(prevAlignment, memory); err != nil {
		return nil, nil, err
	}

	lo, hi := attentionWindow(prevAlignment, a.WindowWidth)

	feats, err := windowConvFeatures(prevAlignment, a.LocationConv, lo, hi)
	if err != nil {
		return nil, nil, err
	}

	attnDim := int(a.QueryProj.OutDim())

	queryTerm := make([]float32, attnDim)
	if err := a.QueryProj.ForwardVec(queryTerm, query); err != nil {
		return nil, nil, err
	}

	span := hi - lo + 1
	filters := int(a.LocationProj.InDim())
	featsData := feats.RawData()

	featVec := make([]float32, filters)
	locTerm := make([]float32, attnDim)
	hidden := make([]float32, attnDim)
	scores := make([]float32, span)
	vOut := make([]float32, 1)

	for j := range span {
		for c := range filters {
			featVec[c] = featsData[c*span+j]
		}

		if err := a.LocationProj.ForwardVec(locTerm, featVec); err != nil {
			return nil, nil, err
		}

		for k := range attnDim {
			hidden[k] = tanhf(queryTerm[k] + locTerm[k])
		}

		if err := a.V.ForwardVec(vOut, hidden); err != nil {
			return nil, nil, err
		}

		scores[j] = vOut[0]
	}

	return finalizeAlignment(scores, lo, memory)
}

// Defaults for the dynamic convolution attention prior, matching the usual
// beta-binomial parameterization that biases the alignment to advance by
// about one memory position per step.
const (
	DefaultPriorLength = 11
	DefaultPriorAlpha  = 0.1
	DefaultPriorBeta   = 0.9
)

// DynamicConvolutionAttention scores window positions from three terms: a
// causal beta-binomial prior filter over the previous alignment, a static
// filter bank, and a dynamic filter bank predicted from the query.
type DynamicConvolutionAttention struct {
	QueryProj    *Linear        // [attn_dim, query_dim]
	KeyProj      *Linear        // [dynamic_channels * dynamic_kernel_size, attn_dim]
	StaticFilter *tensor.Tensor // [static_channels, 1, static_kernel_size]
	StaticProj   *Linear        // [attn_dim, static_channels]
	DynamicProj  *Linear        // [attn_dim, dynamic_channels]
	V            *Linear        // [1, attn_dim]

	// priorFlipped is the beta-binomial shift prior with the zero-shift tap
	// last, ready for causal convolution.
	priorFlipped []float32

	DynamicChannels   int
	DynamicKernelSize int
	WindowWidth       int
}

// DCAConfig parameterizes the attention prior and window.
type DCAConfig struct {
	PriorLength int
	PriorAlpha  float64
	PriorBeta   float64
	WindowWidth int
}

func (c DCAConfig) withDefaults() DCAConfig {
	if c.PriorLength <= 0 {
		c.PriorLength = DefaultPriorLength
	}

	if c.PriorAlpha <= 0 {
		c.PriorAlpha = DefaultPriorAlpha
	}

	if c.PriorBeta <= 0 {
		c.PriorBeta = DefaultPriorBeta
	}

	return c
}

func loadDynamicConvolutionAttention(vb *VarBuilder, cfg DCAConfig) (*DynamicConvolutionAttention, error) {
	cfg = cfg.withDefaults()

	queryProj, err := loadLinear(vb, "query_proj", true)
	if err != nil {
		return nil, err
	}

	keyProj, err := loadLinear(vb, "key_proj", false)
	if err != nil {
		return nil, err
	}

	static, err := vb.Tensor("static_filter.weight")
	if err != nil {
		return nil, err
	}

	staticProj, err := loadLinear(vb, "static_proj", false)
	if err != nil {
		return nil, err
	}

	dynamicProj, err := loadLinear(vb, "dynamic_proj", true)
	if err != nil {
		return nil, err
	}

	v, err := loadLinear(vb, "v", false)
	if err != nil {
		return nil, err
	}

	dca := &DynamicConvolutionAttention{
		QueryProj:    queryProj,
		KeyProj:      keyProj,
		StaticFilter: static,
		StaticProj:   staticProj,
		DynamicProj:  dynamicProj,
		V:            v,
		WindowWidth:  cfg.WindowWidth,
	}

	if err := dca.Init(cfg); err != nil {
		return nil, err
	}

	return dca, nil
}

// Init derives the dynamic kernel split and prior filter from cfg. Must be
// called once after the projection fields are set.
func (a *DynamicConvolutionAttention) Init(cfg DCAConfig) error {
	cfg = cfg.withDefaults()

	channels := int(a.DynamicProj.InDim())
	keyOut := int(a.KeyProj.OutDim())

	if channels <= 0 || keyOut%channels != 0 {
		return fmt.Errorf("native: key_proj out dim %d is not a multiple of dynamic channels %d", keyOut, channels)
	}

	a.DynamicChannels = channels
	a.DynamicKernelSize = keyOut / channels

	if a.DynamicKernelSize%2 == 0 {
		return fmt.Errorf("native: dynamic kernel size %d must be odd", a.DynamicKernelSize)
	}

	prior := BetaBinomialPrior(cfg.PriorLength, cfg.PriorAlpha, cfg.PriorBeta)

	a.priorFlipped = make([]float32, len(prior))
	for i, p := range prior {
		a.priorFlipped[len(prior)-1-i] = p
	}

	a.WindowWidth = cfg.WindowWidth

	return nil
}

// BetaBinomialPrior returns the beta-binomial pmf over shifts 0..length-1
// with n = length-1 trials. Index k is the probability of the alignment
// advancing k positions in one step.
func BetaBinomialPrior(length int, alpha, beta float64) []float32 {
	n := float64(length - 1)

	pmf := make([]float32, length)
	for k := range length {
		kf := float64(k)

		logC := lgamma(n+1) - lgamma(kf+1) - lgamma(n-kf+1)
		logB := lgamma(kf+alpha) + lgamma(n-kf+beta) - lgamma(n+alpha+beta)
		logBase := lgamma(alpha+beta) - lgamma(alpha) - lgamma(beta)

		pmf[k] = float32(math.Exp(logC + logB + logBase))
	}

	return pmf
}

func (a *DynamicConvolutionAttention) Step(query, prevAlignment []float32, memory *tensor.Tensor) ([]float32, []float32, error) {
	if _, _, err := validateAttentionInputs(prevAlignment, memory); err != nil {
		return nil, nil, err
	}

	if len(a.priorFlipped) == 0 {
		return nil, nil, fmt.Errorf("native: dynamic convolution attention not initialized")
	}

	lo, hi := attentionWindow(prevAlignment, a.WindowWidth)
	span := hi - lo + 1

	logPrior, err := a.windowLogPrior(prevAlignment, lo, hi)
	if err != nil {
		return nil, nil, err
	}

	dynamicKernel, err := a.dynamicKernel(query)
	if err != nil {
		return nil, nil, err
	}

	staticFeats, err := windowConvFeatures(prevAlignment, a.StaticFilter, lo, hi)
	if err != nil {
		return nil, nil, err
	}

	dynamicFeats, err := windowConvFeatures(prevAlignment, dynamicKernel, lo, hi)
	if err != nil {
		return nil, nil, err
	}

	attnDim := int(a.StaticProj.OutDim())
	staticChannels := int(a.StaticProj.InDim())
	staticData := staticFeats.RawData()
	dynamicData := dynamicFeats.RawData()

	staticVec := make([]float32, staticChannels)
	dynamicVec := make([]float32, a.DynamicChannels)
	staticTerm := make([]float32, attnDim)
	dynamicTerm := make([]float32, attnDim)
	hidden := make([]float32, attnDim)
	scores := make([]float32, span)
	vOut := make([]float32, 1)

	for j := range span {
		for c := range staticChannels {
			staticVec[c] = staticData[c*span+j]
		}

		for c := range a.DynamicChannels {
			dynamicVec[c] = dynamicData[c*span+j]
		}

		if err := a.StaticProj.ForwardVec(staticTerm, staticVec); err != nil {
			return nil, nil, err
		}

		if err := a.DynamicProj.ForwardVec(dynamicTerm, dynamicVec); err != nil {
			return nil, nil, err
		}

		for k := range attnDim {
			hidden[k] = tanhf(staticTerm[k] + dynamicTerm[k])
		}

		if err := a.V.ForwardVec(vOut, hidden); err != nil {
			return nil, nil, err
		}

		scores[j] = vOut[0] + logPrior[j]
	}

	return finalizeAlignment(scores, lo, memory)
}

// windowLogPrior causally convolves the previous alignment with the shift
// prior and returns log values for window positions [lo, hi]. The filter only
// looks backwards, so the prior can push mass forward but never anticipate
// future positions.
func (a *DynamicConvolutionAttention) windowLogPrior(prevAlignment []float32, lo, hi int) ([]float32, error) {
	n := len(a.priorFlipped)

	start := max(lo-n+1, 0)
	conv := ops.CausalConv1DVec(prevAlignment[start:hi+1], a.priorFlipped)

	span := hi - lo + 1
	out := make([]float32, span)

	for j := range span {
		p := conv[len(conv)-span+j]
		if p < 1e-6 {
			p = 1e-6
		}

		out[j] = float32(math.Log(float64(p)))
	}

	return out, nil
}

// dynamicKernel predicts a [channels, 1, k] filter bank from the query.
func (a *DynamicConvolutionAttention) dynamicKernel(query []float32) (*tensor.Tensor, error) {
	attnDim := int(a.QueryProj.OutDim())

	projected := make([]float32, attnDim)
	if err := a.QueryProj.ForwardVec(projected, query); err != nil {
		return nil, err
	}

	for i, v := range projected {
		projected[i] = tanhf(v)
	}

	flat := make([]float32, a.DynamicChannels*a.DynamicKernelSize)
	if err := a.KeyProj.ForwardVec(flat, projected); err != nil {
		return nil, err
	}

	return tensor.New(flat, []int64{int64(a.DynamicChannels), 1, int64(a.DynamicKernelSize)})
}

func tanhf(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)

	return v
}
