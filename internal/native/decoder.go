package native

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/go-tacornn/internal/runtime/ops"
	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// Default termination parameters for the decoder loop.
const (
	DefaultStopThreshold   = 0.5
	DefaultMaxDecoderSteps = 1000
)

// DecoderConfig controls one decoder loop invocation.
type DecoderConfig struct {
	StopThreshold float32 // sigmoid(stop logit) above this ends generation
	MaxSteps      int     // hard step cap; reaching it sets Truncated

	// EntropyBound enables the attention health check when > 0: if the
	// alignment entropy exceeds it, the loop warns (or fails when
	// StrictAttention is set).
	EntropyBound    float64
	StrictAttention bool
}

func (c DecoderConfig) withDefaults() DecoderConfig {
	if c.StopThreshold <= 0 {
		c.StopThreshold = DefaultStopThreshold
	}

	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxDecoderSteps
	}

	return c
}

// Decoder runs the autoregressive mel generation loop: prenet over the
// previous frame, attention RNN, location-relative attention, decoder RNN,
// then frame and stop projections.
type Decoder struct {
	prenet1 *Linear // [prenet_dim, n_mels]
	prenet2 *Linear // [prenet_dim, prenet_dim]

	attnRNN *ops.LSTMCell // input: prenet_dim + ctx_dim
	decRNN  *ops.LSTMCell // input: attn_hidden + ctx_dim

	frameProj *Linear // [n_mels, dec_hidden + ctx_dim]
	stopProj  *Linear // [1, dec_hidden + ctx_dim]

	attention Attention

	nMels  int
	ctxDim int
}

type decoderPhase int

const (
	decoderInit decoderPhase = iota
	decoderGenerating
	decoderStopped
)

// DecoderState threads the recurrent state of one utterance between steps.
// States are independent: concurrent utterances each get their own.
type DecoderState struct {
	attnState *ops.LSTMState
	decState  *ops.LSTMState

	alignment []float32
	context   []float32
	prevFrame []float32

	phase decoderPhase
	steps int

	// step scratch, reused every iteration
	prenetA []float32
	prenetB []float32
	attnIn  []float32
	decIn   []float32
	projIn  []float32
	frame   []float32
	stop    []float32
}

// DecoderResult is the outcome of a full decoder loop run.
type DecoderResult struct {
	// Frames is the generated mel-spectrogram, [steps, n_mels].
	Frames *tensor.Tensor

	// StopProbs records sigmoid(stop logit) per step.
	StopProbs []float32

	// Alignments records the alignment at every step, for diagnostics.
	Alignments [][]float32

	// Truncated is set when generation hit MaxSteps before the stop token
	// fired. This is a flagged partial result, not an error.
	Truncated bool
}

// NewDecoder wires the decoder layers together, validating that the
// projection and cell dimensions agree.
func NewDecoder(attention Attention, prenet1, prenet2 *Linear, attnRNN, decRNN *ops.LSTMCell, frameProj, stopProj *Linear) (*Decoder, error) {
	if attention == nil {
		return nil, errors.New("native: decoder requires an attention strategy")
	}

	if prenet1 == nil || prenet2 == nil || attnRNN == nil || decRNN == nil || frameProj == nil || stopProj == nil {
		return nil, errors.New("native: decoder requires all layers")
	}

	nMels := int(frameProj.OutDim())
	if int(prenet1.InDim()) != nMels {
		return nil, fmt.Errorf("native: prenet input dim %d does not match n_mels %d", prenet1.InDim(), nMels)
	}

	if prenet2.InDim() != prenet1.OutDim() {
		return nil, fmt.Errorf("native: prenet layer dims %d -> %d do not chain", prenet1.OutDim(), prenet2.InDim())
	}

	ctxDim := attnRNN.InputSize() - int(prenet2.OutDim())
	if ctxDim <= 0 {
		return nil, fmt.Errorf("native: attention rnn input %d too small for prenet out %d", attnRNN.InputSize(), prenet2.OutDim())
	}

	if decRNN.InputSize() != attnRNN.HiddenSize()+ctxDim {
		return nil, fmt.Errorf("native: decoder rnn input %d, want attn hidden %d + ctx %d", decRNN.InputSize(), attnRNN.HiddenSize(), ctxDim)
	}

	projIn := int64(decRNN.HiddenSize() + ctxDim)
	if frameProj.InDim() != projIn || stopProj.InDim() != projIn {
		return nil, fmt.Errorf("native: projection input dims (%d, %d) do not match dec hidden + ctx %d", frameProj.InDim(), stopProj.InDim(), projIn)
	}

	if stopProj.OutDim() != 1 {
		return nil, fmt.Errorf("native: stop projection must emit a scalar, got %d", stopProj.OutDim())
	}

	return &Decoder{
		prenet1:   prenet1,
		prenet2:   prenet2,
		attnRNN:   attnRNN,
		decRNN:    decRNN,
		frameProj: frameProj,
		stopProj:  stopProj,
		attention: attention,
		nMels:     nMels,
		ctxDim:    ctxDim,
	}, nil
}

func loadDecoder(vb *VarBuilder, attention Attention) (*Decoder, error) {
	prenet1, err := loadLinear(vb, "prenet.fc1", true)
	if err != nil {
		return nil, err
	}

	prenet2, err := loadLinear(vb, "prenet.fc2", true)
	if err != nil {
		return nil, err
	}

	attnRNN, err := loadLSTMCell(vb, "attn_rnn")
	if err != nil {
		return nil, err
	}

	decRNN, err := loadLSTMCell(vb, "dec_rnn")
	if err != nil {
		return nil, err
	}

	frameProj, err := loadLinear(vb, "frame_proj", true)
	if err != nil {
		return nil, err
	}

	stopProj, err := loadLinear(vb, "stop_proj", true)
	if err != nil {
		return nil, err
	}

	return NewDecoder(attention, prenet1, prenet2, attnRNN, decRNN, frameProj, stopProj)
}

func (d *Decoder) NMels() int { return d.nMels }

// NewState creates the per-utterance decoder state: zeroed recurrent
// vectors, an impulse alignment at index 0, and an all-zero go frame.
func (d *Decoder) NewState(memory *tensor.Tensor) (*DecoderState, error) {
	if memory == nil || memory.Rank() != 2 || memory.Shape()[0] == 0 {
		return nil, ErrEmptyMemory
	}

	tEnc, dim := memory.Shape()[0], memory.Shape()[1]
	if int64(d.ctxDim) != dim {
		return nil, fmt.Errorf("native: memory width %d does not match attention context dim %d", dim, d.ctxDim)
	}

	prenetDim := int(d.prenet2.OutDim())

	return &DecoderState{
		attnState: d.attnRNN.NewState(),
		decState:  d.decRNN.NewState(),
		alignment: ImpulseAlignment(int(tEnc)),
		context:   make([]float32, d.ctxDim),
		prevFrame: make([]float32, d.nMels),
		phase:     decoderInit,
		prenetA:   make([]float32, int(d.prenet1.OutDim())),
		prenetB:   make([]float32, prenetDim),
		attnIn:    make([]float32, prenetDim+d.ctxDim),
		decIn:     make([]float32, d.attnRNN.HiddenSize()+d.ctxDim),
		projIn:    make([]float32, d.decRNN.HiddenSize()+d.ctxDim),
		frame:     make([]float32, d.nMels),
		stop:      make([]float32, 1),
	}, nil
}

// step advances the loop by one frame. input is the previous mel frame
// (the state's own last prediction during inference, or a ground-truth
// frame when teacher forcing).
func (d *Decoder) step(st *DecoderState, memory *tensor.Tensor, input []float32) (stopProb float32, err error) {
	st.phase = decoderGenerating

	if err := d.prenet1.ForwardVec(st.prenetA, input); err != nil {
		return 0, err
	}

	reluInPlace(st.prenetA)

	if err := d.prenet2.ForwardVec(st.prenetB, st.prenetA); err != nil {
		return 0, err
	}

	reluInPlace(st.prenetB)

	copy(st.attnIn, st.prenetB)
	copy(st.attnIn[len(st.prenetB):], st.context)

	if err := d.attnRNN.Step(st.attnIn, st.attnState); err != nil {
		return 0, err
	}

	alignment, context, err := d.attention.Step(st.attnState.H, st.alignment, memory)
	if err != nil {
		return 0, err
	}

	st.alignment = alignment
	copy(st.context, context)

	copy(st.decIn, st.attnState.H)
	copy(st.decIn[d.attnRNN.HiddenSize():], st.context)

	if err := d.decRNN.Step(st.decIn, st.decState); err != nil {
		return 0, err
	}

	copy(st.projIn, st.decState.H)
	copy(st.projIn[d.decRNN.HiddenSize():], st.context)

	if err := d.frameProj.ForwardVec(st.frame, st.projIn); err != nil {
		return 0, err
	}

	if err := d.stopProj.ForwardVec(st.stop, st.projIn); err != nil {
		return 0, err
	}

	copy(st.prevFrame, st.frame)
	st.steps++

	return sigmoidf(st.stop[0]), nil
}

// Infer runs the full autoregressive loop until the stop token fires or the
// step cap is reached. Exceeding the cap truncates and flags the result, it
// never fails.
func (d *Decoder) Infer(memory *tensor.Tensor, cfg DecoderConfig) (*DecoderResult, error) {
	cfg = cfg.withDefaults()

	st, err := d.NewState(memory)
	if err != nil {
		return nil, err
	}

	frames := make([]float32, 0, cfg.MaxSteps*d.nMels)
	stopProbs := make([]float32, 0, cfg.MaxSteps)
	alignments := make([][]float32, 0, cfg.MaxSteps)
	truncated := false

	for {
		stopProb, err := d.step(st, memory, st.prevFrame)
		if err != nil {
			return nil, err
		}

		frames = append(frames, st.frame...)
		stopProbs = append(stopProbs, stopProb)
		alignments = append(alignments, st.alignment)

		if cfg.EntropyBound > 0 {
			if entropy := AlignmentEntropy(st.alignment); entropy > cfg.EntropyBound {
				if cfg.StrictAttention {
					return nil, fmt.Errorf("%w: entropy %.3f exceeds bound %.3f at step %d", ErrAttentionDiverged, entropy, cfg.EntropyBound, st.steps)
				}

				slog.Warn("attention entropy above bound", "step", st.steps, "entropy", entropy, "bound", cfg.EntropyBound)
			}
		}

		if stopProb > cfg.StopThreshold {
			st.phase = decoderStopped

			slog.Debug("stop token fired", "step", st.steps, "stop_prob", stopProb)

			break
		}

		if st.steps >= cfg.MaxSteps {
			st.phase = decoderStopped
			truncated = true

			slog.Debug("decoder step cap reached", "max_steps", cfg.MaxSteps)

			break
		}
	}

	mel, err := tensor.New(frames, []int64{int64(st.steps), int64(d.nMels)})
	if err != nil {
		return nil, err
	}

	slog.Info("decoder loop complete", "frames", st.steps, "truncated", truncated)

	return &DecoderResult{
		Frames:     mel,
		StopProbs:  stopProbs,
		Alignments: alignments,
		Truncated:  truncated,
	}, nil
}

// TeacherForce runs the loop feeding ground-truth frames as step inputs
// instead of the loop's own predictions. Termination conditions do not
// apply: exactly len(targets) frames are produced.
func (d *Decoder) TeacherForce(memory, targets *tensor.Tensor) (*DecoderResult, error) {
	if targets == nil || targets.Rank() != 2 || targets.Shape()[0] == 0 {
		return nil, ErrEmptyMel
	}

	if targets.Shape()[1] != int64(d.nMels) {
		return nil, fmt.Errorf("native: target frame width %d does not match n_mels %d", targets.Shape()[1], d.nMels)
	}

	st, err := d.NewState(memory)
	if err != nil {
		return nil, err
	}

	n := int(targets.Shape()[0])
	frames := make([]float32, 0, n*d.nMels)
	stopProbs := make([]float32, 0, n)
	alignments := make([][]float32, 0, n)

	// The first step consumes the zero go frame, later steps the previous
	// ground-truth frame.
	input := st.prevFrame

	for i := range n {
		stopProb, err := d.step(st, memory, input)
		if err != nil {
			return nil, err
		}

		frames = append(frames, st.frame...)
		stopProbs = append(stopProbs, stopProb)
		alignments = append(alignments, st.alignment)

		input, err = targets.Row(int64(i))
		if err != nil {
			return nil, err
		}
	}

	st.phase = decoderStopped

	mel, err := tensor.New(frames, []int64{int64(n), int64(d.nMels)})
	if err != nil {
		return nil, err
	}

	return &DecoderResult{
		Frames:     mel,
		StopProbs:  stopProbs,
		Alignments: alignments,
	}, nil
}

func sigmoidf(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}
