package ops

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// LSTMCell is a single LSTM step function over flat float32 vectors.
// Weight layout follows the common convention of stacked gates along the
// first axis in i, f, g, o order: wih [4H, in], whh [4H, H], biases [4H].
type LSTMCell struct {
	wih []float32
	whh []float32
	bih []float32
	bhh []float32

	inputSize  int
	hiddenSize int
}

// LSTMState holds the per-sequence hidden and cell vectors for one LSTMCell,
// plus scratch space so a step allocates nothing. States are never shared
// between concurrent sequences.
type LSTMState struct {
	H []float32
	C []float32

	gates  []float32
	gatesH []float32
}

func NewLSTMCell(wih, whh, bih, bhh *tensor.Tensor) (*LSTMCell, error) {
	if wih == nil || whh == nil {
		return nil, errors.New("ops: lstm cell requires non-nil weights")
	}

	wihShape := wih.Shape()
	whhShape := whh.Shape()

	if len(wihShape) != 2 || len(whhShape) != 2 {
		return nil, fmt.Errorf("ops: lstm weights must be rank 2, got %v and %v", wihShape, whhShape)
	}

	if wihShape[0]%4 != 0 {
		return nil, fmt.Errorf("ops: lstm wih first dim %d is not 4*hidden", wihShape[0])
	}

	hidden := wihShape[0] / 4
	if whhShape[0] != 4*hidden || whhShape[1] != hidden {
		return nil, fmt.Errorf("ops: lstm whh shape %v does not match hidden size %d", whhShape, hidden)
	}

	cell := &LSTMCell{
		wih:        wih.RawData(),
		whh:        whh.RawData(),
		inputSize:  int(wihShape[1]),
		hiddenSize: int(hidden),
	}

	if bih != nil {
		if bih.Rank() != 1 || bih.Shape()[0] != 4*hidden {
			return nil, fmt.Errorf("ops: lstm bih shape %v does not match hidden size %d", bih.Shape(), hidden)
		}

		cell.bih = bih.RawData()
	}

	if bhh != nil {
		if bhh.Rank() != 1 || bhh.Shape()[0] != 4*hidden {
			return nil, fmt.Errorf("ops: lstm bhh shape %v does not match hidden size %d", bhh.Shape(), hidden)
		}

		cell.bhh = bhh.RawData()
	}

	return cell, nil
}

func (c *LSTMCell) InputSize() int  { return c.inputSize }
func (c *LSTMCell) HiddenSize() int { return c.hiddenSize }

// NewState returns a zeroed state for one sequence.
func (c *LSTMCell) NewState() *LSTMState {
	return &LSTMState{
		H:      make([]float32, c.hiddenSize),
		C:      make([]float32, c.hiddenSize),
		gates:  make([]float32, 4*c.hiddenSize),
		gatesH: make([]float32, 4*c.hiddenSize),
	}
}

// Step advances the state by one input vector. len(x) must equal InputSize.
func (c *LSTMCell) Step(x []float32, st *LSTMState) error {
	if len(x) != c.inputSize {
		return fmt.Errorf("ops: lstm input length %d, want %d", len(x), c.inputSize)
	}

	if st == nil || len(st.H) != c.hiddenSize {
		return errors.New("ops: lstm state does not match cell")
	}

	tensor.LinearVec(st.gates, x, c.wih, c.bih)
	tensor.LinearVec(st.gatesH, st.H, c.whh, c.bhh)

	h := c.hiddenSize
	for j := range h {
		i := sigmoid(st.gates[j] + st.gatesH[j])
		f := sigmoid(st.gates[h+j] + st.gatesH[h+j])
		g := tanh(st.gates[2*h+j] + st.gatesH[2*h+j])
		o := sigmoid(st.gates[3*h+j] + st.gatesH[3*h+j])

		st.C[j] = f*st.C[j] + i*g
		st.H[j] = o * tanh(st.C[j])
	}

	return nil
}

// GRUCell is a single GRU step function with stacked r, z, n gates:
// wih [3H, in], whh [3H, H], biases [3H].
type GRUCell struct {
	wih []float32
	whh []float32
	bih []float32
	bhh []float32

	inputSize  int
	hiddenSize int
}

// GRUState holds the hidden vector and scratch for one GRUCell sequence.
type GRUState struct {
	H []float32

	gates  []float32
	gatesH []float32
}

func NewGRUCell(wih, whh, bih, bhh *tensor.Tensor) (*GRUCell, error) {
	if wih == nil || whh == nil {
		return nil, errors.New("ops: gru cell requires non-nil weights")
	}

	wihShape := wih.Shape()
	whhShape := whh.Shape()

	if len(wihShape) != 2 || len(whhShape) != 2 {
		return nil, fmt.Errorf("ops: gru weights must be rank 2, got %v and %v", wihShape, whhShape)
	}

	if wihShape[0]%3 != 0 {
		return nil, fmt.Errorf("ops: gru wih first dim %d is not 3*hidden", wihShape[0])
	}

	hidden := wihShape[0] / 3
	if whhShape[0] != 3*hidden || whhShape[1] != hidden {
		return nil, fmt.Errorf("ops: gru whh shape %v does not match hidden size %d", whhShape, hidden)
	}

	cell := &GRUCell{
		wih:        wih.RawData(),
		whh:        whh.RawData(),
		inputSize:  int(wihShape[1]),
		hiddenSize: int(hidden),
	}

	if bih != nil {
		if bih.Rank() != 1 || bih.Shape()[0] != 3*hidden {
			return nil, fmt.Errorf("ops: gru bih shape %v does not match hidden size %d", bih.Shape(), hidden)
		}

		cell.bih = bih.RawData()
	}

	if bhh != nil {
		if bhh.Rank() != 1 || bhh.Shape()[0] != 3*hidden {
			return nil, fmt.Errorf("ops: gru bhh shape %v does not match hidden size %d", bhh.Shape(), hidden)
		}

		cell.bhh = bhh.RawData()
	}

	return cell, nil
}

func (c *GRUCell) InputSize() int  { return c.inputSize }
func (c *GRUCell) HiddenSize() int { return c.hiddenSize }

// NewState returns a zeroed state for one sequence.
func (c *GRUCell) NewState() *GRUState {
	return &GRUState{
		H:      make([]float32, c.hiddenSize),
		gates:  make([]float32, 3*c.hiddenSize),
		gatesH: make([]float32, 3*c.hiddenSize),
	}
}

// Reset zeroes the hidden vector so the state can be reused for a new
// sequence without reallocating.
func (st *GRUState) Reset() {
	for i := range st.H {
		st.H[i] = 0
	}
}

// Step advances the state by one input vector. len(x) must equal InputSize.
func (c *GRUCell) Step(x []float32, st *GRUState) error {
	if len(x) != c.inputSize {
		return fmt.Errorf("ops: gru input length %d, want %d", len(x), c.inputSize)
	}

	if st == nil || len(st.H) != c.hiddenSize {
		return errors.New("ops: gru state does not match cell")
	}

	tensor.LinearVec(st.gates, x, c.wih, c.bih)
	tensor.LinearVec(st.gatesH, st.H, c.whh, c.bhh)

	h := c.hiddenSize
	for j := range h {
		r := sigmoid(st.gates[j] + st.gatesH[j])
		z := sigmoid(st.gates[h+j] + st.gatesH[h+j])
		n := tanh(st.gates[2*h+j] + r*st.gatesH[2*h+j])

		st.H[j] = (1-z)*n + z*st.H[j]
	}

	return nil
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

func tanh(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}
