package ops

import (
	"math"
	"testing"
)

func TestLSTMCellScalarStep(t *testing.T) {
	t.Parallel()

	// hidden=1, input=1, all input weights 1, recurrent weights 0, no bias:
	// i = f = o = sigmoid(1), g = tanh(1)
	// c' = f*0 + i*g, h' = o*tanh(c')
	wih := mustTensorT(t, []float32{1, 1, 1, 1}, []int64{4, 1})
	whh := mustTensorT(t, []float32{0, 0, 0, 0}, []int64{4, 1})

	cell, err := NewLSTMCell(wih, whh, nil, nil)
	if err != nil {
		t.Fatalf("NewLSTMCell: %v", err)
	}

	st := cell.NewState()
	if err := cell.Step([]float32{1}, st); err != nil {
		t.Fatalf("step: %v", err)
	}

	const wantC = 0.5567699
	const wantH = 0.3696114

	if math.Abs(float64(st.C[0])-wantC) > 1e-4 {
		t.Fatalf("c = %v, want %v", st.C[0], wantC)
	}

	if math.Abs(float64(st.H[0])-wantH) > 1e-4 {
		t.Fatalf("h = %v, want %v", st.H[0], wantH)
	}
}

func TestLSTMCellZeroWeightsKeepZeroState(t *testing.T) {
	t.Parallel()

	wih := mustTensorT(t, make([]float32, 4*2*3), []int64{8, 3})
	whh := mustTensorT(t, make([]float32, 4*2*2), []int64{8, 2})

	cell, err := NewLSTMCell(wih, whh, nil, nil)
	if err != nil {
		t.Fatalf("NewLSTMCell: %v", err)
	}

	st := cell.NewState()
	for range 5 {
		if err := cell.Step([]float32{1, -2, 3}, st); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	// tanh(0)*sigmoid(0) terms keep both vectors at zero.
	for i := range st.H {
		if st.H[i] != 0 || st.C[i] != 0 {
			t.Fatalf("state drifted: h=%v c=%v", st.H, st.C)
		}
	}
}

func TestLSTMCellRejectsMismatchedInput(t *testing.T) {
	t.Parallel()

	wih := mustTensorT(t, make([]float32, 8), []int64{4, 2})
	whh := mustTensorT(t, make([]float32, 4), []int64{4, 1})

	cell, err := NewLSTMCell(wih, whh, nil, nil)
	if err != nil {
		t.Fatalf("NewLSTMCell: %v", err)
	}

	if err := cell.Step([]float32{1}, cell.NewState()); err == nil {
		t.Fatal("expected input length error")
	}
}

func TestGRUCellScalarStep(t *testing.T) {
	t.Parallel()

	// hidden=1, input=1, gate rows r=0, z=0, n=1, recurrent weights 0:
	// r = z = sigmoid(0) = 0.5, n = tanh(1), h' = 0.5*tanh(1)
	wih := mustTensorT(t, []float32{0, 0, 1}, []int64{3, 1})
	whh := mustTensorT(t, []float32{0, 0, 0}, []int64{3, 1})

	cell, err := NewGRUCell(wih, whh, nil, nil)
	if err != nil {
		t.Fatalf("NewGRUCell: %v", err)
	}

	st := cell.NewState()
	if err := cell.Step([]float32{1}, st); err != nil {
		t.Fatalf("step: %v", err)
	}

	const want = 0.3807971
	if math.Abs(float64(st.H[0])-want) > 1e-4 {
		t.Fatalf("h = %v, want %v", st.H[0], want)
	}
}

func TestGRUCellUpdateGateCanHoldState(t *testing.T) {
	t.Parallel()

	// Large positive z bias forces z ~= 1, so h' ~= h regardless of input.
	wih := mustTensorT(t, []float32{0, 0, 1}, []int64{3, 1})
	whh := mustTensorT(t, []float32{0, 0, 0}, []int64{3, 1})
	bih := mustTensorT(t, []float32{0, 50, 0}, []int64{3})

	cell, err := NewGRUCell(wih, whh, bih, nil)
	if err != nil {
		t.Fatalf("NewGRUCell: %v", err)
	}

	st := cell.NewState()
	st.H[0] = 0.25

	for range 10 {
		if err := cell.Step([]float32{3}, st); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	if math.Abs(float64(st.H[0])-0.25) > 1e-5 {
		t.Fatalf("h = %v, want held at 0.25", st.H[0])
	}
}

func TestGRUStateReset(t *testing.T) {
	t.Parallel()

	wih := mustTensorT(t, []float32{1, 1, 1}, []int64{3, 1})
	whh := mustTensorT(t, []float32{0, 0, 0}, []int64{3, 1})

	cell, err := NewGRUCell(wih, whh, nil, nil)
	if err != nil {
		t.Fatalf("NewGRUCell: %v", err)
	}

	st := cell.NewState()
	if err := cell.Step([]float32{2}, st); err != nil {
		t.Fatalf("step: %v", err)
	}

	if st.H[0] == 0 {
		t.Fatal("expected nonzero hidden after step")
	}

	st.Reset()

	if st.H[0] != 0 {
		t.Fatalf("reset left hidden %v", st.H[0])
	}
}

func TestGRUCellRejectsBadWeights(t *testing.T) {
	t.Parallel()

	wih := mustTensorT(t, make([]float32, 4), []int64{4, 1})
	whh := mustTensorT(t, make([]float32, 3), []int64{3, 1})

	if _, err := NewGRUCell(wih, whh, nil, nil); err == nil {
		t.Fatal("expected gate layout error")
	}
}
