package tensor

import (
	"math"
	"testing"
)

func mustTensor(t *testing.T, data []float32, shape []int64) *Tensor {
	t.Helper()

	tt, err := New(data, shape)
	if err != nil {
		t.Fatalf("New(%v): %v", shape, err)
	}

	return tt
}

func TestNewRejectsShapeMismatch(t *testing.T) {
	t.Parallel()

	if _, err := New([]float32{1, 2, 3}, []int64{2, 2}); err == nil {
		t.Fatal("expected error for data/shape mismatch")
	}

	if _, err := New(nil, []int64{-1}); err == nil {
		t.Fatal("expected error for negative dimension")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	a := mustTensor(t, []float32{1, 2, 3, 4}, []int64{2, 2})
	b := a.Clone()
	b.RawData()[0] = 99

	if a.RawData()[0] != 1 {
		t.Fatalf("clone shares backing data: %v", a.RawData())
	}
}

func TestReshape(t *testing.T) {
	t.Parallel()

	a := mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})

	b, err := a.Reshape([]int64{3, 2})
	if err != nil {
		t.Fatalf("reshape: %v", err)
	}

	if got := b.Shape(); got[0] != 3 || got[1] != 2 {
		t.Fatalf("reshape shape = %v", got)
	}

	if _, err := a.Reshape([]int64{4, 2}); err == nil {
		t.Fatal("expected error for element count mismatch")
	}
}

func TestRow(t *testing.T) {
	t.Parallel()

	a := mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, []int64{3, 2})

	row, err := a.Row(1)
	if err != nil {
		t.Fatalf("row: %v", err)
	}

	if row[0] != 3 || row[1] != 4 {
		t.Fatalf("row(1) = %v, want [3 4]", row)
	}

	if _, err := a.Row(3); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestConcatDim0(t *testing.T) {
	t.Parallel()

	a := mustTensor(t, []float32{1, 2}, []int64{1, 2})
	b := mustTensor(t, []float32{3, 4, 5, 6}, []int64{2, 2})

	out, err := Concat([]*Tensor{a, b}, 0)
	if err != nil {
		t.Fatalf("concat: %v", err)
	}

	if got := out.Shape(); got[0] != 3 || got[1] != 2 {
		t.Fatalf("concat shape = %v", got)
	}

	want := []float32{1, 2, 3, 4, 5, 6}
	for i, v := range out.RawData() {
		if v != want[i] {
			t.Fatalf("concat data = %v, want %v", out.RawData(), want)
		}
	}
}

func TestSoftmaxSumsToOne(t *testing.T) {
	t.Parallel()

	x := mustTensor(t, []float32{0.1, 2.5, -1, 0, 3, 7}, []int64{2, 3})

	out, err := Softmax(x)
	if err != nil {
		t.Fatalf("softmax: %v", err)
	}

	data := out.RawData()
	for r := range 2 {
		var sum float64
		for c := range 3 {
			v := data[r*3+c]
			if v < 0 {
				t.Fatalf("negative softmax value %v at row %d", v, r)
			}

			sum += float64(v)
		}

		if math.Abs(sum-1) > 1e-5 {
			t.Fatalf("row %d sums to %v, want 1", r, sum)
		}
	}
}

func TestSoftmaxInPlaceUnderflowFallsBackToUniform(t *testing.T) {
	t.Parallel()

	data := []float32{float32(math.Inf(-1)), float32(math.Inf(-1))}
	SoftmaxInPlace(data, 2)

	if data[0] != 0.5 || data[1] != 0.5 {
		t.Fatalf("underflow fallback = %v, want uniform", data)
	}
}

func TestLinear(t *testing.T) {
	t.Parallel()

	x := mustTensor(t, []float32{1, 2, 3}, []int64{1, 3})
	w := mustTensor(t, []float32{
		1, 0, 0,
		0, 1, 1,
	}, []int64{2, 3})
	b := mustTensor(t, []float32{0.5, -0.5}, []int64{2})

	out, err := Linear(x, w, b)
	if err != nil {
		t.Fatalf("linear: %v", err)
	}

	want := []float32{1.5, 4.5}
	for i, v := range out.RawData() {
		if v != want[i] {
			t.Fatalf("linear = %v, want %v", out.RawData(), want)
		}
	}
}

func TestLinearVecMatchesLinear(t *testing.T) {
	t.Parallel()

	x := []float32{0.5, -1, 2}
	w := []float32{
		1, 2, 3,
		-1, 0, 1,
	}
	b := []float32{0.25, -0.25}

	dst := make([]float32, 2)
	LinearVec(dst, x, w, b)

	xt := mustTensor(t, x, []int64{1, 3})
	wt := mustTensor(t, w, []int64{2, 3})
	bt := mustTensor(t, b, []int64{2})

	want, err := Linear(xt, wt, bt)
	if err != nil {
		t.Fatalf("linear: %v", err)
	}

	for i, v := range want.RawData() {
		if math.Abs(float64(dst[i]-v)) > 1e-6 {
			t.Fatalf("LinearVec = %v, want %v", dst, want.RawData())
		}
	}
}
