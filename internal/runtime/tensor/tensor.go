package tensor

import (
	"errors"
	"fmt"
	"math"
)

// Tensor is a dense, row-major float32 tensor used by the native synthesis
// path.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	s := append([]int64(nil), shape...)
	d := append([]float32(nil), data...)

	return &Tensor{shape: s, data: d}, nil
}

// newOwned creates a Tensor taking ownership of the provided data and shape
// slices without copying. The caller must not retain or modify data or shape
// after this call. len(data) must equal the product of shape elements; this is
// the caller's responsibility and is not validated here.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// Full creates a tensor filled with value.
func Full(shape []int64, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}

	for i := range t.data {
		t.data[i] = value
	}

	return t, nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	dup, _ := New(t.data, t.shape)

	return dup
}

// Reshape returns a tensor with a new shape and copied values.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return &Tensor{shape: append([]int64(nil), shape...), data: append([]float32(nil), t.data...)}, nil
}

// Row returns row i of a rank-2 tensor as a read-only slice of the backing
// data. No copy is made.
func (t *Tensor) Row(i int64) ([]float32, error) {
	if t == nil {
		return nil, errors.New("tensor: row on nil tensor")
	}

	if len(t.shape) != 2 {
		return nil, fmt.Errorf("tensor: row requires rank 2, got %d", len(t.shape))
	}

	if i < 0 || i >= t.shape[0] {
		return nil, fmt.Errorf("tensor: row %d out of range for %d rows", i, t.shape[0])
	}

	w := t.shape[1]

	return t.data[i*w : (i+1)*w], nil
}

// Concat concatenates rank-1 or rank-2 tensors along dim 0.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	rank := len(first.shape)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	if dim != 0 {
		return nil, fmt.Errorf("tensor: concat supports dim 0, got %d", dim)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[0] = 0
	total := 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}

		for d := 1; d < rank; d++ {
			if t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, first.shape, d)
			}
		}

		outShape[0] += t.shape[0]
		total += len(t.data)
	}

	data := make([]float32, 0, total)
	for _, t := range tensors {
		data = append(data, t.data...)
	}

	return newOwned(data, outShape), nil
}

// Softmax applies softmax along the last dimension.
func Softmax(x *Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	if len(x.shape) == 0 {
		return nil, errors.New("tensor: softmax requires rank >= 1")
	}

	axis := x.shape[len(x.shape)-1]
	if axis <= 0 {
		return nil, fmt.Errorf("tensor: softmax axis dimension must be > 0, got %d", axis)
	}

	out := x.Clone()
	SoftmaxInPlace(out.data, int(axis))

	return out, nil
}

// SoftmaxInPlace applies softmax over consecutive runs of axis elements.
// len(data) must be a multiple of axis.
func SoftmaxInPlace(data []float32, axis int) {
	for base := 0; base+axis <= len(data); base += axis {
		run := data[base : base+axis]

		maxV := float32(math.Inf(-1))
		for _, v := range run {
			if v > maxV {
				maxV = v
			}
		}

		if math.IsInf(float64(maxV), -1) {
			// Every score is -Inf; exp would produce NaN. Fall back to uniform.
			inv := float32(1.0 / float64(axis))
			for i := range run {
				run[i] = inv
			}

			continue
		}

		var sum float64
		for i, v := range run {
			e := math.Exp(float64(v - maxV))
			run[i] = float32(e)
			sum += e
		}

		if sum == 0 {
			// All mass underflowed; fall back to uniform.
			inv := float32(1.0 / float64(axis))
			for i := range run {
				run[i] = inv
			}

			continue
		}

		inv := float32(1.0 / sum)
		for i := range run {
			run[i] *= inv
		}
	}
}

// Linear applies y = x * W^T + b where weight shape is [out, in].
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() < 1 {
		return nil, errors.New("tensor: linear requires x rank >= 1")
	}

	if weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear weight must be rank 2, got %d", weight.Rank())
	}

	in := x.shape[x.Rank()-1]

	out := weight.shape[0]
	if weight.shape[1] != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil {
		if bias.Rank() != 1 || bias.shape[0] != out {
			return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, out)
		}
	}

	batch := len(x.data) / int(in)
	outData := make([]float32, batch*int(out))
	inI := int(in)
	outI := int(out)

	wData := weight.data
	for bIdx := range batch {
		xSlice := x.data[bIdx*inI : bIdx*inI+inI]

		yBase := bIdx * outI
		for o := range outI {
			sum := dotF32(xSlice, wData[o*inI:(o+1)*inI])
			if bias != nil {
				sum += bias.data[o]
			}

			outData[yBase+o] = sum
		}
	}

	outShape := make([]int64, x.Rank())
	copy(outShape, x.shape[:x.Rank()-1])
	outShape[x.Rank()-1] = out

	return newOwned(outData, outShape), nil
}

// LinearVec applies y = W*x + b over flat slices; weight is row-major
// [out, in]. The hot path for per-step RNN projections, avoiding Tensor
// allocation inside the generation loops.
func LinearVec(dst, x, weight, bias []float32) {
	in := len(x)
	for o := range dst {
		sum := dotF32(x, weight[o*in:(o+1)*in])
		if bias != nil {
			sum += bias[o]
		}

		dst[o] = sum
	}
}

func dotF32(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}

	return sum
}
