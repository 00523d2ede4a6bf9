package native

import (
	"errors"
	"fmt"

	"github.com/example/go-tacornn/internal/runtime/ops"
	"github.com/example/go-tacornn/internal/runtime/tensor"
)

type Linear struct {
	Weight *tensor.Tensor // [out, in]
	Bias   *tensor.Tensor // optional [out]
}

func loadLinear(vb *VarBuilder, name string, withBias bool) (*Linear, error) {
	w, err := vb.Tensor(name + ".weight")
	if err != nil {
		return nil, err
	}

	if len(w.Shape()) != 2 {
		return nil, fmt.Errorf("native: linear %q weight must be rank-2, got %v", name, w.Shape())
	}
	var b *tensor.Tensor

	if withBias {
		t, ok, err := vb.TensorMaybe(name + ".bias")
		if err != nil {
			return nil, err
		}

		if ok {
			if len(t.Shape()) != 1 || t.Shape()[0] != w.Shape()[0] {
				return nil, fmt.Errorf("native: linear %q bias shape %v incompatible with weight %v", name, t.Shape(), w.Shape())
			}

			b = t
		}
	}

	return &Linear{Weight: w, Bias: b}, nil
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("native: linear is not initialized")
	}

	return tensor.Linear(x, l.Weight, l.Bias)
}

// ForwardVec applies the projection to a flat input vector, writing into dst.
// len(dst) must equal OutDim and len(x) must equal InDim.
func (l *Linear) ForwardVec(dst, x []float32) error {
	if l == nil || l.Weight == nil {
		return errors.New("native: linear is not initialized")
	}

	shape := l.Weight.Shape()
	if int64(len(x)) != shape[1] || int64(len(dst)) != shape[0] {
		return fmt.Errorf("native: linear vec dims [%d->%d] do not match weight %v", len(x), len(dst), shape)
	}

	var bias []float32
	if l.Bias != nil {
		bias = l.Bias.RawData()
	}

	tensor.LinearVec(dst, x, l.Weight.RawData(), bias)

	return nil
}

func (l *Linear) OutDim() int64 {
	if l == nil || l.Weight == nil {
		return 0
	}

	return l.Weight.Shape()[0]
}

func (l *Linear) InDim() int64 {
	if l == nil || l.Weight == nil {
		return 0
	}

	return l.Weight.Shape()[1]
}

// loadLSTMCell reads weight_ih/weight_hh and optional bias_ih/bias_hh
// tensors under name.
func loadLSTMCell(vb *VarBuilder, name string) (*ops.LSTMCell, error) {
	wih, err := vb.Tensor(name + ".weight_ih")
	if err != nil {
		return nil, err
	}

	whh, err := vb.Tensor(name + ".weight_hh")
	if err != nil {
		return nil, err
	}

	bih, _, err := vb.TensorMaybe(name + ".bias_ih")
	if err != nil {
		return nil, err
	}

	bhh, _, err := vb.TensorMaybe(name + ".bias_hh")
	if err != nil {
		return nil, err
	}

	cell, err := ops.NewLSTMCell(wih, whh, bih, bhh)
	if err != nil {
		return nil, fmt.Errorf("native: lstm cell %q: %w", name, err)
	}

	return cell, nil
}

// loadGRUCell reads weight_ih/weight_hh and optional bias_ih/bias_hh
// tensors under name.
func loadGRUCell(vb *VarBuilder, name string) (*ops.GRUCell, error) {
	wih, err := vb.Tensor(name + ".weight_ih")
	if err != nil {
		return nil, err
	}

	whh, err := vb.Tensor(name + ".weight_hh")
	if err != nil {
		return nil, err
	}

	bih, _, err := vb.TensorMaybe(name + ".bias_ih")
	if err != nil {
		return nil, err
	}

	bhh, _, err := vb.TensorMaybe(name + ".bias_hh")
	if err != nil {
		return nil, err
	}

	cell, err := ops.NewGRUCell(wih, whh, bih, bhh)
	if err != nil {
		return nil, fmt.Errorf("native: gru cell %q: %w", name, err)
	}

	return cell, nil
}

func reluInPlace(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}
