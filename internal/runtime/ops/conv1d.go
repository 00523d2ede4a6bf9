package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-tacornn/internal/runtime/tensor"
)

// Conv1D performs a deterministic CPU Conv1d.
// input: [batch, in_channels, length]
// kernel: [out_channels, in_channels/groups, kernel_size]
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	if input == nil || kernel == nil {
		return nil, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || groups <= 0 {
		return nil, errors.New("ops: conv1d stride/dilation/groups must be > 0")
	}

	inShape := input.Shape()
	kShape := kernel.Shape()

	if len(inShape) != 3 || len(kShape) != 3 {
		return nil, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", inShape, kShape)
	}

	batch := inShape[0]
	inChannels := inShape[1]
	length := inShape[2]
	outChannels := kShape[0]
	kInChannels := kShape[1]
	kernelSize := kShape[2]

	if inChannels%groups != 0 || outChannels%groups != 0 {
		return nil, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", inChannels, outChannels, groups)
	}

	if kInChannels != inChannels/groups {
		return nil, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", kInChannels, inChannels/groups)
	}

	inPerGroup := inChannels / groups
	outPerGroup := outChannels / groups

	var biasData []float32
	if bias != nil {
		bShape := bias.Shape()
		if len(bShape) != 1 || bShape[0] != outChannels {
			return nil, fmt.Errorf("ops: conv1d bias shape %v does not match out_channels %d", bShape, outChannels)
		}

		biasData = bias.RawData()
	}

	outLength := (length+2*padding-dilation*(kernelSize-1)-1)/stride + 1
	if outLength <= 0 {
		return nil, fmt.Errorf("ops: conv1d produced non-positive output length %d", outLength)
	}

	out, err := tensor.Zeros([]int64{batch, outChannels, outLength})
	if err != nil {
		return nil, err
	}

	inputData := input.RawData()
	kernelData := kernel.RawData()
	outData := out.RawData()

	for b := range batch {
		for oc := range outChannels {
			g := oc / outPerGroup
			inStart := g * inPerGroup

			for ox := range outLength {
				sum := float32(0)
				if biasData != nil {
					sum = biasData[oc]
				}

				for ic := range inPerGroup {
					inC := inStart + ic

					for kx := range kernelSize {
						inPos := ox*stride - padding + kx*dilation
						if inPos < 0 || inPos >= length {
							continue
						}

						inputIdx := ((b*inChannels + inC) * length) + inPos
						kernelIdx := ((oc*kInChannels + ic) * kernelSize) + kx
						sum += inputData[inputIdx] * kernelData[kernelIdx]
					}
				}

				outIdx := ((b*outChannels + oc) * outLength) + ox
				outData[outIdx] = sum
			}
		}
	}

	return out, nil
}

// CausalConv1DVec convolves a flat signal with a flat kernel using left-only
// padding, so output[i] depends only on signal[max(0, i-len(kernel)+1) .. i].
// Out-of-range taps read as zero. Used by the attention prior filter, which
// must not see future alignment positions.
func CausalConv1DVec(signal, kernel []float32) []float32 {
	out := make([]float32, len(signal))
	k := len(kernel)

	for i := range signal {
		var sum float32

		for j := range k {
			pos := i - (k - 1) + j
			if pos < 0 {
				continue
			}

			sum += signal[pos] * kernel[j]
		}

		out[i] = sum
	}

	return out
}
