package layers

import (
	"math/rand"

	"github.com/born-ml/born/tensor"
)

// Truncation bounds for TruncNormal, absolute values as in timm's
// trunc_normal_ defaults.
const (
	truncLow  = -2.0
	truncHigh = 2.0
)

// TruncNormal returns a tensor drawn from N(0, std^2) with samples outside
// [-2, 2] redrawn.
func TruncNormal[B tensor.Backend](shape tensor.Shape, std float64, backend B) *tensor.Tensor[float32, B] {
	t, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}

	data := t.AsFloat32()
	for i := range data {
		for {
			//nolint:gosec // Using math/rand for weight initialization (not security-critical)
			v := rand.NormFloat64() * std
			if v >= truncLow && v <= truncHigh {
				data[i] = float32(v)
				break
			}
		}
	}

	return tensor.New[float32, B](t, backend)
}

// Linspace returns n evenly spaced values from start to end inclusive.
// It is used for the stochastic depth schedule.
func Linspace(start, end float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	if n == 1 {
		out[0] = start
		return out
	}
	step := (end - start) / float64(n-1)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}
