package layers

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/born/tensor"
)

// Trainable is implemented by modules whose forward pass differs between
// training and evaluation.
type Trainable interface {
	SetTraining(training bool)
}

// Dropout zeroes elements with probability p during training and scales the
// survivors by 1/(1-p). In evaluation mode it is the identity.
type Dropout[B tensor.Backend] struct {
	p        float64
	training bool
}

// NewDropout creates a Dropout layer in evaluation mode.
func NewDropout[B tensor.Backend](p float64) *Dropout[B] {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("dropout: probability %v out of range [0, 1)", p))
	}
	return &Dropout[B]{p: p}
}

// SetTraining switches between training and evaluation behaviour.
func (d *Dropout[B]) SetTraining(training bool) {
	d.training = training
}

// Forward applies the element mask.
func (d *Dropout[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.p == 0 {
		return x
	}
	return x.Mul(bernoulliMask(x.Shape(), d.p, x.Backend()))
}

// DropPath drops whole samples of a residual branch (stochastic depth).
// Each sample of the batch is kept with probability 1-p and rescaled.
type DropPath[B tensor.Backend] struct {
	p        float64
	training bool
}

// NewDropPath creates a DropPath layer in evaluation mode.
func NewDropPath[B tensor.Backend](p float64) *DropPath[B] {
	if p < 0 || p >= 1 {
		panic(fmt.Sprintf("drop path: probability %v out of range [0, 1)", p))
	}
	return &DropPath[B]{p: p}
}

// SetTraining switches between training and evaluation behaviour.
func (d *DropPath[B]) SetTraining(training bool) {
	d.training = training
}

// Rate returns the drop probability.
func (d *DropPath[B]) Rate() float64 {
	return d.p
}

// Forward masks the residual branch x, shaped [B, ...].
func (d *DropPath[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if !d.training || d.p == 0 {
		return x
	}
	shape := x.Shape()
	maskShape := make(tensor.Shape, len(shape))
	maskShape[0] = shape[0]
	for i := 1; i < len(maskShape); i++ {
		maskShape[i] = 1
	}
	return x.Mul(bernoulliMask(maskShape, d.p, x.Backend()))
}

func bernoulliMask[B tensor.Backend](shape tensor.Shape, p float64, backend B) *tensor.Tensor[float32, B] {
	keep := float32(1 / (1 - p))
	data := make([]float32, shape.NumElements())
	for i := range data {
		//nolint:gosec // Dropout masks are not security-critical
		if rand.Float64() >= p {
			data[i] = keep
		}
	}
	mask, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		panic(err)
	}
	return mask
}
