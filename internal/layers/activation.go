package layers

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// GELU applies the tanh approximation of the Gaussian Error Linear Unit.
//
//	0.5 * x * (1 + tanh(z)) == x * sigmoid(2z),  z = sqrt(2/pi) * (x + 0.044715 x^3)
//
// The sigmoid form needs only the Sigmoid op that every born autodiff
// backend provides.
func GELU[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	sqrt2pi := float32(math.Sqrt(2.0 / math.Pi))
	c := float32(0.044715)

	x3 := x.Mul(x).Mul(x)
	inner := x.Add(x3.MulScalar(c)).MulScalar(2 * sqrt2pi)

	return x.Mul(nn.SigmoidFunc(inner))
}

// PReLU is a parametric ReLU with a single slope shared across channels.
//
//	prelu(x) = max(0, x) + a * min(0, x)
type PReLU[B tensor.Backend] struct {
	weight *nn.Parameter[B] // [1]
}

// NewPReLU creates a PReLU with the slope initialised to 0.25.
func NewPReLU[B tensor.Backend](backend B) *PReLU[B] {
	return &PReLU[B]{
		weight: nn.NewParameter("weight", tensor.Full[float32](tensor.Shape{1}, 0.25, backend)),
	}
}

// Forward applies the activation element-wise.
func (p *PReLU[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	pos := nn.ReLUFunc(x)
	neg := x.Sub(pos)

	slope := p.weight.Tensor()
	ones := make([]int, len(x.Shape()))
	for i := range ones {
		ones[i] = 1
	}
	slope = slope.Reshape(ones...)

	return pos.Add(neg.Mul(slope))
}

// Parameters returns the slope.
func (p *PReLU[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{p.weight}
}

// NamedParameters returns the slope under its PyTorch name.
func (p *PReLU[B]) NamedParameters() []Named[B] {
	return []Named[B]{{Name: "weight", Param: p.weight}}
}

// String returns a string representation of the layer.
func (p *PReLU[B]) String() string {
	return fmt.Sprintf("PReLU(num_parameters=1, init=%.2f)", p.weight.Tensor().Data()[0])
}
