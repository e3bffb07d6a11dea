// Package layers holds the building blocks shared by the SUNet stages:
// token-wise linear projections, activations, stochastic regularisers,
// resampling ops and named-parameter bookkeeping.
package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// Linear implements y = x @ W.T + b over the last axis of its input.
//
// Unlike nn.Linear, the input may have any rank >= 2: leading axes are
// flattened into a single batch axis for the matrix product and restored
// afterwards, so token sequences [B, L, C] and windows [B*nW, N, C] go
// through without reshaping at the call site.
//
// Weights are drawn from a truncated normal (std 0.02); the bias, when
// present, starts at zero.
type Linear[B tensor.Backend] struct {
	inFeatures  int
	outFeatures int
	weight      *nn.Parameter[B] // [out_features, in_features]
	bias        *nn.Parameter[B] // [out_features] or nil
}

// NewLinear creates a Linear layer mapping inFeatures to outFeatures.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, backend B) *Linear[B] {
	if inFeatures <= 0 || outFeatures <= 0 {
		panic(fmt.Sprintf("linear: invalid features in=%d, out=%d", inFeatures, outFeatures))
	}

	weight := TruncNormal(tensor.Shape{outFeatures, inFeatures}, 0.02, backend)

	var bias *nn.Parameter[B]
	if useBias {
		bias = nn.NewParameter("bias", tensor.Zeros[float32](tensor.Shape{outFeatures}, backend))
	}

	return &Linear[B]{
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      nn.NewParameter("weight", weight),
		bias:        bias,
	}
}

// Forward maps [..., in_features] to [..., out_features].
func (l *Linear[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("Linear.Forward: expected at least 2D input, got shape %v", shape))
	}
	if shape[len(shape)-1] != l.inFeatures {
		panic(fmt.Sprintf("Linear.Forward: expected input with %d features, got %d",
			l.inFeatures, shape[len(shape)-1]))
	}

	rows := shape.NumElements() / l.inFeatures
	flat := x
	if len(shape) != 2 {
		flat = x.Reshape(rows, l.inFeatures)
	}

	out := flat.MatMul(l.weight.Tensor().Transpose())
	if l.bias != nil {
		out = out.Add(l.bias.Tensor().Reshape(1, l.outFeatures))
	}

	if len(shape) == 2 {
		return out
	}
	outShape := make([]int, len(shape))
	copy(outShape, shape)
	outShape[len(outShape)-1] = l.outFeatures
	return out.Reshape(outShape...)
}

// Parameters returns [weight, bias] or [weight] for bias-free layers.
func (l *Linear[B]) Parameters() []*nn.Parameter[B] {
	return Params(l.NamedParameters())
}

// NamedParameters returns the parameters under their PyTorch names.
func (l *Linear[B]) NamedParameters() []Named[B] {
	named := []Named[B]{{Name: "weight", Param: l.weight}}
	if l.bias != nil {
		named = append(named, Named[B]{Name: "bias", Param: l.bias})
	}
	return named
}

// Weight returns the weight parameter.
func (l *Linear[B]) Weight() *nn.Parameter[B] {
	return l.weight
}

// Bias returns the bias parameter, or nil.
func (l *Linear[B]) Bias() *nn.Parameter[B] {
	return l.bias
}

// InFeatures returns the input feature count.
func (l *Linear[B]) InFeatures() int {
	return l.inFeatures
}

// OutFeatures returns the output feature count.
func (l *Linear[B]) OutFeatures() int {
	return l.outFeatures
}

// String returns a string representation of the layer.
func (l *Linear[B]) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%v)",
		l.inFeatures, l.outFeatures, l.bias != nil)
}
