package swin

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// PatchMerging halves the token grid and doubles the channels by
// concatenating each 2x2 neighbourhood and projecting 4C -> 2C.
type PatchMerging[B tensor.Backend] struct {
	resolution [2]int
	dim        int
	norm       *nn.LayerNorm[B]
	reduction  *layers.Linear[B]
}

// NewPatchMerging creates a merging layer for an H x W grid of dim channels.
func NewPatchMerging[B tensor.Backend](resolution [2]int, dim int, backend B) *PatchMerging[B] {
	return &PatchMerging[B]{
		resolution: resolution,
		dim:        dim,
		norm:       nn.NewLayerNorm(4*dim, layers.NormEps, backend),
		reduction:  layers.NewLinear(4*dim, 2*dim, false, backend),
	}
}

// Forward maps [B, H*W, C] to [B, H/2*W/2, 2C].
func (p *PatchMerging[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h, w := p.resolution[0], p.resolution[1]
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != h*w {
		panic(fmt.Sprintf("PatchMerging.Forward: input feature has wrong size: expected [B,%d,C], got %v", h*w, shape))
	}
	if h%2 != 0 || w%2 != 0 {
		panic(fmt.Sprintf("PatchMerging.Forward: x size (%d*%d) are not even", h, w))
	}
	batch, c := shape[0], shape[2]

	// Neighbour order is (0,0), (1,0), (0,1), (1,1) in (row, col) offsets,
	// i.e. the column offset varies slowest.
	x = x.Reshape(batch, h/2, 2, w/2, 2, c).
		Transpose(0, 1, 3, 4, 2, 5).
		Reshape(batch, (h/2)*(w/2), 4*c)

	return p.reduction.Forward(p.norm.Forward(x))
}

// FLOPs returns the multiply-accumulate count for one sample.
func (p *PatchMerging[B]) FLOPs() int64 {
	h, w := int64(p.resolution[0]), int64(p.resolution[1])
	dim := int64(p.dim)
	return h*w*dim + (h/2)*(w/2)*4*dim*2*dim
}

// NamedParameters returns the parameters under their PyTorch names.
func (p *PatchMerging[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("reduction", p.reduction.NamedParameters())
	return append(named, layers.Prefixed("norm", layers.NormNamed(p.norm))...)
}

// String returns a string representation of the layer.
func (p *PatchMerging[B]) String() string {
	return fmt.Sprintf("PatchMerging(input_resolution=(%d, %d), dim=%d)", p.resolution[0], p.resolution[1], p.dim)
}
