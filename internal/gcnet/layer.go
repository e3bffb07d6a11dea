package gcnet

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// BasicLayer is one stage of the global-context branch: Depth context blocks
// at a fixed resolution, optionally followed by a DownsamplingBlock.
type BasicLayer[B tensor.Backend] struct {
	dim        int
	resolution [2]int
	blocks     []*ContextBlock[B]
	downsample *DownsamplingBlock[B] // nil for the last stage
}

// NewBasicLayer creates a global-context stage over dim channels.
func NewBasicLayer[B tensor.Backend](dim int, resolution [2]int, depth int, downsample bool, backend B) *BasicLayer[B] {
	l := &BasicLayer[B]{dim: dim, resolution: resolution}
	for i := 0; i < depth; i++ {
		l.blocks = append(l.blocks, NewContextBlock(dim, DefaultRatio, backend))
	}
	if downsample {
		l.downsample = NewDownsamplingBlock(dim, backend)
	}
	return l
}

// Forward maps [B, C, H, W] to the input of the next stage.
func (l *BasicLayer[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	_, next := l.ForwardFeatures(x)
	return next
}

// ForwardFeatures returns both the stage features, before downsampling, and
// the input for the next stage. Without downsampling they are the same tensor.
func (l *BasicLayer[B]) ForwardFeatures(x *tensor.Tensor[float32, B]) (features, next *tensor.Tensor[float32, B]) {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != l.dim || shape[2] != l.resolution[0] || shape[3] != l.resolution[1] {
		panic(fmt.Sprintf("GlobalContextLayer.Forward: expected [N,%d,%d,%d], got %v",
			l.dim, l.resolution[0], l.resolution[1], shape))
	}
	for _, blk := range l.blocks {
		x = blk.Forward(x)
	}
	if l.downsample == nil {
		return x, x
	}
	return x, l.downsample.Forward(x)
}

// Dim returns the channel count of the stage features.
func (l *BasicLayer[B]) Dim() int {
	return l.dim
}

// Depth returns the number of context blocks.
func (l *BasicLayer[B]) Depth() int {
	return len(l.blocks)
}

// FLOPs returns the multiply-accumulate count for one sample.
func (l *BasicLayer[B]) FLOPs() int64 {
	h, w := l.resolution[0], l.resolution[1]
	var flops int64
	for _, blk := range l.blocks {
		flops += blk.FLOPs(h, w)
	}
	if l.downsample != nil {
		flops += l.downsample.FLOPs(h, w)
	}
	return flops
}

// NamedParameters returns the parameters under their PyTorch names.
func (l *BasicLayer[B]) NamedParameters() []layers.Named[B] {
	var named []layers.Named[B]
	for i, blk := range l.blocks {
		named = append(named, layers.Prefixed(fmt.Sprintf("blocks.%d", i), blk.NamedParameters())...)
	}
	if l.downsample != nil {
		named = append(named, layers.Prefixed("downsample", l.downsample.NamedParameters())...)
	}
	return named
}

// String returns a string representation of the stage.
func (l *BasicLayer[B]) String() string {
	return fmt.Sprintf("GlobalContextBasicLayer(dim=%d, input_resolution=(%d, %d), depth=%d)",
		l.dim, l.resolution[0], l.resolution[1], len(l.blocks))
}
