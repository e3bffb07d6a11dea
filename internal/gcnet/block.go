// Package gcnet implements the global-context branch of SUNet: GCNet-style
// context blocks operating on [B, C, H, W] feature maps and the stride-2
// downsampling between stages.
package gcnet

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// DefaultRatio is the bottleneck ratio of the context transform.
const DefaultRatio = 0.25

// ContextBlock models global context with attention pooling and adds a
// channel-wise transform of it back to every position:
//
//	ctx = sum_j softmax(Wk x)_j * x_j          [B, C, 1, 1]
//	out = x + W2 ReLU(LN(W1 ctx))
type ContextBlock[B tensor.Backend] struct {
	channels int
	planes   int

	convMask *nn.Conv2D[B] // C -> 1
	conv1    *nn.Conv2D[B] // C -> planes
	norm     *layers.ChannelNorm[B]
	conv2    *nn.Conv2D[B] // planes -> C
}

// NewContextBlock creates a context block over channels with the given
// bottleneck ratio.
func NewContextBlock[B tensor.Backend](channels int, ratio float64, backend B) *ContextBlock[B] {
	planes := int(float64(channels) * ratio)
	if planes < 1 {
		planes = 1
	}
	return &ContextBlock[B]{
		channels: channels,
		planes:   planes,
		convMask: nn.NewConv2D(channels, 1, 1, 1, 1, 0, true, backend),
		conv1:    nn.NewConv2D(channels, planes, 1, 1, 1, 0, true, backend),
		norm:     layers.NewChannelNorm(planes, backend),
		conv2:    nn.NewConv2D(planes, channels, 1, 1, 1, 0, true, backend),
	}
}

// Forward maps [B, C, H, W] to [B, C, H, W].
func (g *ContextBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != g.channels {
		panic(fmt.Sprintf("ContextBlock.Forward: expected [N,%d,H,W], got %v", g.channels, shape))
	}

	ctx := g.pool(x)
	term := g.conv2.Forward(nn.ReLUFunc(g.norm.Forward(g.conv1.Forward(ctx))))
	return x.Add(term)
}

// pool reduces x to one context vector per sample, [B, C, 1, 1].
func (g *ContextBlock[B]) pool(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	b, c, hw := shape[0], shape[1], shape[2]*shape[3]

	weights := g.convMask.Forward(x).Reshape(b, hw).Softmax(-1).Reshape(b, hw, 1)
	ctx := layers.BatchMatMul(x.Reshape(b, c, hw), weights) // [B, C, 1]
	return ctx.Reshape(b, c, 1, 1)
}

// FLOPs returns the multiply-accumulate count for one sample on an H x W map.
func (g *ContextBlock[B]) FLOPs(h, w int) int64 {
	hw := int64(h * w)
	c, p := int64(g.channels), int64(g.planes)
	return hw*c + hw*c + 2*c*p + hw*c
}

// NamedParameters returns the parameters under their GCNet names.
func (g *ContextBlock[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("conv_mask", layers.ConvNamed(g.convMask))
	named = append(named, layers.Prefixed("channel_add_conv.0", layers.ConvNamed(g.conv1))...)
	named = append(named, layers.Prefixed("channel_add_conv.1", g.norm.NamedParameters())...)
	named = append(named, layers.Prefixed("channel_add_conv.3", layers.ConvNamed(g.conv2))...)
	return named
}

// String returns a string representation of the block.
func (g *ContextBlock[B]) String() string {
	return fmt.Sprintf("ContextBlock(inplanes=%d, planes=%d, pooling=att, fusion=channel_add)", g.channels, g.planes)
}

// DownsamplingBlock halves the spatial size and doubles the channels with a
// 3x3 stride-2 convolution followed by channel LayerNorm.
type DownsamplingBlock[B tensor.Backend] struct {
	channels int
	conv     *nn.Conv2D[B]
	norm     *layers.ChannelNorm[B]
}

// NewDownsamplingBlock creates a C -> 2C downsampler.
func NewDownsamplingBlock[B tensor.Backend](channels int, backend B) *DownsamplingBlock[B] {
	return &DownsamplingBlock[B]{
		channels: channels,
		conv:     nn.NewConv2D(channels, 2*channels, 3, 3, 2, 1, false, backend),
		norm:     layers.NewChannelNorm(2*channels, backend),
	}
}

// Forward maps [B, C, H, W] to [B, 2C, H/2, W/2].
func (d *DownsamplingBlock[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return d.norm.Forward(d.conv.Forward(x))
}

// FLOPs returns the multiply-accumulate count for one sample on an H x W input.
func (d *DownsamplingBlock[B]) FLOPs(h, w int) int64 {
	out := d.conv.ComputeOutputSize(h, w)
	return int64(out[0]*out[1]) * int64(d.channels*2*d.channels*9)
}

// NamedParameters returns the parameters under their PyTorch names.
func (d *DownsamplingBlock[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("conv", layers.ConvNamed(d.conv))
	return append(named, layers.Prefixed("norm", d.norm.NamedParameters())...)
}
