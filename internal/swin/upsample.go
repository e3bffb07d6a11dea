package swin

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// UpSample is the "Dual up-sample" block: a pixel-shuffle branch and a
// bilinear branch run in parallel, are concatenated on channels and fused by
// a 1x1 convolution.
//
//	factor 2: [B, H*W, C] -> [B, 4*H*W, C/2]
//	factor 4: [B, H*W, C] -> [B, 4H, 4W, C]
type UpSample[B tensor.Backend] struct {
	resolution [2]int
	channels   int
	factor     int

	// pixel-shuffle branch: conv, prelu, shuffle, conv
	pConv1 *nn.Conv2D[B]
	pPReLU *layers.PReLU[B]
	pConv2 *nn.Conv2D[B]

	// bilinear branch: conv, prelu, interpolate, conv
	bConv1 *nn.Conv2D[B]
	bPReLU *layers.PReLU[B]
	bConv2 *nn.Conv2D[B]

	fuse    *nn.Conv2D[B]
	outDims int
}

// NewUpSample creates a dual upsampler for an H x W grid of channels.
// factor must be 2 or 4.
func NewUpSample[B tensor.Backend](resolution [2]int, channels, factor int, backend B) *UpSample[B] {
	u := &UpSample[B]{
		resolution: resolution,
		channels:   channels,
		factor:     factor,
		pPReLU:     layers.NewPReLU(backend),
		bPReLU:     layers.NewPReLU(backend),
	}

	switch factor {
	case 2:
		if channels%2 != 0 {
			panic(fmt.Sprintf("upsample: channels %d must be even for factor 2", channels))
		}
		half := channels / 2
		u.pConv1 = nn.NewConv2D(channels, 2*channels, 1, 1, 1, 0, false, backend)
		u.pConv2 = nn.NewConv2D(half, half, 1, 1, 1, 0, false, backend)
		u.bConv1 = nn.NewConv2D(channels, channels, 1, 1, 1, 0, true, backend)
		u.bConv2 = nn.NewConv2D(channels, half, 1, 1, 1, 0, false, backend)
		u.fuse = nn.NewConv2D(channels, half, 1, 1, 1, 0, false, backend)
		u.outDims = half
	case 4:
		u.pConv1 = nn.NewConv2D(channels, 16*channels, 1, 1, 1, 0, false, backend)
		u.pConv2 = nn.NewConv2D(channels, channels, 1, 1, 1, 0, false, backend)
		u.bConv1 = nn.NewConv2D(channels, channels, 1, 1, 1, 0, true, backend)
		u.bConv2 = nn.NewConv2D(channels, channels, 1, 1, 1, 0, false, backend)
		u.fuse = nn.NewConv2D(2*channels, channels, 1, 1, 1, 0, false, backend)
		u.outDims = channels
	default:
		panic(fmt.Sprintf("upsample: unsupported factor %d (want 2 or 4)", factor))
	}
	return u
}

// Forward upsamples a token sequence; see the type comment for shapes.
func (u *UpSample[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h, w := u.resolution[0], u.resolution[1]
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != h*w || shape[2] != u.channels {
		panic(fmt.Sprintf("UpSample.Forward: input feature has wrong size: expected [B,%d,%d], got %v",
			h*w, u.channels, shape))
	}
	batch := shape[0]

	m := layers.TokensToMap(x, h, w)

	p := u.pPReLU.Forward(u.pConv1.Forward(m))
	p = u.pConv2.Forward(layers.PixelShuffle(p, u.factor))

	b := u.bPReLU.Forward(u.bConv1.Forward(m))
	b = u.bConv2.Forward(layers.BilinearUpsample(b, u.factor))

	out := u.fuse.Forward(tensor.Cat([]*tensor.Tensor[float32, B]{p, b}, 1))
	oh, ow := h*u.factor, w*u.factor

	// [B, C', fH, fW] -> [B, fH, fW, C']
	out = out.Transpose(0, 2, 3, 1)
	if u.factor == 2 {
		return out.Reshape(batch, oh*ow, u.outDims)
	}
	return out
}

// OutChannels returns the channel count of the output.
func (u *UpSample[B]) OutChannels() int {
	return u.outDims
}

// OutResolution returns the upsampled grid.
func (u *UpSample[B]) OutResolution() [2]int {
	return [2]int{u.resolution[0] * u.factor, u.resolution[1] * u.factor}
}

// FLOPs returns the multiply-accumulate count of the convolutions for one sample.
func (u *UpSample[B]) FLOPs() int64 {
	in := int64(u.resolution[0] * u.resolution[1])
	out := in * int64(u.factor*u.factor)
	c := int64(u.channels)

	var flops int64
	flops += in * convMACs(u.pConv1)
	flops += out * convMACs(u.pConv2)
	flops += in * convMACs(u.bConv1)
	flops += out * convMACs(u.bConv2)
	flops += out * convMACs(u.fuse)
	flops += out * c * 4 // bilinear: four taps per output element
	return flops
}

func convMACs[B tensor.Backend](c *nn.Conv2D[B]) int64 {
	k := c.KernelSize()
	return int64(c.InChannels() * c.OutChannels() * k[0] * k[1])
}

// NamedParameters returns the parameters under their PyTorch names.
func (u *UpSample[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("up_p.0", layers.ConvNamed(u.pConv1))
	named = append(named, layers.Prefixed("up_p.1", u.pPReLU.NamedParameters())...)
	named = append(named, layers.Prefixed("up_p.3", layers.ConvNamed(u.pConv2))...)
	named = append(named, layers.Prefixed("up_b.0", layers.ConvNamed(u.bConv1))...)
	named = append(named, layers.Prefixed("up_b.1", u.bPReLU.NamedParameters())...)
	named = append(named, layers.Prefixed("up_b.3", layers.ConvNamed(u.bConv2))...)
	named = append(named, layers.Prefixed("conv", layers.ConvNamed(u.fuse))...)
	return named
}

// String returns a string representation of the layer.
func (u *UpSample[B]) String() string {
	return fmt.Sprintf("UpSample(input_resolution=(%d, %d), in_channels=%d, scale_factor=%d)",
		u.resolution[0], u.resolution[1], u.channels, u.factor)
}
