package swin

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// PatchEmbed cuts a feature map into non-overlapping patches and projects
// each one to EmbedDim channels with a strided convolution.
//
// Input:  [B, InChans, H, W]
// Output: [B, (H/P)*(W/P), EmbedDim]
//
// The input size is not checked against ImgSize; any size divisible by the
// patch works.
type PatchEmbed[B tensor.Backend] struct {
	ImgSize           int
	PatchSize         int
	PatchesResolution [2]int
	NumPatches        int
	InChans           int
	EmbedDim          int

	proj *nn.Conv2D[B]
	norm *nn.LayerNorm[B] // nil without patch norm
}

// NewPatchEmbed creates a patch embedding.
func NewPatchEmbed[B tensor.Backend](imgSize, patchSize, inChans, embedDim int, withNorm bool, backend B) *PatchEmbed[B] {
	res := imgSize / patchSize
	p := &PatchEmbed[B]{
		ImgSize:           imgSize,
		PatchSize:         patchSize,
		PatchesResolution: [2]int{res, res},
		NumPatches:        res * res,
		InChans:           inChans,
		EmbedDim:          embedDim,
		proj:              nn.NewConv2D(inChans, embedDim, patchSize, patchSize, patchSize, 0, true, backend),
	}
	if withNorm {
		p.norm = nn.NewLayerNorm(embedDim, layers.NormEps, backend)
	}
	return p
}

// Forward embeds the patches of x.
func (p *PatchEmbed[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("PatchEmbed.Forward: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}

	x = layers.MapToTokens(p.proj.Forward(x))
	if p.norm != nil {
		x = p.norm.Forward(x)
	}
	return x
}

// FLOPs returns the multiply-accumulate count for one sample.
func (p *PatchEmbed[B]) FLOPs() int64 {
	ho, wo := int64(p.PatchesResolution[0]), int64(p.PatchesResolution[1])
	flops := ho * wo * int64(p.EmbedDim*p.InChans*p.PatchSize*p.PatchSize)
	if p.norm != nil {
		flops += ho * wo * int64(p.EmbedDim)
	}
	return flops
}

// NamedParameters returns the parameters under their PyTorch names.
func (p *PatchEmbed[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("proj", layers.ConvNamed(p.proj))
	if p.norm != nil {
		named = append(named, layers.Prefixed("norm", layers.NormNamed(p.norm))...)
	}
	return named
}

// String returns a string representation of the layer.
func (p *PatchEmbed[B]) String() string {
	return fmt.Sprintf("PatchEmbed(img_size=%d, patch_size=%d, in_chans=%d, embed_dim=%d, norm=%v)",
		p.ImgSize, p.PatchSize, p.InChans, p.EmbedDim, p.norm != nil)
}
