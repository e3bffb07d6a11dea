package layers

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
)

// NormEps is the LayerNorm epsilon used throughout the model (PyTorch default).
const NormEps float32 = 1e-5

// ChannelNorm applies LayerNorm over the channel axis of a [B, C, H, W] map.
type ChannelNorm[B tensor.Backend] struct {
	norm     *nn.LayerNorm[B]
	channels int
}

// NewChannelNorm creates a channel LayerNorm for maps with the given channels.
func NewChannelNorm[B tensor.Backend](channels int, backend B) *ChannelNorm[B] {
	return &ChannelNorm[B]{
		norm:     nn.NewLayerNorm(channels, NormEps, backend),
		channels: channels,
	}
}

// Forward normalises each spatial position across channels.
func (n *ChannelNorm[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 || shape[1] != n.channels {
		panic(fmt.Sprintf("ChannelNorm.Forward: expected [N,%d,H,W], got %v", n.channels, shape))
	}
	y := n.norm.Forward(x.Transpose(0, 2, 3, 1))
	return y.Transpose(0, 3, 1, 2)
}

// Parameters returns gamma and beta.
func (n *ChannelNorm[B]) Parameters() []*nn.Parameter[B] {
	return n.norm.Parameters()
}

// NamedParameters returns gamma and beta under their PyTorch names.
func (n *ChannelNorm[B]) NamedParameters() []Named[B] {
	return NormNamed(n.norm)
}
