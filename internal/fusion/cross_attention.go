// Package fusion merges the local token stream of the Swin encoder with the
// global-context feature maps through cross-attention.
package fusion

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// CrossAttention lets local tokens (queries) attend over the positions of a
// global feature map (keys and values), then adds the result back to the
// local tokens.
//
//	local  [B, L, Cl]
//	global [B, Cg, Hg, Wg]
//	out    [B, L, Cl]
type CrossAttention[B tensor.Backend] struct {
	localDim  int
	globalDim int
	numHeads  int
	headDim   int

	normLocal  *nn.LayerNorm[B]
	normGlobal *nn.LayerNorm[B]
	query      *layers.Linear[B] // Cl -> Cl
	key        *layers.Linear[B] // Cg -> Cl
	value      *layers.Linear[B] // Cg -> Cl
	out        *layers.Linear[B] // Cl -> Cl
}

// NewCrossAttention creates a cross-attention layer. Both dimensions must be
// divisible by numHeads.
func NewCrossAttention[B tensor.Backend](localDim, globalDim, numHeads int, backend B) (*CrossAttention[B], error) {
	if numHeads <= 0 {
		return nil, fmt.Errorf("cross attention: num_heads must be positive, got %d", numHeads)
	}
	if localDim%numHeads != 0 {
		return nil, fmt.Errorf("cross attention: local_dim %d must be divisible by num_heads %d", localDim, numHeads)
	}
	if globalDim%numHeads != 0 {
		return nil, fmt.Errorf("cross attention: global_dim %d must be divisible by num_heads %d", globalDim, numHeads)
	}

	return &CrossAttention[B]{
		localDim:   localDim,
		globalDim:  globalDim,
		numHeads:   numHeads,
		headDim:    localDim / numHeads,
		normLocal:  nn.NewLayerNorm(localDim, layers.NormEps, backend),
		normGlobal: nn.NewLayerNorm(globalDim, layers.NormEps, backend),
		query:      layers.NewLinear(localDim, localDim, true, backend),
		key:        layers.NewLinear(globalDim, localDim, true, backend),
		value:      layers.NewLinear(globalDim, localDim, true, backend),
		out:        layers.NewLinear(localDim, localDim, true, backend),
	}, nil
}

// Forward fuses local tokens with the global map.
func (c *CrossAttention[B]) Forward(local, global *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	ls, gs := local.Shape(), global.Shape()
	if len(ls) != 3 || ls[2] != c.localDim {
		panic(fmt.Sprintf("CrossAttention.Forward: expected local [B,L,%d], got %v", c.localDim, ls))
	}
	if len(gs) != 4 || gs[1] != c.globalDim {
		panic(fmt.Sprintf("CrossAttention.Forward: expected global [B,%d,H,W], got %v", c.globalDim, gs))
	}
	if ls[0] != gs[0] {
		panic(fmt.Sprintf("CrossAttention.Forward: batch mismatch: local %d, global %d", ls[0], gs[0]))
	}
	b, l := ls[0], ls[1]
	lg := gs[2] * gs[3]

	g := layers.MapToTokens(global) // [B, Lg, Cg]

	q := c.split(c.query.Forward(c.normLocal.Forward(local)), b, l)
	gn := c.normGlobal.Forward(g)
	k := c.split(c.key.Forward(gn), b, lg)
	v := c.split(c.value.Forward(gn), b, lg)

	scores := layers.BatchMatMul(q, k.Transpose(0, 1, 3, 2)).
		MulScalar(float32(1 / math.Sqrt(float64(c.headDim))))
	weights := scores.Softmax(-1) // [B, heads, L, Lg]

	attn := layers.BatchMatMul(weights, v).
		Transpose(0, 2, 1, 3).
		Reshape(b, l, c.localDim)

	return local.Add(c.out.Forward(attn))
}

// split reshapes [B, n, Cl] into per-head [B, heads, n, headDim].
func (c *CrossAttention[B]) split(x *tensor.Tensor[float32, B], b, n int) *tensor.Tensor[float32, B] {
	return x.Reshape(b, n, c.numHeads, c.headDim).Transpose(0, 2, 1, 3)
}

// FLOPs returns the multiply-accumulate count for one sample with l local
// tokens and lg global positions.
func (c *CrossAttention[B]) FLOPs(l, lg int) int64 {
	cl, cg := int64(c.localDim), int64(c.globalDim)
	tl, tg := int64(l), int64(lg)

	var flops int64
	flops += tl*cl + tg*cg    // norms
	flops += tl * cl * cl     // query
	flops += 2 * tg * cg * cl // key, value
	flops += 2 * tl * tg * cl // scores and weighted sum over all heads
	flops += tl * cl * cl     // output
	return flops
}

// NamedParameters returns the parameters under their PyTorch names.
func (c *CrossAttention[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("query_proj", c.query.NamedParameters())
	named = append(named, layers.Prefixed("key_proj", c.key.NamedParameters())...)
	named = append(named, layers.Prefixed("value_proj", c.value.NamedParameters())...)
	named = append(named, layers.Prefixed("out_proj", c.out.NamedParameters())...)
	named = append(named, layers.Prefixed("norm_local", layers.NormNamed(c.normLocal))...)
	named = append(named, layers.Prefixed("norm_global", layers.NormNamed(c.normGlobal))...)
	return named
}

// Parameters returns all trainable parameters.
func (c *CrossAttention[B]) Parameters() []*nn.Parameter[B] {
	return layers.Params(c.NamedParameters())
}

// String returns a string representation of the layer.
func (c *CrossAttention[B]) String() string {
	return fmt.Sprintf("CrossAttentionLayer(local_dim=%d, global_dim=%d, num_heads=%d)",
		c.localDim, c.globalDim, c.numHeads)
}
