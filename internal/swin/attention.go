package swin

import (
	"fmt"
	"math"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// WindowAttention is window-based multi-head self-attention with a learned
// relative position bias. It attends within windows of ws*ws tokens and
// supports an additive mask for shifted windows.
//
// Input:  [B*nW, N, C]
// Output: [B*nW, N, C]
type WindowAttention[B tensor.Backend] struct {
	dim        int
	windowSize int
	numHeads   int
	scale      float32

	biasTable *nn.Parameter[B]         // [(2ws-1)^2, heads]
	index     *tensor.Tensor[int32, B] // [N*N]

	qkv      *layers.Linear[B]
	proj     *layers.Linear[B]
	attnDrop *layers.Dropout[B]
	projDrop *layers.Dropout[B]
}

// NewWindowAttention creates window attention over dim channels.
// qkScale <= 0 selects the default head_dim^-0.5.
func NewWindowAttention[B tensor.Backend](
	dim, windowSize, numHeads int,
	qkvBias bool, qkScale float64,
	attnDrop, projDrop float64,
	backend B,
) *WindowAttention[B] {
	if numHeads <= 0 || dim%numHeads != 0 {
		panic(fmt.Sprintf("window attention: dim %d not divisible by heads %d", dim, numHeads))
	}
	headDim := dim / numHeads
	scale := qkScale
	if scale <= 0 {
		scale = 1 / math.Sqrt(float64(headDim))
	}

	span := 2*windowSize - 1
	table := layers.TruncNormal(tensor.Shape{span * span, numHeads}, 0.02, backend)
	index, err := tensor.FromSlice(RelativePositionIndex(windowSize),
		tensor.Shape{windowSize * windowSize * windowSize * windowSize}, backend)
	if err != nil {
		panic(err)
	}

	return &WindowAttention[B]{
		dim:        dim,
		windowSize: windowSize,
		numHeads:   numHeads,
		scale:      float32(scale),
		biasTable:  nn.NewParameter("relative_position_bias_table", table),
		index:      index,
		qkv:        layers.NewLinear(dim, 3*dim, qkvBias, backend),
		proj:       layers.NewLinear(dim, dim, true, backend),
		attnDrop:   layers.NewDropout[B](attnDrop),
		projDrop:   layers.NewDropout[B](projDrop),
	}
}

// Forward attends within each window. mask is nil or [nW, N, N]; when set,
// the leading dimension of x must be a multiple of nW.
func (a *WindowAttention[B]) Forward(x, mask *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	n := a.windowSize * a.windowSize
	if len(shape) != 3 || shape[1] != n || shape[2] != a.dim {
		panic(fmt.Sprintf("WindowAttention.Forward: expected [B*nW,%d,%d], got %v", n, a.dim, shape))
	}
	bw := shape[0]
	headDim := a.dim / a.numHeads

	// [Bw, N, 3C] -> [3, Bw, heads, N, headDim]
	qkv := a.qkv.Forward(x).
		Reshape(bw, n, 3, a.numHeads, headDim).
		Transpose(2, 0, 3, 1, 4)
	parts := qkv.Chunk(3, 0)
	q := parts[0].Reshape(bw, a.numHeads, n, headDim).MulScalar(a.scale)
	k := parts[1].Reshape(bw, a.numHeads, n, headDim)
	v := parts[2].Reshape(bw, a.numHeads, n, headDim)

	attn := layers.BatchMatMul(q, k.Transpose(0, 1, 3, 2)) // [Bw, heads, N, N]

	// [N*N, heads] -> [1, heads, N, N]
	bias := layers.IndexSelect(a.biasTable.Tensor(), a.index).
		Reshape(n, n, a.numHeads).
		Transpose(2, 0, 1).
		Reshape(1, a.numHeads, n, n)
	attn = attn.Add(bias)

	if mask != nil {
		nW := mask.Shape()[0]
		if bw%nW != 0 {
			panic(fmt.Sprintf("WindowAttention.Forward: %d windows not a multiple of mask windows %d", bw, nW))
		}
		attn = attn.Reshape(bw/nW, nW, a.numHeads, n, n).
			Add(mask.Reshape(1, nW, 1, n, n)).
			Reshape(bw, a.numHeads, n, n)
	}

	attn = a.attnDrop.Forward(attn.Softmax(-1))

	out := layers.BatchMatMul(attn, v).
		Transpose(0, 2, 1, 3).
		Reshape(bw, n, a.dim)

	return a.projDrop.Forward(a.proj.Forward(out))
}

// FLOPs returns the multiply-accumulate count for one window of n tokens.
func (a *WindowAttention[B]) FLOPs(n int) int64 {
	dim := int64(a.dim)
	heads := int64(a.numHeads)
	tokens := int64(n)
	headDim := dim / heads

	var flops int64
	flops += tokens * dim * 3 * dim            // qkv
	flops += heads * tokens * headDim * tokens // q @ k.T
	flops += heads * tokens * tokens * headDim // attn @ v
	flops += tokens * dim * dim                // proj
	return flops
}

// SetTraining toggles the dropout layers.
func (a *WindowAttention[B]) SetTraining(training bool) {
	a.attnDrop.SetTraining(training)
	a.projDrop.SetTraining(training)
}

// NamedParameters returns the parameters under their PyTorch names.
func (a *WindowAttention[B]) NamedParameters() []layers.Named[B] {
	named := []layers.Named[B]{{Name: "relative_position_bias_table", Param: a.biasTable}}
	named = append(named, layers.Prefixed("qkv", a.qkv.NamedParameters())...)
	named = append(named, layers.Prefixed("proj", a.proj.NamedParameters())...)
	return named
}

// Parameters returns all trainable parameters.
func (a *WindowAttention[B]) Parameters() []*nn.Parameter[B] {
	return layers.Params(a.NamedParameters())
}

// String returns a string representation of the layer.
func (a *WindowAttention[B]) String() string {
	return fmt.Sprintf("WindowAttention(dim=%d, window_size=(%d, %d), num_heads=%d)",
		a.dim, a.windowSize, a.windowSize, a.numHeads)
}
