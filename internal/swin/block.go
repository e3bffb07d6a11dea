package swin

import (
	"fmt"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// Mlp is the two-layer GELU feed-forward network of a transformer block.
type Mlp[B tensor.Backend] struct {
	fc1  *layers.Linear[B]
	fc2  *layers.Linear[B]
	drop *layers.Dropout[B]
}

// NewMlp creates dim -> hidden -> dim.
func NewMlp[B tensor.Backend](dim, hidden int, drop float64, backend B) *Mlp[B] {
	return &Mlp[B]{
		fc1:  layers.NewLinear(dim, hidden, true, backend),
		fc2:  layers.NewLinear(hidden, dim, true, backend),
		drop: layers.NewDropout[B](drop),
	}
}

// Forward applies fc1, GELU, dropout, fc2, dropout.
func (m *Mlp[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	x = m.drop.Forward(layers.GELU(m.fc1.Forward(x)))
	return m.drop.Forward(m.fc2.Forward(x))
}

// SetTraining toggles dropout.
func (m *Mlp[B]) SetTraining(training bool) {
	m.drop.SetTraining(training)
}

// NamedParameters returns the parameters under their PyTorch names.
func (m *Mlp[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("fc1", m.fc1.NamedParameters())
	return append(named, layers.Prefixed("fc2", m.fc2.NamedParameters())...)
}

// BlockConfig describes one shifted-window transformer block.
type BlockConfig struct {
	Dim        int
	Resolution [2]int // token grid (H, W)
	NumHeads   int
	WindowSize int
	ShiftSize  int
	MLPRatio   float64
	QKVBias    bool
	QKScale    float64 // <= 0 selects head_dim^-0.5
	Drop       float64
	AttnDrop   float64
	DropPath   float64
}

// Block is a Swin transformer block:
//
//	x = x + DropPath(W-MSA(LN(x)))      (cyclically shifted when ShiftSize > 0)
//	x = x + DropPath(MLP(LN(x)))
//
// When the token grid is not larger than the window, the window shrinks to
// the grid and shifting is disabled.
type Block[B tensor.Backend] struct {
	dim        int
	resolution [2]int
	windowSize int
	shiftSize  int
	mlpRatio   float64

	norm1    *nn.LayerNorm[B]
	attn     *WindowAttention[B]
	dropPath *layers.DropPath[B]
	norm2    *nn.LayerNorm[B]
	mlp      *Mlp[B]

	mask *tensor.Tensor[float32, B] // [nW, N, N] or nil
}

// NewBlock creates a transformer block.
func NewBlock[B tensor.Backend](cfg BlockConfig, backend B) *Block[B] {
	ws, shift := cfg.WindowSize, cfg.ShiftSize
	if minRes := min(cfg.Resolution[0], cfg.Resolution[1]); minRes <= ws {
		ws = minRes
		shift = 0
	}
	if shift < 0 || shift >= ws {
		panic(fmt.Sprintf("swin block: shift %d must be in [0, %d)", shift, ws))
	}
	h, w := cfg.Resolution[0], cfg.Resolution[1]
	if h%ws != 0 || w%ws != 0 {
		panic(fmt.Sprintf("swin block: resolution %dx%d not divisible by window %d", h, w, ws))
	}

	var mask *tensor.Tensor[float32, B]
	if shift > 0 {
		n := ws * ws
		nW := (h / ws) * (w / ws)
		m, err := tensor.FromSlice(ShiftedWindowMask(h, w, ws, shift), tensor.Shape{nW, n, n}, backend)
		if err != nil {
			panic(err)
		}
		mask = m
	}

	return &Block[B]{
		dim:        cfg.Dim,
		resolution: cfg.Resolution,
		windowSize: ws,
		shiftSize:  shift,
		mlpRatio:   cfg.MLPRatio,
		norm1:      nn.NewLayerNorm(cfg.Dim, layers.NormEps, backend),
		attn: NewWindowAttention(cfg.Dim, ws, cfg.NumHeads,
			cfg.QKVBias, cfg.QKScale, cfg.AttnDrop, cfg.Drop, backend),
		dropPath: layers.NewDropPath[B](cfg.DropPath),
		norm2:    nn.NewLayerNorm(cfg.Dim, layers.NormEps, backend),
		mlp:      NewMlp(cfg.Dim, int(float64(cfg.Dim)*cfg.MLPRatio), cfg.Drop, backend),
		mask:     mask,
	}
}

// Forward maps [B, H*W, C] to [B, H*W, C].
func (b *Block[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	h, w := b.resolution[0], b.resolution[1]
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != h*w || shape[2] != b.dim {
		panic(fmt.Sprintf("SwinBlock.Forward: input feature has wrong size: expected [B,%d,%d], got %v",
			h*w, b.dim, shape))
	}
	batch := shape[0]

	shortcut := x
	y := b.norm1.Forward(x).Reshape(batch, h, w, b.dim)

	if b.shiftSize > 0 {
		y = layers.Roll(layers.Roll(y, -b.shiftSize, 1), -b.shiftSize, 2)
	}

	windows := WindowPartition(y, b.windowSize)
	windows = b.attn.Forward(windows, b.mask)
	y = WindowReverse(windows, b.windowSize, h, w)

	if b.shiftSize > 0 {
		y = layers.Roll(layers.Roll(y, b.shiftSize, 1), b.shiftSize, 2)
	}

	x = shortcut.Add(b.dropPath.Forward(y.Reshape(batch, h*w, b.dim)))
	return x.Add(b.dropPath.Forward(b.mlp.Forward(b.norm2.Forward(x))))
}

// FLOPs returns the multiply-accumulate count for one sample.
func (b *Block[B]) FLOPs() int64 {
	h, w := int64(b.resolution[0]), int64(b.resolution[1])
	dim := int64(b.dim)
	n := b.windowSize * b.windowSize
	nW := h * w / int64(n)

	var flops int64
	flops += dim * h * w // norm1
	flops += nW * b.attn.FLOPs(n)
	flops += 2 * h * w * dim * int64(float64(dim)*b.mlpRatio) // mlp
	flops += dim * h * w                                      // norm2
	return flops
}

// WindowSize returns the effective window size.
func (b *Block[B]) WindowSize() int {
	return b.windowSize
}

// ShiftSize returns the effective shift.
func (b *Block[B]) ShiftSize() int {
	return b.shiftSize
}

// SetTraining toggles dropout and stochastic depth.
func (b *Block[B]) SetTraining(training bool) {
	b.attn.SetTraining(training)
	b.dropPath.SetTraining(training)
	b.mlp.SetTraining(training)
}

// NamedParameters returns the parameters under their PyTorch names.
func (b *Block[B]) NamedParameters() []layers.Named[B] {
	named := layers.Prefixed("norm1", layers.NormNamed(b.norm1))
	named = append(named, layers.Prefixed("attn", b.attn.NamedParameters())...)
	named = append(named, layers.Prefixed("norm2", layers.NormNamed(b.norm2))...)
	named = append(named, layers.Prefixed("mlp", b.mlp.NamedParameters())...)
	return named
}

// String returns a string representation of the block.
func (b *Block[B]) String() string {
	return fmt.Sprintf("SwinTransformerBlock(dim=%d, input_resolution=(%d, %d), window_size=%d, shift_size=%d, mlp_ratio=%g)",
		b.dim, b.resolution[0], b.resolution[1], b.windowSize, b.shiftSize, b.mlpRatio)
}
