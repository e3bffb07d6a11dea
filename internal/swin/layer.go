package swin

import (
	"fmt"

	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/layers"
)

// LayerConfig describes one encoder or decoder stage.
type LayerConfig struct {
	Dim        int
	Resolution [2]int
	Depth      int
	NumHeads   int
	WindowSize int
	MLPRatio   float64
	QKVBias    bool
	QKScale    float64
	Drop       float64
	AttnDrop   float64
	DropPath   []float64 // per block, len == Depth
}

func (c LayerConfig) blocks() []BlockConfig {
	if len(c.DropPath) != c.Depth {
		panic(fmt.Sprintf("swin layer: %d drop path rates for depth %d", len(c.DropPath), c.Depth))
	}
	cfgs := make([]BlockConfig, c.Depth)
	for i := range cfgs {
		shift := 0
		if i%2 == 1 {
			shift = c.WindowSize / 2
		}
		cfgs[i] = BlockConfig{
			Dim:        c.Dim,
			Resolution: c.Resolution,
			NumHeads:   c.NumHeads,
			WindowSize: c.WindowSize,
			ShiftSize:  shift,
			MLPRatio:   c.MLPRatio,
			QKVBias:    c.QKVBias,
			QKScale:    c.QKScale,
			Drop:       c.Drop,
			AttnDrop:   c.AttnDrop,
			DropPath:   c.DropPath[i],
		}
	}
	return cfgs
}

// BasicLayer is an encoder stage: Depth blocks alternating regular and
// shifted windows, optionally followed by PatchMerging.
type BasicLayer[B tensor.Backend] struct {
	cfg        LayerConfig
	blocks     []*Block[B]
	downsample *PatchMerging[B] // nil for the last stage
}

// NewBasicLayer creates an encoder stage.
func NewBasicLayer[B tensor.Backend](cfg LayerConfig, downsample bool, backend B) *BasicLayer[B] {
	l := &BasicLayer[B]{cfg: cfg}
	for _, bc := range cfg.blocks() {
		l.blocks = append(l.blocks, NewBlock(bc, backend))
	}
	if downsample {
		l.downsample = NewPatchMerging(cfg.Resolution, cfg.Dim, backend)
	}
	return l
}

// Forward maps [B, H*W, C] to [B, H*W, C], or to [B, H*W/4, 2C] with downsampling.
func (l *BasicLayer[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, blk := range l.blocks {
		x = blk.Forward(x)
	}
	if l.downsample != nil {
		x = l.downsample.Forward(x)
	}
	return x
}

// OutDim returns the channel count after the stage.
func (l *BasicLayer[B]) OutDim() int {
	if l.downsample != nil {
		return 2 * l.cfg.Dim
	}
	return l.cfg.Dim
}

// OutResolution returns the token grid after the stage.
func (l *BasicLayer[B]) OutResolution() [2]int {
	if l.downsample != nil {
		return [2]int{l.cfg.Resolution[0] / 2, l.cfg.Resolution[1] / 2}
	}
	return l.cfg.Resolution
}

// Blocks returns the transformer blocks of the stage.
func (l *BasicLayer[B]) Blocks() []*Block[B] {
	return l.blocks
}

// FLOPs returns the multiply-accumulate count for one sample.
func (l *BasicLayer[B]) FLOPs() int64 {
	var flops int64
	for _, blk := range l.blocks {
		flops += blk.FLOPs()
	}
	if l.downsample != nil {
		flops += l.downsample.FLOPs()
	}
	return flops
}

// SetTraining toggles dropout and stochastic depth in every block.
func (l *BasicLayer[B]) SetTraining(training bool) {
	for _, blk := range l.blocks {
		blk.SetTraining(training)
	}
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
	return fmt.Sprintf("BasicLayer(dim=%d, input_resolution=(%d, %d), depth=%d)",
		l.cfg.Dim, l.cfg.Resolution[0], l.cfg.Resolution[1], l.cfg.Depth)
}

// BasicLayerUp is a decoder stage: Depth blocks optionally followed by a
// factor-2 dual upsample.
type BasicLayerUp[B tensor.Backend] struct {
	cfg      LayerConfig
	blocks   []*Block[B]
	upsample *UpSample[B] // nil for the last stage
}

// NewBasicLayerUp creates a decoder stage.
func NewBasicLayerUp[B tensor.Backend](cfg LayerConfig, upsample bool, backend B) *BasicLayerUp[B] {
	l := &BasicLayerUp[B]{cfg: cfg}
	for _, bc := range cfg.blocks() {
		l.blocks = append(l.blocks, NewBlock(bc, backend))
	}
	if upsample {
		l.upsample = NewUpSample(cfg.Resolution, cfg.Dim, 2, backend)
	}
	return l
}

// Forward maps [B, H*W, C] to [B, H*W, C], or to [B, 4*H*W, C/2] with upsampling.
func (l *BasicLayerUp[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	for _, blk := range l.blocks {
		x = blk.Forward(x)
	}
	if l.upsample != nil {
		x = l.upsample.Forward(x)
	}
	return x
}

// OutDim returns the channel count after the stage.
func (l *BasicLayerUp[B]) OutDim() int {
	if l.upsample != nil {
		return l.cfg.Dim / 2
	}
	return l.cfg.Dim
}

// OutResolution returns the token grid after the stage.
func (l *BasicLayerUp[B]) OutResolution() [2]int {
	if l.upsample != nil {
		return l.upsample.OutResolution()
	}
	return l.cfg.Resolution
}

// FLOPs returns the multiply-accumulate count for one sample.
func (l *BasicLayerUp[B]) FLOPs() int64 {
	var flops int64
	for _, blk := range l.blocks {
		flops += blk.FLOPs()
	}
	if l.upsample != nil {
		flops += l.upsample.FLOPs()
	}
	return flops
}

// SetTraining toggles dropout and stochastic depth in every block.
func (l *BasicLayerUp[B]) SetTraining(training bool) {
	for _, blk := range l.blocks {
		blk.SetTraining(training)
	}
}

// NamedParameters returns the parameters under their PyTorch names.
func (l *BasicLayerUp[B]) NamedParameters() []layers.Named[B] {
	var named []layers.Named[B]
	for i, blk := range l.blocks {
		named = append(named, layers.Prefixed(fmt.Sprintf("blocks.%d", i), blk.NamedParameters())...)
	}
	if l.upsample != nil {
		named = append(named, layers.Prefixed("upsample", l.upsample.NamedParameters())...)
	}
	return named
}

// String returns a string representation of the stage.
func (l *BasicLayerUp[B]) String() string {
	return fmt.Sprintf("BasicLayer_up(dim=%d, input_resolution=(%d, %d), depth=%d)",
		l.cfg.Dim, l.cfg.Resolution[0], l.cfg.Resolution[1], l.cfg.Depth)
}
