package sunet

import (
	"errors"
	"fmt"
)

// DualUpsample is the only supported final upsampling mode.
const DualUpsample = "Dual up-sample"

// upscale is the factor of the final upsampling head.
const upscale = 4

// Config holds the architecture hyperparameters of SUNet.
type Config struct {
	ImgSize   int `yaml:"img_size"`
	PatchSize int `yaml:"patch_size"`
	InChans   int `yaml:"in_chans"`
	OutChans  int `yaml:"out_chans"`
	EmbedDim  int `yaml:"embed_dim"`

	Depths     []int   `yaml:"depths"`
	NumHeads   []int   `yaml:"num_heads"`
	WindowSize int     `yaml:"window_size"`
	MLPRatio   float64 `yaml:"mlp_ratio"`
	QKVBias    bool    `yaml:"qkv_bias"`
	QKScale    float64 `yaml:"qk_scale"` // 0 selects head_dim^-0.5

	DropRate     float64 `yaml:"drop_rate"`
	AttnDropRate float64 `yaml:"attn_drop_rate"`
	DropPathRate float64 `yaml:"drop_path_rate"`

	APE           bool   `yaml:"ape"`
	PatchNorm     bool   `yaml:"patch_norm"`
	FinalUpsample string `yaml:"final_upsample"`

	// GlobalContext fuses the global-context branch into every encoder
	// stage through cross-attention.
	GlobalContext bool `yaml:"global_context"`
	// CrossAttnHeads is the head count of the fusion layers.
	CrossAttnHeads int `yaml:"cross_attn_heads"`
	// Bottleneck adds a residual transformer stage at the deepest
	// resolution, between encoder and decoder.
	Bottleneck bool `yaml:"bottleneck"`
}

// DefaultConfig returns the reference SUNet configuration.
func DefaultConfig() Config {
	return Config{
		ImgSize:        224,
		PatchSize:      4,
		InChans:        3,
		OutChans:       3,
		EmbedDim:       96,
		Depths:         []int{2, 2, 2, 2},
		NumHeads:       []int{3, 6, 12, 24},
		WindowSize:     7,
		MLPRatio:       4,
		QKVBias:        true,
		DropPathRate:   0.1,
		PatchNorm:      true,
		FinalUpsample:  DualUpsample,
		CrossAttnHeads: 3,
	}
}

// NumLayers returns the number of encoder (and decoder) stages.
func (c Config) NumLayers() int {
	return len(c.Depths)
}

// PatchesResolution returns the side of the token grid after patch embedding.
func (c Config) PatchesResolution() int {
	return c.ImgSize / c.PatchSize
}

// StageDim returns the channel count of encoder stage i.
func (c Config) StageDim(i int) int {
	return c.EmbedDim << i
}

// StageResolution returns the token grid side of encoder stage i.
func (c Config) StageResolution(i int) int {
	return c.PatchesResolution() >> i
}

// NumFeatures returns the channel count at the deepest stage.
func (c Config) NumFeatures() int {
	return c.StageDim(c.NumLayers() - 1)
}

// EffectiveWindow returns the window used at a grid side: the configured
// window, or the grid itself when it is not larger than the window.
func (c Config) EffectiveWindow(res int) int {
	if res <= c.WindowSize {
		return res
	}
	return c.WindowSize
}

// Validate reports every violated constraint.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.ImgSize <= 0 {
		add("img_size must be positive, got %d", c.ImgSize)
	}
	if c.PatchSize <= 0 {
		add("patch_size must be positive, got %d", c.PatchSize)
	}
	if c.InChans <= 0 {
		add("in_chans must be positive, got %d", c.InChans)
	}
	if c.OutChans <= 0 {
		add("out_chans must be positive, got %d", c.OutChans)
	}
	if c.EmbedDim <= 0 {
		add("embed_dim must be positive, got %d", c.EmbedDim)
	}
	if c.WindowSize <= 0 {
		add("window_size must be positive, got %d", c.WindowSize)
	}
	if c.MLPRatio <= 0 {
		add("mlp_ratio must be positive, got %g", c.MLPRatio)
	}
	if c.QKScale < 0 {
		add("qk_scale must not be negative, got %g", c.QKScale)
	}
	for _, r := range []struct {
		name string
		rate float64
	}{
		{"drop_rate", c.DropRate},
		{"attn_drop_rate", c.AttnDropRate},
		{"drop_path_rate", c.DropPathRate},
	} {
		if r.rate < 0 || r.rate >= 1 {
			add("%s must be in [0, 1), got %g", r.name, r.rate)
		}
	}
	if c.FinalUpsample != DualUpsample {
		add("final_upsample %q not supported (want %q)", c.FinalUpsample, DualUpsample)
	}
	// The final dual upsample is fixed at 4x, so only a patch of 4 gives
	// back the input resolution.
	if c.PatchSize > 0 && c.PatchSize != upscale {
		add("patch_size must be %d for %q, got %d", upscale, DualUpsample, c.PatchSize)
	}

	if len(c.Depths) < 2 {
		add("depths must have at least 2 stages, got %d", len(c.Depths))
	}
	if len(c.Depths) != len(c.NumHeads) {
		add("depths has %d stages but num_heads has %d", len(c.Depths), len(c.NumHeads))
	}
	for i, d := range c.Depths {
		if d <= 0 {
			add("depths[%d] must be positive, got %d", i, d)
		}
	}

	// Stage geometry only makes sense once the basic sizes are valid.
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if c.ImgSize%c.PatchSize != 0 {
		add("img_size %d not divisible by patch_size %d", c.ImgSize, c.PatchSize)
	}
	// 2^(n-1) overflows int for long stage lists, so compare by shifting.
	shift := c.NumLayers() - 1
	pr := c.PatchesResolution()
	if deepest := pr >> shift; deepest == 0 || deepest<<shift != pr {
		add("patch resolution %d not divisible by 2^(num_layers-1) for %d stages", pr, c.NumLayers())
		return errors.Join(errs...)
	}

	for i, heads := range c.NumHeads {
		dim := c.StageDim(i)
		if heads <= 0 {
			add("num_heads[%d] must be positive, got %d", i, heads)
			continue
		}
		if dim%heads != 0 {
			add("stage %d: dim %d not divisible by num_heads %d", i, dim, heads)
		}
		res := c.StageResolution(i)
		if res > 0 {
			if ws := c.EffectiveWindow(res); res%ws != 0 {
				add("stage %d: resolution %d not divisible by window %d", i, res, ws)
			}
		}
	}

	if c.GlobalContext {
		if c.CrossAttnHeads <= 0 {
			add("cross_attn_heads must be positive, got %d", c.CrossAttnHeads)
		} else {
			for i := range c.Depths {
				if dim := c.StageDim(i); dim%c.CrossAttnHeads != 0 {
					add("stage %d: dim %d not divisible by cross_attn_heads %d", i, dim, c.CrossAttnHeads)
				}
			}
		}
		for i, d := range c.Depths {
			if d/2 == 0 {
				add("stage %d: depth %d leaves no global-context blocks", i, d)
			}
		}
	}

	return errors.Join(errs...)
}
