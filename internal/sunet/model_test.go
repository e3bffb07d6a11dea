package sunet

import (
	"strings"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gonum.org/v1/gonum/floats"
)

type Backend = *autodiff.Backend[*cpu.Backend]

var _ nn.Module[Backend] = (*Model[Backend])(nil)

// tinyConfig is a three-stage model small enough for CPU tests.
func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.ImgSize = 16
	cfg.EmbedDim = 8
	cfg.Depths = []int{2, 2, 2}
	cfg.NumHeads = []int{2, 2, 4}
	cfg.WindowSize = 2
	cfg.MLPRatio = 2
	cfg.CrossAttnHeads = 2
	return cfg
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// TestModel_ForwardShape tests that output resolution matches the input.
func TestModel_ForwardShape(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"default", func(*Config) {}},
		{"ape", func(c *Config) { c.APE = true }},
		{"no patch norm", func(c *Config) { c.PatchNorm = false }},
		{"global context", func(c *Config) { c.GlobalContext = true }},
		{"bottleneck", func(c *Config) { c.Bottleneck = true }},
		{"two stages", func(c *Config) {
			c.Depths = []int{2, 2}
			c.NumHeads = []int{2, 4}
			c.OutChans = 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			tt.modify(&cfg)

			backend := autodiff.New(cpu.New())
			model, err := New(cfg, backend)
			require.NoError(t, err)

			x := tensor.Randn[float32](tensor.Shape{2, cfg.InChans, cfg.ImgSize, cfg.ImgSize}, backend)
			out := model.Forward(x)
			assert.Equal(t, tensor.Shape{2, cfg.OutChans, cfg.ImgSize, cfg.ImgSize}, out.Shape())
		})
	}
}

// TestModel_ForwardFeatures tests skip recording and the deepest tokens.
func TestModel_ForwardFeatures(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()
	model, err := New(cfg, backend)
	require.NoError(t, err)

	x := tensor.Randn[float32](tensor.Shape{1, cfg.EmbedDim, 16, 16}, backend)
	out, residual, skips := model.ForwardFeatures(x)

	assert.Same(t, x, residual)
	assert.Equal(t, tensor.Shape{1, 1, 32}, out.Shape())
	require.Len(t, skips, 3)
	assert.Equal(t, tensor.Shape{1, 16, 8}, skips[0].Shape())
	assert.Equal(t, tensor.Shape{1, 4, 16}, skips[1].Shape())
	assert.Equal(t, tensor.Shape{1, 1, 32}, skips[2].Shape())

	up := model.ForwardUpFeatures(out, skips)
	assert.Equal(t, tensor.Shape{1, 16, 8}, up.Shape())
	assert.Equal(t, tensor.Shape{1, 8, 16, 16}, model.UpX4(up).Shape())
}

// TestModel_WrongInput tests the input assertions.
func TestModel_WrongInput(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), backend)
	require.NoError(t, err)

	assert.Panics(t, func() {
		model.Forward(tensor.Randn[float32](tensor.Shape{1, 3, 32, 32}, backend))
	})
	assert.Panics(t, func() {
		model.UpX4(tensor.Randn[float32](tensor.Shape{1, 15, 8}, backend))
	})
	assert.Panics(t, func() {
		model.ForwardUpFeatures(tensor.Randn[float32](tensor.Shape{1, 1, 32}, backend), nil)
	})
}

// TestNew_InvalidConfig tests that construction rejects bad configs.
func TestNew_InvalidConfig(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumHeads = []int{3, 2, 4}

	model, err := New(cfg, autodiff.New(cpu.New()))
	require.Error(t, err)
	assert.Nil(t, model)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Contains(t, err.Error(), "not divisible by num_heads 3")
}

// TestModel_NamedParameters tests the top-level state-dict layout.
func TestModel_NamedParameters(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()
	cfg.APE = true
	cfg.GlobalContext = true
	cfg.Bottleneck = true
	model, err := New(cfg, backend)
	require.NoError(t, err)

	named := model.NamedParameters()
	seen := map[string]bool{}
	var prefixes []string
	for _, n := range named {
		require.False(t, seen[n.Name], "duplicate %s", n.Name)
		seen[n.Name] = true

		prefix := n.Name
		if parts := strings.SplitN(n.Name, ".", 3); len(parts) == 3 && isDigits(parts[1]) {
			prefix = parts[0] + "." + parts[1]
		} else if i := strings.Index(n.Name, "."); i > 0 {
			prefix = n.Name[:i]
		}
		if len(prefixes) == 0 || prefixes[len(prefixes)-1] != prefix {
			prefixes = append(prefixes, prefix)
		}
	}

	want := []string{
		"conv_first", "patch_embed", "absolute_pos_embed",
		"layers.0", "layers.1", "layers.2",
		"gc_layers.0", "gc_layers.1", "gc_layers.2",
		"cross_attn.0", "cross_attn.1", "cross_attn.2",
		"bottleneck",
		"layers_up.0", "layers_up.1", "layers_up.2",
		"concat_back_dim.1", "concat_back_dim.2",
		"norm", "norm_up", "up", "output",
	}
	if diff := cmp.Diff(want, prefixes); diff != "" {
		t.Errorf("parameter groups mismatch (-want +got):\n%s", diff)
	}

	for _, key := range []string{
		"layers.0.blocks.1.attn.relative_position_bias_table",
		"layers.0.downsample.reduction.weight",
		"layers_up.0.up_p.0.weight",
		"layers_up.1.upsample.conv.weight",
		"concat_back_dim.1.bias",
		"output.weight",
	} {
		assert.True(t, seen[key], "missing %s", key)
	}
	assert.False(t, seen["output.bias"])
	assert.False(t, seen["layers.2.downsample.reduction.weight"])
	assert.Equal(t, model.NumParameters(), countNamed(model))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func countNamed(m *Model[Backend]) int {
	total := 0
	for _, n := range m.NamedParameters() {
		total += n.Param.Tensor().NumElements()
	}
	return total
}

// TestModel_OptionalParameters tests that disabled features add no parameters.
func TestModel_OptionalParameters(t *testing.T) {
	backend := autodiff.New(cpu.New())
	base, err := New(tinyConfig(), backend)
	require.NoError(t, err)

	cfg := tinyConfig()
	cfg.GlobalContext = true
	withGC, err := New(cfg, backend)
	require.NoError(t, err)

	assert.Greater(t, withGC.NumParameters(), base.NumParameters())
	assert.Greater(t, withGC.FLOPs(), base.FLOPs())
	for _, n := range base.NamedParameters() {
		assert.False(t, strings.HasPrefix(n.Name, "gc_layers"), n.Name)
		assert.NotEqual(t, "absolute_pos_embed", n.Name)
	}
}

// TestModel_StateDictRoundTrip tests that loading weights reproduces outputs.
func TestModel_StateDictRoundTrip(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()

	src, err := New(cfg, backend)
	require.NoError(t, err)
	dst, err := New(cfg, backend)
	require.NoError(t, err)

	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	x := tensor.Randn[float32](tensor.Shape{1, 3, 16, 16}, backend)
	want := toFloat64(src.Forward(x.Clone()).Data())
	got := toFloat64(dst.Forward(x.Clone()).Data())
	assert.True(t, floats.EqualApprox(want, got, 1e-5))
}

// zeroMatching zeroes every parameter whose name has the prefix and contains
// the fragment, and returns a function restoring the previous values.
func zeroMatching(m *Model[Backend], prefix, fragment string) (restore func()) {
	saved := make(map[string][]float32)
	for _, n := range m.NamedParameters() {
		if !strings.HasPrefix(n.Name, prefix) || !strings.Contains(n.Name, fragment) {
			continue
		}
		data := n.Param.Tensor().Data()
		saved[n.Name] = append([]float32(nil), data...)
		for i := range data {
			data[i] = 0
		}
	}
	return func() {
		for _, n := range m.NamedParameters() {
			if v, ok := saved[n.Name]; ok {
				copy(n.Param.Tensor().Data(), v)
			}
		}
	}
}

// sharedPair builds a model with modify applied and a plain model holding
// the same weights for every parameter they share.
func sharedPair(t *testing.T, backend Backend, modify func(*Config)) (*Model[Backend], *Model[Backend]) {
	t.Helper()
	cfg := tinyConfig()
	modify(&cfg)
	extended, err := New(cfg, backend)
	require.NoError(t, err)

	plain, err := New(tinyConfig(), backend)
	require.NoError(t, err)
	require.NoError(t, plain.LoadStateDict(extended.StateDict()))
	return extended, plain
}

// TestModel_GlobalContextFusion tests that the fusion layers feed the encoder.
func TestModel_GlobalContextFusion(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, plain := sharedPair(t, backend, func(c *Config) { c.GlobalContext = true })
	x := tensor.Randn[float32](tensor.Shape{1, 3, 16, 16}, backend)
	want := toFloat64(plain.Forward(x.Clone()).Data())

	// A zero output projection reduces every fusion to its residual.
	restore := zeroMatching(model, "cross_attn.", ".out_proj.")
	got := toFloat64(model.Forward(x.Clone()).Data())
	assert.True(t, floats.EqualApprox(want, got, 1e-5), "zeroed fusion should match the plain model")

	restore()
	got = toFloat64(model.Forward(x.Clone()).Data())
	assert.False(t, floats.EqualApprox(want, got, 1e-6), "fusion output should change the result")
}

// TestModel_BottleneckResidual tests that the bottleneck is applied between
// encoder and decoder as a residual branch.
func TestModel_BottleneckResidual(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, plain := sharedPair(t, backend, func(c *Config) { c.Bottleneck = true })
	x := tensor.Randn[float32](tensor.Shape{1, 3, 16, 16}, backend)

	plainOut := toFloat64(plain.Forward(x.Clone()).Data())
	got := toFloat64(model.Forward(x.Clone()).Data())
	assert.False(t, floats.EqualApprox(plainOut, got, 1e-6), "bottleneck should change the result")

	// Every bottleneck block is itself residual, so zeroed weights make the
	// stage an identity and the outer residual doubles the deepest tokens.
	restore := zeroMatching(model, "bottleneck.block.", "")
	defer restore()

	feats, _, skips := plain.ForwardFeatures(plain.convFirst.Forward(x.Clone()))
	want := plain.output.Forward(plain.UpX4(plain.ForwardUpFeatures(feats.Add(feats), skips)))
	got = toFloat64(model.Forward(x.Clone()).Data())
	assert.True(t, floats.EqualApprox(toFloat64(want.Data()), got, 1e-4))
}

// TestModel_LoadStateDictMissing tests the error for an incomplete dict.
func TestModel_LoadStateDictMissing(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), backend)
	require.NoError(t, err)

	sd := model.StateDict()
	delete(sd, "norm_up.weight")

	err = model.LoadStateDict(sd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "norm_up.weight")
}

// TestModel_FLOPs tests the head term of the FLOPs estimate.
func TestModel_FLOPs(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()
	model, err := New(cfg, backend)
	require.NoError(t, err)

	var want int64
	want += model.patchEmbed.FLOPs()
	for _, stage := range model.encoder {
		want += stage.FLOPs()
	}
	want += 32*4*4/8 + 32*3
	assert.Equal(t, want, model.FLOPs())
}

// TestModel_WeightDecayExclusions tests the exclusion lists.
func TestModel_WeightDecayExclusions(t *testing.T) {
	model, err := New(tinyConfig(), autodiff.New(cpu.New()))
	require.NoError(t, err)

	assert.Equal(t, []string{"absolute_pos_embed"}, model.NoWeightDecay())
	assert.Equal(t, []string{"relative_position_bias_table"}, model.NoWeightDecayKeywords())
}

// TestModel_SetTraining tests that evaluation mode is deterministic.
func TestModel_SetTraining(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()
	cfg.DropRate = 0.5
	model, err := New(cfg, backend)
	require.NoError(t, err)

	x := tensor.Randn[float32](tensor.Shape{1, 3, 16, 16}, backend)

	model.SetTraining(true)
	train := model.Forward(x.Clone())
	assert.Equal(t, tensor.Shape{1, 3, 16, 16}, train.Shape())

	model.SetTraining(false)
	a := toFloat64(model.Forward(x.Clone()).Data())
	b := toFloat64(model.Forward(x.Clone()).Data())
	assert.True(t, floats.Equal(a, b))
}

// TestModel_Trainables tests that every dropout-bearing stage is toggled.
func TestModel_Trainables(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := tinyConfig()
	model, err := New(cfg, backend)
	require.NoError(t, err)
	n := cfg.NumLayers()
	assert.Len(t, model.trainables(), 1+n+(n-1))

	cfg.Bottleneck = true
	withBottleneck, err := New(cfg, backend)
	require.NoError(t, err)
	assert.Len(t, withBottleneck.trainables(), 1+n+1+(n-1))
}

// TestModel_StageShapes tests the analytic shape table against a real run.
func TestModel_StageShapes(t *testing.T) {
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), backend)
	require.NoError(t, err)

	shapes := model.StageShapes(2)
	byName := map[string]tensor.Shape{}
	for _, s := range shapes {
		byName[s.Name] = s.Shape
	}

	assert.Equal(t, "conv_first", shapes[0].Name)
	assert.Equal(t, "output", shapes[len(shapes)-1].Name)
	assert.Equal(t, tensor.Shape{2, 16, 8}, byName["patch_embed"])
	assert.Equal(t, tensor.Shape{2, 4, 16}, byName["layers.0"])
	assert.Equal(t, tensor.Shape{2, 1, 32}, byName["layers.2"])
	assert.Equal(t, tensor.Shape{2, 4, 16}, byName["layers_up.0"])
	assert.Equal(t, tensor.Shape{2, 16, 8}, byName["layers_up.2"])
	assert.Equal(t, tensor.Shape{2, 3, 16, 16}, byName["output"])

	x := tensor.Randn[float32](tensor.Shape{2, 3, 16, 16}, backend)
	assert.Equal(t, byName["output"], model.Forward(x).Shape())
}

// TestModel_DebugTrace tests that stage shapes are logged at debug level.
func TestModel_DebugTrace(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	backend := autodiff.New(cpu.New())
	model, err := New(tinyConfig(), backend, WithLogger(zap.New(core)))
	require.NoError(t, err)

	model.Forward(tensor.Randn[float32](tensor.Shape{1, 3, 16, 16}, backend))

	assert.Equal(t, 1, logs.FilterMessage("built SUNet").Len())
	stages := logs.FilterMessage("forward").All()
	require.NotEmpty(t, stages)
	assert.Equal(t, "layers.0", stages[0].ContextMap()["stage"])
}
