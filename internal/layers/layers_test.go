package layers

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Backend = *autodiff.Backend[*cpu.Backend]

func newBackend() Backend {
	return autodiff.New(cpu.New())
}

func arange(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i)
	}
	return data
}

// TestLinear_Forward3D tests that leading axes are preserved.
func TestLinear_Forward3D(t *testing.T) {
	backend := newBackend()
	layer := NewLinear(4, 6, true, backend)

	x := tensor.Randn[float32](tensor.Shape{2, 5, 4}, backend)
	out := layer.Forward(x)

	assert.Equal(t, tensor.Shape{2, 5, 6}, out.Shape())
	assert.Len(t, layer.Parameters(), 2)
}

// TestLinear_KnownValues checks y = x @ W.T + b against hand-computed values.
func TestLinear_KnownValues(t *testing.T) {
	backend := newBackend()
	layer := NewLinear(2, 2, true, backend)

	copy(layer.Weight().Tensor().Data(), []float32{1, 2, 3, 4})
	copy(layer.Bias().Tensor().Data(), []float32{0.5, -0.5})

	x, err := tensor.FromSlice([]float32{1, 1, 2, 0}, tensor.Shape{1, 2, 2}, backend)
	require.NoError(t, err)

	out := layer.Forward(x).Data()
	expected := []float32{3.5, 6.5, 2.5, 5.5}
	for i, exp := range expected {
		assert.InDelta(t, exp, out[i], 1e-5, "index %d", i)
	}
}

// TestLinear_NoBias tests bias-free layers.
func TestLinear_NoBias(t *testing.T) {
	backend := newBackend()
	layer := NewLinear(8, 4, false, backend)

	assert.Nil(t, layer.Bias())
	named := layer.NamedParameters()
	require.Len(t, named, 1)
	assert.Equal(t, "weight", named[0].Name)
}

// TestLinear_WrongFeatures tests that mismatched inputs panic.
func TestLinear_WrongFeatures(t *testing.T) {
	backend := newBackend()
	layer := NewLinear(4, 2, true, backend)

	assert.Panics(t, func() {
		layer.Forward(tensor.Zeros[float32](tensor.Shape{3, 5}, backend))
	})
}

// TestTruncNormal_Bounds tests that samples stay inside the truncation range.
func TestTruncNormal_Bounds(t *testing.T) {
	backend := newBackend()
	w := TruncNormal(tensor.Shape{64, 64}, 1.5, backend)

	for _, v := range w.Data() {
		assert.GreaterOrEqual(t, v, float32(truncLow))
		assert.LessOrEqual(t, v, float32(truncHigh))
	}
}

// TestLinspace tests the stochastic depth schedule helper.
func TestLinspace(t *testing.T) {
	assert.Equal(t, []float64{0, 0.25, 0.5, 0.75, 1}, Linspace(0, 1, 5))
	assert.Equal(t, []float64{0.3}, Linspace(0.3, 1, 1))
	assert.Nil(t, Linspace(0, 1, 0))
}

// TestGELU_Output compares against the tanh formulation.
func TestGELU_Output(t *testing.T) {
	backend := newBackend()
	data := []float32{-3, -1, -0.5, 0, 0.5, 1, 3}
	x, err := tensor.FromSlice(data, tensor.Shape{1, len(data)}, backend)
	require.NoError(t, err)

	out := GELU(x).Data()
	for i, v := range data {
		inner := math.Sqrt(2/math.Pi) * (float64(v) + 0.044715*math.Pow(float64(v), 3))
		expected := 0.5 * float64(v) * (1 + math.Tanh(inner))
		assert.InDelta(t, expected, out[i], 1e-4, "GELU mismatch at %v", v)
	}
}

// TestPReLU_Output tests the default 0.25 slope.
func TestPReLU_Output(t *testing.T) {
	backend := newBackend()
	prelu := NewPReLU(backend)

	x, err := tensor.FromSlice([]float32{-4, -1, 0, 2}, tensor.Shape{1, 1, 2, 2}, backend)
	require.NoError(t, err)

	out := prelu.Forward(x).Data()
	expected := []float32{-1, -0.25, 0, 2}
	for i, exp := range expected {
		assert.InDelta(t, exp, out[i], 1e-6)
	}
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, prelu.Forward(x).Shape())
}

// TestDropout_EvalIsIdentity tests that evaluation mode leaves input untouched.
func TestDropout_EvalIsIdentity(t *testing.T) {
	backend := newBackend()
	x := tensor.Randn[float32](tensor.Shape{4, 8}, backend)

	d := NewDropout[Backend](0.5)
	assert.Same(t, x, d.Forward(x))

	dp := NewDropPath[Backend](0.5)
	assert.Same(t, x, dp.Forward(x))
}

// TestDropout_TrainingScales tests that kept elements are rescaled.
func TestDropout_TrainingScales(t *testing.T) {
	backend := newBackend()
	x := tensor.Ones[float32](tensor.Shape{64, 16}, backend)

	d := NewDropout[Backend](0.5)
	d.SetTraining(true)
	for _, v := range d.Forward(x).Data() {
		assert.True(t, v == 0 || math.Abs(float64(v)-2) < 1e-6, "unexpected value %v", v)
	}
}

// TestDropPath_PerSample tests that a sample is either fully kept or fully dropped.
func TestDropPath_PerSample(t *testing.T) {
	backend := newBackend()
	x := tensor.Ones[float32](tensor.Shape{16, 3, 4}, backend)

	dp := NewDropPath[Backend](0.3)
	dp.SetTraining(true)
	out := dp.Forward(x).Data()

	for s := 0; s < 16; s++ {
		first := out[s*12]
		for i := 1; i < 12; i++ {
			assert.Equal(t, first, out[s*12+i], "sample %d not uniform", s)
		}
	}
}

// TestDropout_InvalidRate tests constructor validation.
func TestDropout_InvalidRate(t *testing.T) {
	assert.Panics(t, func() { NewDropout[Backend](1) })
	assert.Panics(t, func() { NewDropPath[Backend](-0.1) })
}

// TestRoll tests torch.roll semantics on both axes of a 2D grid.
func TestRoll(t *testing.T) {
	backend := newBackend()
	// [1, 3, 3, 1]
	x, err := tensor.FromSlice(arange(9), tensor.Shape{1, 3, 3, 1}, backend)
	require.NoError(t, err)

	tests := []struct {
		name     string
		shift    int
		dim      int
		expected []float32
	}{
		{"rows forward", 1, 1, []float32{6, 7, 8, 0, 1, 2, 3, 4, 5}},
		{"rows backward", -1, 1, []float32{3, 4, 5, 6, 7, 8, 0, 1, 2}},
		{"cols forward", 1, 2, []float32{2, 0, 1, 5, 3, 4, 8, 6, 7}},
		{"full cycle", 3, 2, arange(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Roll(x, tt.shift, tt.dim)
			assert.Equal(t, x.Shape(), out.Shape())
			assert.Equal(t, tt.expected, out.Data())
		})
	}
}

// TestPixelShuffle tests the channel-to-space rearrangement.
func TestPixelShuffle(t *testing.T) {
	backend := newBackend()
	// 4 channels of a 1x1 map become one 2x2 channel.
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 4, 1, 1}, backend)
	require.NoError(t, err)

	out := PixelShuffle(x, 2)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Data())

	y := tensor.Randn[float32](tensor.Shape{2, 18, 3, 5}, backend)
	assert.Equal(t, tensor.Shape{2, 2, 9, 15}, PixelShuffle(y, 3).Shape())
}

// TestBilinearUpsample tests against PyTorch align_corners=False values.
func TestBilinearUpsample(t *testing.T) {
	backend := newBackend()
	x, err := tensor.FromSlice([]float32{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2}, backend)
	require.NoError(t, err)

	out := BilinearUpsample(x, 2)
	require.Equal(t, tensor.Shape{1, 1, 4, 4}, out.Shape())

	// F.interpolate(torch.tensor([[[[1.,2.],[3.,4.]]]]), scale_factor=2, mode="bilinear")
	expected := []float32{
		1.0, 1.25, 1.75, 2.0,
		1.5, 1.75, 2.25, 2.5,
		2.5, 2.75, 3.25, 3.5,
		3.0, 3.25, 3.75, 4.0,
	}
	got := out.Data()
	for i, exp := range expected {
		assert.InDelta(t, exp, got[i], 1e-5, "index %d", i)
	}
}

// TestBilinearUpsample_Constant tests that constant maps stay constant.
func TestBilinearUpsample_Constant(t *testing.T) {
	backend := newBackend()
	x := tensor.Full[float32](tensor.Shape{2, 3, 3, 5}, 7, backend)

	out := BilinearUpsample(x, 4)
	assert.Equal(t, tensor.Shape{2, 3, 12, 20}, out.Shape())
	for _, v := range out.Data() {
		assert.InDelta(t, 7.0, v, 1e-5)
	}
}

// TestTokensMapRoundTrip tests the token and map layout conversions.
func TestTokensMapRoundTrip(t *testing.T) {
	backend := newBackend()
	x, err := tensor.FromSlice(arange(24), tensor.Shape{1, 6, 4}, backend)
	require.NoError(t, err)

	m := TokensToMap(x, 2, 3)
	assert.Equal(t, tensor.Shape{1, 4, 2, 3}, m.Shape())
	// channel 1 of token 2
	assert.InDelta(t, 9.0, m.At(0, 1, 0, 2), 1e-6)

	back := MapToTokens(m)
	assert.Equal(t, x.Data(), back.Data())
}

// TestChannelNorm tests normalisation across channels.
func TestChannelNorm(t *testing.T) {
	backend := newBackend()
	norm := NewChannelNorm(2, backend)

	// Two channels, one spatial position each pair differs by 2.
	x, err := tensor.FromSlice([]float32{1, 5, 3, 7}, tensor.Shape{1, 2, 1, 2}, backend)
	require.NoError(t, err)

	out := norm.Forward(x)
	assert.Equal(t, tensor.Shape{1, 2, 1, 2}, out.Shape())
	got := out.Data()
	// Each position normalises (a, b) with a < b to (-1, 1).
	for i, exp := range []float32{-1, -1, 1, 1} {
		assert.InDelta(t, exp, got[i], 1e-3)
	}
}

// TestStateDict_RoundTrip tests loading a state dict into a fresh layer.
func TestStateDict_RoundTrip(t *testing.T) {
	backend := newBackend()
	src := NewLinear(3, 2, true, backend)
	dst := NewLinear(3, 2, true, backend)

	sd := StateDict(Prefixed("proj", src.NamedParameters()))
	require.Contains(t, sd, "proj.weight")
	require.Contains(t, sd, "proj.bias")

	require.NoError(t, LoadStateDict(Prefixed("proj", dst.NamedParameters()), sd))
	assert.Equal(t, src.Weight().Tensor().Data(), dst.Weight().Tensor().Data())
}

// TestLoadStateDict_Errors tests missing keys and shape mismatches.
func TestLoadStateDict_Errors(t *testing.T) {
	backend := newBackend()
	layer := NewLinear(3, 2, true, backend)
	other := NewLinear(4, 2, true, backend)

	err := LoadStateDict(layer.NamedParameters(), map[string]*tensor.RawTensor{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing weight")

	err = LoadStateDict(layer.NamedParameters(), StateDict(other.NamedParameters()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shape mismatch")
}
