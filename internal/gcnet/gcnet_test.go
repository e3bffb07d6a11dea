package gcnet

import (
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestContextBlock_Shape tests that the block preserves its input shape.
func TestContextBlock_Shape(t *testing.T) {
	backend := autodiff.New(cpu.New())
	blk := NewContextBlock(8, DefaultRatio, backend)

	x := tensor.Randn[float32](tensor.Shape{2, 8, 4, 6}, backend)
	assert.Equal(t, tensor.Shape{2, 8, 4, 6}, blk.Forward(x).Shape())
}

// TestContextBlock_ZeroTransform tests that a zero output projection makes
// the block an identity.
func TestContextBlock_ZeroTransform(t *testing.T) {
	backend := autodiff.New(cpu.New())
	blk := NewContextBlock(4, 0.5, backend)
	for _, p := range blk.conv2.Parameters() {
		data := p.Tensor().Data()
		for i := range data {
			data[i] = 0
		}
	}

	x := tensor.Randn[float32](tensor.Shape{1, 4, 3, 3}, backend)
	out := blk.Forward(x)

	want := x.Data()
	got := out.Data()
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-6)
	}
}

// TestContextBlock_PoolWeightsSumToOne tests attention pooling of a constant map.
func TestContextBlock_PoolWeightsSumToOne(t *testing.T) {
	backend := autodiff.New(cpu.New())
	blk := NewContextBlock(3, DefaultRatio, backend)

	x := tensor.Full[float32](tensor.Shape{1, 3, 4, 4}, 2.5, backend)
	ctx := blk.pool(x)

	assert.Equal(t, tensor.Shape{1, 3, 1, 1}, ctx.Shape())
	for _, v := range ctx.Data() {
		assert.InDelta(t, 2.5, v, 1e-5)
	}
}

// TestContextBlock_MinimumPlanes tests the bottleneck lower bound.
func TestContextBlock_MinimumPlanes(t *testing.T) {
	backend := autodiff.New(cpu.New())
	blk := NewContextBlock(2, 0.1, backend)
	assert.Equal(t, 1, blk.planes)
}

// TestDownsamplingBlock tests the stride-2 channel doubling.
func TestDownsamplingBlock(t *testing.T) {
	backend := autodiff.New(cpu.New())
	down := NewDownsamplingBlock(4, backend)

	x := tensor.Randn[float32](tensor.Shape{2, 4, 8, 8}, backend)
	assert.Equal(t, tensor.Shape{2, 8, 4, 4}, down.Forward(x).Shape())
	assert.Equal(t, int64(4*4*4*8*9), down.FLOPs(8, 8))
}

// TestBasicLayer_ForwardFeatures tests features and next-stage outputs.
func TestBasicLayer_ForwardFeatures(t *testing.T) {
	backend := autodiff.New(cpu.New())

	tests := []struct {
		name       string
		downsample bool
		nextShape  tensor.Shape
	}{
		{"with downsample", true, tensor.Shape{1, 16, 2, 2}},
		{"last stage", false, tensor.Shape{1, 8, 4, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layer := NewBasicLayer(8, [2]int{4, 4}, 1, tt.downsample, backend)
			x := tensor.Randn[float32](tensor.Shape{1, 8, 4, 4}, backend)

			features, next := layer.ForwardFeatures(x)
			assert.Equal(t, tensor.Shape{1, 8, 4, 4}, features.Shape())
			assert.Equal(t, tt.nextShape, next.Shape())
			if !tt.downsample {
				assert.Same(t, features, next)
			}
		})
	}
}

// TestBasicLayer_WrongInput tests the resolution assertion.
func TestBasicLayer_WrongInput(t *testing.T) {
	backend := autodiff.New(cpu.New())
	layer := NewBasicLayer(8, [2]int{4, 4}, 1, true, backend)
	assert.Panics(t, func() {
		layer.Forward(tensor.Randn[float32](tensor.Shape{1, 8, 8, 8}, backend))
	})
}

// TestBasicLayer_ParameterNames tests the state-dict keys of a stage.
func TestBasicLayer_ParameterNames(t *testing.T) {
	backend := autodiff.New(cpu.New())
	layer := NewBasicLayer(8, [2]int{4, 4}, 2, true, backend)

	names := map[string]bool{}
	for _, n := range layer.NamedParameters() {
		names[n.Name] = true
	}
	for _, key := range []string{
		"blocks.0.conv_mask.weight",
		"blocks.1.channel_add_conv.0.bias",
		"blocks.1.channel_add_conv.1.weight",
		"blocks.0.channel_add_conv.3.weight",
		"downsample.conv.weight",
		"downsample.norm.bias",
	} {
		assert.True(t, names[key], "missing %s", key)
	}
	assert.Equal(t, 2, layer.Depth())
}
