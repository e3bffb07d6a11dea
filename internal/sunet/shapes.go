package sunet

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// StageShape is the output shape of one named stage of the forward pass.
type StageShape struct {
	Name  string
	Shape tensor.Shape
}

// StageShapes returns the output shape of every stage for a batch size,
// derived from the configuration without running the model.
func (c Config) StageShapes(batch int) []StageShape {
	n := c.NumLayers()
	pr := c.PatchesResolution()
	tokens := func(i int) int {
		res := c.StageResolution(i)
		return res * res
	}

	shapes := []StageShape{
		{"conv_first", tensor.Shape{batch, c.EmbedDim, c.ImgSize, c.ImgSize}},
		{"patch_embed", tensor.Shape{batch, pr * pr, c.EmbedDim}},
	}
	for i := 0; i < n; i++ {
		out := tensor.Shape{batch, tokens(i), c.StageDim(i)}
		if i < n-1 {
			out = tensor.Shape{batch, tokens(i + 1), c.StageDim(i + 1)}
		}
		shapes = append(shapes, StageShape{fmt.Sprintf("layers.%d", i), out})
	}
	shapes = append(shapes, StageShape{"norm", tensor.Shape{batch, tokens(n - 1), c.NumFeatures()}})
	if c.Bottleneck {
		shapes = append(shapes, StageShape{"bottleneck", tensor.Shape{batch, tokens(n - 1), c.NumFeatures()}})
	}
	for i := 0; i < n; i++ {
		// Every decoder stage but the last doubles the resolution.
		j := n - 2 - i
		out := tensor.Shape{batch, tokens(0), c.EmbedDim}
		if j >= 0 {
			out = tensor.Shape{batch, tokens(j), c.StageDim(j)}
		}
		shapes = append(shapes, StageShape{fmt.Sprintf("layers_up.%d", i), out})
	}
	return append(shapes,
		StageShape{"norm_up", tensor.Shape{batch, pr * pr, c.EmbedDim}},
		StageShape{"up", tensor.Shape{batch, c.EmbedDim, upscale * pr, upscale * pr}},
		StageShape{"output", tensor.Shape{batch, c.OutChans, upscale * pr, upscale * pr}},
	)
}

// StageShapes returns the per-stage output shapes for a batch size.
func (m *Model[B]) StageShapes(batch int) []StageShape {
	return m.cfg.StageShapes(batch)
}
