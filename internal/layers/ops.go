package layers

import (
	"fmt"
	"math"

	"github.com/born-ml/born/tensor"
)

// BatchMatMul multiplies the trailing matrices of a and b, which must share
// all leading (batch) dimensions.
func BatchMatMul[B tensor.Backend](a, b *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := a.Backend()
	return tensor.New[float32, B](backend.BatchMatMul(a.Raw(), b.Raw()), backend)
}

// IndexSelect gathers rows of the 2D table weight: out[i] = weight[indices[i]].
func IndexSelect[B tensor.Backend](weight *tensor.Tensor[float32, B], indices *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	backend := weight.Backend()
	return tensor.New[float32, B](backend.Embedding(weight.Raw(), indices.Raw()), backend)
}

// Roll cyclically shifts x along dim by shift positions, with the same
// semantics as torch.roll: out[i] = x[(i - shift) mod n].
func Roll[B tensor.Backend](x *tensor.Tensor[float32, B], shift, dim int) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if dim < 0 {
		dim += len(shape)
	}
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Sprintf("roll: dimension %d out of range for shape %v", dim, shape))
	}

	n := shape[dim]
	shift = ((shift % n) + n) % n
	if shift == 0 {
		return x
	}

	// Move dim to the front so the shift becomes a row permutation.
	axes := make([]int, 0, len(shape))
	axes = append(axes, dim)
	for i := range shape {
		if i != dim {
			axes = append(axes, i)
		}
	}
	moved := x
	if dim != 0 {
		moved = x.Transpose(axes...)
	}
	movedShape := moved.Shape()

	index := make([]int32, n)
	for i := range index {
		index[i] = int32((i - shift + n) % n)
	}
	idx, err := tensor.FromSlice(index, tensor.Shape{n}, x.Backend())
	if err != nil {
		panic(err)
	}

	rolled := IndexSelect(moved.Reshape(n, shape.NumElements()/n), idx).Reshape(movedShape...)
	if dim == 0 {
		return rolled
	}

	inverse := make([]int, len(axes))
	for i, a := range axes {
		inverse[a] = i
	}
	return rolled.Transpose(inverse...)
}

// PixelShuffle rearranges [B, C*r*r, H, W] into [B, C, H*r, W*r].
func PixelShuffle[B tensor.Backend](x *tensor.Tensor[float32, B], r int) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("PixelShuffle: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c%(r*r) != 0 {
		panic(fmt.Sprintf("PixelShuffle: channels %d not divisible by %d", c, r*r))
	}
	oc := c / (r * r)

	return x.Reshape(b, oc, r, r, h, w).
		Transpose(0, 1, 4, 2, 5, 3).
		Reshape(b, oc, h*r, w*r)
}

// BilinearUpsample scales the spatial axes of [B, C, H, W] by an integer
// factor, matching F.interpolate(mode="bilinear", align_corners=False).
//
// Interpolation is separable, so it is expressed as two matrix products with
// constant weights; gradients flow through MatMul.
func BilinearUpsample[B tensor.Backend](x *tensor.Tensor[float32, B], scale int) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("BilinearUpsample: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	if scale <= 0 {
		panic(fmt.Sprintf("BilinearUpsample: invalid scale %d", scale))
	}
	b, c, h, w := shape[0], shape[1], shape[2], shape[3]
	oh, ow := h*scale, w*scale
	backend := x.Backend()

	mw := interpolationMatrix(w, ow, scale, backend) // [W, OW]
	mh := interpolationMatrix(h, oh, scale, backend) // [H, OH]

	// Width: [B*C*H, W] @ [W, OW]
	y := x.Reshape(b*c*h, w).MatMul(mw)

	// Height: bring H last, [B*C*OW, H] @ [H, OH]
	y = y.Reshape(b*c, h, ow).Transpose(0, 2, 1).Reshape(b*c*ow, h).MatMul(mh)

	return y.Reshape(b*c, ow, oh).Transpose(0, 2, 1).Reshape(b, c, oh, ow)
}

// interpolationMatrix returns the [in, out] weights mapping a length-in axis
// to length out with half-pixel centres.
func interpolationMatrix[B tensor.Backend](in, out, scale int, backend B) *tensor.Tensor[float32, B] {
	data := make([]float32, in*out)
	ratio := 1.0 / float64(scale)
	for o := 0; o < out; o++ {
		src := (float64(o)+0.5)*ratio - 0.5
		if src < 0 {
			src = 0
		}
		i0 := int(math.Floor(src))
		if i0 > in-1 {
			i0 = in - 1
		}
		i1 := i0 + 1
		if i1 > in-1 {
			i1 = in - 1
		}
		l1 := float32(src - float64(i0))
		l0 := 1 - l1
		data[i0*out+o] += l0
		data[i1*out+o] += l1
	}
	m, err := tensor.FromSlice(data, tensor.Shape{in, out}, backend)
	if err != nil {
		panic(err)
	}
	return m
}

// TokensToMap converts tokens [B, H*W, C] to a feature map [B, C, H, W].
func TokensToMap[B tensor.Backend](x *tensor.Tensor[float32, B], h, w int) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 3 || shape[1] != h*w {
		panic(fmt.Sprintf("TokensToMap: expected [B, %d, C], got %v", h*w, shape))
	}
	return x.Reshape(shape[0], h, w, shape[2]).Transpose(0, 3, 1, 2)
}

// MapToTokens converts a feature map [B, C, H, W] to tokens [B, H*W, C].
func MapToTokens[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("MapToTokens: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	return x.Reshape(shape[0], shape[1], shape[2]*shape[3]).Transpose(0, 2, 1)
}
