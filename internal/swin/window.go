// Package swin implements the shifted-window transformer stages of SUNet:
// window attention, transformer blocks, patch merging, dual upsampling and
// the encoder/decoder basic layers built from them.
package swin

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// maskFill is the additive bias applied between tokens that came from
// different image regions after a cyclic shift.
const maskFill float32 = -100

// WindowPartition splits [B, H, W, C] into non-overlapping windows,
// returning [B*nW, ws*ws, C] with windows in row-major order.
func WindowPartition[B tensor.Backend](x *tensor.Tensor[float32, B], ws int) *tensor.Tensor[float32, B] {
	shape := x.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("WindowPartition: expected [B,H,W,C], got %v", shape))
	}
	b, h, w, c := shape[0], shape[1], shape[2], shape[3]
	if h%ws != 0 || w%ws != 0 {
		panic(fmt.Sprintf("WindowPartition: %dx%d not divisible by window %d", h, w, ws))
	}

	return x.Reshape(b, h/ws, ws, w/ws, ws, c).
		Transpose(0, 1, 3, 2, 4, 5).
		Reshape(b*(h/ws)*(w/ws), ws*ws, c)
}

// WindowReverse is the inverse of WindowPartition.
func WindowReverse[B tensor.Backend](windows *tensor.Tensor[float32, B], ws, h, w int) *tensor.Tensor[float32, B] {
	shape := windows.Shape()
	if len(shape) != 3 || shape[1] != ws*ws {
		panic(fmt.Sprintf("WindowReverse: expected [B*nW,%d,C], got %v", ws*ws, shape))
	}
	nW := (h / ws) * (w / ws)
	b := shape[0] / nW
	c := shape[2]

	return windows.Reshape(b, h/ws, w/ws, ws, ws, c).
		Transpose(0, 1, 3, 2, 4, 5).
		Reshape(b, h, w, c)
}

// RelativePositionIndex returns, for every (query, key) pair inside a window
// of size ws, the row of the relative position bias table it reads.
// The result has ws^4 entries laid out as [N, N] with N = ws*ws.
func RelativePositionIndex(ws int) []int32 {
	n := ws * ws
	span := 2*ws - 1
	index := make([]int32, n*n)
	for i := 0; i < n; i++ {
		hi, wi := i/ws, i%ws
		for j := 0; j < n; j++ {
			hj, wj := j/ws, j%ws
			dh := hi - hj + ws - 1
			dw := wi - wj + ws - 1
			index[i*n+j] = int32(dh*span + dw)
		}
	}
	return index
}

// ShiftedWindowMask builds the attention mask for a cyclically shifted
// H x W grid. The result is [nW, N, N] flattened: 0 where query and key came
// from the same region, -100 otherwise.
func ShiftedWindowMask(h, w, ws, shift int) []float32 {
	region := make([]int, h*w)
	label := 0
	for _, hs := range shiftSlices(h, ws, shift) {
		for _, wsl := range shiftSlices(w, ws, shift) {
			for y := hs[0]; y < hs[1]; y++ {
				for x := wsl[0]; x < wsl[1]; x++ {
					region[y*w+x] = label
				}
			}
			label++
		}
	}

	n := ws * ws
	nWh, nWw := h/ws, w/ws
	mask := make([]float32, nWh*nWw*n*n)
	windowLabels := make([]int, n)
	for wy := 0; wy < nWh; wy++ {
		for wx := 0; wx < nWw; wx++ {
			for p := 0; p < n; p++ {
				y := wy*ws + p/ws
				x := wx*ws + p%ws
				windowLabels[p] = region[y*w+x]
			}
			base := (wy*nWw + wx) * n * n
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					if windowLabels[i] != windowLabels[j] {
						mask[base+i*n+j] = maskFill
					}
				}
			}
		}
	}
	return mask
}

// shiftSlices returns the [start, end) ranges slice(0, -ws), slice(-ws, -shift)
// and slice(-shift, None) along an axis of the given size.
func shiftSlices(size, ws, shift int) [][2]int {
	return [][2]int{
		{0, size - ws},
		{size - ws, size - shift},
		{size - shift, size},
	}
}
