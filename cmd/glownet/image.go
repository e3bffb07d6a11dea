package main

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"runtime"

	"github.com/glownet/glownet/internal/parallel"
	"golang.org/x/image/draw"
)

// pixelParallelism splits per-pixel loops into chunks of at least 4096.
var pixelParallelism = parallel.Config{Workers: runtime.NumCPU(), MinChunk: 4096}

// loadImage decodes a PNG, resizes it to size x size and returns it as a
// [channels, size, size] slice with values in [0, 1].
func loadImage(path string, size, channels int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	src, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return imageToCHW(src, size, channels)
}

func imageToCHW(src image.Image, size, channels int) ([]float32, error) {
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("image input needs 1 or 3 channels, model has %d", channels)
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size, size))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	plane := size * size
	data := make([]float32, channels*plane)
	parallel.For(size, func(y int) {
		for x := 0; x < size; x++ {
			i := y*size + x
			if channels == 1 {
				g := color.GrayModel.Convert(dst.At(x, y)).(color.Gray)
				data[i] = float32(g.Y) / 255
				continue
			}
			p := dst.NRGBAAt(x, y)
			data[i] = float32(p.R) / 255
			data[plane+i] = float32(p.G) / 255
			data[2*plane+i] = float32(p.B) / 255
		}
	}, parallel.DefaultConfig())
	return data, nil
}

// saveImage writes a [channels, h, w] slice as PNG, clamping to [0, 1].
func saveImage(path string, data []float32, channels, h, w int) error {
	img, err := chwToImage(data, channels, h, w)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image: %w", err)
	}
	return f.Close()
}

func chwToImage(data []float32, channels, h, w int) (image.Image, error) {
	if len(data) != channels*h*w {
		return nil, fmt.Errorf("image data has %d values, want %d", len(data), channels*h*w)
	}
	plane := h * w
	switch channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, w, h))
		parallel.For(plane, func(i int) {
			img.Pix[i] = toByte(data[i])
		}, pixelParallelism)
		return img, nil
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		parallel.For(plane, func(i int) {
			img.Pix[4*i] = toByte(data[i])
			img.Pix[4*i+1] = toByte(data[plane+i])
			img.Pix[4*i+2] = toByte(data[2*plane+i])
			img.Pix[4*i+3] = 255
		}, pixelParallelism)
		return img, nil
	default:
		return nil, fmt.Errorf("image output needs 1 or 3 channels, model has %d", channels)
	}
}

func toByte(v float32) uint8 {
	return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
}
