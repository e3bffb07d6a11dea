package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"golang.org/x/sync/errgroup"
)

var (
	runInputs    []string
	runOutput    string
	runOutputDir string
	runBatch     int
)

// runCmd executes one forward pass
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the forward pass on PNG images or a random tensor",
	Long: `Run one forward pass. Each --input PNG is resized to img_size and becomes
one sample of the batch; without inputs a random batch of runtime.batch
samples is used.`,
	Args:  cobra.NoArgs,
	RunE:  runForward,
}

// outputStats summarises a forward-pass result.
type outputStats struct {
	Mean, Std, Min, Max float64
}

func runForward(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	m := cfg.Model

	batch := cfg.Runtime.Batch
	if runBatch > 0 {
		batch = runBatch
	}

	var input []float32
	if len(runInputs) > 0 {
		data, err := loadImages(cmd.Context(), runInputs, m.ImgSize, m.InChans)
		if err != nil {
			return err
		}
		input = data
		batch = len(runInputs)
	}
	shape := tensor.Shape{batch, m.InChans, m.ImgSize, m.ImgSize}
	if input == nil {
		input = randomInput(shape.NumElements(), cfg.Runtime.Seed)
	}

	eng, err := newEngine(cfg.Runtime.Device, logger)
	if err != nil {
		return err
	}
	defer eng.Release()

	start := time.Now()
	out, outShape, err := eng.Forward(m, input, shape)
	if err != nil {
		return err
	}
	st := computeStats(out)
	logger.Info("forward pass complete",
		zap.String("device", eng.Name()),
		zap.Ints("input_shape", shape),
		zap.Ints("output_shape", outShape),
		zap.Duration("elapsed", time.Since(start)),
		zap.Float64("mean", st.Mean),
		zap.Float64("std", st.Std))

	fmt.Fprintf(cmd.OutOrStdout(), "output %v mean=%.4f std=%.4f min=%.4f max=%.4f\n",
		[]int(outShape), st.Mean, st.Std, st.Min, st.Max)

	c, h, w := outShape[1], outShape[2], outShape[3]
	if runOutput != "" {
		if err := saveImage(runOutput, out[:c*h*w], c, h, w); err != nil {
			return err
		}
		logger.Info("output written", zap.String("path", runOutput))
	}
	if runOutputDir != "" {
		if err := saveImages(cmd.Context(), runOutputDir, outputNames(runInputs, outShape[0]), out, c, h, w); err != nil {
			return err
		}
		logger.Info("outputs written", zap.String("dir", runOutputDir), zap.Int("count", outShape[0]))
	}
	return nil
}

// loadImages decodes the inputs concurrently into one [N, C, size, size] slice.
func loadImages(ctx context.Context, paths []string, size, channels int) ([]float32, error) {
	sample := channels * size * size
	data := make([]float32, len(paths)*sample)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			img, err := loadImage(path, size, channels)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			copy(data[i*sample:], img)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

// saveImages writes one PNG per sample of out into dir.
func saveImages(ctx context.Context, dir string, names []string, out []float32, c, h, w int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	sample := c * h * w
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for i, name := range names {
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return saveImage(filepath.Join(dir, name), out[i*sample:(i+1)*sample], c, h, w)
		})
	}
	return eg.Wait()
}

// outputNames derives an output file name per sample: "<stem>_out.png" for
// image inputs, "sample_<i>.png" for random input.
func outputNames(inputs []string, batch int) []string {
	names := make([]string, batch)
	for i := range names {
		if i < len(inputs) {
			stem := strings.TrimSuffix(filepath.Base(inputs[i]), filepath.Ext(inputs[i]))
			names[i] = stem + "_out.png"
			continue
		}
		names[i] = fmt.Sprintf("sample_%d.png", i)
	}
	return names
}

// randomInput returns n uniform values in [0, 1). Seed 0 draws a fresh seed.
func randomInput(n int, seed int64) []float32 {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // synthetic input, not security sensitive
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()
	}
	return data
}

func computeStats(data []float32) outputStats {
	values := make([]float64, len(data))
	for i, v := range data {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	return outputStats{
		Mean: mean,
		Std:  std,
		Min:  floats.Min(values),
		Max:  floats.Max(values),
	}
}
