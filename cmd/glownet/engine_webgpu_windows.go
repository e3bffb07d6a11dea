//go:build windows

package main

import (
	"errors"
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/webgpu"
	"go.uber.org/zap"
)

func newWebGPUEngine(logger *zap.Logger) (engine, error) {
	if !webgpu.IsAvailable() {
		return nil, errors.New("webgpu not available on this system (ensure wgpu-native is installed)")
	}
	gpu, err := webgpu.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create WebGPU backend: %w", err)
	}
	logger.Info("using GPU backend", zap.String("name", gpu.Name()))

	return &backendEngine[*autodiff.Backend[*webgpu.Backend]]{
		name:    "webgpu",
		backend: autodiff.New(gpu),
		logger:  logger,
		release: gpu.Release,
	}, nil
}
