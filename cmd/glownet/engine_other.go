//go:build !windows

package main

import (
	"errors"

	"go.uber.org/zap"
)

func newWebGPUEngine(_ *zap.Logger) (engine, error) {
	return nil, errors.New("webgpu backend is only available in windows builds")
}
