// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package sunet

import (
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/internal/config"
	"github.com/glownet/glownet/internal/sunet"
	"go.uber.org/zap"
)

// DualUpsample is the supported final upsampling mode.
const DualUpsample = sunet.DualUpsample

// Config holds the architecture hyperparameters.
type Config = sunet.Config

// Model is the SUNet network.
type Model[B tensor.Backend] = sunet.Model[B]

// Option configures optional model behaviour.
type Option = sunet.Option

// StageShape is the output shape of one named stage.
type StageShape = sunet.StageShape

// DefaultConfig returns the reference configuration (224x224 RGB, embed 96,
// depths [2,2,2,2], heads [3,6,12,24], window 7).
func DefaultConfig() Config {
	return sunet.DefaultConfig()
}

// New builds a model. The configuration is validated first.
//
// Run the model on an autodiff-wrapped backend (autodiff.New(cpu.New())):
// the raw CPU backend reuses operand buffers for element-wise results.
func New[B tensor.Backend](cfg Config, backend B, opts ...Option) (*Model[B], error) {
	return sunet.New(cfg, backend, opts...)
}

// WithLogger sets the logger used for debug shape tracing.
func WithLogger(logger *zap.Logger) Option {
	return sunet.WithLogger(logger)
}

// LoadConfig reads the model section of a glownet YAML file over the
// defaults. A missing file yields DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return cfg.Model, nil
}
