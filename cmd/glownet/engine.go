package main

import (
	"fmt"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/glownet/glownet/sunet"
	"go.uber.org/zap"
)

// engine runs SUNet on one concrete Born backend.
type engine interface {
	Name() string
	Summary(cfg sunet.Config) (*modelSummary, error)
	Forward(cfg sunet.Config, input []float32, shape tensor.Shape) ([]float32, tensor.Shape, error)
	Release()
}

// modelSummary describes a built model.
type modelSummary struct {
	Model      string
	Parameters int
	FLOPs      int64
	Stages     []sunet.StageShape
}

// backendEngine implements engine for backend B.
type backendEngine[B tensor.Backend] struct {
	name    string
	backend B
	logger  *zap.Logger
	release func()
}

// newEngine selects the backend for a device name.
func newEngine(device string, logger *zap.Logger) (engine, error) {
	switch device {
	case "cpu":
		// The autodiff wrapper keeps element-wise results out of operand buffers.
		return &backendEngine[*autodiff.Backend[*cpu.Backend]]{
			name:    "cpu",
			backend: autodiff.New(cpu.New()),
			logger:  logger,
		}, nil
	case "webgpu":
		return newWebGPUEngine(logger)
	default:
		return nil, fmt.Errorf("unknown device: %s", device)
	}
}

func (e *backendEngine[B]) Name() string {
	return e.name
}

func (e *backendEngine[B]) build(cfg sunet.Config) (*sunet.Model[B], error) {
	model, err := sunet.New(cfg, e.backend, sunet.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}
	return model, nil
}

func (e *backendEngine[B]) Summary(cfg sunet.Config) (*modelSummary, error) {
	model, err := e.build(cfg)
	if err != nil {
		return nil, err
	}
	return &modelSummary{
		Model:      model.String(),
		Parameters: model.NumParameters(),
		FLOPs:      model.FLOPs(),
		Stages:     model.StageShapes(1),
	}, nil
}

func (e *backendEngine[B]) Forward(cfg sunet.Config, input []float32, shape tensor.Shape) (out []float32, outShape tensor.Shape, err error) {
	model, err := e.build(cfg)
	if err != nil {
		return nil, nil, err
	}
	x, err := tensor.FromSlice(input, shape, e.backend)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	// Layers panic on shape errors; report them as command failures.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forward pass failed: %v", r)
		}
	}()

	y := model.Forward(x)
	return y.Data(), y.Shape(), nil
}

func (e *backendEngine[B]) Release() {
	if e.release != nil {
		e.release()
	}
}
