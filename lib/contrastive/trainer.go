// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/chithram/fedsync/lib/tensor"
	"github.com/chithram/fedsync/lib/trainable"
)

// ErrForward wraps failures of the graph's forward pass, which indicate
// that the converted architecture cannot be trained this way.
var ErrForward = errors.New("forward pass failed")

// Config holds the training hyperparameters.
type Config struct {
	Temperature  float64
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	BatchSize    int
	Epochs       int
	Seed         uint64

	// Logger receives per-batch debug records and failure diagnostics.
	// Nil discards them.
	Logger *slog.Logger

	// OnBatch, when set, is called after each completed batch with the
	// number of batches done and the epoch's batch count.
	OnBatch func(done, total int)
}

// DefaultConfig returns the stock hyperparameters.
func DefaultConfig() Config {
	return Config{
		Temperature:  DefaultTemperature,
		LearningRate: 5e-5,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		BatchSize:    2,
		Epochs:       1,
	}
}

// Report summarizes a training run.
type Report struct {
	Epochs   int
	Batches  int
	Samples  int
	MeanLoss float64
	LastLoss float64
}

// Trainer trains one graph.
type Trainer struct {
	config    Config
	graph     trainable.Graph
	optimizer *Adam
	loader    *Loader
	logger    *slog.Logger
}

// New returns a trainer for g.
func New(g trainable.Graph, config Config) *Trainer {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	optimizer := NewAdam(config.LearningRate)
	optimizer.Beta1, optimizer.Beta2, optimizer.Epsilon = config.Beta1, config.Beta2, config.Epsilon
	return &Trainer{
		config:    config,
		graph:     g,
		optimizer: optimizer,
		loader:    NewLoader(config.BatchSize, config.Seed),
		logger:    logger,
	}
}

// Run trains for the configured number of epochs. viewShape is the
// shape of a single view without the batch axis. Context cancellation
// is honored between batches.
func (t *Trainer) Run(ctx context.Context, samples []Sample, viewShape []int) (*Report, error) {
	epochs := max(t.config.Epochs, 1)
	report := &Report{}
	var lossSum float64
	for epoch := 0; epoch < epochs; epoch++ {
		losses, err := t.RunEpoch(ctx, samples, viewShape)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		report.Epochs++
		report.Batches += len(losses)
		for _, loss := range losses {
			lossSum += loss
		}
		if len(losses) > 0 {
			report.LastLoss = losses[len(losses)-1]
		}
	}
	report.Samples = len(samples)
	if report.Batches > 0 {
		report.MeanLoss = lossSum / float64(report.Batches)
	}
	return report, nil
}

// RunEpoch runs one pass over samples and returns the loss of every
// batch. Any error aborts the epoch; parameters may already have been
// updated by earlier batches, so callers must discard the graph.
func (t *Trainer) RunEpoch(ctx context.Context, samples []Sample, viewShape []int) ([]float64, error) {
	batches, err := t.loader.Batches(samples)
	if err != nil {
		return nil, err
	}
	viewSize := tensor.Elements(viewShape)
	for _, sample := range samples {
		if len(sample.First) != viewSize || len(sample.Second) != viewSize {
			return nil, fmt.Errorf("sample %d: views of %d and %d values, want %d for %v",
				sample.ID, len(sample.First), len(sample.Second), viewSize, viewShape)
		}
	}

	losses := make([]float64, 0, len(batches))
	for index, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		loss, err := t.step(batch, viewShape, viewSize)
		if err != nil {
			return nil, err
		}
		losses = append(losses, loss)
		t.logger.Debug("batch trained", "batch", index+1, "batches", len(batches), "loss", loss)
		if t.config.OnBatch != nil {
			t.config.OnBatch(index+1, len(batches))
		}
	}
	return losses, nil
}

func (t *Trainer) step(batch []Sample, viewShape []int, viewSize int) (float64, error) {
	size := len(batch)
	input := trainable.Activation{
		Shape: append([]int{2 * size}, viewShape...),
		Data:  make([]float32, 2*size*viewSize),
	}
	for i, sample := range batch {
		copy(input.Data[i*viewSize:], sample.First)
		copy(input.Data[(size+i)*viewSize:], sample.Second)
	}

	trainable.ZeroGrad(t.graph)
	outputs, err := t.graph.Forward(input)
	if err != nil {
		t.logger.Error("forward pass failed", "input_shape", input.Shape, "error", err)
		return 0, fmt.Errorf("%w: input %v: %v", ErrForward, input.Shape, err)
	}
	embeddings, pooling, err := Pool(outputs)
	if err != nil {
		shapes := outputShapes(outputs)
		t.logger.Error("graph outputs cannot be pooled", "input_shape", input.Shape, "output_shapes", shapes, "error", err)
		return 0, fmt.Errorf("%w: outputs %v: %v", ErrForward, shapes, err)
	}
	if pooling.Rows != 2*size {
		shapes := outputShapes(outputs)
		t.logger.Error("graph changed the batch size", "input_shape", input.Shape, "output_shapes", shapes)
		return 0, fmt.Errorf("%w: %d output rows for %d views", ErrForward, pooling.Rows, 2*size)
	}

	loss, grad, err := NTXent(embeddings, pooling.Rows, pooling.Width, t.config.Temperature)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("loss is %v", loss)
	}
	if err := t.graph.Backward(pooling.Backward(grad)); err != nil {
		return 0, fmt.Errorf("backward: %w", err)
	}
	t.optimizer.Step(t.graph.Parameters())
	return loss, nil
}

func outputShapes(outputs []trainable.Activation) [][]int {
	shapes := make([][]int, len(outputs))
	for i, output := range outputs {
		shapes[i] = slices.Clone(output.Shape)
	}
	return shapes
}
