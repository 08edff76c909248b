// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/chithram/fedsync/lib/trainable"
)

func samples(count, size int) []Sample {
	result := make([]Sample, count)
	for i := range result {
		first := make([]float32, size)
		second := make([]float32, size)
		for j := range first {
			first[j] = float32((i+1)*(j+2)%7) + 0.5
			second[j] = first[j] + 0.25*float32(j%2)
		}
		result[i] = Sample{ID: int64(i + 1), First: first, Second: second}
	}
	return result
}

func TestLoaderRejectsTinyBatches(t *testing.T) {
	if _, err := NewLoader(1, 0).Batches(samples(8, 2)); !errors.Is(err, ErrBatchTooSmall) {
		t.Errorf("batch size 1: err = %v, want ErrBatchTooSmall", err)
	}
	if _, err := NewLoader(4, 0).Batches(samples(1, 2)); !errors.Is(err, ErrBatchTooSmall) {
		t.Errorf("single sample: err = %v, want ErrBatchTooSmall", err)
	}
}

func TestLoaderDropsSingleTail(t *testing.T) {
	batches, err := NewLoader(2, 7).Batches(samples(5, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2 (tail of one dropped)", len(batches))
	}
	for _, batch := range batches {
		if len(batch) != 2 {
			t.Errorf("batch of %d", len(batch))
		}
	}

	batches, err = NewLoader(4, 7).Batches(samples(7, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 || len(batches[1]) != 3 {
		t.Errorf("a tail of three should be kept, got %d batches", len(batches))
	}
}

func TestLoaderSeededShuffle(t *testing.T) {
	ids := func(seed uint64) []int64 {
		batches, err := NewLoader(3, seed).Batches(samples(9, 1))
		if err != nil {
			t.Fatal(err)
		}
		var result []int64
		for _, batch := range batches {
			for _, sample := range batch {
				result = append(result, sample.ID)
			}
		}
		return result
	}
	if !slices.Equal(ids(42), ids(42)) {
		t.Error("same seed produced different orders")
	}
	order := ids(42)
	slices.Sort(order)
	if !slices.Equal(order, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}) {
		t.Errorf("shuffle lost samples: %v", order)
	}
}

func TestNTXentKnownValue(t *testing.T) {
	// Views of each sample are identical; the two samples are orthogonal.
	embeddings := []float32{
		1, 0,
		0, 2,
		3, 0,
		0, 1,
	}
	loss, _, err := NTXent(embeddings, 4, 2, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	want := math.Log(2+math.Exp(2)) - 2
	if math.Abs(loss-want) > 1e-9 {
		t.Errorf("loss = %v, want %v", loss, want)
	}
}

func TestNTXentRejectsSingleSample(t *testing.T) {
	if _, _, err := NTXent([]float32{1, 0, 0, 1}, 2, 2, 0.5); !errors.Is(err, ErrBatchTooSmall) {
		t.Errorf("err = %v, want ErrBatchTooSmall", err)
	}
}

func TestNTXentGradient(t *testing.T) {
	embeddings := []float32{
		0.3, -1.2, 0.8,
		1.1, 0.4, -0.6,
		-0.7, 0.9, 0.2,
		0.5, -0.9, 1.0,
		1.3, 0.1, -0.2,
		-0.4, 1.1, 0.6,
	}
	_, grad, err := NTXent(embeddings, 6, 3, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	const step = 1e-3
	for i := range embeddings {
		original := embeddings[i]
		embeddings[i] = original + step
		plus, _, _ := NTXent(embeddings, 6, 3, 0.5)
		embeddings[i] = original - step
		minus, _, _ := NTXent(embeddings, 6, 3, 0.5)
		embeddings[i] = original

		numeric := (plus - minus) / (2 * step)
		if math.Abs(numeric-float64(grad[i])) > 1e-3 {
			t.Errorf("grad[%d] = %v, numeric %v", i, grad[i], numeric)
		}
	}
}

func TestPoolSpatialAverageAndConcat(t *testing.T) {
	outputs := []trainable.Activation{
		// [2, 2, 1, 2]: two channels, two spatial positions each.
		{Shape: []int{2, 2, 1, 2}, Data: []float32{1, 3, 10, 20, 5, 7, 0, 2}},
		{Shape: []int{2, 1}, Data: []float32{-1, -2}},
	}
	embeddings, pooling, err := Pool(outputs)
	if err != nil {
		t.Fatal(err)
	}
	if pooling.Rows != 2 || pooling.Width != 3 {
		t.Fatalf("pooled %dx%d, want 2x3", pooling.Rows, pooling.Width)
	}
	if want := []float32{2, 15, -1, 6, 1, -2}; !slices.Equal(embeddings, want) {
		t.Errorf("embeddings = %v, want %v", embeddings, want)
	}

	grads := pooling.Backward([]float32{2, 4, 1, 6, 8, 3})
	if want := []float32{1, 1, 2, 2, 3, 3, 4, 4}; !slices.Equal(grads[0].Data, want) {
		t.Errorf("spatial grad = %v, want %v", grads[0].Data, want)
	}
	if want := []float32{1, 3}; !slices.Equal(grads[1].Data, want) {
		t.Errorf("flat grad = %v, want %v", grads[1].Data, want)
	}
}

func TestPoolRejectsMismatchedHeads(t *testing.T) {
	_, _, err := Pool([]trainable.Activation{
		{Shape: []int{4, 2}, Data: make([]float32, 8)},
		{Shape: []int{2, 2}, Data: make([]float32, 4)},
	})
	if err == nil {
		t.Error("heads with different batch sizes should be rejected")
	}
}

func TestAdamSkipsFrozen(t *testing.T) {
	trained := trainable.NewParameter("a", []int{2}, []float32{1, 1})
	frozen := trainable.NewParameter("b", []int{2}, []float32{1, 1})
	frozen.Frozen = true
	trained.Grad = []float32{0.5, -2}
	frozen.Grad = []float32{0.5, -2}

	optimizer := NewAdam(0.1)
	optimizer.Step([]*trainable.Parameter{trained, frozen})

	// The first bias-corrected step moves each weight by lr against the
	// gradient's sign.
	if math.Abs(float64(trained.Value[0])-0.9) > 1e-6 || math.Abs(float64(trained.Value[1])-1.1) > 1e-6 {
		t.Errorf("trained = %v, want [0.9 1.1]", trained.Value)
	}
	if !slices.Equal(frozen.Value, []float32{1, 1}) {
		t.Errorf("frozen parameter moved: %v", frozen.Value)
	}
	if optimizer.Steps() != 1 {
		t.Errorf("steps = %d", optimizer.Steps())
	}
}

// linearGraph is a bias-free [out, in] projection with an optional
// forward failure.
type linearGraph struct {
	weight   *trainable.Parameter
	forwards int
	fail     bool
	input    trainable.Activation
}

func newLinearGraph(in, out int) *linearGraph {
	values := make([]float32, in*out)
	for i := range values {
		values[i] = float32(i%5)*0.2 - 0.3
	}
	return &linearGraph{weight: trainable.NewParameter("proj.weight", []int{out, in}, values)}
}

func (g *linearGraph) Parameters() []*trainable.Parameter { return []*trainable.Parameter{g.weight} }

func (g *linearGraph) Forward(input trainable.Activation) ([]trainable.Activation, error) {
	g.forwards++
	if g.fail {
		return nil, errors.New("unsupported layer")
	}
	g.input = input
	out, in := g.weight.Shape[0], g.weight.Shape[1]
	rows := input.Batch()
	result := trainable.Activation{Shape: []int{rows, out}, Data: make([]float32, rows*out)}
	for r := 0; r < rows; r++ {
		for o := 0; o < out; o++ {
			for i := 0; i < in; i++ {
				result.Data[r*out+o] += input.Data[r*in+i] * g.weight.Value[o*in+i]
			}
		}
	}
	return []trainable.Activation{result}, nil
}

func (g *linearGraph) Backward(grads []trainable.Activation) error {
	out, in := g.weight.Shape[0], g.weight.Shape[1]
	for r := 0; r < g.input.Batch(); r++ {
		for o := 0; o < out; o++ {
			for i := 0; i < in; i++ {
				g.weight.Grad[o*in+i] += grads[0].Data[r*out+o] * g.input.Data[r*in+i]
			}
		}
	}
	return nil
}

func TestTrainerRejectsBeforeForward(t *testing.T) {
	g := newLinearGraph(4, 3)
	trainer := New(g, DefaultConfig())
	_, err := trainer.Run(context.Background(), samples(1, 4), []int{4})
	if !errors.Is(err, ErrBatchTooSmall) {
		t.Fatalf("err = %v, want ErrBatchTooSmall", err)
	}
	if g.forwards != 0 {
		t.Errorf("forward ran %d times on a rejected dataset", g.forwards)
	}
}

func TestTrainerUpdatesWeights(t *testing.T) {
	g := newLinearGraph(4, 3)
	before := slices.Clone(g.weight.Value)

	config := DefaultConfig()
	config.LearningRate = 1e-2
	config.BatchSize = 3
	var progress []int
	config.OnBatch = func(done, total int) { progress = append(progress, done) }

	report, err := New(g, config).Run(context.Background(), samples(6, 4), []int{4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Batches != 2 || report.Samples != 6 {
		t.Errorf("report = %+v", report)
	}
	if report.MeanLoss <= 0 || math.IsNaN(report.MeanLoss) {
		t.Errorf("mean loss = %v", report.MeanLoss)
	}
	if !slices.Equal(progress, []int{1, 2}) {
		t.Errorf("progress callbacks = %v", progress)
	}
	if slices.Equal(before, g.weight.Value) {
		t.Error("training did not change the weights")
	}
}

func TestTrainerFrozenGraphUnchanged(t *testing.T) {
	g := newLinearGraph(4, 3)
	g.weight.Frozen = true
	before := slices.Clone(g.weight.Value)
	if _, err := New(g, DefaultConfig()).Run(context.Background(), samples(4, 4), []int{4}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(before, g.weight.Value) {
		t.Error("frozen weights changed")
	}
}

func TestTrainerForwardFailure(t *testing.T) {
	g := newLinearGraph(4, 3)
	g.fail = true
	_, err := New(g, DefaultConfig()).Run(context.Background(), samples(4, 4), []int{4})
	if !errors.Is(err, ErrForward) {
		t.Errorf("err = %v, want ErrForward", err)
	}
}
