// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"fmt"
	"math/rand/v2"
	"slices"
)

// Sample is one record's pair of augmented views. Both views share the
// dataset's view shape and are laid out row-major.
type Sample struct {
	ID     int64
	First  []float32
	Second []float32
}

// Loader splits a dataset into shuffled batches.
type Loader struct {
	BatchSize int

	// Rand shuffles the dataset each epoch; nil keeps dataset order.
	Rand *rand.Rand
}

// NewLoader returns a loader shuffling with a PCG source seeded by
// seed.
func NewLoader(batchSize int, seed uint64) *Loader {
	return &Loader{BatchSize: batchSize, Rand: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Batches returns one epoch of batches. Batch sizes and datasets below
// two samples are rejected; a final batch of one sample is dropped.
func (l *Loader) Batches(samples []Sample) ([][]Sample, error) {
	if l.BatchSize < 2 {
		return nil, fmt.Errorf("batch size %d: %w", l.BatchSize, ErrBatchTooSmall)
	}
	if len(samples) < 2 {
		return nil, fmt.Errorf("dataset of %d samples: %w", len(samples), ErrBatchTooSmall)
	}

	order := slices.Clone(samples)
	if l.Rand != nil {
		l.Rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	var batches [][]Sample
	for start := 0; start < len(order); start += l.BatchSize {
		end := min(start+l.BatchSize, len(order))
		if end-start < 2 {
			break
		}
		batches = append(batches, order[start:end])
	}
	return batches, nil
}
