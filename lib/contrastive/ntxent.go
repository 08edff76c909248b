// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"errors"
	"fmt"
	"math"
)

// ErrBatchTooSmall is returned for batches or datasets with fewer than
// two samples: without a second sample there are no negative pairs.
var ErrBatchTooSmall = errors.New("contrastive batches need at least two samples")

// DefaultTemperature is the NT-Xent temperature.
const DefaultTemperature = 0.5

// normEpsilon bounds the norm used for cosine similarity.
const normEpsilon = 1e-8

// NTXent computes the normalized-temperature cross-entropy loss over
// embeddings laid out as [2B, width]: rows 0..B-1 are first views and
// rows B..2B-1 the matching second views. It returns the mean loss
// over all 2B anchors and its gradient with respect to embeddings.
func NTXent(embeddings []float32, rows, width int, temperature float64) (float64, []float32, error) {
	if rows%2 != 0 {
		return 0, nil, fmt.Errorf("NT-Xent needs an even number of views, got %d", rows)
	}
	if rows < 4 {
		return 0, nil, ErrBatchTooSmall
	}
	if len(embeddings) != rows*width {
		return 0, nil, fmt.Errorf("%d embedding values for %d rows of %d", len(embeddings), rows, width)
	}
	if temperature <= 0 {
		return 0, nil, fmt.Errorf("temperature must be positive, got %v", temperature)
	}
	half := rows / 2

	// Unit vectors and the norms they were divided by.
	units := make([][]float64, rows)
	norms := make([]float64, rows)
	for k := range units {
		row := embeddings[k*width : (k+1)*width]
		var squared float64
		for _, value := range row {
			squared += float64(value) * float64(value)
		}
		norms[k] = math.Max(math.Sqrt(squared), normEpsilon)
		units[k] = make([]float64, width)
		for i, value := range row {
			units[k][i] = float64(value) / norms[k]
		}
	}

	// logits[k][l] = cos(k, l) / temperature
	logits := make([][]float64, rows)
	for k := range logits {
		logits[k] = make([]float64, rows)
		for l := range logits[k] {
			if l == k {
				continue
			}
			logits[k][l] = dot(units[k], units[l]) / temperature
		}
	}

	// coefficient[k][l] = dLoss/dlogits[k][l]
	coefficient := make([][]float64, rows)
	var loss float64
	for k := range logits {
		positive := (k + half) % rows
		largest := math.Inf(-1)
		for l, logit := range logits[k] {
			if l != k {
				largest = math.Max(largest, logit)
			}
		}
		var total float64
		for l, logit := range logits[k] {
			if l != k {
				total += math.Exp(logit - largest)
			}
		}
		logSum := largest + math.Log(total)
		loss += logSum - logits[k][positive]

		coefficient[k] = make([]float64, rows)
		for l, logit := range logits[k] {
			if l == k {
				continue
			}
			softmax := math.Exp(logit - logSum)
			if l == positive {
				softmax--
			}
			coefficient[k][l] = softmax / float64(rows)
		}
	}
	loss /= float64(rows)

	grad := make([]float32, len(embeddings))
	unitGrad := make([]float64, width)
	for k := range units {
		clear(unitGrad)
		for l := range units {
			if l == k {
				continue
			}
			scale := (coefficient[k][l] + coefficient[l][k]) / temperature
			for i, value := range units[l] {
				unitGrad[i] += scale * value
			}
		}
		// Project out the radial component: d(z/|z|)/dz.
		radial := dot(units[k], unitGrad)
		for i := range unitGrad {
			grad[k*width+i] = float32((unitGrad[i] - radial*units[k][i]) / norms[k])
		}
	}
	return loss, grad, nil
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
