// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"fmt"
	"slices"

	"github.com/chithram/fedsync/lib/tensor"
	"github.com/chithram/fedsync/lib/trainable"
)

// Pooling records how graph outputs were reduced to embeddings, for
// routing gradients back.
type Pooling struct {
	Rows   int
	Width  int
	shapes [][]int
	widths []int
}

// OutputShapes returns the shapes of the pooled graph outputs.
func (p *Pooling) OutputShapes() [][]int {
	return p.shapes
}

// Pool reduces each output head to one vector per batch row and
// concatenates the heads. Rank 4 outputs [N, C, H, W] are averaged over
// H and W; any other rank is flattened past the batch axis. The result
// is row-major [Rows, Width].
func Pool(outputs []trainable.Activation) ([]float32, *Pooling, error) {
	if len(outputs) == 0 {
		return nil, nil, fmt.Errorf("no graph outputs to pool")
	}
	pooling := &Pooling{Rows: outputs[0].Batch()}
	for _, output := range outputs {
		if len(output.Data) != tensor.Elements(output.Shape) {
			return nil, nil, fmt.Errorf("output shape %v holds %d values", output.Shape, len(output.Data))
		}
		if output.Batch() != pooling.Rows {
			return nil, nil, fmt.Errorf("output batch sizes differ: %d and %d", pooling.Rows, output.Batch())
		}
		width := output.Features()
		if len(output.Shape) == 4 {
			width = output.Shape[1]
		}
		pooling.shapes = append(pooling.shapes, slices.Clone(output.Shape))
		pooling.widths = append(pooling.widths, width)
		pooling.Width += width
	}

	embeddings := make([]float32, pooling.Rows*pooling.Width)
	offset := 0
	for head, output := range outputs {
		width := pooling.widths[head]
		if len(output.Shape) == 4 {
			channels, spatial := output.Shape[1], output.Shape[2]*output.Shape[3]
			for row := 0; row < pooling.Rows; row++ {
				for c := 0; c < channels; c++ {
					start := (row*channels + c) * spatial
					var sum float32
					for _, value := range output.Data[start : start+spatial] {
						sum += value
					}
					if spatial > 0 {
						embeddings[row*pooling.Width+offset+c] = sum / float32(spatial)
					}
				}
			}
		} else {
			for row := 0; row < pooling.Rows; row++ {
				copy(embeddings[row*pooling.Width+offset:row*pooling.Width+offset+width], output.Data[row*width:(row+1)*width])
			}
		}
		offset += width
	}
	return embeddings, pooling, nil
}

// Backward maps an embedding gradient [Rows, Width] to one gradient
// per pooled output.
func (p *Pooling) Backward(grad []float32) []trainable.Activation {
	grads := make([]trainable.Activation, len(p.shapes))
	offset := 0
	for head, shape := range p.shapes {
		width := p.widths[head]
		data := make([]float32, tensor.Elements(shape))
		if len(shape) == 4 {
			channels, spatial := shape[1], shape[2]*shape[3]
			for row := 0; row < p.Rows; row++ {
				for c := 0; c < channels; c++ {
					share := grad[row*p.Width+offset+c] / float32(spatial)
					start := (row*channels + c) * spatial
					for i := start; i < start+spatial; i++ {
						data[i] = share
					}
				}
			}
		} else {
			for row := 0; row < p.Rows; row++ {
				copy(data[row*width:(row+1)*width], grad[row*p.Width+offset:row*p.Width+offset+width])
			}
		}
		grads[head] = trainable.Activation{Shape: slices.Clone(shape), Data: data}
		offset += width
	}
	return grads
}
