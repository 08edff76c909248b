// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package tensor

import "slices"

// ShapeEqual reports whether a and b have identical dimensions.
func ShapeEqual(a, b []int) bool {
	return slices.Equal(a, b)
}

// Reversed returns shape with its axes in reverse order.
func Reversed(shape []int) []int {
	reversed := slices.Clone(shape)
	slices.Reverse(reversed)
	return reversed
}

// ShapeReversed reports whether a equals b with its axes reversed. For
// 2-D weights this is the transposed-orientation signal.
func ShapeReversed(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[len(b)-1-i] {
			return false
		}
	}
	return true
}

// Transpose returns a copy of t with all axes reversed (the numpy .T
// of an N-d array). Rank 0 and rank 1 tensors are returned as clones.
// The element encoding is untouched; only element positions move.
func Transpose(t *Tensor) (*Tensor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	rank := len(t.Shape)
	if rank < 2 {
		return t.Clone(), nil
	}

	outShape := Reversed(t.Shape)
	inStrides := strides(t.Shape)
	outStrides := strides(outShape)

	size := t.DType.Size()
	count := t.Elements()
	out := make([]byte, len(t.Data))
	for linear := 0; linear < count; linear++ {
		remainder := linear
		offset := 0
		for axis := 0; axis < rank; axis++ {
			index := remainder / inStrides[axis]
			remainder %= inStrides[axis]
			offset += index * outStrides[rank-1-axis]
		}
		copy(out[offset*size:(offset+1)*size], t.Data[linear*size:(linear+1)*size])
	}

	return &Tensor{Name: t.Name, DType: t.DType, Shape: outShape, Data: out}, nil
}

// strides returns row-major element strides for shape.
func strides(shape []int) []int {
	result := make([]int, len(shape))
	step := 1
	for axis := len(shape) - 1; axis >= 0; axis-- {
		result[axis] = step
		step *= shape[axis]
	}
	return result
}
