// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/x448/float16"
)

// Tensor is a named, typed, shaped raw byte buffer. Data is stored in
// row-major (C) order and little-endian element encoding. A Tensor is
// owned by exactly one graph or bundle at a time; use Clone to hand a
// copy to another owner.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []byte
}

// Elements returns the number of elements described by shape. An empty
// shape is a scalar with one element.
func Elements(shape []int) int {
	count := 1
	for _, dimension := range shape {
		count *= dimension
	}
	return count
}

// New returns a zero-filled tensor.
func New(name string, dtype DType, shape []int) *Tensor {
	return &Tensor{
		Name:  name,
		DType: dtype,
		Shape: slices.Clone(shape),
		Data:  make([]byte, Elements(shape)*dtype.Size()),
	}
}

// FromFloat32 encodes values as a float32 tensor.
func FromFloat32(name string, shape []int, values []float32) *Tensor {
	t := New(name, Float32, shape)
	for i, value := range values {
		binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(value))
	}
	return t
}

// FromInt64 encodes values as an int64 tensor.
func FromInt64(name string, shape []int, values []int64) *Tensor {
	t := New(name, Int64, shape)
	for i, value := range values {
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(value))
	}
	return t
}

// Elements returns the element count of t.
func (t *Tensor) Elements() int {
	return Elements(t.Shape)
}

// Validate checks that the dtype is known, every dimension is
// non-negative, and the buffer length matches the shape.
func (t *Tensor) Validate() error {
	if t.DType.Size() == 0 {
		return fmt.Errorf("tensor %q: invalid dtype %s", t.Name, t.DType)
	}
	for _, dimension := range t.Shape {
		if dimension < 0 {
			return fmt.Errorf("tensor %q: negative dimension in shape %v", t.Name, t.Shape)
		}
	}
	want := t.Elements() * t.DType.Size()
	if len(t.Data) != want {
		return fmt.Errorf("tensor %q: %d bytes for %s%v, want %d", t.Name, len(t.Data), t.DType, t.Shape, want)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Name:  t.Name,
		DType: t.DType,
		Shape: slices.Clone(t.Shape),
		Data:  slices.Clone(t.Data),
	}
}

// Float64s decodes every element as float64. Discrete dtypes are
// widened exactly (int64 values beyond 2^53 lose precision).
func (t *Tensor) Float64s() ([]float64, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	count := t.Elements()
	values := make([]float64, count)
	data := t.Data
	switch t.DType {
	case Float32:
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case Float16:
		for i := range values {
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32())
		}
	case Float64:
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case Int64, Int32, Uint8:
		integers, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		for i, integer := range integers {
			values[i] = float64(integer)
		}
	}
	return values, nil
}

// Float32s decodes a continuous tensor as float32.
func (t *Tensor) Float32s() ([]float32, error) {
	if t.DType.Kind() != Continuous {
		return nil, fmt.Errorf("tensor %q: float32 view of %s tensor", t.Name, t.DType)
	}
	if t.DType == Float32 {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		values := make([]float32, t.Elements())
		for i := range values {
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return values, nil
	}
	wide, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	values := make([]float32, len(wide))
	for i, value := range wide {
		values[i] = float32(value)
	}
	return values, nil
}

// Int64s decodes a discrete tensor as int64.
func (t *Tensor) Int64s() ([]int64, error) {
	if t.DType.Kind() != Discrete {
		return nil, fmt.Errorf("tensor %q: integer view of %s tensor", t.Name, t.DType)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	values := make([]int64, t.Elements())
	data := t.Data
	switch t.DType {
	case Int64:
		for i := range values {
			values[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
	case Int32:
		for i := range values {
			values[i] = int64(int32(binary.LittleEndian.Uint32(data[i*4:])))
		}
	case Uint8:
		for i := range values {
			values[i] = int64(data[i])
		}
	}
	return values, nil
}

// SetFloat64s re-encodes t's buffer from values, rounding to t's
// continuous dtype.
func (t *Tensor) SetFloat64s(values []float64) error {
	if t.DType.Kind() != Continuous {
		return fmt.Errorf("tensor %q: cannot store floats in %s tensor", t.Name, t.DType)
	}
	if len(values) != t.Elements() {
		return fmt.Errorf("tensor %q: %d values for %d elements", t.Name, len(values), t.Elements())
	}
	data := make([]byte, len(values)*t.DType.Size())
	switch t.DType {
	case Float32:
		for i, value := range values {
			binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(float32(value)))
		}
	case Float16:
		for i, value := range values {
			binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(float32(value)).Bits())
		}
	case Float64:
		for i, value := range values {
			binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(value))
		}
	}
	t.Data = data
	return nil
}

// SetInt64s re-encodes t's buffer from values in t's discrete dtype.
// Values outside the dtype's range are an error rather than silently
// wrapped.
func (t *Tensor) SetInt64s(values []int64) error {
	if t.DType.Kind() != Discrete {
		return fmt.Errorf("tensor %q: cannot store integers in %s tensor", t.Name, t.DType)
	}
	if len(values) != t.Elements() {
		return fmt.Errorf("tensor %q: %d values for %d elements", t.Name, len(values), t.Elements())
	}
	data := make([]byte, len(values)*t.DType.Size())
	for i, value := range values {
		switch t.DType {
		case Int64:
			binary.LittleEndian.PutUint64(data[i*8:], uint64(value))
		case Int32:
			if value < math.MinInt32 || value > math.MaxInt32 {
				return fmt.Errorf("tensor %q: %d overflows int32", t.Name, value)
			}
			binary.LittleEndian.PutUint32(data[i*4:], uint32(int32(value)))
		case Uint8:
			if value < 0 || value > math.MaxUint8 {
				return fmt.Errorf("tensor %q: %d overflows uint8", t.Name, value)
			}
			data[i] = byte(value)
		}
	}
	t.Data = data
	return nil
}

// Convert returns a copy of t re-encoded as dtype. Only conversions
// between continuous dtypes are supported; a same-dtype conversion is a
// plain clone.
func Convert(t *Tensor, dtype DType) (*Tensor, error) {
	if t.DType == dtype {
		return t.Clone(), nil
	}
	if t.DType.Kind() != Continuous || dtype.Kind() != Continuous {
		return nil, fmt.Errorf("tensor %q: unsupported conversion %s -> %s", t.Name, t.DType, dtype)
	}
	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	converted := New(t.Name, dtype, t.Shape)
	if err := converted.SetFloat64s(values); err != nil {
		return nil, err
	}
	return converted, nil
}
