// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package tensor

import (
	"math"
	"slices"
	"testing"
)

func TestDTypeKind(t *testing.T) {
	tests := []struct {
		dtype DType
		kind  Kind
		size  int
	}{
		{Float32, Continuous, 4},
		{Float16, Continuous, 2},
		{Float64, Continuous, 8},
		{Int64, Discrete, 8},
		{Int32, Discrete, 4},
		{Uint8, Discrete, 1},
	}
	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			if got := tt.dtype.Kind(); got != tt.kind {
				t.Errorf("Kind() = %s, want %s", got, tt.kind)
			}
			if got := tt.dtype.Size(); got != tt.size {
				t.Errorf("Size() = %d, want %d", got, tt.size)
			}
			parsed, err := ParseDType(tt.dtype.String())
			if err != nil {
				t.Fatalf("ParseDType(%q): %v", tt.dtype, err)
			}
			if parsed != tt.dtype {
				t.Errorf("ParseDType(%q) = %s", tt.dtype, parsed)
			}
		})
	}

	if _, err := ParseDType("bfloat16"); err == nil {
		t.Error("ParseDType(bfloat16) should fail")
	}
}

func TestTransposeMatrix(t *testing.T) {
	// [[1 2 3]
	//  [4 5 6]]
	original := FromFloat32("w", []int{2, 3}, []float32{1, 2, 3, 4, 5, 6})

	transposed, err := Transpose(original)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	if !slices.Equal(transposed.Shape, []int{3, 2}) {
		t.Fatalf("shape = %v, want [3 2]", transposed.Shape)
	}
	values, err := transposed.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	if !slices.Equal(values, want) {
		t.Errorf("values = %v, want %v", values, want)
	}

	// The source must be untouched.
	source, _ := original.Float32s()
	if !slices.Equal(source, []float32{1, 2, 3, 4, 5, 6}) {
		t.Errorf("source mutated: %v", source)
	}
}

func TestTransposeThreeAxes(t *testing.T) {
	values := make([]int64, 24)
	for i := range values {
		values[i] = int64(i)
	}
	original := FromInt64("x", []int{2, 3, 4}, values)

	transposed, err := Transpose(original)
	if err != nil {
		t.Fatalf("Transpose: %v", err)
	}
	if !slices.Equal(transposed.Shape, []int{4, 3, 2}) {
		t.Fatalf("shape = %v, want [4 3 2]", transposed.Shape)
	}
	got, _ := transposed.Int64s()
	// out[k][j][i] = in[i][j][k] = i*12 + j*4 + k
	for k := 0; k < 4; k++ {
		for j := 0; j < 3; j++ {
			for i := 0; i < 2; i++ {
				index := k*6 + j*2 + i
				if want := int64(i*12 + j*4 + k); got[index] != want {
					t.Fatalf("out[%d][%d][%d] = %d, want %d", k, j, i, got[index], want)
				}
			}
		}
	}

	twice, err := Transpose(transposed)
	if err != nil {
		t.Fatalf("Transpose twice: %v", err)
	}
	if !slices.Equal(twice.Data, original.Data) {
		t.Error("double transpose is not the identity")
	}
}

func TestShapeReversed(t *testing.T) {
	if !ShapeReversed([]int{8, 4}, []int{4, 8}) {
		t.Error("[8 4] should be the reverse of [4 8]")
	}
	if ShapeReversed([]int{8, 4}, []int{8, 4, 1}) {
		t.Error("different ranks are never reversed")
	}
	if !ShapeReversed([]int{5}, []int{5}) {
		t.Error("a rank-1 shape is its own reverse")
	}
}

func TestFloat16Conversion(t *testing.T) {
	original := FromFloat32("h", []int{3}, []float32{1.5, -2, 0.25})

	half, err := Convert(original, Float16)
	if err != nil {
		t.Fatalf("Convert to float16: %v", err)
	}
	if len(half.Data) != 6 {
		t.Fatalf("float16 buffer = %d bytes, want 6", len(half.Data))
	}
	back, err := half.Float32s()
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	if !slices.Equal(back, []float32{1.5, -2, 0.25}) {
		t.Errorf("float16 values = %v", back)
	}

	if _, err := Convert(original, Int64); err == nil {
		t.Error("continuous -> discrete conversion should fail")
	}
}

func TestSetInt64sOverflow(t *testing.T) {
	counter := New("n", Int32, []int{1})
	if err := counter.SetInt64s([]int64{math.MaxInt32 + 1}); err == nil {
		t.Error("int32 overflow should be rejected")
	}
	if err := counter.SetInt64s([]int64{-7}); err != nil {
		t.Fatalf("SetInt64s: %v", err)
	}
	values, _ := counter.Int64s()
	if values[0] != -7 {
		t.Errorf("value = %d, want -7", values[0])
	}
}

func TestValidate(t *testing.T) {
	broken := &Tensor{Name: "b", DType: Float32, Shape: []int{2, 2}, Data: make([]byte, 12)}
	if err := broken.Validate(); err == nil {
		t.Error("short buffer should fail validation")
	}
	scalar := New("s", Float64, nil)
	if err := scalar.Validate(); err != nil {
		t.Errorf("scalar: %v", err)
	}
	if scalar.Elements() != 1 {
		t.Errorf("scalar elements = %d, want 1", scalar.Elements())
	}
}
