// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package tensor

import "fmt"

// Kind is the numeric discriminant of a tensor element type. Averaging,
// conversion, and optimizer updates dispatch on Kind rather than on the
// concrete DType.
type Kind uint8

const (
	// Continuous tensors hold floating-point quantities (weights,
	// biases, running statistics). They average arithmetically.
	Continuous Kind = iota + 1

	// Discrete tensors hold integer quantities (counters such as
	// num_batches_tracked). They average with floor division and stay
	// integral.
	Discrete
)

// String returns "continuous" or "discrete".
func (k Kind) String() string {
	switch k {
	case Continuous:
		return "continuous"
	case Discrete:
		return "discrete"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// DType identifies the element encoding of a tensor's raw buffer. All
// encodings are little-endian.
type DType uint8

const (
	Invalid DType = iota
	Float32
	Float16
	Float64
	Int64
	Int32
	Uint8
)

var dtypeNames = map[DType]string{
	Float32: "float32",
	Float16: "float16",
	Float64: "float64",
	Int64:   "int64",
	Int32:   "int32",
	Uint8:   "uint8",
}

// String returns the lower-case name of the element type.
func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", d)
}

// ParseDType parses the name produced by [DType.String].
func ParseDType(name string) (DType, error) {
	for dtype, candidate := range dtypeNames {
		if candidate == name {
			return dtype, nil
		}
	}
	return Invalid, fmt.Errorf("unknown dtype %q", name)
}

// MarshalText encodes the dtype by name so on-disk files stay readable
// in CBOR diagnostic output.
func (d DType) MarshalText() ([]byte, error) {
	if _, ok := dtypeNames[d]; !ok {
		return nil, fmt.Errorf("cannot marshal %s", d)
	}
	return []byte(d.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (d *DType) UnmarshalText(text []byte) error {
	parsed, err := ParseDType(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Size returns the number of bytes per element, or 0 for Invalid.
func (d DType) Size() int {
	switch d {
	case Float64, Int64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	default:
		return 0
	}
}

// Kind returns the numeric discriminant for the dtype.
func (d DType) Kind() Kind {
	switch d {
	case Float32, Float16, Float64:
		return Continuous
	case Int64, Int32, Uint8:
		return Discrete
	default:
		return 0
	}
}
