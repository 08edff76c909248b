// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package trainable defines the differentiable view of a canonical
// graph that training runs against, and the converter interface that
// produces it.
//
// Conversion is architecture specific, so it sits behind [Converter].
// A converter must be deterministic: the same canonical graph always
// yields the same parameter names, shapes and order. The matching and
// injection code depends only on [State], never on a converter's
// internals.
package trainable

import (
	"errors"
	"fmt"
	"slices"

	"github.com/chithram/fedsync/lib/bundle"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/tensor"
)

// ErrUnsupported is returned by converters for graphs they cannot
// represent. Callers treat it as a conversion failure and fall back to
// the unmodified canonical graph.
var ErrUnsupported = errors.New("graph is not representable as a trainable graph")

// Parameter is one trainable tensor. Value and Grad share Shape and
// are float32 regardless of the canonical dtype.
type Parameter struct {
	Name   string
	Shape  []int
	Value  []float32
	Grad   []float32
	Frozen bool
}

// NewParameter allocates a parameter holding a copy of value.
func NewParameter(name string, shape []int, value []float32) *Parameter {
	return &Parameter{
		Name:  name,
		Shape: slices.Clone(shape),
		Value: slices.Clone(value),
		Grad:  make([]float32, len(value)),
	}
}

// ParameterName returns the hierarchical name.
func (p *Parameter) ParameterName() string { return p.Name }

// SetFrozen marks the parameter as excluded from updates.
func (p *Parameter) SetFrozen(frozen bool) { p.Frozen = frozen }

// Activation is a dense float32 value flowing through a trainable
// graph. Axis 0 is the batch axis.
type Activation struct {
	Shape []int
	Data  []float32
}

// Batch returns the size of axis 0.
func (a Activation) Batch() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return a.Shape[0]
}

// Features returns the number of elements per batch row.
func (a Activation) Features() int {
	if len(a.Shape) == 0 {
		return 1
	}
	return tensor.Elements(a.Shape[1:])
}

// Graph is a differentiable model. Forward caches whatever Backward
// needs; Backward must follow the Forward whose outputs it receives
// gradients for and adds into each non-frozen parameter's Grad.
type Graph interface {
	Parameters() []*Parameter
	Forward(input Activation) ([]Activation, error)
	Backward(outputGrads []Activation) error
}

// Converter builds a trainable graph from a canonical graph.
type Converter interface {
	Convert(g *graph.Graph) (Graph, error)
}

// ConverterFunc adapts a function to [Converter].
type ConverterFunc func(g *graph.Graph) (Graph, error)

// Convert calls f.
func (f ConverterFunc) Convert(g *graph.Graph) (Graph, error) { return f(g) }

// ZeroGrad clears every parameter gradient.
func ZeroGrad(g Graph) {
	for _, parameter := range g.Parameters() {
		clear(parameter.Grad)
	}
}

// State exports the parameters of g as a float32 bundle in parameter
// order. Frozen parameters are exported too: they still describe the
// model and inject back as no-ops.
func State(source string, g Graph) (*bundle.Bundle, error) {
	b, err := bundle.New(source, nil)
	if err != nil {
		return nil, err
	}
	for _, parameter := range g.Parameters() {
		if len(parameter.Value) != tensor.Elements(parameter.Shape) {
			return nil, fmt.Errorf("parameter %q: %d values for shape %v", parameter.Name, len(parameter.Value), parameter.Shape)
		}
		if err := b.Add(tensor.FromFloat32(parameter.Name, parameter.Shape, parameter.Value)); err != nil {
			return nil, err
		}
	}
	return b, nil
}
