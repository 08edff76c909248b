// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package bundle defines the state bundle: an ordered, uniquely named
// set of tensors produced by one training run or contributed by one
// federation participant.
package bundle

import (
	"fmt"

	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/tensor"
)

// Bundle is an ordered name -> tensor set. Order is the producer's
// natural order and is the candidate scan order during matching.
type Bundle struct {
	// Source identifies where the bundle came from (a file path or a
	// participant label) for diagnostics.
	Source string

	tensors []*tensor.Tensor
	index   map[string]int
}

// New builds a bundle from tensors. Names must be unique.
func New(source string, tensors []*tensor.Tensor) (*Bundle, error) {
	b := &Bundle{Source: source, index: make(map[string]int, len(tensors))}
	for _, t := range tensors {
		if err := b.Add(t); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// FromGraph returns a bundle holding copies of g's initializers in
// declaration order.
func FromGraph(source string, g *graph.Graph) *Bundle {
	b := &Bundle{Source: source, index: make(map[string]int, len(g.Initializers))}
	for _, initializer := range g.Initializers {
		b.index[initializer.Name] = len(b.tensors)
		b.tensors = append(b.tensors, initializer.Clone())
	}
	return b
}

// Load reads a graph file and returns its initializers as a bundle.
// Participant updates travel as complete graph files.
func Load(path string) (*Bundle, error) {
	g, err := graph.Load(path)
	if err != nil {
		return nil, err
	}
	return FromGraph(path, g), nil
}

// Add appends t. Adding a second tensor under an existing name is an
// error.
func (b *Bundle) Add(t *tensor.Tensor) error {
	if b.index == nil {
		b.index = make(map[string]int)
	}
	if _, exists := b.index[t.Name]; exists {
		return fmt.Errorf("bundle %s: duplicate tensor %q", b.Source, t.Name)
	}
	if err := t.Validate(); err != nil {
		return fmt.Errorf("bundle %s: %w", b.Source, err)
	}
	b.index[t.Name] = len(b.tensors)
	b.tensors = append(b.tensors, t)
	return nil
}

// Get returns the tensor named name.
func (b *Bundle) Get(name string) (*tensor.Tensor, bool) {
	position, ok := b.index[name]
	if !ok {
		return nil, false
	}
	return b.tensors[position], true
}

// Tensors returns the tensors in order. The slice must not be
// modified.
func (b *Bundle) Tensors() []*tensor.Tensor {
	return b.tensors
}

// Names returns tensor names in order.
func (b *Bundle) Names() []string {
	names := make([]string, len(b.tensors))
	for i, t := range b.tensors {
		names[i] = t.Name
	}
	return names
}

// Len returns the number of tensors.
func (b *Bundle) Len() int {
	return len(b.tensors)
}
