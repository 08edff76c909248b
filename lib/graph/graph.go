// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"

	"github.com/chithram/fedsync/lib/tensor"
)

// Graph is a canonical model graph. Node order is execution order.
// Initializer names are unique; Initializers keeps declaration order,
// which is also the order parameter matching scans in.
type Graph struct {
	Name         string            `cbor:"name,omitempty"`
	Producer     string            `cbor:"producer,omitempty"`
	Inputs       []ValueInfo       `cbor:"inputs"`
	Outputs      []ValueInfo       `cbor:"outputs"`
	Nodes        []Node            `cbor:"nodes"`
	Initializers []*tensor.Tensor  `cbor:"-"`
	Metadata     map[string]string `cbor:"metadata,omitempty"`
}

// ValueInfo names a graph input or output. Negative dimensions are
// dynamic (typically the batch axis).
type ValueInfo struct {
	Name  string       `cbor:"name"`
	DType tensor.DType `cbor:"dtype"`
	Shape []int        `cbor:"shape,omitempty"`
}

// Node is one compute step. An empty input name marks an omitted
// optional input.
type Node struct {
	Name       string               `cbor:"name"`
	OpType     string               `cbor:"op"`
	Inputs     []string             `cbor:"inputs"`
	Outputs    []string             `cbor:"outputs"`
	Attributes map[string]Attribute `cbor:"attrs,omitempty"`
}

// Attribute is a node attribute value. Exactly one field is set.
type Attribute struct {
	Int    *int64    `cbor:"i,omitempty"`
	Float  *float64  `cbor:"f,omitempty"`
	String string    `cbor:"s,omitempty"`
	Ints   []int64   `cbor:"ints,omitempty"`
	Floats []float64 `cbor:"floats,omitempty"`
}

// IntAttribute returns an integer attribute.
func IntAttribute(value int64) Attribute {
	return Attribute{Int: &value}
}

// FloatAttribute returns a float attribute.
func FloatAttribute(value float64) Attribute {
	return Attribute{Float: &value}
}

// Int returns the integer attribute name, or fallback when absent.
func (n *Node) Int(name string, fallback int64) int64 {
	if attribute, ok := n.Attributes[name]; ok && attribute.Int != nil {
		return *attribute.Int
	}
	return fallback
}

// Float returns the float attribute name, or fallback when absent.
func (n *Node) Float(name string, fallback float64) float64 {
	if attribute, ok := n.Attributes[name]; ok && attribute.Float != nil {
		return *attribute.Float
	}
	return fallback
}

// Initializer returns the initializer named name, or nil.
func (g *Graph) Initializer(name string) *tensor.Tensor {
	for _, initializer := range g.Initializers {
		if initializer.Name == name {
			return initializer
		}
	}
	return nil
}

// InitializerNames returns initializer names in declaration order.
func (g *Graph) InitializerNames() []string {
	names := make([]string, len(g.Initializers))
	for i, initializer := range g.Initializers {
		names[i] = initializer.Name
	}
	return names
}

// ReplaceInitializer swaps the initializer with the same name as
// replacement, keeping its position. The replacement must keep the
// dtype and shape of the initializer it replaces.
func (g *Graph) ReplaceInitializer(replacement *tensor.Tensor) error {
	for i, initializer := range g.Initializers {
		if initializer.Name != replacement.Name {
			continue
		}
		if initializer.DType != replacement.DType || !tensor.ShapeEqual(initializer.Shape, replacement.Shape) {
			return fmt.Errorf("initializer %q: replacement %s%v does not fit %s%v",
				replacement.Name, replacement.DType, replacement.Shape, initializer.DType, initializer.Shape)
		}
		if err := replacement.Validate(); err != nil {
			return err
		}
		g.Initializers[i] = replacement
		return nil
	}
	return fmt.Errorf("initializer %q not found", replacement.Name)
}

// Validate checks the structural invariants: initializer names are
// unique and their buffers match their shapes, and every node input is
// a graph input, an initializer, or the output of an earlier node.
func (g *Graph) Validate() error {
	available := make(map[string]bool, len(g.Inputs)+len(g.Initializers))
	for _, input := range g.Inputs {
		if input.Name == "" {
			return fmt.Errorf("graph input with empty name")
		}
		available[input.Name] = true
	}

	initializers := make(map[string]bool, len(g.Initializers))
	for _, initializer := range g.Initializers {
		if initializer == nil {
			return fmt.Errorf("nil initializer")
		}
		if initializer.Name == "" {
			return fmt.Errorf("initializer with empty name")
		}
		if initializers[initializer.Name] {
			return fmt.Errorf("duplicate initializer %q", initializer.Name)
		}
		if err := initializer.Validate(); err != nil {
			return err
		}
		initializers[initializer.Name] = true
		available[initializer.Name] = true
	}

	for index, node := range g.Nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if !available[input] {
				return fmt.Errorf("node %d (%s %q): input %q is not produced before use", index, node.OpType, node.Name, input)
			}
		}
		for _, output := range node.Outputs {
			if output != "" {
				available[output] = true
			}
		}
	}

	for _, output := range g.Outputs {
		if !available[output.Name] {
			return fmt.Errorf("graph output %q is never produced", output.Name)
		}
	}
	return nil
}

// Clone returns a deep copy. Mutating the clone's nodes or
// initializers never affects g.
func (g *Graph) Clone() *Graph {
	clone := &Graph{
		Name:     g.Name,
		Producer: g.Producer,
		Inputs:   cloneValueInfos(g.Inputs),
		Outputs:  cloneValueInfos(g.Outputs),
		Nodes:    make([]Node, len(g.Nodes)),
		Metadata: maps.Clone(g.Metadata),
	}
	for i, node := range g.Nodes {
		clone.Nodes[i] = Node{
			Name:       node.Name,
			OpType:     node.OpType,
			Inputs:     slices.Clone(node.Inputs),
			Outputs:    slices.Clone(node.Outputs),
			Attributes: cloneAttributes(node.Attributes),
		}
	}
	clone.Initializers = make([]*tensor.Tensor, len(g.Initializers))
	for i, initializer := range g.Initializers {
		clone.Initializers[i] = initializer.Clone()
	}
	return clone
}

func cloneValueInfos(values []ValueInfo) []ValueInfo {
	if values == nil {
		return nil
	}
	clone := make([]ValueInfo, len(values))
	for i, value := range values {
		clone[i] = ValueInfo{Name: value.Name, DType: value.DType, Shape: slices.Clone(value.Shape)}
	}
	return clone
}

func cloneAttributes(attributes map[string]Attribute) map[string]Attribute {
	if attributes == nil {
		return nil
	}
	clone := make(map[string]Attribute, len(attributes))
	for name, attribute := range attributes {
		copied := Attribute{
			String: attribute.String,
			Ints:   slices.Clone(attribute.Ints),
			Floats: slices.Clone(attribute.Floats),
		}
		if attribute.Int != nil {
			value := *attribute.Int
			copied.Int = &value
		}
		if attribute.Float != nil {
			value := *attribute.Float
			copied.Float = &value
		}
		clone[name] = copied
	}
	return clone
}
