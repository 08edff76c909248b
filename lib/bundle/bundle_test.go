// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package bundle

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/chithram/fedsync/lib/compress"
	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/tensor"
)

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New("p1", []*tensor.Tensor{
		tensor.FromFloat32("a", []int{1}, []float32{1}),
		tensor.FromFloat32("a", []int{1}, []float32{2}),
	})
	if err == nil {
		t.Fatal("duplicate names should be rejected")
	}
}

func TestGetAndOrder(t *testing.T) {
	b, err := New("p1", []*tensor.Tensor{
		tensor.FromFloat32("z", []int{1}, []float32{1}),
		tensor.FromInt64("a", []int{1}, []int64{2}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Names(); !slices.Equal(got, []string{"z", "a"}) {
		t.Errorf("Names() = %v, want insertion order", got)
	}
	if _, ok := b.Get("missing"); ok {
		t.Error("Get(missing) reported a tensor")
	}
	value, ok := b.Get("a")
	if !ok || value.DType != tensor.Int64 {
		t.Errorf("Get(a) = %v, %v", value, ok)
	}
}

func TestLoadCopiesInitializers(t *testing.T) {
	g := &graph.Graph{
		Inputs:  []graph.ValueInfo{{Name: "x", DType: tensor.Float32}},
		Outputs: []graph.ValueInfo{{Name: "y", DType: tensor.Float32}},
		Nodes:   []graph.Node{{Name: "add", OpType: "Add", Inputs: []string{"x", "b"}, Outputs: []string{"y"}}},
		Initializers: []*tensor.Tensor{
			tensor.FromFloat32("b", []int{2}, []float32{1, 2}),
		},
	}
	path := filepath.Join(t.TempDir(), "update.fsg")
	if err := graph.Save(path, g, compress.None); err != nil {
		t.Fatal(err)
	}

	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if b.Source != path || b.Len() != 1 {
		t.Errorf("bundle %s with %d tensors", b.Source, b.Len())
	}

	fromGraph := FromGraph("memory", g)
	value, _ := fromGraph.Get("b")
	value.Data[0] = 0xFF
	if g.Initializers[0].Data[0] == 0xFF {
		t.Error("FromGraph must copy initializer data")
	}
}
