// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package loomnet

import (
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/match"
	"github.com/chithram/fedsync/lib/paramname"
	"github.com/chithram/fedsync/lib/tensor"
	"github.com/chithram/fedsync/lib/trainable"
)

// twoLayerGraph is images[2,1,2,2] -> Flatten -> Gemm(transB=0) -> Relu
// -> MatMul -> Add(bias) -> features[2,3].
func twoLayerGraph() *graph.Graph {
	hidden := make([]float32, 4*5)
	for i := range hidden {
		hidden[i] = 0.1 + 0.05*float32(i%4)
	}
	projection := make([]float32, 5*3)
	for i := range projection {
		projection[i] = 0.2 + 0.1*float32(i%3)
	}
	return &graph.Graph{
		Inputs:  []graph.ValueInfo{{Name: "images", DType: tensor.Float32, Shape: []int{-1, 1, 2, 2}}},
		Outputs: []graph.ValueInfo{{Name: "features", DType: tensor.Float32}},
		Nodes: []graph.Node{
			{Name: "flatten", OpType: "Flatten", Inputs: []string{"images"}, Outputs: []string{"flat"}},
			{
				Name: "model/stage1/Conv", OpType: "Gemm",
				Inputs:     []string{"flat", "model.stage1.conv.weight", "model.stage1.conv.bias"},
				Outputs:    []string{"h"},
				Attributes: map[string]graph.Attribute{"transB": graph.IntAttribute(0)},
			},
			{Name: "relu", OpType: "Relu", Inputs: []string{"h"}, Outputs: []string{"a"}},
			{Name: "model/head", OpType: "MatMul", Inputs: []string{"a", "head.weight"}, Outputs: []string{"p"}},
			{Name: "model/head_bias", OpType: "Add", Inputs: []string{"p", "head.bias"}, Outputs: []string{"features"}},
		},
		Initializers: []*tensor.Tensor{
			tensor.FromFloat32("model.stage1.conv.weight", []int{4, 5}, hidden),
			tensor.FromFloat32("model.stage1.conv.bias", []int{5}, []float32{0.1, 0.1, 0.1, 0.1, 0.1}),
			tensor.FromFloat32("head.weight", []int{5, 3}, projection),
			tensor.FromFloat32("head.bias", []int{3}, []float32{0, 0.5, -0.5}),
		},
	}
}

// convGraph is images[N,1,4,4] -> Conv(2 filters, 3x3, pad 1) ->
// features[N,2,4,4].
func convGraph() *graph.Graph {
	kernel := make([]float32, 2*1*3*3)
	for i := range kernel {
		kernel[i] = 0.05 + 0.01*float32(i)
	}
	return &graph.Graph{
		Inputs:  []graph.ValueInfo{{Name: "images", DType: tensor.Float32, Shape: []int{-1, 1, 4, 4}}},
		Outputs: []graph.ValueInfo{{Name: "features", DType: tensor.Float32}},
		Nodes: []graph.Node{{
			Name: "backbone/conv1", OpType: "Conv",
			Inputs:  []string{"images", "backbone.conv1.weight", "backbone.conv1.bias"},
			Outputs: []string{"features"},
			Attributes: map[string]graph.Attribute{
				"kernel_shape": {Ints: []int64{3, 3}},
				"pads":         {Ints: []int64{1, 1, 1, 1}},
				"strides":      {Ints: []int64{1, 1}},
			},
		}},
		Initializers: []*tensor.Tensor{
			tensor.FromFloat32("backbone.conv1.weight", []int{2, 1, 3, 3}, kernel),
			tensor.FromFloat32("backbone.conv1.bias", []int{2}, []float32{0.1, -0.1}),
		},
	}
}

func input() trainable.Activation {
	return trainable.Activation{
		Shape: []int{2, 1, 2, 2},
		Data:  []float32{1, 2, 3, 4, 0.5, 0.25, 1.5, 2},
	}
}

func images(batch int) trainable.Activation {
	data := make([]float32, batch*16)
	for i := range data {
		data[i] = 0.1 + 0.02*float32(i%16)
	}
	return trainable.Activation{Shape: []int{batch, 1, 4, 4}, Data: data}
}

func TestConvertNamesAndOrientation(t *testing.T) {
	model, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	var names []string
	for _, parameter := range model.Parameters() {
		names = append(names, parameter.Name)
	}
	want := []string{"model.stage1.Conv.weight", "model.stage1.Conv.bias", "model.head.weight", "model.head_bias.bias"}
	if !slices.Equal(names, want) {
		t.Fatalf("parameters = %v, want %v", names, want)
	}
	if got := model.Parameters()[0].Shape; !slices.Equal(got, []int{5, 4}) {
		t.Errorf("Gemm weight shape = %v, want [5 4] (out, in)", got)
	}
	if got := model.Parameters()[2].Shape; !slices.Equal(got, []int{3, 5}) {
		t.Errorf("MatMul weight shape = %v, want [3 5]", got)
	}
	if len(model.layers) != 2 {
		t.Errorf("layers = %d, want 2 (relu and bias fused)", len(model.layers))
	}
}

func TestConvertDeterministic(t *testing.T) {
	first, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	second, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	for i, parameter := range first.Parameters() {
		other := second.Parameters()[i]
		if parameter.Name != other.Name || !slices.Equal(parameter.Shape, other.Shape) || !slices.Equal(parameter.Value, other.Value) {
			t.Errorf("parameter %d differs between conversions", i)
		}
	}
}

func TestExportMatchesCanonicalInitializers(t *testing.T) {
	g := twoLayerGraph()
	model, err := Convert(g)
	if err != nil {
		t.Fatal(err)
	}
	state, err := trainable.State("trained", model)
	if err != nil {
		t.Fatal(err)
	}

	result := match.New(paramname.Default()).Match(g.Initializers, state.Tensors())
	if len(result.Pairs) != 3 {
		t.Fatalf("pairs = %d (unmatched %v), want 3", len(result.Pairs), result.Unmatched)
	}
	var flags []bool
	for _, pair := range result.Pairs {
		flags = append(flags, pair.Transposed)
	}
	if !slices.Equal(flags, []bool{true, false, true}) {
		t.Errorf("transposed flags = %v, want [true false true]", flags)
	}
	// The Add node's name does not normalize to the initializer's key.
	if !slices.Equal(result.Unmatched, []string{"head.bias"}) {
		t.Errorf("unmatched = %v, want [head.bias]", result.Unmatched)
	}
}

func TestForwardLinearValues(t *testing.T) {
	g := &graph.Graph{
		Inputs:  []graph.ValueInfo{{Name: "x", DType: tensor.Float32}},
		Outputs: []graph.ValueInfo{{Name: "y", DType: tensor.Float32}},
		Nodes: []graph.Node{{
			Name: "fc", OpType: "Gemm", Inputs: []string{"x", "w", "b"}, Outputs: []string{"y"},
			Attributes: map[string]graph.Attribute{"transB": graph.IntAttribute(1)},
		}},
		Initializers: []*tensor.Tensor{
			tensor.FromFloat32("w", []int{2, 3}, []float32{1, 0, 0, 0, 1, 1}),
			tensor.FromFloat32("b", []int{2}, []float32{10, 20}),
		},
	}
	model, err := Convert(g)
	if err != nil {
		t.Fatal(err)
	}
	outputs, err := model.Forward(trainable.Activation{Shape: []int{1, 3}, Data: []float32{1, 2, 3}})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !slices.Equal(outputs[0].Shape, []int{1, 2}) {
		t.Fatalf("y shape = %v, want [1 2]", outputs[0].Shape)
	}
	// x.W^T + b = [1, 5] + [10, 20]
	for i, want := range []float32{11, 25} {
		if math.Abs(float64(outputs[0].Data[i]-want)) > 1e-4 {
			t.Errorf("y[%d] = %v, want %v", i, outputs[0].Data[i], want)
		}
	}
}

func TestForwardPicksUpParameterEdits(t *testing.T) {
	model, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	before, err := model.Forward(input())
	if err != nil {
		t.Fatal(err)
	}
	first := slices.Clone(before[0].Data)

	bias := model.Parameters()[3]
	for i := range bias.Value {
		bias.Value[i] += 1
	}
	after, err := model.Forward(input())
	if err != nil {
		t.Fatal(err)
	}
	for i, value := range after[0].Data {
		if math.Abs(float64(value-first[i]-1)) > 1e-4 {
			t.Errorf("output[%d] moved %v after a +1 bias edit, want 1", i, value-first[i])
		}
	}
}

func TestConvKeepsSpatialAxes(t *testing.T) {
	model, err := Convert(convGraph())
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if got := model.Parameters()[0].Shape; !slices.Equal(got, []int{2, 1, 3, 3}) {
		t.Errorf("conv weight shape = %v, want [2 1 3 3]", got)
	}
	outputs, err := model.Forward(images(3))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if want := []int{3, 2, 4, 4}; !slices.Equal(outputs[0].Shape, want) {
		t.Fatalf("output shape = %v, want %v", outputs[0].Shape, want)
	}
	if len(outputs[0].Data) != 3*2*4*4 {
		t.Errorf("output holds %d values, want %d", len(outputs[0].Data), 3*2*4*4)
	}
}

func TestConvStrideShrinksOutput(t *testing.T) {
	g := convGraph()
	g.Nodes[0].Attributes["strides"] = graph.Attribute{Ints: []int64{2, 2}}
	g.Nodes[0].Attributes["pads"] = graph.Attribute{Ints: []int64{0, 0, 0, 0}}
	model, err := Convert(g)
	if err != nil {
		t.Fatal(err)
	}
	outputs, err := model.Forward(images(1))
	if err != nil {
		t.Fatal(err)
	}
	// (4 - 3) / 2 + 1 = 1
	if want := []int{1, 2, 1, 1}; !slices.Equal(outputs[0].Shape, want) {
		t.Errorf("output shape = %v, want %v", outputs[0].Shape, want)
	}
}

func TestConvRejectsUnsupportedGeometry(t *testing.T) {
	tests := []struct {
		name string
		edit func(*graph.Graph)
	}{
		{"grouped", func(g *graph.Graph) { g.Nodes[0].Attributes["group"] = graph.IntAttribute(2) }},
		{"uneven strides", func(g *graph.Graph) { g.Nodes[0].Attributes["strides"] = graph.Attribute{Ints: []int64{1, 2}} }},
		{"dilated", func(g *graph.Graph) { g.Nodes[0].Attributes["dilations"] = graph.Attribute{Ints: []int64{2, 2}} }},
		{"rectangular kernel", func(g *graph.Graph) {
			g.Initializers[0] = tensor.FromFloat32("backbone.conv1.weight", []int{2, 1, 3, 1}, make([]float32, 6))
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := convGraph()
			test.edit(g)
			if _, err := Convert(g); !errors.Is(err, trainable.ErrUnsupported) {
				t.Errorf("err = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestConvWrongChannelsFailsForward(t *testing.T) {
	model, err := Convert(convGraph())
	if err != nil {
		t.Fatal(err)
	}
	two := trainable.Activation{Shape: []int{1, 2, 4, 4}, Data: make([]float32, 32)}
	if _, err := model.Forward(two); err == nil {
		t.Error("a 2-channel input should not fit a 1-channel convolution")
	}
}

func backwardOnes(t *testing.T, model *Model, x trainable.Activation) {
	t.Helper()
	outputs, err := model.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	grad := make([]float32, len(outputs[0].Data))
	for i := range grad {
		grad[i] = 1
	}
	trainable.ZeroGrad(model)
	if err := model.Backward([]trainable.Activation{{Shape: outputs[0].Shape, Data: grad}}); err != nil {
		t.Fatalf("Backward: %v", err)
	}
}

func nonzero(values []float32) bool {
	for _, value := range values {
		if value != 0 {
			return true
		}
	}
	return false
}

func finite(values []float32) bool {
	for _, value := range values {
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return false
		}
	}
	return true
}

func TestBackwardFillsTrainableGradients(t *testing.T) {
	model, err := Convert(convGraph())
	if err != nil {
		t.Fatal(err)
	}
	backwardOnes(t, model, images(2))
	for _, parameter := range model.Parameters() {
		if !nonzero(parameter.Grad) {
			t.Errorf("%s received no gradient", parameter.Name)
		}
		if !finite(parameter.Grad) {
			t.Errorf("%s gradient is not finite: %v", parameter.Name, parameter.Grad)
		}
	}
}

func TestFrozenParametersGetNoGradient(t *testing.T) {
	model, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	model.Parameters()[0].Frozen = true
	model.Parameters()[1].Frozen = true
	backwardOnes(t, model, input())

	for _, frozen := range model.Parameters()[:2] {
		if nonzero(frozen.Grad) {
			t.Errorf("frozen %s received gradient %v", frozen.Name, frozen.Grad)
		}
	}
	if !nonzero(model.Parameters()[3].Grad) {
		t.Error("trainable head bias received no gradient")
	}
}

func TestBackwardRequiresForward(t *testing.T) {
	model, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	if err := model.Backward([]trainable.Activation{{Shape: []int{2, 3}, Data: make([]float32, 6)}}); err == nil {
		t.Error("Backward before Forward should fail")
	}
}

func TestUnsupportedGraphs(t *testing.T) {
	tests := []struct {
		name string
		edit func(*graph.Graph)
	}{
		{"operator", func(g *graph.Graph) { g.Nodes[2].OpType = "Sigmoid" }},
		{"residual add", func(g *graph.Graph) { g.Nodes[4].Inputs[1] = "a" }},
		{"relu before any layer", func(g *graph.Graph) { g.Nodes[0].OpType = "Relu" }},
		{"scaled gemm", func(g *graph.Graph) { g.Nodes[1].Attributes["alpha"] = graph.FloatAttribute(2) }},
		{"branch", func(g *graph.Graph) { g.Nodes[3].Inputs[0] = "h" }},
		{"second output", func(g *graph.Graph) {
			g.Outputs = append(g.Outputs, graph.ValueInfo{Name: "h", DType: tensor.Float32})
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			g := twoLayerGraph()
			test.edit(g)
			if _, err := Convert(g); !errors.Is(err, trainable.ErrUnsupported) {
				t.Errorf("err = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestForwardShapeMismatch(t *testing.T) {
	model, err := Convert(twoLayerGraph())
	if err != nil {
		t.Fatal(err)
	}
	_, err = model.Forward(trainable.Activation{Shape: []int{1, 1, 3, 3}, Data: make([]float32, 9)})
	if err == nil {
		t.Error("a 9-feature input should not fit a 4-input layer")
	}
}
