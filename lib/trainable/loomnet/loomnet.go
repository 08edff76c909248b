// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

package loomnet

import (
	"fmt"
	"slices"
	"strings"

	"github.com/openfluke/loom/nn"

	"github.com/chithram/fedsync/lib/graph"
	"github.com/chithram/fedsync/lib/tensor"
	"github.com/chithram/fedsync/lib/trainable"
)

// linear is loom's identity activation.
const linear = nn.ActivationType(-1)

// Converter converts chain-shaped canonical graphs onto loom.
type Converter struct{}

type layerKind int

const (
	denseLayer layerKind = iota
	convLayer
)

// layer is one loom layer and the parameters that feed it.
type layer struct {
	kind       layerKind
	node       graph.Node
	weight     *trainable.Parameter
	bias       *trainable.Parameter
	biasSize   int
	activation nn.ActivationType

	// Convolution geometry; zero for dense layers.
	channels int
	kernel   int
	stride   int
	padding  int
}

// Model is a converted graph.
type Model struct {
	inputName  string
	outputName string
	layers     []*layer
	parameters []*trainable.Parameter

	network *nn.Network
	sample  []int // per-sample input shape the network was built for
	batch   int
	output  []int // per-sample output shape
}

// Convert implements [trainable.Converter].
func (Converter) Convert(g *graph.Graph) (trainable.Graph, error) {
	return Convert(g)
}

// Convert builds a trainable model from g.
func Convert(g *graph.Graph) (*Model, error) {
	if len(g.Inputs) != 1 {
		return nil, fmt.Errorf("%w: %d graph inputs, want 1", trainable.ErrUnsupported, len(g.Inputs))
	}
	if len(g.Outputs) != 1 {
		return nil, fmt.Errorf("%w: %d graph outputs, want 1", trainable.ErrUnsupported, len(g.Outputs))
	}

	initializers := make(map[string]*tensor.Tensor, len(g.Initializers))
	for _, initializer := range g.Initializers {
		initializers[initializer.Name] = initializer
	}

	model := &Model{inputName: g.Inputs[0].Name, outputName: g.Outputs[0].Name}
	current := model.inputName
	for index, node := range g.Nodes {
		if len(node.Outputs) != 1 {
			return nil, unsupported(node, "%d outputs", len(node.Outputs))
		}
		if len(node.Inputs) == 0 || node.Inputs[0] != current {
			return nil, unsupported(node, "does not continue the chain from %q", current)
		}
		if err := model.addNode(index, node, initializers); err != nil {
			return nil, err
		}
		current = node.Outputs[0]
	}
	if current != model.outputName {
		return nil, fmt.Errorf("%w: chain ends at %q, graph output is %q", trainable.ErrUnsupported, current, model.outputName)
	}
	if len(model.layers) == 0 {
		return nil, fmt.Errorf("%w: graph has no layers", trainable.ErrUnsupported)
	}

	names := make(map[string]bool)
	for _, l := range model.layers {
		for _, parameter := range []*trainable.Parameter{l.weight, l.bias} {
			if parameter == nil {
				continue
			}
			if names[parameter.Name] {
				return nil, fmt.Errorf("%w: parameter name %q produced twice", trainable.ErrUnsupported, parameter.Name)
			}
			names[parameter.Name] = true
			model.parameters = append(model.parameters, parameter)
		}
	}
	return model, nil
}

func (m *Model) addNode(index int, node graph.Node, initializers map[string]*tensor.Tensor) error {
	inputs := node.Inputs
	prefix := parameterPrefix(index, node)
	var last *layer
	if len(m.layers) > 0 {
		last = m.layers[len(m.layers)-1]
	}

	switch node.OpType {
	case "Gemm":
		if node.Int("transA", 0) != 0 {
			return unsupported(node, "transA is not supported")
		}
		if node.Float("alpha", 1) != 1 || node.Float("beta", 1) != 1 {
			return unsupported(node, "alpha and beta other than 1 are not supported")
		}
		if len(inputs) < 2 {
			return unsupported(node, "missing weight")
		}
		weight, err := weightParameter(node, prefix, initializers[inputs[1]], node.Int("transB", 0) != 0)
		if err != nil {
			return err
		}
		l := &layer{kind: denseLayer, node: node, weight: weight, biasSize: weight.Shape[0], activation: linear}
		if len(inputs) > 2 && inputs[2] != "" {
			if l.bias, err = biasParameter(node, prefix, initializers[inputs[2]], l.biasSize); err != nil {
				return err
			}
		}
		m.layers = append(m.layers, l)
	case "MatMul":
		if len(inputs) != 2 {
			return unsupported(node, "%d inputs", len(inputs))
		}
		weight, err := weightParameter(node, prefix, initializers[inputs[1]], false)
		if err != nil {
			return err
		}
		m.layers = append(m.layers, &layer{kind: denseLayer, node: node, weight: weight, biasSize: weight.Shape[0], activation: linear})
	case "Conv":
		l, err := convLayerFor(node, prefix, inputs, initializers)
		if err != nil {
			return err
		}
		m.layers = append(m.layers, l)
	case "Add":
		if len(inputs) != 2 {
			return unsupported(node, "%d inputs", len(inputs))
		}
		constant := initializers[inputs[1]]
		if constant == nil {
			return unsupported(node, "adding two activations is not supported")
		}
		if last == nil || last.bias != nil || last.activation != linear {
			return unsupported(node, "bias %q has no layer to fuse into", constant.Name)
		}
		bias, err := biasParameter(node, prefix, constant, last.biasSize)
		if err != nil {
			return err
		}
		last.bias = bias
	case "Relu":
		if len(inputs) != 1 {
			return unsupported(node, "%d inputs", len(inputs))
		}
		if last == nil || last.activation != linear {
			return unsupported(node, "no layer to fuse into")
		}
		last.activation = nn.ActivationScaledReLU
	case "Identity":
		if len(inputs) != 1 {
			return unsupported(node, "%d inputs", len(inputs))
		}
	case "Flatten":
		if len(inputs) != 1 {
			return unsupported(node, "%d inputs", len(inputs))
		}
		if axis := node.Int("axis", 1); axis != 1 {
			return unsupported(node, "axis %d", axis)
		}
	default:
		return unsupported(node, "operator is not supported")
	}
	return nil
}

func convLayerFor(node graph.Node, prefix string, inputs []string, initializers map[string]*tensor.Tensor) (*layer, error) {
	if len(inputs) < 2 {
		return nil, unsupported(node, "missing weight")
	}
	if group := node.Int("group", 1); group != 1 {
		return nil, unsupported(node, "group %d", group)
	}
	initializer := initializers[inputs[1]]
	if initializer == nil {
		return nil, unsupported(node, "weight is not an initializer")
	}
	shape := initializer.Shape
	if len(shape) != 4 || shape[2] != shape[3] {
		return nil, unsupported(node, "weight %q has shape %v, want a square 2-D kernel", initializer.Name, shape)
	}
	stride, err := uniform(node, "strides", 1)
	if err != nil {
		return nil, err
	}
	padding, err := uniform(node, "pads", 0)
	if err != nil {
		return nil, err
	}
	dilation, err := uniform(node, "dilations", 1)
	if err != nil {
		return nil, err
	}
	if dilation != 1 {
		return nil, unsupported(node, "dilation %d", dilation)
	}
	if padMode, ok := node.Attributes["auto_pad"]; ok && padMode.String != "" && padMode.String != "NOTSET" {
		return nil, unsupported(node, "auto_pad %s", padMode.String)
	}

	values, err := initializer.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trainable.ErrUnsupported, err)
	}
	l := &layer{
		kind:       convLayer,
		node:       node,
		weight:     trainable.NewParameter(prefix+".weight", slices.Clone(shape), values),
		biasSize:   shape[0],
		activation: linear,
		channels:   shape[1],
		kernel:     shape[2],
		stride:     stride,
		padding:    padding,
	}
	if len(inputs) > 2 && inputs[2] != "" {
		if l.bias, err = biasParameter(node, prefix, initializers[inputs[2]], l.biasSize); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// uniform reads an integer list attribute whose entries must all be
// equal, returning fallback when it is absent.
func uniform(node graph.Node, name string, fallback int) (int, error) {
	attribute, ok := node.Attributes[name]
	if !ok || len(attribute.Ints) == 0 {
		return fallback, nil
	}
	first := attribute.Ints[0]
	for _, value := range attribute.Ints[1:] {
		if value != first {
			return 0, unsupported(node, "%s %v are not uniform", name, attribute.Ints)
		}
	}
	return int(first), nil
}

// weightParameter loads a 2-D initializer as an [out, in] parameter.
// outIn reports whether the initializer is already [out, in].
func weightParameter(node graph.Node, prefix string, initializer *tensor.Tensor, outIn bool) (*trainable.Parameter, error) {
	if initializer == nil {
		return nil, unsupported(node, "weight is not an initializer")
	}
	if len(initializer.Shape) != 2 {
		return nil, unsupported(node, "weight %q has shape %v", initializer.Name, initializer.Shape)
	}
	source := initializer
	if !outIn {
		transposed, err := tensor.Transpose(initializer)
		if err != nil {
			return nil, err
		}
		source = transposed
	}
	values, err := source.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trainable.ErrUnsupported, err)
	}
	return trainable.NewParameter(prefix+".weight", source.Shape, values), nil
}

// biasParameter loads a bias initializer. The parameter keeps the
// initializer's shape; only its element count must match size.
func biasParameter(node graph.Node, prefix string, initializer *tensor.Tensor, size int) (*trainable.Parameter, error) {
	if initializer == nil {
		return nil, unsupported(node, "bias is not an initializer")
	}
	if len(initializer.Shape) != 1 || initializer.Elements() != size {
		return nil, unsupported(node, "bias %q has shape %v, want [%d]", initializer.Name, initializer.Shape, size)
	}
	values, err := initializer.Float32s()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", trainable.ErrUnsupported, err)
	}
	return trainable.NewParameter(prefix+".bias", []int{size}, values), nil
}

// parameterPrefix derives the hierarchical parameter prefix from the
// node name.
func parameterPrefix(index int, node graph.Node) string {
	name := strings.Trim(strings.ReplaceAll(node.Name, "/", "."), ".")
	if name == "" {
		return fmt.Sprintf("%s_%d", node.OpType, index)
	}
	return name
}

func unsupported(node graph.Node, format string, args ...any) error {
	return fmt.Errorf("%w: %s node %q: %s", trainable.ErrUnsupported, node.OpType, node.Name, fmt.Sprintf(format, args...))
}

// Parameters implements [trainable.Graph].
func (m *Model) Parameters() []*trainable.Parameter {
	return m.parameters
}

// Forward implements [trainable.Graph]. The loom network is rebuilt
// when the batch size or per-sample shape changes.
func (m *Model) Forward(input trainable.Activation) ([]trainable.Activation, error) {
	if len(input.Shape) < 2 {
		return nil, fmt.Errorf("input shape %v: need a batch axis and features", input.Shape)
	}
	if len(input.Data) != tensor.Elements(input.Shape) {
		return nil, fmt.Errorf("input shape %v holds %d values", input.Shape, len(input.Data))
	}
	batch, sample := input.Shape[0], input.Shape[1:]
	if m.network == nil || batch != m.batch || !slices.Equal(sample, m.sample) {
		if err := m.build(batch, sample); err != nil {
			return nil, err
		}
	}
	if err := m.load(); err != nil {
		return nil, err
	}

	out, _ := m.network.ForwardCPU(input.Data)
	want := batch * tensor.Elements(m.output)
	if len(out) != want {
		return nil, fmt.Errorf("loom forward produced %d values, want %d", len(out), want)
	}
	shape := append([]int{batch}, m.output...)
	return []trainable.Activation{{Shape: shape, Data: slices.Clone(out)}}, nil
}

// build lays out one loom layer per converted layer for inputs of the
// given batch size and per-sample shape.
func (m *Model) build(batch int, sample []int) error {
	network := nn.NewNetwork(batch*tensor.Elements(sample), 1, 1, len(m.layers))
	network.BatchSize = batch

	shape := slices.Clone(sample)
	for i, l := range m.layers {
		switch l.kind {
		case denseLayer:
			outputs, inputs := l.weight.Shape[0], l.weight.Shape[1]
			if features := tensor.Elements(shape); features != inputs {
				return fmt.Errorf("%s node %q: input shape %v does not fit weight [%d %d]",
					l.node.OpType, l.node.Name, shape, outputs, inputs)
			}
			network.SetLayer(0, 0, i, nn.InitDenseLayer(inputs, outputs, l.activation))
			shape = []int{outputs}
		case convLayer:
			if len(shape) != 3 || shape[0] != l.channels {
				return fmt.Errorf("%s node %q: input shape %v does not fit %d input channels",
					l.node.OpType, l.node.Name, shape, l.channels)
			}
			height := (shape[1]+2*l.padding-l.kernel)/l.stride + 1
			width := (shape[2]+2*l.padding-l.kernel)/l.stride + 1
			if height <= 0 || width <= 0 {
				return fmt.Errorf("%s node %q: input shape %v is smaller than the %dx%d kernel",
					l.node.OpType, l.node.Name, shape, l.kernel, l.kernel)
			}
			filters := l.weight.Shape[0]
			network.SetLayer(0, 0, i, nn.InitConv2DLayer(
				shape[1], shape[2], l.channels, l.kernel, l.stride, l.padding, filters, l.activation))
			shape = []int{filters, height, width}
		}
	}

	m.network = network
	m.batch = batch
	m.sample = slices.Clone(sample)
	m.output = shape
	return nil
}

// load copies parameter values into the network's kernels and biases.
func (m *Model) load() error {
	for i, l := range m.layers {
		cfg := m.network.GetLayer(0, 0, i)
		if cfg == nil || len(cfg.Kernel) != len(l.weight.Value) || len(cfg.Bias) != l.biasSize {
			return fmt.Errorf("%s node %q: loom layer %d does not match its parameters", l.node.OpType, l.node.Name, i)
		}
		switch l.kind {
		case denseLayer:
			// loom keeps dense kernels [in, out].
			outputs, inputs := l.weight.Shape[0], l.weight.Shape[1]
			for o := 0; o < outputs; o++ {
				for in := 0; in < inputs; in++ {
					cfg.Kernel[in*outputs+o] = l.weight.Value[o*inputs+in]
				}
			}
		case convLayer:
			copy(cfg.Kernel, l.weight.Value)
		}
		if l.bias != nil {
			copy(cfg.Bias, l.bias.Value)
		} else {
			clear(cfg.Bias)
		}
	}
	return nil
}

// Backward implements [trainable.Graph].
func (m *Model) Backward(outputGrads []trainable.Activation) error {
	if m.network == nil {
		return fmt.Errorf("backward without forward")
	}
	if len(outputGrads) != 1 {
		return fmt.Errorf("%d output gradients for 1 output", len(outputGrads))
	}
	if want := m.batch * tensor.Elements(m.output); len(outputGrads[0].Data) != want {
		return fmt.Errorf("output %q: gradient of %d values, want %d", m.outputName, len(outputGrads[0].Data), want)
	}

	m.network.BackwardCPU(outputGrads[0].Data)
	kernels := m.network.KernelGradients()
	biases := m.network.BiasGradients()
	if len(kernels) < len(m.layers) || len(biases) < len(m.layers) {
		return fmt.Errorf("loom returned gradients for %d layers, want %d", len(kernels), len(m.layers))
	}

	for i, l := range m.layers {
		if !l.weight.Frozen {
			if err := addKernelGrad(l, kernels[i]); err != nil {
				return err
			}
		}
		if l.bias != nil && !l.bias.Frozen {
			if len(biases[i]) != len(l.bias.Grad) {
				return fmt.Errorf("%s node %q: bias gradient of %d values, want %d",
					l.node.OpType, l.node.Name, len(biases[i]), len(l.bias.Grad))
			}
			for j, g := range biases[i] {
				l.bias.Grad[j] += g
			}
		}
	}
	return nil
}

func addKernelGrad(l *layer, grad []float32) error {
	if len(grad) != len(l.weight.Grad) {
		return fmt.Errorf("%s node %q: kernel gradient of %d values, want %d",
			l.node.OpType, l.node.Name, len(grad), len(l.weight.Grad))
	}
	switch l.kind {
	case denseLayer:
		outputs, inputs := l.weight.Shape[0], l.weight.Shape[1]
		for in := 0; in < inputs; in++ {
			for o := 0; o < outputs; o++ {
				l.weight.Grad[o*inputs+in] += grad[in*outputs+o]
			}
		}
	case convLayer:
		for j, g := range grad {
			l.weight.Grad[j] += g
		}
	}
	return nil
}
