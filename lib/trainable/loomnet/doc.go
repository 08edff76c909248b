// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package loomnet is the built-in trainable converter. It maps a
// canonical graph that is a single chain of layers onto a loom
// network (github.com/openfluke/loom/nn) and runs forward and
// backward passes on its CPU path.
//
// Supported nodes:
//
//   - Gemm (transA=0, alpha=1, beta=1) and MatMul with an initializer
//     as the right operand become dense layers.
//   - Conv with one group, a square kernel, uniform strides and pads
//     and unit dilation becomes a 2-D convolution layer. Its output
//     keeps the [batch, channels, height, width] shape, so feature
//     pooling sees the spatial axes.
//   - Add of a constant fuses into the preceding layer as its bias.
//   - Relu fuses into the preceding layer as its activation.
//   - Flatten (axis 1) and Identity pass values through.
//
// Anything else, including an Add of two activations, is rejected
// with [trainable.ErrUnsupported] at conversion time.
//
// Parameters are named after the node that consumes them: the node
// name with "/" separators turned into dots, plus ".weight" or
// ".bias". Dense weights are held in [out, in] orientation whatever
// the canonical layout is, so a MatMul weight or a Gemm weight with
// transB=0 exports in the reversed shape of its initializer and is
// transposed back on injection. Convolution weights keep their
// [filters, channels, kh, kw] layout.
//
// Parameter values are copied into the network before every forward
// pass and loom's kernel and bias gradients are added into the
// parameters' Grad after every backward pass, skipping frozen ones.
package loomnet
