// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package tensor defines the raw tensor type shared by the canonical
// graph, the trainable graph export, and federated state bundles.
//
// A [Tensor] is a tagged variant: its [DType] carries a [Kind]
// discriminant (continuous or discrete) and every numeric operation in
// fedsync dispatches on that discriminant at its boundary instead of
// inspecting values at runtime. Buffers are little-endian and row-major
// so that bytes can move between graphs without re-encoding.
package tensor
