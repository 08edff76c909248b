// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package contrastive runs a self-supervised training pass over paired
// augmented views.
//
// Each batch of B samples is fed through the trainable graph once, as a
// single 2B batch: the first views of every sample followed by the
// second views. Graph outputs are pooled into one embedding per view
// ([Pool]) and scored with the NT-Xent loss ([NTXent]), where the two
// views of a sample are its only positive pair. Gradients flow back
// through pooling into the graph and an Adam step updates every
// parameter that is not frozen.
//
// A batch of one view pair has no negatives and the loss is undefined,
// so the [Loader] refuses to build one: datasets and batch sizes below
// two are rejected with [ErrBatchTooSmall] before any forward pass, and
// a trailing single-sample batch is dropped.
package contrastive
