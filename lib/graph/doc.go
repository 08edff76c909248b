// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package graph holds the canonical model graph: an ordered list of
// compute nodes plus an ordered, uniquely named initializer store.
//
// Graphs persist as .fsg files: a CBOR envelope (see [Encode]) whose
// initializer payloads are individually compressed with
// [compress.Auto]. The uncompressed form of every payload is
// recorded, so a graph decodes identically regardless of which
// compression the writer chose, and [Digest] is computed over the
// uncompressed encoding so that recompressing a model does not change
// its identity.
//
// Nodes are opaque to this package beyond their input/output wiring.
// The trainable converters in lib/trainable interpret operator types
// and attributes.
package graph
