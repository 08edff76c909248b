// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs one on-device training session end to end.
//
// A session loads the canonical graph, selects the oldest untrained
// face records, converts the graph into a trainable one, freezes the
// protected parameter groups, runs contrastive training over paired
// views of the faces, injects the trained parameters back into the
// canonical graph, writes the output graph, and marks the consumed
// records as trained.
//
// Setup problems (no graph, no record store, no usable records) are
// returned as sentinel errors before any output is written. Every
// failure after setup in conversion, training or injection ends the
// session in [FellBack]: the input graph bytes are copied unchanged to
// the output path and no records are marked. A supervising process
// reads the STATUS and PROGRESS lines written through
// [progress.Reporter] to follow along.
package session
