// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress compresses tensor payloads inside graph files.
//
// Float32 initializers default to byte-grouped LZ4 ([BG4LZ4]); other
// payloads use LZ4 or zstd. A payload that does not shrink is stored
// uncompressed and tagged [None], so decoding never depends on the
// writer's configuration.
package compress
