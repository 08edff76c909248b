// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the shared CBOR configuration for fedsync's
// on-disk formats.
//
// Two serialization formats are used, with a clear boundary:
//
//   - JSON for external interfaces: CLI --json output and JSONC config
//     files.
//   - CBOR for files fedsync writes for itself: canonical graph files
//     (.fsg) and round manifests.
//
// Every package encodes through this one configuration so that the same
// logical value always produces identical bytes:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
// Types that are only ever CBOR carry `cbor` tags. Types that also
// appear in --json output carry `json` tags only; fxamacker/cbor falls
// back to them. Never put both tags on one field.
package codec
