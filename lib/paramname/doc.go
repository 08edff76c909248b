// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package paramname canonicalizes parameter names so that a canonical
// graph initializer and a trainable-graph parameter that denote the
// same logical tensor compare equal.
//
// The two naming conventions differ in separators ("a/b" vs "a.b"), in
// a leading structural prefix ("model."), in wrapper segments that one
// side nests parameters under ("stage1.Conv.weight"), and in whether
// the weight/bias role is spelled out as a suffix. [Normalizer.Normalize]
// removes all four differences. The role itself is recovered
// separately by [KindOf] and must also agree for a match.
package paramname
