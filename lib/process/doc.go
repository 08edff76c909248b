// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds entrypoint helpers for code that runs before
// the structured logger exists.
package process
