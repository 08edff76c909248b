// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds shared test helpers.
//
// [RequireReceive] and [RequireSend] bound channel operations with a
// wall-clock timeout so a broken goroutine fails the test instead of
// hanging it. Everything else in the tests runs on lib/clock's fake
// clock; these helpers are the only place real time is used.
package testutil
