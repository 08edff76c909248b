// Copyright 2026 The Fedsync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source of the aggregation round runner.
// Production code uses [Real]; tests use [Fake], whose time moves only
// when Advance is called.
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go runner.Watch(ctx)
//	c.WaitForTimers(1)
//	c.Advance(time.Minute)
package clock

import "time"

// Clock is the subset of the time package the round runner uses.
type Clock interface {
	Now() time.Time

	// After delivers the time once d has elapsed. d <= 0 delivers
	// immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C, dropping ticks the reader is
// not ready for.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
