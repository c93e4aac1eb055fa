// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source injected into components.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// AfterFunc calls f once after d. The returned Timer can cancel
	// or reschedule the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Ticker delivers periodic ticks. C has capacity 1; ticks are dropped
// while the consumer is behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the call. Returns false if it already ran or was
// stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call d from now. Returns true if the timer
// was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
