// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations velo components depend
// on: reading the time (generation timestamps, the interception
// layer's unreachable cooldown), periodic work (scheduled garbage
// collection), and delayed callbacks (debouncing manifest changes).
//
// Production code injects [Real]. Tests inject [Fake] and move time
// with [FakeClock.Advance], which fires due timers and tickers
// synchronously on the calling goroutine.
package clock
