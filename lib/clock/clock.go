// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject Fake() and advance it deterministically.
//
// Everything in this system that reads the current time — record
// timestamps, pagination cursors, introduction expiry, the auto-accept
// loop — takes a Clock (or sits on a struct with a Clock field)
// instead of calling the time package directly.
package clock

import "time"

// Clock provides the current time and timer primitives.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time after d
	// elapses. If d <= 0, the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop to
// release resources. C has capacity 1 — a slow consumer drops ticks
// rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. No more ticks arrive on C after Stop
// returns. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }
