// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	inner := time.NewTicker(d)
	return &Ticker{
		C:        inner.C,
		stopFunc: inner.Stop,
	}
}
