// Copyright 2026 The Kinship Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called; pending After channels and tickers
// fire when the clock passes their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock for tests.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

// fakeWaiter is a pending After channel or ticker tick.
type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for ticker waiters, which re-arm after
	// firing instead of being removed.
	interval time.Duration
	stopped  bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.waiters = append(c.waiters, &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	return channel
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	waiter := &fakeWaiter{
		deadline: c.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	c.waiters = append(c.waiters, waiter)

	return &Ticker{
		C: waiter.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the window, in deadline order. Ticker waiters
// fire once per elapsed interval (with tick coalescing when the
// buffered channel is full, matching time.Ticker).
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.current.Add(d)
	for {
		next := c.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		c.current = next.deadline
		select {
		case next.channel <- c.current:
		default:
			// Consumer has not drained the previous tick; drop.
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			c.removeWaiterLocked(next)
		}
	}
	c.current = target
}

// nextDeadlineLocked returns the live waiter with the earliest
// deadline at or before target, or nil.
func (c *FakeClock) nextDeadlineLocked(target time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, waiter := range c.waiters {
		if waiter.stopped || waiter.deadline.After(target) {
			continue
		}
		if earliest == nil || waiter.deadline.Before(earliest.deadline) {
			earliest = waiter
		}
	}
	return earliest
}

func (c *FakeClock) removeWaiterLocked(target *fakeWaiter) {
	for i, waiter := range c.waiters {
		if waiter == target {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
