// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when told to.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	pending []*fakeEvent
}

// fakeEvent is a scheduled timer callback or ticker tick.
type fakeEvent struct {
	id       uint64
	due      time.Time
	interval time.Duration // zero for one-shot timers
	fire     func(now time.Time)
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps to t without firing anything scheduled before it. Use
// Advance to move time forward with timers firing.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// NewTicker schedules ticks every d from now.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	channel := make(chan time.Time, 1)
	id := c.schedule(d, d, func(now time.Time) {
		select {
		case channel <- now:
		default:
		}
	})
	return &Ticker{C: channel, stop: func() { c.cancel(id) }}
}

// AfterFunc schedules f to run d from now. A non-positive d runs f
// immediately on the calling goroutine.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	var id uint64
	if d <= 0 {
		f()
	} else {
		id = c.schedule(d, 0, func(time.Time) { f() })
	}
	timer := &Timer{}
	timer.stop = func() bool { return id != 0 && c.cancel(id) }
	timer.reset = func(d time.Duration) bool {
		active := id != 0 && c.cancel(id)
		id = c.schedule(d, 0, func(time.Time) { f() })
		return active
	}
	return timer
}

// Advance moves time forward by d, firing every timer and tick that
// falls due, in due order, on the calling goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		event := c.nextDueLocked(target)
		if event == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = event.due
		if event.interval > 0 {
			event.due = event.due.Add(event.interval)
		} else {
			c.removeLocked(event.id)
		}
		now := c.now
		c.mu.Unlock()

		event.fire(now)
	}
}

// Pending returns the number of scheduled timers and tickers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) schedule(d, interval time.Duration, fire func(time.Time)) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.pending = append(c.pending, &fakeEvent{
		id:       c.nextID,
		due:      c.now.Add(d),
		interval: interval,
		fire:     fire,
	})
	return c.nextID
}

func (c *FakeClock) cancel(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(id)
}

func (c *FakeClock) removeLocked(id uint64) bool {
	index := slices.IndexFunc(c.pending, func(event *fakeEvent) bool { return event.id == id })
	if index < 0 {
		return false
	}
	c.pending = slices.Delete(c.pending, index, index+1)
	return true
}

// nextDueLocked returns the earliest event due at or before target.
// Ties go to the event scheduled first.
func (c *FakeClock) nextDueLocked(target time.Time) *fakeEvent {
	var next *fakeEvent
	for _, event := range c.pending {
		if event.due.After(target) {
			continue
		}
		if next == nil || event.due.Before(next.due) {
			next = event
		}
	}
	return next
}
