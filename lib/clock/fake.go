// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance, in deadline order, so a callback must
// not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	when   time.Time
	period time.Duration // non-zero for tickers
	ch     chan time.Time
	fn     func()
	active bool
}

var _ Clock = (*FakeClock)(nil)

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.scheduleLocked(&fakeTimer{when: c.now.Add(d), ch: ch, active: true})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	entry := &fakeTimer{fn: f}
	timer := &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.removeLocked(entry)
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			wasActive := entry.active
			c.removeLocked(entry)
			if d <= 0 {
				c.mu.Unlock()
				f()
				return wasActive
			}
			entry.when = c.now.Add(d)
			entry.active = true
			c.scheduleLocked(entry)
			c.mu.Unlock()
			return wasActive
		},
	}
	if d <= 0 {
		f()
		return timer
	}
	c.mu.Lock()
	entry.when = c.now.Add(d)
	entry.active = true
	c.scheduleLocked(entry)
	c.mu.Unlock()
	return timer
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker with non-positive period")
	}
	ch := make(chan time.Time, 1)
	entry := &fakeTimer{period: d, ch: ch, active: true}
	c.mu.Lock()
	entry.when = c.now.Add(d)
	c.scheduleLocked(entry)
	c.mu.Unlock()
	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(entry)
			entry.period = d
			entry.when = c.now.Add(d)
			entry.active = true
			c.scheduleLocked(entry)
		},
	}
}

// Advance moves time forward by d, firing everything whose deadline
// falls inside the new window. Tickers fire once per elapsed period.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.earliestLocked()
		if next == nil || next.when.After(target) {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.when
		if next.period > 0 {
			next.when = next.when.Add(next.period)
		} else {
			c.removeLocked(next)
		}
		fireAt := c.now
		c.mu.Unlock()

		if next.fn != nil {
			next.fn()
			continue
		}
		select {
		case next.ch <- fireAt:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers, tickers, or After
// channels are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of scheduled timers and tickers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *FakeClock) scheduleLocked(entry *fakeTimer) {
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(entry *fakeTimer) {
	entry.active = false
	c.pending = slices.DeleteFunc(c.pending, func(candidate *fakeTimer) bool {
		return candidate == entry
	})
}

func (c *FakeClock) earliestLocked() *fakeTimer {
	var earliest *fakeTimer
	for _, entry := range c.pending {
		if earliest == nil || entry.when.Before(earliest.when) {
			earliest = entry
		}
	}
	return earliest
}
