// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the subset of the time package used by collabify.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After delivers the time on the returned channel once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel or reschedule the call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. Slow consumers miss ticks
// rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop halts tick delivery. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset restarts the ticker with a new period.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending AfterFunc call.
type Timer struct {
	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the call. It reports whether the call was still pending.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the call to run d from now. It reports whether the
// call was still pending beforehand.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
