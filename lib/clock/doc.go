// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every collabify component that
// schedules work: awareness heartbeats and expiry, signaling reconnect
// backoff, file-binding debounce, and the end-session durability wait.
//
// Components hold a Clock and never call the time package directly.
// Production wiring passes Real(). Tests pass a FakeClock and drive
// time explicitly:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	tracker := awareness.New(awareness.Config{Clock: fake})
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second)
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
