// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the slice of testing.TB the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed: %s", describe(msgAndArgs))
		}
		return value
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("nothing received after %v: %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireSend sends value on ch, failing the test if the send blocks
// for longer than timeout.
func RequireSend[T any](t TB, ch chan<- T, value T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case ch <- value:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("send blocked for %v: %s", timeout, describe(msgAndArgs))
	}
}

// RequireClosed waits for ch to be closed or to deliver a value.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock test hang prevention
		t.Fatalf("channel still open after %v: %s", timeout, describe(msgAndArgs))
	}
}

// Eventually polls condition every 10ms until it returns true, failing
// the test after timeout.
func Eventually(t TB, timeout time.Duration, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	deadline := time.Now().Add(timeout) //nolint:realclock test hang prevention
	for {
		if condition() {
			return
		}
		if time.Now().After(deadline) { //nolint:realclock test hang prevention
			t.Fatalf("condition not met after %v: %s", timeout, describe(msgAndArgs))
		}
		time.Sleep(10 * time.Millisecond) //nolint:realclock test hang prevention
	}
}

func describe(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
