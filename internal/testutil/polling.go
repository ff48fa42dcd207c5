// Package testutil provides polling helpers and a scripted fake device for
// tests of the storage access core.
package testutil

import (
	"context"
	"fmt"
	"time"
)

// Poll repeatedly checks a condition until it becomes true or timeout expires.
// Returns an error if timeout expires before condition becomes true.
func Poll(ctx context.Context, condition func() bool, timeout time.Duration, interval time.Duration) error {
	start := time.Now()
	for {
		if condition() {
			return nil
		}

		if time.Since(start) >= timeout {
			return fmt.Errorf("timeout waiting for condition (threshold: %v)", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// WaitForState waits until the state getter returns a value that satisfies
// the predicate function, or timeout expires.
//
// Example usage:
//
//	pending, err := WaitForState(ctx, coordinator.Pending,
//		func(p []session.Request) bool { return len(p) == 1 },
//		time.Second,
//		5*time.Millisecond)
func WaitForState[T any](ctx context.Context, getter func() T, predicate func(T) bool, timeout time.Duration, interval time.Duration) (T, error) {
	start := time.Now()
	for {
		state := getter()

		if predicate(state) {
			return state, nil
		}

		if time.Since(start) >= timeout {
			var zero T
			return zero, fmt.Errorf("timeout waiting for target state (type %T, threshold: %v)", zero, timeout)
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(interval):
		}
	}
}
