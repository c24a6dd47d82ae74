// Package retry runs an operation repeatedly at a fixed interval until it
// succeeds or a monotonic deadline passes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("retry: deadline exceeded")

// Policy is a bounded, fixed-interval retry policy.
type Policy struct {
	// Timeout bounds the whole loop, measured from the first attempt.
	Timeout time.Duration
	// Interval is the pause between attempts. The final pause is shortened
	// so that it never extends past the deadline.
	Interval time.Duration
	// Clock defaults to clock.Real().
	Clock clock.Clock
}

// TimeoutError reports that the deadline passed before the operation
// succeeded. Last holds the error from the final attempt, if any.
type TimeoutError struct {
	Attempts int
	Timeout  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("gave up after %d attempt(s) in %s", e.Attempts, e.Timeout)
	}
	return fmt.Sprintf("gave up after %d attempt(s) in %s: %v", e.Attempts, e.Timeout, e.Last)
}

// Is makes errors.Is(err, ErrTimeout) true.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Unwrap returns the last attempt's error.
func (e *TimeoutError) Unwrap() error { return e.Last }

type stopError struct{ err error }

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop wraps err so that Do returns it immediately instead of retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return stopError{err: err}
}

// Do calls op until it returns nil, returns an error wrapped with Stop, or
// the policy's deadline passes. op is always called at least once. attempt
// starts at 1.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	deadline := c.Now().Add(p.Timeout)

	var last error
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		last = err

		remaining := deadline.Sub(c.Now())
		if remaining <= 0 {
			break
		}
		wait := p.Interval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-c.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if !c.Now().Before(deadline) {
			break
		}
	}
	return &TimeoutError{Attempts: attempt, Timeout: p.Timeout, Last: last}
}
