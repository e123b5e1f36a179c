// Package retry runs a function a bounded number of times with a wait between
// attempts. Waits honour context cancellation, so an interrupted caller
// leaves the loop immediately instead of finishing its backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Schedule returns the wait before the retry that follows the n-th failed
// attempt (n starts at 1).
type Schedule func(n int) time.Duration

// Linear waits base*n: 1s, 2s, 3s for base=1s.
func Linear(base time.Duration) Schedule {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		return base * time.Duration(n)
	}
}

// Exponential waits base*2^(n-1), clamped to max when max > 0.
func Exponential(base, max time.Duration) Schedule {
	return func(n int) time.Duration {
		if n < 1 {
			n = 1
		}
		d := base
		for i := 1; i < n; i++ {
			d *= 2
			if max > 0 && d >= max {
				return max
			}
		}
		if max > 0 && d > max {
			return max
		}
		return d
	}
}

// Parse maps a config name ("linear", "exponential") to a Schedule.
func Parse(kind string, base time.Duration) (Schedule, error) {
	switch kind {
	case "", "linear":
		return Linear(base), nil
	case "exponential":
		return Exponential(base, 0), nil
	default:
		return nil, fmt.Errorf("retry: unknown schedule %q", kind)
	}
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	Schedule Schedule

	// OnRetry, when set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)

	// Sleep is injectable to make tests fast and deterministic.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds or the attempts run out. If ctx is done, Do
// returns ctx.Err() without further attempts.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	sched := p.Schedule
	if sched == nil {
		sched = Linear(time.Second)
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && isContextErr(err) {
			return ctxErr
		}
		lastErr = err
		if attempt == attempts {
			break
		}

		wait := sched(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// SleepContext sleeps for d, aborting early if ctx is canceled.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
