// Package retry runs an operation again with exponential backoff and jitter
// until it succeeds, fails permanently, or runs out of attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Only keeps errors matching one of targets retryable and marks every other
// error permanent.
func Only(err error, targets ...error) error {
	if err == nil {
		return nil
	}
	for _, t := range targets {
		if errors.Is(err, t) {
			return err
		}
	}
	return Permanent(err)
}

// Do calls fn up to maxAttempts times. It stops early on success, on a
// *PermanentError (whose wrapped error is returned), or when ctx is done.
// baseDelay doubles after each attempt with +-25% jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}

	return err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 4
	return d - spread + rand.N(2*spread+1) //nolint:gosec // backoff jitter
}
