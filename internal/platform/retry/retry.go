// Package retry runs fallible network operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy controls how many times an operation is attempted and how long to
// wait between attempts. The wait before attempt n+1 is BaseDelay * 2^n,
// capped at MaxDelay when MaxDelay is non-zero.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// OnRetry is called after a failed attempt that will be retried.
type OnRetry func(attempt int, wait time.Duration, err error)

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is cancelled. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry OnRetry) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			var pe *permanentError
			errors.As(lastErr, &pe)
			return pe.err
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.delay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, wait, lastErr)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
	return lastErr
}

func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay * time.Duration(1<<uint(attempt))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
