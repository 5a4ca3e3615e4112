// Package retry provides the explicit retry policy applied at the persistence
// and broker boundaries. Nothing else in the core retries implicitly.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// Policy bounds retries by attempt count and backs off exponentially with
// jitter between attempts.
type Policy struct {
	MaxAttempts int
	Min         time.Duration
	Max         time.Duration
}

// permanentError marks a failure that further attempts cannot fix.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps an error so Do stops retrying and returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, the error is
// marked permanent, or the context is done. On exhaustion the last error is
// returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{
		Min:    p.Min,
		Max:    p.Max,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", p.MaxAttempts, lastErr)
}
