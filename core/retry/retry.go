// Package retry runs fallible operations with capped exponential backoff.
//
// It is used to await transient external dependencies such as a backend
// socket that is not yet accepting connections.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gaspardpetit/udsgate/core/logx"
)

// Policy configures a retried call. The delay after failed attempt k (1-based)
// is min(BaseDelay * 2^(k-1), MaxDelay). No jitter is applied.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Fixed returns a policy that waits the same interval between attempts.
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: interval, MaxDelay: interval}
}

// Delay returns the wait that follows failed attempt k (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		if d > math.MaxInt64/2 {
			d = math.MaxInt64
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Label    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Label, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Observer is notified after every attempt. It may be nil.
type Observer func(label string, attempt int, err error)

var observer Observer

// Observe installs a package-wide attempt observer (used for metrics).
func Observe(o Observer) { observer = o }

// sleep waits for d or until ctx is done. Tests replace it.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run invokes op up to p.MaxAttempts times and returns the first success.
// When ctx ends while waiting, the context error is returned wrapped with the
// last operation error.
func Run[T any](ctx context.Context, p Policy, label string, op func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var zero T
	var lastErr error
	for k := 1; k <= attempts; k++ {
		v, err := op(ctx)
		if observer != nil {
			observer(label, k, err)
		}
		if err == nil {
			if k > 1 {
				logx.Log.Debug().Str("op", label).Int("attempt", k).Msg("retry succeeded")
			}
			return v, nil
		}
		lastErr = err
		if k == attempts {
			break
		}
		d := p.Delay(k)
		logx.Log.Debug().Err(err).Str("op", label).Int("attempt", k).Dur("backoff", d).Msg("attempt failed; retrying")
		if werr := sleep(ctx, d); werr != nil {
			return zero, fmt.Errorf("%s: %w (last error: %w)", label, werr, lastErr)
		}
	}
	return zero, &ExhaustedError{Label: label, Attempts: attempts, Err: lastErr}
}

// Do is Run for operations that produce no value.
func Do(ctx context.Context, p Policy, label string, op func(context.Context) error) error {
	_, err := Run(ctx, p, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
