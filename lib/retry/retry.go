package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mazen160/go-random"
)

// Class decides how an error should be handled by the controller.
type Class int

const (
	// Transient errors are retried with backoff until MaxAttempts.
	Transient Class = iota
	// Fatal errors propagate immediately without retrying.
	Fatal
)

// Classifier maps an error returned by an operation to its Class.
type Classifier func(err error) Class

// AlwaysTransient treats every error as retryable.
func AlwaysTransient(error) Class { return Transient }

// FatalError wraps an error that was classified as fatal.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %s", e.Err.Error())
}

func (e *FatalError) Unwrap() error { return e.Err }

// ExhaustedError is returned once a transient error has used up all
// attempts. The caller decides whether that means skip-and-continue or
// abort.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, e.Err.Error())
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type Controller struct {
	// MaxAttempts is the total number of tries, not the number of
	// retries. Values below 1 behave as 1.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Do runs op, retrying transient failures with capped exponential
// backoff plus jitter. classify may be nil, in which case every error
// is treated as transient.
func (c Controller) Do(ctx context.Context, op func(ctx context.Context) error, classify Classifier) error {
	if classify == nil {
		classify = AlwaysTransient
	}
	attempts := c.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt - 1)
			slog.DebugContext(ctx, "backing off before retry", "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify(err) == Fatal {
			return &FatalError{Err: err}
		}
		lastErr = err
		slog.WarnContext(ctx, "transient failure", "attempt", attempt+1, "err", err)
	}

	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func (c Controller) backoff(exponent int) time.Duration {
	base := c.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	wait := base << uint(exponent)
	if c.BackoffCap > 0 && wait > c.BackoffCap {
		wait = c.BackoffCap
	}

	// up to 25% jitter so concurrent callers don't sync up
	jitterCeil := int(wait / 4)
	if jitterCeil > 0 {
		n, err := random.IntRange(0, jitterCeil)
		if err == nil {
			wait += time.Duration(n)
		}
	}
	return wait
}
