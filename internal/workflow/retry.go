package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrPermanent marks a step failure that retrying cannot fix. Collaborators may
// also return backoff.Permanent errors.
var ErrPermanent = errors.New("permanent failure")

// RetryPolicy bounds the retries of one external step.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

// DefaultRetryPolicy matches the service defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, Initial: 200 * time.Millisecond, Max: 5 * time.Second}
}

// Retrier runs external steps with bounded exponential backoff.
type Retrier struct {
	policy  RetryPolicy
	logger  *slog.Logger
	onRetry func(step string)
}

// NewRetrier creates a retrier. onRetry is called once per retried attempt and may be nil.
func NewRetrier(p RetryPolicy, logger *slog.Logger, onRetry func(step string)) *Retrier {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: p, logger: logger, onRetry: onRetry}
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done.
func (r *Retrier) Do(ctx context.Context, step string, op func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.Initial
	eb.MaxInterval = r.policy.Max
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.policy.MaxAttempts-1)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Step failed, retrying",
			"step", step,
			"attempt", attempt,
			"wait", wait,
			"error", err)
		if r.onRetry != nil {
			r.onRetry(step)
		}
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return fmt.Errorf("%s failed after %d attempt(s): %w", step, attempt, err)
	}
	return nil
}
