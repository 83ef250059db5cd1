package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
)

// RetryPolicy retries a failing node. After each failure the wait grows as
// wait = min(wait*Backoff + AddedDelay, MaxWait).
type RetryPolicy struct {
	Attempts   int           `validate:"gte=1"`
	Wait       time.Duration `validate:"gte=0"`
	Backoff    float64       `validate:"gte=0"`
	AddedDelay time.Duration `validate:"gte=0"`
	// MaxWait caps the wait. Zero means no cap.
	MaxWait time.Duration `validate:"gte=0"`
}

// DefaultRetryPolicy tries five times, starting at ten seconds and doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 5,
		Wait:     10 * time.Second,
		Backoff:  2,
	}
}

var policyValidator = validator.New()

func (p RetryPolicy) Validate() error {
	return policyValidator.Struct(p)
}

func (p RetryPolicy) grow(wait time.Duration) time.Duration {
	wait = time.Duration(float64(wait)*p.Backoff) + p.AddedDelay
	if p.MaxWait > 0 && wait > p.MaxWait {
		wait = p.MaxWait
	}

	return wait
}

// Waits returns the wait before each retry.
func (p RetryPolicy) Waits() []time.Duration {
	if p.Attempts <= 1 {
		return nil
	}

	waits := make([]time.Duration, 0, p.Attempts-1)
	b := p.backOff()

	for range p.Attempts - 1 {
		waits = append(waits, b.NextBackOff())
	}

	return waits
}

func (p RetryPolicy) backOff() *policyBackOff {
	return &policyBackOff{policy: p}
}

// policyBackOff adapts a RetryPolicy to backoff.BackOff.
type policyBackOff struct {
	policy  RetryPolicy
	wait    time.Duration
	started bool
}

func (b *policyBackOff) NextBackOff() time.Duration {
	if !b.started {
		b.started = true
		b.wait = b.policy.Wait

		return b.wait
	}

	b.wait = b.policy.grow(b.wait)

	return b.wait
}

func (b *policyBackOff) Reset() {
	b.started = false
	b.wait = 0
}

// do calls fn until it succeeds or the attempts run out, returning the last error.
func (p RetryPolicy) do(ctx context.Context, label string, logger *slog.Logger,
	fn func(attempt int) (map[string]any, error),
) (map[string]any, error) {
	attempt := 0
	operation := func() (map[string]any, error) {
		attempt++

		return fn(attempt)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.WarnContext(ctx, fmt.Sprintf("node %s has error, retrying #%d in %s", label, attempt, wait),
				"error", err)
		}),
	)
}
