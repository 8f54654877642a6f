package generate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ambient/internal/logging"
	"ambient/internal/repoctx"
	"ambient/internal/types"
)

// RetryPolicy is exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultRetryPolicy mirrors the generator defaults in .ambient.yml.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.5}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.BaseDelay > 0 {
		b.InitialInterval = p.BaseDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	return b
}

// retry runs op under policy. Invalid proposals and caller cancellation are
// permanent; anything else is retried. The final failure is a *ServiceError.
func retry[T any](ctx context.Context, policy RetryPolicy, source string, op func(context.Context) (T, error)) (T, error) {
	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil && (errors.Is(err, types.ErrInvalidProposal) || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(max(policy.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.GenerateWarn("%s failed (attempt %d), retrying in %s: %v", source, attempts, next, err)
		}),
	)
	if err != nil {
		var zero T
		return zero, &ServiceError{Source: source, Attempts: attempts, Cause: err}
	}
	return res, nil
}

// Retrying wraps a Generator with backoff.
type Retrying struct {
	inner  Generator
	policy RetryPolicy
}

// NewRetrying wraps g.
func NewRetrying(g Generator, policy RetryPolicy) *Retrying {
	return &Retrying{inner: g, policy: policy}
}

// Name implements Generator.
func (r *Retrying) Name() string {
	return r.inner.Name()
}

// Propose implements Generator.
func (r *Retrying) Propose(ctx context.Context, rc repoctx.Context) ([]types.Proposal, error) {
	return retry(ctx, r.policy, r.inner.Name(), func(ctx context.Context) ([]types.Proposal, error) {
		return r.inner.Propose(ctx, rc)
	})
}

// RetryingRefiner wraps a Refiner with backoff.
type RetryingRefiner struct {
	inner  Refiner
	policy RetryPolicy
}

// NewRetryingRefiner wraps r.
func NewRetryingRefiner(r Refiner, policy RetryPolicy) *RetryingRefiner {
	return &RetryingRefiner{inner: r, policy: policy}
}

// Refine implements Refiner.
func (r *RetryingRefiner) Refine(ctx context.Context, p types.Proposal, siblings []types.Proposal) (types.Proposal, error) {
	return retry(ctx, r.policy, "refine "+p.ID, func(ctx context.Context) (types.Proposal, error) {
		return r.inner.Refine(ctx, p, siblings)
	})
}
