package contextasm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries of one logical query.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type singleAttemptKey struct{}

// withSingleAttempt marks ctx so WithRetry makes exactly one attempt. The
// breaker sets it on half-open probes.
func withSingleAttempt(ctx context.Context) context.Context {
	return context.WithValue(ctx, singleAttemptKey{}, true)
}

func singleAttempt(ctx context.Context) bool {
	v, _ := ctx.Value(singleAttemptKey{}).(bool)
	return v
}

type retrying struct {
	next   Querier
	policy RetryPolicy
	logger *slog.Logger
}

// WithRetry retries failed queries with exponential backoff and jitter, up
// to MaxAttempts in total. Client errors other than 408 and 429 are not
// retried. The exhausted result counts as a single failure to whatever
// wraps it.
func WithRetry(next Querier, policy RetryPolicy, logger *slog.Logger) Querier {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retrying{next: next, policy: policy, logger: logger}
}

func (r *retrying) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		exp.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		exp.MaxInterval = r.policy.MaxInterval
	}
	exp.MaxElapsedTime = 0

	attempts := r.policy.MaxAttempts
	if singleAttempt(ctx) {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}

func (r *retrying) Query(ctx context.Context, q Query) (Result, error) {
	attempt := 0
	op := func() (Result, error) {
		attempt++
		res, err := r.next.Query(ctx, q)
		if err == nil {
			return res, nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Retryable() {
			return Result{}, backoff.Permanent(err)
		}
		return Result{}, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("knowledge query failed, retrying",
			"ticket", q.TicketID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
	}
	return backoff.RetryNotifyWithData[Result](op, r.newBackOff(ctx), notify)
}
