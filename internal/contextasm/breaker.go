package contextasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerState is the circuit state as reported in status output.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
	// StateDisabled means no knowledge service is configured.
	StateDisabled BreakerState = "disabled"
)

// BreakerPolicy configures the circuit breaker.
type BreakerPolicy struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before a probe.
	RecoveryTimeout time.Duration
}

// Breaker fails fast while the knowledge service is considered down.
//
// Closed: calls pass through. Open: calls return ErrUnavailable without
// reaching the wrapped Querier. Half-open: exactly one probe passes, with
// retries disabled; its outcome closes or reopens the circuit.
type Breaker struct {
	next   Querier
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// WithBreaker wraps next in a circuit breaker named name.
func WithBreaker(name string, next Querier, policy BreakerPolicy, logger *slog.Logger) *Breaker {
	if policy.FailureThreshold <= 0 {
		policy.FailureThreshold = 3
	}
	if policy.RecoveryTimeout <= 0 {
		policy.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{next: next, logger: logger}
	threshold := uint32(policy.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.RecoveryTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: b.logTransition,
		IsSuccessful: func(err error) bool {
			// A caller giving up is not a service failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return b
}

func (b *Breaker) logTransition(name string, from, to gobreaker.State) {
	attrs := []any{"breaker", name, "from", from.String(), "to", to.String()}
	if to == gobreaker.StateOpen {
		b.logger.Warn("circuit breaker opened", attrs...)
		return
	}
	b.logger.Info("circuit breaker state change", attrs...)
}

// Query implements Querier.
func (b *Breaker) Query(ctx context.Context, q Query) (Result, error) {
	if b.cb.State() == gobreaker.StateHalfOpen {
		ctx = withSingleAttempt(ctx)
	}
	v, err := b.cb.Execute(func() (any, error) {
		return b.next.Query(ctx, q)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Result{}, fmt.Errorf("%w: circuit %s", ErrUnavailable, b.cb.State())
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return v.(Result), nil
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
