package contextasm

import (
	"context"
	"log/slog"

	"github.com/roach88/tessera/internal/config"
)

// Remote is the fully decorated knowledge-service client:
// coalescing -> breaker -> retry -> HTTP.
type Remote struct {
	Querier
	http    *HTTPQuerier
	breaker *Breaker
}

// NewRemote builds the client from configuration. It returns nil when no
// knowledge URL is configured, which the Assembler treats as permanently
// unavailable.
func NewRemote(cfg *config.Config, logger *slog.Logger) *Remote {
	if cfg.Knowledge.URL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHTTPQuerier(cfg.Knowledge.URL, cfg.Knowledge.Timeout)
	return compose(h, h, RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	}, BreakerPolicy{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, logger)
}

func compose(base Querier, h *HTTPQuerier, retry RetryPolicy, breaker BreakerPolicy, logger *slog.Logger) *Remote {
	b := WithBreaker("knowledge", WithRetry(base, retry, logger), breaker, logger)
	return &Remote{Querier: WithCoalescing(b), http: h, breaker: b}
}

// State returns the breaker state. A nil Remote is disabled.
func (r *Remote) State() BreakerState {
	if r == nil {
		return StateDisabled
	}
	return r.breaker.State()
}

// Health probes GET /health directly, bypassing the breaker.
func (r *Remote) Health(ctx context.Context) error {
	if r == nil || r.http == nil {
		return ErrUnavailable
	}
	return r.http.Health(ctx)
}
