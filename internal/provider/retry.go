package provider

import (
	"context"

	"prism/internal/errors"
	"prism/internal/logging"
)

// retryClient wraps a client with retry and circuit-breaker protection.
type retryClient struct {
	Client
	provider string
	cfg      errors.RetryConfig
	breaker  *errors.CircuitBreaker
	logger   logging.Logger
}

// WithRetry adds exponential-backoff retries and a circuit breaker around
// blocking completions. A nil breaker builds one with defaults.
func WithRetry(client Client, provider string, cfg errors.RetryConfig, breaker *errors.CircuitBreaker) Client {
	if breaker == nil {
		breaker = errors.NewCircuitBreaker(provider, errors.DefaultCircuitBreakerConfig())
	}
	return &retryClient{
		Client:   client,
		provider: provider,
		cfg:      cfg,
		breaker:  breaker,
		logger:   logging.NewComponentLogger("provider-retry"),
	}
}

func (c *retryClient) Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error) {
	return errors.RetryWithResultAndLog(ctx, c.cfg, func(ctx context.Context) (*Result, error) {
		return errors.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*Result, error) {
			return c.Client.Complete(ctx, model, messages, params)
		})
	}, c.logger)
}

// StreamComplete is deliberately not retried: replaying a stream after a
// mid-flight failure would duplicate the deltas already delivered. The
// breaker still guards the attempt.
func (c *retryClient) StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	return errors.ExecuteFunc(c.breaker, ctx, func(ctx context.Context) (*Result, error) {
		if streamer, ok := c.Client.(Streamer); ok {
			return streamer.StreamComplete(ctx, model, messages, params, onDelta)
		}
		return c.Client.Complete(ctx, model, messages, params)
	})
}
