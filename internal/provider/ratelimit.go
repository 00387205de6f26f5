package provider

import (
	"context"

	"golang.org/x/time/rate"

	"prism/internal/errors"
)

// rateLimitedClient throttles outbound calls to one provider. Wait respects
// the caller's deadline, so a saturated limiter fails the call fast instead
// of stalling it.
type rateLimitedClient struct {
	Client
	provider string
	limiter  *rate.Limiter
}

// WithRateLimit wraps a client with a token-bucket limiter. Non-positive
// rps returns the client unchanged.
func WithRateLimit(client Client, provider string, rps float64, burst int) Client {
	if rps <= 0 {
		return client
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimitedClient{
		Client:   client,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *rateLimitedClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Overloadedf("%s rate limit: %v", c.provider, err)
	}
	return nil
}

func (c *rateLimitedClient) Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.Client.Complete(ctx, model, messages, params)
}

func (c *rateLimitedClient) StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if streamer, ok := c.Client.(Streamer); ok {
		return streamer.StreamComplete(ctx, model, messages, params, onDelta)
	}
	return c.Client.Complete(ctx, model, messages, params)
}
