package httpclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"prism/internal/errors"
	"prism/internal/logging"
)

type breakerRoundTripper struct {
	base    http.RoundTripper
	breaker *errors.CircuitBreaker
}

// NewWithCircuitBreaker builds an HTTP client whose transport trips open
// after repeated upstream failures.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string) *http.Client {
	return NewWithCircuitBreakerConfig(timeout, logger, name, errors.DefaultCircuitBreakerConfig())
}

// NewWithCircuitBreakerConfig is NewWithCircuitBreaker with a custom breaker
// configuration.
func NewWithCircuitBreakerConfig(timeout time.Duration, logger logging.Logger, name string, config errors.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransportWithCircuitBreaker(client.Transport, name, config)
	return client
}

// WrapTransportWithCircuitBreaker guards an arbitrary transport with a
// circuit breaker keyed by name.
func WrapTransportWithCircuitBreaker(base http.RoundTripper, name string, config errors.CircuitBreakerConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if name == "" {
		name = "http-client"
	}
	return &breakerRoundTripper{
		base:    base,
		breaker: errors.NewCircuitBreaker(name, config),
	}
}

func (t *breakerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil request")
	}
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		// Caller cancellation says nothing about upstream health.
		if stderrors.Is(err, context.Canceled) {
			t.breaker.Mark(nil)
			return nil, err
		}
		t.breaker.Mark(err)
		return nil, err
	}
	if isBreakerFailureStatus(resp.StatusCode) {
		t.breaker.Mark(fmt.Errorf("http status %d", resp.StatusCode))
	} else {
		t.breaker.Mark(nil)
	}
	return resp, nil
}

func isBreakerFailureStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
