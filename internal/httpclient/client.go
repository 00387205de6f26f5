// Package httpclient builds the outbound HTTP clients shared by the
// provider adapters, with optional circuit-breaker transports and bounded
// body reads.
package httpclient

import (
	"net/http"
	"time"

	"prism/internal/logging"
)

// New returns an http.Client configured for outbound provider calls.
//
// The client timeout is a backstop; per-call deadlines come from the
// request context. A zero timeout falls back to 30s so a misconfigured
// adapter can never hang a branch indefinitely.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		logging.OrNop(logger).Debug("no timeout configured, defaulting to 30s")
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: Transport(),
	}
}

// Transport returns an http.Transport clone honoring HTTP(S)_PROXY and
// NO_PROXY from the environment.
func Transport() *http.Transport {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	return base.Clone()
}
