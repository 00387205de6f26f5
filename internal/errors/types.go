package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies orchestrator errors into the stable categories surfaced to
// callers and to API clients.
type Kind int

const (
	// KindInternal - unexpected invariant violation
	KindInternal Kind = iota
	// KindValidation - malformed request or config input
	KindValidation
	// KindNoEligibleModel - routing found no model passing all filters
	KindNoEligibleModel
	// KindProvider - upstream provider call failed
	KindProvider
	// KindTimeout - per-branch or overall execution budget exceeded
	KindTimeout
	// KindAllBranchesFailed - every speculative branch failed
	KindAllBranchesFailed
	// KindOverloaded - admission queue at capacity
	KindOverloaded
	// KindCache - cache backend failure (callers degrade to a miss)
	KindCache
)

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNoEligibleModel:
		return "no_eligible_model"
	case KindProvider:
		return "provider_error"
	case KindTimeout:
		return "timeout"
	case KindAllBranchesFailed:
		return "all_branches_failed"
	case KindOverloaded:
		return "overloaded"
	case KindCache:
		return "cache_error"
	default:
		return "internal"
	}
}

func (k Kind) String() string { return k.Code() }

// defaultRetriable reports whether errors of this kind are retriable unless a
// constructor says otherwise.
func (k Kind) defaultRetriable() bool {
	return k == KindProvider || k == KindOverloaded
}

// Error is the orchestrator error type. Code is stable across releases so API
// clients can switch on it.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retriable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind with a printf-style message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Code:      kind.Code(),
		Message:   fmt.Sprintf(format, args...),
		Retriable: kind.defaultRetriable(),
	}
}

// Wrap creates an error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	wrapped := New(kind, format, args...)
	wrapped.Err = err
	return wrapped
}

// Validationf builds a KindValidation error.
func Validationf(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NoEligibleModelf builds a KindNoEligibleModel error.
func NoEligibleModelf(format string, args ...any) *Error {
	return New(KindNoEligibleModel, format, args...)
}

// Providerf builds a KindProvider error with explicit retriability.
func Providerf(err error, retriable bool, format string, args ...any) *Error {
	wrapped := Wrap(KindProvider, err, format, args...)
	wrapped.Retriable = retriable
	return wrapped
}

// Timeoutf builds a KindTimeout error.
func Timeoutf(format string, args ...any) *Error {
	return New(KindTimeout, format, args...)
}

// Overloadedf builds a KindOverloaded error.
func Overloadedf(format string, args ...any) *Error {
	return New(KindOverloaded, format, args...)
}

// Cachef builds a KindCache error wrapping the backend cause.
func Cachef(err error, format string, args ...any) *Error {
	return Wrap(KindCache, err, format, args...)
}

// Internalf builds a KindInternal error.
func Internalf(format string, args ...any) *Error {
	return New(KindInternal, format, args...)
}

// KindOf extracts the kind of err; unclassified errors report KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}

// IsRetriable reports whether an operation that produced err may be retried.
// Typed errors carry the answer; raw errors fall back to network, syscall and
// HTTP-status heuristics.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed.Retriable
	}

	if isNetworkError(err) || isSyscallError(err) {
		return true
	}

	if status := extractHTTPStatus(err); status > 0 {
		return RetriableHTTPStatus(status)
	}

	return false
}

// HTTPStatus maps an error to the response status the API surface should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNoEligibleModel:
		return http.StatusUnprocessableEntity
	case KindProvider, KindAllBranchesFailed:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus classifies a provider HTTP response into a typed error.
func FromHTTPStatus(provider string, status int, body string) *Error {
	retriable := RetriableHTTPStatus(status)
	snippet := body
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return Providerf(nil, retriable, "%s returned status %d: %s", provider, status, snippet)
}

// RetriableHTTPStatus reports whether a provider status code is worth retrying.
func RetriableHTTPStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"deadline exceeded",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func extractHTTPStatus(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for _, candidate := range []struct {
		pattern string
		status  int
	}{
		{"status 429", 429}, {"status 500", 500}, {"status 502", 502},
		{"status 503", 503}, {"status 504", 504}, {"status 400", 400},
		{"status 401", 401}, {"status 403", 403}, {"status 404", 404},
	} {
		if strings.Contains(lowerErr, candidate.pattern) {
			return candidate.status
		}
	}
	return 0
}
