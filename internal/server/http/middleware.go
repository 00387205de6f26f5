package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"prism/internal/ids"
	"prism/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware stamps every request with an identifier, carries it on
// the context for tracing and logging, and writes one access log line.
func requestIDMiddleware(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = ids.NewRequestID()
		}
		c.Writer.Header().Set(requestIDHeader, requestID)
		c.Request = c.Request.WithContext(ids.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()
		logger.Info("%s %s -> %d in %s request_id=%s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond), requestID)
	}
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiters tracks one token bucket per client. Idle entries age out on
// the next lookup after the cleanup interval.
type rateLimiters struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*clientLimiter
	entryTTL    time.Duration
	lastCleanup time.Time
}

func newRateLimiters(rps float64, burst int) *rateLimiters {
	return &rateLimiters{
		limit:       rate.Limit(rps),
		burst:       burst,
		entries:     make(map[string]*clientLimiter),
		entryTTL:    15 * time.Minute,
		lastCleanup: time.Now(),
	}
}

func (r *rateLimiters) allow(key string) bool {
	if key == "" {
		return true
	}
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if now.Sub(r.lastCleanup) >= 5*time.Minute {
		for k, entry := range r.entries {
			if now.Sub(entry.lastSeen) > r.entryTTL {
				delete(r.entries, k)
			}
		}
		r.lastCleanup = now
	}

	entry, ok := r.entries[key]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// rateLimitMiddleware rejects clients that exceed their per-IP budget.
// Non-positive settings disable limiting.
func rateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 || burst <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	limiters := newRateLimiters(rps, burst)
	return func(c *gin.Context) {
		if !limiters.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody{
				Error: apiError{Code: "overloaded", Message: "rate limit exceeded", Retriable: true},
			})
			return
		}
		c.Next()
	}
}
