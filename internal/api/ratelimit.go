package api

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/inkwell-labs/creditd/internal/metrics"
	"github.com/inkwell-labs/creditd/internal/ratelimit"
)

// limit runs one limiter check. It reports whether the request may continue
// and writes the 429 otherwise. A limiter that cannot answer lets the
// request through.
func limit(w http.ResponseWriter, r *http.Request, l ratelimit.Limiter, key, scope, message string, m *metrics.Metrics, logger *slog.Logger) bool {
	d, err := l.Allow(r.Context(), key)
	if err != nil {
		logger.Warn("rate limiter unavailable", "scope", scope, "error", err)
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}

	retry := int(math.Ceil(d.RetryAfter.Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))
	m.RateLimited(scope)
	writeError(w, http.StatusTooManyRequests, message)
	return false
}

// ipRateLimitMiddleware returns HTTP middleware that rate-limits by remote IP.
// chimw.RealIP has already replaced RemoteAddr with the forwarded address.
func ipRateLimitMiddleware(l ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limit(w, r, l, "ip:"+clientIP(r), "ip", "too many requests", m, logger) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware returns HTTP middleware that rate-limits by user ID.
func rateLimitMiddleware(l ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := identityFrom(r.Context())
			if identity == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !limit(w, r, l, "user:"+identity.UserID, "user", "rate limit exceeded", m, logger) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
