package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/parley/internal/model"
	"github.com/ashita-ai/parley/internal/telemetry"
)

// KeyFunc extracts the limiter key from a request. An empty key exempts the
// request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID from the request context.
// Injected by the caller to avoid a dependency on the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware rejects requests over their key's rate with 429 and a
// Retry-After header. A nil limiter lets every request through, and limiter
// errors fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	denied, _ := telemetry.Meter(telemetry.ScopeHTTP).Int64Counter("parley.ratelimit.denied",
		metric.WithDescription("Requests rejected by the API rate limiter"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if ok {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := time.Second
			if ra, isRA := limiter.(RetryAfterer); isRA {
				if d := ra.RetryAfter(key); d > retryAfter {
					retryAfter = d
				}
			}
			secs := int(retryAfter.Round(time.Second).Seconds())
			if denied != nil {
				denied.Add(context.WithoutCancel(r.Context()), 1,
					metric.WithAttributes(attribute.String("class", ClassOf(key))))
			}
			logger.Debug("ratelimit: denied", "key", key, "retry_after_s", secs)

			var requestID string
			if reqIDFunc != nil {
				requestID = reqIDFunc(r)
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeRateLimitError(w, requestID, secs)
		})
	}
}

func writeRateLimitError(w http.ResponseWriter, requestID string, retryAfter int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{
			Code:    model.ErrCodeRateLimited,
			Message: "too many requests",
			Details: map[string]any{"retry_after_seconds": retryAfter},
		},
		Meta: model.ResponseMeta{
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		},
	})
}

// IPKeyFunc keys anonymous callers by RemoteAddr. X-Forwarded-For is not
// trusted because any client can set it.
func IPKeyFunc(r *http.Request) string {
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return Key("ip", addr[:idx])
	}
	return Key("ip", addr)
}
