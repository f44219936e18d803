package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kotae/internal/model"
	"github.com/ashita-ai/kotae/internal/telemetry"
)

// KeyFunc picks the bucket a request draws from. An empty key exempts the
// request.
type KeyFunc func(r *http.Request) string

// RequestIDFunc extracts the request ID so rejections carry it in the
// error envelope. Injected to keep this package free of the server package.
type RequestIDFunc func(r *http.Request) string

// Middleware enforces limiter per key. A limiter error lets the request
// through and is logged. Rejections get 429 with Retry-After set to
// retryAfter rounded up to whole seconds (at least 1).
func Middleware(limiter Limiter, keyFunc KeyFunc, reqIDFunc RequestIDFunc, retryAfter time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	retrySeconds := strconv.Itoa(int(math.Max(1, math.Ceil(retryAfter.Seconds()))))
	decisions, _ := telemetry.Meter("kotae/ratelimit").Int64Counter("kotae.ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by outcome"),
	)
	count := func(r *http.Request, outcome string) {
		if decisions != nil {
			decisions.Add(r.Context(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}

	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				count(r, "error")
			case !allowed:
				count(r, "rejected")
				w.Header().Set("Retry-After", retrySeconds)
				requestID := ""
				if reqIDFunc != nil {
					requestID = reqIDFunc(r)
				}
				writeRejection(w, requestID)
				return
			default:
				count(r, "allowed")
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRejection(w http.ResponseWriter, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(model.APIError{
		Error: model.ErrorDetail{Code: model.ErrCodeRateLimited, Message: "too many requests"},
		Meta:  model.ResponseMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}
