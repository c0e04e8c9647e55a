package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// CorrelationMiddleware propagates an X-Correlation-ID header, generating
// one when the client did not supply it, and binds it to the request
// logger for end-to-end tracing.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		logger := log.With().Str("correlationId", correlationID).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

// ConcurrencyLimit caps concurrent handler invocations. Excess requests
// wait up to timeout for a slot, then fail with 503.
func ConcurrencyLimit(max int, timeout time.Duration) func(http.Handler) http.Handler {
	slots := make(chan struct{}, max)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var wait <-chan time.Time
			if timeout > 0 {
				t := time.NewTimer(timeout)
				defer t.Stop()
				wait = t.C
			}

			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
				next.ServeHTTP(w, r)
			case <-wait:
				writeError(w, r, http.StatusServiceUnavailable, "server overloaded")
			case <-r.Context().Done():
			}
		})
	}
}
