// Package httpapi exposes the relay service over HTTP/JSON plus a
// websocket endpoint for streaming. All wire concerns (status mapping,
// concurrency caps, timeouts) live here; the service core stays
// transport-free.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notewire/noterelay/internal/relay"
)

// Config bounds the HTTP surface.
type Config struct {
	// MaxConnections caps concurrent handler invocations.
	MaxConnections int
	// RequestTimeout bounds each request, and also how long an excess
	// request waits for a concurrency slot before 503.
	RequestTimeout time.Duration
}

// Server holds dependencies for the HTTP handlers.
type Server struct {
	Svc      *relay.Service
	Cfg      Config
	Registry *prometheus.Registry
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Health and metrics bypass the concurrency cap.
	r.Get("/healthz", s.Healthz)
	if s.Registry != nil {
		r.Method("GET", "/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		if s.Cfg.MaxConnections > 0 {
			r.Use(ConcurrencyLimit(s.Cfg.MaxConnections, s.Cfg.RequestTimeout))
		}
		if s.Cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(s.Cfg.RequestTimeout))
		}

		r.Post("/v1/notes", s.SendNote)
		r.Get("/v1/notes", s.FetchNotes)
		r.Get("/v1/stats", s.GetStats)
	})

	// The stream holds its connection open; only the slot-acquisition
	// cap applies, not the per-request timeout.
	r.Get("/v1/notes/stream", s.StreamNotes)

	return r
}
