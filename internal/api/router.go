package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/audittrail/internal/middleware"
)

// DefaultRequestTimeout bounds non-export requests.
const DefaultRequestTimeout = 30 * time.Second

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Trail    *TrailHandlers
	Health   *HealthHandlers
	Verifier middleware.TokenVerifier
	Logger   *slog.Logger
	Metrics  *middleware.Metrics
	// Gatherer serves /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// TrustedProxies may set the client address through forwarding headers.
	TrustedProxies middleware.TrustedProxies
	RequestTimeout time.Duration
}

// NewRouter builds the chi router:
//
//	GET /health, /ready           probes
//	GET /metrics                  Prometheus exposition
//	GET /v1/audit/...             trail queries and export
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.HTTPMetrics(cfg.Metrics))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	if cfg.Trail != nil {
		r.Route("/v1/audit", func(ar chi.Router) {
			ar.Use(middleware.CaptureContext(cfg.Verifier, cfg.TrustedProxies, cfg.Logger))
			ar.Group(func(qr chi.Router) {
				qr.Use(chimw.Timeout(cfg.RequestTimeout))
				qr.Get("/entities/{entityType}/{entityID}/history", cfg.Trail.EntityHistory)
				qr.Get("/actors/{actorID}/activity", cfg.Trail.ActorActivity)
				qr.Get("/events", cfg.Trail.SearchEvents)
			})
			// Exports stream for as long as they take.
			ar.Get("/export", cfg.Trail.Export)
		})
	}
	return r
}
