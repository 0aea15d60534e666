package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	gate "github.com/darshitp091/Defence-Engine/internal/middleware"
)

// Dependencies are the services and settings behind the router. Monitor
// may be nil, in which case /api/threat/assess is not mounted.
type Dependencies struct {
	Engine         HashService
	Ledger         LicenseService
	Monitor        ThreatAssessor
	Checks         map[string]HealthCheck
	Sampler        *infrastructure.RuntimeSampler
	Metrics        *infrastructure.Metrics
	Prometheus     http.Handler
	RequestTimeout time.Duration
	StatsInterval  time.Duration
	Logger         *slog.Logger

	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	// RequireLicense gates /api/hash and /api/threat on X-License-Key.
	RequireLicense  bool
	LicenseCacheTTL time.Duration
}

// NewRouter assembles the API. The websocket stream sits outside the
// request timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := infrastructure.WithComponent(deps.Logger, "http")
	errorHandler := apierrors.NewErrorHandler(logger, false)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(traceContext)
	r.Use(gate.StructuredLogger(logger))
	r.Use(instrument(deps.Metrics))
	r.Use(apierrors.NewErrorMiddleware(errorHandler, logger).Handler)
	r.Use(gate.SecurityHeaders)
	if len(deps.CORSOrigins) > 0 {
		r.Use(gate.CORS(gate.CORSConfig{AllowedOrigins: deps.CORSOrigins, ExposedHeaders: []string{"X-Request-ID"}}))
	}
	if deps.RateLimitRPS > 0 {
		r.Use(gate.NewRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst, errorHandler, logger).Handler)
	}
	r.NotFound(errorHandler.NotFound)
	r.MethodNotAllowed(errorHandler.MethodNotAllowed)

	health := NewHealthHandler(deps.Checks, deps.Sampler, logger)
	r.Get("/healthz", health.HealthCheck)
	r.Get("/api/version", health.Version)
	r.Method(http.MethodGet, "/metrics", NewMetricsHandler(deps.Prometheus))

	licenses := NewLicenseHandler(deps.Ledger, errorHandler, logger)
	protect := func(h http.Handler) http.Handler { return h }
	if deps.RequireLicense {
		g := gate.NewLicenseGate(deps.Ledger, deps.LicenseCacheTTL, errorHandler, logger)
		licenses.onRevoke = g.Forget
		protect = g.Handler
	}

	hashes := NewHashHandler(deps.Engine, errorHandler, logger)
	r.Method(http.MethodGet, "/api/hash/stream", protect(NewStreamHandler(deps.Engine, deps.StatsInterval, logger)))

	r.Group(func(r chi.Router) {
		if deps.RequestTimeout > 0 {
			r.Use(middleware.Timeout(deps.RequestTimeout))
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Mount("/api/hash", protect(hashes.Routes()))
		r.Mount("/api/licenses", licenses.Routes())
		if deps.Monitor != nil {
			r.Method(http.MethodPost, "/api/threat/assess",
				protect(http.HandlerFunc(NewThreatHandler(deps.Monitor, errorHandler, logger).Assess)))
		}
	})

	return r
}
