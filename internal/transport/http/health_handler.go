package http

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/render"

	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
	"github.com/darshitp091/Defence-Engine/pkg/contracts"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	checks  map[string]HealthCheck
	sampler *infrastructure.RuntimeSampler
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler. sampler may be nil.
func NewHealthHandler(checks map[string]HealthCheck, sampler *infrastructure.RuntimeSampler, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks:  checks,
		sampler: sampler,
		started: time.Now(),
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status     string                       `json:"status"`
	Version    string                       `json:"version"`
	Uptime     string                       `json:"uptime"`
	Components map[string]string            `json:"components"`
	Runtime    *infrastructure.RuntimeStats `json:"runtime,omitempty"`
	Timestamp  time.Time                    `json:"timestamp"`
}

// HealthCheck handles GET /healthz. Any failing component answers 503.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    contracts.Version,
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Components: make(map[string]string, len(h.checks)),
		Timestamp:  time.Now().UTC(),
	}

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			resp.Status = "unhealthy"
			resp.Components[name] = err.Error()
			h.logger.WarnContext(r.Context(), "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()))
			continue
		}
		resp.Components[name] = "ok"
	}

	if h.sampler != nil {
		rs := h.sampler.Sample(r.Context())
		resp.Runtime = &rs
	}

	if resp.Status != "healthy" {
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, resp)
}

// Version handles GET /api/version
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, contracts.GetVersionInfo())
}
