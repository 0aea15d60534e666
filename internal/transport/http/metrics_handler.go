package http

import (
	"net/http"
)

// MetricsHandler serves the Prometheus exposition of the OTel meters.
type MetricsHandler struct {
	exposition http.Handler
}

// NewMetricsHandler wraps the exporter's handler; nil means telemetry is
// disabled.
func NewMetricsHandler(exposition http.Handler) *MetricsHandler {
	return &MetricsHandler{exposition: exposition}
}

// ServeHTTP handles GET /metrics
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exposition == nil {
		http.Error(w, "telemetry disabled", http.StatusNotFound)
		return
	}
	h.exposition.ServeHTTP(w, r)
}
