package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/darshitp091/Defence-Engine/internal/classifier"
	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/domain"
)

// ThreatHandler feeds caller-supplied metrics to the threat monitor.
type ThreatHandler struct {
	monitor   ThreatAssessor
	validator *requestValidator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewThreatHandler creates a new threat handler
func NewThreatHandler(monitor ThreatAssessor, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *ThreatHandler {
	return &ThreatHandler{
		monitor:   monitor,
		validator: newRequestValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "threat")),
	}
}

// Assess handles POST /api/threat/assess
func (h *ThreatHandler) Assess(w http.ResponseWriter, r *http.Request) {
	var req domain.AssessRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	a, err := h.monitor.Assess(r.Context(), classifier.Metrics{
		CPUPercent:       req.CPUPercent,
		MemoryPercent:    req.MemoryPercent,
		NetworkBytesSent: req.NetworkBytesSent,
		NetworkBytesRecv: req.NetworkBytesRecv,
		ProcessCount:     req.ProcessCount,
		RequestRate:      req.RequestRate,
		Context:          req.Context,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, domain.AssessResponse{
		Level:         a.Score.Level,
		Type:          a.Score.Type,
		Action:        a.Score.Action,
		Confidence:    a.Score.Confidence,
		Remote:        a.Score.Remote,
		Threat:        a.Threat,
		TrapsDeployed: a.TrapsDeployed,
		AssessedAt:    a.At.UTC(),
	})
}
