package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/workers"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/domain"
)

// HashHandler serves the hash pipeline.
type HashHandler struct {
	engine    HashService
	validator *requestValidator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewHashHandler creates a new hash handler
func NewHashHandler(engine HashService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *HashHandler {
	return &HashHandler{
		engine:    engine,
		validator: newRequestValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "hash")),
	}
}

// Routes returns the /api/hash router
func (h *HashHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/generate", h.Generate)
	r.Post("/challenge", h.Challenge)
	r.Post("/traps", h.Traps)
	r.Get("/stats", h.Stats)
	return r
}

// Generate handles POST /api/hash/generate
func (h *HashHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req domain.GenerateRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	variant, err := workers.ParseVariant(req.Variant)
	if err != nil {
		h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	start := time.Now()
	var hashes []obfuscation.ObfuscatedHash
	if req.Payload != "" && variant != workers.VariantTrap {
		var one obfuscation.ObfuscatedHash
		one, err = h.engine.Hash(r.Context(), []byte(req.Payload), variant)
		hashes = []obfuscation.ObfuscatedHash{one}
	} else {
		count := req.Count
		if count == 0 {
			count = 1
		}
		hashes, err = h.engine.Generate(r.Context(), count, variant, req.Seed)
	}
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.JSON(w, r, hashResponse(string(variant), hashes, time.Since(start)))
}

// Challenge handles POST /api/hash/challenge
func (h *HashHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req domain.ChallengeRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	start := time.Now()
	hashes, err := h.engine.GenerateChallengeSet(r.Context(), req.Payload, req.Variants)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, hashResponse(string(workers.VariantChallenge), hashes, time.Since(start)))
}

// Traps handles POST /api/hash/traps. An async request answers 202 and
// reports whether the burst was queued.
func (h *HashHandler) Traps(w http.ResponseWriter, r *http.Request) {
	var req domain.TrapsRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	source := req.Source
	if source == "" {
		source = "decoy"
	}

	if req.Async {
		accepted := h.engine.DeployTraps(r.Context(), source, req.Count)
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, domain.TrapsResponse{Source: source, Accepted: accepted})
		return
	}

	hashes, err := h.engine.Traps(r.Context(), source, req.Count)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.TrapsResponse{Source: source, Accepted: true, Hashes: toHashes(hashes)})
}

// Stats handles GET /api/hash/stats
func (h *HashHandler) Stats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.engine.Stats())
}

func hashResponse(variant string, hashes []obfuscation.ObfuscatedHash, elapsed time.Duration) domain.HashResponse {
	return domain.HashResponse{
		Variant:     variant,
		Hashes:      toHashes(hashes),
		Count:       len(hashes),
		Elapsed:     elapsed,
		GeneratedAt: time.Now().UTC(),
	}
}

func toHashes(in []obfuscation.ObfuscatedHash) []domain.Hash {
	out := make([]domain.Hash, len(in))
	for i, h := range in {
		out[i] = domain.Hash{Value: h.Encoded, Epoch: h.Epoch, Layers: h.Layers}
	}
	return out
}
