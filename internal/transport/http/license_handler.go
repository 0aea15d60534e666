package http

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/license"
	"github.com/darshitp091/Defence-Engine/pkg/contracts/domain"
)

// maxListLimit bounds GET /api/licenses.
const maxListLimit = 1000

// LicenseHandler serves the license ledger.
type LicenseHandler struct {
	ledger    LicenseService
	validator *requestValidator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
	onRevoke  func(key string)
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(ledger LicenseService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		ledger:    ledger,
		validator: newRequestValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the /api/licenses router. Static segments are registered
// alongside {id}; chi prefers them.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Issue)
	r.Get("/", h.List)
	r.Post("/bulk", h.BulkIssue)
	r.Post("/validate", h.Validate)
	r.Get("/stats", h.Stats)
	r.Get("/export", h.Export)
	r.Post("/token/verify", h.VerifyToken)
	r.Get("/{id}", h.Info)
	r.Post("/{id}/revoke", h.Revoke)
	r.Post("/{id}/token", h.Token)
	return r
}

// Issue handles POST /api/licenses
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueLicenseRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	rec, err := h.ledger.Issue(r.Context(), license.IssueSpec{
		SubjectID: req.SubjectID,
		ExpiresAt: h.expiry(req.ExpiresAt, req.NoExpiry),
		MaxUsage:  req.MaxUsage,
		Metadata:  req.Metadata,
	})
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toLicense(rec, time.Now()))
}

// BulkIssue handles POST /api/licenses/bulk. A batch that stopped early
// answers 207 with the licenses that were created.
func (h *LicenseHandler) BulkIssue(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkIssueRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	recs, err := h.ledger.BulkIssue(r.Context(), license.BulkSpec{
		Prefix:    req.Prefix,
		Count:     req.Count,
		ExpiresAt: h.expiry(req.ExpiresAt, req.NoExpiry),
		MaxUsage:  req.MaxUsage,
		Metadata:  req.Metadata,
	})
	if err != nil && len(recs) == 0 {
		h.errors.HandleError(w, r, err)
		return
	}

	now := time.Now()
	resp := domain.BulkIssueResponse{
		Requested: req.Count,
		Issued:    len(recs),
		Licenses:  make([]domain.License, 0, len(recs)),
	}
	for _, rec := range recs {
		resp.Licenses = append(resp.Licenses, toLicense(rec, now))
	}

	status := http.StatusCreated
	if err != nil {
		var bulkErr *license.BulkError
		if errors.As(err, &bulkErr) {
			resp.Error = bulkErr.Error()
		} else {
			resp.Error = err.Error()
		}
		status = http.StatusMultiStatus
		h.logger.WarnContext(r.Context(), "bulk issue incomplete",
			slog.Int("requested", req.Count),
			slog.Int("issued", len(recs)),
			slog.String("error", err.Error()))
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}

// Validate handles POST /api/licenses/validate. Every ledger answer is a
// 200; only operational failures become problems.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req domain.ValidateLicenseRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	v, err := h.ledger.Validate(r.Context(), req.LicenseKey)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toValidationResponse(v))
}

// Revoke handles POST /api/licenses/{id}/revoke
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.ledger.Revoke(r.Context(), id); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	if h.onRevoke != nil {
		h.onRevoke(id)
	}

	v, err := h.ledger.Info(r.Context(), id)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, infoLicense(v))
}

// Info handles GET /api/licenses/{id}
func (h *LicenseHandler) Info(w http.ResponseWriter, r *http.Request) {
	v, err := h.ledger.Info(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, infoLicense(v))
}

// List handles GET /api/licenses?subject=&active_only=&limit=
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := license.Filter{SubjectID: q.Get("subject"), Limit: maxListLimit}
	if s := q.Get("active_only"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			h.errors.HandleError(w, r, apierrors.InvalidRequestWithError(fmt.Errorf("active_only: %w", err)))
			return
		}
		f.ActiveOnly = b
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxListLimit {
			h.errors.HandleError(w, r, apierrors.NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST",
				"Invalid request", fmt.Sprintf("limit must be between 1 and %d", maxListLimit)))
			return
		}
		f.Limit = n
	}

	recs, err := h.ledger.List(r.Context(), f)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	now := time.Now()
	resp := domain.LicenseListResponse{Licenses: make([]domain.License, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		resp.Licenses = append(resp.Licenses, toLicense(rec, now))
	}
	render.JSON(w, r, resp)
}

// Stats handles GET /api/licenses/stats
func (h *LicenseHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, domain.LedgerStats{
		Total:         s.Total,
		Active:        s.Active,
		Revoked:       s.Revoked,
		Expired:       s.Expired,
		Exhausted:     s.Exhausted,
		Tampered:      s.Tampered,
		TotalUsage:    s.TotalUsage,
		UsageLastWeek: s.UsageLastWeek,
		PublicKey:     h.ledger.PublicKeyHex(),
	})
}

// Export handles GET /api/licenses/export?format=csv|xlsx. The file is
// built in memory so a store failure can still become a problem response.
func (h *LicenseHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = license.ExportCSV
	}

	var buf bytes.Buffer
	if err := h.ledger.Export(r.Context(), &buf, format); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	filename := fmt.Sprintf("licenses_%s.%s", time.Now().UTC().Format("20060102_150405"), format)
	w.Header().Set("Content-Type", license.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.WarnContext(r.Context(), "export write failed", slog.String("error", err.Error()))
	}
}

// Token handles POST /api/licenses/{id}/token
func (h *LicenseHandler) Token(w http.ResponseWriter, r *http.Request) {
	token, err := h.ledger.Token(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	claims, err := h.ledger.ParseToken(token)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, domain.TokenResponse{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time.UTC(),
		PublicKey: h.ledger.PublicKeyHex(),
	})
}

// VerifyToken handles POST /api/licenses/token/verify
func (h *LicenseHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyTokenRequest
	if err := h.validator.decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	v, err := h.ledger.VerifyToken(r.Context(), req.Token)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, toValidationResponse(v))
}

// expiry applies the ledger default unless the caller set a date or asked
// for a license that never expires.
func (h *LicenseHandler) expiry(requested *time.Time, never bool) *time.Time {
	switch {
	case never:
		return nil
	case requested != nil:
		return requested
	default:
		return h.ledger.DefaultExpiry()
	}
}

func toLicense(rec license.Record, now time.Time) domain.License {
	return domain.License{
		ID:         rec.ID,
		SubjectID:  rec.SubjectID,
		Status:     string(rec.Status(now)),
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		UsageCount: rec.UsageCount,
		MaxUsage:   rec.MaxUsage,
		Remaining:  rec.Remaining(),
		Active:     rec.Active,
		Metadata:   rec.Metadata,
		Integrity:  rec.Integrity,
		Signature:  hex.EncodeToString(rec.Signature),
	}
}

// infoLicense reports the status the ledger computed on its own clock.
func infoLicense(v license.Validation) domain.License {
	l := toLicense(*v.Record, time.Now())
	l.Status = string(v.Result)
	return l
}

func toValidationResponse(v license.Validation) domain.ValidationResponse {
	now := time.Now().UTC()
	resp := domain.ValidationResponse{
		Result:    string(v.Result),
		Valid:     v.Result == license.ResultValid,
		Remaining: v.Remaining,
		CheckedAt: now,
	}
	if v.Record != nil {
		l := toLicense(*v.Record, now)
		resp.License = &l
	}
	return resp
}
