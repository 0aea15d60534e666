package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/license"
)

// LicenseHeader carries the caller's license key.
const LicenseHeader = "X-License-Key"

const defaultGateCacheSize = 4096

// Validator is the ledger operation the gate needs.
type Validator interface {
	Validate(ctx context.Context, key string) (license.Validation, error)
}

// LicenseGate admits requests that present a valid license key. A key that
// validated is admitted again without touching the ledger until cacheTTL
// passes, so a client is charged one use per window rather than per request.
type LicenseGate struct {
	ledger Validator
	cache  *expirable.LRU[string, struct{}]
	errors *apierrors.ErrorHandler
	logger *slog.Logger
}

// NewLicenseGate creates the gate. cacheTTL <= 0 validates every request.
func NewLicenseGate(ledger Validator, cacheTTL time.Duration, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseGate {
	g := &LicenseGate{
		ledger: ledger,
		errors: errorHandler,
		logger: logger.With(slog.String("component", "license_gate")),
	}
	if cacheTTL > 0 {
		g.cache = expirable.NewLRU[string, struct{}](defaultGateCacheSize, nil, cacheTTL)
	}
	return g
}

// Handler returns the middleware handler function
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("license-gate").Start(r.Context(), "license_gate.validate",
			trace.WithAttributes(attribute.String("http.route", r.URL.Path)))
		defer span.End()

		key := license.NormalizeKey(licenseKey(r))
		if key == "" {
			span.SetAttributes(attribute.String("license.result", "missing"))
			g.errors.HandleError(w, r, apierrors.New(http.StatusUnauthorized, "LICENSE_REQUIRED",
				"A license key is required in the "+LicenseHeader+" header"))
			return
		}

		if g.cache != nil {
			if _, ok := g.cache.Get(key); ok {
				span.SetAttributes(attribute.Bool("cache.hit", true))
				next.ServeHTTP(w, r)
				return
			}
		}

		v, err := g.ledger.Validate(ctx, key)
		if err != nil {
			span.RecordError(err)
			g.errors.HandleError(w, r, err)
			return
		}
		span.SetAttributes(attribute.String("license.result", string(v.Result)))
		if v.Result != license.ResultValid {
			g.logger.WarnContext(ctx, "license rejected",
				slog.String("license", license.MaskKey(key)),
				slog.String("result", string(v.Result)),
				slog.String("path", r.URL.Path))
			g.errors.HandleError(w, r, apierrors.NewWithDetails(http.StatusForbidden, "LICENSE_REJECTED",
				"License key rejected", map[string]string{"result": string(v.Result)}))
			return
		}

		if g.cache != nil {
			g.cache.Add(key, struct{}{})
		}
		next.ServeHTTP(w, r)
	})
}

// Forget drops a cached admission, e.g. after the key is revoked.
func (g *LicenseGate) Forget(key string) {
	if g.cache != nil {
		g.cache.Remove(license.NormalizeKey(key))
	}
}

// licenseKey reads the header, falling back to "Authorization: License <key>".
func licenseKey(r *http.Request) string {
	if k := r.Header.Get(LicenseHeader); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); len(auth) > 8 && strings.EqualFold(auth[:8], "license ") {
		return auth[8:]
	}
	return ""
}
