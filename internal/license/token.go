package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

const tokenIssuer = "defence-engine/ledger"

// TokenClaims is the payload of an offline license token.
type TokenClaims struct {
	jwt.RegisteredClaims
	LicenseID string  `json:"lid"`
	MaxUsage  *uint64 `json:"max_usage,omitempty"`
}

// Token signs an EdDSA JWT for a license that currently validates. The
// token expires at the earlier of the license expiry and the configured TTL.
// Issuing a token does not count as a use.
func (l *Ledger) Token(ctx context.Context, key string) (string, error) {
	info, err := l.Info(ctx, key)
	if err != nil {
		return "", err
	}
	if info.Result != ResultValid {
		return "", fmt.Errorf("%w: license is %s", errs.ErrInvalidRequest, info.Result)
	}
	rec := info.Record

	now := l.clock.Now().UTC()
	exp := now.Add(l.cfg.TokenTTL)
	if l.cfg.TokenTTL <= 0 {
		exp = now.Add(24 * time.Hour)
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(exp) {
		exp = *rec.ExpiresAt
	}

	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   rec.SubjectID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		LicenseID: rec.ID,
		MaxUsage:  rec.MaxUsage,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(l.signer.priv)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	l.metrics.RecordLicense(ctx, "token", "ok")
	l.logger.DebugContext(ctx, "license token issued", slog.String("license", MaskKey(rec.ID)))
	return signed, nil
}

// ParseToken checks a token's signature and lifetime offline.
func (l *Ledger) ParseToken(token string) (*TokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &TokenClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return l.signer.PublicKey(), nil
	},
		jwt.WithTimeFunc(l.clock.Now),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*TokenClaims)
	if !ok || !parsed.Valid || claims.LicenseID == "" {
		return nil, errs.ErrInvalidToken
	}
	return claims, nil
}

// VerifyToken checks the token offline and then validates the embedded
// license, which counts as a use.
func (l *Ledger) VerifyToken(ctx context.Context, token string) (Validation, error) {
	claims, err := l.ParseToken(token)
	if err != nil {
		l.metrics.RecordLicense(ctx, "token_verify", "invalid")
		return Validation{}, err
	}
	return l.Validate(ctx, claims.LicenseID)
}
