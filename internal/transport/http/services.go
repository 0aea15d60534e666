package http

import (
	"context"
	"io"
	"time"

	"github.com/darshitp091/Defence-Engine/internal/classifier"
	"github.com/darshitp091/Defence-Engine/internal/license"
	"github.com/darshitp091/Defence-Engine/internal/obfuscation"
	"github.com/darshitp091/Defence-Engine/internal/workers"
)

// HashService is the part of the hash engine the API exposes.
type HashService interface {
	Hash(ctx context.Context, payload []byte, variant workers.Variant) (obfuscation.ObfuscatedHash, error)
	Generate(ctx context.Context, count int, variant workers.Variant, seed string) ([]obfuscation.ObfuscatedHash, error)
	GenerateChallengeSet(ctx context.Context, payload string, k int) ([]obfuscation.ObfuscatedHash, error)
	Traps(ctx context.Context, source string, count int) ([]obfuscation.ObfuscatedHash, error)
	DeployTraps(ctx context.Context, source string, count int) bool
	Stats() workers.EngineStats
}

// LicenseService is the part of the ledger the API exposes.
type LicenseService interface {
	Issue(ctx context.Context, spec license.IssueSpec) (license.Record, error)
	BulkIssue(ctx context.Context, spec license.BulkSpec) ([]license.Record, error)
	Validate(ctx context.Context, key string) (license.Validation, error)
	Revoke(ctx context.Context, key string) error
	Info(ctx context.Context, key string) (license.Validation, error)
	List(ctx context.Context, f license.Filter) ([]license.Record, error)
	Stats(ctx context.Context) (license.LedgerStats, error)
	Export(ctx context.Context, w io.Writer, format string) error
	Token(ctx context.Context, key string) (string, error)
	ParseToken(token string) (*license.TokenClaims, error)
	VerifyToken(ctx context.Context, token string) (license.Validation, error)
	PublicKeyHex() string
	DefaultExpiry() *time.Time
}

// ThreatAssessor scores metrics and reacts to threats.
type ThreatAssessor interface {
	Assess(ctx context.Context, m classifier.Metrics) (classifier.Assessment, error)
}
