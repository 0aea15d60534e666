// Package domain contains the request and response types of the Defence
// Engine HTTP API. They are shared by the server and its clients.
package domain

import (
	"time"
)

// IssueLicenseRequest represents POST /api/licenses
type IssueLicenseRequest struct {
	SubjectID string            `json:"subject_id" validate:"required,max=128"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	NoExpiry  bool              `json:"no_expiry,omitempty"`
	MaxUsage  *uint64           `json:"max_usage,omitempty" validate:"omitempty,min=1"`
	Metadata  map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=1024"`
}

// BulkIssueRequest represents POST /api/licenses/bulk
type BulkIssueRequest struct {
	Prefix    string            `json:"prefix,omitempty" validate:"omitempty,max=64"`
	Count     int               `json:"count" validate:"required,min=1,max=10000"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
	NoExpiry  bool              `json:"no_expiry,omitempty"`
	MaxUsage  *uint64           `json:"max_usage,omitempty" validate:"omitempty,min=1"`
	Metadata  map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32"`
}

// ValidateLicenseRequest represents POST /api/licenses/validate
type ValidateLicenseRequest struct {
	LicenseKey string `json:"license_key" validate:"required,min=10,max=64"`
}

// VerifyTokenRequest represents POST /api/licenses/token/verify
type VerifyTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

// License is the public view of a ledger record. The signature is
// returned hex encoded so clients can verify offline with the public key.
type License struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subject_id"`
	Status     string            `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	UsageCount uint64            `json:"usage_count"`
	MaxUsage   *uint64           `json:"max_usage,omitempty"`
	Remaining  *uint64           `json:"remaining,omitempty"`
	Active     bool              `json:"active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Integrity  string            `json:"integrity"`
	Signature  string            `json:"signature"`
}

// ValidationResponse is always returned with status 200. Result is one of
// valid, expired, usage_exceeded, revoked, not_found, signature_invalid.
type ValidationResponse struct {
	Result    string    `json:"result"`
	Valid     bool      `json:"valid"`
	License   *License  `json:"license,omitempty"`
	Remaining *uint64   `json:"remaining,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// BulkIssueResponse lists the licenses created. Error is set when the
// batch stopped early.
type BulkIssueResponse struct {
	Requested int       `json:"requested"`
	Issued    int       `json:"issued"`
	Licenses  []License `json:"licenses"`
	Error     string    `json:"error,omitempty"`
}

// LicenseListResponse represents GET /api/licenses
type LicenseListResponse struct {
	Licenses []License `json:"licenses"`
	Count    int       `json:"count"`
}

// TokenResponse carries an offline license token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	PublicKey string    `json:"public_key"`
}

// LedgerStats represents GET /api/licenses/stats
type LedgerStats struct {
	Total         int    `json:"total"`
	Active        int    `json:"active"`
	Revoked       int    `json:"revoked"`
	Expired       int    `json:"expired"`
	Exhausted     int    `json:"exhausted"`
	Tampered      int    `json:"tampered"`
	TotalUsage    uint64 `json:"total_usage"`
	UsageLastWeek int    `json:"usage_last_week"`
	PublicKey     string `json:"public_key"`
}

// License error codes
const (
	ErrCodeInvalidLicense     = "INVALID_LICENSE"
	ErrCodeInvalidFormat      = "INVALID_FORMAT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
