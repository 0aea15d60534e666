package license

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gowebpki/jcs"
)

// Result is the outcome of a validation. Every value except Valid is an
// ordinary answer, not a failure of the ledger.
type Result string

const (
	ResultValid            Result = "valid"
	ResultExpired          Result = "expired"
	ResultUsageExceeded    Result = "usage_exceeded"
	ResultRevoked          Result = "revoked"
	ResultNotFound         Result = "not_found"
	ResultSignatureInvalid Result = "signature_invalid"
)

// Record is one issued license. Integrity and Signature cover every other
// exported field; Revision is store bookkeeping and is not signed.
type Record struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subject_id"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	UsageCount uint64            `json:"usage_count"`
	MaxUsage   *uint64           `json:"max_usage,omitempty"`
	Active     bool              `json:"active"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Integrity  string            `json:"integrity"`
	Signature  []byte            `json:"signature"`
	Revision   uint64            `json:"-"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		r.ExpiresAt = &t
	}
	if r.MaxUsage != nil {
		m := *r.MaxUsage
		r.MaxUsage = &m
	}
	if r.Metadata != nil {
		md := make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			md[k] = v
		}
		r.Metadata = md
	}
	r.Signature = append([]byte(nil), r.Signature...)
	return r
}

// Status derives the validation outcome r would get at now, without
// touching usage. It assumes the signature was already verified.
func (r Record) Status(now time.Time) Result {
	switch {
	case !r.Active:
		return ResultRevoked
	case r.ExpiresAt != nil && !now.Before(*r.ExpiresAt):
		return ResultExpired
	case r.MaxUsage != nil && r.UsageCount >= *r.MaxUsage:
		return ResultUsageExceeded
	default:
		return ResultValid
	}
}

// Remaining returns the uses left, or nil when usage is unbounded.
func (r Record) Remaining() *uint64 {
	if r.MaxUsage == nil {
		return nil
	}
	var left uint64
	if r.UsageCount < *r.MaxUsage {
		left = *r.MaxUsage - r.UsageCount
	}
	return &left
}

// canonicalForm fixes the signed field set. Times are Unix seconds and
// counters are strings so RFC 8785 number handling cannot round them.
type canonicalForm struct {
	ID         string            `json:"id"`
	SubjectID  string            `json:"subject_id"`
	CreatedAt  int64             `json:"created_at"`
	ExpiresAt  *int64            `json:"expires_at"`
	UsageCount uint64            `json:"usage_count,string"`
	MaxUsage   *string           `json:"max_usage"`
	Active     bool              `json:"active"`
	Metadata   map[string]string `json:"metadata"`
}

// Canonical returns the RFC 8785 serialization of every signed field.
func (r Record) Canonical() ([]byte, error) {
	f := canonicalForm{
		ID:         r.ID,
		SubjectID:  r.SubjectID,
		CreatedAt:  r.CreatedAt.Unix(),
		UsageCount: r.UsageCount,
		Active:     r.Active,
		Metadata:   r.Metadata,
	}
	if f.Metadata == nil {
		f.Metadata = map[string]string{}
	}
	if r.ExpiresAt != nil {
		exp := r.ExpiresAt.Unix()
		f.ExpiresAt = &exp
	}
	if r.MaxUsage != nil {
		m := strconv.FormatUint(*r.MaxUsage, 10)
		f.MaxUsage = &m
	}

	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize record: %w", err)
	}
	return out, nil
}
