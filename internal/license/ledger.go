package license

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/darshitp091/Defence-Engine/internal/config"
	"github.com/darshitp091/Defence-Engine/internal/digest"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
	"github.com/darshitp091/Defence-Engine/internal/infrastructure"
)

const (
	TracerName = "defence-ledger"

	lockStripes    = 64
	maxIDAttempts  = 5
	usageWindow    = 7 * 24 * time.Hour
	defaultBulkTag = "USER"
)

var prefixPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,7}$`)

// errTampered marks a record whose signature failed inside a mutation.
var errTampered = errors.New("license signature invalid")

// Ledger issues, validates and revokes licenses. The Store is the single
// source of truth; per-record writes are serialised in process by striped
// locks and across processes by the store's compare-and-set.
type Ledger struct {
	store    Store
	signer   *Signer
	combiner *digest.Combiner
	prefix   string
	cfg      config.LedgerConfig
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *infrastructure.Metrics
	tracer   trace.Tracer
	limiter  *keyLimiter
	locks    [lockStripes]sync.Mutex
	newID    func(subject string, now time.Time) (string, error)
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics sets the metric recorders.
func WithMetrics(m *infrastructure.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// IssueSpec describes one license to issue. A nil ExpiresAt never expires
// and a nil MaxUsage is unbounded.
type IssueSpec struct {
	SubjectID string
	ExpiresAt *time.Time
	MaxUsage  *uint64
	Metadata  map[string]string
}

// BulkSpec issues Count licenses for subjects "<Prefix>_0001" onwards.
type BulkSpec struct {
	Prefix    string
	Count     int
	ExpiresAt *time.Time
	MaxUsage  *uint64
	Metadata  map[string]string
}

// Validation is the answer to Validate. Record is nil unless the stored
// record passed signature verification.
type Validation struct {
	Result    Result
	Record    *Record
	Remaining *uint64
}

// LedgerStats summarises the store.
type LedgerStats struct {
	Total         int    `json:"total"`
	Active        int    `json:"active"`
	Revoked       int    `json:"revoked"`
	Expired       int    `json:"expired"`
	Exhausted     int    `json:"exhausted"`
	Tampered      int    `json:"tampered"`
	TotalUsage    uint64 `json:"total_usage"`
	UsageLastWeek int    `json:"usage_last_week"`
}

// BulkError reports a partially completed BulkIssue.
type BulkError struct {
	Requested int
	Issued    int
	Err       error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("issued %d of %d licenses, %d not created: %v",
		e.Issued, e.Requested, e.Requested-e.Issued, e.Err)
}

func (e *BulkError) Unwrap() error { return e.Err }

// New builds a ledger over store. The signer's key never leaves the ledger.
func New(store Store, signer *Signer, combiner *digest.Combiner, cfg config.LedgerConfig, opts ...Option) (*Ledger, error) {
	if store == nil || signer == nil || combiner == nil {
		return nil, fmt.Errorf("%w: ledger needs a store, a signer and a combiner", errs.ErrInvalidRequest)
	}
	prefix := strings.ToUpper(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "DEF"
	}
	if !prefixPattern.MatchString(prefix) {
		return nil, fmt.Errorf("%w: invalid key prefix %q", errs.ErrInvalidRequest, cfg.KeyPrefix)
	}

	l := &Ledger{
		store:    store,
		signer:   signer,
		combiner: combiner,
		prefix:   prefix,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = infrastructure.WithComponent(l.logger, "ledger")
	l.newID = l.generateID

	limiter, err := newKeyLimiter(cfg.ValidateRPS, cfg.ValidateBurst, cfg.LimiterCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation limiter: %w", err)
	}
	l.limiter = limiter
	return l, nil
}

// PublicKeyHex returns the verification key.
func (l *Ledger) PublicKeyHex() string { return l.signer.PublicKeyHex() }

// DefaultExpiry returns now plus the configured default lifetime, or nil
// when the default is to never expire.
func (l *Ledger) DefaultExpiry() *time.Time {
	if l.cfg.DefaultExpiryDays <= 0 {
		return nil
	}
	t := l.clock.Now().UTC().Truncate(time.Second).AddDate(0, 0, l.cfg.DefaultExpiryDays)
	return &t
}

func (l *Ledger) lockFor(id string) *sync.Mutex {
	return &l.locks[xxhash.Sum64String(id)%lockStripes]
}

func (l *Ledger) generateID(subject string, now time.Time) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	payload := make([]byte, 0, len(subject)+8+len(nonce))
	payload = append(payload, subject...)
	payload = binary.BigEndian.AppendUint64(payload, uint64(now.UnixNano()))
	payload = append(payload, nonce...)
	d := l.combiner.Combine(payload, []byte(l.prefix))
	return formatKey(l.prefix, d.Composite), nil
}

func (l *Ledger) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("license.operation", op))
	return l.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// retryStore runs fn, retrying store outages and lost compare-and-sets up
// to MaxRetries times. Any other error is returned at once.
func retryStore[T any](ctx context.Context, l *Ledger, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if l.cfg.RetryBaseDelay > 0 {
		b.InitialInterval = l.cfg.RetryBaseDelay
	}
	tries := l.cfg.MaxRetries + 1
	if tries < 1 {
		tries = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if errors.Is(err, errs.ErrStoreUnavailable) || errors.Is(err, errs.ErrConflict) {
			return v, err
		}
		return v, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(tries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			l.metrics.RecordStoreRetry(ctx, op)
			l.logger.WarnContext(ctx, "retrying store call",
				slog.String("operation", op),
				slog.Duration("backoff", next),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// Issue creates, signs and persists a new license. Id collisions are retried
// with a fresh id and never reach the caller.
func (l *Ledger) Issue(ctx context.Context, spec IssueSpec) (rec Record, err error) {
	ctx, span := l.span(ctx, "issue", attribute.String("license.subject", spec.SubjectID))
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(spec.SubjectID) == "" {
		return Record{}, fmt.Errorf("%w: subject id is required", errs.ErrInvalidRequest)
	}

	now := l.clock.Now().UTC().Truncate(time.Second)
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := l.newID(spec.SubjectID, now)
		if err != nil {
			return Record{}, err
		}
		rec = Record{
			ID:        id,
			SubjectID: spec.SubjectID,
			CreatedAt: now,
			MaxUsage:  spec.MaxUsage,
			Active:    true,
			Metadata:  spec.Metadata,
		}
		if spec.ExpiresAt != nil {
			exp := spec.ExpiresAt.UTC().Truncate(time.Second)
			rec.ExpiresAt = &exp
		}
		rec = rec.Clone()
		if err := l.signer.Seal(&rec); err != nil {
			return Record{}, err
		}

		_, err = retryStore(ctx, l, "insert", func() (struct{}, error) {
			return struct{}{}, l.store.Insert(ctx, rec)
		})
		if errors.Is(err, errs.ErrDuplicateID) {
			// An insert retried after an outage may already have landed.
			if stored, gerr := l.store.Get(ctx, id); gerr == nil && bytes.Equal(stored.Signature, rec.Signature) {
				return l.issued(ctx, stored), nil
			}
			l.logger.DebugContext(ctx, "license id collision, regenerating", slog.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			l.metrics.RecordLicense(ctx, "issue", "error")
			return Record{}, err
		}
		rec.Revision = 1
		return l.issued(ctx, rec), nil
	}
	l.metrics.RecordLicense(ctx, "issue", "error")
	return Record{}, fmt.Errorf("%w: no unique license id after %d attempts", errs.ErrConflict, maxIDAttempts)
}

func (l *Ledger) issued(ctx context.Context, rec Record) Record {
	l.metrics.RecordLicense(ctx, "issue", "ok")
	l.logger.InfoContext(ctx, "license issued",
		slog.String("license", MaskKey(rec.ID)),
		slog.String("subject", rec.SubjectID),
	)
	return rec
}

// Validate checks existence, signature, active flag, expiry and usage in
// that order. Only a Valid outcome increments the usage count, and the check
// and the increment are one atomic store mutation.
func (l *Ledger) Validate(ctx context.Context, key string) (v Validation, err error) {
	key = NormalizeKey(key)
	ctx, span := l.span(ctx, "validate", attribute.String("license.key", MaskKey(key)))
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.String("license.result", string(v.Result)))
		}
		endSpan(span, err)
	}()

	now := l.clock.Now()
	if !l.limiter.allow(key, now) {
		l.metrics.RecordLicense(ctx, "validate", "rate_limited")
		return Validation{}, fmt.Errorf("%w: too many validations for %s", errs.ErrRateLimited, MaskKey(key))
	}
	if !ValidKeyFormat(key) {
		return l.validated(ctx, key, Validation{Result: ResultNotFound}), nil
	}

	mu := l.lockFor(key)
	var result Result
	rec, err := retryStore(ctx, l, "validate", func() (Record, error) {
		mu.Lock()
		defer mu.Unlock()
		return l.store.Mutate(ctx, key, func(r *Record) (bool, error) {
			if !l.signer.Verify(*r) {
				result = ResultSignatureInvalid
				return false, nil
			}
			result = r.Status(now)
			if result != ResultValid {
				return false, nil
			}
			r.UsageCount++
			if err := l.signer.Seal(r); err != nil {
				return false, err
			}
			return true, nil
		})
	})
	if errors.Is(err, errs.ErrNotFound) {
		return l.validated(ctx, key, Validation{Result: ResultNotFound}), nil
	}
	if errors.Is(err, errCorruptRecord) {
		l.logger.WarnContext(ctx, "stored license does not decode",
			slog.String("license", MaskKey(key)),
			slog.String("error", err.Error()),
		)
		result, err = ResultSignatureInvalid, nil
	}
	if err != nil {
		l.metrics.RecordLicense(ctx, "validate", "error")
		return Validation{}, err
	}

	v = Validation{Result: result}
	if result != ResultSignatureInvalid {
		v.Record = &rec
		v.Remaining = rec.Remaining()
	}
	l.recordUsage(ctx, key, result, now)
	return l.validated(ctx, key, v), nil
}

func (l *Ledger) validated(ctx context.Context, key string, v Validation) Validation {
	l.metrics.RecordLicense(ctx, "validate", string(v.Result))
	level := slog.LevelInfo
	if v.Result == ResultValid {
		level = slog.LevelDebug
	}
	l.logger.Log(ctx, level, "license validated",
		slog.String("license", MaskKey(key)),
		slog.String("result", string(v.Result)),
	)
	return v
}

// recordUsage appends to the audit log. The validation already committed,
// so a failure here is logged and not returned.
func (l *Ledger) recordUsage(ctx context.Context, id string, result Result, at time.Time) {
	e := UsageEvent{
		ID:        uuid.New().String(),
		LicenseID: id,
		At:        at.UTC(),
		Result:    result,
	}
	if err := l.store.AppendUsage(ctx, e); err != nil {
		l.logger.WarnContext(ctx, "failed to append usage event",
			slog.String("license", MaskKey(id)),
			slog.String("error", err.Error()),
		)
	}
}

// Revoke deactivates a license. Revoking twice is not an error. A record that
// fails verification is reported as not found.
func (l *Ledger) Revoke(ctx context.Context, key string) (err error) {
	key = NormalizeKey(key)
	ctx, span := l.span(ctx, "revoke", attribute.String("license.key", MaskKey(key)))
	defer func() { endSpan(span, err) }()

	if !ValidKeyFormat(key) {
		l.metrics.RecordLicense(ctx, "revoke", string(ResultNotFound))
		return fmt.Errorf("license %s: %w", MaskKey(key), errs.ErrNotFound)
	}

	mu := l.lockFor(key)
	_, err = retryStore(ctx, l, "revoke", func() (Record, error) {
		mu.Lock()
		defer mu.Unlock()
		return l.store.Mutate(ctx, key, func(r *Record) (bool, error) {
			if !l.signer.Verify(*r) {
				return false, errTampered
			}
			if !r.Active {
				return false, nil
			}
			r.Active = false
			if err := l.signer.Seal(r); err != nil {
				return false, err
			}
			return true, nil
		})
	})
	switch {
	case errors.Is(err, errTampered), errors.Is(err, errCorruptRecord):
		l.logger.WarnContext(ctx, "refusing to revoke unverifiable license", slog.String("license", MaskKey(key)))
		l.metrics.RecordLicense(ctx, "revoke", string(ResultSignatureInvalid))
		return fmt.Errorf("license %s: %w", MaskKey(key), errs.ErrNotFound)
	case errors.Is(err, errs.ErrNotFound):
		l.metrics.RecordLicense(ctx, "revoke", string(ResultNotFound))
		return err
	case err != nil:
		l.metrics.RecordLicense(ctx, "revoke", "error")
		return err
	}

	l.metrics.RecordLicense(ctx, "revoke", "ok")
	l.logger.InfoContext(ctx, "license revoked", slog.String("license", MaskKey(key)))
	return nil
}

// BulkIssue issues spec.Count independent licenses. It stops at the first
// store outage and returns the records already persisted together with a
// *BulkError; nothing is rolled back.
func (l *Ledger) BulkIssue(ctx context.Context, spec BulkSpec) ([]Record, error) {
	if spec.Count <= 0 {
		return nil, fmt.Errorf("%w: bulk count must be positive", errs.ErrInvalidRequest)
	}
	prefix := spec.Prefix
	if prefix == "" {
		prefix = defaultBulkTag
	}

	issued := make([]Record, 0, spec.Count)
	var failures error
	for i := 0; i < spec.Count; i++ {
		if err := ctx.Err(); err != nil {
			failures = multierr.Append(failures, err)
			break
		}
		rec, err := l.Issue(ctx, IssueSpec{
			SubjectID: fmt.Sprintf("%s_%04d", prefix, i+1),
			ExpiresAt: spec.ExpiresAt,
			MaxUsage:  spec.MaxUsage,
			Metadata:  spec.Metadata,
		})
		if err != nil {
			failures = multierr.Append(failures, err)
			if errors.Is(err, errs.ErrStoreUnavailable) {
				break
			}
			continue
		}
		issued = append(issued, rec)
	}

	l.logger.InfoContext(ctx, "bulk issue finished",
		slog.Int("requested", spec.Count),
		slog.Int("issued", len(issued)),
	)
	if failures != nil {
		return issued, &BulkError{Requested: spec.Count, Issued: len(issued), Err: failures}
	}
	return issued, nil
}

// Info returns a verified record with its current status, without counting
// a use. Unverifiable records are reported as not found.
func (l *Ledger) Info(ctx context.Context, key string) (Validation, error) {
	key = NormalizeKey(key)
	if !ValidKeyFormat(key) {
		return Validation{}, fmt.Errorf("license %s: %w", MaskKey(key), errs.ErrNotFound)
	}
	rec, err := retryStore(ctx, l, "get", func() (Record, error) {
		return l.store.Get(ctx, key)
	})
	if errors.Is(err, errCorruptRecord) {
		return Validation{}, fmt.Errorf("license %s: %w", MaskKey(key), errs.ErrNotFound)
	}
	if err != nil {
		return Validation{}, err
	}
	if !l.signer.Verify(rec) {
		return Validation{}, fmt.Errorf("license %s: %w", MaskKey(key), errs.ErrNotFound)
	}
	return Validation{Result: rec.Status(l.clock.Now()), Record: &rec, Remaining: rec.Remaining()}, nil
}

// List returns verified records matching f. Records failing verification
// are skipped.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Record, error) {
	records, err := retryStore(ctx, l, "list", func() ([]Record, error) {
		return l.store.List(ctx, f)
	})
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if !l.signer.Verify(r) {
			l.logger.WarnContext(ctx, "skipping unverifiable license", slog.String("license", MaskKey(r.ID)))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Stats counts records by status and the usage events of the last week.
func (l *Ledger) Stats(ctx context.Context) (LedgerStats, error) {
	records, err := retryStore(ctx, l, "list", func() ([]Record, error) {
		return l.store.List(ctx, Filter{})
	})
	if err != nil {
		return LedgerStats{}, err
	}

	now := l.clock.Now()
	var s LedgerStats
	for _, r := range records {
		s.Total++
		if !l.signer.Verify(r) {
			s.Tampered++
			continue
		}
		s.TotalUsage += r.UsageCount
		switch r.Status(now) {
		case ResultValid:
			s.Active++
		case ResultRevoked:
			s.Revoked++
		case ResultExpired:
			s.Expired++
		case ResultUsageExceeded:
			s.Exhausted++
		}
	}

	s.UsageLastWeek, err = retryStore(ctx, l, "count_usage", func() (int, error) {
		return l.store.CountUsageSince(ctx, now.Add(-usageWindow))
	})
	if err != nil {
		return LedgerStats{}, err
	}
	return s, nil
}

// Close closes the store.
func (l *Ledger) Close() error {
	return l.store.Close()
}
