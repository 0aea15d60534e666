package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// MutateFunc edits a record in place and reports whether it changed. It may
// run more than once when a store retries a lost compare-and-set, so it must
// derive everything from the record it is handed.
type MutateFunc func(r *Record) (changed bool, err error)

// Store persists license records. Implementations guarantee a uniqueness
// constraint on ID and an atomic single-record read-modify-write. Transport
// failures are reported wrapping ErrStoreUnavailable.
type Store interface {
	// Insert fails with ErrDuplicateID when the id exists.
	Insert(ctx context.Context, r Record) error
	// Get fails with ErrNotFound.
	Get(ctx context.Context, id string) (Record, error)
	// Mutate applies fn atomically and returns the record as stored after it.
	Mutate(ctx context.Context, id string, fn MutateFunc) (Record, error)
	// List returns records ordered by creation time.
	List(ctx context.Context, f Filter) ([]Record, error)
	// AppendUsage records one validation outcome.
	AppendUsage(ctx context.Context, e UsageEvent) error
	// CountUsageSince counts usage events at or after since.
	CountUsageSince(ctx context.Context, since time.Time) (int, error)
	Close() error
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	SubjectID  string
	ActiveOnly bool
	Limit      int
}

func (f Filter) match(r Record) bool {
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	return !f.ActiveOnly || r.Active
}

// UsageEvent is one entry of the validation audit log.
type UsageEvent struct {
	ID        string    `json:"id"`
	LicenseID string    `json:"license_id"`
	At        time.Time `json:"at"`
	Result    Result    `json:"result"`
}

// errCorruptRecord marks a persisted record that no longer decodes. The
// ledger treats it like a failed signature and never retries it.
var errCorruptRecord = errors.New("corrupt license record")

func corrupt(id string, err error) error {
	return fmt.Errorf("%w %s: %v", errCorruptRecord, id, err)
}

// maxCASAttempts bounds optimistic retries inside one Mutate call.
const maxCASAttempts = 16

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrStoreUnavailable, op, err)
}

// OpenStore builds the store selected by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverSQLite, config.DriverPostgres:
		return OpenSQLStore(ctx, cfg.Driver, cfg.DSN)
	case config.DriverRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}
