package license

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// SQLStore implements Store over database/sql. Both drivers accept $N
// placeholders, so one query set serves sqlite and postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS licenses (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER,
	usage_count INTEGER NOT NULL DEFAULT 0,
	max_usage INTEGER,
	active INTEGER NOT NULL DEFAULT 1,
	metadata TEXT NOT NULL DEFAULT '{}',
	integrity TEXT NOT NULL,
	signature BLOB NOT NULL,
	revision INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_licenses_subject ON licenses(subject_id);
CREATE TABLE IF NOT EXISTS usage_log (
	id TEXT PRIMARY KEY,
	license_id TEXT NOT NULL,
	at INTEGER NOT NULL,
	result TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_at ON usage_log(at);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS licenses (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT,
	usage_count BIGINT NOT NULL DEFAULT 0,
	max_usage BIGINT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	metadata TEXT NOT NULL DEFAULT '{}',
	integrity TEXT NOT NULL,
	signature BYTEA NOT NULL,
	revision BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_licenses_subject ON licenses(subject_id);
CREATE TABLE IF NOT EXISTS usage_log (
	id TEXT PRIMARY KEY,
	license_id TEXT NOT NULL,
	at BIGINT NOT NULL,
	result TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_at ON usage_log(at);
`

const selectColumns = `id, subject_id, created_at, expires_at, usage_count, max_usage, active, metadata, integrity, signature, revision`

// OpenSQLStore opens the database and creates the schema.
func OpenSQLStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s ledger needs a dsn", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == config.DriverSQLite {
		// A single connection serialises writers and keeps :memory: coherent.
		db.SetMaxOpenConns(1)
	}
	s := NewSQLStore(db, driver)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already opened database. Init must run once before use.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

// Init creates the tables if they are missing.
func (s *SQLStore) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == config.DriverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable("init schema", err)
	}
	return nil
}

// Insert adds r with revision 1.
func (s *SQLStore) Insert(ctx context.Context, r Record) error {
	md, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO licenses (id, subject_id, created_at, expires_at, usage_count, max_usage, active, metadata, integrity, signature, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.SubjectID, r.CreatedAt.Unix(), nullUnix(r.ExpiresAt), int64(r.UsageCount),
		nullUint(r.MaxUsage), r.Active, md, r.Integrity, r.Signature,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", errs.ErrDuplicateID, r.ID)
		}
		return unavailable("insert", err)
	}
	return nil
}

// Get loads one record.
func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM licenses WHERE id = $1`
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrNotFound)
		}
		if errors.Is(err, errCorruptRecord) {
			return Record{}, err
		}
		return Record{}, unavailable("get", err)
	}
	return r, nil
}

// Mutate is an optimistic read-modify-write keyed on the revision column.
func (s *SQLStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Record, error) {
	query := `
		UPDATE licenses
		SET usage_count = $1, max_usage = $2, active = $3, expires_at = $4, metadata = $5,
			integrity = $6, signature = $7, revision = revision + 1
		WHERE id = $8 AND revision = $9
	`
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return Record{}, err
		}
		next := cur.Clone()
		changed, err := fn(&next)
		if err != nil {
			return Record{}, err
		}
		if !changed {
			return cur, nil
		}
		md, err := marshalMetadata(next.Metadata)
		if err != nil {
			return Record{}, err
		}

		res, err := s.db.ExecContext(ctx, query,
			int64(next.UsageCount), nullUint(next.MaxUsage), next.Active, nullUnix(next.ExpiresAt), md,
			next.Integrity, next.Signature, id, int64(cur.Revision),
		)
		if err != nil {
			return Record{}, unavailable("update", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return Record{}, unavailable("rows affected", err)
		}
		if rows == 1 {
			next.ID = id
			next.Revision = cur.Revision + 1
			return next, nil
		}
	}
	return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrConflict)
}

// List returns matching records oldest first.
func (s *SQLStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.SubjectID != "" {
		args = append(args, f.SubjectID)
		where = append(where, fmt.Sprintf("subject_id = $%d", len(args)))
	}
	if f.ActiveOnly {
		args = append(args, true)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	query := `SELECT ` + selectColumns + ` FROM licenses`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if errors.Is(err, errCorruptRecord) {
			// Kept unsigned so the ledger counts it as tampered.
			result = append(result, r)
			continue
		}
		if err != nil {
			return nil, unavailable("scan", err)
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	return result, nil
}

// AppendUsage inserts one usage_log row.
func (s *SQLStore) AppendUsage(ctx context.Context, e UsageEvent) error {
	query := `INSERT INTO usage_log (id, license_id, at, result) VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, query, e.ID, e.LicenseID, e.At.Unix(), string(e.Result)); err != nil {
		return unavailable("append usage", err)
	}
	return nil
}

// CountUsageSince counts usage_log rows at or after since.
func (s *SQLStore) CountUsageSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_log WHERE at >= $1`, since.Unix()).Scan(&n)
	if err != nil {
		return 0, unavailable("count usage", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads numeric and boolean columns loosely so a row edited
// outside the ledger decodes to errCorruptRecord instead of a scan failure.
func scanRecord(row rowScanner) (Record, error) {
	var (
		r                                  Record
		createdAt, expiresAt, usage, maxUs any
		active, revision                   any
		metadata                           string
	)
	err := row.Scan(&r.ID, &r.SubjectID, &createdAt, &expiresAt, &usage, &maxUs,
		&active, &metadata, &r.Integrity, &r.Signature, &revision)
	if err != nil {
		return Record{}, err
	}
	if err := decodeColumns(&r, createdAt, expiresAt, usage, maxUs, active, metadata, revision); err != nil {
		return Record{ID: r.ID}, corrupt(r.ID, err)
	}
	return r, nil
}

func decodeColumns(r *Record, createdAt, expiresAt, usage, maxUsage, active any, metadata string, revision any) error {
	created, err := columnInt(createdAt)
	if err != nil {
		return fmt.Errorf("created_at: %w", err)
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	if expiresAt != nil {
		exp, err := columnInt(expiresAt)
		if err != nil {
			return fmt.Errorf("expires_at: %w", err)
		}
		t := time.Unix(exp, 0).UTC()
		r.ExpiresAt = &t
	}
	if r.UsageCount, err = columnUint(usage); err != nil {
		return fmt.Errorf("usage_count: %w", err)
	}
	if maxUsage != nil {
		m, err := columnUint(maxUsage)
		if err != nil {
			return fmt.Errorf("max_usage: %w", err)
		}
		r.MaxUsage = &m
	}
	if r.Active, err = columnBool(active); err != nil {
		return fmt.Errorf("active: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
	}
	if r.Revision, err = columnUint(revision); err != nil {
		return fmt.Errorf("revision: %w", err)
	}
	return nil
}

func columnInt(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("unexpected %T", v)
}

func columnUint(v any) (uint64, error) {
	n, err := columnInt(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative value %d", n)
	}
	return uint64(n), nil
}

// columnBool accepts postgres booleans and the 0/1 integers sqlite stores.
func columnBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int64:
		if b == 0 || b == 1 {
			return b == 1, nil
		}
	}
	return false, fmt.Errorf("unexpected value %v", v)
}

func marshalMetadata(md map[string]string) (string, error) {
	if len(md) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(raw), nil
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func nullUint(v *uint64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
