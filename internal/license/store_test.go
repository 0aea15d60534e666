package license

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darshitp091/Defence-Engine/internal/config"
	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

func sampleRecord(id string, created time.Time) Record {
	exp := created.Add(48 * time.Hour)
	return Record{
		ID:         id,
		SubjectID:  "subject-" + id,
		CreatedAt:  created,
		ExpiresAt:  &exp,
		UsageCount: 2,
		MaxUsage:   u64(9),
		Active:     true,
		Metadata:   map[string]string{"plan": "pro"},
		Integrity:  "abcd",
		Signature:  []byte{1, 2, 3},
	}
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and get", func(t *testing.T) {
		s := newStore(t)
		in := sampleRecord("DEF-00000001-00000000-00000000", testNow)
		require.NoError(t, s.Insert(ctx, in))

		got, err := s.Get(ctx, in.ID)
		require.NoError(t, err)
		in.Revision = 1
		assert.Equal(t, in, got)
	})

	t.Run("unbounded record", func(t *testing.T) {
		s := newStore(t)
		in := Record{ID: "DEF-00000002-00000000-00000000", SubjectID: "x", CreatedAt: testNow, Active: true, Integrity: "ff", Signature: []byte{9}}
		require.NoError(t, s.Insert(ctx, in))
		got, err := s.Get(ctx, in.ID)
		require.NoError(t, err)
		assert.Nil(t, got.ExpiresAt)
		assert.Nil(t, got.MaxUsage)
		assert.Empty(t, got.Metadata)
	})

	t.Run("duplicate id", func(t *testing.T) {
		s := newStore(t)
		r := sampleRecord("DEF-00000003-00000000-00000000", testNow)
		require.NoError(t, s.Insert(ctx, r))
		err := s.Insert(ctx, r)
		assert.ErrorIs(t, err, errs.ErrDuplicateID)
	})

	t.Run("missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "DEF-FFFFFFFF-00000000-00000000")
		assert.ErrorIs(t, err, errs.ErrNotFound)
		_, err = s.Mutate(ctx, "DEF-FFFFFFFF-00000000-00000000", func(*Record) (bool, error) { return true, nil })
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("mutate", func(t *testing.T) {
		s := newStore(t)
		r := sampleRecord("DEF-00000004-00000000-00000000", testNow)
		require.NoError(t, s.Insert(ctx, r))

		out, err := s.Mutate(ctx, r.ID, func(rec *Record) (bool, error) {
			rec.UsageCount++
			rec.Active = false
			rec.Signature = []byte{7, 7}
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(3), out.UsageCount)
		assert.Equal(t, uint64(2), out.Revision)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, out, got)

		unchanged, err := s.Mutate(ctx, r.ID, func(*Record) (bool, error) { return false, nil })
		require.NoError(t, err)
		assert.Equal(t, uint64(2), unchanged.Revision)

		boom := errors.New("boom")
		_, err = s.Mutate(ctx, r.ID, func(rec *Record) (bool, error) {
			rec.UsageCount = 100
			return false, boom
		})
		assert.ErrorIs(t, err, boom)
		got, err = s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.UsageCount)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)
		for i, id := range []string{"DEF-0000000C-00000000-00000000", "DEF-0000000A-00000000-00000000", "DEF-0000000B-00000000-00000000"} {
			r := sampleRecord(id, testNow.Add(time.Duration(i)*time.Second))
			if i == 1 {
				r.SubjectID = "shared"
				r.Active = false
			}
			require.NoError(t, s.Insert(ctx, r))
		}

		all, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "DEF-0000000C-00000000-00000000", all[0].ID)
		assert.Equal(t, "DEF-0000000B-00000000-00000000", all[2].ID)

		active, err := s.List(ctx, Filter{ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, active, 2)

		bySubject, err := s.List(ctx, Filter{SubjectID: "shared"})
		require.NoError(t, err)
		require.Len(t, bySubject, 1)
		assert.Equal(t, "DEF-0000000A-00000000-00000000", bySubject[0].ID)

		limited, err := s.List(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)
	})

	t.Run("usage log", func(t *testing.T) {
		s := newStore(t)
		for i, at := range []time.Time{testNow.Add(-10 * 24 * time.Hour), testNow.Add(-time.Hour), testNow} {
			require.NoError(t, s.AppendUsage(ctx, UsageEvent{
				ID:        "evt-" + string(rune('a'+i)),
				LicenseID: "DEF-00000001-00000000-00000000",
				At:        at,
				Result:    ResultValid,
			}))
		}
		n, err := s.CountUsageSince(ctx, testNow.Add(-usageWindow))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ledger max usage one under contention", func(t *testing.T) {
		s := newStore(t)
		f := newFixture(t, s, testLedgerConfig())
		rec, err := f.ledger.Issue(ctx, IssueSpec{SubjectID: "race", MaxUsage: u64(1)})
		require.NoError(t, err)

		var (
			mu    sync.Mutex
			valid int
			wg    sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := f.ledger.Validate(ctx, rec.ID)
				if assert.NoError(t, err) && v.Result == ResultValid {
					mu.Lock()
					valid++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, valid)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(*testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := sampleRecord("DEF-00000001-00000000-00000000", testNow)
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Metadata["plan"] = "free"
	got.Signature[0] = 0xff
	*got.MaxUsage = 1

	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", again.Metadata["plan"])
	assert.Equal(t, byte(1), again.Signature[0])
	assert.Equal(t, uint64(9), *again.MaxUsage)
}

func TestMemoryStoreMutateRunsOutsideLock(t *testing.T) {
	ctx := context.Background()
	bump := func(r *Record) (bool, error) {
		r.UsageCount++
		return true, nil
	}

	tests := []struct {
		name      string
		other     string
		wantUsage uint64
	}{
		{"other record proceeds", "DEF-00000002-00000000-00000000", 3},
		{"same record commits first and the slow call reruns", "DEF-00000001-00000000-00000000", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore()
			slow := sampleRecord("DEF-00000001-00000000-00000000", testNow)
			require.NoError(t, s.Insert(ctx, slow))
			require.NoError(t, s.Insert(ctx, sampleRecord("DEF-00000002-00000000-00000000", testNow)))

			entered := make(chan struct{})
			release := make(chan struct{})
			var calls int
			result := make(chan error, 1)
			go func() {
				_, err := s.Mutate(ctx, slow.ID, func(r *Record) (bool, error) {
					calls++
					if calls == 1 {
						close(entered)
						<-release
					}
					return bump(r)
				})
				result <- err
			}()
			<-entered

			quick := make(chan error, 1)
			go func() {
				_, err := s.Mutate(ctx, tt.other, bump)
				quick <- err
			}()
			select {
			case err := <-quick:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("mutate blocked behind a running mutation")
			}
			_, err := s.Get(ctx, slow.ID)
			require.NoError(t, err)

			close(release)
			require.NoError(t, <-result)

			got, err := s.Get(ctx, slow.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantUsage, got.UsageCount)
		})
	}
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := OpenSQLStore(context.Background(), config.DriverSQLite, filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := OpenSQLStore(ctx, config.DriverSQLite, path)
	require.NoError(t, err)
	f := newFixture(t, s, testLedgerConfig())
	rec, err := f.ledger.Issue(ctx, IssueSpec{SubjectID: "persist", MaxUsage: u64(2)})
	require.NoError(t, err)
	_, err = f.ledger.Validate(ctx, rec.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLStore(ctx, config.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	f = newFixture(t, s, testLedgerConfig())

	v, err := f.ledger.Validate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultValid, v.Result)
	assert.Equal(t, uint64(2), v.Record.UsageCount)

	v, err = f.ledger.Validate(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, ResultUsageExceeded, v.Result)
}

func TestOpenSQLStoreNeedsDSN(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), config.DriverSQLite, "")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("DEFENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEFENCE_TEST_REDIS_ADDR not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewRedisStore(context.Background(), RedisOptions{Addr: addr, DB: 15})
		require.NoError(t, err)
		require.NoError(t, s.client.FlushDB(context.Background()).Err())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestRedisStoreInsertIndexesAtomically(t *testing.T) {
	addr := os.Getenv("DEFENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DEFENCE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisOptions{Addr: addr, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.client.FlushDB(context.Background()).Err()
		_ = s.Close()
	})

	tests := []struct {
		name    string
		prepare func(t *testing.T)
		check   func(t *testing.T, r Record, err error)
	}{
		{"record and index land together", nil, func(t *testing.T, r Record, err error) {
			require.NoError(t, err)
			score, err := s.client.ZScore(ctx, redisIndexKey, r.ID).Result()
			require.NoError(t, err)
			assert.Equal(t, float64(r.CreatedAt.Unix()), score)
		}},
		{"duplicate leaves one index entry", func(t *testing.T) {
			require.NoError(t, s.Insert(ctx, sampleRecord("DEF-00000001-00000000-00000000", testNow)))
		}, func(t *testing.T, r Record, err error) {
			assert.ErrorIs(t, err, errs.ErrDuplicateID)
			n, err := s.client.ZCard(ctx, redisIndexKey).Result()
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
		}},
		{"failed index write drops the record", func(t *testing.T) {
			require.NoError(t, s.client.Set(ctx, redisIndexKey, "not a sorted set", 0).Err())
		}, func(t *testing.T, r Record, err error) {
			assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
			_, err = s.Get(ctx, r.ID)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.client.FlushDB(ctx).Err())
			if tt.prepare != nil {
				tt.prepare(t)
			}
			r := sampleRecord("DEF-00000001-00000000-00000000", testNow)
			tt.check(t, r, s.Insert(ctx, r))
		})
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewRedisStore(ctx, RedisOptions{Addr: "127.0.0.1:1"})
	assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
}

var mockColumns = []string{
	"id", "subject_id", "created_at", "expires_at", "usage_count", "max_usage",
	"active", "metadata", "integrity", "signature", "revision",
}

func mockRow(id string, revision int64) *sqlmock.Rows {
	return sqlmock.NewRows(mockColumns).
		AddRow(id, "acme", testNow.Unix(), nil, int64(0), int64(1), true, `{"plan":"pro"}`, "ab", []byte{1}, revision)
}

func TestSQLStoreWithMock(t *testing.T) {
	ctx := context.Background()
	selectQuery := regexp.QuoteMeta("SELECT id, subject_id")
	updateQuery := regexp.QuoteMeta("UPDATE licenses")
	id := "DEF-00000001-00000000-00000000"

	t.Run("outage maps to store unavailable", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnError(errors.New("connection refused"))
		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, errs.ErrStoreUnavailable)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO usage_log")).WillReturnError(errors.New("connection refused"))
		err = s.AppendUsage(ctx, UsageEvent{ID: "e", LicenseID: id, At: testNow, Result: ResultValid})
		assert.ErrorIs(t, err, errs.ErrStoreUnavailable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("undecodable row is corrupt, not an outage", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnRows(sqlmock.NewRows(mockColumns).
			AddRow(id, "acme", testNow.Unix(), nil, int64(0), int64(1), int64(2), `{"plan":"pro"}`, "ab", []byte{1}, int64(1)))
		_, err = s.Get(ctx, id)
		assert.ErrorIs(t, err, errCorruptRecord)
		assert.NotErrorIs(t, err, errs.ErrStoreUnavailable)

		mock.ExpectQuery(selectQuery).WillReturnRows(sqlmock.NewRows(mockColumns).
			AddRow(id, "acme", testNow.Unix(), nil, int64(0), int64(1), true, `not json`, "ab", []byte{1}, int64(1)))
		listed, err := s.List(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.Equal(t, id, listed[0].ID)
		assert.Empty(t, listed[0].Signature)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation maps to duplicate id", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO licenses")).WillReturnError(&pq.Error{Code: "23505"})
		err = s.Insert(ctx, sampleRecord(id, testNow))
		assert.ErrorIs(t, err, errs.ErrDuplicateID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("compare and set succeeds", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnRows(mockRow(id, 4))
		mock.ExpectExec(updateQuery).WillReturnResult(sqlmock.NewResult(0, 1))

		out, err := s.Mutate(ctx, id, func(r *Record) (bool, error) {
			r.UsageCount++
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), out.Revision)
		assert.Equal(t, uint64(1), out.UsageCount)
		assert.Equal(t, "pro", out.Metadata["plan"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race is retried", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnRows(mockRow(id, 1))
		mock.ExpectExec(updateQuery).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnRows(mockRow(id, 2))
		mock.ExpectExec(updateQuery).WillReturnResult(sqlmock.NewResult(0, 1))

		calls := 0
		out, err := s.Mutate(ctx, id, func(r *Record) (bool, error) {
			calls++
			r.Active = false
			return true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, uint64(3), out.Revision)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("persistent conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		s := NewSQLStore(db, config.DriverPostgres)

		for i := 0; i < maxCASAttempts; i++ {
			mock.ExpectQuery(selectQuery).WithArgs(id).WillReturnRows(mockRow(id, int64(i+1)))
			mock.ExpectExec(updateQuery).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		_, err = s.Mutate(ctx, id, func(r *Record) (bool, error) {
			r.UsageCount++
			return true, nil
		})
		assert.ErrorIs(t, err, errs.ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
