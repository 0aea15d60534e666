package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

const (
	redisRecordPrefix = "license:"
	redisIndexKey     = "licenses"
	redisUsageKey     = "license:usage"
)

// RedisOptions selects the server for NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps each record as a JSON value and uses WATCH/MULTI for
// single-record compare-and-set. A sorted set indexes ids by creation time.
type RedisStore struct {
	client *redis.Client
}

type redisEntry struct {
	Record   Record `json:"record"`
	Revision uint64 `json:"revision"`
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	return &RedisStore{client: client}, nil
}

func recordKey(id string) string { return redisRecordPrefix + id }

func encodeEntry(r Record, rev uint64) ([]byte, error) {
	raw, err := json.Marshal(redisEntry{Record: r, Revision: rev})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return raw, nil
}

func decodeEntry(id string, raw []byte) (Record, error) {
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Record{}, corrupt(id, err)
	}
	e.Record.Revision = e.Revision
	return e.Record, nil
}

// Insert writes the record and its index entry in one MULTI under a WATCH
// on the record key, so a concurrent insert of the same id loses.
func (s *RedisStore) Insert(ctx context.Context, r Record) error {
	raw, err := encodeEntry(r, 1)
	if err != nil {
		return err
	}
	key := recordKey(r.ID)
	member := redis.Z{Score: float64(r.CreatedAt.Unix()), Member: r.ID}
	duplicate := fmt.Errorf("%w: %s", errs.ErrDuplicateID, r.ID)

	var set *redis.StatusCmd
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return unavailable("insert", err)
		}
		if n > 0 {
			return duplicate
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			set = pipe.Set(ctx, key, raw, 0)
			pipe.ZAdd(ctx, redisIndexKey, member)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return duplicate
	case errors.Is(err, errs.ErrDuplicateID), errors.Is(err, errs.ErrStoreUnavailable):
		return err
	}
	// EXEC keeps the SET when ZADD fails; an unindexed record must not stay.
	if set != nil && set.Err() == nil {
		if derr := s.client.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
			return unavailable("insert", fmt.Errorf("%v; cleanup: %v", err, derr))
		}
	}
	return unavailable("insert", err)
}

// Get loads one record.
func (s *RedisStore) Get(ctx context.Context, id string) (Record, error) {
	raw, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrNotFound)
		}
		return Record{}, unavailable("get", err)
	}
	return decodeEntry(id, raw)
}

// Mutate retries on a lost WATCH up to maxCASAttempts times.
func (s *RedisStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Record, error) {
	key := recordKey(id)
	var (
		out    Record
		mutErr error
	)

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("license %s: %w", id, errs.ErrNotFound)
			}
			return unavailable("get", err)
		}
		cur, err := decodeEntry(id, raw)
		if err != nil {
			return err
		}
		next := cur.Clone()
		changed, err := fn(&next)
		if err != nil {
			mutErr = err
			return err
		}
		if !changed {
			out = cur
			return nil
		}
		next.ID = id
		next.Revision = cur.Revision + 1
		encoded, err := encodeEntry(next, next.Revision)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		mutErr = nil
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case mutErr != nil, errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrStoreUnavailable),
			errors.Is(err, errCorruptRecord):
			return Record{}, err
		default:
			return Record{}, unavailable("mutate", err)
		}
	}
	return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrConflict)
}

// List walks the creation index.
func (s *RedisStore) List(ctx context.Context, f Filter) ([]Record, error) {
	ids, err := s.client.ZRange(ctx, redisIndexKey, 0, -1).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	result := make([]Record, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("list", err)
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		r, err := decodeEntry(ids[i], []byte(str))
		if err != nil {
			r = Record{ID: ids[i]}
		}
		if !f.match(r) {
			continue
		}
		result = append(result, r)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

// AppendUsage adds e to a sorted set scored by time.
func (s *RedisStore) AppendUsage(ctx context.Context, e UsageEvent) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal usage event: %w", err)
	}
	member := redis.Z{Score: float64(e.At.Unix()), Member: string(raw)}
	if err := s.client.ZAdd(ctx, redisUsageKey, member).Err(); err != nil {
		return unavailable("append usage", err)
	}
	return nil
}

// CountUsageSince counts usage events at or after since.
func (s *RedisStore) CountUsageSince(ctx context.Context, since time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, redisUsageKey, strconv.FormatInt(since.Unix(), 10), "+inf").Result()
	if err != nil {
		return 0, unavailable("count usage", err)
	}
	return int(n), nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
