package license

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	errs "github.com/darshitp091/Defence-Engine/internal/errors"
)

// MemoryStore is an in-memory Store. It returns copies so callers can never
// alias stored records.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	usage   []UsageEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Insert adds r unless its id exists.
func (s *MemoryStore) Insert(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("%w: %s", errs.ErrDuplicateID, r.ID)
	}
	r = r.Clone()
	r.Revision = 1
	s.records[r.ID] = r
	return nil
}

// Get returns a copy of the record.
func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.records[id]
	if !exists {
		return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrNotFound)
	}
	return r.Clone(), nil
}

// Mutate runs fn on a copy outside the lock and commits only if the
// revision is unchanged, retrying up to maxCASAttempts times.
func (s *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Record, error) {
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
		next.ID = id
		next.Revision = cur.Revision + 1

		s.mu.Lock()
		stored, exists := s.records[id]
		if !exists {
			s.mu.Unlock()
			return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrNotFound)
		}
		if stored.Revision == cur.Revision {
			s.records[id] = next
			s.mu.Unlock()
			return next.Clone(), nil
		}
		s.mu.Unlock()
	}
	return Record{}, fmt.Errorf("license %s: %w", id, errs.ErrConflict)
}

// List returns matching records oldest first.
func (s *MemoryStore) List(_ context.Context, f Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if f.match(r) {
			result = append(result, r.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

// AppendUsage appends e to the usage log.
func (s *MemoryStore) AppendUsage(_ context.Context, e UsageEvent) error {
	s.mu.Lock()
	s.usage = append(s.usage, e)
	s.mu.Unlock()
	return nil
}

// CountUsageSince counts usage events at or after since.
func (s *MemoryStore) CountUsageSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.usage {
		if !e.At.Before(since) {
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
