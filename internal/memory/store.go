package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOwnerMismatch is returned when an upsert targets a record id owned by
// somebody else.
var ErrOwnerMismatch = errors.New("memory record belongs to another owner")

// Store is the persistence contract for memory records. Implementations
// must make Upsert atomic per owner and must never return expired records
// from Query.
type Store interface {
	Query(ctx context.Context, ownerID string, f Filter) ([]Record, error)
	Upsert(ctx context.Context, rec Record) (string, error)
	Expire(ctx context.Context, ids []string) error
}

// Purger hard-deletes records that expired before a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemStore is an in-process Store. Records are partitioned by owner and each
// owner's partition is guarded by the store lock.
type MemStore struct {
	mu     sync.RWMutex
	owners map[string]map[string]*Record
	index  map[string]string // record id -> owner id
	now    func() time.Time
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		owners: make(map[string]map[string]*Record),
		index:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Query returns the owner's unexpired records matching f, newest first.
func (s *MemStore) Query(ctx context.Context, ownerID string, f Filter) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := f.clock()
	if f.Now.IsZero() {
		now = s.now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.owners[ownerID] {
		if f.Matches(r, now) {
			out = append(out, cloneRecord(r))
		}
	}
	SortNewest(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Upsert inserts a record or updates the scores and expiry of an existing one.
func (s *MemStore) Upsert(ctx context.Context, rec Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec.Normalize(s.now())
	if err := rec.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.index[rec.ID]; ok {
		if owner != rec.OwnerID {
			return "", fmt.Errorf("upsert %s: %w", rec.ID, ErrOwnerMismatch)
		}
		existing := s.owners[owner][rec.ID]
		existing.QualityScore = rec.QualityScore
		existing.RelevanceScore = rec.RelevanceScore
		existing.Priority = rec.Priority
		existing.Tags = rec.Tags
		if existing.Retention != RetentionPermanent {
			existing.ExpiresAt = rec.ExpiresAt
		}
		return rec.ID, nil
	}

	part, ok := s.owners[rec.OwnerID]
	if !ok {
		part = make(map[string]*Record)
		s.owners[rec.OwnerID] = part
	}
	r := cloneRecord(&rec)
	part[rec.ID] = &r
	s.index[rec.ID] = rec.OwnerID
	return rec.ID, nil
}

// Expire marks records as expired immediately. Unknown ids are ignored.
func (s *MemStore) Expire(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		owner, ok := s.index[id]
		if !ok {
			continue
		}
		r := s.owners[owner][id]
		t := now
		r.ExpiresAt = &t
		if r.Retention == RetentionPermanent {
			r.Retention = RetentionSession
		}
	}
	return nil
}

// Purge deletes records whose expiry is before the cutoff.
func (s *MemStore) Purge(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for owner, part := range s.owners {
		for id, r := range part {
			if r.ExpiresAt != nil && r.ExpiresAt.Before(before) {
				delete(part, id)
				delete(s.index, id)
				n++
			}
		}
		if len(part) == 0 {
			delete(s.owners, owner)
		}
	}
	return n, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func cloneRecord(r *Record) Record {
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return c
}
