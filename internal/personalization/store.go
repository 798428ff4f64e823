package personalization

import (
	"context"
	"errors"
	"sync"
)

// UpdateFunc receives the stored profile, or nil when the owner has none, and
// returns the profile to write. Returning a nil profile leaves the store
// unchanged.
type UpdateFunc func(current *Profile) (*Profile, error)

// ProfileStore persists profiles. Get returns ErrProfileNotFound for
// unknown owners. Implementations return copies.
//
// Update runs fn as one read-modify-write that excludes every other Update
// for the same owner, across processes where the backend is shared.
type ProfileStore interface {
	Get(ctx context.Context, ownerID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
	Update(ctx context.Context, ownerID string, fn UpdateFunc) error
}

// MemProfileStore keeps profiles in memory.
type MemProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	owners   *keyedMutex
}

func NewMemProfileStore() *MemProfileStore {
	return &MemProfileStore{profiles: make(map[string]*Profile), owners: newKeyedMutex()}
}

func (s *MemProfileStore) Get(ctx context.Context, ownerID string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[ownerID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (s *MemProfileStore) Save(ctx context.Context, p *Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.OwnerID] = p.Clone()
	return nil
}

// Update holds the owner's lock for the whole of fn; readers are not blocked.
func (s *MemProfileStore) Update(ctx context.Context, ownerID string, fn UpdateFunc) error {
	unlock := s.owners.Lock(ownerID)
	defer unlock()

	cur, err := s.Get(ctx, ownerID)
	if errors.Is(err, ErrProfileNotFound) {
		cur, err = nil, nil
	}
	if err != nil {
		return err
	}
	next, err := fn(cur)
	if err != nil || next == nil {
		return err
	}
	return s.Save(ctx, next)
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
