package rag

import (
	"context"
	"time"

	"github.com/nidhogg/groundwork/internal/memory"
	"go.uber.org/zap"
)

// IndexedStore keeps the vector index in step with a memory store. Index
// failures are logged and never fail the write; the store stays the source
// of truth.
type IndexedStore struct {
	memory.Store
	searcher *Searcher
	logger   *zap.Logger
}

// NewIndexedStore wraps store so writes are mirrored into searcher.
func NewIndexedStore(store memory.Store, searcher *Searcher, logger *zap.Logger) *IndexedStore {
	return &IndexedStore{Store: store, searcher: searcher, logger: logger}
}

func (s *IndexedStore) Upsert(ctx context.Context, rec memory.Record) (string, error) {
	id, err := s.Store.Upsert(ctx, rec)
	if err != nil {
		return "", err
	}
	rec.ID = id
	rec.Normalize(time.Now().UTC())
	if err := s.searcher.Index(ctx, rec); err != nil {
		s.logger.Warn("memory indexing failed", zap.String("id", id), zap.Error(err))
	}
	return id, nil
}

func (s *IndexedStore) Expire(ctx context.Context, ids []string) error {
	if err := s.Store.Expire(ctx, ids); err != nil {
		return err
	}
	if err := s.searcher.Remove(ctx, ids...); err != nil {
		s.logger.Warn("memory vector removal failed", zap.Int("count", len(ids)), zap.Error(err))
	}
	return nil
}

// Purge forwards to the wrapped store when it supports purging.
func (s *IndexedStore) Purge(ctx context.Context, before time.Time) (int, error) {
	if p, ok := s.Store.(memory.Purger); ok {
		return p.Purge(ctx, before)
	}
	return 0, nil
}

// Ping forwards to the wrapped store when it supports pinging.
func (s *IndexedStore) Ping(ctx context.Context) error {
	if p, ok := s.Store.(memory.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
