// Package rag is the semantic search backend for memory retrieval: records
// are embedded on write and searched by vector similarity per owner.
package rag

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/groundwork/internal/embedding"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultCollection holds every owner's memory vectors, partitioned by the
// owner_id payload field.
const DefaultCollection = "memories"

// Index is the vector index the searcher writes to and reads from.
type Index interface {
	Upsert(ctx context.Context, collection string, points ...vectorstore.Point) error
	Delete(ctx context.Context, collection string, ids ...string) error
	Search(ctx context.Context, collection string, q vectorstore.Query) ([]vectorstore.SearchResult, error)
}

type collectionCreator interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64, indexed ...string) error
}

// Searcher embeds memory records into a vector index and answers owner-scoped
// similarity queries.
type Searcher struct {
	embedder   embedding.Provider
	index      Index
	collection string
	logger     *zap.Logger
	now        func() time.Time
}

// NewSearcher creates a Searcher over collection.
func NewSearcher(embedder embedding.Provider, index Index, collection string, logger *zap.Logger) *Searcher {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Searcher{
		embedder:   embedder,
		index:      index,
		collection: collection,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Init creates the collection when the index supports it.
func (s *Searcher) Init(ctx context.Context) error {
	c, ok := s.index.(collectionCreator)
	if !ok {
		return nil
	}
	dim := uint64(s.embedder.Dimension())
	if dim == 0 {
		dim = 1024
	}
	if err := c.EnsureCollection(ctx, s.collection, dim, "owner_id"); err != nil {
		return fmt.Errorf("init collection %s: %w", s.collection, err)
	}
	return nil
}

// Search returns the owner's unexpired records scoring at least
// minSimilarity, best first.
func (s *Searcher) Search(ctx context.Context, ownerID, text string, minSimilarity float64, limit int) ([]memory.Scored, error) {
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 {
		return nil, errors.New("embed query: empty result")
	}

	hits, err := s.index.Search(ctx, s.collection, vectorstore.Query{
		Vector:   vectors[0],
		Limit:    uint64(limit),
		MinScore: float32(minSimilarity),
		Match:    map[string]string{"owner_id": ownerID},
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]memory.Scored, 0, len(hits))
	for _, h := range hits {
		rec, ok := recordFromPayload(h.Payload)
		if !ok || rec.OwnerID != ownerID || rec.Expired(now) {
			continue
		}
		out = append(out, memory.Scored{Record: rec, Score: float64(h.Score)})
	}
	return out, nil
}

// Index embeds and upserts records.
func (s *Searcher) Index(ctx context.Context, recs ...memory.Record) error {
	if len(recs) == 0 {
		return nil
	}
	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed records: %w", err)
	}
	if len(vectors) != len(recs) {
		return fmt.Errorf("embed records: got %d vectors for %d records", len(vectors), len(recs))
	}

	points := make([]vectorstore.Point, len(recs))
	for i, r := range recs {
		points[i] = vectorstore.Point{ID: PointID(r.ID), Vector: vectors[i], Payload: payloadFor(r)}
	}
	return s.index.Upsert(ctx, s.collection, points...)
}

// Remove deletes the vectors of the given record ids.
func (s *Searcher) Remove(ctx context.Context, ids ...string) error {
	pids := make([]string, len(ids))
	for i, id := range ids {
		pids[i] = PointID(id)
	}
	return s.index.Delete(ctx, s.collection, pids...)
}

// PointID maps a record id onto a UUID point id. UUIDs pass through; other
// ids (ULIDs from the SQLite store) are hashed deterministically.
func PointID(recordID string) string {
	if u, err := uuid.Parse(recordID); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("groundwork:memory:"+recordID)).String()
}

func payloadFor(r memory.Record) map[string]any {
	p := map[string]any{
		"record_id":       r.ID,
		"owner_id":        r.OwnerID,
		"content":         r.Content,
		"memory_type":     string(r.Type),
		"quality_score":   r.QualityScore,
		"relevance_score": r.RelevanceScore,
		"priority":        string(r.Priority),
		"retention":       string(r.Retention),
		"created_at":      r.CreatedAt.UnixMilli(),
	}
	if len(r.Tags) > 0 {
		p["tags"] = r.Tags
	}
	if r.ExpiresAt != nil {
		p["expires_at"] = r.ExpiresAt.UnixMilli()
	}
	return p
}

func recordFromPayload(p map[string]any) (memory.Record, bool) {
	str := func(k string) string { s, _ := p[k].(string); return s }
	num := func(k string) float64 {
		switch v := p[k].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
		return 0
	}
	millis := func(k string) (time.Time, bool) {
		switch v := p[k].(type) {
		case int64:
			return time.UnixMilli(v).UTC(), true
		case float64:
			return time.UnixMilli(int64(v)).UTC(), true
		}
		return time.Time{}, false
	}

	rec := memory.Record{
		ID:             str("record_id"),
		OwnerID:        str("owner_id"),
		Content:        str("content"),
		Type:           memory.Type(str("memory_type")),
		QualityScore:   num("quality_score"),
		RelevanceScore: num("relevance_score"),
		Priority:       memory.Priority(str("priority")),
		Retention:      memory.Retention(str("retention")),
	}
	if tags, ok := p["tags"].([]string); ok {
		rec.Tags = tags
	}
	rec.CreatedAt, _ = millis("created_at")
	if t, ok := millis("expires_at"); ok {
		rec.ExpiresAt = &t
	}
	return rec, rec.ID != "" && rec.OwnerID != ""
}
