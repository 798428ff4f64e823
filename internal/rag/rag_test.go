package rag

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/vectorstore"
	"go.uber.org/zap"
)

// wordEmbedder maps text onto a fixed vocabulary, one dimension per word.
type wordEmbedder struct {
	vocab []string
	err   error
}

func (e *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(e.vocab))
		for _, w := range strings.Fields(strings.ToLower(t)) {
			for j, x := range e.vocab {
				if strings.Trim(w, ".,?!") == x {
					v[j]++
				}
			}
		}
		out[i] = v
	}
	return out, nil
}

func (e *wordEmbedder) Dimension() int { return len(e.vocab) }

// fakeIndex is an in-memory cosine index.
type fakeIndex struct {
	mu     sync.Mutex
	points map[string]vectorstore.Point
	err    error
}

func newFakeIndex() *fakeIndex { return &fakeIndex{points: map[string]vectorstore.Point{}} }

func (f *fakeIndex) Upsert(_ context.Context, _ string, pts ...vectorstore.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, p := range pts {
		f.points[p.ID] = p
	}
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, _ string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeIndex) Search(_ context.Context, _ string, q vectorstore.Query) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []vectorstore.SearchResult
	for _, p := range f.points {
		match := true
		for k, v := range q.Match {
			if p.Payload[k] != v {
				match = false
			}
		}
		score := cosine(q.Vector, p.Vector)
		if !match || score < q.MinScore {
			continue
		}
		// Round-trip payload types the way the gRPC client reports them.
		payload := map[string]any{}
		for k, v := range p.Payload {
			if n, ok := v.(int64); ok {
				payload[k] = n
				continue
			}
			payload[k] = v
		}
		out = append(out, vectorstore.SearchResult{ID: p.ID, Score: score, Payload: payload})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if q.Limit > 0 && uint64(len(out)) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func newTestSearcher() (*Searcher, *fakeIndex) {
	idx := newFakeIndex()
	emb := &wordEmbedder{vocab: []string{"chemistry", "subject", "favourite", "photosynthesis", "plants", "light"}}
	return NewSearcher(emb, idx, "", zap.NewNop()), idx
}

func TestSearchIsOwnerScoped(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()
	now := time.Now().UTC()

	recs := []memory.Record{
		{ID: uuid.NewString(), OwnerID: "u1", Content: "My favourite subject is chemistry", Priority: memory.PriorityHigh, Retention: memory.RetentionLongTerm, Tags: []string{"personal"}},
		{ID: uuid.NewString(), OwnerID: "u2", Content: "My favourite subject is chemistry"},
		{ID: "01HZX3J4K5M6N7P8Q9R0S1T2V3", OwnerID: "u1", Content: "Plants use light for photosynthesis"},
	}
	for i := range recs {
		recs[i].Normalize(now)
	}
	if err := s.Index(ctx, recs...); err != nil {
		t.Fatal(err)
	}

	hits, err := s.Search(ctx, "u1", "what is my favourite subject", 0.2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %+v", hits)
	}
	got := hits[0].Record
	if got.ID != recs[0].ID || got.OwnerID != "u1" || got.Priority != memory.PriorityHigh || !got.HasTag("personal") {
		t.Errorf("record = %+v", got)
	}
	if got.CreatedAt.UnixMilli() != recs[0].CreatedAt.UnixMilli() || got.ExpiresAt == nil {
		t.Errorf("times not restored: %+v", got)
	}

	hits, _ = s.Search(ctx, "u1", "how do plants use light", 0.2, 10)
	if len(hits) != 1 || hits[0].Record.ID != recs[2].ID {
		t.Errorf("ulid record not found: %+v", hits)
	}
}

func TestSearchSkipsExpired(t *testing.T) {
	s, _ := newTestSearcher()
	ctx := context.Background()
	past := time.Now().Add(-time.Hour)
	rec := memory.Record{ID: uuid.NewString(), OwnerID: "u1", Content: "chemistry subject", ExpiresAt: &past}
	rec.Normalize(time.Now().Add(-2 * time.Hour))
	s.Index(ctx, rec)

	hits, err := s.Search(ctx, "u1", "chemistry", 0.1, 5)
	if err != nil || len(hits) != 0 {
		t.Errorf("hits = %+v, err = %v", hits, err)
	}
}

func TestSearchErrors(t *testing.T) {
	s, idx := newTestSearcher()
	idx.err = errors.New("qdrant down")
	if _, err := s.Search(context.Background(), "u1", "chemistry", 0.1, 5); err == nil {
		t.Error("index error swallowed")
	}

	s.embedder = &wordEmbedder{err: errors.New("embedder down")}
	if _, err := s.Search(context.Background(), "u1", "chemistry", 0.1, 5); err == nil {
		t.Error("embed error swallowed")
	}
}

func TestPointID(t *testing.T) {
	u := uuid.NewString()
	if PointID(u) != u {
		t.Error("uuid ids must pass through")
	}
	a, b := PointID("01HZX3J4K5M6N7P8Q9R0S1T2V3"), PointID("01HZX3J4K5M6N7P8Q9R0S1T2V3")
	if a != b {
		t.Error("not deterministic")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("%q is not a uuid", a)
	}
}

func TestIndexedStoreMirrorsWrites(t *testing.T) {
	s, idx := newTestSearcher()
	store := NewIndexedStore(memory.NewMemStore(), s, zap.NewNop())
	ctx := context.Background()

	id, err := store.Upsert(ctx, memory.Record{OwnerID: "u1", Content: "photosynthesis needs light"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.points[PointID(id)]; !ok {
		t.Fatal("record not indexed")
	}

	if err := store.Expire(ctx, []string{id}); err != nil {
		t.Fatal(err)
	}
	if _, ok := idx.points[PointID(id)]; ok {
		t.Error("expired record still indexed")
	}

	// A failing index never fails the write.
	idx.err = errors.New("qdrant down")
	if _, err := store.Upsert(ctx, memory.Record{OwnerID: "u1", Content: "plants"}); err != nil {
		t.Errorf("upsert failed with index down: %v", err)
	}
	if err := store.Ping(ctx); err != nil {
		t.Errorf("ping: %v", err)
	}
}
