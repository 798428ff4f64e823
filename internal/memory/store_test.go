package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

// storeFactories lets every Store contract test run against both embedded backends.
func storeFactories(t *testing.T) map[string]func() Store {
	t.Helper()
	return map[string]func() Store{
		"mem": func() Store { return NewMemStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func TestExpiryFor(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		ret  Retention
		want time.Duration
	}{
		{RetentionSession, 24 * time.Hour},
		{RetentionShortTerm, 7 * 24 * time.Hour},
		{RetentionLongTerm, 90 * 24 * time.Hour},
	}
	for _, c := range cases {
		got := ExpiryFor(c.ret, now)
		if got == nil {
			t.Fatalf("%s: expected expiry", c.ret)
		}
		if d := got.Sub(now); d != c.want {
			t.Errorf("%s: got %v, want %v", c.ret, d, c.want)
		}
	}
	if ExpiryFor(RetentionPermanent, now) != nil {
		t.Error("permanent retention must not expire")
	}
}

func TestNormalizeEnforcesExpiryInvariant(t *testing.T) {
	now := time.Now().UTC()
	expires := now.Add(time.Hour)

	perm := Record{OwnerID: "u1", Content: "x", Retention: RetentionPermanent, ExpiresAt: &expires}
	perm.Normalize(now)
	if perm.ExpiresAt != nil {
		t.Error("permanent record kept an expiry")
	}

	short := Record{OwnerID: "u1", Content: "x"}
	short.Normalize(now)
	if short.ExpiresAt == nil {
		t.Fatal("short-term record has no expiry")
	}
	if short.Priority != PriorityMedium || short.Retention != RetentionShortTerm {
		t.Errorf("defaults not applied: %+v", short)
	}
	if err := short.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	r := Record{Content: "orphan"}
	r.Normalize(time.Now())
	if err := r.Validate(); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("got %v, want ErrInvalidRecord", err)
	}
}

func TestStoreNeverReturnsExpired(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			past := time.Now().UTC().Add(-time.Minute)
			created := past.Add(-time.Hour)
			if _, err := s.Upsert(ctx, Record{
				OwnerID: "u1", Content: "stale fact", Retention: RetentionSession,
				CreatedAt: created, ExpiresAt: &past,
			}); err != nil {
				t.Fatalf("upsert expired: %v", err)
			}
			liveID, err := s.Upsert(ctx, Record{OwnerID: "u1", Content: "fresh fact"})
			if err != nil {
				t.Fatalf("upsert live: %v", err)
			}

			recs, err := s.Query(ctx, "u1", Filter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 1 || recs[0].ID != liveID {
				t.Fatalf("got %+v, want only the live record", recs)
			}

			if err := s.Expire(ctx, []string{liveID}); err != nil {
				t.Fatalf("expire: %v", err)
			}
			recs, err = s.Query(ctx, "u1", Filter{Now: time.Now().Add(time.Millisecond)})
			if err != nil {
				t.Fatalf("query after expire: %v", err)
			}
			if len(recs) != 0 {
				t.Errorf("got %d records after expire, want 0", len(recs))
			}
		})
	}
}

func TestStoreOwnerIsolation(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			id, err := s.Upsert(ctx, Record{OwnerID: "u1", Content: "My name is Asha", Tags: []string{"personal"}})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			recs, err := s.Query(ctx, "u2", Filter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 0 {
				t.Errorf("owner u2 saw %d records of u1", len(recs))
			}

			_, err = s.Upsert(ctx, Record{ID: id, OwnerID: "u2", Content: "hijack"})
			if !errors.Is(err, ErrOwnerMismatch) {
				t.Errorf("got %v, want ErrOwnerMismatch", err)
			}
		})
	}
}

func TestStoreUpsertUpdatesScoresOnly(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			id, err := s.Upsert(ctx, Record{OwnerID: "u1", Content: "original", QualityScore: 0.2})
			if err != nil {
				t.Fatalf("upsert: %v", err)
			}
			if _, err := s.Upsert(ctx, Record{ID: id, OwnerID: "u1", Content: "rewritten", QualityScore: 0.9}); err != nil {
				t.Fatalf("re-upsert: %v", err)
			}

			recs, err := s.Query(ctx, "u1", Filter{})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 1 {
				t.Fatalf("got %d records, want 1", len(recs))
			}
			if recs[0].Content != "original" {
				t.Errorf("content mutated to %q", recs[0].Content)
			}
			if recs[0].QualityScore != 0.9 {
				t.Errorf("quality = %v, want 0.9", recs[0].QualityScore)
			}
		})
	}
}

func TestStoreFilter(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore()

			base := time.Now().UTC().Add(-time.Hour)
			seed := []Record{
				{OwnerID: "u1", Content: "a", Type: TypeUserQuery, Priority: PriorityLow, Tags: []string{"conv:1"}, CreatedAt: base},
				{OwnerID: "u1", Content: "b", Type: TypeAIResponse, Priority: PriorityHigh, Tags: []string{"conv:1"}, CreatedAt: base.Add(time.Minute)},
				{OwnerID: "u1", Content: "c", Type: TypeAIResponse, Priority: PriorityCritical, Retention: RetentionLongTerm, CreatedAt: base.Add(2 * time.Minute)},
			}
			for _, r := range seed {
				if _, err := s.Upsert(ctx, r); err != nil {
					t.Fatalf("upsert: %v", err)
				}
			}

			recs, err := s.Query(ctx, "u1", Filter{Types: []Type{TypeAIResponse}, Tags: []string{"conv:1"}})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 1 || recs[0].Content != "b" {
				t.Errorf("type+tag filter: got %+v", recs)
			}

			recs, err = s.Query(ctx, "u1", Filter{MinPriority: PriorityHigh})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 2 || recs[0].Content != "c" {
				t.Errorf("priority filter: got %+v, want c then b", recs)
			}

			recs, err = s.Query(ctx, "u1", Filter{Retentions: []Retention{RetentionLongTerm}, Limit: 5})
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(recs) != 1 || recs[0].Content != "c" {
				t.Errorf("retention filter: got %+v", recs)
			}
		})
	}
}

func TestSweeperPurgesPastGrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	old := time.Now().UTC().Add(-48 * time.Hour)
	oldCreated := old.Add(-time.Hour)
	if _, err := s.Upsert(ctx, Record{OwnerID: "u1", Content: "old", CreatedAt: oldCreated, ExpiresAt: &old}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	recent := time.Now().UTC().Add(-time.Hour)
	recentCreated := recent.Add(-time.Hour)
	if _, err := s.Upsert(ctx, Record{OwnerID: "u1", Content: "recent", CreatedAt: recentCreated, ExpiresAt: &recent}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	sw := NewSweeper(s, SweepConfig{Grace: 24 * time.Hour}, zap.NewNop())
	n, err := sw.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
}

func TestLexicalSimilarity(t *testing.T) {
	hit := LexicalSimilarity("What is my name?", "My name is Asha")
	miss := LexicalSimilarity("What is my name?", "Photosynthesis happens in chloroplasts")
	if hit <= miss {
		t.Errorf("hit %.2f should beat miss %.2f", hit, miss)
	}
	if hit < 0 || hit > 1 || miss != 0 {
		t.Errorf("scores out of range: hit=%.2f miss=%.2f", hit, miss)
	}
	if LexicalSimilarity("", "anything") != 0 {
		t.Error("empty query should score 0")
	}
}
