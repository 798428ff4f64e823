//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/personalization"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

var testStore *Store

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("groundwork_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "pg connection string: %v\n", err)
		os.Exit(1)
	}

	testStore, err = New(ctx, dsn, zap.NewNop())
	if err == nil {
		err = testStore.Migrate(ctx)
	}
	if err != nil {
		container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	testStore.Close()
	container.Terminate(ctx)
	os.Exit(code)
}

func TestMigrateIsRerunnable(t *testing.T) {
	if err := testStore.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMemoryUpsertAndQuery(t *testing.T) {
	ctx := context.Background()
	ms := testStore.Memories()
	now := time.Now().UTC()

	id, err := ms.Upsert(ctx, memory.Record{
		OwnerID: "pg-u1", Content: "My favourite subject is chemistry",
		Type: memory.TypeUserQuery, Priority: memory.PriorityHigh, Retention: memory.RetentionLongTerm,
		QualityScore: 0.8, Tags: []string{"Personal", "chemistry"}, CreatedAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := ms.Upsert(ctx, memory.Record{
		OwnerID: "pg-u1", Content: "Atoms bond by sharing electrons",
		Type: memory.TypeAIResponse, Retention: memory.RetentionPermanent, CreatedAt: now,
	}); err != nil {
		t.Fatalf("upsert permanent: %v", err)
	}

	all, err := ms.Query(ctx, "pg-u1", memory.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Type != memory.TypeAIResponse {
		t.Fatalf("query = %+v", all)
	}
	if all[0].ExpiresAt != nil {
		t.Error("permanent record has an expiry")
	}

	tagged, _ := ms.Query(ctx, "pg-u1", memory.Filter{Tags: []string{memory.PersonalTag}, MinPriority: memory.PriorityHigh})
	if len(tagged) != 1 || tagged[0].ID != id {
		t.Errorf("tag filter = %+v", tagged)
	}

	if other, _ := ms.Query(ctx, "pg-u2", memory.Filter{}); len(other) != 0 {
		t.Errorf("owner isolation broken: %+v", other)
	}
}

func TestMemoryOwnerMismatch(t *testing.T) {
	ctx := context.Background()
	ms := testStore.Memories()
	id, err := ms.Upsert(ctx, memory.Record{OwnerID: "pg-a", Content: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = ms.Upsert(ctx, memory.Record{ID: id, OwnerID: "pg-b", Content: "stolen"})
	if !errors.Is(err, memory.ErrOwnerMismatch) {
		t.Errorf("err = %v, want ErrOwnerMismatch", err)
	}
}

func TestMemoryExpireAndPurge(t *testing.T) {
	ctx := context.Background()
	ms := testStore.Memories()
	id, err := ms.Upsert(ctx, memory.Record{OwnerID: "pg-exp", Content: "keep forever", Retention: memory.RetentionPermanent})
	if err != nil {
		t.Fatal(err)
	}
	if err := ms.Expire(ctx, []string{id}); err != nil {
		t.Fatal(err)
	}
	if recs, _ := ms.Query(ctx, "pg-exp", memory.Filter{}); len(recs) != 0 {
		t.Fatalf("expired record returned: %+v", recs)
	}
	n, err := ms.Purge(ctx, time.Now().Add(time.Minute))
	if err != nil || n < 1 {
		t.Errorf("purge = %d, %v", n, err)
	}
}

func TestProfileRoundTripAndConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	ps := testStore.Profiles()

	if _, err := ps.Get(ctx, "pg-nobody"); !errors.Is(err, personalization.ErrProfileNotFound) {
		t.Fatalf("err = %v", err)
	}

	// Two engines stand in for two server replicas sharing the database.
	replicas := []*personalization.Engine{
		personalization.NewEngine(testStore.Profiles(), testStore.Memories(), nil, personalization.DefaultOptions(), zap.NewNop()),
		personalization.NewEngine(testStore.Profiles(), testStore.Memories(), nil, personalization.DefaultOptions(), zap.NewNop()),
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := replicas[i%2].ApplyFeedback(ctx, personalization.Feedback{
				ID: fmt.Sprint("pgf", i), OwnerID: "pg-learner", Type: personalization.FeedbackExplicit, Rating: 4,
			}); err != nil {
				t.Errorf("feedback: %v", err)
			}
		}(i)
	}
	wg.Wait()

	p, err := ps.Get(ctx, "pg-learner")
	if err != nil {
		t.Fatal(err)
	}
	if p.FeedbackCount != 20 {
		t.Errorf("feedback count = %d, want 20", p.FeedbackCount)
	}
}
