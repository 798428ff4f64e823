package personalization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/queue"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func newTestEngine() (*Engine, *memory.MemStore, *MemProfileStore) {
	mems := memory.NewMemStore()
	profiles := NewMemProfileStore()
	q := queue.NewMemoryQueue(queue.DefaultMemoryOptions(), zap.NewNop())
	return NewEngine(profiles, mems, q, DefaultOptions(), zap.NewNop()), mems, profiles
}

func TestDecayUpdate(t *testing.T) {
	if got := decay(0.5, 1, 0.2); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("decay = %v, want 0.6", got)
	}
	if got := decay(0.1, 0, 0.2); got < 0.079 || got > 0.081 {
		t.Errorf("decay = %v, want 0.08", got)
	}
	if got := decay(1, 5, 1); got != 1 {
		t.Errorf("decay must clamp, got %v", got)
	}
}

func TestApplyInteractionStoresMemories(t *testing.T) {
	e, mems, _ := newTestEngine()
	ctx := context.Background()
	in := Interaction{
		ID: "i1", OwnerID: "u1", ConversationID: "c1",
		Query:    "My favourite subject is chemistry, can you show me an example of a covalent bond?",
		Response: "A covalent bond shares electrons; water is an example.",
		Topic:    "chemistry", Subject: "science", Complexity: "intermediate",
		IsPersonal: true, IsValid: true, ValidationScore: 0.82,
		CreatedAt: time.Now().UTC(),
	}
	delta, err := e.ApplyInteraction(ctx, in)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if delta.Styles[StyleExamples] <= 0 {
		t.Errorf("example style should rise: %+v", delta)
	}

	recs, err := mems.Query(ctx, "u1", memory.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want query + response", len(recs))
	}
	byType := map[memory.Type]memory.Record{}
	for _, r := range recs {
		byType[r.Type] = r
	}
	q := byType[memory.TypeUserQuery]
	if !q.HasTag(memory.PersonalTag) || q.Retention != memory.RetentionLongTerm || q.Priority != memory.PriorityHigh {
		t.Errorf("personal query record = %+v", q)
	}
	if !q.HasTag(ConversationTag("c1")) {
		t.Errorf("conversation tag missing: %v", q.Tags)
	}
	if r := byType[memory.TypeAIResponse]; r.QualityScore != 0.82 {
		t.Errorf("response quality = %v", r.QualityScore)
	}

	// Redelivery changes nothing.
	if d, err := e.ApplyInteraction(ctx, in); err != nil || !d.Empty() {
		t.Errorf("reapply: %+v %v", d, err)
	}
	p, _ := e.Profile(ctx, "u1")
	if p.InteractionCount != 1 {
		t.Errorf("interaction count = %d", p.InteractionCount)
	}
	recs, _ = mems.Query(ctx, "u1", memory.Filter{})
	if len(recs) != 2 {
		t.Errorf("reapply duplicated records: %d", len(recs))
	}
}

func TestFallbackInteractionSkipsResponse(t *testing.T) {
	e, mems, _ := newTestEngine()
	ctx := context.Background()
	e.ApplyInteraction(ctx, Interaction{ID: "i", OwnerID: "u1", Query: "what is osmosis", Response: "[fallback] unavailable", Fallback: true})
	recs, _ := mems.Query(ctx, "u1", memory.Filter{})
	if len(recs) != 1 || recs[0].Type != memory.TypeUserQuery {
		t.Errorf("got %+v", recs)
	}
}

func TestPatternsNeedRollingEvidence(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	e.ApplyInteraction(ctx, Interaction{ID: "a", OwnerID: "u1", Query: "give me an example of a verb", Topic: "grammar"})
	p, _ := e.Profile(ctx, "u1")
	if p.HasPattern(PatternExamplePreference) {
		t.Fatal("one event must not create a pattern")
	}

	for i := 0; i < 3; i++ {
		e.ApplyInteraction(ctx, Interaction{ID: fmt.Sprint("b", i), OwnerID: "u1", Query: "another example please", Topic: "grammar"})
	}
	p, _ = e.Profile(ctx, "u1")
	if !p.HasPattern(PatternExamplePreference) {
		t.Errorf("patterns = %v, want example_preference", p.Patterns)
	}
	if len(p.AdaptationHistory) == 0 {
		t.Error("adaptation history not appended")
	}
}

func TestCorrectionFeedback(t *testing.T) {
	e, mems, _ := newTestEngine()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := fmt.Sprint("i", i)
		e.ApplyInteraction(ctx, Interaction{ID: id, OwnerID: "u1", Query: "when did ww2 end", Topic: "history"})
		_, err := e.ApplyFeedback(ctx, Feedback{
			ID: fmt.Sprint("f", i), OwnerID: "u1", InteractionID: id,
			Type: FeedbackCorrection, CorrectionText: "World War II ended in 1945.",
		})
		if err != nil {
			t.Fatalf("feedback: %v", err)
		}
	}

	p, _ := e.Profile(ctx, "u1")
	if !p.HasPattern(PatternFrequentCorrections) {
		t.Errorf("patterns = %v", p.Patterns)
	}
	if p.TopicProficiency["history"] >= 0.5 {
		t.Errorf("history proficiency = %v, want lowered", p.TopicProficiency["history"])
	}

	recs, _ := mems.Query(ctx, "u1", memory.Filter{Types: []memory.Type{memory.TypeCorrection}})
	if len(recs) != 3 {
		t.Fatalf("got %d corrections", len(recs))
	}
	if recs[0].Priority != memory.PriorityHigh || recs[0].Retention != memory.RetentionLongTerm {
		t.Errorf("correction record = %+v", recs[0])
	}
}

func TestConcurrentFeedbackIsSerialized(t *testing.T) {
	e, _, _ := newTestEngine()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.ApplyFeedback(ctx, Feedback{
				ID: fmt.Sprint("f", i), OwnerID: "u1", Type: FeedbackExplicit, Rating: 1 + i%5, Topic: "algebra",
			})
			if err != nil {
				t.Errorf("feedback %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	p, _ := e.Profile(ctx, "u1")
	if p.FeedbackCount != 50 {
		t.Errorf("feedback count = %d, want 50 (lost updates)", p.FeedbackCount)
	}
	if v := p.TopicProficiency["algebra"]; v < 0 || v > 1 {
		t.Errorf("proficiency %v out of range", v)
	}
}

func TestReplicasSharingStoreDoNotLoseUpdates(t *testing.T) {
	mems := memory.NewMemStore()
	profiles := NewMemProfileStore()
	replicas := []*Engine{
		NewEngine(profiles, mems, nil, DefaultOptions(), zap.NewNop()),
		NewEngine(profiles, mems, nil, DefaultOptions(), zap.NewNop()),
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := replicas[i%2]
			var err error
			if i%4 < 2 {
				_, err = e.ApplyFeedback(ctx, Feedback{ID: fmt.Sprint("f", i), OwnerID: "u1", Type: FeedbackExplicit, Rating: 4})
			} else {
				_, err = e.ApplyInteraction(ctx, Interaction{
					ID: fmt.Sprint("i", i), OwnerID: "u1", Query: "what is a ratio", Response: "A ratio compares two quantities.",
					Topic: "ratios", Complexity: "basic", IsValid: true, ValidationScore: 0.8, CreatedAt: time.Now().UTC(),
				})
			}
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	p, err := profiles.Get(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.FeedbackCount != 20 || p.InteractionCount != 20 {
		t.Errorf("feedback=%d interactions=%d, want 20 each (lost updates)", p.FeedbackCount, p.InteractionCount)
	}
	if !p.applied("i2") || !p.applied("feedback:f1") {
		t.Error("applied ids missing")
	}
}

func TestUpdateNilResultLeavesStoreUntouched(t *testing.T) {
	profiles := NewMemProfileStore()
	ctx := context.Background()
	err := profiles.Update(ctx, "u1", func(cur *Profile) (*Profile, error) {
		if cur != nil {
			t.Errorf("unknown owner should start from nil, got %+v", cur)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := profiles.Get(ctx, "u1"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("nil update persisted a profile: %v", err)
	}

	boom := errors.New("boom")
	if err := profiles.Update(ctx, "u1", func(*Profile) (*Profile, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestProjectDoesNotPersist(t *testing.T) {
	e, _, profiles := newTestEngine()
	ctx := context.Background()
	s := e.Project(ctx, Interaction{ID: "i", OwnerID: "u1", Query: "draw a diagram of the water cycle", Topic: "earth_science", Complexity: "basic"})
	if s.ProfileDelta.Styles[StyleVisual] <= 0 {
		t.Errorf("delta = %+v", s.ProfileDelta)
	}
	if s.Suggestions == nil {
		t.Error("suggestions should be non-nil")
	}
	if _, err := profiles.Get(ctx, "u1"); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("projection persisted a profile: %v", err)
	}
}

func TestSuggestions(t *testing.T) {
	p := NewProfile("u1", time.Now())
	p.LearningStyleWeights[StyleStepByStep] = 0.9
	p.TopicProficiency["fractions"] = 0.2
	p.Patterns = []string{PatternLowSatisfaction}

	got := Suggestions(p, "fractions")
	want := []string{
		"Break the explanation into numbered steps.",
		"Review the fundamentals of fractions before going further.",
		"Check understanding with a short question at the end.",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestFeedbackValidation(t *testing.T) {
	cases := []Feedback{
		{Type: FeedbackExplicit, Rating: 3},
		{OwnerID: "u1", Type: FeedbackExplicit},
		{OwnerID: "u1", Type: FeedbackExplicit, Rating: 9},
		{OwnerID: "u1", Type: FeedbackCorrection},
		{OwnerID: "u1", Type: "shrug"},
	}
	for _, f := range cases {
		if err := f.Validate(); !errors.Is(err, ErrInvalidFeedback) {
			t.Errorf("%+v: err = %v", f, err)
		}
	}
}

func TestSubmitFeedbackThroughWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	e, _, profiles := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	if err := e.Finalize(context.Background(), Interaction{ID: "i1", OwnerID: "u1", Query: "what is a prime", Topic: "number_theory"}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	id, err := e.SubmitFeedback(context.Background(), Feedback{OwnerID: "u1", InteractionID: "i1", Type: FeedbackSatisfaction, Rating: 5})
	if err != nil || id == "" {
		t.Fatalf("submit: %q %v", id, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, err := profiles.Get(context.Background(), "u1"); err == nil && p.InteractionCount == 1 && p.FeedbackCount == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	p, err := profiles.Get(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.InteractionCount != 1 || p.FeedbackCount != 1 {
		t.Errorf("profile = %+v", p)
	}
}
