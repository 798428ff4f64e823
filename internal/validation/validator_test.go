package validation

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/memory"
	"go.uber.org/zap"
)

func TestSplitSentences(t *testing.T) {
	got := SplitSentences("Pi is about 3.14. It is irrational! Is it rational? e.g. this stays\n- bullet point")
	want := []string{"Pi is about 3.14.", "It is irrational!", "Is it rational?", "e.g. this stays", "bullet point"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestParsePolarity(t *testing.T) {
	a := Parse("Water doesn't boil at 90 degrees.")
	b := Parse("Water boils at 90 degrees.")
	if !a.Negated || b.Negated {
		t.Errorf("negation: a=%v b=%v", a.Negated, b.Negated)
	}
	if !sameKeys(a, b) {
		t.Errorf("keys differ: %v vs %v", a.Keys, b.Keys)
	}
	if len(a.Numbers) != 1 || a.Numbers[0] != "90" {
		t.Errorf("numbers = %v", a.Numbers)
	}
	if Parse("It is not untrue that cats purr.").Negated {
		t.Error("double negation should cancel")
	}
}

func TestExtractClaimsSkipsQuestions(t *testing.T) {
	claims := ExtractClaims("Do you know fractions? A fraction represents part of a whole. Great!")
	if len(claims) != 1 || !strings.HasPrefix(claims[0], "A fraction") {
		t.Errorf("claims = %q", claims)
	}
}

func memoryInput(response string, mems ...string) Input {
	var scored []memory.Scored
	for i, m := range mems {
		scored = append(scored, memory.Scored{
			Record: memory.Record{ID: string(rune('a' + i)), OwnerID: "u1", Content: m, QualityScore: 0.9, Priority: memory.PriorityMedium},
			Score:  0.8,
		})
	}
	b := contextbuild.NewBuilder(contextbuild.DefaultOptions(), zap.NewNop())
	return Input{
		Response: response,
		Memories: scored,
		Context:  b.Build(contextbuild.Input{Message: "q", Memories: scored}),
	}
}

func TestFactCheckLabels(t *testing.T) {
	fc := NewClaimChecker(0.5, nil, zap.NewNop())
	mem := "Water boils at 100 degrees Celsius at sea level."

	cases := []struct {
		response string
		want     Support
	}{
		{"Water boils at 100 degrees Celsius at sea level.", Supported},
		{"Water boils at 90 degrees Celsius at sea level.", Contradicted},
		{"Water never boils at sea level.", Contradicted},
		{"Water is wet and clear.", Unsupported},
		{"The mitochondria powers the cell.", Unverifiable},
	}
	for _, tc := range cases {
		got, err := fc.Check(context.Background(), memoryInput(tc.response, mem))
		if err != nil {
			t.Fatalf("%q: %v", tc.response, err)
		}
		if len(got.Claims) != 1 || got.Claims[0].Label != tc.want {
			t.Errorf("%q: got %+v, want %s", tc.response, got.Claims, tc.want)
		}
	}
}

func TestFactCheckRatioThreshold(t *testing.T) {
	fc := NewClaimChecker(0.5, nil, zap.NewNop())
	in := memoryInput("Water boils at 90 degrees Celsius at sea level. Water is wet and clear.",
		"Water boils at 100 degrees Celsius at sea level.")
	got, _ := fc.Check(context.Background(), in)
	if got.Passed || got.UnsupportedRatio != 1 {
		t.Errorf("got %+v, want failed with ratio 1", got)
	}

	got, _ = fc.Check(context.Background(), memoryInput("Hello!"))
	if !got.Passed || got.Score != 1 {
		t.Errorf("no claims should pass: %+v", got)
	}
}

type labelVerifier struct{ label Support }

func (v labelVerifier) Verify(context.Context, string, []string) (Support, error) { return v.label, nil }

func TestFactCheckUsesVerifier(t *testing.T) {
	fc := NewClaimChecker(0.5, labelVerifier{Supported}, zap.NewNop())
	got, _ := fc.Check(context.Background(), memoryInput("The mitochondria powers the cell."))
	if got.Supported != 1 {
		t.Errorf("verifier label ignored: %+v", got)
	}
}

func TestCrossTurnContradictionRejects(t *testing.T) {
	v := New(DefaultOptions(), nil, zap.NewNop())
	res, err := v.Validate(context.Background(), Input{
		Query:    "So can you see it from space?",
		Response: "It is true that the Great Wall is visible from space.",
		History: []contextbuild.Turn{
			{Role: "user", Content: "Is the Great Wall visible from space?"},
			{Role: "assistant", Content: "It is false that the Great Wall is visible from space."},
		},
		Classification: classifier.Classification{RequiredValidationLevel: classifier.LevelStandard},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	var found bool
	for _, c := range res.Contradictions {
		if c.Type == ContradictionCrossTurn && c.Severity >= 0.8 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no severe cross_turn contradiction: %+v", res.Contradictions)
	}
	if res.IsValid {
		t.Error("severe contradiction must invalidate")
	}
	if flagged := res.FlaggedClaims(); len(flagged) == 0 || !strings.Contains(flagged[0], "Great Wall") {
		t.Errorf("flagged = %q", flagged)
	}
}

func TestSelfAndContextualContradictions(t *testing.T) {
	d := NewPolarityDetector()
	got, _ := d.Detect(context.Background(), Input{
		Response: "The Battle of Hastings was fought in 1066. The Battle of Hastings was fought in 1067.",
	})
	if len(got) != 1 || got[0].Type != ContradictionTemporal {
		t.Errorf("self temporal: %+v", got)
	}

	long := memory.Record{
		ID: "m", OwnerID: "u1", Content: "Asha is allergic to peanuts.",
		Priority: memory.PriorityCritical, Retention: memory.RetentionPermanent,
	}
	got, _ = d.Detect(context.Background(), Input{
		Response: "Asha is not allergic to peanuts.",
		Memories: []memory.Scored{{Record: long, Score: 0.9}},
	})
	if len(got) != 1 || got[0].Type != ContradictionContextual || got[0].Severity != 1 {
		t.Errorf("contextual: %+v", got)
	}

	long.Priority = memory.PriorityLow
	got, _ = d.Detect(context.Background(), Input{
		Response: "Asha is not allergic to peanuts.",
		Memories: []memory.Scored{{Record: long, Score: 0.9}},
	})
	if len(got) != 0 {
		t.Errorf("low-priority memories are not checked: %+v", got)
	}
}

func TestSymbolicSubjectCrossTurn(t *testing.T) {
	v := New(DefaultOptions(), nil, zap.NewNop())
	res, err := v.Validate(context.Background(), Input{
		Query:    "Is X true?",
		Response: "X is true.",
		History: []contextbuild.Turn{
			{Role: "assistant", Content: "X is false."},
		},
		Classification: classifier.Classification{RequiredValidationLevel: classifier.LevelStandard},
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(res.Contradictions) == 0 || res.Contradictions[0].Type != ContradictionCrossTurn {
		t.Fatalf("contradictions = %+v", res.Contradictions)
	}
	if res.IsValid {
		t.Error("reversing an earlier answer about X must invalidate")
	}
}

func TestNamedVersionsAreDistinctSubjects(t *testing.T) {
	d := NewPolarityDetector()
	got, _ := d.Detect(context.Background(), Input{
		Response: "Python 2 was released in 2000. Python 3 was released in 2008.",
	})
	if len(got) != 0 {
		t.Errorf("different versions reported as conflicting: %+v", got)
	}

	got, _ = d.Detect(context.Background(), Input{
		Response: "Python 3 was released in 2008. Python 3 was released in 2009.",
	})
	if len(got) != 1 || got[0].Type != ContradictionTemporal {
		t.Errorf("same version, different dates: %+v", got)
	}

	p := Parse("Chapter 4 covers 12 exercises.")
	if !reflect.DeepEqual(p.Keys, []string{"chapter 4", "cover", "exercise"}) || !reflect.DeepEqual(p.Numbers, []string{"12"}) {
		t.Errorf("keys=%v numbers=%v", p.Keys, p.Numbers)
	}
}

func TestHedgedTemporalClaimLowersConfidence(t *testing.T) {
	s := NewSignalScorer(0.75, 0.4)
	got, err := s.Score(context.Background(), Input{
		Query:    "What is the latest version of Python?",
		Response: "I'm not entirely sure, but I think the latest version of Python is 3.12.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Level == ConfidenceHigh {
		t.Errorf("level = %s (overall %.2f), want below high", got.Level, got.Overall)
	}
	names := map[string]bool{}
	for _, f := range got.UncertaintyFactors {
		names[f.Factor] = true
	}
	for _, want := range []string{"hedging_language", "temporal_sensitivity", "hedged_temporal_claim"} {
		if !names[want] {
			t.Errorf("missing factor %s in %+v", want, got.UncertaintyFactors)
		}
	}

	plain, _ := s.Score(context.Background(), Input{
		Response: "Photosynthesis converts light energy into chemical energy stored in glucose.",
	})
	if plain.Recommendation != Accept {
		t.Errorf("plain answer: %+v", plain)
	}
}

func TestLowQualityMemoryReducesConfidence(t *testing.T) {
	s := NewSignalScorer(0.75, 0.4)
	in := memoryInput("Your favourite subject is chemistry.", "Favourite subject is chemistry")
	high, _ := s.Score(context.Background(), in)
	for i := range in.Context.Fragments {
		in.Context.Fragments[i].Quality = 0.1
	}
	low, _ := s.Score(context.Background(), in)
	if low.Overall >= high.Overall {
		t.Errorf("quality 0.1 overall %.3f should be below %.3f", low.Overall, high.Overall)
	}
}

type failingFact struct{}

func (failingFact) Check(context.Context, Input) (FactCheck, error) {
	return FactCheck{}, errors.New("index offline")
}

type blockingContra struct{}

func (blockingContra) Detect(ctx context.Context, _ Input) ([]Contradiction, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSubCheckFailureScoresNeutral(t *testing.T) {
	v := NewWithChecks(DefaultOptions(), failingFact{}, NewSignalScorer(0.75, 0.4), NewPolarityDetector(), zap.NewNop())
	res, err := v.Validate(context.Background(), Input{
		Response:       "Photosynthesis converts light energy into chemical energy.",
		Classification: classifier.Classification{RequiredValidationLevel: classifier.LevelStandard},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FactCheck.Score != 0.5 || !res.IsValid {
		t.Errorf("got %+v", res)
	}
	if len(res.Issues) == 0 || res.Issues[0].Code != CodeSubCheckFailure || res.Issues[0].Severity != SeverityInfo {
		t.Errorf("issues = %+v", res.Issues)
	}
}

func TestSubCheckJoinIsBounded(t *testing.T) {
	opts := DefaultOptions()
	opts.Timeout = 30 * time.Millisecond
	v := NewWithChecks(opts, NewClaimChecker(0.5, nil, zap.NewNop()), NewSignalScorer(0.75, 0.4), blockingContra{}, zap.NewNop())

	start := time.Now()
	res, err := v.Validate(context.Background(), Input{Response: "Cells divide by mitosis."})
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > time.Second {
		t.Error("join not bounded")
	}
	var timedOut bool
	for _, is := range res.Issues {
		if is.Code == CodeSubCheckFailure && strings.Contains(is.Message, "timed out") {
			timedOut = true
		}
	}
	if !timedOut {
		t.Errorf("issues = %+v", res.Issues)
	}
}

func TestParentCancellationDiscardsResult(t *testing.T) {
	v := New(DefaultOptions(), nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.Validate(ctx, Input{Response: "Cells divide by mitosis."}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestValidationScoreInRange(t *testing.T) {
	v := New(DefaultOptions(), nil, zap.NewNop())
	responses := []string{
		"",
		"ok",
		"Always always always. Never never. I'm not sure, maybe, perhaps, probably, I think, I guess.",
		"The answer is 4. The answer is not 4. The answer is 5.",
		strings.Repeat("Mitosis creates two identical cells. ", 30),
	}
	for _, lvl := range []classifier.ValidationLevel{classifier.LevelBasic, classifier.LevelStandard, classifier.LevelEnhanced} {
		for _, r := range responses {
			res, err := v.Validate(context.Background(), Input{
				Response:       r,
				Classification: classifier.Classification{RequiredValidationLevel: lvl},
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.ValidationScore < 0 || res.ValidationScore > 1 {
				t.Errorf("%s %q: score %v", lvl, r, res.ValidationScore)
			}
		}
	}
}

type fakeCompleter struct {
	reply string
	err   error
}

func (f fakeCompleter) Complete(context.Context, string, string, int) (string, error) {
	return f.reply, f.err
}

func TestLLMVerifier(t *testing.T) {
	v := NewLLMVerifier(fakeCompleter{reply: `Label: {"label": "Contradicted"}`}, zap.NewNop())
	got, err := v.Verify(context.Background(), "The sun orbits the earth.", nil)
	if err != nil || got != Contradicted {
		t.Errorf("got %s, %v", got, err)
	}
	if _, err := NewLLMVerifier(fakeCompleter{reply: `{"label":"maybe"}`}, zap.NewNop()).Verify(context.Background(), "x", nil); err == nil {
		t.Error("unknown label should fail")
	}
	if _, err := NewLLMVerifier(fakeCompleter{err: errors.New("down")}, zap.NewNop()).Verify(context.Background(), "x", nil); err == nil {
		t.Error("completer error should propagate")
	}
}
