package validation

import (
	"context"
	"errors"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/memory"
)

// ErrSubCheck marks a sub-check that failed or did not finish in time.
var ErrSubCheck = errors.New("validation sub-check failed")

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue codes.
const (
	CodeFactUnsupported   = "FACT_UNSUPPORTED"
	CodeLowConfidence     = "LOW_CONFIDENCE"
	CodeReview            = "REVIEW_RECOMMENDED"
	CodeContradiction     = "CONTRADICTION"
	CodeSubCheckFailure   = "VALIDATION_SUBCHECK_FAILURE"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeGenerationFailure = "GENERATION_UNAVAILABLE"
)

type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Support labels a claim against the available evidence.
type Support string

const (
	Supported    Support = "supported"
	Unsupported  Support = "unsupported"
	Contradicted Support = "contradicted"
	Unverifiable Support = "unverifiable"
)

type Claim struct {
	Text     string  `json:"text"`
	Label    Support `json:"label"`
	Evidence string  `json:"evidence,omitempty"`
	Overlap  float64 `json:"overlap"`
}

// FactCheck summarizes claim support.
type FactCheck struct {
	Passed           bool    `json:"passed"`
	Score            float64 `json:"score"`
	Claims           []Claim `json:"claims"`
	Supported        int     `json:"supported"`
	Unsupported      int     `json:"unsupported"`
	Contradicted     int     `json:"contradicted"`
	Unverifiable     int     `json:"unverifiable"`
	UnsupportedRatio float64 `json:"unsupported_ratio"`
}

type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

type Recommendation string

const (
	Accept Recommendation = "accept"
	Review Recommendation = "review"
	Reject Recommendation = "reject"
)

type UncertaintyFactor struct {
	Factor string  `json:"factor"`
	Weight float64 `json:"weight"`
}

type ConfidenceScore struct {
	Overall            float64             `json:"overall"`
	Level              ConfidenceLevel     `json:"level"`
	Recommendation     Recommendation      `json:"recommendation"`
	UncertaintyFactors []UncertaintyFactor `json:"uncertainty_factors"`
}

type ContradictionType string

const (
	ContradictionSelf       ContradictionType = "self"
	ContradictionCrossTurn  ContradictionType = "cross_turn"
	ContradictionTemporal   ContradictionType = "temporal"
	ContradictionLogical    ContradictionType = "logical"
	ContradictionContextual ContradictionType = "contextual"
	ContradictionFactual    ContradictionType = "factual"
)

type Contradiction struct {
	Type        ContradictionType `json:"type"`
	Description string            `json:"description"`
	SpanA       string            `json:"span_a"`
	SpanB       string            `json:"span_b"`
	Severity    float64           `json:"severity"`
}

// Result is the verdict on one candidate response.
type Result struct {
	IsValid         bool                       `json:"is_valid"`
	ValidationScore float64                    `json:"validation_score"`
	Level           classifier.ValidationLevel `json:"level"`
	Issues          []Issue                    `json:"issues"`
	FactCheck       FactCheck                  `json:"fact_check"`
	Confidence      ConfidenceScore            `json:"confidence"`
	Contradictions  []Contradiction            `json:"contradictions"`
	Recommendations []string                   `json:"recommendations"`
}

// FlaggedClaims lists statements a regeneration should avoid.
func (r Result) FlaggedClaims() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, c := range r.FactCheck.Claims {
		if c.Label == Contradicted || c.Label == Unsupported {
			add(c.Text)
		}
	}
	for _, c := range r.Contradictions {
		add(c.SpanA)
	}
	return out
}

// Input is one candidate response plus everything it is checked against.
type Input struct {
	Query          string
	Response       string
	Classification classifier.Classification
	Context        contextbuild.GenerationContext
	History        []contextbuild.Turn
	Memories       []memory.Scored
}

// FactChecker labels the claims of a response.
type FactChecker interface {
	Check(ctx context.Context, in Input) (FactCheck, error)
}

// ConfidenceScorer estimates how much a response can be trusted.
type ConfidenceScorer interface {
	Score(ctx context.Context, in Input) (ConfidenceScore, error)
}

// ContradictionDetector finds conflicting statements.
type ContradictionDetector interface {
	Detect(ctx context.Context, in Input) ([]Contradiction, error)
}

// Verifier is an optional external source for claims the evidence cannot settle.
type Verifier interface {
	Verify(ctx context.Context, claim string, evidence []string) (Support, error)
}
