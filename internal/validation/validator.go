// Package validation checks a candidate response for unsupported claims,
// low confidence and contradictions, and folds the three checks into one
// verdict.
package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("groundwork/validation")

// Weights blend the three sub-scores.
type Weights struct {
	Fact          float64
	Confidence    float64
	Contradiction float64
}

// Options configures the validator.
type Options struct {
	FactThreshold       float64
	AcceptThreshold     float64
	RejectThreshold     float64
	SevereContradiction float64
	Weights             map[classifier.ValidationLevel]Weights
	// Timeout bounds the join of the three sub-checks.
	Timeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		FactThreshold:       0.5,
		AcceptThreshold:     0.75,
		RejectThreshold:     0.4,
		SevereContradiction: 0.8,
		Weights: map[classifier.ValidationLevel]Weights{
			classifier.LevelBasic:    {Fact: 0.3, Confidence: 0.4, Contradiction: 0.3},
			classifier.LevelStandard: {Fact: 0.4, Confidence: 0.3, Contradiction: 0.3},
			classifier.LevelEnhanced: {Fact: 0.45, Confidence: 0.25, Contradiction: 0.3},
		},
		Timeout: 5 * time.Second,
	}
}

// Validator runs the sub-checks concurrently.
type Validator struct {
	fact   FactChecker
	conf   ConfidenceScorer
	contra ContradictionDetector
	opts   Options
	logger *zap.Logger
}

// New creates a validator with the built-in sub-checks. verifier may be nil.
func New(opts Options, verifier Verifier, logger *zap.Logger) *Validator {
	opts = withDefaults(opts)
	return NewWithChecks(opts,
		NewClaimChecker(opts.FactThreshold, verifier, logger),
		NewSignalScorer(opts.AcceptThreshold, opts.RejectThreshold),
		NewPolarityDetector(),
		logger)
}

// NewWithChecks creates a validator from explicit sub-checks.
func NewWithChecks(opts Options, fact FactChecker, conf ConfidenceScorer, contra ContradictionDetector, logger *zap.Logger) *Validator {
	return &Validator{
		fact:   fact,
		conf:   conf,
		contra: contra,
		opts:   withDefaults(opts),
		logger: logger,
	}
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.FactThreshold <= 0 {
		opts.FactThreshold = def.FactThreshold
	}
	if opts.AcceptThreshold <= 0 {
		opts.AcceptThreshold = def.AcceptThreshold
	}
	if opts.RejectThreshold <= 0 {
		opts.RejectThreshold = def.RejectThreshold
	}
	if opts.SevereContradiction <= 0 {
		opts.SevereContradiction = def.SevereContradiction
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Weights == nil {
		opts.Weights = def.Weights
	} else {
		for lvl, w := range def.Weights {
			if _, ok := opts.Weights[lvl]; !ok {
				opts.Weights[lvl] = w
			}
		}
	}
	return opts
}

type outcome[T any] struct {
	val T
	err error
}

// Validate checks one candidate. It returns an error only when the parent
// context is cancelled; sub-check failures degrade to neutral scores.
func (v *Validator) Validate(ctx context.Context, in Input) (Result, error) {
	ctx, span := tracer.Start(ctx, "validation.validate")
	defer span.End()

	level := in.Classification.RequiredValidationLevel
	if level == "" {
		level = classifier.LevelStandard
	}
	span.SetAttributes(attribute.String("validation.level", string(level)))

	joinCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
	defer cancel()

	factCh := make(chan outcome[FactCheck], 1)
	confCh := make(chan outcome[ConfidenceScore], 1)
	contraCh := make(chan outcome[[]Contradiction], 1)

	var g errgroup.Group
	g.Go(func() error {
		fc, err := v.fact.Check(joinCtx, in)
		factCh <- outcome[FactCheck]{fc, err}
		return nil
	})
	g.Go(func() error {
		cs, err := v.conf.Score(joinCtx, in)
		confCh <- outcome[ConfidenceScore]{cs, err}
		return nil
	})
	g.Go(func() error {
		cs, err := v.contra.Detect(joinCtx, in)
		contraCh <- outcome[[]Contradiction]{cs, err}
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-joinCtx.Done():
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	res := Result{Level: level}

	fact, factErr := receive(factCh)
	if factErr != nil {
		res.addSubCheckFailure("fact_check", factErr)
		fact = FactCheck{Passed: true, Score: 0.5}
	}
	conf, confErr := receive(confCh)
	if confErr != nil {
		res.addSubCheckFailure("confidence", confErr)
		conf = ConfidenceScore{Overall: 0.5, Level: ConfidenceMedium, Recommendation: Review}
	}
	contradictions, contraErr := receive(contraCh)
	contraScore := 1.0
	if contraErr != nil {
		res.addSubCheckFailure("contradiction", contraErr)
		contraScore = 0.5
	}

	res.FactCheck = fact
	res.Confidence = conf
	res.Contradictions = contradictions
	if res.Contradictions == nil {
		res.Contradictions = []Contradiction{}
	}

	severe := false
	for _, c := range contradictions {
		contraScore = minFloat(contraScore, 1-c.Severity)
		if c.Severity >= v.opts.SevereContradiction {
			severe = true
		}
	}

	res.IsValid = fact.Passed && conf.Recommendation != Reject && !severe
	res.ValidationScore = v.aggregate(level, fact.Score, conf.Overall, contraScore)
	res.explain(v.opts.SevereContradiction)

	outcomeLabel := "valid"
	if !res.IsValid {
		outcomeLabel = "invalid"
	}
	metrics.ValidationOutcome(string(level), outcomeLabel, res.ValidationScore)
	span.SetAttributes(
		attribute.Bool("validation.valid", res.IsValid),
		attribute.Float64("validation.score", res.ValidationScore))

	v.logger.Debug("response validated",
		zap.String("level", string(level)),
		zap.Bool("valid", res.IsValid),
		zap.Float64("score", res.ValidationScore),
		zap.Int("claims", len(fact.Claims)),
		zap.Int("contradictions", len(contradictions)),
		zap.String("confidence", string(conf.Level)))
	return res, nil
}

func receive[T any](ch chan outcome[T]) (T, error) {
	select {
	case o := <-ch:
		if o.err != nil {
			return o.val, fmt.Errorf("%w: %w", ErrSubCheck, o.err)
		}
		return o.val, nil
	default:
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrSubCheck, context.DeadlineExceeded)
	}
}

func (v *Validator) aggregate(level classifier.ValidationLevel, fact, conf, contra float64) float64 {
	w, ok := v.opts.Weights[level]
	if !ok {
		w = v.opts.Weights[classifier.LevelStandard]
	}
	sum := w.Fact + w.Confidence + w.Contradiction
	if sum <= 0 {
		return round3(clamp01((fact + conf + contra) / 3))
	}
	return round3(clamp01((w.Fact*fact + w.Confidence*conf + w.Contradiction*contra) / sum))
}

func (r *Result) addSubCheckFailure(name string, err error) {
	metrics.SubCheckFailed(name)
	msg := name + " did not complete; scored neutral"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = name + " timed out; scored neutral"
	}
	r.Issues = append(r.Issues, Issue{Severity: SeverityInfo, Code: CodeSubCheckFailure, Message: msg})
}

// explain fills Issues and Recommendations from the sub-check outcomes.
func (r *Result) explain(severeAt float64) {
	fc := r.FactCheck
	if !fc.Passed {
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityError,
			Code:     CodeFactUnsupported,
			Message: fmt.Sprintf("%d of %d claims unsupported or contradicted by context (%.0f%%)",
				fc.Unsupported+fc.Contradicted, len(fc.Claims), fc.UnsupportedRatio*100),
		})
	}
	var flagged []string
	for _, c := range fc.Claims {
		if c.Label == Contradicted {
			flagged = append(flagged, c.Text)
		}
	}
	if len(flagged) > 0 {
		r.Recommendations = append(r.Recommendations, "Correct claims that conflict with known context: "+strings.Join(flagged, " | "))
	}
	if fc.Unsupported > 0 {
		r.Recommendations = append(r.Recommendations, "Ground or qualify claims the learner's context does not support")
	}

	switch r.Confidence.Recommendation {
	case Reject:
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityError,
			Code:     CodeLowConfidence,
			Message:  fmt.Sprintf("confidence %.2f below rejection threshold", r.Confidence.Overall),
		})
		r.Recommendations = append(r.Recommendations, "Regenerate with clearer grounding or return a safe fallback")
	case Review:
		r.Issues = append(r.Issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeReview,
			Message:  fmt.Sprintf("confidence %.2f; response should be reviewed", r.Confidence.Overall),
		})
	}
	for _, f := range r.Confidence.UncertaintyFactors {
		switch f.Factor {
		case "temporal_sensitivity":
			r.Recommendations = append(r.Recommendations, "Note that time-sensitive facts may have changed")
		case "hedging_language":
			r.Recommendations = append(r.Recommendations, "State uncertainty once and point to a reliable source")
		}
	}

	for _, c := range r.Contradictions {
		sev := SeverityWarning
		if c.Severity >= severeAt {
			sev = SeverityCritical
		}
		r.Issues = append(r.Issues, Issue{
			Severity: sev,
			Code:     CodeContradiction,
			Message:  fmt.Sprintf("%s contradiction (%.2f): %s", c.Type, c.Severity, c.Description),
		})
	}
	if len(r.Contradictions) > 0 {
		r.Recommendations = append(r.Recommendations, "Resolve the conflicting statements before answering")
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
