// Package classifier decides what kind of request a user message is: whether
// it is about the user, which topic it belongs to, how hard and how urgent it
// is, and therefore how strictly the answer must be validated.
package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrClassificationDegraded is logged when the intent scorer could not be used.
var ErrClassificationDegraded = errors.New("classification degraded to keyword heuristics")

// IntentScorer estimates the probability that text is a question about the user.
type IntentScorer interface {
	ScorePersonal(ctx context.Context, text string) (float64, error)
}

// Options configures a Classifier.
type Options struct {
	// PersonalThreshold is the combined score at which a query is personal.
	PersonalThreshold float64
	// TieBand widens the threshold downward when a pronoun cue is present.
	TieBand float64
	// ScorerWeight is the share of the scorer in the combined personal score.
	ScorerWeight float64
	// ScorerTimeout bounds each scorer call.
	ScorerTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		PersonalThreshold: 0.5,
		TieBand:           0.1,
		ScorerWeight:      0.5,
		ScorerTimeout:     2 * time.Second,
	}
}

// Classifier evaluates the rule table and an optional intent scorer.
type Classifier struct {
	rules    []Rule
	taxonomy []Topic
	scorer   IntentScorer
	opts     Options
	inflight singleflight.Group
	logger   *zap.Logger
}

// New creates a classifier. scorer may be nil, in which case classification
// is purely rule based (and not marked degraded).
func New(scorer IntentScorer, opts Options, logger *zap.Logger) *Classifier {
	def := DefaultOptions()
	if opts.PersonalThreshold <= 0 {
		opts.PersonalThreshold = def.PersonalThreshold
	}
	if opts.TieBand < 0 {
		opts.TieBand = 0
	}
	if opts.ScorerWeight <= 0 || opts.ScorerWeight > 1 {
		opts.ScorerWeight = def.ScorerWeight
	}
	if opts.ScorerTimeout <= 0 {
		opts.ScorerTimeout = def.ScorerTimeout
	}
	return &Classifier{
		rules:    DefaultRules(),
		taxonomy: DefaultTaxonomy(),
		scorer:   scorer,
		opts:     opts,
		logger:   logger,
	}
}

// WithRules replaces the rule table.
func (c *Classifier) WithRules(rules []Rule) *Classifier {
	c.rules = rules
	return c
}

// Classify never fails: scorer problems degrade to keyword heuristics.
// Concurrent calls with identical input share one evaluation.
func (c *Classifier) Classify(ctx context.Context, text string, hints Hints) Classification {
	ctx, span := otel.Tracer("groundwork/classifier").Start(ctx, "classifier.Classify")
	defer span.End()

	key := cacheKey(text, hints)
	v, _, shared := c.inflight.Do(key, func() (any, error) {
		return c.classify(ctx, text, hints), nil
	})
	cls := v.(Classification)
	cls.Signals = append([]string(nil), cls.Signals...)

	span.SetAttributes(
		attribute.Bool("personal", cls.IsPersonalQuery),
		attribute.String("topic", cls.Topic),
		attribute.String("level", string(cls.RequiredValidationLevel)),
		attribute.Bool("degraded", cls.Degraded),
		attribute.Bool("shared", shared),
	)
	return cls
}

func (c *Classifier) classify(ctx context.Context, text string, hints Hints) Classification {
	lower := strings.ToLower(text)

	scores := map[Dimension]map[string]float64{}
	var signals []string
	pronounCue := false
	for _, r := range c.rules {
		if !r.Pattern.MatchString(lower) {
			continue
		}
		if scores[r.Dimension] == nil {
			scores[r.Dimension] = map[string]float64{}
		}
		scores[r.Dimension][r.Value] += r.Weight
		signals = append(signals, r.Name)
		if r.Pronoun {
			pronounCue = true
		}
	}

	cls := Classification{Signals: signals}

	lexical := clamp01(scores[DimPersonal]["personal"])
	combined := lexical
	if c.scorer != nil {
		p, err := c.scorePersonal(ctx, text)
		if err != nil {
			cls.Degraded = true
			metrics.ClassifierDegraded()
			c.logger.Warn("intent scorer unavailable, using keyword heuristics",
				zap.Error(errors.Join(ErrClassificationDegraded, err)))
		} else {
			w := c.opts.ScorerWeight
			combined = (1-w)*lexical + w*clamp01(p)
			cls.Signals = append(cls.Signals, "intent_scorer")
		}
	}
	cls.PersonalScore = combined
	cls.IsPersonalQuery = combined >= c.opts.PersonalThreshold ||
		(pronounCue && combined >= c.opts.PersonalThreshold-c.opts.TieBand)

	cls.Topic, cls.Subject = c.topicOf(lower, hints.Subject)
	cls.Complexity = complexityOf(scores[DimComplexity], text, hints.Complexity)
	cls.Urgency = urgencyOf(scores[DimUrgency], hints.Urgency)
	cls.RequiredValidationLevel = levelOf(cls, scores[DimTemporal]["temporal"] > 0)

	sort.Strings(cls.Signals)
	return cls
}

func (c *Classifier) scorePersonal(ctx context.Context, text string) (float64, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.ScorerTimeout)
	defer cancel()
	return c.scorer.ScorePersonal(sctx, text)
}

// topicOf picks the taxonomy leaf with the most keyword hits; ties go to the
// earlier leaf. A subject hint restricts the candidates.
func (c *Classifier) topicOf(lower, subjectHint string) (topic, subject string) {
	tokens := make(map[string]bool)
	for _, w := range memory.Tokenize(lower) {
		tokens[w] = true
	}
	subjectHint = strings.ToLower(strings.TrimSpace(subjectHint))

	best, bestHits := -1, 0
	for i, t := range c.taxonomy {
		if subjectHint != "" && t.Subject != subjectHint {
			continue
		}
		hits := 0
		for _, kw := range t.Keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					hits++
				}
			} else if tokens[kw] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		if subjectHint != "" {
			return "general", subjectHint
		}
		return "general", "general"
	}
	return c.taxonomy[best].Name, c.taxonomy[best].Subject
}

var complexityOrder = []Complexity{ComplexityAdvanced, ComplexityIntermediate, ComplexityBasic}

func complexityOf(scores map[string]float64, text string, hint Complexity) Complexity {
	if hint != "" {
		return hint
	}
	best, bestScore := Complexity(""), 0.0
	for _, c := range complexityOrder {
		if s := scores[string(c)]; s > bestScore {
			best, bestScore = c, s
		}
	}
	if best != "" {
		return best
	}
	switch n := len(memory.Tokenize(text)); {
	case n < 12:
		return ComplexityBasic
	case n < 40:
		return ComplexityIntermediate
	default:
		return ComplexityAdvanced
	}
}

func urgencyOf(scores map[string]float64, hint Urgency) Urgency {
	if hint != "" {
		return hint
	}
	if scores[string(UrgencyTimeSensitive)] > 0 {
		return UrgencyTimeSensitive
	}
	if scores[string(UrgencyLow)] > 0 {
		return UrgencyLow
	}
	return UrgencyNormal
}

func levelOf(cls Classification, temporal bool) ValidationLevel {
	switch {
	case cls.Degraded:
		return LevelBasic
	case cls.Topic == "smalltalk":
		return LevelBasic
	case cls.Urgency == UrgencyTimeSensitive, cls.Complexity == ComplexityAdvanced, temporal:
		return LevelEnhanced
	default:
		return LevelStandard
	}
}

func cacheKey(text string, hints Hints) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(hints.Subject + "|" + string(hints.Urgency) + "|" + string(hints.Complexity)))
	return hex.EncodeToString(h.Sum(nil))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
