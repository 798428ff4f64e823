package validation

import (
	"context"
	"math"
	"strings"

	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/memory"
)

var hedges = []string{
	"i'm not sure", "i am not sure", "not entirely sure", "not completely sure", "i'm not certain",
	"not certain", "i think", "i believe", "i guess", "probably", "possibly", "perhaps", "maybe",
	"might be", "may be", "it seems", "as far as i know", "if i recall", "i could be wrong",
	"not 100%", "roughly",
}

var temporalCues = []string{
	"latest", "currently", "current", "right now", "nowadays", "today", "recent", "recently",
	"this year", "as of", "newest", "up to date", "at the moment", "these days",
}

var absolutes = []string{
	"always", "never", "definitely", "guaranteed", "certainly", "undoubtedly", "100%", "without exception",
}

// Factor weights.
const (
	hedgeWeight        = 0.12
	maxHedgeWeight     = 0.4
	noContextWeight    = 0.15
	weakSupportWeight  = 0.1
	temporalWeight     = 0.15
	hedgedTemporal     = 0.1
	absoluteWeight     = 0.05
	maxAbsoluteWeight  = 0.15
	shortResponseChars = 20
	shortWeight        = 0.05
)

// SignalScorer derives a ConfidenceScore from surface signals of the
// response and its context.
type SignalScorer struct {
	accept float64
	reject float64
}

// NewSignalScorer creates a scorer with the given recommendation thresholds.
func NewSignalScorer(accept, reject float64) *SignalScorer {
	if accept <= 0 || accept > 1 {
		accept = 0.75
	}
	if reject <= 0 || reject >= accept {
		reject = 0.4
	}
	return &SignalScorer{accept: accept, reject: reject}
}

func (s *SignalScorer) Score(ctx context.Context, in Input) (ConfidenceScore, error) {
	if err := ctx.Err(); err != nil {
		return ConfidenceScore{}, err
	}
	text := normalizeQuotes(strings.ToLower(in.Response))
	query := strings.ToLower(in.Query)

	var factors []UncertaintyFactor
	add := func(name string, w float64) {
		if w > 0 {
			factors = append(factors, UncertaintyFactor{Factor: name, Weight: round3(w)})
		}
	}

	hedgeCount := countPhrases(text, hedges)
	add("hedging_language", math.Min(maxHedgeWeight, hedgeWeight*float64(hedgeCount)))

	evidence := in.Context.Evidence()
	if len(evidence) == 0 && len(in.Memories) == 0 {
		add("no_corroborating_context", noContextWeight)
	} else if support := contextSupport(in.Response, evidence, in.Memories); support < 0.2 {
		add("weak_context_support", weakSupportWeight)
	}

	temporal := countPhrases(text, temporalCues) > 0 || countPhrases(query, temporalCues) > 0 || mentionsYear(text)
	if temporal {
		add("temporal_sensitivity", temporalWeight)
		if hedgeCount > 0 {
			add("hedged_temporal_claim", hedgedTemporal)
		}
	}

	if q, ok := memoryReliability(evidence); ok && q < 0.5 {
		add("low_source_reliability", (0.5-q)*0.4)
	}

	add("absolute_language", math.Min(maxAbsoluteWeight, absoluteWeight*float64(countPhrases(text, absolutes))))

	if n := len(strings.TrimSpace(in.Response)); n < shortResponseChars {
		add("very_short_response", shortWeight)
	}

	overall := 1.0
	for _, f := range factors {
		overall -= f.Weight
	}
	overall = round3(clamp01(overall))

	return ConfidenceScore{
		Overall:            overall,
		Level:              levelFor(overall, s.accept, s.reject),
		Recommendation:     s.recommend(overall),
		UncertaintyFactors: factors,
	}, nil
}

func (s *SignalScorer) recommend(overall float64) Recommendation {
	switch {
	case overall >= s.accept:
		return Accept
	case overall >= s.reject:
		return Review
	default:
		return Reject
	}
}

func levelFor(overall, accept, reject float64) ConfidenceLevel {
	switch {
	case overall >= accept:
		return ConfidenceHigh
	case overall >= reject:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// contextSupport is the share of response keywords found anywhere in the evidence.
func contextSupport(response string, evidence []contextbuild.Fragment, mems []memory.Scored) float64 {
	keys := Parse(response).Keys
	if len(keys) == 0 {
		return 1
	}
	var sb strings.Builder
	for _, f := range evidence {
		sb.WriteString(f.Content)
		sb.WriteByte(' ')
	}
	for _, m := range mems {
		sb.WriteString(m.Record.Content)
		sb.WriteByte(' ')
	}
	return coverage(Proposition{Keys: keys}, Parse(sb.String()))
}

// memoryReliability is the mean quality of the memory fragments in context.
func memoryReliability(evidence []contextbuild.Fragment) (float64, bool) {
	var sum float64
	n := 0
	for _, f := range evidence {
		if f.Kind != contextbuild.KindMemory {
			continue
		}
		sum += f.Quality
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func countPhrases(text string, phrases []string) int {
	n := 0
	for _, p := range phrases {
		if containsPhrase(text, p) {
			n++
		}
	}
	return n
}

// containsPhrase matches p on word boundaries.
func containsPhrase(text, p string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], p)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(p)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

func mentionsYear(text string) bool {
	for _, tok := range memory.Tokenize(text) {
		if isYear(tok) && tok >= "2020" {
			return true
		}
	}
	return false
}

func normalizeQuotes(s string) string {
	return strings.ReplaceAll(s, "’", "'")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
