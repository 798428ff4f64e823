package validation

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Overlap bands used to label a claim against its best evidence sentence.
const (
	minRelatedOverlap = 0.15
	supportOverlap    = 0.5
)

// ClaimChecker labels each claim by its best-covering evidence sentence and
// defers undecided claims to an optional Verifier.
type ClaimChecker struct {
	threshold float64
	verifier  Verifier
	logger    *zap.Logger
}

// NewClaimChecker creates a fact checker. verifier may be nil.
func NewClaimChecker(threshold float64, verifier Verifier, logger *zap.Logger) *ClaimChecker {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.5
	}
	return &ClaimChecker{threshold: threshold, verifier: verifier, logger: logger}
}

func (c *ClaimChecker) Check(ctx context.Context, in Input) (FactCheck, error) {
	evidence := evidenceTexts(in)
	var props []Proposition
	for _, e := range evidence {
		props = append(props, parseAll(e)...)
	}

	claims := ExtractClaims(in.Response)
	fc := FactCheck{Claims: make([]Claim, 0, len(claims))}
	for _, text := range claims {
		if err := ctx.Err(); err != nil {
			return FactCheck{}, err
		}
		claim := labelClaim(Parse(text), props)

		if c.verifier != nil && (claim.Label == Unverifiable || claim.Label == Unsupported) {
			label, err := c.verifier.Verify(ctx, text, evidence)
			switch {
			case err != nil:
				c.logger.Debug("claim verification failed", zap.String("claim", text), zap.Error(err))
			case label != "":
				claim.Label = label
			}
		}

		switch claim.Label {
		case Supported:
			fc.Supported++
		case Unsupported:
			fc.Unsupported++
		case Contradicted:
			fc.Contradicted++
		default:
			fc.Unverifiable++
		}
		fc.Claims = append(fc.Claims, claim)
	}

	total := len(fc.Claims)
	if total == 0 {
		fc.Passed = true
		fc.Score = 1
		return fc, nil
	}
	fc.UnsupportedRatio = float64(fc.Unsupported+fc.Contradicted) / float64(total)
	fc.Passed = fc.UnsupportedRatio <= c.threshold
	fc.Score = (float64(fc.Supported) + 0.5*float64(fc.Unverifiable)) / float64(total)
	return fc, nil
}

func labelClaim(claim Proposition, evidence []Proposition) Claim {
	out := Claim{Text: claim.Text, Label: Unverifiable}
	var best Proposition
	for _, e := range evidence {
		if ov := coverage(claim, e); ov > out.Overlap {
			out.Overlap, best = ov, e
		}
	}
	switch {
	case out.Overlap < minRelatedOverlap:
		return out
	case out.Overlap < supportOverlap:
		out.Label = Unsupported
	case best.Negated != claim.Negated || numbersConflict(claim, best):
		out.Label = Contradicted
	default:
		out.Label = Supported
	}
	out.Evidence = best.Text
	return out
}

// evidenceTexts gathers memory and prior-turn content, preferring the packed
// context and falling back to the raw inputs.
func evidenceTexts(in Input) []string {
	var out []string
	for _, f := range in.Context.Evidence() {
		out = append(out, f.Content)
	}
	if len(out) > 0 {
		return out
	}
	for _, m := range in.Memories {
		out = append(out, m.Record.Content)
	}
	for _, t := range in.History {
		if strings.TrimSpace(t.Content) != "" {
			out = append(out, t.Content)
		}
	}
	return out
}
