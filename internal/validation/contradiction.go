package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/nidhogg/groundwork/internal/memory"
)

const (
	// minConflictOverlap is the key overlap two statements need before a
	// polarity or number mismatch counts as a conflict.
	minConflictOverlap = 0.5
	// historyTurns bounds how far back cross-turn checks look.
	historyTurns = 6
)

// PolarityDetector finds statements that share a proposition but disagree on
// negation or on the numbers they state.
type PolarityDetector struct{}

func NewPolarityDetector() *PolarityDetector { return &PolarityDetector{} }

func (d *PolarityDetector) Detect(ctx context.Context, in Input) ([]Contradiction, error) {
	props := parseAll(in.Response)
	var out []Contradiction

	// Within the response.
	for i := 0; i < len(props); i++ {
		for j := i + 1; j < len(props); j++ {
			if c, ok := compare(props[j], props[i], ContradictionSelf); ok {
				out = append(out, c)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Against the preceding turns.
	hist := in.History
	if len(hist) > historyTurns {
		hist = hist[len(hist)-historyTurns:]
	}
	for _, t := range hist {
		for _, prior := range parseAll(t.Content) {
			for _, p := range props {
				if c, ok := compare(p, prior, ContradictionCrossTurn); ok {
					c.Description = fmt.Sprintf("conflicts with an earlier %s turn: %s", roleOf(t.Role), c.Description)
					out = append(out, c)
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Against established long-term memories.
	for _, m := range in.Memories {
		if !establishedMemory(m.Record) {
			continue
		}
		for _, fact := range parseAll(m.Record.Content) {
			for _, p := range props {
				if c, ok := compare(p, fact, ContradictionContextual); ok {
					c.Description = "conflicts with a stored memory: " + c.Description
					out = append(out, c)
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Severity > out[j].Severity })
	return out, nil
}

// compare returns a contradiction when a (from the response) conflicts with b.
// base is the report type for a plain polarity conflict; number and
// quantifier conflicts are reported as factual, temporal or logical.
func compare(a, b Proposition, base ContradictionType) (Contradiction, bool) {
	overlap := keyOverlap(a, b)
	if overlap < minConflictOverlap {
		return Contradiction{}, false
	}

	severity := 0.5 + 0.5*overlap
	if sameKeys(a, b) {
		severity = 1
	}

	var (
		typ  ContradictionType
		desc string
	)
	switch {
	case a.Negated != b.Negated:
		typ, desc = base, "opposite claims about the same statement"
		if base == ContradictionSelf && (a.Quantified || b.Quantified) {
			typ = ContradictionLogical
		}
	case numbersConflict(a, b):
		typ, desc = ContradictionFactual, "different figures for the same statement"
		if hasYear(a) && hasYear(b) {
			typ, desc = ContradictionTemporal, "different dates for the same event"
		}
		if base != ContradictionSelf {
			desc += " (" + string(base) + ")"
		}
	default:
		return Contradiction{}, false
	}

	return Contradiction{
		Type:        typ,
		Description: desc,
		SpanA:       a.Text,
		SpanB:       b.Text,
		Severity:    round3(severity),
	}, true
}

func establishedMemory(r memory.Record) bool {
	if r.Priority.Rank() < memory.PriorityHigh.Rank() {
		return false
	}
	return r.Retention == memory.RetentionLongTerm || r.Retention == memory.RetentionPermanent
}

func roleOf(role string) string {
	if role == "" {
		return "user"
	}
	return role
}
