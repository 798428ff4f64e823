package memory

import (
	"math"
	"strings"
)

// stopwords are dropped before lexical comparison.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "am": true, "do": true, "does": true, "did": true,
	"of": true, "to": true, "in": true, "on": true, "at": true, "for": true, "by": true,
	"and": true, "or": true, "but": true, "with": true, "as": true, "it": true, "its": true,
	"this": true, "that": true, "these": true, "those": true, "what": true, "which": true,
	"who": true, "whom": true, "how": true, "why": true, "when": true, "where": true,
	"my": true, "me": true, "mine": true, "your": true, "you": true, "we": true, "our": true,
	"he": true, "she": true, "they": true, "them": true, "their": true, "his": true, "her": true,
	"can": true, "could": true, "would": true, "should": true, "will": true, "shall": true,
	"from": true, "about": true, "into": true, "so": true, "if": true, "then": true,
	"there": true, "here": true, "have": true, "has": true, "had": true, "please": true,
	"tell": true, "some": true, "any": true, "i": true, "im": true, "also": true,
}

// Tokenize splits text into lowercase word tokens. Single characters are kept
// so that symbolic subjects ("x", "y") survive.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.' ||
			r > 127)
	})
	result := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Trim(strings.ToLower(f), ".-_")
		if w != "" {
			result = append(result, w)
		}
	}
	return result
}

// Keywords returns the distinct non-stopword tokens of text, in order.
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range Tokenize(text) {
		if stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// IsStopword reports whether w is dropped by Keywords.
func IsStopword(w string) bool { return stopwords[w] }

// LexicalSimilarity scores how well content covers the query's keywords.
// Exact token hits count fully, substring hits partially; the result blends
// a Jaccard overlap with query coverage and lies in [0,1].
func LexicalSimilarity(query, content string) float64 {
	keywords := Keywords(query)
	if len(keywords) == 0 {
		return 0
	}

	lower := strings.ToLower(content)
	targetSet := make(map[string]bool)
	for _, w := range Keywords(content) {
		targetSet[w] = true
	}

	var matched int
	var weighted float64
	for _, kw := range keywords {
		if targetSet[kw] {
			matched++
			weighted += 1.0
		} else if len(kw) > 3 && strings.Contains(lower, kw) {
			matched++
			weighted += 0.7
		}
	}
	if matched == 0 {
		return 0
	}

	union := float64(len(keywords) + len(targetSet) - matched)
	jaccard := float64(matched) / math.Max(union, 1)
	coverage := weighted / float64(len(keywords))

	return clamp01(0.4*jaccard + 0.6*coverage)
}

// Overlap is the symmetric Jaccard overlap of two keyword sets.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	seenB := make(map[string]bool, len(b))
	for _, w := range b {
		if seenB[w] {
			continue
		}
		seenB[w] = true
		if set[w] {
			inter++
		}
	}
	union := len(set) + len(seenB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
