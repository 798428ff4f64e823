package validation

import (
	"strings"
	"unicode"

	"github.com/nidhogg/groundwork/internal/memory"
)

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "nothing": true,
	"false": true, "incorrect": true, "untrue": true, "wrong": true, "neither": true, "nor": true,
}

// affirmations carry polarity but no content.
var affirmations = map[string]bool{
	"true": true, "correct": true, "indeed": true, "actually": true, "really": true,
	"yes": true, "certainly": true, "definitely": true,
}

var quantifiers = map[string]bool{
	"always": true, "all": true, "every": true, "never": true, "none": true,
}

// hedgeWords are dropped from proposition keys so that a hedged and an
// unhedged statement of the same fact compare equal.
var hedgeWords = map[string]bool{
	"think": true, "believe": true, "probably": true, "possibly": true, "perhaps": true,
	"maybe": true, "might": true, "may": true, "sure": true, "entirely": true,
	"seems": true, "likely": true, "guess": true, "fact": true,
}

// Proposition is the comparable core of one sentence.
type Proposition struct {
	Text       string
	Keys       []string
	Numbers    []string
	Negated    bool
	Quantified bool
}

// SplitSentences breaks text at sentence punctuation and line breaks.
// Decimal points and common abbreviations do not end a sentence.
func SplitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(cur.String())
		s = strings.TrimLeft(s, "-*• \t")
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		if r == '.' && i > 0 && unicode.IsDigit(runes[i-1]) && unicode.IsDigit(next) {
			continue
		}
		if r == '.' && endsWithAbbreviation(cur.String()) {
			continue
		}
		if next == 0 || unicode.IsSpace(next) || next == '"' || next == ')' {
			flush()
		}
	}
	flush()
	return out
}

func endsWithAbbreviation(s string) bool {
	s = strings.ToLower(s)
	for _, abbr := range []string{"e.g.", "i.e.", "etc.", "vs.", "dr.", "mr.", "mrs.", "ms."} {
		if strings.HasSuffix(s, abbr) {
			return true
		}
	}
	return false
}

// ExtractClaims returns the declarative sentences of text that carry at least
// two content words. Questions are not claims.
func ExtractClaims(text string) []string {
	var out []string
	for _, s := range SplitSentences(text) {
		if strings.HasSuffix(s, "?") {
			continue
		}
		if len(Parse(s).Keys) < 2 {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Parse reduces a sentence to its proposition. Single-letter subjects count
// as keys. A capitalized word followed by a non-year number ("Python 3",
// "Chapter 2") forms one key, so figures naming different entities are not
// compared as values.
func Parse(sentence string) Proposition {
	p := Proposition{Text: sentence}
	seen := map[string]bool{}
	named := namedNumbers(sentence)
	toks := memory.Tokenize(expandContractions(sentence))
	for i := 0; i < len(toks); i++ {
		tok := toks[i]
		if n, ok := named[tok]; ok && i+1 < len(toks) && toks[i+1] == n && !negations[tok] && !memory.IsStopword(tok) {
			k := tok + " " + n
			if !seen[k] {
				seen[k] = true
				p.Keys = append(p.Keys, k)
			}
			i++
			continue
		}
		switch {
		case negations[tok]:
			p.Negated = !p.Negated
			if quantifiers[tok] {
				p.Quantified = true
			}
		case quantifiers[tok]:
			p.Quantified = true
		case isNumber(tok):
			p.Numbers = append(p.Numbers, tok)
		case affirmations[tok], hedgeWords[tok], memory.IsStopword(tok):
		default:
			k := stem(tok)
			if !seen[k] {
				seen[k] = true
				p.Keys = append(p.Keys, k)
			}
		}
	}
	return p
}

// namedNumbers maps each capitalized word of sentence that is directly
// followed by a non-year number to that number, both lowercased.
func namedNumbers(sentence string) map[string]string {
	raw := strings.FieldsFunc(sentence, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';' || r == ':' || r == '(' || r == ')' || r == '"'
	})
	out := map[string]string{}
	for i := 0; i+1 < len(raw); i++ {
		word := strings.Trim(raw[i], ".!?'")
		next := strings.TrimRight(raw[i+1], ".!?'")
		if word == "" || !unicode.IsUpper([]rune(word)[0]) {
			continue
		}
		if !isNumber(next) || isYear(next) {
			continue
		}
		out[strings.ToLower(word)] = strings.ToLower(next)
	}
	return out
}

func expandContractions(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "’", "'")
	r := strings.NewReplacer(
		"can't", "can not", "won't", "will not", "cannot", "can not",
		"n't", " not", "'m", " am", "'re", " are", "'s", " ", "'ve", " have", "'ll", " will", "'d", " would",
	)
	return r.Replace(s)
}

func isNumber(tok string) bool {
	digits := 0
	for _, r := range tok {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '.' || r == ',' || r == '%':
		default:
			return false
		}
	}
	return digits > 0
}

// isYear reports whether tok looks like a calendar year.
func isYear(tok string) bool {
	if len(tok) != 4 {
		return false
	}
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return tok >= "1000" && tok <= "2199"
}

// stem strips the most common English inflections.
func stem(w string) string {
	switch {
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		return w[:len(w)-3]
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 4 && strings.HasSuffix(w, "ed"):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss") && !strings.HasSuffix(w, "us"):
		return w[:len(w)-1]
	}
	return w
}

// keyOverlap is the Jaccard overlap of two propositions' keys.
func keyOverlap(a, b Proposition) float64 {
	return memory.Overlap(a.Keys, b.Keys)
}

// coverage is the fraction of a's keys present in b.
func coverage(a, b Proposition) float64 {
	if len(a.Keys) == 0 {
		return 0
	}
	set := make(map[string]bool, len(b.Keys))
	for _, k := range b.Keys {
		set[k] = true
	}
	hit := 0
	for _, k := range a.Keys {
		if set[k] {
			hit++
		}
	}
	return float64(hit) / float64(len(a.Keys))
}

func sameKeys(a, b Proposition) bool {
	if len(a.Keys) != len(b.Keys) || len(a.Keys) == 0 {
		return false
	}
	return coverage(a, b) == 1
}

// numbersConflict reports whether both propositions state numbers and none
// of them agree.
func numbersConflict(a, b Proposition) bool {
	if len(a.Numbers) == 0 || len(b.Numbers) == 0 {
		return false
	}
	for _, x := range a.Numbers {
		for _, y := range b.Numbers {
			if x == y {
				return false
			}
		}
	}
	return true
}

func hasYear(p Proposition) bool {
	for _, n := range p.Numbers {
		if isYear(n) {
			return true
		}
	}
	return false
}

func parseAll(text string) []Proposition {
	var out []Proposition
	for _, s := range SplitSentences(text) {
		if strings.HasSuffix(s, "?") {
			continue
		}
		p := Parse(s)
		if len(p.Keys) > 0 {
			out = append(out, p)
		}
	}
	return out
}
