package classifier

import "regexp"

// Dimension is the classification axis a rule contributes to.
type Dimension string

const (
	DimPersonal   Dimension = "personal"
	DimComplexity Dimension = "complexity"
	DimUrgency    Dimension = "urgency"
	DimTemporal   Dimension = "temporal"
)

// Rule is one row of the rule table. A match adds Weight to Value on Dimension.
type Rule struct {
	Name      string
	Dimension Dimension
	Pattern   *regexp.Regexp
	Weight    float64
	Value     string
	// Pronoun marks personal cues that break ties toward a personal query.
	Pronoun bool
}

func rule(name string, dim Dimension, pattern string, weight float64, value string) Rule {
	return Rule{Name: name, Dimension: dim, Pattern: regexp.MustCompile(`(?i)` + pattern), Weight: weight, Value: value}
}

func pronoun(name, pattern string, weight float64) Rule {
	r := rule(name, DimPersonal, pattern, weight, "personal")
	r.Pronoun = true
	return r
}

// DefaultRules is the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		pronoun("pronoun_my", `\bmy\b`, 0.45),
		pronoun("pronoun_mine", `\bmine\b`, 0.45),
		pronoun("pronoun_myself", `\bmyself\b`, 0.4),
		pronoun("pronoun_i", `\b(i|i'm|i've|i'd|i'll|im)\b`, 0.35),
		pronoun("pronoun_me", `\bme\b`, 0.35),
		rule("personal_fact", DimPersonal, `\bmy (name|age|birthday|favou?rite|school|class|teacher|goal|grade|major|hobby|hobbies|pet|family)\b`, 0.3, "personal"),
		rule("recall_cue", DimPersonal, `\b(remember|recall|did i|have i|told you|last time)\b`, 0.2, "personal"),

		rule("advanced_verbs", DimComplexity, `\b(prove|proof|derive|derivation|rigorous|theorem|analy[sz]e|critique|optimi[sz]e|asymptotic|formally)\b`, 1.0, string(ComplexityAdvanced)),
		rule("intermediate_verbs", DimComplexity, `\b(why|how (does|do|can|would)|compare|difference between|explain|relationship|apply)\b`, 0.8, string(ComplexityIntermediate)),
		rule("basic_verbs", DimComplexity, `\b(what is|what's|define|definition of|who (is|was)|when (did|was)|simple|basic|eli5|explain like)\b`, 0.9, string(ComplexityBasic)),

		rule("urgent", DimUrgency, `\b(urgent|urgently|asap|immediately|right now|hurry|deadline|due (today|tonight|tomorrow)|(exam|test|quiz) (today|tonight|tomorrow))\b`, 1.0, string(UrgencyTimeSensitive)),
		rule("relaxed", DimUrgency, `\b(no rush|whenever|someday|just curious|in my free time)\b`, 1.0, string(UrgencyLow)),

		rule("temporal_fact", DimTemporal, `\b(latest|current|currently|today|recent|recently|newest|this year|as of|nowadays|right now)\b`, 1.0, "temporal"),
	}
}

// Topic is one leaf of the taxonomy.
type Topic struct {
	Name     string
	Subject  string
	Keywords []string
}

// DefaultTaxonomy is the fixed topic taxonomy, in tie-break order.
func DefaultTaxonomy() []Topic {
	return []Topic{
		{"algebra", "mathematics", []string{"algebra", "equation", "equations", "solve", "polynomial", "quadratic", "factor", "factoring", "linear", "inequality", "exponent"}},
		{"geometry", "mathematics", []string{"geometry", "triangle", "angle", "angles", "circle", "area", "perimeter", "polygon", "pythagorean", "radius", "volume"}},
		{"calculus", "mathematics", []string{"calculus", "derivative", "derivatives", "integral", "integrals", "limit", "limits", "differentiate", "integrate", "differential"}},
		{"statistics", "mathematics", []string{"statistics", "probability", "mean", "median", "mode", "variance", "deviation", "distribution", "sample"}},
		{"arithmetic", "mathematics", []string{"fraction", "fractions", "decimal", "percent", "percentage", "multiply", "multiplication", "divide", "division", "addition", "subtraction"}},
		{"physics", "science", []string{"physics", "force", "energy", "velocity", "acceleration", "gravity", "newton", "momentum", "quantum", "friction", "electricity"}},
		{"chemistry", "science", []string{"chemistry", "molecule", "molecules", "atom", "atoms", "reaction", "element", "compound", "acid", "base", "bond", "periodic"}},
		{"biology", "science", []string{"biology", "cell", "cells", "photosynthesis", "dna", "evolution", "organism", "gene", "genes", "protein", "mitochondria", "enzyme"}},
		{"astronomy", "science", []string{"astronomy", "planet", "planets", "star", "stars", "galaxy", "orbit", "solar", "moon", "universe"}},
		{"world_history", "history", []string{"history", "war", "empire", "revolution", "century", "ancient", "dynasty", "medieval", "civilization", "treaty"}},
		{"civics", "history", []string{"government", "constitution", "democracy", "election", "parliament", "congress", "amendment"}},
		{"grammar", "language", []string{"grammar", "verb", "verbs", "noun", "nouns", "adjective", "adverb", "sentence", "tense", "punctuation", "clause"}},
		{"literature", "language", []string{"literature", "novel", "poem", "poetry", "author", "shakespeare", "essay", "theme", "metaphor", "character"}},
		{"vocabulary", "language", []string{"vocabulary", "word", "words", "synonym", "antonym", "meaning", "spell", "spelling", "pronounce"}},
		{"python", "programming", []string{"python", "pip", "django", "pandas", "numpy", "pytest"}},
		{"software", "programming", []string{"code", "coding", "function", "algorithm", "loop", "compile", "compiler", "debug", "program", "programming", "javascript", "golang", "java", "recursion", "api"}},
		{"smalltalk", "general", []string{"hello", "hi", "hey", "thanks", "thank", "bye", "goodbye", "morning", "evening"}},
	}
}
