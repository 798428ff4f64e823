package classifier

import (
	"fmt"
	"strings"
)

// Complexity is the estimated difficulty of a request.
type Complexity string

const (
	ComplexityBasic        Complexity = "basic"
	ComplexityIntermediate Complexity = "intermediate"
	ComplexityAdvanced     Complexity = "advanced"
)

// Urgency is how time-critical the request is.
type Urgency string

const (
	UrgencyLow           Urgency = "low"
	UrgencyNormal        Urgency = "normal"
	UrgencyTimeSensitive Urgency = "time_sensitive"
)

// ValidationLevel selects how strictly a response is validated.
type ValidationLevel string

const (
	LevelBasic    ValidationLevel = "basic"
	LevelStandard ValidationLevel = "standard"
	LevelEnhanced ValidationLevel = "enhanced"
)

// Hints are caller-supplied overrides for the classification.
type Hints struct {
	Subject    string     `json:"subject,omitempty"`
	Urgency    Urgency    `json:"urgency,omitempty"`
	Complexity Complexity `json:"complexity,omitempty"`
}

// Classification is the classifier's verdict on a request.
type Classification struct {
	IsPersonalQuery         bool            `json:"is_personal_query"`
	Topic                   string          `json:"topic"`
	Subject                 string          `json:"subject"`
	Complexity              Complexity      `json:"complexity"`
	Urgency                 Urgency         `json:"urgency"`
	RequiredValidationLevel ValidationLevel `json:"required_validation_level"`
	// Degraded is set when the intent scorer was unavailable.
	Degraded bool `json:"degraded,omitempty"`
	// Signals are the names of matched rules, sorted.
	Signals []string `json:"signals,omitempty"`
	// PersonalScore is the combined personal-query score.
	PersonalScore float64 `json:"personal_score"`
}

// Summary renders the classification for inclusion in a prompt.
func (c Classification) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s (%s). Complexity: %s. Urgency: %s.", c.Topic, c.Subject, c.Complexity, c.Urgency)
	if c.IsPersonalQuery {
		b.WriteString(" The user is asking about themselves; answer from their stored memories when possible.")
	}
	switch c.Complexity {
	case ComplexityBasic:
		b.WriteString(" Keep the explanation simple.")
	case ComplexityAdvanced:
		b.WriteString(" A rigorous, detailed answer is expected.")
	}
	return b.String()
}
