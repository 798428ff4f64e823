package personalization

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUpdate wraps failures applying an interaction or feedback to a profile.
	ErrUpdate          = errors.New("personalization update failed")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidFeedback = errors.New("invalid feedback")
)

type FeedbackType string

const (
	FeedbackExplicit     FeedbackType = "explicit"
	FeedbackImplicit     FeedbackType = "implicit"
	FeedbackCorrection   FeedbackType = "correction"
	FeedbackSatisfaction FeedbackType = "satisfaction"
	FeedbackBehavioral   FeedbackType = "behavioral"
)

// Learning styles tracked in LearningStyleWeights.
const (
	StyleVisual     = "visual"
	StyleVerbal     = "verbal"
	StyleExamples   = "examples"
	StyleStepByStep = "step_by_step"
)

// Patterns derived from the rolling window.
const (
	PatternHighEngagement      = "high_engagement"
	PatternLowSatisfaction     = "low_satisfaction"
	PatternHighSatisfaction    = "high_satisfaction"
	PatternFrequentCorrections = "frequent_corrections"
	PatternVisualPreference    = "visual_preference"
	PatternExamplePreference   = "example_preference"
	PatternStepPreference      = "step_by_step_preference"
)

// BehaviorMetrics are implicit signals reported by the client.
type BehaviorMetrics struct {
	DwellSeconds    float64 `json:"dwell_seconds,omitempty"`
	FollowUps       int     `json:"follow_ups,omitempty"`
	CopiedAnswer    bool    `json:"copied_answer,omitempty"`
	AskedForExample bool    `json:"asked_for_example,omitempty"`
	AskedForVisual  bool    `json:"asked_for_visual,omitempty"`
	// Engagement is a client-side estimate in [0,1].
	Engagement *float64 `json:"engagement,omitempty"`
}

// Feedback is a user reaction to one response.
type Feedback struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"owner_id"`
	InteractionID  string           `json:"interaction_id"`
	Type           FeedbackType     `json:"type"`
	Rating         int              `json:"rating,omitempty"`
	CorrectionText string           `json:"correction_text,omitempty"`
	Behavior       *BehaviorMetrics `json:"behavior,omitempty"`
	Topic          string           `json:"topic,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Validate checks the fields each feedback type needs.
func (f Feedback) Validate() error {
	if f.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidFeedback)
	}
	if f.Rating != 0 && (f.Rating < 1 || f.Rating > 5) {
		return fmt.Errorf("%w: rating must be 1-5", ErrInvalidFeedback)
	}
	switch f.Type {
	case FeedbackExplicit, FeedbackSatisfaction:
		if f.Rating == 0 {
			return fmt.Errorf("%w: %s feedback needs a rating", ErrInvalidFeedback, f.Type)
		}
	case FeedbackCorrection:
		if f.CorrectionText == "" {
			return fmt.Errorf("%w: correction feedback needs correction_text", ErrInvalidFeedback)
		}
	case FeedbackImplicit, FeedbackBehavioral:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFeedback, f.Type)
	}
	return nil
}

// Interaction is one completed request as handed to Finalize.
type Interaction struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	ConversationID  string    `json:"conversation_id,omitempty"`
	Query           string    `json:"query"`
	Response        string    `json:"response"`
	Topic           string    `json:"topic"`
	Subject         string    `json:"subject"`
	Complexity      string    `json:"complexity"`
	IsPersonal      bool      `json:"is_personal"`
	ValidationScore float64   `json:"validation_score"`
	IsValid         bool      `json:"is_valid"`
	Fallback        bool      `json:"fallback,omitempty"`
	Model           string    `json:"model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AdaptationEvent records one change to a profile.
type AdaptationEvent struct {
	At      time.Time `json:"at"`
	Source  string    `json:"source"`
	Kind    string    `json:"kind"`
	Key     string    `json:"key"`
	Before  float64   `json:"before"`
	After   float64   `json:"after"`
	Comment string    `json:"comment,omitempty"`
}

// Observation is one entry of the rolling window.
type Observation struct {
	At            time.Time `json:"at"`
	InteractionID string    `json:"interaction_id"`
	Topic         string    `json:"topic,omitempty"`
	// Satisfaction is in [0,1]; negative when unknown.
	Satisfaction float64  `json:"satisfaction"`
	Engagement   float64  `json:"engagement"`
	Corrected    bool     `json:"corrected,omitempty"`
	Styles       []string `json:"styles,omitempty"`
}

// Profile is a learner's adaptive state. It only ever grows by appending
// events and decaying weights toward observations.
type Profile struct {
	OwnerID              string             `json:"owner_id"`
	LearningStyleWeights map[string]float64 `json:"learning_style_weights"`
	TopicProficiency     map[string]float64 `json:"topic_proficiency"`
	AdaptationHistory    []AdaptationEvent  `json:"adaptation_history"`
	Patterns             []string           `json:"patterns"`
	Recent               []Observation      `json:"recent"`
	// Applied holds recently applied message ids for redelivery dedup.
	Applied          []string  `json:"applied"`
	InteractionCount int       `json:"interaction_count"`
	FeedbackCount    int       `json:"feedback_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewProfile returns an empty profile for owner.
func NewProfile(owner string, now time.Time) *Profile {
	return &Profile{
		OwnerID:              owner,
		LearningStyleWeights: map[string]float64{},
		TopicProficiency:     map[string]float64{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.LearningStyleWeights = copyMap(p.LearningStyleWeights)
	c.TopicProficiency = copyMap(p.TopicProficiency)
	c.AdaptationHistory = append([]AdaptationEvent(nil), p.AdaptationHistory...)
	c.Patterns = append([]string(nil), p.Patterns...)
	c.Applied = append([]string(nil), p.Applied...)
	c.Recent = make([]Observation, len(p.Recent))
	for i, o := range p.Recent {
		o.Styles = append([]string(nil), o.Styles...)
		c.Recent[i] = o
	}
	return &c
}

// HasPattern reports whether the named pattern is active.
func (p *Profile) HasPattern(name string) bool {
	for _, x := range p.Patterns {
		if x == name {
			return true
		}
	}
	return false
}

func (p *Profile) applied(id string) bool {
	for _, x := range p.Applied {
		if x == id {
			return true
		}
	}
	return false
}

// Delta is the change one update made, or would make, to a profile.
type Delta struct {
	Styles          map[string]float64 `json:"styles,omitempty"`
	Topics          map[string]float64 `json:"topics,omitempty"`
	PatternsAdded   []string           `json:"patterns_added,omitempty"`
	PatternsRemoved []string           `json:"patterns_removed,omitempty"`
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Styles) == 0 && len(d.Topics) == 0 && len(d.PatternsAdded) == 0 && len(d.PatternsRemoved) == 0
}

// Summary is what a request result carries about personalization.
type Summary struct {
	Suggestions  []string `json:"suggestions"`
	ProfileDelta Delta    `json:"profile_delta"`
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
