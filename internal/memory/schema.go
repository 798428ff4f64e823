package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of interaction produced a record.
type Type string

const (
	TypeUserQuery           Type = "user_query"
	TypeAIResponse          Type = "ai_response"
	TypeLearningInteraction Type = "learning_interaction"
	TypeFeedback            Type = "feedback"
	TypeCorrection          Type = "correction"
	TypeInsight             Type = "insight"
)

// Priority ranks records for tie-breaking and context weighting.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities; unknown values rank with low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Multiplier is the context weight factor for a priority.
func (p Priority) Multiplier() float64 {
	switch p {
	case PriorityCritical:
		return 2.0
	case PriorityHigh:
		return 1.5
	case PriorityMedium:
		return 1.0
	default:
		return 0.5
	}
}

// Retention controls how long a record lives.
type Retention string

const (
	RetentionSession   Retention = "session"
	RetentionShortTerm Retention = "short_term"
	RetentionLongTerm  Retention = "long_term"
	RetentionPermanent Retention = "permanent"
)

// Lifetime returns how long a record with this retention stays retrievable.
// Permanent records return zero.
func (r Retention) Lifetime() time.Duration {
	switch r {
	case RetentionSession:
		return 24 * time.Hour
	case RetentionShortTerm:
		return 7 * 24 * time.Hour
	case RetentionLongTerm:
		return 90 * 24 * time.Hour
	default:
		return 0
	}
}

// ExpiryFor computes the expiry timestamp for a retention class.
// Permanent retention is the only class without an expiry.
func ExpiryFor(r Retention, from time.Time) *time.Time {
	if r == RetentionPermanent {
		return nil
	}
	life := r.Lifetime()
	if life == 0 {
		life = RetentionShortTerm.Lifetime()
	}
	t := from.Add(life).UTC()
	return &t
}

var validTypes = map[Type]bool{
	TypeUserQuery: true, TypeAIResponse: true, TypeLearningInteraction: true,
	TypeFeedback: true, TypeCorrection: true, TypeInsight: true,
}

var validPriorities = map[Priority]bool{
	PriorityLow: true, PriorityMedium: true, PriorityHigh: true, PriorityCritical: true,
}

var validRetentions = map[Retention]bool{
	RetentionSession: true, RetentionShortTerm: true, RetentionLongTerm: true, RetentionPermanent: true,
}

// Record is a persisted unit of past interaction.
type Record struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Content        string     `json:"content"`
	Type           Type       `json:"memory_type"`
	QualityScore   float64    `json:"quality_score"`
	RelevanceScore float64    `json:"relevance_score"`
	Priority       Priority   `json:"priority"`
	Retention      Retention  `json:"retention"`
	Tags           []string   `json:"tags,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// Scored pairs a record with a similarity score from a search backend.
type Scored struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Expired reports whether the record is past its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// HasTag reports whether the record carries the tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ErrInvalidRecord is returned for records that fail validation.
var ErrInvalidRecord = errors.New("invalid memory record")

// Normalize fills defaults and enforces the retention/expiry invariant.
func (r *Record) Normalize(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if r.Type == "" {
		r.Type = TypeLearningInteraction
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	if r.Retention == "" {
		r.Retention = RetentionShortTerm
	}
	if r.Retention == RetentionPermanent {
		r.ExpiresAt = nil
	} else if r.ExpiresAt == nil {
		r.ExpiresAt = ExpiryFor(r.Retention, r.CreatedAt)
	}
	r.QualityScore = clamp01(r.QualityScore)
	r.RelevanceScore = clamp01(r.RelevanceScore)
	r.Tags = normalizeTags(r.Tags)
}

// Validate checks required fields and enum values.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidRecord)
	}
	if !validTypes[r.Type] {
		return fmt.Errorf("%w: unknown memory type %q", ErrInvalidRecord, r.Type)
	}
	if !validPriorities[r.Priority] {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRecord, r.Priority)
	}
	if !validRetentions[r.Retention] {
		return fmt.Errorf("%w: unknown retention %q", ErrInvalidRecord, r.Retention)
	}
	if (r.ExpiresAt == nil) != (r.Retention == RetentionPermanent) {
		return fmt.Errorf("%w: expires_at must be set unless retention is permanent", ErrInvalidRecord)
	}
	return nil
}

// PersonalTag marks records holding facts about the owner.
const PersonalTag = "personal"

// Filter narrows a store query. Zero values mean "no constraint".
type Filter struct {
	Types       []Type
	Tags        []string // record must carry every tag
	MinPriority Priority
	Retentions  []Retention
	Since       time.Time
	Limit       int
	// Now overrides the clock used for expiry checks.
	Now time.Time
}

// Matches applies the filter to a record in memory. Expired records never match.
func (f Filter) Matches(r *Record, now time.Time) bool {
	if r.Expired(now) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
		return false
	}
	for _, t := range f.Tags {
		if !r.HasTag(t) {
			return false
		}
	}
	if f.MinPriority != "" && r.Priority.Rank() < f.MinPriority.Rank() {
		return false
	}
	if len(f.Retentions) > 0 && !containsRetention(f.Retentions, r.Retention) {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

func (f Filter) clock() time.Time {
	if f.Now.IsZero() {
		return time.Now().UTC()
	}
	return f.Now.UTC()
}

// SortNewest orders records by creation time, newest first.
func SortNewest(recs []Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
}

func containsType(ts []Type, t Type) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

func containsRetention(rs []Retention, r Retention) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
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
