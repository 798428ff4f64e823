package personalization

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// styleCues map phrases in a query to the learning style they signal.
var styleCues = map[string][]string{
	StyleExamples:   {"example", "examples", "for instance", "show me how", "sample problem", "worked"},
	StyleVisual:     {"diagram", "draw", "picture", "chart", "visual", "visualize", "illustrate"},
	StyleStepByStep: {"step by step", "step-by-step", "steps", "walk me through", "one at a time"},
	StyleVerbal:     {"explain", "describe", "in words", "why does", "what does it mean"},
}

// complexityProficiency is the implicit proficiency signal of a question.
var complexityProficiency = map[string]float64{
	"basic":        0.3,
	"intermediate": 0.6,
	"advanced":     0.85,
}

const (
	initialWeight = 0.5
	// implicitRateFactor scales the learning rate for signals inferred from
	// question complexity rather than reported by the learner.
	implicitRateFactor = 0.5
	minObservations    = 3
	changeEpsilon      = 0.005
)

// DetectStyles returns the learning styles a message asks for, sorted.
func DetectStyles(text string) []string {
	lower := strings.ToLower(text)
	var out []string
	for style, cues := range styleCues {
		for _, c := range cues {
			if strings.Contains(lower, c) {
				out = append(out, style)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// updater applies decay updates to one profile and records what changed.
type updater struct {
	p      *Profile
	rate   float64
	window int
	limit  int
	now    time.Time
	source string
	delta  Delta
}

// decay moves w toward observed by rate, bounded to [0,1].
func decay(w, observed, rate float64) float64 {
	return clamp01(w + rate*(observed-w))
}

func (u *updater) style(name string, observed, rate float64) {
	before, ok := u.p.LearningStyleWeights[name]
	if !ok {
		before = initialWeight
	}
	after := round3(decay(before, observed, rate))
	u.p.LearningStyleWeights[name] = after
	if math.Abs(after-before) >= changeEpsilon {
		if u.delta.Styles == nil {
			u.delta.Styles = map[string]float64{}
		}
		u.delta.Styles[name] = round3(u.delta.Styles[name] + after - before)
		u.event("style", name, before, after, "")
	}
}

func (u *updater) topic(name string, observed, rate float64) {
	if name == "" {
		return
	}
	before, ok := u.p.TopicProficiency[name]
	if !ok {
		before = initialWeight
	}
	after := round3(decay(before, observed, rate))
	u.p.TopicProficiency[name] = after
	if math.Abs(after-before) >= changeEpsilon {
		if u.delta.Topics == nil {
			u.delta.Topics = map[string]float64{}
		}
		u.delta.Topics[name] = round3(u.delta.Topics[name] + after - before)
		u.event("topic", name, before, after, "")
	}
}

func (u *updater) event(kind, key string, before, after float64, comment string) {
	u.p.AdaptationHistory = append(u.p.AdaptationHistory, AdaptationEvent{
		At:      u.now,
		Source:  u.source,
		Kind:    kind,
		Key:     key,
		Before:  before,
		After:   after,
		Comment: comment,
	})
	if over := len(u.p.AdaptationHistory) - u.limit; u.limit > 0 && over > 0 {
		u.p.AdaptationHistory = append([]AdaptationEvent(nil), u.p.AdaptationHistory[over:]...)
	}
}

func (u *updater) observe(o Observation) {
	u.p.Recent = append(u.p.Recent, o)
	if over := len(u.p.Recent) - u.window; over > 0 {
		u.p.Recent = append([]Observation(nil), u.p.Recent[over:]...)
	}
}

func (u *updater) markApplied(id string) {
	if id == "" {
		return
	}
	u.p.Applied = append(u.p.Applied, id)
	if over := len(u.p.Applied) - u.limit; u.limit > 0 && over > 0 {
		u.p.Applied = append([]string(nil), u.p.Applied[over:]...)
	}
}

// applyInteraction folds a completed interaction into the profile.
func (u *updater) applyInteraction(in Interaction) {
	styles := DetectStyles(in.Query)
	for _, s := range styles {
		u.style(s, 1, u.rate)
	}
	if obs, ok := complexityProficiency[in.Complexity]; ok {
		u.topic(in.Topic, obs, u.rate*implicitRateFactor)
	}
	u.observe(Observation{
		At:            u.now,
		InteractionID: in.ID,
		Topic:         in.Topic,
		Satisfaction:  -1,
		Engagement:    0.5,
		Styles:        styles,
	})
	u.p.InteractionCount++
}

// applyFeedback folds one feedback record into the profile.
func (u *updater) applyFeedback(f Feedback) {
	satisfaction := -1.0
	if f.Rating > 0 {
		satisfaction = float64(f.Rating-1) / 4
	}
	engagement := -1.0
	corrected := false

	switch f.Type {
	case FeedbackCorrection:
		corrected = true
		if satisfaction < 0 {
			satisfaction = 0.2
		}
	case FeedbackBehavioral, FeedbackImplicit:
		if b := f.Behavior; b != nil {
			engagement = behaviorEngagement(*b)
			if b.AskedForExample {
				u.style(StyleExamples, 1, u.rate)
			}
			if b.AskedForVisual {
				u.style(StyleVisual, 1, u.rate)
			}
		}
	}

	// Find the interaction this feedback is about.
	idx := -1
	for i := len(u.p.Recent) - 1; i >= 0; i-- {
		if u.p.Recent[i].InteractionID == f.InteractionID && f.InteractionID != "" {
			idx = i
			break
		}
	}
	topic := f.Topic
	var styles []string
	if idx >= 0 {
		if topic == "" {
			topic = u.p.Recent[idx].Topic
		}
		styles = u.p.Recent[idx].Styles
	}

	if satisfaction >= 0 {
		u.topic(topic, satisfaction, u.rate)
		for _, s := range styles {
			u.style(s, satisfaction, u.rate)
		}
	}

	if idx >= 0 {
		o := &u.p.Recent[idx]
		if satisfaction >= 0 {
			o.Satisfaction = satisfaction
		}
		if engagement >= 0 {
			o.Engagement = engagement
		}
		o.Corrected = o.Corrected || corrected
	} else {
		u.observe(Observation{
			At:            u.now,
			InteractionID: f.InteractionID,
			Topic:         topic,
			Satisfaction:  satisfaction,
			Engagement:    math.Max(engagement, 0.5),
			Corrected:     corrected,
		})
	}
	u.p.FeedbackCount++
}

func behaviorEngagement(b BehaviorMetrics) float64 {
	if b.Engagement != nil {
		return clamp01(*b.Engagement)
	}
	e := 0.3
	e += math.Min(b.DwellSeconds/120, 1) * 0.3
	e += math.Min(float64(b.FollowUps)/3, 1) * 0.3
	if b.CopiedAnswer {
		e += 0.1
	}
	return clamp01(e)
}

// derivePatterns thresholds aggregates over the rolling window.
func (u *updater) derivePatterns() {
	obs := u.p.Recent
	active := map[string]bool{}
	if len(obs) >= minObservations {
		var (
			engSum, satSum      float64
			rated, corrections  int
			visual, ex, stepped int
		)
		for _, o := range obs {
			engSum += o.Engagement
			if o.Satisfaction >= 0 {
				satSum += o.Satisfaction
				rated++
			}
			if o.Corrected {
				corrections++
			}
			for _, s := range o.Styles {
				switch s {
				case StyleVisual:
					visual++
				case StyleExamples:
					ex++
				case StyleStepByStep:
					stepped++
				}
			}
		}
		n := float64(len(obs))
		if engSum/n >= 0.7 {
			active[PatternHighEngagement] = true
		}
		if rated >= minObservations {
			mean := satSum / float64(rated)
			if mean <= 0.4 {
				active[PatternLowSatisfaction] = true
			}
			if mean >= 0.8 {
				active[PatternHighSatisfaction] = true
			}
		}
		if float64(corrections)/n >= 0.3 {
			active[PatternFrequentCorrections] = true
		}
		if float64(visual)/n >= 0.3 {
			active[PatternVisualPreference] = true
		}
		if float64(ex)/n >= 0.3 {
			active[PatternExamplePreference] = true
		}
		if float64(stepped)/n >= 0.3 {
			active[PatternStepPreference] = true
		}
	}

	prev := map[string]bool{}
	for _, p := range u.p.Patterns {
		prev[p] = true
	}
	var next []string
	for p := range active {
		next = append(next, p)
		if !prev[p] {
			u.delta.PatternsAdded = append(u.delta.PatternsAdded, p)
			u.event("pattern", p, 0, 1, "detected over last "+fmt.Sprint(len(obs))+" interactions")
		}
	}
	for p := range prev {
		if !active[p] {
			u.delta.PatternsRemoved = append(u.delta.PatternsRemoved, p)
			u.event("pattern", p, 1, 0, "no longer observed")
		}
	}
	sort.Strings(next)
	sort.Strings(u.delta.PatternsAdded)
	sort.Strings(u.delta.PatternsRemoved)
	u.p.Patterns = next
}

// Suggestions turns a profile into steering hints for the next response.
func Suggestions(p *Profile, topic string) []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.HasPattern(PatternExamplePreference) || p.LearningStyleWeights[StyleExamples] >= 0.7 {
		out = append(out, "Include a short worked example.")
	}
	if p.HasPattern(PatternVisualPreference) || p.LearningStyleWeights[StyleVisual] >= 0.7 {
		out = append(out, "Describe a diagram or visual representation where it helps.")
	}
	if p.HasPattern(PatternStepPreference) || p.LearningStyleWeights[StyleStepByStep] >= 0.7 {
		out = append(out, "Break the explanation into numbered steps.")
	}
	if prof, ok := p.TopicProficiency[topic]; ok && topic != "" && topic != "general" {
		switch {
		case prof < 0.35:
			out = append(out, fmt.Sprintf("Review the fundamentals of %s before going further.", topic))
		case prof >= 0.8:
			out = append(out, fmt.Sprintf("Offer a more challenging follow-up on %s.", topic))
		}
	}
	if p.HasPattern(PatternFrequentCorrections) {
		out = append(out, "This learner often corrects answers; double-check facts and state sources.")
	}
	if p.HasPattern(PatternLowSatisfaction) {
		out = append(out, "Check understanding with a short question at the end.")
	}
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
