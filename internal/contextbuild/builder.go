// Package contextbuild packs the user message, retrieved memories, prior
// turns and steering instructions into a fixed character budget.
package contextbuild

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/provider"
	"go.uber.org/zap"
)

const truncationMark = "..."

// Options configures the builder.
type Options struct {
	// Budget is the total character budget for all fragments.
	Budget int
	// MinExcerpt is the smallest remainder worth filling with a truncated fragment.
	MinExcerpt int

	ClassificationWeight float64
	InstructionWeight    float64
	AvoidanceWeight      float64
	// HistoryWeight applies to the most recent turn; older turns decay by HistoryDecay.
	HistoryWeight float64
	HistoryDecay  float64

	SystemPrompt string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Budget:               6000,
		MinExcerpt:           80,
		ClassificationWeight: 1.0,
		InstructionWeight:    0.8,
		AvoidanceWeight:      3.0,
		HistoryWeight:        0.9,
		HistoryDecay:         0.8,
		SystemPrompt: "You are a patient tutor. Answer accurately and concisely. " +
			"Use the learner's memories below when they are relevant, and say so when you are unsure.",
	}
}

// Input is everything the builder may draw from.
type Input struct {
	Message        string
	Classification classifier.Classification
	Memories       []memory.Scored
	History        []Turn
	// Instructions are style hints, e.g. from the learner's profile.
	Instructions []string
	// Avoid lists claims flagged by validation that a regeneration must not repeat.
	Avoid []string
}

// Builder assembles GenerationContexts.
type Builder struct {
	opts   Options
	logger *zap.Logger
}

// NewBuilder creates a builder.
func NewBuilder(opts Options, logger *zap.Logger) *Builder {
	def := DefaultOptions()
	if opts.Budget <= 0 {
		opts.Budget = def.Budget
	}
	if opts.MinExcerpt <= 0 {
		opts.MinExcerpt = def.MinExcerpt
	}
	if opts.ClassificationWeight <= 0 {
		opts.ClassificationWeight = def.ClassificationWeight
	}
	if opts.InstructionWeight <= 0 {
		opts.InstructionWeight = def.InstructionWeight
	}
	if opts.AvoidanceWeight <= 0 {
		opts.AvoidanceWeight = def.AvoidanceWeight
	}
	if opts.HistoryWeight <= 0 {
		opts.HistoryWeight = def.HistoryWeight
	}
	if opts.HistoryDecay <= 0 || opts.HistoryDecay > 1 {
		opts.HistoryDecay = def.HistoryDecay
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = def.SystemPrompt
	}
	return &Builder{opts: opts, logger: logger}
}

// MemoryWeight is relevance x quality x priority multiplier.
func MemoryWeight(s memory.Scored) float64 {
	return s.Score * s.Record.QualityScore * s.Record.Priority.Multiplier()
}

// Build packs in into the budget. The user message always occupies the first
// slot; everything else is added greedily by descending weight.
func (b *Builder) Build(in Input) GenerationContext {
	budget := b.opts.Budget
	gc := GenerationContext{Budget: budget}

	msg := in.Message
	if len(msg) > budget {
		msg = truncate(msg, budget)
		gc.Truncated++
	}
	gc.Fragments = append(gc.Fragments, Fragment{
		Source:  "user_message",
		Kind:    KindUserMessage,
		Content: msg,
		Weight:  0,
		Pinned:  true,
	})
	remaining := budget - len(msg)

	candidates := b.candidates(in)
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Weight > candidates[j].Weight
	})

	for _, f := range candidates {
		switch {
		case len(f.Content) <= remaining:
		case remaining >= b.opts.MinExcerpt:
			f.Content = truncate(f.Content, remaining)
			gc.Truncated++
		default:
			gc.Dropped++
			continue
		}
		remaining -= len(f.Content)
		gc.Fragments = append(gc.Fragments, f)
	}
	gc.Used = budget - remaining

	if gc.Dropped > 0 || gc.Truncated > 0 {
		b.logger.Debug("context packed with losses",
			zap.Int("budget", budget),
			zap.Int("used", gc.Used),
			zap.Int("dropped", gc.Dropped),
			zap.Int("truncated", gc.Truncated))
	}
	return gc
}

func (b *Builder) candidates(in Input) []Fragment {
	var out []Fragment

	if len(in.Avoid) > 0 {
		var sb strings.Builder
		sb.WriteString("A previous draft was rejected. Do not repeat these statements; correct them or say you are unsure:\n")
		for _, c := range in.Avoid {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
		out = append(out, Fragment{
			Source:  "instruction:avoid",
			Kind:    KindInstruction,
			Content: strings.TrimRight(sb.String(), "\n"),
			Weight:  b.opts.AvoidanceWeight,
		})
	}

	if in.Classification.Topic != "" {
		out = append(out, Fragment{
			Source:  "classification",
			Kind:    KindClassification,
			Content: in.Classification.Summary(),
			Weight:  b.opts.ClassificationWeight,
		})
	}

	for i, ins := range in.Instructions {
		if strings.TrimSpace(ins) == "" {
			continue
		}
		out = append(out, Fragment{
			Source:  fmt.Sprintf("instruction:%d", i),
			Kind:    KindInstruction,
			Content: ins,
			Weight:  b.opts.InstructionWeight,
		})
	}

	for _, m := range in.Memories {
		out = append(out, Fragment{
			Source:  "memory:" + m.Record.ID,
			Kind:    KindMemory,
			Content: m.Record.Content,
			Weight:  MemoryWeight(m),
			Quality: m.Record.QualityScore,
		})
	}

	w := b.opts.HistoryWeight
	for i := len(in.History) - 1; i >= 0; i-- {
		t := in.History[i]
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, Fragment{
			Source:  fmt.Sprintf("history:%d", i),
			Kind:    KindHistory,
			Role:    t.Role,
			Content: t.Content,
			Weight:  w,
			Order:   i,
		})
		w *= b.opts.HistoryDecay
	}
	return out
}

// Messages renders the context as chat messages: one system message, the
// surviving history turns in order, then the user message.
func (b *Builder) Messages(gc GenerationContext) []provider.Message {
	var sys strings.Builder
	sys.WriteString(b.opts.SystemPrompt)

	for _, f := range gc.OfKind(KindInstruction) {
		sys.WriteString("\n\n")
		sys.WriteString(f.Content)
	}
	for _, f := range gc.OfKind(KindClassification) {
		sys.WriteString("\n\n[Request]\n")
		sys.WriteString(f.Content)
	}
	if mems := gc.OfKind(KindMemory); len(mems) > 0 {
		sys.WriteString("\n\n[Learner memories]\n")
		for _, f := range mems {
			fmt.Fprintf(&sys, "- %s\n", f.Content)
		}
	}

	msgs := []provider.Message{{Role: "system", Content: strings.TrimRight(sys.String(), "\n")}}

	hist := gc.OfKind(KindHistory)
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].Order < hist[j].Order })
	for _, f := range hist {
		role := f.Role
		if role != "assistant" {
			role = "user"
		}
		msgs = append(msgs, provider.Message{Role: role, Content: f.Content})
	}

	return append(msgs, provider.Message{Role: "user", Content: gc.UserMessage()})
}

// ChatRequest wraps Messages into a provider request.
func (b *Builder) ChatRequest(gc GenerationContext) *provider.ChatRequest {
	return &provider.ChatRequest{
		Messages:    b.Messages(gc),
		Temperature: 0.3,
		MaxTokens:   1024,
	}
}

// truncate cuts s to at most n bytes on a rune boundary, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= len(truncationMark) {
		return cutRunes(s, n)
	}
	return cutRunes(s, n-len(truncationMark)) + truncationMark
}

func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
