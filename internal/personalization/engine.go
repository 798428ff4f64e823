// Package personalization adapts a learner profile to interactions and
// feedback, and turns each interaction into memory records.
package personalization

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/queue"
	"go.uber.org/zap"
)

// Options configures the engine.
type Options struct {
	LearningRate float64
	// Window is how many recent interactions feed pattern detection.
	Window int
	// HistoryLimit caps the adaptation history and dedup list.
	HistoryLimit int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{LearningRate: 0.2, Window: 10, HistoryLimit: 200}
}

// ConversationTag tags memory records with the conversation they belong to.
func ConversationTag(conversationID string) string {
	return "conversation:" + strings.ToLower(conversationID)
}

// Engine owns profile updates. Updates for one owner are serialized by the
// profile store's Update.
type Engine struct {
	profiles ProfileStore
	memories memory.Store
	q        queue.Queue
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine creates an engine. q carries Finalize and SubmitFeedback work to
// Run.
func NewEngine(profiles ProfileStore, memories memory.Store, q queue.Queue, opts Options, logger *zap.Logger) *Engine {
	def := DefaultOptions()
	if opts.LearningRate <= 0 || opts.LearningRate > 1 {
		opts.LearningRate = def.LearningRate
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = def.HistoryLimit
	}
	return &Engine{
		profiles: profiles,
		memories: memories,
		q:        q,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Profile returns the owner's profile, or a fresh one if none is stored.
func (e *Engine) Profile(ctx context.Context, ownerID string) (*Profile, error) {
	p, err := e.profiles.Get(ctx, ownerID)
	if errors.Is(err, ErrProfileNotFound) {
		return NewProfile(ownerID, e.now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", ownerID, err)
	}
	return p, nil
}

// Instructions returns steering hints for generating a response on topic.
func (e *Engine) Instructions(ctx context.Context, ownerID, topic string) []string {
	p, err := e.Profile(ctx, ownerID)
	if err != nil {
		e.logger.Warn("profile unavailable for instructions", zap.String("owner", ownerID), zap.Error(err))
		return nil
	}
	return Suggestions(p, topic)
}

// Project previews what finalizing in would change, without persisting.
func (e *Engine) Project(ctx context.Context, in Interaction) Summary {
	p, err := e.Profile(ctx, in.OwnerID)
	if err != nil {
		e.logger.Warn("profile unavailable for projection", zap.String("owner", in.OwnerID), zap.Error(err))
		return Summary{Suggestions: []string{}}
	}
	u := e.updater(p.Clone(), "projection")
	u.applyInteraction(in)
	u.derivePatterns()
	s := Summary{Suggestions: Suggestions(u.p, in.Topic), ProfileDelta: u.delta}
	if s.Suggestions == nil {
		s.Suggestions = []string{}
	}
	return s
}

// Finalize hands a completed interaction to the background worker.
func (e *Engine) Finalize(ctx context.Context, in Interaction) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = e.now()
	}
	msg, err := queue.NewMessage(queue.KindFinalize, in.OwnerID, in)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if err := e.q.Publish(ctx, msg); err != nil {
		return fmt.Errorf("%w: enqueue finalize: %w", ErrUpdate, err)
	}
	return nil
}

// SubmitFeedback validates f and enqueues it. It returns the feedback id.
func (e *Engine) SubmitFeedback(ctx context.Context, f Feedback) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = e.now()
	}
	msg, err := queue.NewMessage(queue.KindFeedback, f.OwnerID, f)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpdate, err)
	}
	if err := e.q.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: enqueue feedback: %w", ErrUpdate, err)
	}
	return f.ID, nil
}

// Run consumes the queue until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("personalization worker started")
	defer e.logger.Info("personalization worker stopped")
	return e.q.Consume(ctx, e.Handle)
}

// Handle applies one queued message.
func (e *Engine) Handle(ctx context.Context, msg queue.Message) error {
	switch msg.Kind {
	case queue.KindFinalize:
		var in Interaction
		if err := msg.Decode(&in); err != nil {
			e.logger.Error("dropping undecodable interaction", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		_, err := e.ApplyInteraction(ctx, in)
		return err
	case queue.KindFeedback:
		var f Feedback
		if err := msg.Decode(&f); err != nil {
			e.logger.Error("dropping undecodable feedback", zap.String("id", msg.ID), zap.Error(err))
			return nil
		}
		_, err := e.ApplyFeedback(ctx, f)
		return err
	default:
		e.logger.Warn("unknown message kind", zap.String("kind", msg.Kind), zap.String("id", msg.ID))
		return nil
	}
}

// ApplyInteraction stores the interaction as memories and updates the
// profile. Reapplying the same interaction is a no-op.
func (e *Engine) ApplyInteraction(ctx context.Context, in Interaction) (Delta, error) {
	var (
		delta   Delta
		updated *Profile
	)
	err := e.profiles.Update(ctx, in.OwnerID, func(p *Profile) (*Profile, error) {
		if p == nil {
			p = NewProfile(in.OwnerID, e.now())
		}
		if p.applied(in.ID) {
			e.logger.Debug("interaction already applied", zap.String("interaction", in.ID))
			return nil, nil
		}

		for _, rec := range interactionRecords(in) {
			if _, err := e.memories.Upsert(ctx, rec); err != nil {
				return nil, fmt.Errorf("store %s memory: %w", rec.Type, err)
			}
		}

		u := e.updater(p, "interaction:"+in.ID)
		u.applyInteraction(in)
		u.derivePatterns()
		u.markApplied(in.ID)
		p.UpdatedAt = u.now
		delta, updated = u.delta, p
		return p, nil
	})
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %w", ErrUpdate, err)
	}

	if updated != nil {
		e.logger.Debug("interaction applied",
			zap.String("owner", in.OwnerID),
			zap.String("interaction", in.ID),
			zap.Int("interactions", updated.InteractionCount),
			zap.Strings("patterns", updated.Patterns))
	}
	return delta, nil
}

// ApplyFeedback updates the profile from f; correction feedback also becomes
// a long-term memory. Reapplying the same feedback is a no-op.
func (e *Engine) ApplyFeedback(ctx context.Context, f Feedback) (Delta, error) {
	var (
		delta   Delta
		updated *Profile
	)
	err := e.profiles.Update(ctx, f.OwnerID, func(p *Profile) (*Profile, error) {
		if p == nil {
			p = NewProfile(f.OwnerID, e.now())
		}
		if f.ID != "" && p.applied("feedback:"+f.ID) {
			return nil, nil
		}

		if f.Type == FeedbackCorrection {
			if _, err := e.memories.Upsert(ctx, correctionRecord(f, e.now())); err != nil {
				return nil, fmt.Errorf("store correction: %w", err)
			}
		}

		u := e.updater(p, "feedback:"+f.ID)
		u.applyFeedback(f)
		u.derivePatterns()
		if f.ID != "" {
			u.markApplied("feedback:" + f.ID)
		}
		p.UpdatedAt = u.now
		delta, updated = u.delta, p
		return p, nil
	})
	if err != nil {
		return Delta{}, fmt.Errorf("%w: %w", ErrUpdate, err)
	}

	if updated != nil {
		e.logger.Info("feedback applied",
			zap.String("owner", f.OwnerID),
			zap.String("type", string(f.Type)),
			zap.Int("rating", f.Rating),
			zap.Strings("patterns", updated.Patterns))
	}
	return delta, nil
}

func (e *Engine) updater(p *Profile, source string) *updater {
	return &updater{
		p:      p,
		rate:   e.opts.LearningRate,
		window: e.opts.Window,
		limit:  e.opts.HistoryLimit,
		now:    e.now(),
		source: source,
	}
}

// recordID derives a stable id so redelivered messages upsert in place.
func recordID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, ":"))).String()
}

func interactionRecords(in Interaction) []memory.Record {
	tags := []string{in.Topic, in.Subject}
	if in.ConversationID != "" {
		tags = append(tags, ConversationTag(in.ConversationID))
	}

	query := memory.Record{
		ID:             recordID(in.ID, "query"),
		OwnerID:        in.OwnerID,
		Content:        in.Query,
		Type:           memory.TypeUserQuery,
		QualityScore:   0.6,
		RelevanceScore: 0.5,
		Priority:       memory.PriorityMedium,
		Retention:      memory.RetentionShortTerm,
		Tags:           append([]string{"role:user"}, tags...),
		CreatedAt:      in.CreatedAt,
	}
	if in.IsPersonal {
		query.Priority = memory.PriorityHigh
		query.Retention = memory.RetentionLongTerm
		query.QualityScore = 0.8
		query.Tags = append(query.Tags, memory.PersonalTag)
	}
	out := []memory.Record{query}

	if in.Fallback || strings.TrimSpace(in.Response) == "" {
		return out
	}
	resp := memory.Record{
		ID:             recordID(in.ID, "response"),
		OwnerID:        in.OwnerID,
		Content:        in.Response,
		Type:           memory.TypeAIResponse,
		QualityScore:   in.ValidationScore,
		RelevanceScore: 0.5,
		Priority:       memory.PriorityMedium,
		Retention:      memory.RetentionShortTerm,
		Tags:           append([]string{"role:assistant"}, tags...),
		// Responses sort after the query they answer.
		CreatedAt: in.CreatedAt.Add(time.Millisecond),
	}
	if !in.IsValid {
		resp.Priority = memory.PriorityLow
		resp.Retention = memory.RetentionSession
	}
	return append(out, resp)
}

func correctionRecord(f Feedback, now time.Time) memory.Record {
	created := f.CreatedAt
	if created.IsZero() {
		created = now
	}
	return memory.Record{
		ID:             recordID("feedback", f.ID, "correction"),
		OwnerID:        f.OwnerID,
		Content:        f.CorrectionText,
		Type:           memory.TypeCorrection,
		QualityScore:   0.9,
		RelevanceScore: 0.8,
		Priority:       memory.PriorityHigh,
		Retention:      memory.RetentionLongTerm,
		Tags:           []string{"correction", f.Topic},
		CreatedAt:      created,
	}
}
