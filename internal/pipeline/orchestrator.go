// Package pipeline sequences classification, retrieval, context building,
// generation and validation for one request and returns a single decision
// envelope.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/config"
	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/metrics"
	"github.com/nidhogg/groundwork/internal/personalization"
	"github.com/nidhogg/groundwork/internal/provider"
	"github.com/nidhogg/groundwork/internal/retrieval"
	"github.com/nidhogg/groundwork/internal/validation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("groundwork/pipeline")

// Generator produces candidate text. provider.Chain implements it.
type Generator interface {
	Generate(ctx context.Context, req *provider.ChatRequest) (*provider.Generation, error)
}

// Personalizer steers generation and receives finished interactions.
// personalization.Engine implements it.
type Personalizer interface {
	Instructions(ctx context.Context, ownerID, topic string) []string
	Project(ctx context.Context, in personalization.Interaction) personalization.Summary
	Finalize(ctx context.Context, in personalization.Interaction) error
}

// Deps are the collaborators of an Orchestrator. Memories and Personalizer
// may be nil.
type Deps struct {
	Classifier   *classifier.Classifier
	Retriever    *retrieval.Retriever
	Builder      *contextbuild.Builder
	Generator    Generator
	Validator    *validation.Validator
	Personalizer Personalizer
	// Memories is read for conversation history.
	Memories memory.Store
}

// Options configures the orchestrator.
type Options struct {
	// MaxRetries is the number of regenerations after the first attempt.
	MaxRetries      int
	HistoryTurns    int
	FallbackMessage string
	// FinalizeTimeout bounds the background hand-off to the personalizer.
	FinalizeTimeout time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:      2,
		HistoryTurns:    6,
		FallbackMessage: config.DefaultFallbackMessage,
		FinalizeTimeout: 5 * time.Second,
	}
}

// Orchestrator runs requests through the pipeline. It holds no per-request
// state; concurrent Process calls are independent.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	finalizing sync.WaitGroup
}

// New creates an orchestrator. A negative MaxRetries is treated as zero.
func New(deps Deps, opts Options, logger *zap.Logger) *Orchestrator {
	def := DefaultOptions()
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = def.HistoryTurns
	}
	if opts.FallbackMessage == "" {
		opts.FallbackMessage = def.FallbackMessage
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = def.FinalizeTimeout
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger}
}

// run tracks one request through the state machine.
type run struct {
	res   *Result
	start time.Time
}

func (r *run) enter(s State) {
	r.res.States = append(r.res.States, s)
}

func (r *run) took(s State, since time.Time) {
	d := time.Since(since)
	r.res.Timing.PerStageMs[string(s)] += d.Milliseconds()
	metrics.ObserveStage(string(s), d)
}

// Process runs one request. The error is non-nil only for an invalid request
// or when ctx is cancelled; every other failure is folded into the result.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: owner_id and message are required", ErrInvalidRequest)
	}

	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(attribute.String("owner", req.OwnerID))

	r := &run{
		res: &Result{
			InteractionID: uuid.New().String(),
			Timing:        Timing{PerStageMs: map[string]int64{}},
			Attempts:      []Attempt{},
		},
		start: time.Now(),
	}

	res, err := o.process(ctx, req, r)
	r.res.Timing.TotalMs = time.Since(r.start).Milliseconds()
	if err != nil {
		r.enter(StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RequestDone(string(StateFailed))
		o.logger.Warn("request failed",
			zap.String("owner", req.OwnerID),
			zap.Strings("states", stateNames(r.res.States)),
			zap.Error(err))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("status", string(res.Status)),
		attribute.Float64("validation_score", res.Validation.ValidationScore),
		attribute.Int("attempts", len(res.Attempts)))
	metrics.RequestDone(string(res.Status))
	o.logger.Info("request processed",
		zap.String("owner", req.OwnerID),
		zap.String("interaction", res.InteractionID),
		zap.String("status", string(res.Status)),
		zap.Float64("score", res.Validation.ValidationScore),
		zap.Int("attempts", len(res.Attempts)),
		zap.Int64("total_ms", res.Timing.TotalMs))
	return res, nil
}

func (o *Orchestrator) process(ctx context.Context, req Request, r *run) (*Result, error) {
	res := r.res

	// Classifying.
	r.enter(StateClassifying)
	t := time.Now()
	cls := o.deps.Classifier.Classify(ctx, req.Message, req.Hints)
	r.took(StateClassifying, t)
	res.Classification = cls
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Retrieving.
	r.enter(StateRetrieving)
	t = time.Now()
	retrieved := o.deps.Retriever.Retrieve(ctx, retrieval.Query{
		OwnerID:        req.OwnerID,
		Text:           req.Message,
		Classification: cls,
	})
	history := req.History
	if history == nil && req.ConversationID != "" {
		history = o.loadHistory(ctx, req.OwnerID, req.ConversationID)
	}
	r.took(StateRetrieving, t)
	res.MemoryContext = MemoryContext{
		MemoriesFound: len(retrieved.Memories),
		Summary:       summarize(retrieved.Memories),
		Mode:          retrieved.Mode,
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var instructions []string
	if o.deps.Personalizer != nil {
		instructions = o.deps.Personalizer.Instructions(ctx, req.OwnerID, cls.Topic)
	}

	var (
		best      *candidate
		avoid     []string
		lastValid bool
	)
	for attempt := 1; attempt <= o.opts.MaxRetries+1; attempt++ {
		r.enter(StateBuildingContext)
		t = time.Now()
		gc := o.deps.Builder.Build(contextbuild.Input{
			Message:        req.Message,
			Classification: cls,
			Memories:       retrieved.Memories,
			History:        history,
			Instructions:   instructions,
			Avoid:          avoid,
		})
		r.took(StateBuildingContext, t)

		r.enter(StateGenerating)
		t = time.Now()
		gen, err := o.deps.Generator.Generate(ctx, o.deps.Builder.ChatRequest(gc))
		r.took(StateGenerating, t)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if best != nil {
				o.logger.Warn("regeneration failed, keeping best candidate",
					zap.Int("attempt", attempt), zap.Error(err))
				break
			}
			o.logger.Error("generation unavailable, returning fallback",
				zap.String("owner", req.OwnerID), zap.Error(err))
			o.fallback(res, err)
			r.enter(StateFinalizing)
			o.finalize(ctx, req, res)
			r.enter(StateDone)
			return res, nil
		}

		r.enter(StateValidating)
		t = time.Now()
		vr, err := o.deps.Validator.Validate(ctx, validation.Input{
			Query:          req.Message,
			Response:       gen.Text,
			Classification: cls,
			Context:        gc,
			History:        history,
			Memories:       retrieved.Memories,
		})
		r.took(StateValidating, t)
		if err != nil {
			return nil, err
		}

		r.enter(StateDeciding)
		res.Attempts = append(res.Attempts, Attempt{
			Number:          attempt,
			Provider:        gen.Provider,
			Model:           gen.ModelID,
			ValidationScore: vr.ValidationScore,
			IsValid:         vr.IsValid,
		})
		c := &candidate{gen: gen, validation: vr}
		if best == nil || vr.IsValid || vr.ValidationScore > best.validation.ValidationScore {
			best = c
		}
		lastValid = vr.IsValid
		if vr.IsValid {
			break
		}
		avoid = mergeAvoid(avoid, vr.FlaggedClaims())
		o.logger.Debug("candidate rejected",
			zap.Int("attempt", attempt),
			zap.Float64("score", vr.ValidationScore),
			zap.Int("issues", len(vr.Issues)))
	}

	res.Content = best.gen.Text
	res.Provider = best.gen.Provider
	res.Model = best.gen.ModelID
	res.Validation = best.validation
	switch {
	case lastValid && best.validation.Confidence.Recommendation == validation.Review:
		res.Status = StatusFlagged
	case lastValid:
		res.Status = StatusAccepted
	default:
		res.Status = StatusBestEffort
		res.Validation.Issues = append(res.Validation.Issues, validation.Issue{
			Severity: validation.SeverityWarning,
			Code:     validation.CodeRetriesExhausted,
			Message: fmt.Sprintf("no candidate passed validation after %d attempt(s); returning the best (score %.2f)",
				len(res.Attempts), best.validation.ValidationScore),
		})
	}

	r.enter(StateFinalizing)
	o.finalize(ctx, req, res)
	r.enter(StateDone)
	return res, nil
}

type candidate struct {
	gen        *provider.Generation
	validation validation.Result
}

// fallback fills res with the labelled fallback answer.
func (o *Orchestrator) fallback(res *Result, cause error) {
	res.Status = StatusFallback
	res.Content = o.opts.FallbackMessage
	res.Validation = validation.Result{
		IsValid:         false,
		ValidationScore: 0,
		Level:           res.Classification.RequiredValidationLevel,
		Issues: []validation.Issue{{
			Severity: validation.SeverityCritical,
			Code:     validation.CodeGenerationFailure,
			Message:  "every generation provider failed: " + cause.Error(),
		}},
		Contradictions:  []validation.Contradiction{},
		Recommendations: []string{"Retry the request later."},
	}
}

// finalize projects the profile change and hands the interaction to the
// personalizer in the background.
func (o *Orchestrator) finalize(ctx context.Context, req Request, res *Result) {
	res.Personalization = personalization.Summary{Suggestions: []string{}}
	if o.deps.Personalizer == nil {
		return
	}
	in := personalization.Interaction{
		ID:              res.InteractionID,
		OwnerID:         req.OwnerID,
		ConversationID:  req.ConversationID,
		Query:           req.Message,
		Response:        res.Content,
		Topic:           res.Classification.Topic,
		Subject:         res.Classification.Subject,
		Complexity:      string(res.Classification.Complexity),
		IsPersonal:      res.Classification.IsPersonalQuery,
		ValidationScore: res.Validation.ValidationScore,
		IsValid:         res.Validation.IsValid,
		Fallback:        res.Status == StatusFallback,
		Model:           res.Model,
		CreatedAt:       time.Now().UTC(),
	}
	res.Personalization = o.deps.Personalizer.Project(ctx, in)

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.FinalizeTimeout)
	o.finalizing.Add(1)
	go func() {
		defer o.finalizing.Done()
		defer cancel()
		if err := o.deps.Personalizer.Finalize(bg, in); err != nil {
			o.logger.Warn("finalize failed",
				zap.String("interaction", in.ID),
				zap.Error(errors.Join(ErrPersonalizationUpdate, err)))
		}
	}()
}

// Wait blocks until every background finalize hand-off has returned.
func (o *Orchestrator) Wait() {
	o.finalizing.Wait()
}

// loadHistory returns the conversation's recent turns, oldest first.
func (o *Orchestrator) loadHistory(ctx context.Context, ownerID, conversationID string) []contextbuild.Turn {
	if o.deps.Memories == nil {
		return nil
	}
	recs, err := o.deps.Memories.Query(ctx, ownerID, memory.Filter{
		Types: []memory.Type{memory.TypeUserQuery, memory.TypeAIResponse},
		Tags:  []string{personalization.ConversationTag(conversationID)},
		Limit: o.opts.HistoryTurns,
	})
	if err != nil {
		o.logger.Warn("conversation history unavailable",
			zap.String("conversation", conversationID),
			zap.Error(errors.Join(ErrMemoryUnavailable, err)))
		return nil
	}
	turns := make([]contextbuild.Turn, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		role := "user"
		if recs[i].Type == memory.TypeAIResponse {
			role = "assistant"
		}
		turns = append(turns, contextbuild.Turn{Role: role, Content: recs[i].Content, CreatedAt: recs[i].CreatedAt})
	}
	return turns
}

func summarize(mems []memory.Scored) string {
	if len(mems) == 0 {
		return ""
	}
	const show = 3
	parts := make([]string, 0, show)
	for i, m := range mems {
		if i == show {
			break
		}
		parts = append(parts, excerpt(m.Record.Content, 80))
	}
	s := fmt.Sprintf("%d relevant memor", len(mems))
	if len(mems) == 1 {
		s += "y"
	} else {
		s += "ies"
	}
	return s + ": " + strings.Join(parts, " | ")
}

func excerpt(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}

func mergeAvoid(have, add []string) []string {
	seen := make(map[string]bool, len(have))
	for _, s := range have {
		seen[s] = true
	}
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			have = append(have, s)
		}
	}
	return have
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
