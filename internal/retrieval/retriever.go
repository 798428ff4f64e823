// Package retrieval ranks an owner's stored memories against a query.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrMemoryUnavailable is logged when the store could not be queried.
var ErrMemoryUnavailable = errors.New("memory store unavailable")

// SemanticSearcher finds records by embedding similarity.
type SemanticSearcher interface {
	Search(ctx context.Context, ownerID, text string, minSimilarity float64, limit int) ([]memory.Scored, error)
}

// PersonalTag marks records holding facts about the owner.
const PersonalTag = memory.PersonalTag

// Ranking modes reported in Result.Mode.
const (
	ModeHybrid      = "hybrid"
	ModeLexical     = "lexical"
	ModeUnavailable = "unavailable"
)

// Options configures ranking.
type Options struct {
	TopK           int
	MinSimilarity  float64
	SemanticWeight float64
	LexicalWeight  float64
	// CandidateLimit caps how many records are pulled from the store per query.
	CandidateLimit int
	// PersonalBoost is added to personal-tagged records on personal queries.
	PersonalBoost float64
	Timeout       time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:           10,
		MinSimilarity:  0.2,
		SemanticWeight: 0.7,
		LexicalWeight:  0.3,
		CandidateLimit: 200,
		PersonalBoost:  0.15,
		Timeout:        1500 * time.Millisecond,
	}
}

// Query is one retrieval request.
type Query struct {
	OwnerID        string
	Text           string
	Classification classifier.Classification
}

// Result is the ranked list plus how it was produced.
type Result struct {
	Memories []memory.Scored `json:"memories"`
	Mode     string          `json:"mode"`
}

// Retriever combines lexical scoring over store candidates with an optional
// semantic backend.
type Retriever struct {
	store    memory.Store
	semantic SemanticSearcher
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a retriever. semantic may be nil.
func New(store memory.Store, semantic SemanticSearcher, opts Options, logger *zap.Logger) *Retriever {
	def := DefaultOptions()
	if opts.TopK <= 0 || opts.TopK > 10 {
		opts.TopK = def.TopK
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = def.MinSimilarity
	}
	if opts.SemanticWeight <= 0 && opts.LexicalWeight <= 0 {
		opts.SemanticWeight, opts.LexicalWeight = def.SemanticWeight, def.LexicalWeight
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = def.CandidateLimit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Retriever{
		store:    store,
		semantic: semantic,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Retrieve never fails. Store errors and semantic backend errors or timeouts
// yield an empty result. Without a semantic backend ranking is lexical only.
func (r *Retriever) Retrieve(ctx context.Context, q Query) Result {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	var (
		candidates []memory.Record
		storeErr   error
		semHits    []memory.Scored
		semErr     error
	)

	var g errgroup.Group
	g.Go(func() error {
		candidates, storeErr = r.candidates(ctx, q.OwnerID)
		return nil
	})
	if r.semantic != nil {
		g.Go(func() error {
			semHits, semErr = r.semantic.Search(ctx, q.OwnerID, q.Text, r.opts.MinSimilarity, r.opts.TopK*3)
			return nil
		})
	}
	g.Wait()

	if storeErr != nil {
		metrics.Retrieval(ModeUnavailable)
		r.logger.Warn("memory retrieval skipped",
			zap.String("owner", q.OwnerID),
			zap.Error(errors.Join(ErrMemoryUnavailable, storeErr)))
		return Result{Mode: ModeUnavailable}
	}

	if semErr != nil {
		metrics.Retrieval(ModeUnavailable)
		r.logger.Warn("semantic search failed, continuing without memories",
			zap.String("owner", q.OwnerID),
			zap.Error(errors.Join(ErrMemoryUnavailable, semErr)))
		return Result{Mode: ModeUnavailable}
	}

	mode := ModeLexical
	if r.semantic != nil {
		mode = ModeHybrid
	}

	ranked := r.rank(q, candidates, semHits, mode == ModeHybrid)
	metrics.Retrieval(mode)
	r.logger.Debug("memories retrieved",
		zap.String("owner", q.OwnerID),
		zap.String("mode", mode),
		zap.Int("candidates", len(candidates)),
		zap.Int("returned", len(ranked)))
	return Result{Memories: ranked, Mode: mode}
}

// candidatePools are the store queries whose union is scored. The recent
// window alone would hide durable facts once an owner has many turns.
func (r *Retriever) candidatePools() []memory.Filter {
	limit := r.opts.CandidateLimit
	return []memory.Filter{
		{Limit: limit},
		{MinPriority: memory.PriorityHigh, Limit: limit},
		{Tags: []string{PersonalTag}, Limit: limit},
		{Retentions: []memory.Retention{memory.RetentionLongTerm, memory.RetentionPermanent}, Limit: limit},
	}
}

// candidates queries every pool concurrently and merges them by id.
func (r *Retriever) candidates(ctx context.Context, ownerID string) ([]memory.Record, error) {
	pools := r.candidatePools()
	results := make([][]memory.Record, len(pools))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range pools {
		g.Go(func() error {
			recs, err := r.store.Query(gctx, ownerID, f)
			if err != nil {
				return err
			}
			results[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []memory.Record
	for _, recs := range results {
		for _, rec := range recs {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *Retriever) rank(q Query, candidates []memory.Record, semHits []memory.Scored, hybrid bool) []memory.Scored {
	now := r.now()

	semantic := make(map[string]float64, len(semHits))
	pool := make(map[string]memory.Record, len(candidates)+len(semHits))
	for _, rec := range candidates {
		pool[rec.ID] = rec
	}
	if hybrid {
		for _, h := range semHits {
			if h.Record.OwnerID != q.OwnerID {
				continue
			}
			semantic[h.Record.ID] = h.Score
			if _, ok := pool[h.Record.ID]; !ok {
				pool[h.Record.ID] = h.Record
			}
		}
	}

	out := make([]memory.Scored, 0, len(pool))
	for id, rec := range pool {
		if rec.Expired(now) {
			continue
		}
		lex := memory.LexicalSimilarity(q.Text, rec.Content)
		score := lex
		if hybrid {
			score = r.opts.SemanticWeight*semantic[id] + r.opts.LexicalWeight*lex
		}
		if q.Classification.IsPersonalQuery && rec.HasTag(PersonalTag) && score > 0 {
			score += r.opts.PersonalBoost
		}
		score = clamp01(score)
		if score < r.opts.MinSimilarity {
			continue
		}
		out = append(out, memory.Scored{Record: rec, Score: score})
	}

	SortRanked(out)
	if len(out) > r.opts.TopK {
		out = out[:r.opts.TopK]
	}
	return out
}

// SortRanked orders by score, then priority, then recency, then id.
func SortRanked(s []memory.Scored) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if pa, pb := a.Record.Priority.Rank(), b.Record.Priority.Rank(); pa != pb {
			return pa > pb
		}
		if !a.Record.CreatedAt.Equal(b.Record.CreatedAt) {
			return a.Record.CreatedAt.After(b.Record.CreatedAt)
		}
		return a.Record.ID < b.Record.ID
	})
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
