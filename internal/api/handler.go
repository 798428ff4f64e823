package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/memory"
	"github.com/nidhogg/groundwork/internal/personalization"
	"github.com/nidhogg/groundwork/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Processor runs one pipeline request.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Learner accepts feedback and serves learner profiles.
type Learner interface {
	SubmitFeedback(ctx context.Context, f personalization.Feedback) (string, error)
	Profile(ctx context.Context, ownerID string) (*personalization.Profile, error)
}

// HealthReporter reports per-provider health.
type HealthReporter interface {
	Health(ctx context.Context) map[string]error
}

// Deps are the collaborators the handler maps HTTP requests onto.
// Classifier and Providers may be nil.
type Deps struct {
	Pipeline   Processor
	Learner    Learner
	Memories   memory.Store
	Classifier *classifier.Classifier
	Providers  HealthReporter
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/process", h.process)
		r.Post("/feedback", h.submitFeedback)

		r.Get("/memories", h.listMemories)
		r.Post("/memories", h.storeMemory)

		r.Get("/profiles/{owner}", h.getProfile)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]any{"status": "ok"}

	storeState := "ok"
	if p, ok := h.deps.Memories.(memory.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			storeState = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	body["store"] = storeState

	if h.deps.Providers != nil {
		providers := map[string]string{}
		healthy := 0
		for id, err := range h.deps.Providers.Health(ctx) {
			if err != nil {
				providers[id] = err.Error()
				continue
			}
			providers[id] = "ok"
			healthy++
		}
		body["providers"] = providers
		if healthy == 0 {
			status = http.StatusServiceUnavailable
		}
	}

	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func (h *Handler) process(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.Pipeline.Process(r.Context(), req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
		return
	case err != nil:
		// Only cancellation reaches here; the client is usually gone.
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) submitFeedback(w http.ResponseWriter, r *http.Request) {
	var f personalization.Feedback
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.deps.Learner.SubmitFeedback(r.Context(), f)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, personalization.ErrInvalidFeedback) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"feedback_id": id, "status": "queued"})
}

type memoryRequest struct {
	OwnerID      string           `json:"owner_id"`
	Content      string           `json:"content"`
	Type         memory.Type      `json:"memory_type,omitempty"`
	Priority     memory.Priority  `json:"priority,omitempty"`
	Retention    memory.Retention `json:"retention,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	QualityScore *float64         `json:"quality_score,omitempty"`
}

// defaultQuality is assumed for memories stored directly by callers.
const defaultQuality = 0.7

func (h *Handler) storeMemory(w http.ResponseWriter, r *http.Request) {
	var req memoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rec := memory.Record{
		OwnerID:        req.OwnerID,
		Content:        req.Content,
		Type:           req.Type,
		Priority:       req.Priority,
		Retention:      req.Retention,
		Tags:           req.Tags,
		QualityScore:   defaultQuality,
		RelevanceScore: 0.5,
	}
	if req.QualityScore != nil {
		rec.QualityScore = *req.QualityScore
	}
	if rec.Type == "" {
		rec.Type = memory.TypeInsight
	}
	// Facts about the owner are kept longer and boosted for personal queries.
	if h.deps.Classifier != nil && req.Content != "" {
		cls := h.deps.Classifier.Classify(r.Context(), req.Content, classifier.Hints{})
		if cls.IsPersonalQuery {
			rec.Tags = append(rec.Tags, memory.PersonalTag)
			if rec.Priority == "" {
				rec.Priority = memory.PriorityHigh
			}
			if rec.Retention == "" {
				rec.Retention = memory.RetentionLongTerm
			}
		}
	}

	id, err := h.deps.Memories.Upsert(r.Context(), rec)
	switch {
	case errors.Is(err, memory.ErrInvalidRecord):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, memory.ErrOwnerMismatch):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		h.logger.Error("store memory", zap.String("owner", req.OwnerID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner_id")
	if owner == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "owner_id is required"})
		return
	}
	f := memory.Filter{Tags: q["tag"], MinPriority: memory.Priority(q.Get("min_priority")), Limit: 50}
	for _, t := range q["type"] {
		f.Types = append(f.Types, memory.Type(t))
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	recs, err := h.deps.Memories.Query(r.Context(), owner, f)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if recs == nil {
		recs = []memory.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) getProfile(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	p, err := h.deps.Learner.Profile(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
