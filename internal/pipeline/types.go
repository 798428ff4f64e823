package pipeline

import (
	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/contextbuild"
	"github.com/nidhogg/groundwork/internal/personalization"
	"github.com/nidhogg/groundwork/internal/validation"
)

// State is a step of the request state machine.
type State string

const (
	StateClassifying     State = "classifying"
	StateRetrieving      State = "retrieving"
	StateBuildingContext State = "building_context"
	StateGenerating      State = "generating"
	StateValidating      State = "validating"
	StateDeciding        State = "deciding"
	StateFinalizing      State = "finalizing"
	StateDone            State = "done"
	StateFailed          State = "failed"
)

// Status is the decision attached to a result.
type Status string

const (
	// StatusAccepted: the candidate passed validation.
	StatusAccepted Status = "accepted"
	// StatusFlagged: valid, but confidence recommends review.
	StatusFlagged Status = "flagged"
	// StatusBestEffort: retries ran out; the best candidate is returned with
	// its issues.
	StatusBestEffort Status = "best_effort"
	// StatusFallback: no provider produced a candidate.
	StatusFallback Status = "fallback"
)

// Request is one call to Process.
type Request struct {
	OwnerID        string           `json:"owner_id"`
	Message        string           `json:"message"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Hints          classifier.Hints `json:"hints,omitempty"`
	// History overrides the turns loaded for ConversationID.
	History []contextbuild.Turn `json:"history,omitempty"`
}

// MemoryContext describes the memories that informed the response.
type MemoryContext struct {
	MemoriesFound int    `json:"memories_found"`
	Summary       string `json:"summary"`
	Mode          string `json:"mode"`
}

// Timing reports wall time per stage. Repeated stages accumulate.
type Timing struct {
	PerStageMs map[string]int64 `json:"per_stage_ms"`
	TotalMs    int64            `json:"total_ms"`
}

// Attempt summarizes one generation and its validation.
type Attempt struct {
	Number          int     `json:"number"`
	Provider        string  `json:"provider"`
	Model           string  `json:"model"`
	ValidationScore float64 `json:"validation_score"`
	IsValid         bool    `json:"is_valid"`
}

// Result is the envelope Process returns, including on generation failure.
type Result struct {
	InteractionID   string                    `json:"interaction_id"`
	Content         string                    `json:"content"`
	Status          Status                    `json:"status"`
	Validation      validation.Result         `json:"validation"`
	MemoryContext   MemoryContext             `json:"memory_context"`
	Personalization personalization.Summary   `json:"personalization"`
	Timing          Timing                    `json:"timing"`
	Classification  classifier.Classification `json:"classification"`
	Provider        string                    `json:"provider,omitempty"`
	Model           string                    `json:"model,omitempty"`
	Attempts        []Attempt                 `json:"attempts"`
	// States is the path taken through the state machine.
	States []State `json:"states"`
}
