package pipeline

import (
	"errors"

	"github.com/nidhogg/groundwork/internal/classifier"
	"github.com/nidhogg/groundwork/internal/personalization"
	"github.com/nidhogg/groundwork/internal/provider"
	"github.com/nidhogg/groundwork/internal/retrieval"
	"github.com/nidhogg/groundwork/internal/validation"
)

// ErrInvalidRequest is returned by Process for a request it cannot run.
var ErrInvalidRequest = errors.New("invalid pipeline request")

// The error taxonomy, gathered from the stages that raise each error. Only
// ErrAllProvidersFailed reaches the caller, and then as a fallback result.
var (
	ErrClassificationDegraded = classifier.ErrClassificationDegraded
	ErrMemoryUnavailable      = retrieval.ErrMemoryUnavailable
	ErrGenerationTimeout      = provider.ErrGenerationTimeout
	ErrGenerationProvider     = provider.ErrGenerationProvider
	ErrAllProvidersFailed     = provider.ErrAllProvidersFailed
	ErrValidationSubCheck     = validation.ErrSubCheck
	ErrPersonalizationUpdate  = personalization.ErrUpdate
)
