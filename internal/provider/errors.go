package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrGenerationTimeout marks a provider call that exceeded its per-call timeout.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationProvider marks a provider call that failed for any other reason.
	ErrGenerationProvider = errors.New("generation provider error")
	// ErrAllProvidersFailed is returned when every provider in the chain failed.
	ErrAllProvidersFailed = errors.New("all generation providers failed")
	// ErrNoProviders is returned by an empty chain.
	ErrNoProviders = errors.New("no generation providers registered")
)

// StatusError is a non-200 reply from a provider API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error %d", e.Code)
	}
	return fmt.Sprintf("API error %d: %s", e.Code, e.Body)
}
