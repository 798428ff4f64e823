package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func openAIServer(t *testing.T, content string, delay time.Duration) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(openAIChatResponse{
			ID:      "cmpl-1",
			Model:   req.Model,
			Choices: []openAIChoice{{Message: Message{Role: "assistant", Content: content}, FinishReason: "stop"}},
			Usage:   Usage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17},
		})
	})
	mux.HandleFunc("/models", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":"m"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChainFallsBackOnTimeout(t *testing.T) {
	slow := openAIServer(t, "too late", 2*time.Second)
	fast := openAIServer(t, "Paris is the capital of France.", 0)

	chain := NewChain(100*time.Millisecond, zap.NewNop())
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "primary", Endpoint: slow.URL, Models: []string{"slow-model"}}, zap.NewNop()))
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "backup", Endpoint: fast.URL, Models: []string{"fast-model"}}, zap.NewNop()))

	gen, err := chain.Generate(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "capital of France?"}}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Provider != "backup" {
		t.Errorf("provider = %q, want backup", gen.Provider)
	}
	if gen.ModelID != "fast-model" {
		t.Errorf("model = %q, want fast-model", gen.ModelID)
	}
	if gen.PromptTokens != 12 || gen.CompletionTokens != 5 {
		t.Errorf("tokens = %d/%d", gen.PromptTokens, gen.CompletionTokens)
	}
}

func TestChainAllProvidersFail(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	chain := NewChain(time.Second, zap.NewNop())
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "a", Endpoint: broken.URL}, zap.NewNop()))
	chain.Register(NewAnthropicProvider(ProviderConfig{ID: "b", Endpoint: broken.URL}, zap.NewNop()))

	_, err := chain.Generate(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("got %v, want ErrAllProvidersFailed", err)
	}
	if !errors.Is(err, ErrGenerationProvider) {
		t.Errorf("expected per-provider errors to be joined, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("status error not preserved: %v", err)
	}
}

func TestChainEmptyCompletionFallsThrough(t *testing.T) {
	empty := openAIServer(t, "   ", 0)
	good := openAIServer(t, "ok", 0)

	chain := NewChain(time.Second, zap.NewNop())
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "empty", Endpoint: empty.URL}, zap.NewNop()))
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "good", Endpoint: good.URL}, zap.NewNop()))

	gen, err := chain.Generate(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gen.Provider != "good" {
		t.Errorf("provider = %q, want good", gen.Provider)
	}
}

func TestChainParentCancellationStops(t *testing.T) {
	slow := openAIServer(t, "late", 2*time.Second)
	fast := openAIServer(t, "fast", 0)

	chain := NewChain(5*time.Second, zap.NewNop())
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "slow", Endpoint: slow.URL}, zap.NewNop()))
	chain.Register(NewOpenAIProvider(ProviderConfig{ID: "fast", Endpoint: fast.URL}, zap.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := chain.Generate(ctx, &ChatRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want parent deadline", err)
	}
}

func TestChainNoProviders(t *testing.T) {
	chain := NewChain(0, zap.NewNop())
	_, err := chain.Generate(context.Background(), &ChatRequest{})
	if !errors.Is(err, ErrNoProviders) || !errors.Is(err, ErrAllProvidersFailed) {
		t.Errorf("got %v", err)
	}
}

func TestAnthropicConvertRequestFoldsSystem(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Models: []string{"claude-test"}}, zap.NewNop())
	ar := p.convertRequest(&ChatRequest{Messages: []Message{
		{Role: "system", Content: "be precise"},
		{Role: "system", Content: "cite memory"},
		{Role: "user", Content: "hi"},
	}})
	if ar.System != "be precise\n\ncite memory" {
		t.Errorf("system = %q", ar.System)
	}
	if len(ar.Messages) != 1 || ar.Model != "claude-test" || ar.MaxTokens != 4096 {
		t.Errorf("request = %+v", ar)
	}
}
