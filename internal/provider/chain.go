package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/groundwork/internal/metrics"
	"go.uber.org/zap"
)

// Chain tries providers in registration order until one returns a non-empty
// answer. Every call runs under its own hard timeout.
type Chain struct {
	providers []Provider
	timeout   time.Duration
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewChain creates an empty chain. A zero timeout defaults to 30s.
func NewChain(timeout time.Duration, logger *zap.Logger) *Chain {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Chain{timeout: timeout, logger: logger}
}

// Register appends a provider to the end of the fallback order.
func (c *Chain) Register(p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, p)
	c.logger.Info("registered provider",
		zap.String("id", p.ID()),
		zap.String("name", p.Name()),
		zap.Int("position", len(c.providers)))
}

// Providers returns the providers in fallback order.
func (c *Chain) Providers() []Provider {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Provider(nil), c.providers...)
}

// Len returns the number of registered providers.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.providers)
}

// Generate sends req through the chain. Parent cancellation stops the chain
// immediately; per-provider failures move on to the next provider.
func (c *Chain) Generate(ctx context.Context, req *ChatRequest) (*Generation, error) {
	providers := c.Providers()
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllProvidersFailed, ErrNoProviders)
	}

	var errs []error
	for _, p := range providers {
		gen, err := c.call(ctx, p, req)
		if err == nil {
			return gen, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		reason := "error"
		if errors.Is(err, ErrGenerationTimeout) {
			reason = "timeout"
		}
		metrics.ProviderFallback(p.ID(), reason)
		c.logger.Warn("provider failed, trying next",
			zap.String("provider", p.ID()),
			zap.String("reason", reason),
			zap.Error(err))
		errs = append(errs, err)
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAllProvidersFailed, len(errs), errors.Join(errs...))
}

func (c *Chain) call(ctx context.Context, p Provider, req *ChatRequest) (*Generation, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Chat(callCtx, req)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() == nil && (errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
			metrics.ProviderCall(p.ID(), "timeout")
			return nil, fmt.Errorf("provider %s: %w after %s", p.ID(), ErrGenerationTimeout, latency.Round(time.Millisecond))
		}
		metrics.ProviderCall(p.ID(), "error")
		return nil, fmt.Errorf("provider %s: %w: %w", p.ID(), ErrGenerationProvider, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		metrics.ProviderCall(p.ID(), "empty")
		return nil, fmt.Errorf("provider %s: %w: empty completion", p.ID(), ErrGenerationProvider)
	}

	metrics.ProviderCall(p.ID(), "ok")
	c.logger.Debug("generation complete",
		zap.String("provider", p.ID()),
		zap.String("model", resp.Model),
		zap.Duration("latency", latency))

	return &Generation{
		Text:             resp.Content,
		Provider:         p.ID(),
		ModelID:          resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          latency,
	}, nil
}

// Complete is a convenience for single-turn prompts.
func (c *Chain) Complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	gen, err := c.Generate(ctx, &ChatRequest{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return gen.Text, nil
}

// Health checks every provider and returns the errors by provider id.
func (c *Chain) Health(ctx context.Context) map[string]error {
	out := make(map[string]error)
	for _, p := range c.Providers() {
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		out[p.ID()] = p.HealthCheck(hctx)
		cancel()
	}
	return out
}

// New builds a provider from its configuration type.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible", "ollama":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
