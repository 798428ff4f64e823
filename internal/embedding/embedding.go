// Package embedding turns text into vectors through an HTTP embedding
// backend.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider" yaml:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Model     string `json:"model" yaml:"model"`
	APIKey    string `json:"api_key" yaml:"api_key"`
	Dimension int    `json:"dimension" yaml:"dimension"`
	Timeout   time.Duration
}

var ErrNotConfigured = errors.New("embedding provider not configured")

// New returns the provider named by cfg.Provider.
func New(cfg Config) (Provider, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNotConfigured
	}
	switch cfg.Provider {
	case "", "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// client is the HTTP plumbing shared by both providers.
type client struct {
	http     *http.Client
	endpoint string
	apiKey   string
	// dim caches the width of the first vector returned.
	dim     atomic.Int64
	initDim int
}

func newClient(cfg Config) client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return client{
		http:     &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		initDim:  cfg.Dimension,
	}
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

func (c *client) remember(vectors [][]float32) {
	if len(vectors) > 0 && len(vectors[0]) > 0 {
		c.dim.CompareAndSwap(0, int64(len(vectors[0])))
	}
}

// Dimension returns the width of the first vector seen, or the configured
// default before any call succeeded.
func (c *client) Dimension() int {
	if d := c.dim.Load(); d > 0 {
		return int(d)
	}
	return c.initDim
}
