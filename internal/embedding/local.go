package embedding

import "context"

// LocalProvider implements Provider using an Ollama-compatible embeddings
// API, one request per text.
type LocalProvider struct {
	client
	model string
}

// NewLocalProvider creates a new LocalProvider from the given Config.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{client: newClient(cfg), model: cfg.Model}
}

type localRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type localResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var resp localResponse
		if err := p.post(ctx, "/api/embeddings", localRequest{Model: p.model, Prompt: text}, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Embedding)
	}
	p.remember(out)
	return out, nil
}
