package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Completer runs a single-turn prompt. provider.Chain satisfies it.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

const verifierPrompt = `You check statements made by a tutoring assistant.
Given a claim and optional evidence, label the claim as one of:
supported, unsupported, contradicted, unverifiable.
Use general knowledge when the evidence is silent.
Reply with JSON only: {"label": "<label>"}`

// LLMVerifier asks a language model to settle claims the local evidence
// cannot.
type LLMVerifier struct {
	llm    Completer
	logger *zap.Logger
}

func NewLLMVerifier(llm Completer, logger *zap.Logger) *LLMVerifier {
	return &LLMVerifier{llm: llm, logger: logger}
}

func (v *LLMVerifier) Verify(ctx context.Context, claim string, evidence []string) (Support, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Claim: %s\n", claim)
	if len(evidence) > 0 {
		sb.WriteString("Evidence:\n")
		for _, e := range evidence {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	out, err := v.llm.Complete(ctx, verifierPrompt, sb.String(), 24)
	if err != nil {
		return "", fmt.Errorf("verifier: %w", err)
	}
	return parseLabel(out)
}

func parseLabel(out string) (Support, error) {
	start := strings.Index(out, "{")
	end := strings.LastIndex(out, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("verifier: no JSON object in reply")
	}
	var v struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal([]byte(out[start:end+1]), &v); err != nil {
		return "", fmt.Errorf("verifier: decode reply: %w", err)
	}
	switch l := Support(strings.ToLower(strings.TrimSpace(v.Label))); l {
	case Supported, Unsupported, Contradicted, Unverifiable:
		return l, nil
	default:
		return "", fmt.Errorf("verifier: unknown label %q", v.Label)
	}
}
