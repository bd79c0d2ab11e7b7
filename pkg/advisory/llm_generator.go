package advisory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tradegate/pkg/llm"
)

const systemPrompt = `You are the advisory component of a trade decisioning platform.
Your output is informative only; a deterministic policy engine has already decided.

Respond with exactly one JSON object and nothing else.
No markdown, no code fences, no prose, no null values, no extra fields.
Only cite policy ids that appear in the risk result.

If you cannot produce a valid advisory, respond with exactly:
{"error":"advisory_unavailable"}`

const schemaHint = `{
  "recommendation": "proceed" | "caution" | "reject",
  "rationale": string (at most 500 characters),
  "risk_flags": string[],
  "confidence": number between 0.0 and 1.0,
  "suggested_next_steps": string[]
}`

// LLMGenerator asks a chat model for an advisory. Sampling is fixed at
// temperature 0 with a 400 token ceiling.
type LLMGenerator struct {
	client   llm.Client
	provider string
	model    string
}

// NewLLMGenerator wraps client. provider and model label outputs whose
// response does not name the answering model.
func NewLLMGenerator(client llm.Client, provider, model string) *LLMGenerator {
	if provider == "" {
		provider = "llm"
	}
	return &LLMGenerator{client: client, provider: provider, model: model}
}

func (g *LLMGenerator) Generate(ctx context.Context, in Input) (*Output, error) {
	prompt, err := userPrompt(in)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, &llm.SamplingOptions{Temperature: 0, MaxTokens: 400})
	if err != nil {
		return nil, fmt.Errorf("advisory: chat: %w", err)
	}

	version := resp.Model
	if version == "" {
		version = g.model
	}
	return &Output{Raw: resp.Content, Model: g.provider, ModelVersion: version}, nil
}

func userPrompt(in Input) (string, error) {
	trade, err := json.MarshalIndent(in.Trade, "", "  ")
	if err != nil {
		return "", fmt.Errorf("advisory: encode trade: %w", err)
	}
	risk, err := json.MarshalIndent(in.RiskResult, "", "  ")
	if err != nil {
		return "", fmt.Errorf("advisory: encode risk result: %w", err)
	}
	return fmt.Sprintf("Produce an advisory matching this schema:\n\n%s\n\nTrade:\n%s\n\nRisk result:\n%s\n",
		schemaHint, trade, risk), nil
}
