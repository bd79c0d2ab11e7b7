// Package llm is a minimal chat-completion client for OpenAI-compatible
// endpoints, plus a primary/fallback chain over any two clients.
package llm

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Chat(ctx context.Context, messages []Message, options *SamplingOptions) (*Response, error)
}

type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is the first choice of a completion. Model is the model that
// actually answered, which may differ from the one requested.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// StatusError is returned for any non-200 provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: provider status %d", e.Code)
	}
	return fmt.Sprintf("llm: provider status %d: %s", e.Code, e.Body)
}
