package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Fallback sends each request to Primary and, when that fails for any reason
// other than the caller's context ending, retries once on Secondary.
type Fallback struct {
	Primary   Client
	Secondary Client
	Logger    *slog.Logger
}

func NewFallback(primary, secondary Client) *Fallback {
	return &Fallback{Primary: primary, Secondary: secondary, Logger: slog.Default().With("component", "llm")}
}

func (f *Fallback) Chat(ctx context.Context, msgs []Message, options *SamplingOptions) (*Response, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("llm: messages must not be empty")
	}

	resp, err := f.Primary.Chat(ctx, msgs, options)
	if err == nil || f.Secondary == nil || ctx.Err() != nil {
		return resp, err
	}

	if f.Logger != nil {
		f.Logger.WarnContext(ctx, "primary model failed, using fallback", "error", err)
	}
	resp, ferr := f.Secondary.Chat(ctx, msgs, options)
	if ferr != nil {
		return nil, errors.Join(err, ferr)
	}
	return resp, nil
}
