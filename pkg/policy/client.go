package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

const defaultClientTimeout = 5 * time.Second

// Client calls a remote policy service. It never retries and never
// fabricates a result: every failure is returned to the caller.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Evaluate implements Evaluator.
func (c *Client) Evaluate(ctx context.Context, req EvaluationRequest) (*contracts.RiskResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("policy client: marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy client: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-Id", req.TraceID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("policy client: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("policy client: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy client: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out contracts.RiskResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("policy client: decode: %w", err)
	}
	if out.Result == "" {
		return nil, fmt.Errorf("policy client: response has no result")
	}
	return &out, nil
}
