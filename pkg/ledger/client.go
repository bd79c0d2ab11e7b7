package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// Client talks to a remote ledger service over HTTP.
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

// Append implements Recorder.
func (c *Client) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %w", ErrInvalidEvent, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audit/log", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ledger client: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out AppendResult
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List implements Reader.
func (c *Client) List(ctx context.Context, traceID string) ([]AuditEvent, error) {
	u := c.baseURL + "/audit/events?trace_id=" + url.QueryEscape(traceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger client: create request: %w", err)
	}
	var out []AuditEvent
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify asks the service to recompute a trace's chain.
func (c *Client) Verify(ctx context.Context, traceID string) (*VerifyResult, error) {
	u := c.baseURL + "/audit/verify?trace_id=" + url.QueryEscape(traceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger client: create request: %w", err)
	}
	var out VerifyResult
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type problem struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("ledger client: read body: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		var p problem
		_ = json.Unmarshal(raw, &p)
		detail := p.Detail
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", ErrInvalidEvent, detail)
		case http.StatusNotFound:
			if strings.Contains(detail, "no events") {
				return fmt.Errorf("%w: %s", ErrNoEvents, detail)
			}
		case http.StatusConflict:
			if strings.Contains(detail, "disabled") {
				return fmt.Errorf("%w: %s", ErrChainDisabled, detail)
			}
			return fmt.Errorf("%w: %s", ErrTimestampRegression, detail)
		}
		return fmt.Errorf("ledger client: status %d: %s", resp.StatusCode, detail)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ledger client: decode: %w", err)
	}
	return nil
}
