package orchestrator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
	"github.com/Mindburn-Labs/tradegate/pkg/retry"
)

// Source identifies this component in ledger payloads.
const Source = "orchestrator"

// GuardrailMode selects whether a failed guardrail report can block a trade.
type GuardrailMode string

const (
	// GuardrailAdvisory records the report only. The decision follows policy alone.
	GuardrailAdvisory GuardrailMode = "advisory"
	// GuardrailEnforce additionally rejects trades whose advisory failed the guardrail.
	GuardrailEnforce GuardrailMode = "enforce"
)

func ParseGuardrailMode(s string) (GuardrailMode, error) {
	switch m := GuardrailMode(strings.ToLower(strings.TrimSpace(s))); m {
	case GuardrailAdvisory, GuardrailEnforce:
		return m, nil
	case "":
		return GuardrailAdvisory, nil
	}
	return "", fmt.Errorf("%w: guardrail mode %q", contracts.ErrUnknownEnum, s)
}

func (m GuardrailMode) String() string { return string(m) }

// Config holds per-call budgets and behavior switches.
type Config struct {
	RequireTraceID  bool
	GuardrailMode   GuardrailMode
	LedgerTimeout   time.Duration
	PolicyTimeout   time.Duration
	AdvisoryTimeout time.Duration
	LedgerRetry     retry.BackoffPolicy
}

func DefaultConfig() Config {
	return Config{
		RequireTraceID:  true,
		GuardrailMode:   GuardrailAdvisory,
		LedgerTimeout:   2 * time.Second,
		PolicyTimeout:   5 * time.Second,
		AdvisoryTimeout: 15 * time.Second,
		LedgerRetry:     retry.DefaultLedgerPolicy(),
	}
}

// DecisionRequest is one trade submitted for a decision.
type DecisionRequest struct {
	TraceID     string                `json:"trace_id,omitempty"`
	RequestID   string                `json:"request_id,omitempty"`
	Actor       contracts.Actor       `json:"actor"`
	Trade       contracts.TradeIntent `json:"trade"`
	Intent      string                `json:"intent,omitempty"`
	Constraints map[string]any        `json:"constraints,omitempty"`
	AsOf        *time.Time            `json:"as_of,omitempty"`
}

// DecisionResponse carries the audit id of the decision_forwarded event.
type DecisionResponse struct {
	TraceID    string               `json:"trace_id"`
	Decision   contracts.Decision   `json:"decision"`
	RiskResult contracts.RiskResult `json:"risk_result"`
	AuditID    string               `json:"audit_id"`
}

// ErrMissingTraceID is wrapped in a ClientError when no trace id is supplied.
var ErrMissingTraceID = errors.New("missing required trace id (X-Trace-Id)")

// ClientError means the request itself is unacceptable. Nothing was written.
type ClientError struct {
	Err error
}

func (e *ClientError) Error() string { return "invalid request: " + e.Err.Error() }
func (e *ClientError) Unwrap() error { return e.Err }

// UpstreamUnavailableError means a required collaborator failed and the
// request was aborted without a decision.
type UpstreamUnavailableError struct {
	Component string
	Err       error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Component, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }
