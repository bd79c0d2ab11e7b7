package contracts

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Mindburn-Labs/tradegate/pkg/canonicalize"
)

// Document is a schema-less JSON object. Key order is irrelevant: it is
// always serialized through Canonical.
type Document map[string]any

// Canonical returns the RFC 8785 encoding of d.
func (d Document) Canonical() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	return canonicalize.JCS(map[string]any(d))
}

// ToDocument converts any JSON-encodable value into a Document.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("document: marshal: %w", err)
	}
	return ParseDocument(raw)
}

// ParseDocument decodes a JSON object, keeping numbers exact.
func ParseDocument(raw []byte) (Document, error) {
	var d Document
	if err := canonicalize.Decode(raw, &d); err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("document: expected JSON object, got null")
	}
	return d, nil
}

// Advisory field names.
const (
	FieldRecommendation = "recommendation"
	FieldRationale      = "rationale"
	FieldRiskFlags      = "risk_flags"
	FieldConfidence     = "confidence"
	FieldNextSteps      = "suggested_next_steps"
	FieldModel          = "model"
	FieldModelVersion   = "model_version"
)

// CheckResult is one guardrail check outcome.
type CheckResult struct {
	Status  CheckStatus    `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// EvalReport is the guardrail's classification of an advisory.
type EvalReport struct {
	Passed bool                   `json:"passed"`
	Checks map[string]CheckResult `json:"checks"`
	Error  string                 `json:"error,omitempty"`
}

// Failed lists the names of failing checks.
func (r EvalReport) Failed() []string {
	var out []string
	for name, c := range r.Checks {
		if c.Status == CheckFail {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
