// Package advisory produces the informative-only advisory attached to each
// trade decision. Generators return raw model text; Parse turns that text
// into a document or a categorized failure.
package advisory

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

var (
	ErrNoJSONObject  = errors.New("advisory: no JSON object in output")
	ErrMalformedJSON = errors.New("advisory: malformed JSON object")
	ErrEmptyOutput   = errors.New("advisory: empty output")
	// ErrUnavailable is a generator's explicit refusal, e.g. {"error": "..."}.
	ErrUnavailable = errors.New("advisory: generator reported unavailable")
)

// Failure categories recorded in advisory_failed events.
const (
	CategoryTimeout      = "timeout"
	CategoryTransport    = "transport"
	CategoryNoJSONObject = "no_json_object"
	CategoryMalformed    = "malformed_json"
	CategoryEmptyOutput  = "empty_output"
)

type Input struct {
	Trade      contracts.TradeIntent `json:"trade"`
	RiskResult contracts.RiskResult  `json:"risk_result"`
}

// Output is a generator's raw answer. Model and ModelVersion identify what
// produced it and are stamped onto the parsed document when it lacks them.
type Output struct {
	Raw          string
	Model        string
	ModelVersion string
}

type Generator interface {
	Generate(ctx context.Context, in Input) (*Output, error)
}

// Parse extracts the first balanced JSON object from out.Raw and decodes it.
func Parse(out *Output) (contracts.Document, error) {
	if out == nil || strings.TrimSpace(out.Raw) == "" {
		return nil, ErrEmptyOutput
	}
	obj, err := ExtractObject(out.Raw)
	if err != nil {
		return nil, err
	}
	doc, err := contracts.ParseDocument([]byte(obj))
	if err != nil {
		return nil, errors.Join(ErrMalformedJSON, err)
	}
	if v, ok := doc["error"]; ok && v != nil && v != "" && v != false {
		return nil, errors.Join(ErrUnavailable, errors.New(strings.TrimSpace(anyString(v))))
	}

	if _, ok := doc[contracts.FieldModel]; !ok && out.Model != "" {
		doc[contracts.FieldModel] = out.Model
	}
	if _, ok := doc[contracts.FieldModelVersion]; !ok && out.ModelVersion != "" {
		doc[contracts.FieldModelVersion] = out.ModelVersion
	}
	return doc, nil
}

// Category maps a generation or parse error onto its failure category.
func Category(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CategoryTimeout
	case errors.Is(err, ErrEmptyOutput):
		return CategoryEmptyOutput
	case errors.Is(err, ErrNoJSONObject):
		return CategoryNoJSONObject
	case errors.Is(err, ErrMalformedJSON):
		return CategoryMalformed
	default:
		return CategoryTransport
	}
}
