package guardrail

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const advisorySchemaURL = "tradegate://schemas/advisory.json"

const advisorySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["recommendation", "rationale", "risk_flags", "confidence", "suggested_next_steps", "model", "model_version"],
  "properties": {
    "recommendation": {"type": "string"},
    "rationale": {"type": "string"},
    "risk_flags": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number"},
    "suggested_next_steps": {"type": "array", "items": {"type": "string"}},
    "model": {"type": "string"},
    "model_version": {"type": "string"}
  }
}`

// requiredFields mirrors the schema's required list, in order.
var requiredFields = []string{
	"recommendation", "rationale", "risk_flags", "confidence",
	"suggested_next_steps", "model", "model_version",
}

func compileAdvisorySchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(advisorySchemaURL, strings.NewReader(advisorySchema)); err != nil {
		return nil, err
	}
	return c.Compile(advisorySchemaURL)
}

type schemaViolation struct {
	Instance string `json:"instance"`
	Keyword  string `json:"keyword"`
	Message  string `json:"message"`
}

// violations flattens a validation error into its leaf causes.
func violations(err error) []schemaViolation {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []schemaViolation{{Message: err.Error()}}
	}
	var out []schemaViolation
	for _, e := range ve.BasicOutput().Errors {
		if e.Error == "" || strings.HasPrefix(e.Error, "doesn't validate with") {
			continue
		}
		out = append(out, schemaViolation{
			Instance: e.InstanceLocation,
			Keyword:  e.KeywordLocation,
			Message:  e.Error,
		})
	}
	return out
}
