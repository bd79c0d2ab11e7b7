package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/tradegate/pkg/canonicalize"
)

// Source yields the declared policy set in declaration order.
type Source interface {
	Load(ctx context.Context) ([]Policy, error)
}

// StaticSource serves a fixed policy list.
type StaticSource []Policy

// Load implements Source.
func (s StaticSource) Load(context.Context) ([]Policy, error) {
	out := make([]Policy, len(s))
	copy(out, s)
	return out, nil
}

// FileSource reads a YAML or JSON policy document from disk on every Load,
// so edits take effect on the next evaluation.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load implements Source.
func (f *FileSource) Load(context.Context) ([]Policy, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrPolicyConfig, f.Path, err)
	}
	policies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Path, err)
	}
	return policies, nil
}

type document struct {
	Policies []policyDoc `yaml:"policies"`
}

type policyDoc struct {
	PolicyID      string         `yaml:"policy_id"`
	Version       any            `yaml:"version"`
	EffectiveFrom string         `yaml:"effective_from"`
	Scope         Scope          `yaml:"scope"`
	Rule          map[string]any `yaml:"rule"`
}

// Parse decodes a policy document. JSON is accepted as YAML.
func Parse(data []byte) ([]Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse: %w", ErrPolicyConfig, err)
	}

	out := make([]Policy, 0, len(doc.Policies))
	seen := make(map[string]bool)
	for i, d := range doc.Policies {
		p, err := d.toPolicy()
		if err != nil {
			return nil, fmt.Errorf("%w: policies[%d]: %w", ErrPolicyConfig, i, err)
		}
		key := p.PolicyID + "@" + p.Version
		if seen[key] {
			return nil, fmt.Errorf("%w: policies[%d]: duplicate %s", ErrPolicyConfig, i, key)
		}
		seen[key] = true
		out = append(out, p)
	}
	return out, nil
}

func (d policyDoc) toPolicy() (Policy, error) {
	if d.PolicyID == "" {
		return Policy{}, fmt.Errorf("policy_id is required")
	}
	if d.Scope.Symbol == "" || d.Scope.Desk == "" {
		return Policy{}, fmt.Errorf("%s: scope.symbol and scope.desk are required", d.PolicyID)
	}

	eff, err := parseEffective(d.EffectiveFrom)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: effective_from: %w", d.PolicyID, err)
	}

	ruleType, _ := d.Rule["type"].(string)
	if ruleType == "" {
		return Policy{}, fmt.Errorf("%s: rule.type is required", d.PolicyID)
	}

	// Parameters may be nested under "parameters" or written inline on the rule.
	params := make(map[string]any)
	for k, v := range d.Rule {
		if k == "type" || k == "parameters" {
			continue
		}
		params[k] = v
	}
	if nested, ok := d.Rule["parameters"].(map[string]any); ok {
		for k, v := range nested {
			params[k] = v
		}
	}

	version := ""
	if d.Version != nil {
		version = fmt.Sprint(d.Version)
	}

	return Policy{
		PolicyID:      d.PolicyID,
		Version:       version,
		EffectiveFrom: eff,
		Scope:         d.Scope,
		Rule:          Rule{Type: ruleType, Parameters: params},
	}, nil
}

func parseEffective(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// SetHash is the canonical SHA-256 of a policy list, order included.
func SetHash(policies []Policy) (string, error) {
	return canonicalize.CanonicalHash(policies)
}
