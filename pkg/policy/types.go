// Package policy evaluates trades against an effective-dated, declaration-ordered
// policy set. The first active, in-scope violation rejects the trade.
package policy

import (
	"errors"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// ErrPolicyConfig marks a policy source that cannot be loaded, parsed, or
// interpreted. Callers must fail closed on it.
var ErrPolicyConfig = errors.New("policy: configuration error")

// Policy is one declared rule with its scope and activation time.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Policy struct {
	PolicyID      string    `json:"policy_id"`
	Version       string    `json:"version"`
	EffectiveFrom time.Time `json:"effective_from"`
	Scope         Scope     `json:"scope"`
	Rule          Rule      `json:"rule"`
}

// Scope restricts a policy to one symbol on one desk.
type Scope struct {
	Symbol string `json:"symbol"`
	Desk   string `json:"desk"`
}

// Rule is a typed rule with free-form parameters.
type Rule struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ActiveAt reports whether p binds at asOf. The boundary is inclusive.
func (p Policy) ActiveAt(asOf time.Time) bool {
	return !p.EffectiveFrom.After(asOf)
}

// InScope reports whether p applies to this symbol and desk.
func (p Policy) InScope(trade contracts.TradeIntent, actor contracts.Actor) bool {
	return p.Scope.Symbol == trade.Symbol && p.Scope.Desk == actor.Desk
}

// EvaluationRequest is the policy evaluation input.
type EvaluationRequest struct {
	Trade   contracts.TradeIntent `json:"trade"`
	Actor   contracts.Actor       `json:"actor"`
	TraceID string                `json:"trace_id"`
	AsOf    time.Time             `json:"as_of"`
}

// Coverage describes what one evaluation looked at.
type Coverage struct {
	Loaded   int      `json:"loaded"`
	Active   int      `json:"active"`
	InScope  int      `json:"in_scope"`
	Skipped  []string `json:"skipped_rule_types,omitempty"`
	SetHash  string   `json:"policy_set_hash"`
	Decisive string   `json:"decisive_policy,omitempty"`
}
