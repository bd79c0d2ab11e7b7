package policy

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// Rule type names.
const (
	RuleMaxPosition = "max_position"
	RuleExpression  = "expression"
)

// RuleEvaluator decides whether a rule of one type is violated.
// A non-nil error means the rule's parameters are unusable.
type RuleEvaluator interface {
	Violated(rule Rule, trade contracts.TradeIntent, actor contracts.Actor) (bool, string, error)
}

// RuleFunc adapts a function to RuleEvaluator.
type RuleFunc func(rule Rule, trade contracts.TradeIntent, actor contracts.Actor) (bool, string, error)

// Violated implements RuleEvaluator.
func (f RuleFunc) Violated(rule Rule, trade contracts.TradeIntent, actor contracts.Actor) (bool, string, error) {
	return f(rule, trade, actor)
}

// MaxPosition rejects a trade whose quantity exceeds max_shares.
func MaxPosition(rule Rule, trade contracts.TradeIntent, _ contracts.Actor) (bool, string, error) {
	limit, err := intParam(rule.Parameters, "max_shares")
	if err != nil {
		return false, "", err
	}
	if trade.Quantity > limit {
		return true, "position limit exceeded", nil
	}
	return false, "", nil
}

func intParam(params map[string]any, name string) (int64, error) {
	v, ok := params[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("parameter %q out of range", name)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("parameter %q must be an integer", name)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("parameter %q has type %T", name, v)
}

// ExpressionRules evaluates CEL expressions over the trade and actor.
// The rule is violated when the expression yields true.
type ExpressionRules struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewExpressionRules builds the CEL environment.
func NewExpressionRules() (*ExpressionRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("trade", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("actor", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &ExpressionRules{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Violated implements RuleEvaluator.
func (e *ExpressionRules) Violated(rule Rule, trade contracts.TradeIntent, actor contracts.Actor) (bool, string, error) {
	expr, _ := rule.Parameters["expr"].(string)
	if expr == "" {
		return false, "", fmt.Errorf("missing parameter %q", "expr")
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, "", err
	}

	tradeVars := map[string]any{
		"symbol":     trade.Symbol,
		"side":       string(trade.Side),
		"quantity":   trade.Quantity,
		"order_type": string(trade.OrderType),
	}
	if trade.LimitPrice != nil {
		tradeVars["limit_price"] = trade.LimitPrice.InexactFloat64()
	}
	out, _, err := prg.Eval(map[string]any{
		"trade": tradeVars,
		"actor": map[string]any{
			"user_id": actor.UserID,
			"desk":    actor.Desk,
			"role":    string(actor.Role),
		},
	})
	if err != nil {
		return false, "", fmt.Errorf("eval %q: %w", expr, err)
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	if !hit {
		return false, "", nil
	}

	reason, _ := rule.Parameters["reason"].(string)
	if reason == "" {
		reason = "expression rule violated"
	}
	return true, reason, nil
}

func (e *ExpressionRules) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}
