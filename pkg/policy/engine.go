package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// Evaluator produces the authoritative RiskResult for a trade.
type Evaluator interface {
	Evaluate(ctx context.Context, req EvaluationRequest) (*contracts.RiskResult, error)
}

// Engine evaluates trades against a Source, reloading it on every call.
type Engine struct {
	source Source
	rules  map[string]RuleEvaluator
	logger *slog.Logger

	mu   sync.Mutex
	last Coverage
}

// NewEngine returns an Engine with the max_position and expression rule types.
func NewEngine(source Source) (*Engine, error) {
	expr, err := NewExpressionRules()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		source: source,
		rules:  make(map[string]RuleEvaluator),
		logger: slog.Default().With("component", "policy"),
	}
	e.Register(RuleMaxPosition, RuleFunc(MaxPosition))
	e.Register(RuleExpression, expr)
	return e, nil
}

// Register adds or replaces the evaluator for a rule type.
func (e *Engine) Register(ruleType string, r RuleEvaluator) {
	e.rules[ruleType] = r
}

// Evaluate implements Evaluator. Policies are scanned in declaration order;
// the first active, in-scope, supported rule that is violated rejects.
// Unknown rule types are skipped and reported in LastCoverage.
func (e *Engine) Evaluate(ctx context.Context, req EvaluationRequest) (*contracts.RiskResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	policies, err := e.source.Load(ctx)
	if err != nil {
		return nil, err
	}

	result, cov, err := evaluate(policies, e.rules, req)
	if err != nil {
		return nil, err
	}
	if cov.SetHash, err = SetHash(policies); err != nil {
		return nil, fmt.Errorf("%w: hash: %w", ErrPolicyConfig, err)
	}

	if len(cov.Skipped) > 0 {
		e.logger.DebugContext(ctx, "unsupported rule types skipped",
			"trace_id", req.TraceID,
			"rule_types", cov.Skipped,
		)
	}
	e.logger.InfoContext(ctx, "policy evaluated",
		"trace_id", req.TraceID,
		"result", result.Result,
		"policy_id", result.PolicyID,
		"active", cov.Active,
	)

	e.mu.Lock()
	e.last = cov
	e.mu.Unlock()
	return result, nil
}

// LastCoverage returns what the most recent evaluation examined.
func (e *Engine) LastCoverage() Coverage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Evaluate is the pure form of Engine.Evaluate over an explicit policy list.
func Evaluate(policies []Policy, req EvaluationRequest) (*contracts.RiskResult, error) {
	expr, err := NewExpressionRules()
	if err != nil {
		return nil, err
	}
	rules := map[string]RuleEvaluator{
		RuleMaxPosition: RuleFunc(MaxPosition),
		RuleExpression:  expr,
	}
	res, _, err := evaluate(policies, rules, req)
	return res, err
}

func evaluate(policies []Policy, rules map[string]RuleEvaluator, req EvaluationRequest) (*contracts.RiskResult, Coverage, error) {
	cov := Coverage{Loaded: len(policies)}

	for _, p := range policies {
		if !p.ActiveAt(req.AsOf) {
			continue
		}
		cov.Active++
		if !p.InScope(req.Trade, req.Actor) {
			continue
		}
		r, ok := rules[p.Rule.Type]
		if !ok {
			cov.Skipped = append(cov.Skipped, p.Rule.Type)
			continue
		}
		cov.InScope++

		violated, reason, err := r.Violated(p.Rule, req.Trade, req.Actor)
		if err != nil {
			return nil, cov, fmt.Errorf("%w: %s@%s: %w", ErrPolicyConfig, p.PolicyID, p.Version, err)
		}
		if violated {
			cov.Decisive = p.PolicyID
			return &contracts.RiskResult{
				Result:        contracts.RiskReject,
				PolicyID:      p.PolicyID,
				PolicyVersion: p.Version,
				Reason:        reason,
			}, cov, nil
		}
	}

	pass := contracts.Pass()
	return &pass, cov, nil
}
