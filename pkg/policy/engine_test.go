package policy

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

var asOf = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

func trade(symbol string, qty int64) contracts.TradeIntent {
	return contracts.TradeIntent{Symbol: symbol, Side: contracts.SideBuy, Quantity: qty, OrderType: contracts.OrderMarket}
}

var eqUS = contracts.Actor{UserID: "u-1", Desk: "EQ-US", Role: contracts.RoleTrader}

func maxPos(id string, symbol, desk string, max int64, eff time.Time) Policy {
	return Policy{
		PolicyID:      id,
		Version:       "1",
		EffectiveFrom: eff,
		Scope:         Scope{Symbol: symbol, Desk: desk},
		Rule:          Rule{Type: RuleMaxPosition, Parameters: map[string]any{"max_shares": max}},
	}
}

func newEngine(t *testing.T, policies ...Policy) *Engine {
	t.Helper()
	e, err := NewEngine(StaticSource(policies))
	require.NoError(t, err)
	return e
}

func TestEvaluate_RejectsOverLimit(t *testing.T) {
	e := newEngine(t, maxPos("RISK-012", "AAPL", "EQ-US", 100000, asOf.AddDate(0, -1, 0)))

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 150000), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskResult{
		Result:        contracts.RiskReject,
		PolicyID:      "RISK-012",
		PolicyVersion: "1",
		Reason:        "position limit exceeded",
	}, *res)
}

func TestEvaluate_PassesAtOrUnderLimit(t *testing.T) {
	e := newEngine(t, maxPos("RISK-012", "AAPL", "EQ-US", 100000, asOf.AddDate(0, -1, 0)))

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 100000), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.Pass(), *res)
}

func TestEvaluate_EffectiveBoundaryInclusive(t *testing.T) {
	tests := []struct {
		name string
		eff  time.Time
		want contracts.RiskOutcome
	}{
		{"before as_of", asOf.Add(-time.Nanosecond), contracts.RiskReject},
		{"equal to as_of", asOf, contracts.RiskReject},
		{"after as_of", asOf.Add(time.Nanosecond), contracts.RiskPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, maxPos("RISK-1", "AAPL", "EQ-US", 10, tt.eff))
			res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 11), Actor: eqUS, AsOf: asOf})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Result)
		})
	}
}

func TestEvaluate_DeclarationOrderBreaksTies(t *testing.T) {
	eff := asOf.AddDate(0, 0, -1)
	first := maxPos("RISK-A", "AAPL", "EQ-US", 100, eff)
	second := maxPos("RISK-B", "AAPL", "EQ-US", 50, eff)

	res, err := newEngine(t, first, second).Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 500), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "RISK-A", res.PolicyID)

	res, err = newEngine(t, second, first).Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 500), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "RISK-B", res.PolicyID)
}

func TestEvaluate_ScopeMustMatchSymbolAndDesk(t *testing.T) {
	eff := asOf.AddDate(0, 0, -1)
	e := newEngine(t,
		maxPos("RISK-OTHER-DESK", "AAPL", "EQ-EU", 1, eff),
		maxPos("RISK-OTHER-SYM", "MSFT", "EQ-US", 1, eff),
	)
	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 100), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskPass, res.Result)
}

func TestEvaluate_UnknownRuleTypeSkipped(t *testing.T) {
	eff := asOf.AddDate(0, 0, -1)
	unknown := Policy{
		PolicyID: "RISK-X", Version: "1", EffectiveFrom: eff,
		Scope: Scope{Symbol: "AAPL", Desk: "EQ-US"},
		Rule:  Rule{Type: "notional_cap", Parameters: map[string]any{"max_notional": 1}},
	}
	e := newEngine(t, unknown, maxPos("RISK-Y", "AAPL", "EQ-US", 10, eff))

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 5), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskPass, res.Result)

	cov := e.LastCoverage()
	assert.Equal(t, []string{"notional_cap"}, cov.Skipped)
	assert.Equal(t, 2, cov.Active)
	assert.Equal(t, 1, cov.InScope)
	assert.Len(t, cov.SetHash, 64)
}

func TestEvaluate_BadParametersAreConfigErrors(t *testing.T) {
	p := maxPos("RISK-1", "AAPL", "EQ-US", 0, asOf.AddDate(0, 0, -1))
	p.Rule.Parameters = map[string]any{"max_shares": 12.5}

	_, err := newEngine(t, p).Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 5), Actor: eqUS, AsOf: asOf})
	assert.ErrorIs(t, err, ErrPolicyConfig)

	p.Rule.Parameters = map[string]any{}
	_, err = newEngine(t, p).Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 5), Actor: eqUS, AsOf: asOf})
	assert.ErrorIs(t, err, ErrPolicyConfig)
}

func TestEvaluate_IsPure(t *testing.T) {
	policies := []Policy{
		maxPos("RISK-1", "AAPL", "EQ-US", 100, asOf.AddDate(0, 0, -1)),
		maxPos("RISK-2", "AAPL", "EQ-US", 10, asOf.AddDate(0, 0, 1)),
	}
	req := EvaluationRequest{Trade: trade("AAPL", 150), Actor: eqUS, AsOf: asOf}

	first, err := Evaluate(policies, req)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Evaluate(policies, req)
		require.NoError(t, err)
		assert.Equal(t, *first, *again)
	}
}

func TestEvaluate_ExpressionRule(t *testing.T) {
	p := Policy{
		PolicyID: "RISK-EXPR", Version: "2", EffectiveFrom: asOf.AddDate(0, 0, -1),
		Scope: Scope{Symbol: "TSLA", Desk: "EQ-US"},
		Rule: Rule{Type: RuleExpression, Parameters: map[string]any{
			"expr":   `trade.side == "sell" && trade.quantity > 500`,
			"reason": "sell cap",
		}},
	}
	e := newEngine(t, p)

	sell := trade("TSLA", 600)
	sell.Side = contracts.SideSell
	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: sell, Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskReject, res.Result)
	assert.Equal(t, "sell cap", res.Reason)

	res, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("TSLA", 600), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskPass, res.Result)
}

func TestEvaluate_ExpressionCompileErrorIsConfig(t *testing.T) {
	p := Policy{
		PolicyID: "RISK-BAD", Version: "1", EffectiveFrom: asOf.AddDate(0, 0, -1),
		Scope: Scope{Symbol: "TSLA", Desk: "EQ-US"},
		Rule:  Rule{Type: RuleExpression, Parameters: map[string]any{"expr": "trade.quantity >"}},
	}
	_, err := newEngine(t, p).Evaluate(context.Background(), EvaluationRequest{Trade: trade("TSLA", 1), Actor: eqUS, AsOf: asOf})
	assert.ErrorIs(t, err, ErrPolicyConfig)
}

func TestFileSource_YAML(t *testing.T) {
	e, err := NewEngine(NewFileSource(filepath.Join("testdata", "position_limits.yaml")))
	require.NoError(t, err)

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 150000), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "RISK-012", res.PolicyID)
	assert.Equal(t, "3", res.PolicyVersion)

	// RISK-013 is not yet effective, so a small trade passes.
	res, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 50), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskPass, res.Result)

	// From 2030 the stricter policy binds, but RISK-012 is declared first and does not fire at 50.
	res, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 50), Actor: eqUS, AsOf: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, "RISK-013", res.PolicyID)

	sell := trade("TSLA", 501)
	sell.Side = contracts.SideSell
	res, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: sell, Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, "RISK-021", res.PolicyID)
	assert.Equal(t, []string{"notional_cap"}, e.LastCoverage().Skipped)
}

func TestFileSource_JSON(t *testing.T) {
	policies, err := NewFileSource(filepath.Join("testdata", "position_limits.json")).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 1)
	assert.Equal(t, "RISK-100", policies[0].PolicyID)
	assert.Equal(t, map[string]any{"max_shares": 2500}, policies[0].Rule.Parameters)
}

func TestFileSource_ReloadsPerCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.yaml")
	write := func(max int) {
		doc := "policies:\n  - policy_id: RISK-1\n    version: \"1\"\n    effective_from: 2025-01-01T00:00:00Z\n" +
			"    scope: {symbol: AAPL, desk: EQ-US}\n    rule: {type: max_position, max_shares: " + strconv.Itoa(max) + "}\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	}
	write(1000)
	e, err := NewEngine(NewFileSource(path))
	require.NoError(t, err)

	res, err := e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 500), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskPass, res.Result)

	write(100)
	res, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("AAPL", 500), Actor: eqUS, AsOf: asOf})
	require.NoError(t, err)
	assert.Equal(t, contracts.RiskReject, res.Result)
}

func TestFileSource_Failures(t *testing.T) {
	dir := t.TempDir()

	_, err := NewFileSource(filepath.Join(dir, "missing.yaml")).Load(context.Background())
	assert.ErrorIs(t, err, ErrPolicyConfig)

	cases := map[string]string{
		"garbage":       "policies: [",
		"no id":         "policies:\n  - version: 1\n    effective_from: 2025-01-01\n    scope: {symbol: A, desk: D}\n    rule: {type: max_position}\n",
		"bad timestamp": "policies:\n  - policy_id: P\n    effective_from: yesterday\n    scope: {symbol: A, desk: D}\n    rule: {type: max_position}\n",
		"no rule type":  "policies:\n  - policy_id: P\n    effective_from: 2025-01-01\n    scope: {symbol: A, desk: D}\n    rule: {max_shares: 1}\n",
		"no scope":      "policies:\n  - policy_id: P\n    effective_from: 2025-01-01\n    rule: {type: max_position}\n",
		"duplicate":     "policies:\n  - {policy_id: P, version: 1, effective_from: 2025-01-01, scope: {symbol: A, desk: D}, rule: {type: x}}\n  - {policy_id: P, version: 1, effective_from: 2025-01-01, scope: {symbol: A, desk: D}, rule: {type: x}}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, "p.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			e, err := NewEngine(NewFileSource(path))
			require.NoError(t, err)
			_, err = e.Evaluate(context.Background(), EvaluationRequest{Trade: trade("A", 1), Actor: eqUS, AsOf: asOf})
			assert.ErrorIs(t, err, ErrPolicyConfig)
		})
	}
}

func TestSetHash_OrderSensitive(t *testing.T) {
	a := maxPos("A", "AAPL", "EQ-US", 1, asOf)
	b := maxPos("B", "AAPL", "EQ-US", 1, asOf)
	h1, err := SetHash([]Policy{a, b})
	require.NoError(t, err)
	h2, err := SetHash([]Policy{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newEngine(t).Evaluate(ctx, EvaluationRequest{Trade: trade("AAPL", 1), Actor: eqUS, AsOf: asOf})
	assert.ErrorIs(t, err, context.Canceled)
}
