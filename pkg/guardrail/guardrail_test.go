package guardrail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

func newGuardrail(t *testing.T) *Guardrail {
	t.Helper()
	g, err := New(DefaultOptions())
	require.NoError(t, err)
	return g
}

func goodAdvisory() contracts.Document {
	return contracts.Document{
		"recommendation":       "caution",
		"rationale":            "Order exceeds RISK-012 position limit for the desk.",
		"risk_flags":           []any{"position_limit"},
		"confidence":           0.8,
		"suggested_next_steps": []any{"reduce size"},
		"model":                "stub",
		"model_version":        "stub-v1",
	}
}

var rejected = contracts.RiskResult{
	Result:        contracts.RiskReject,
	PolicyID:      "RISK-012",
	PolicyVersion: "3",
	Reason:        "position limit exceeded",
}

func TestValidate_AllChecksPass(t *testing.T) {
	g := newGuardrail(t)

	report := g.Validate(goodAdvisory(), rejected)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Error)
	assert.Len(t, report.Checks, 6)
	for name, res := range report.Checks {
		assert.Equal(t, contracts.CheckPass, res.Status, name)
	}
}

func TestValidate_FabricatedPolicyReference(t *testing.T) {
	g := newGuardrail(t)
	adv := goodAdvisory()
	adv["rationale"] = "Per RISK-999 and RISK-012 this trade is too large."

	report := g.Validate(adv, rejected)
	assert.False(t, report.Passed)

	res := report.Checks[CheckHallucination]
	assert.Equal(t, contracts.CheckFail, res.Status)
	assert.Equal(t, "fabricated_or_unexpected_policy_refs", res.Reason)
	assert.Equal(t, []string{"RISK-999", "RISK-012"}, res.Details["mentioned"])
	assert.Equal(t, []string{"RISK-012"}, res.Details["allowed"])
	assert.Equal(t, []string{CheckHallucination}, report.Failed())
}

func TestValidate_AnyReferenceFailsWithoutPolicy(t *testing.T) {
	g := newGuardrail(t)

	report := g.Validate(goodAdvisory(), contracts.Pass())
	res := report.Checks[CheckHallucination]
	assert.Equal(t, contracts.CheckFail, res.Status)
	assert.Equal(t, []string{}, res.Details["allowed"])
}

func TestValidate_ProceedAgainstRejectIsOverride(t *testing.T) {
	g := newGuardrail(t)
	adv := goodAdvisory()
	adv["recommendation"] = "proceed"

	report := g.Validate(adv, rejected)
	assert.False(t, report.Passed)
	res := report.Checks[CheckNoOverride]
	assert.Equal(t, "advisory_conflicts_with_hard_reject", res.Reason)
	assert.Equal(t, "reject", res.Details["risk_result"])

	// Same advisory is fine when policy passed.
	adv["rationale"] = "Within limits."
	assert.True(t, g.Validate(adv, contracts.Pass()).Passed)
}

func TestValidate_MissingFields(t *testing.T) {
	g := newGuardrail(t)
	adv := goodAdvisory()
	delete(adv, "model")
	delete(adv, "confidence")

	report := g.Validate(adv, rejected)
	assert.False(t, report.Passed)

	schema := report.Checks[CheckSchema]
	assert.Equal(t, "missing_required_fields", schema.Reason)
	assert.Equal(t, []string{"confidence", "model"}, schema.Details["missing"])
	assert.Equal(t, "confidence_not_numeric", report.Checks[CheckConfidence].Reason)
	// Every check still ran.
	assert.Len(t, report.Checks, 6)
}

func TestValidate_TypeMismatch(t *testing.T) {
	g := newGuardrail(t)

	adv := goodAdvisory()
	adv["risk_flags"] = "position_limit"
	assert.Equal(t, "type_mismatch", g.Validate(adv, rejected).Checks[CheckSchema].Reason)

	adv = goodAdvisory()
	adv["risk_flags"] = []any{"ok", 7}
	res := g.Validate(adv, rejected).Checks[CheckSchema]
	assert.Equal(t, "type_mismatch", res.Reason)
	assert.Nil(t, res.Details["missing"])
	assert.NotEmpty(t, res.Details["errors"])
}

func TestValidate_Recommendation(t *testing.T) {
	g := newGuardrail(t)
	adv := goodAdvisory()
	adv["recommendation"] = "hold"

	res := g.Validate(adv, rejected).Checks[CheckRecommendation]
	assert.Equal(t, "invalid_recommendation", res.Reason)
	assert.Equal(t, []string{"proceed", "caution", "reject"}, res.Details["allowed"])
	assert.Equal(t, "hold", res.Details["got"])
}

func TestValidate_Confidence(t *testing.T) {
	g := newGuardrail(t)
	cases := []struct {
		value  any
		reason string
	}{
		{0.0, ""},
		{1.0, ""},
		{"0.5", ""},
		{1.5, "confidence_out_of_range"},
		{-0.1, "confidence_out_of_range"},
		{"NaN", "confidence_out_of_range"},
		{"high", "confidence_not_numeric"},
		{true, "confidence_not_numeric"},
		{nil, "confidence_not_numeric"},
	}
	for _, tc := range cases {
		adv := goodAdvisory()
		adv["confidence"] = tc.value
		res := g.Validate(adv, rejected).Checks[CheckConfidence]
		if tc.reason == "" {
			assert.Equal(t, contracts.CheckPass, res.Status, "%v", tc.value)
		} else {
			assert.Equal(t, tc.reason, res.Reason, "%v", tc.value)
		}
	}
}

func TestValidate_LengthLimitsCountNormalizedRunes(t *testing.T) {
	g := newGuardrail(t)

	// e + combining acute composes to one rune under NFC.
	adv := goodAdvisory()
	adv["rationale"] = strings.Repeat("e\u0301", 500)
	assert.Equal(t, contracts.CheckPass, g.Validate(adv, rejected).Checks[CheckLengthLimits].Status)

	adv["rationale"] = strings.Repeat("x", 501)
	res := g.Validate(adv, rejected).Checks[CheckLengthLimits]
	assert.Equal(t, "rationale_too_long", res.Reason)
	assert.Equal(t, map[string]any{"max": 500, "got": 501}, res.Details["rationale"])
}

func TestValidate_ListLimits(t *testing.T) {
	g := newGuardrail(t)
	many := make([]any, 26)
	for i := range many {
		many[i] = "x"
	}

	adv := goodAdvisory()
	adv["suggested_next_steps"] = many
	assert.Equal(t, "too_many_next_steps", g.Validate(adv, rejected).Checks[CheckLengthLimits].Reason)

	adv["risk_flags"] = many
	res := g.Validate(adv, rejected).Checks[CheckLengthLimits]
	assert.Equal(t, "too_many_risk_flags", res.Reason)
	assert.Contains(t, res.Details, "suggested_next_steps")
}

func TestValidate_NilAdvisory(t *testing.T) {
	g := newGuardrail(t)

	report := g.Validate(nil, rejected)
	assert.False(t, report.Passed)
	assert.Empty(t, report.Error)
	assert.Equal(t, "missing_required_fields", report.Checks[CheckSchema].Reason)
}

func TestValidate_RecoversFromCheckPanic(t *testing.T) {
	g := newGuardrail(t)
	g.checks = append(g.checks, check{name: "boom", run: func(map[string]any, contracts.RiskResult) contracts.CheckResult {
		var m map[string]int
		m["x"] = 1
		return pass()
	}})

	var report contracts.EvalReport
	require.NotPanics(t, func() { report = g.Validate(goodAdvisory(), rejected) })
	assert.False(t, report.Passed)
	assert.True(t, strings.HasPrefix(report.Error, "eval_runner_exception: "), report.Error)
	assert.Empty(t, report.Checks)
}

func TestValidate_UnencodableAdvisory(t *testing.T) {
	g := newGuardrail(t)
	adv := goodAdvisory()
	adv["model"] = make(chan int)

	report := g.Validate(adv, rejected)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Error, "eval_runner_exception: *json.UnsupportedTypeError")
}

func TestPolicyRefs(t *testing.T) {
	g := newGuardrail(t)
	assert.Equal(t, []string{"RISK-012", "RISK-EQ-7"}, g.PolicyRefs("see RISK-012, RISK-EQ-7 and RISK-012 again"))
	assert.Nil(t, g.PolicyRefs("no refs here"))
}
