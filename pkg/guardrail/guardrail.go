// Package guardrail classifies a generated advisory against format and
// authority rules. It never changes the advisory and never fails the caller:
// every outcome, including an internal fault, comes back as an EvalReport.
package guardrail

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/tradegate/pkg/canonicalize"
	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// Check names, as they appear in EvalReport.Checks.
const (
	CheckSchema         = "schema"
	CheckRecommendation = "recommendation"
	CheckConfidence     = "confidence"
	CheckLengthLimits   = "length_limits"
	CheckNoOverride     = "no_override"
	CheckHallucination  = "hallucination"
)

// Options bound the guardrail's limits.
type Options struct {
	PolicyRefPrefix string
	MaxRationale    int
	MaxListItems    int
}

// DefaultOptions returns the production limits.
func DefaultOptions() Options {
	return Options{PolicyRefPrefix: "RISK-", MaxRationale: 500, MaxListItems: 25}
}

type check struct {
	name string
	run  func(doc map[string]any, risk contracts.RiskResult) contracts.CheckResult
}

// Guardrail runs every check on every advisory.
type Guardrail struct {
	opts   Options
	schema *jsonschema.Schema
	refs   *regexp.Regexp
	checks []check
}

// New compiles the advisory schema and reference pattern.
func New(opts Options) (*Guardrail, error) {
	def := DefaultOptions()
	if opts.PolicyRefPrefix == "" {
		opts.PolicyRefPrefix = def.PolicyRefPrefix
	}
	if opts.MaxRationale <= 0 {
		opts.MaxRationale = def.MaxRationale
	}
	if opts.MaxListItems <= 0 {
		opts.MaxListItems = def.MaxListItems
	}

	schema, err := compileAdvisorySchema()
	if err != nil {
		return nil, fmt.Errorf("guardrail: compile schema: %w", err)
	}
	refs, err := regexp.Compile(regexp.QuoteMeta(opts.PolicyRefPrefix) + `[A-Za-z0-9_]+(?:-[A-Za-z0-9_]+)*`)
	if err != nil {
		return nil, fmt.Errorf("guardrail: compile reference pattern: %w", err)
	}

	g := &Guardrail{opts: opts, schema: schema, refs: refs}
	g.checks = []check{
		{CheckSchema, g.checkSchema},
		{CheckRecommendation, g.checkRecommendation},
		{CheckConfidence, g.checkConfidence},
		{CheckLengthLimits, g.checkLengthLimits},
		{CheckNoOverride, g.checkNoOverride},
		{CheckHallucination, g.checkHallucination},
	}
	return g, nil
}

// Validate runs all checks without short-circuiting. Passed is the AND of
// every check. A panic inside any check yields a failed report whose Error
// names the fault; it is never propagated.
func (g *Guardrail) Validate(advisory contracts.Document, risk contracts.RiskResult) (report contracts.EvalReport) {
	defer func() {
		if r := recover(); r != nil {
			report = exceptionReport(r)
		}
	}()

	doc, err := normalize(advisory)
	if err != nil {
		return exceptionReport(err)
	}

	report = contracts.EvalReport{Passed: true, Checks: make(map[string]contracts.CheckResult, len(g.checks))}
	for _, c := range g.checks {
		res := c.run(doc, risk)
		report.Checks[c.name] = res
		if res.Status != contracts.CheckPass {
			report.Passed = false
		}
	}
	return report
}

func exceptionReport(r any) contracts.EvalReport {
	return contracts.EvalReport{
		Passed: false,
		Checks: map[string]contracts.CheckResult{},
		Error:  fmt.Sprintf("eval_runner_exception: %T: %v", r, r),
	}
}

// normalize round-trips the advisory through JSON so every value has a
// JSON-native type.
func normalize(advisory contracts.Document) (map[string]any, error) {
	if advisory == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(advisory)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := canonicalize.Decode(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pass() contracts.CheckResult { return contracts.CheckResult{Status: contracts.CheckPass} }

func fail(reason string, details map[string]any) contracts.CheckResult {
	return contracts.CheckResult{Status: contracts.CheckFail, Reason: reason, Details: details}
}

func (g *Guardrail) checkSchema(doc map[string]any, _ contracts.RiskResult) contracts.CheckResult {
	err := g.schema.Validate(doc)
	if err == nil {
		return pass()
	}

	var missing []string
	for _, f := range requiredFields {
		if _, ok := doc[f]; !ok {
			missing = append(missing, f)
		}
	}
	details := map[string]any{"missing": missing, "errors": violations(err)}
	if len(missing) > 0 {
		return fail("missing_required_fields", details)
	}
	return fail("type_mismatch", details)
}

func (g *Guardrail) checkRecommendation(doc map[string]any, _ contracts.RiskResult) contracts.CheckResult {
	got := doc[contracts.FieldRecommendation]
	if s, ok := got.(string); ok {
		if _, err := contracts.ParseRecommendation(s); err == nil {
			return pass()
		}
	}
	allowed := make([]string, 0, len(contracts.Recommendations))
	for _, r := range contracts.Recommendations {
		allowed = append(allowed, string(r))
	}
	return fail("invalid_recommendation", map[string]any{"allowed": allowed, "got": got})
}

func (g *Guardrail) checkConfidence(doc map[string]any, _ contracts.RiskResult) contracts.CheckResult {
	raw := doc[contracts.FieldConfidence]
	c, ok := coerceFloat(raw)
	if !ok {
		return fail("confidence_not_numeric", map[string]any{"got": raw})
	}
	if math.IsNaN(c) || c < 0 || c > 1 {
		return fail("confidence_out_of_range", map[string]any{"got": c, "min": 0, "max": 1})
	}
	return pass()
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func (g *Guardrail) checkLengthLimits(doc map[string]any, _ contracts.RiskResult) contracts.CheckResult {
	var (
		reason  string
		details = map[string]any{}
	)
	note := func(r, key string, max, got int) {
		if reason == "" {
			reason = r
		}
		details[key] = map[string]any{"max": max, "got": got}
	}

	if s, ok := doc[contracts.FieldRationale].(string); ok {
		if n := utf8.RuneCountInString(norm.NFC.String(s)); n > g.opts.MaxRationale {
			note("rationale_too_long", contracts.FieldRationale, g.opts.MaxRationale, n)
		}
	}
	if l, ok := doc[contracts.FieldRiskFlags].([]any); ok && len(l) > g.opts.MaxListItems {
		note("too_many_risk_flags", contracts.FieldRiskFlags, g.opts.MaxListItems, len(l))
	}
	if l, ok := doc[contracts.FieldNextSteps].([]any); ok && len(l) > g.opts.MaxListItems {
		note("too_many_next_steps", contracts.FieldNextSteps, g.opts.MaxListItems, len(l))
	}

	if reason == "" {
		return pass()
	}
	return fail(reason, details)
}

func (g *Guardrail) checkNoOverride(doc map[string]any, risk contracts.RiskResult) contracts.CheckResult {
	rec, _ := doc[contracts.FieldRecommendation].(string)
	if risk.Rejected() && rec == string(contracts.RecommendProceed) {
		return fail("advisory_conflicts_with_hard_reject", map[string]any{
			"risk_result":    string(risk.Result),
			"recommendation": rec,
		})
	}
	return pass()
}

func (g *Guardrail) checkHallucination(doc map[string]any, risk contracts.RiskResult) contracts.CheckResult {
	rationale, _ := doc[contracts.FieldRationale].(string)
	mentioned := g.PolicyRefs(rationale)

	allowed := []string{}
	if risk.PolicyID != "" {
		allowed = append(allowed, risk.PolicyID)
	}

	for _, ref := range mentioned {
		if ref != risk.PolicyID {
			return fail("fabricated_or_unexpected_policy_refs", map[string]any{
				"mentioned": mentioned,
				"allowed":   allowed,
			})
		}
	}
	return pass()
}

// PolicyRefs returns the distinct policy references in text, in order of appearance.
func (g *Guardrail) PolicyRefs(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range g.refs.FindAllString(text, -1) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
