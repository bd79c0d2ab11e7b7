// Package orchestrator binds the ledger, policy engine, advisory generator
// and guardrail into a single decision flow.
//
// The policy result alone decides (unless guardrail enforcement is opted
// into). The ledger is mandatory: a request that cannot be recorded fails.
// The advisory is optional: a failed generation is recorded and ignored.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/tradegate/pkg/advisory"
	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/observability"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
	"github.com/Mindburn-Labs/tradegate/pkg/retry"
)

// Validator classifies an advisory. guardrail.Guardrail implements it.
type Validator interface {
	Validate(advisory contracts.Document, risk contracts.RiskResult) contracts.EvalReport
}

// Deps are the orchestrator's collaborators. Ledger, Policy and Advisor are
// required; the rest have defaults.
type Deps struct {
	Ledger     ledger.Recorder
	Policy     policy.Evaluator
	Advisor    advisory.Generator
	Guardrail  Validator
	Clock      func() time.Time
	NewTraceID func() string
	Telemetry  *observability.Provider
	Logger     *slog.Logger
	// Sleep overrides the retry backoff wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Orchestrator struct {
	cfg     Config
	deps    Deps
	retrier *retry.Retrier
	logger  *slog.Logger
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	var missing []error
	if deps.Ledger == nil {
		missing = append(missing, errors.New("ledger"))
	}
	if deps.Policy == nil {
		missing = append(missing, errors.New("policy"))
	}
	if deps.Advisor == nil {
		missing = append(missing, errors.New("advisor"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("orchestrator: missing dependencies: %w", errors.Join(missing...))
	}

	if cfg.GuardrailMode == "" {
		cfg.GuardrailMode = GuardrailAdvisory
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.NewTraceID == nil {
		deps.NewTraceID = func() string { return "trace-" + uuid.NewString() }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "orchestrator")
	}

	r := retry.New(cfg.LedgerRetry)
	r.Logger = deps.Logger
	if deps.Sleep != nil {
		r.Sleep = deps.Sleep
	}

	return &Orchestrator{cfg: cfg, deps: deps, retrier: r, logger: deps.Logger}, nil
}

// Decide runs one request through the full flow. Errors are either
// *ClientError (nothing recorded) or *UpstreamUnavailableError.
func (o *Orchestrator) Decide(ctx context.Context, req DecisionRequest) (resp *DecisionResponse, err error) {
	ctx, done := o.deps.Telemetry.TrackOperation(ctx, "orchestrator.decide")
	defer func() { done(err) }()

	traceID, err := o.resolveTraceID(req.TraceID)
	if err != nil {
		return nil, err
	}
	actor := req.Actor.Normalize()
	if err := errors.Join(actor.Validate(), req.Trade.Validate()); err != nil {
		return nil, &ClientError{Err: err}
	}
	asOf := o.deps.Clock().UTC()
	if req.AsOf != nil {
		asOf = req.AsOf.UTC()
	}
	log := o.logger.With("trace_id", traceID)

	// 1. request_received
	if _, err := o.record(ctx, traceID, contracts.EventRequestReceived, map[string]any{
		"source":      Source,
		"request_id":  req.RequestID,
		"actor":       actor,
		"trade":       req.Trade,
		"intent":      req.Intent,
		"constraints": req.Constraints,
		"as_of":       contracts.FormatTimestamp(asOf),
	}); err != nil {
		return nil, err
	}

	// 2. policy, fail closed
	risk, err := o.evaluate(ctx, policy.EvaluationRequest{Trade: req.Trade, Actor: actor, TraceID: traceID, AsOf: asOf})
	if err != nil {
		log.ErrorContext(ctx, "policy evaluation failed, aborting", "error", err)
		return nil, &UpstreamUnavailableError{Component: "policy", Err: err}
	}

	// 3. advisory, degrade on failure
	var report *contracts.EvalReport
	doc, genErr := o.advise(ctx, advisory.Input{Trade: req.Trade, RiskResult: risk})
	if genErr != nil {
		doc = nil
		category := advisory.Category(genErr)
		log.WarnContext(ctx, "advisory unavailable", "category", category, "error", genErr)
		if _, err := o.record(ctx, traceID, contracts.EventAdvisoryFailed, map[string]any{
			"error_category": category,
			"error":          genErr.Error(),
		}); err != nil {
			return nil, err
		}
	} else if o.deps.Guardrail != nil {
		r := o.deps.Guardrail.Validate(doc, risk)
		report = &r
		if !r.Passed {
			log.InfoContext(ctx, "advisory failed guardrail", "checks", r.Failed(), "error", r.Error)
		}
	}

	// 4. decide; only an enforced guardrail failure can move it off the risk result
	decision := contracts.DecisionFor(risk)
	var passed *bool
	influenced := false
	if report != nil {
		passed = &report.Passed
		if o.cfg.GuardrailMode == GuardrailEnforce && !report.Passed && decision != contracts.DecisionReject {
			decision = contracts.DecisionReject
			influenced = true
		}
	}

	// 5. advisory outcome, written whether or not an advisory was obtained
	var advisoryPayload, reportPayload any
	if doc != nil {
		advisoryPayload = doc
	}
	if report != nil {
		reportPayload = report
	}
	if _, err := o.record(ctx, traceID, contracts.EventAdvisoryGenerated, map[string]any{
		"advisory":            advisoryPayload,
		"risk_result":         risk,
		"eval_report":         reportPayload,
		"advisory_role":       advisoryRole(o.cfg.GuardrailMode),
		"influenced_decision": influenced,
	}); err != nil {
		return nil, err
	}

	res, err := o.record(ctx, traceID, contracts.EventDecisionForwarded, map[string]any{
		"source":           Source,
		"decision":         decision,
		"risk_result":      risk,
		"guardrail_mode":   o.cfg.GuardrailMode,
		"guardrail_passed": passed,
	})
	if err != nil {
		return nil, err
	}

	o.deps.Telemetry.RecordDecision(ctx, string(decision), passed != nil && *passed)
	log.InfoContext(ctx, "decision forwarded",
		"decision", decision,
		"policy_id", risk.PolicyID,
		"audit_id", res.AuditID,
	)

	return &DecisionResponse{
		TraceID:    traceID,
		Decision:   decision,
		RiskResult: risk,
		AuditID:    res.AuditID,
	}, nil
}

// advisoryRole describes how the advisory may bear on the decision under mode.
func advisoryRole(mode GuardrailMode) string {
	if mode == GuardrailEnforce {
		return "guardrail_gated"
	}
	return "informative_only"
}

func (o *Orchestrator) resolveTraceID(id string) (string, error) {
	if id != "" {
		return id, nil
	}
	if o.cfg.RequireTraceID {
		return "", &ClientError{Err: ErrMissingTraceID}
	}
	return o.deps.NewTraceID(), nil
}

// record appends one event, retrying transient failures with backoff.
// Validation and ordering errors are not retried.
func (o *Orchestrator) record(ctx context.Context, traceID string, eventType contracts.EventType, payload map[string]any) (*ledger.AppendResult, error) {
	doc, err := contracts.ToDocument(payload)
	if err != nil {
		return nil, &UpstreamUnavailableError{Component: "ledger", Err: err}
	}

	var res *ledger.AppendResult
	params := retry.BackoffParams{
		PolicyID:  o.cfg.LedgerRetry.PolicyID,
		Operation: "ledger.append",
		Key:       traceID + "/" + string(eventType),
	}
	err = o.retrier.Do(ctx, params, func(ctx context.Context, attempt int) (err error) {
		ctx, done := o.deps.Telemetry.TrackOperation(ctx, "ledger.append",
			attribute.String("event_type", string(eventType)),
			attribute.Int("attempt", attempt),
		)
		defer func() { done(err) }()

		callCtx, cancel := withTimeout(ctx, o.cfg.LedgerTimeout)
		defer cancel()
		res, err = o.deps.Ledger.Append(callCtx, ledger.AppendRequest{
			TraceID:   traceID,
			EventType: eventType,
			Timestamp: o.deps.Clock(),
			Payload:   doc,
		})
		if errors.Is(err, ledger.ErrInvalidEvent) || errors.Is(err, ledger.ErrTimestampRegression) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "ledger append failed", "trace_id", traceID, "event_type", eventType, "error", err)
		return nil, &UpstreamUnavailableError{Component: "ledger", Err: err}
	}
	return res, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, req policy.EvaluationRequest) (risk contracts.RiskResult, err error) {
	ctx, done := o.deps.Telemetry.TrackOperation(ctx, "policy.evaluate")
	defer func() { done(err) }()

	callCtx, cancel := withTimeout(ctx, o.cfg.PolicyTimeout)
	defer cancel()
	res, err := o.deps.Policy.Evaluate(callCtx, req)
	if err != nil {
		return contracts.RiskResult{}, err
	}
	if res == nil {
		return contracts.RiskResult{}, errors.New("policy returned no result")
	}
	if _, err := contracts.ParseRiskOutcome(string(res.Result)); err != nil {
		return contracts.RiskResult{}, err
	}
	return *res, nil
}

func (o *Orchestrator) advise(ctx context.Context, in advisory.Input) (doc contracts.Document, err error) {
	ctx, done := o.deps.Telemetry.TrackOperation(ctx, "advisory.generate")
	defer func() { done(err) }()

	callCtx, cancel := withTimeout(ctx, o.cfg.AdvisoryTimeout)
	defer cancel()
	out, err := o.deps.Advisor.Generate(callCtx, in)
	if err != nil {
		return nil, err
	}
	return advisory.Parse(out)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
