package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/orchestrator"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

// HeaderTraceID carries the decision trace id.
const HeaderTraceID = "X-Trace-Id"

const maxBody = 1 << 20

// LedgerService is what the audit endpoints need. Both ledger.Ledger and
// ledger.Client satisfy it.
type LedgerService interface {
	ledger.Recorder
	ledger.Reader
	Verify(ctx context.Context, traceID string) (*ledger.VerifyResult, error)
}

// Decider runs the decision flow. orchestrator.Orchestrator satisfies it.
type Decider interface {
	Decide(ctx context.Context, req orchestrator.DecisionRequest) (*orchestrator.DecisionResponse, error)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// parseTimestamp accepts RFC 3339 or a zone-less ISO timestamp read as UTC.
// Empty input returns fallback.
func parseTimestamp(s string, fallback time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.IsZero() {
				return fallback, nil
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

type ledgerHandler struct {
	ledger LedgerService
	now    func() time.Time
}

type appendBody struct {
	TraceID   string              `json:"trace_id"`
	EventType contracts.EventType `json:"event_type"`
	Timestamp string              `json:"timestamp"`
	Payload   contracts.Document  `json:"payload"`
}

func (h *ledgerHandler) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var body appendBody
	if err := decode(w, r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	ts, err := parseTimestamp(body.Timestamp, h.now())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	res, err := h.ledger.Append(r.Context(), ledger.AppendRequest{
		TraceID:   body.TraceID,
		EventType: body.EventType,
		Timestamp: ts,
		Payload:   body.Payload,
	})
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ledgerHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		WriteBadRequest(w, "trace_id query parameter is required")
		return
	}
	events, err := h.ledger.List(r.Context(), traceID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	if events == nil {
		events = []ledger.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *ledgerHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	traceID := r.URL.Query().Get("trace_id")
	if traceID == "" {
		WriteBadRequest(w, "trace_id query parameter is required")
		return
	}
	res, err := h.ledger.Verify(r.Context(), traceID)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidEvent):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ledger.ErrNoEvents):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrChainDisabled):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", "hash chain disabled: nothing to verify")
	case errors.Is(err, ledger.ErrTimestampRegression):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	default:
		WriteUnavailable(w, r, "ledger", err)
	}
}

type policyHandler struct {
	policy policy.Evaluator
	now    func() time.Time
}

type evaluateBody struct {
	Trade   contracts.TradeIntent `json:"trade"`
	Actor   contracts.Actor       `json:"actor"`
	TraceID string                `json:"trace_id"`
	AsOf    string                `json:"as_of"`
}

func (h *policyHandler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var body evaluateBody
	if err := decode(w, r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	asOf, err := parseTimestamp(body.AsOf, h.now())
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	actor := body.Actor.Normalize()
	if err := errors.Join(actor.Validate(), body.Trade.Validate()); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	traceID := r.Header.Get(HeaderTraceID)
	if traceID == "" {
		traceID = body.TraceID
	}

	res, err := h.policy.Evaluate(r.Context(), policy.EvaluationRequest{
		Trade:   body.Trade,
		Actor:   actor,
		TraceID: traceID,
		AsOf:    asOf,
	})
	if err != nil {
		WriteUnavailable(w, r, "policy", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type decisionHandler struct {
	decider Decider
}

type decisionBody struct {
	TraceID     string                `json:"trace_id"`
	RequestID   string                `json:"request_id"`
	Actor       contracts.Actor       `json:"actor"`
	Trade       contracts.TradeIntent `json:"trade"`
	Intent      string                `json:"intent"`
	Constraints map[string]any        `json:"constraints"`
	AsOf        string                `json:"as_of"`
}

func (h *decisionHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var body decisionBody
	if err := decode(w, r, &body); err != nil {
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}

	req := orchestrator.DecisionRequest{
		TraceID:     r.Header.Get(HeaderTraceID),
		RequestID:   body.RequestID,
		Actor:       body.Actor,
		Trade:       body.Trade,
		Intent:      body.Intent,
		Constraints: body.Constraints,
	}
	if req.TraceID == "" {
		req.TraceID = body.TraceID
	}
	if body.AsOf != "" {
		asOf, err := parseTimestamp(body.AsOf, time.Time{})
		if err != nil {
			WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
			return
		}
		if !asOf.IsZero() {
			req.AsOf = &asOf
		}
	}

	resp, err := h.decider.Decide(r.Context(), req)
	var (
		clientErr   *orchestrator.ClientError
		upstreamErr *orchestrator.UpstreamUnavailableError
	)
	switch {
	case err == nil:
		w.Header().Set(HeaderTraceID, resp.TraceID)
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &clientErr):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", clientErr.Error())
	case errors.As(err, &upstreamErr):
		WriteUnavailable(w, r, upstreamErr.Component, upstreamErr.Err)
	default:
		WriteInternal(w, err)
	}
}

// HealthInfo is reported by /health.
type HealthInfo struct {
	Env       string
	ChainMode ledger.ChainMode
}

// HealthHandler reports liveness with the environment and chain mode.
func HealthHandler(info HealthInfo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			WriteMethodNotAllowed(w)
			return
		}
		body := map[string]string{"status": "ok", "env": info.Env}
		if info.ChainMode != "" {
			body["hash_chain"] = string(info.ChainMode)
		}
		writeJSON(w, http.StatusOK, body)
	})
}
