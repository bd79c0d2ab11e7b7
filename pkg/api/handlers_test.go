package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tradegate/pkg/advisory"
	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
	"github.com/Mindburn-Labs/tradegate/pkg/guardrail"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/orchestrator"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

var asOf = time.Date(2025, 3, 1, 15, 0, 0, 0, time.UTC)

type env struct {
	ledger *ledger.Ledger
	server *httptest.Server
}

func positionLimits() policy.StaticSource {
	return policy.StaticSource{{
		PolicyID:      "RISK-012",
		Version:       "3",
		EffectiveFrom: asOf.AddDate(0, -2, 0),
		Scope:         policy.Scope{Symbol: "AAPL", Desk: "EQ-US"},
		Rule:          policy.Rule{Type: policy.RuleMaxPosition, Parameters: map[string]any{"max_shares": 100000}},
	}}
}

func newEnv(t *testing.T, evaluator policy.Evaluator, mode ledger.ChainMode) *env {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore(), ledger.WithChainMode(mode))
	if evaluator == nil {
		engine, err := policy.NewEngine(positionLimits())
		require.NoError(t, err)
		evaluator = engine
	}
	g, err := guardrail.New(guardrail.DefaultOptions())
	require.NoError(t, err)
	orch, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Ledger:    l,
		Policy:    evaluator,
		Advisor:   advisory.StubGenerator{},
		Guardrail: g,
	})
	require.NoError(t, err)

	limiter := NewRateLimiter(1000, 1000)
	t.Cleanup(limiter.Close)
	srv := httptest.NewServer(NewRouter(Services{
		Ledger:      l,
		Policy:      evaluator,
		Decider:     orch,
		Idempotency: NewMemoryIdempotencyStore(time.Hour),
		Limiter:     limiter,
		Health:      HealthInfo{Env: "test", ChainMode: mode},
	}))
	t.Cleanup(srv.Close)
	return &env{ledger: l, server: srv}
}

func (e *env) do(t *testing.T, method, path string, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	var buf strings.Builder
	_, err = io.Copy(&buf, resp.Body)
	require.NoError(t, err)
	return resp, []byte(buf.String())
}

const decisionBodyJSON = `{
  "request_id": "req-1",
  "actor": {"user_id": "u-7", "desk": "EQ-US", "role": "trader"},
  "trade": {"symbol": "AAPL", "side": "buy", "quantity": 150000, "order_type": "market"},
  "intent": "rebalance",
  "as_of": "2025-03-01T15:00:00"
}`

func TestDecision_RejectEndToEnd(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodPost, "/trade/decision", decisionBodyJSON, map[string]string{HeaderTraceID: "trace-http"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "trace-http", resp.Header.Get(HeaderTraceID))

	var out orchestrator.DecisionResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, contracts.DecisionReject, out.Decision)
	assert.Equal(t, "RISK-012", out.RiskResult.PolicyID)
	assert.True(t, strings.HasPrefix(out.AuditID, "AUD-"))

	resp, body = e.do(t, http.MethodGet, "/audit/events?trace_id=trace-http", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []ledger.AuditEvent
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 3)
	assert.Equal(t, contracts.EventRequestReceived, events[0].EventType)
	assert.Equal(t, contracts.EventAdvisoryGenerated, events[1].EventType)
	assert.Equal(t, contracts.EventDecisionForwarded, events[2].EventType)
	assert.Equal(t, out.AuditID, events[2].AuditID)

	resp, body = e.do(t, http.MethodGet, "/audit/verify?trace_id=trace-http", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v ledger.VerifyResult
	require.NoError(t, json.Unmarshal(body, &v))
	assert.True(t, v.Valid)
	assert.Equal(t, 3, v.Events)
}

func TestDecision_TraceIDFromBody(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)
	body := strings.Replace(decisionBodyJSON, `"request_id"`, `"trace_id": "trace-body", "request_id"`, 1)

	resp, raw := e.do(t, http.MethodPost, "/trade/decision", body, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	assert.Equal(t, "trace-body", resp.Header.Get(HeaderTraceID))
}

func TestDecision_MissingTraceIDIs400(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodPost, "/trade/decision", decisionBodyJSON, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "trace id")
}

func TestDecision_UnknownEnumIs400(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)
	body := strings.Replace(decisionBodyJSON, `"side": "buy"`, `"side": "hold"`, 1)

	resp, _ := e.do(t, http.MethodPost, "/trade/decision", body, map[string]string{HeaderTraceID: "t"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDecision_QuantityBeyondExactRangeIs400(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)
	body := strings.Replace(decisionBodyJSON, `"quantity": 150000`, `"quantity": 9007199254740993`, 1)
	require.NotEqual(t, decisionBodyJSON, body)

	resp, raw := e.do(t, http.MethodPost, "/trade/decision", body, map[string]string{HeaderTraceID: "trace-big"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
	assert.Contains(t, string(raw), "quantity")

	events, err := e.ledger.List(context.Background(), "trace-big")
	require.NoError(t, err)
	assert.Empty(t, events)
}

type failingEvaluator struct{}

func (failingEvaluator) Evaluate(context.Context, policy.EvaluationRequest) (*contracts.RiskResult, error) {
	return nil, errors.Join(policy.ErrPolicyConfig, errors.New("policies: yaml: line 3"))
}

func TestDecision_PolicyDownIs503(t *testing.T) {
	e := newEnv(t, failingEvaluator{}, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodPost, "/trade/decision", decisionBodyJSON, map[string]string{HeaderTraceID: "trace-503"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), "policy unavailable")
	assert.NotContains(t, string(body), "yaml")

	resp, _ = e.do(t, http.MethodPost, "/evaluate",
		`{"trade":{"symbol":"AAPL","side":"buy","quantity":1,"order_type":"market"},"actor":{"user_id":"u","desk":"EQ-US"}}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestDecision_IdempotentReplay(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)
	headers := map[string]string{HeaderTraceID: "trace-idem", HeaderIdempotencyKey: "submit-1"}

	_, first := e.do(t, http.MethodPost, "/trade/decision", decisionBodyJSON, headers)
	resp, second := e.do(t, http.MethodPost, "/trade/decision", decisionBodyJSON, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(first), string(second))

	events, err := e.ledger.List(context.Background(), "trace-idem")
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestEvaluate(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodPost, "/evaluate",
		`{"trade":{"symbol":"AAPL","side":"sell","quantity":100001,"order_type":"market"},`+
			`"actor":{"user_id":"u","desk":"EQ-US"},"as_of":"2025-03-01T00:00:00Z"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var rr contracts.RiskResult
	require.NoError(t, json.Unmarshal(body, &rr))
	assert.Equal(t, contracts.RiskReject, rr.Result)
	assert.Equal(t, "3", rr.PolicyVersion)

	resp, _ = e.do(t, http.MethodPost, "/evaluate", `{"trade":{"symbol":"AAPL"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/evaluate", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAuditLog(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodPost, "/audit/log",
		`{"trace_id":"t-log","event_type":"request_received","timestamp":"2025-01-15T14:30:00.000000Z","payload":{"b":1,"a":2}}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res ledger.AppendResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.NotNil(t, res.EventHash)
	assert.Nil(t, res.PrevHash)

	resp, _ = e.do(t, http.MethodPost, "/audit/log",
		`{"trace_id":"t-log","event_type":"request_received","timestamp":"2025-01-15T14:29:00Z","payload":{}}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/audit/log",
		`{"trace_id":"t-log","event_type":"made_up","payload":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/audit/events", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/audit/events?trace_id=unknown", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestAuditClientRoundTrip(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)
	client := ledger.NewClient(e.server.URL, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := client.Append(ctx, ledger.AppendRequest{
			TraceID:   "t-remote",
			EventType: contracts.EventRequestReceived,
			Timestamp: asOf.Add(time.Duration(i) * time.Second),
			Payload:   contracts.Document{"i": i},
		})
		require.NoError(t, err)
	}
	events, err := client.List(ctx, "t-remote")
	require.NoError(t, err)
	assert.Len(t, events, 3)

	v, err := client.Verify(ctx, "t-remote")
	require.NoError(t, err)
	assert.True(t, v.Valid)

	_, err = client.Append(ctx, ledger.AppendRequest{
		TraceID:   "t-remote",
		EventType: contracts.EventRequestReceived,
		Timestamp: asOf,
		Payload:   contracts.Document{},
	})
	assert.ErrorIs(t, err, ledger.ErrTimestampRegression)
}

func TestVerify_ChainDisabledIs409(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainDisabled)

	resp, body := e.do(t, http.MethodGet, "/audit/verify?trace_id=x", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "disabled")

	_, err := ledger.NewClient(e.server.URL, time.Second).Verify(context.Background(), "x")
	assert.ErrorIs(t, err, ledger.ErrChainDisabled)
}

func TestVerify_UnknownTraceIs404(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainEnabled)

	resp, body := e.do(t, http.MethodGet, "/audit/verify?trace_id=nobody", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "no events")
	assert.NotContains(t, string(body), `"valid"`)

	_, err := ledger.NewClient(e.server.URL, time.Second).Verify(context.Background(), "nobody")
	assert.ErrorIs(t, err, ledger.ErrNoEvents)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil, ledger.ChainDisabled)

	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","env":"test","hash_chain":"disabled"}`, string(body))
}

func TestParseTimestamp(t *testing.T) {
	fallback := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"":                            fallback,
		"0001-01-01T00:00:00Z":        fallback,
		"2025-01-15T14:30:00.123456Z": time.Date(2025, 1, 15, 14, 30, 0, 123456000, time.UTC),
		"2025-01-15T16:30:00+02:00":   time.Date(2025, 1, 15, 14, 30, 0, 0, time.UTC),
		"2025-01-15T14:30:00.5":       time.Date(2025, 1, 15, 14, 30, 0, 500000000, time.UTC),
		"2025-01-15":                  time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	for in, want := range cases {
		got, err := parseTimestamp(in, fallback)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}
	_, err := parseTimestamp("yesterday", fallback)
	assert.Error(t, err)
}
