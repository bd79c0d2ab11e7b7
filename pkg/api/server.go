package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

// Services selects which endpoints a router exposes. Nil services are
// not mounted, so one binary can run any subset.
type Services struct {
	Ledger      LedgerService
	Policy      policy.Evaluator
	Decider     Decider
	Idempotency IdempotencyStore
	Limiter     *RateLimiter
	Health      HealthInfo
	Clock       func() time.Time
	Logger      *slog.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(s Services) http.Handler {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Logger == nil {
		s.Logger = slog.Default().With("component", "api")
	}

	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler(s.Health))

	if s.Ledger != nil {
		h := &ledgerHandler{ledger: s.Ledger, now: s.Clock}
		mux.HandleFunc("/audit/log", h.handleLog)
		mux.HandleFunc("/audit/events", h.handleEvents)
		mux.HandleFunc("/audit/verify", h.handleVerify)
	}
	if s.Policy != nil {
		h := &policyHandler{policy: s.Policy, now: s.Clock}
		mux.HandleFunc("/evaluate", h.handleEvaluate)
	}
	if s.Decider != nil {
		var decision http.Handler = http.HandlerFunc((&decisionHandler{decider: s.Decider}).handleDecision)
		if s.Idempotency != nil {
			decision = IdempotencyMiddleware(s.Idempotency)(decision)
		}
		if s.Limiter != nil {
			decision = s.Limiter.Middleware(decision)
		}
		mux.Handle("/trade/decision", decision)
	}

	return RequestLogger(s.Logger)(mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"trace_id", r.Header.Get(HeaderTraceID),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
