package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/tradegate/pkg/advisory"
	"github.com/Mindburn-Labs/tradegate/pkg/api"
	"github.com/Mindburn-Labs/tradegate/pkg/config"
	"github.com/Mindburn-Labs/tradegate/pkg/guardrail"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/llm"
	"github.com/Mindburn-Labs/tradegate/pkg/observability"
	"github.com/Mindburn-Labs/tradegate/pkg/orchestrator"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

const (
	idempotencyTTL     = 24 * time.Hour
	idempotencyCleanup = 10 * time.Minute
	lockTTL            = 10 * time.Second
)

// gate is a fully wired service ready to be served.
type gate struct {
	handler http.Handler
	health  http.Handler
	cleanup func(context.Context)
	closers []func(context.Context) error
}

func (g *gate) Close(ctx context.Context) error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.SlogLevel()
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})).With("service", "tradegate")
}

// buildGate wires every component selected by cfg.
func buildGate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *gate, err error) {
	g := &gate{cleanup: func(context.Context) {}}
	defer func() {
		if err != nil {
			_ = g.Close(context.Background())
		}
	}()

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = version
	otelCfg.Environment = cfg.Env
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTelEndpoint
	telemetry, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	g.closers = append(g.closers, telemetry.Shutdown)

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = ledger.NewRedisClient(cfg.RedisAddr, cfg.RedisPass, 0)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		g.closers = append(g.closers, func(context.Context) error { return rdb.Close() })
		logger.Info("redis: connected", "addr", cfg.RedisAddr)
	}

	// Ledger: remote service, or local store (Postgres or lite SQLite).
	var (
		recorder  ledger.Recorder
		served    api.LedgerService
		db        *sql.DB
		chainMode = cfg.ChainMode
	)
	if cfg.LedgerURL != "" {
		recorder = ledger.NewClient(cfg.LedgerURL, cfg.LedgerTimeout)
		chainMode = ""
		logger.Info("ledger: remote", "url", cfg.LedgerURL)
	} else {
		var store *ledger.SQLStore
		db, store, err = openLedgerDB(ctx, cfg.DatabaseURL, cfg.AuditDBPath)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, func(context.Context) error { return db.Close() })
		opts := []ledger.Option{
			ledger.WithChainMode(cfg.ChainMode),
			ledger.WithLogger(logger.With("component", "ledger")),
		}
		if rdb != nil {
			opts = append(opts, ledger.WithLocker(ledger.NewRedisLocker(rdb, lockTTL)))
		}
		l := ledger.New(store, opts...)
		recorder, served = l, l
		logger.Info("ledger: ready", "lite_mode", cfg.LiteMode(), "hash_chain", cfg.ChainMode)
	}

	// Policy: remote service, or engine over the local policies file.
	var (
		evaluator policy.Evaluator
		engine    *policy.Engine
	)
	if cfg.PolicyURL != "" {
		evaluator = policy.NewClient(cfg.PolicyURL, cfg.PolicyTimeout)
		logger.Info("policy: remote", "url", cfg.PolicyURL)
	} else {
		engine, err = policy.NewEngine(policy.NewFileSource(cfg.PolicyPath))
		if err != nil {
			return nil, fmt.Errorf("policy engine: %w", err)
		}
		evaluator = engine
		logger.Info("policy: ready", "path", cfg.PolicyPath)
	}

	advisor := newAdvisor(cfg, logger)

	guard, err := guardrail.New(guardrail.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("guardrail: %w", err)
	}

	orch, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Ledger:    recorder,
		Policy:    evaluator,
		Advisor:   advisor,
		Guardrail: guard,
		Telemetry: telemetry,
		Logger:    logger.With("component", "orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	var idem api.IdempotencyStore
	switch {
	case rdb != nil:
		idem = api.NewRedisIdempotencyStore(rdb, idempotencyTTL)
	case db != nil:
		s := api.NewSQLIdempotencyStore(db, idempotencyTTL)
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		idem = s
		g.cleanup = func(ctx context.Context) {
			if err := s.Cleanup(ctx); err != nil {
				logger.Warn("idempotency cleanup failed", "error", err)
			}
		}
	default:
		idem = api.NewMemoryIdempotencyStore(idempotencyTTL)
	}

	limiter := api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	g.closers = append(g.closers, func(context.Context) error { limiter.Close(); return nil })

	health := api.HealthInfo{Env: cfg.Env, ChainMode: chainMode}
	// Local components are exposed so other replicas can use them remotely.
	services := api.Services{
		Ledger:      served,
		Decider:     orch,
		Idempotency: idem,
		Limiter:     limiter,
		Health:      health,
		Logger:      logger.With("component", "api"),
	}
	if engine != nil {
		services.Policy = engine
	}
	g.handler = api.NewRouter(services)
	g.health = api.HealthHandler(health)
	return g, nil
}

// newAdvisor returns the LLM-backed generator when an endpoint is
// configured and the deterministic stub otherwise.
func newAdvisor(cfg *config.Config, logger *slog.Logger) advisory.Generator {
	if cfg.LLMBaseURL == "" {
		logger.Info("advisory: stub generator")
		return advisory.StubGenerator{}
	}
	var client llm.Client = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMPrimaryModel)
	if cfg.LLMFallbackModel != "" {
		fb := llm.NewFallback(client, llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMFallbackModel))
		fb.Logger = logger.With("component", "llm")
		client = fb
	}
	logger.Info("advisory: llm generator", "model", cfg.LLMPrimaryModel, "fallback", cfg.LLMFallbackModel)
	return advisory.NewLLMGenerator(client, "llm", cfg.LLMPrimaryModel)
}

func runServer(stdout, stderr io.Writer) int {
	_, _ = fmt.Fprintf(stdout, "%sTradeGate starting...%s\n", ColorBold+ColorBlue, ColorReset)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid configuration:\n%v\n", err)
		return 2
	}
	logger := newLogger(stdout, cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, err := buildGate(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.Close(shutdownCtx); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	apiSrv := newHTTPServer(ctx, ":"+cfg.Port, g.handler)
	healthSrv := newHTTPServer(ctx, ":"+cfg.HealthPort, g.health)

	errCh := make(chan error, 2)
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		go func(srv *http.Server) {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
			}
		}(srv)
	}

	go func() {
		t := time.NewTicker(idempotencyCleanup)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				g.cleanup(ctx)
			}
		}
	}()

	logger.Info("ready", "url", "http://localhost:"+cfg.Port)

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		code = 2
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{apiSrv, healthSrv} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	return code
}

func newHTTPServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
}
