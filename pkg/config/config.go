// Package config reads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
	"github.com/Mindburn-Labs/tradegate/pkg/orchestrator"
	"github.com/Mindburn-Labs/tradegate/pkg/retry"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string
	Env        string

	// Ledger. An empty DatabaseURL selects the SQLite file at AuditDBPath.
	DatabaseURL string
	AuditDBPath string
	ChainMode   ledger.ChainMode
	RedisAddr   string
	RedisPass   string
	LedgerURL   string

	PolicyPath string
	PolicyURL  string

	RequireTraceID      bool
	GuardrailMode       orchestrator.GuardrailMode
	LedgerTimeout       time.Duration
	PolicyTimeout       time.Duration
	AdvisoryTimeout     time.Duration
	LedgerRetryAttempts int
	LedgerRetryBaseMs   int64
	LedgerRetryMaxMs    int64

	// An empty LLMBaseURL selects the deterministic stub generator.
	LLMBaseURL       string
	LLMAPIKey        string
	LLMPrimaryModel  string
	LLMFallbackModel string

	OTelEnabled  bool
	OTelEndpoint string

	RateLimitRPS   float64
	RateLimitBurst int

	problems []error
}

// Load loads configuration from environment variables. Malformed values
// fall back to their defaults and are reported by Validate.
func Load() *Config {
	c := &Config{}
	c.Port = str("PORT", "8080")
	c.HealthPort = str("HEALTH_PORT", "8081")
	c.LogLevel = str("LOG_LEVEL", "info")
	c.Env = str("APP_ENV", "local")

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.AuditDBPath = str("AUDIT_DB_PATH", "data/tradegate.db")
	c.RedisAddr = os.Getenv("REDIS_ADDR")
	c.RedisPass = os.Getenv("REDIS_PASSWORD")
	c.LedgerURL = os.Getenv("LEDGER_URL")
	mode, err := ledger.ParseChainMode(str("AUDIT_HASH_CHAIN", "true"))
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("AUDIT_HASH_CHAIN: %w", err))
		mode = ledger.ChainEnabled
	}
	c.ChainMode = mode

	c.PolicyPath = str("POLICY_PATH", "policies/position_limits.yaml")
	c.PolicyURL = os.Getenv("POLICY_URL")

	c.RequireTraceID = c.boolean("ORCH_REQUIRE_TRACE_ID", true)
	gm, err := orchestrator.ParseGuardrailMode(os.Getenv("GUARDRAIL_MODE"))
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("GUARDRAIL_MODE: %w", err))
		gm = orchestrator.GuardrailAdvisory
	}
	c.GuardrailMode = gm
	c.LedgerTimeout = c.duration("LEDGER_TIMEOUT", 2*time.Second)
	c.PolicyTimeout = c.duration("POLICY_TIMEOUT", 5*time.Second)
	c.AdvisoryTimeout = c.duration("ADVISORY_TIMEOUT", 15*time.Second)
	c.LedgerRetryAttempts = int(c.integer("LEDGER_RETRY_ATTEMPTS", 3))
	c.LedgerRetryBaseMs = c.integer("LEDGER_RETRY_BASE_MS", 100)
	c.LedgerRetryMaxMs = c.integer("LEDGER_RETRY_MAX_MS", 2000)

	c.LLMBaseURL = os.Getenv("LLM_BASE_URL")
	c.LLMAPIKey = os.Getenv("LLM_API_KEY")
	c.LLMPrimaryModel = str("LLM_PRIMARY_MODEL", "claude-3-haiku-20240307")
	c.LLMFallbackModel = os.Getenv("LLM_FALLBACK_MODEL")

	c.OTelEnabled = c.boolean("OTEL_ENABLED", false)
	c.OTelEndpoint = str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")

	rps, err := strconv.ParseFloat(str("RATE_LIMIT_RPS", "50"), 64)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		rps = 50
	}
	c.RateLimitRPS = rps
	c.RateLimitBurst = int(c.integer("RATE_LIMIT_BURST", 100))

	return c
}

// Validate reports every malformed or inconsistent setting at once.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.problems...)
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LedgerRetryAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_RETRY_ATTEMPTS must be at least 1"))
	}
	if c.LedgerRetryBaseMs <= 0 || c.LedgerRetryMaxMs < c.LedgerRetryBaseMs {
		errs = append(errs, errors.New("LEDGER_RETRY_BASE_MS must be positive and not above LEDGER_RETRY_MAX_MS"))
	}
	for name, d := range map[string]time.Duration{
		"LEDGER_TIMEOUT":   c.LedgerTimeout,
		"POLICY_TIMEOUT":   c.PolicyTimeout,
		"ADVISORY_TIMEOUT": c.AdvisoryTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst < 1 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if c.LLMBaseURL != "" && c.LLMPrimaryModel == "" {
		errs = append(errs, errors.New("LLM_PRIMARY_MODEL is required with LLM_BASE_URL"))
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// LiteMode reports whether the ledger runs on a local SQLite file.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// Orchestrator derives the orchestrator's settings.
func (c *Config) Orchestrator() orchestrator.Config {
	policy := retry.DefaultLedgerPolicy()
	policy.MaxAttempts = c.LedgerRetryAttempts
	policy.BaseMs = c.LedgerRetryBaseMs
	policy.MaxMs = c.LedgerRetryMaxMs
	return orchestrator.Config{
		RequireTraceID:  c.RequireTraceID,
		GuardrailMode:   c.GuardrailMode,
		LedgerTimeout:   c.LedgerTimeout,
		PolicyTimeout:   c.PolicyTimeout,
		AdvisoryTimeout: c.AdvisoryTimeout,
		LedgerRetry:     policy,
	}
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func (c *Config) integer(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

// duration accepts Go durations ("2s") or bare seconds ("2", "0.5").
func (c *Config) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		c.problems = append(c.problems, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
