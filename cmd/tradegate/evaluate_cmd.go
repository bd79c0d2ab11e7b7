package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/config"
	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
	"github.com/Mindburn-Labs/tradegate/pkg/policy"
)

// evaluation is the JSON printed by `tradegate evaluate`.
type evaluation struct {
	RiskResult contracts.RiskResult `json:"risk_result"`
	Decision   contracts.Decision   `json:"decision"`
	Coverage   *policy.Coverage     `json:"coverage,omitempty"`
}

// runEvaluateCmd evaluates one request file against a policies file
// without a server. The request file holds {"trade": ..., "actor": ...,
// "as_of": ...}.
//
// Exit codes:
//
//	0 = PASS
//	1 = REJECT
//	2 = usage or runtime error
func runEvaluateCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		policiesPath string
		tradePath    string
		asOf         string
		coverage     bool
	)
	cmd.StringVar(&policiesPath, "policies", cfg.PolicyPath, "Policies file (YAML or JSON)")
	cmd.StringVar(&tradePath, "trade", "", "Evaluation request JSON file (REQUIRED)")
	cmd.StringVar(&asOf, "as-of", "", "Evaluation instant (RFC3339 or YYYY-MM-DD); overrides the file")
	cmd.BoolVar(&coverage, "coverage", false, "Include policy coverage in the output")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tradePath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trade is required")
		return 2
	}

	req, err := readEvaluationRequest(tradePath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if asOf != "" {
		t, err := parseAsOf(asOf)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --as-of: %v\n", err)
			return 2
		}
		req.AsOf = t
	}
	if req.AsOf.IsZero() {
		req.AsOf = time.Now().UTC()
	}

	engine, err := policy.NewEngine(policy.NewFileSource(policiesPath))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	risk, err := engine.Evaluate(context.Background(), req)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: evaluation failed: %v\n", err)
		return 2
	}

	out := evaluation{RiskResult: *risk, Decision: contracts.DecisionFor(*risk)}
	if coverage {
		c := engine.LastCoverage()
		out.Coverage = &c
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))

	if risk.Rejected() {
		return 1
	}
	return 0
}

func readEvaluationRequest(path string) (policy.EvaluationRequest, error) {
	var req policy.EvaluationRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := req.Trade.Validate(); err != nil {
		return req, err
	}
	req.Actor = req.Actor.Normalize()
	if err := req.Actor.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

func parseAsOf(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}
