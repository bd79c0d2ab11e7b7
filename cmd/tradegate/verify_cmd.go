package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/config"
	"github.com/Mindburn-Labs/tradegate/pkg/ledger"
)

// ledgerService is what the audit commands need from a ledger.
type ledgerService interface {
	ledger.Reader
	Verify(ctx context.Context, traceID string) (*ledger.VerifyResult, error)
}

// ledgerFlags are shared by verify and events.
type ledgerFlags struct {
	trace string
	db    string
	url   string
}

func (f *ledgerFlags) register(cmd *flag.FlagSet, cfg *config.Config) {
	cmd.StringVar(&f.trace, "trace", "", "Trace id (REQUIRED)")
	cmd.StringVar(&f.db, "db", cfg.AuditDBPath, "SQLite ledger file (ignored when DATABASE_URL is set)")
	cmd.StringVar(&f.url, "url", cfg.LedgerURL, "Remote ledger base URL")
}

// open returns the selected ledger and a release function.
func (f *ledgerFlags) open(ctx context.Context, cfg *config.Config) (ledgerService, func(), error) {
	if f.url != "" {
		return ledger.NewClient(f.url, cfg.LedgerTimeout), func() {}, nil
	}
	db, store, err := openLedgerDB(ctx, cfg.DatabaseURL, f.db)
	if err != nil {
		return nil, nil, err
	}
	// Verification always recomputes the chain regardless of the writer's mode.
	return ledger.New(store), func() { _ = db.Close() }, nil
}

// runVerifyCmd implements `tradegate verify`.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error, or no events for the trace
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		lf         ledgerFlags
		jsonOutput bool
	)
	lf.register(cmd, cfg)
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if lf.trace == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, release, err := lf.open(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer release()

	res, err := svc.Verify(ctx, lf.trace)
	if err != nil {
		if errors.Is(err, ledger.ErrChainDisabled) {
			_, _ = fmt.Fprintln(stderr, "Error: hash chain is disabled on this ledger; nothing to verify")
			return 2
		}
		if errors.Is(err, ledger.ErrNoEvents) {
			_, _ = fmt.Fprintf(stderr, "Error: no events for trace %q; nothing to verify\n", lf.trace)
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "%sChain verification PASSED%s\n", ColorGreen, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Trace: %s\n", res.TraceID)
		_, _ = fmt.Fprintf(stdout, "Events: %d\n", res.Events)
		if res.HeadHash != "" {
			_, _ = fmt.Fprintf(stdout, "Head: %s\n", res.HeadHash)
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%sChain verification FAILED%s\n", ColorRed, ColorReset)
		_, _ = fmt.Fprintf(stdout, "Trace: %s\n", res.TraceID)
		for _, seq := range res.Broken {
			_, _ = fmt.Fprintf(stdout, "  - sequence %d: hash mismatch\n", seq)
		}
	}

	if !res.Valid {
		return 1
	}
	return 0
}

// runEventsCmd implements `tradegate events`: the trace's events as a JSON array.
func runEventsCmd(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("events", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var lf ledgerFlags
	lf.register(cmd, cfg)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if lf.trace == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --trace is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	svc, release, err := lf.open(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer release()

	events, err := svc.List(ctx, lf.trace)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if events == nil {
		events = []ledger.AuditEvent{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
