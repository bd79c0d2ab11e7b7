package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ExhaustedError is returned once every attempt in the budget has failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %s failed after %d attempts: %v", e.Operation, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retrier runs an operation under a BackoffPolicy.
type Retrier struct {
	Policy BackoffPolicy
	Logger *slog.Logger
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Retrier using a real timer.
func New(policy BackoffPolicy) *Retrier {
	return &Retrier{
		Policy: policy,
		Logger: slog.Default().With("component", "retry"),
		Sleep:  sleepContext,
	}
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or
// the attempt budget is spent. The attempt index passed to fn starts at 0.
func (r *Retrier) Do(ctx context.Context, params BackoffParams, fn func(ctx context.Context, attempt int) error) error {
	attempts := r.Policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delays := Schedule(params, BackoffPolicy{
		PolicyID:    r.Policy.PolicyID,
		BaseMs:      r.Policy.BaseMs,
		MaxMs:       r.Policy.MaxMs,
		MaxJitterMs: r.Policy.MaxJitterMs,
		MaxAttempts: attempts,
	})

	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		last = err

		if attempt == attempts-1 {
			break
		}
		if r.Logger != nil {
			r.Logger.WarnContext(ctx, "retrying",
				"operation", params.Operation,
				"key", params.Key,
				"attempt", attempt+1,
				"delay", delays[attempt],
				"error", err,
			)
		}
		if err := r.sleep(ctx, delays[attempt]); err != nil {
			return &ExhaustedError{Operation: params.Operation, Attempts: attempt + 1, Last: errors.Join(last, err)}
		}
	}

	return &ExhaustedError{Operation: params.Operation, Attempts: attempts, Last: last}
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep == nil {
		return sleepContext(ctx, d)
	}
	return r.Sleep(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
