package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// Ledger is the hash-chained audit ledger over a Store.
type Ledger struct {
	store  Store
	mode   ChainMode
	locks  *KeyedMutex
	dist   Locker
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithChainMode sets hash chaining on or off.
func WithChainMode(mode ChainMode) Option {
	return func(l *Ledger) { l.mode = mode }
}

// WithLocker adds a cross-process lock taken around every append.
func WithLocker(locker Locker) Option {
	return func(l *Ledger) { l.dist = locker }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New returns a Ledger. Hash chaining is on unless disabled explicitly.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		mode:   ChainEnabled,
		locks:  NewKeyedMutex(),
		logger: slog.Default().With("component", "ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.mode == ChainDisabled {
		l.logger.Warn("hash chain disabled: events carry no tamper evidence")
	}
	return l
}

// Mode reports whether events are chained.
func (l *Ledger) Mode() ChainMode { return l.mode }

// Append writes one event at the end of its trace.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	if req.TraceID == "" {
		return nil, fmt.Errorf("%w: trace_id is required", ErrInvalidEvent)
	}
	if _, err := contracts.ParseEventType(string(req.EventType)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if req.Timestamp.IsZero() {
		return nil, fmt.Errorf("%w: timestamp is required", ErrInvalidEvent)
	}

	ts := req.Timestamp.UTC().Truncate(time.Microsecond)
	canonical, err := req.Payload.Canonical()
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidEvent, err)
	}
	payload, err := contracts.ParseDocument(canonical)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrInvalidEvent, err)
	}

	unlock := l.locks.Lock(req.TraceID)
	defer unlock()

	if l.dist != nil {
		release, err := l.dist.Acquire(ctx, req.TraceID)
		if err != nil {
			return nil, fmt.Errorf("ledger: acquire trace lock: %w", err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				l.logger.WarnContext(ctx, "release trace lock", "trace_id", req.TraceID, "error", err)
			}
		}()
	}

	ev, err := l.store.AppendFunc(ctx, req.TraceID, func(tail *AuditEvent) (*AuditEvent, error) {
		seq := uint64(1)
		var prev *string
		if tail != nil {
			if ts.Before(tail.Timestamp) {
				return nil, fmt.Errorf("%w: %s < %s", ErrTimestampRegression,
					contracts.FormatTimestamp(ts), contracts.FormatTimestamp(tail.Timestamp))
			}
			seq = tail.Sequence + 1
			prev = tail.EventHash
		}

		ev := &AuditEvent{
			AuditID:   AuditID(req.TraceID, ts, seq),
			TraceID:   req.TraceID,
			Sequence:  seq,
			EventType: req.EventType,
			Timestamp: ts,
			Payload:   payload,
		}
		if l.mode == ChainEnabled {
			h := ComputeEventHash(req.TraceID, req.EventType, ts, canonical, prev)
			ev.PrevHash = prev
			ev.EventHash = &h
		}
		return ev, nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.DebugContext(ctx, "event appended",
		"trace_id", ev.TraceID,
		"event_type", ev.EventType,
		"sequence", ev.Sequence,
		"audit_id", ev.AuditID,
	)

	return &AppendResult{
		AuditID:   ev.AuditID,
		EventHash: ev.EventHash,
		PrevHash:  ev.PrevHash,
		Sequence:  ev.Sequence,
	}, nil
}

// List returns the trace's events in chain order.
func (l *Ledger) List(ctx context.Context, traceID string) ([]AuditEvent, error) {
	if traceID == "" {
		return nil, fmt.Errorf("%w: trace_id is required", ErrInvalidEvent)
	}
	return l.store.List(ctx, traceID)
}

// Verify recomputes the trace's chain. Each event is hashed over the
// recomputed predecessor, so a change at event k breaks k and every
// later event. An unknown trace is ErrNoEvents, never a passing result.
func (l *Ledger) Verify(ctx context.Context, traceID string) (*VerifyResult, error) {
	if l.mode == ChainDisabled {
		return nil, ErrChainDisabled
	}
	events, err := l.List(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEvents, traceID)
	}
	return VerifyEvents(traceID, events)
}

// VerifyEvents checks an ordered event slice without touching a store.
func VerifyEvents(traceID string, events []AuditEvent) (*VerifyResult, error) {
	res := &VerifyResult{TraceID: traceID, Valid: true, Events: len(events)}

	var prev, storedPrev *string
	for _, ev := range events {
		canonical, err := ev.Payload.Canonical()
		if err != nil {
			return nil, fmt.Errorf("ledger: canonicalize %s: %w", ev.AuditID, err)
		}
		want := ComputeEventHash(ev.TraceID, ev.EventType, ev.Timestamp, canonical, prev)

		linked := sameHash(ev.PrevHash, prev) && sameHash(ev.PrevHash, storedPrev)
		if ev.EventHash == nil || *ev.EventHash != want || !linked {
			res.Valid = false
			res.Broken = append(res.Broken, ev.Sequence)
		}
		prev = &want
		storedPrev = ev.EventHash
	}
	if prev != nil {
		res.HeadHash = *prev
	}
	return res, nil
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
