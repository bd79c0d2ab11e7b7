// Package ledger implements the append-only, hash-chained audit ledger.
//
// Events are scoped by trace id. Within a trace each event carries the hash
// of its predecessor, so recomputing the chain detects any altered record:
//
//	event_hash = SHA-256(trace_id ‖ event_type ‖ timestamp ‖ canonical(payload) ‖ prev_hash)
//
// The ledger never updates or deletes an event.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

var (
	// ErrInvalidEvent is returned for an append that lacks a trace id, a known event type, or a timestamp.
	ErrInvalidEvent = errors.New("ledger: invalid event")
	// ErrTimestampRegression is returned when an append is older than the trace's last event.
	ErrTimestampRegression = errors.New("ledger: timestamp precedes last event of trace")
	// ErrChainDisabled is returned by Verify when the ledger runs without hash chaining.
	ErrChainDisabled = errors.New("ledger: hash chain disabled")
	// ErrNoEvents is returned by Verify for a trace with nothing recorded.
	ErrNoEvents = errors.New("ledger: no events for trace")
	// ErrSequenceConflict is returned by a store when another writer claimed the same sequence.
	ErrSequenceConflict = errors.New("ledger: sequence conflict")
)

// ChainMode says whether events are hash-chained.
type ChainMode string

const (
	ChainEnabled  ChainMode = "enabled"
	ChainDisabled ChainMode = "disabled"
)

// ParseChainMode maps "enabled"/"disabled" (or a boolean string) onto a ChainMode.
func ParseChainMode(s string) (ChainMode, error) {
	switch s {
	case "enabled", "true", "1":
		return ChainEnabled, nil
	case "disabled", "false", "0":
		return ChainDisabled, nil
	}
	return "", fmt.Errorf("%w: chain mode %q", contracts.ErrUnknownEnum, s)
}

func (m ChainMode) String() string { return string(m) }

// AuditEvent is one immutable ledger record.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type AuditEvent struct {
	AuditID   string              `json:"audit_id"`
	TraceID   string              `json:"trace_id"`
	Sequence  uint64              `json:"sequence"`
	EventType contracts.EventType `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   contracts.Document  `json:"payload"`
	PrevHash  *string             `json:"prev_hash"`
	EventHash *string             `json:"event_hash"`
}

// AppendRequest is the ledger write shape.
type AppendRequest struct {
	TraceID   string              `json:"trace_id"`
	EventType contracts.EventType `json:"event_type"`
	Timestamp time.Time           `json:"timestamp"`
	Payload   contracts.Document  `json:"payload"`
}

// AppendResult is returned for every successful append.
type AppendResult struct {
	AuditID   string  `json:"audit_id"`
	EventHash *string `json:"event_hash"`
	PrevHash  *string `json:"prev_hash"`
	Sequence  uint64  `json:"sequence"`
}

// VerifyResult reports a chain recomputation. Broken lists every sequence
// whose stored hash disagrees with the recomputed one.
type VerifyResult struct {
	TraceID  string   `json:"trace_id"`
	Valid    bool     `json:"valid"`
	Events   int      `json:"events"`
	Broken   []uint64 `json:"broken,omitempty"`
	HeadHash string   `json:"head_hash,omitempty"`
}

// Recorder appends events. Both the in-process Ledger and the HTTP Client satisfy it.
type Recorder interface {
	Append(ctx context.Context, req AppendRequest) (*AppendResult, error)
}

// Reader lists a trace's events in order.
type Reader interface {
	List(ctx context.Context, traceID string) ([]AuditEvent, error)
}

// Store is the persistence behind a Ledger.
type Store interface {
	// AppendFunc reads the trace's last event (nil when empty), calls build,
	// and inserts the result as one atomic step with respect to other
	// appends on the same trace.
	AppendFunc(ctx context.Context, traceID string, build func(tail *AuditEvent) (*AuditEvent, error)) (*AuditEvent, error)
	// List returns the trace's events ascending by timestamp, then sequence.
	List(ctx context.Context, traceID string) ([]AuditEvent, error)
}
