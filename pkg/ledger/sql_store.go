package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tradegate/pkg/contracts"
)

// Dialect selects the SQL flavour of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	audit_id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	ts TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	prev_hash TEXT,
	event_hash TEXT,
	UNIQUE (trace_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_events_trace ON audit_events (trace_id);
`

const selectColumns = `audit_id, trace_id, seq, event_type, ts, payload_json, prev_hash, event_hash`

// SQLStore persists events through database/sql. Timestamps are stored as
// fixed-width text so the hashed form survives a round trip unchanged.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Init creates the table if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

// AppendFunc implements Store. On postgres the transaction also holds a
// trace-scoped advisory lock; on both dialects UNIQUE(trace_id, seq)
// rejects a forked chain.
func (s *SQLStore) AppendFunc(ctx context.Context, traceID string, build func(tail *AuditEvent) (*AuditEvent, error)) (*AuditEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.dialect == DialectPostgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, traceID); err != nil {
			return nil, fmt.Errorf("ledger: trace lock: %w", err)
		}
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE trace_id = $1 ORDER BY seq DESC LIMIT 1`, traceID)
	tail, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		tail = nil
	} else if err != nil {
		return nil, fmt.Errorf("ledger: read tail: %w", err)
	}

	ev, err := build(tail)
	if err != nil {
		return nil, err
	}

	payload, err := ev.Payload.Canonical()
	if err != nil {
		return nil, fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_events (`+selectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.AuditID, ev.TraceID, int64(ev.Sequence), string(ev.EventType), //nolint:gosec // sequence fits int64
		contracts.FormatTimestamp(ev.Timestamp), string(payload),
		nullString(ev.PrevHash), nullString(ev.EventHash),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrSequenceConflict, err)
		}
		return nil, fmt.Errorf("ledger: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ledger: commit: %w", err)
	}
	committed = true
	return ev, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, traceID string) ([]AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE trace_id = $1 ORDER BY ts ASC, seq ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []AuditEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: rows: %w", err)
	}
	return events, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*AuditEvent, error) {
	var (
		ev         AuditEvent
		seq        int64
		eventType  string
		ts         string
		payload    string
		prev, hash sql.NullString
	)
	if err := row.Scan(&ev.AuditID, &ev.TraceID, &seq, &eventType, &ts, &payload, &prev, &hash); err != nil {
		return nil, err
	}

	et, err := contracts.ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(contracts.TimestampLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse ts %q: %w", ts, err)
	}
	doc, err := contracts.ParseDocument([]byte(payload))
	if err != nil {
		return nil, err
	}

	ev.Sequence = uint64(seq) //nolint:gosec // stored from a uint64
	ev.EventType = et
	ev.Timestamp = t
	ev.Payload = doc
	if prev.Valid {
		ev.PrevHash = &prev.String
	}
	if hash.Valid {
		ev.EventHash = &hash.String
	}
	return &ev, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "constraint failed")
}
