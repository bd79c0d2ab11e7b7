package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const idempotencySchema = `CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	headers TEXT NOT NULL,
	body TEXT NOT NULL,
	cached_at BIGINT NOT NULL
)`

// SQLIdempotencyStore survives restarts. It shares the ledger's database;
// the statements are valid for both SQLite and PostgreSQL.
type SQLIdempotencyStore struct {
	db     *sql.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewSQLIdempotencyStore(db *sql.DB, ttl time.Duration) *SQLIdempotencyStore {
	return &SQLIdempotencyStore{
		db:     db,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default().With("component", "idempotency"),
	}
}

// Init creates the table if needed.
func (s *SQLIdempotencyStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, idempotencySchema)
	return err
}

func (s *SQLIdempotencyStore) Check(ctx context.Context, key string) (*cachedResponse, bool) {
	var (
		statusCode int
		headers    string
		body       string
		cachedAt   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status_code, headers, body, cached_at FROM idempotency_keys WHERE idem_key = $1`, key,
	).Scan(&statusCode, &headers, &body, &cachedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.WarnContext(ctx, "idempotency lookup failed", "error", err)
		}
		return nil, false
	}

	at := time.Unix(0, cachedAt)
	if s.now().Sub(at) > s.ttl {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE idem_key = $1`, key)
		return nil, false
	}

	hdr := make(http.Header)
	if err := json.Unmarshal([]byte(headers), &hdr); err != nil {
		hdr = http.Header{"Content-Type": []string{"application/json"}}
	}
	return &cachedResponse{StatusCode: statusCode, Headers: hdr, Body: []byte(body), CachedAt: at}, true
}

func (s *SQLIdempotencyStore) Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte) {
	hdr, err := json.Marshal(headers)
	if err != nil {
		hdr = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (idem_key, status_code, headers, body, cached_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (idem_key) DO UPDATE SET status_code = excluded.status_code, headers = excluded.headers,
		 body = excluded.body, cached_at = excluded.cached_at`,
		key, statusCode, string(hdr), string(body), s.now().UnixNano(),
	)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency store failed", "error", err)
	}
}

// Cleanup removes keys older than the TTL.
func (s *SQLIdempotencyStore) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE cached_at < $1`, s.now().Add(-s.ttl).UnixNano())
	return err
}
