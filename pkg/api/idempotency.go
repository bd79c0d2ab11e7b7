package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// HeaderIdempotencyKey marks a retried submission of the same request.
const HeaderIdempotencyKey = "Idempotency-Key"

// cachedResponse stores a previously-seen response for replay.
type cachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStore is a backend for IdempotencyMiddleware. Implementations
// log their own failures: a broken store degrades to no replay.
type IdempotencyStore interface {
	Check(ctx context.Context, key string) (*cachedResponse, bool)
	Set(ctx context.Context, key string, statusCode int, headers http.Header, body []byte)
}

// MemoryIdempotencyStore holds cached responses in process.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*cachedResponse
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*cachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*cachedResponse, bool) {
	s.mu.RLock()
	cached, exists := s.entries[key]
	s.mu.RUnlock()

	if exists && s.now().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

// Set stores a response and drops expired entries.
func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, statusCode int, headers http.Header, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[key] = &cachedResponse{
		StatusCode: statusCode,
		Headers:    headers,
		Body:       append([]byte(nil), body...),
		CachedAt:   now,
	}
}

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored 2xx response for a repeated
// Idempotency-Key on the same method and path, so a retried decision
// request does not write a second set of ledger events.
func IdempotencyMiddleware(store IdempotencyStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}
			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			scoped := r.Method + " " + r.URL.Path + " " + key

			if cached, ok := store.Check(r.Context(), scoped); ok {
				for k, vals := range cached.Headers {
					for _, v := range vals {
						w.Header().Add(k, v)
					}
				}
				w.Header().Set("Idempotent-Replayed", "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), scoped, capture.statusCode, w.Header().Clone(), capture.body.Bytes())
			}
		})
	}
}
