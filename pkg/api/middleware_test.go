package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	defer limiter.Close()
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code, "within burst")
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// A different client has its own bucket.
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	defer limiter.Close()
	limiter.getVisitor("10.0.0.1")

	limiter.evict(time.Now().Add(time.Minute))
	assert.Len(t, limiter.visitors, 1)
	limiter.evict(time.Now().Add(4 * time.Minute))
	assert.Empty(t, limiter.visitors)
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"n":%d}`, *calls)
	})
}

func post(h http.Handler, path, key string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
	if key != "" {
		r.Header.Set(HeaderIdempotencyKey, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func testIdempotency(t *testing.T, store IdempotencyStore) {
	t.Helper()
	var calls int
	h := IdempotencyMiddleware(store)(countingHandler(&calls, http.StatusOK))

	first := post(h, "/trade/decision", "k-1")
	second := post(h, "/trade/decision", "k-1")
	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	post(h, "/trade/decision", "k-2")
	post(h, "/other", "k-1")
	post(h, "/trade/decision", "")
	assert.Equal(t, 4, calls)
}

func TestIdempotency_Memory(t *testing.T) {
	testIdempotency(t, NewMemoryIdempotencyStore(time.Hour))
}

func TestIdempotency_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLIdempotencyStore(db, time.Hour)
	require.NoError(t, store.Init(context.Background()))
	testIdempotency(t, store)

	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, store.Cleanup(context.Background()))
	_, ok := store.Check(context.Background(), "POST /trade/decision k-1")
	assert.False(t, ok)
}

func TestIdempotency_DoesNotCacheFailures(t *testing.T) {
	var calls int
	h := IdempotencyMiddleware(NewMemoryIdempotencyStore(time.Hour))(countingHandler(&calls, http.StatusServiceUnavailable))

	post(h, "/trade/decision", "k")
	post(h, "/trade/decision", "k")
	assert.Equal(t, 2, calls)
}

func TestIdempotency_MemoryExpiry(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	store.Set(context.Background(), "k", 200, nil, []byte("{}"))

	_, ok := store.Check(context.Background(), "k")
	assert.True(t, ok)
	now = now.Add(2 * time.Minute)
	_, ok = store.Check(context.Background(), "k")
	assert.False(t, ok)
}
