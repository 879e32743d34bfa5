package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareDeniesAfterBurst(t *testing.T) {
	m := NewMemoryLimiter(0.001, 2)
	defer closeLimiter(t, m)

	h := Middleware(m, "test", IPKeyFunc, nil)(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
}

func TestMiddlewareNilLimiterPassesThrough(t *testing.T) {
	h := Middleware(nil, "test", IPKeyFunc, nil)(okHandler())
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestMiddlewareEmptyKeySkipsLimit(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, m)

	noKey := func(*http.Request) string { return "" }
	h := Middleware(m, "test", noKey, nil)(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
	}
}

func TestMiddlewareSeparatePrefixes(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer closeLimiter(t, m)

	a := Middleware(m, "a", IPKeyFunc, nil)(okHandler())
	b := Middleware(m, "b", IPKeyFunc, nil)(okHandler())

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = "10.0.0.2:99"
		return r
	}

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req())
	if rec.Code != http.StatusOK {
		t.Fatalf("prefix a: expected 200, got %d", rec.Code)
	}

	// Prefix a is exhausted; prefix b has its own bucket.
	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, req())
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("prefix a: expected 429, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, req())
	if rec.Code != http.StatusOK {
		t.Fatalf("prefix b: expected 200, got %d", rec.Code)
	}
}
