package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := requestIDMiddleware(inner)

	t.Run("generates ID when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

		if captured == "" {
			t.Error("request ID should be set in context")
		}
		if got := rec.Header().Get("X-Request-ID"); got != captured {
			t.Errorf("response header %q should match context ID %q", got, captured)
		}
	})

	t.Run("passes through caller ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/x", nil)
		req.Header.Set("X-Request-ID", "caller-supplied")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if captured != "caller-supplied" {
			t.Errorf("got %q, want caller-supplied", captured)
		}
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(inner).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s: got %q, want %q", header, got, value)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("handler exploded")
	})
	rec := httptest.NewRecorder()
	recoveryMiddleware(testLogger(), inner).ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("body should carry the error envelope, got: %s", rec.Body.String())
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"name":"ok"}`))
		var p payload
		if err := decodeJSON(httptest.NewRecorder(), req, &p, 1024); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Name != "ok" {
			t.Errorf("got %q, want ok", p.Name)
		}
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/x", strings.NewReader(`{"name":"ok","extra":1}`))
		var p payload
		if err := decodeJSON(httptest.NewRecorder(), req, &p, 1024); err == nil {
			t.Error("unknown field should fail decoding")
		}
	})

	t.Run("oversized body maps to 413", func(t *testing.T) {
		big := `{"name":"` + strings.Repeat("a", 100) + `"}`
		req := httptest.NewRequest("POST", "/x", strings.NewReader(big))
		rec := httptest.NewRecorder()
		var p payload
		err := decodeJSON(rec, req, &p, 16)
		if err == nil {
			t.Fatal("oversized body should fail decoding")
		}

		errRec := httptest.NewRecorder()
		handleDecodeError(errRec, httptest.NewRequest("POST", "/x", nil), err)
		if errRec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("got status %d, want %d", errRec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("malformed body maps to 400", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/x", strings.NewReader(`{broken`))
		var p payload
		err := decodeJSON(httptest.NewRecorder(), req, &p, 1024)
		if err == nil {
			t.Fatal("malformed body should fail decoding")
		}

		errRec := httptest.NewRecorder()
		handleDecodeError(errRec, httptest.NewRequest("POST", "/x", nil), err)
		if errRec.Code != http.StatusBadRequest {
			t.Errorf("got status %d, want %d", errRec.Code, http.StatusBadRequest)
		}
	})
}

func TestWriteJSONEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, httptest.NewRequest("GET", "/x", nil), http.StatusOK, map[string]string{"k": "v"})

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("got content type %q, want application/json", ct)
	}

	var envelope struct {
		Data map[string]string `json:"data"`
		Meta struct {
			Timestamp string `json:"timestamp"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Data["k"] != "v" {
		t.Errorf("data not round-tripped: %v", envelope.Data)
	}
	if envelope.Meta.Timestamp == "" {
		t.Error("meta.timestamp should be set")
	}
}
