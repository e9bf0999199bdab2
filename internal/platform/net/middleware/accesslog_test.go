package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"fluxgate/internal/platform/net/middleware"
)

func TestAccessLogPassesThrough(t *testing.T) {
	called := false
	h := middleware.AccessLog(middleware.AccessLogOptions{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusNoContent)
		}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/query", nil))

	if !called {
		t.Fatalf("wrapped handler not called")
	}
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status not preserved: %d", rec.Code)
	}
}

func TestRecoverJSONTurnsPanicInto500(t *testing.T) {
	h := middleware.RecoverJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/query", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json content type, got %q", ct)
	}
}
