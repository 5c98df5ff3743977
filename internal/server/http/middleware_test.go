package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/helixir/prisma-review-service/internal/observability"
)

func TestOwnerMiddleware_SetsOwner(t *testing.T) {
	var captured string
	handler := ownerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = ownerFromRequest(r)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/reviews", nil)
	req.Header.Set(OwnerHeader, "  alice ")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if captured != "alice" {
		t.Errorf("expected owner alice, got %q", captured)
	}
}

func TestOwnerMiddleware_RejectsMissingHeader(t *testing.T) {
	called := false
	handler := ownerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, value := range []string{"", "   "} {
		req := httptest.NewRequest("GET", "/api/v1/reviews", nil)
		if value != "" {
			req.Header.Set(OwnerHeader, value)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", value, rr.Code)
		}
	}
	if called {
		t.Error("handler must not run without an owner")
	}
}

func TestOwnerMiddleware_RejectsOversizedHeader(t *testing.T) {
	handler := ownerMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/v1/reviews", nil)
	req.Header.Set(OwnerHeader, strings.Repeat("a", 256))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestRoutes_RequireOwner(t *testing.T) {
	env := newTestEnv(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/reviews"},
		{http.MethodPost, "/api/v1/reviews"},
		{http.MethodGet, "/api/v1/reviews/1/stats"},
		{http.MethodPatch, "/api/v1/studies/1/status"},
	}
	for _, p := range paths {
		rr := env.do(t, p.method, p.path, "", nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", p.method, p.path, rr.Code)
		}
	}
}

func TestCorrelationIDMiddleware_UsesExistingHeader(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := observability.RequestIDFromContext(r.Context())
		if cid != "test-correlation-123" {
			t.Errorf("expected correlation ID test-correlation-123, got %s", cid)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Correlation-ID", "test-correlation-123")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Correlation-ID") != "test-correlation-123" {
		t.Errorf("expected X-Correlation-ID header to be set")
	}
}

func TestCorrelationIDMiddleware_GeneratesIfMissing(t *testing.T) {
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if observability.RequestIDFromContext(r.Context()) == "" {
			t.Error("expected non-empty correlation ID")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID header to be set")
	}
}
