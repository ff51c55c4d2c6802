package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestApplyUsesContextIdentifier(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/traces", nil)
	req = req.WithContext(WithContext(req.Context(), "req-fixed"))
	if id := Apply(req); id != "req-fixed" {
		t.Fatalf("Apply()=%q, want req-fixed", id)
	}
	if got := req.Header.Get(HeaderName); got != "req-fixed" {
		t.Fatalf("header=%q, want req-fixed", got)
	}
}

func TestApplyGeneratesIdentifier(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/traces", nil)
	id := Apply(req)
	if !strings.HasPrefix(id, "req-") || req.Header.Get(HeaderName) != id {
		t.Fatalf("id=%q header=%q", id, req.Header.Get(HeaderName))
	}
}

func TestEnsureRequestReusesClientHeader(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	req, id := EnsureRequest(req)
	if id != "client-123" {
		t.Fatalf("id=%q, want client-123", id)
	}
	if got, ok := FromContext(req.Context()); !ok || got != id {
		t.Fatalf("context id=%q ok=%v", got, ok)
	}
}

func TestNormalizeRejectsUnsafeIdentifiers(t *testing.T) {
	t.Parallel()

	ctx := WithContext(context.Background(), "bad id\n")
	if _, ok := FromContext(ctx); ok {
		t.Fatal("identifier with whitespace must be rejected")
	}
	long := strings.Repeat("a", 200)
	if got, _ := FromContext(WithContext(context.Background(), long)); len(got) != maxIDLen {
		t.Fatalf("len=%d, want %d", len(got), maxIDLen)
	}
}
