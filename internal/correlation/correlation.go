// Package correlation assigns request identifiers to collector calls so a
// delivery can be matched with collector-side logs.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the request identifier header sent to the collector.
	HeaderName = "X-Agenttrace-Request-ID"
	maxIDLen   = 128
)

type contextKey struct{}

var correlationContextKey contextKey

// Apply sets the request identifier header on an outgoing request. The
// identifier in the request context wins; otherwise a new one is generated.
func Apply(req *http.Request) string {
	if req == nil {
		return ""
	}
	id, ok := FromContext(req.Context())
	if !ok {
		id = NewID()
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderName, id)
	return id
}

// EnsureRequest guarantees an identifier on an incoming request's context,
// reusing one sent by the client when present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if id, ok := FromContext(req.Context()); ok {
		return req, id
	}
	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	return req.WithContext(WithContext(req.Context(), id)), id
}

// WithContext stores a normalized request identifier in context.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

// FromContext extracts a normalized request identifier from context.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(correlationContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := normalizeID(value)
	return normalized, normalized != ""
}

// FromHeaders extracts a normalized request identifier from known headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, header := range []string{HeaderName, "X-Request-ID", "X-Correlation-ID"} {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// NewID returns a new request identifier.
func NewID() string {
	return "req-" + uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
