// Package api implements a local collector that speaks the agenttrace wire
// format and stores what it receives in a spool store.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ongoingai/agenttrace/internal/collector"
	"github.com/ongoingai/agenttrace/internal/correlation"
	"github.com/ongoingai/agenttrace/internal/spool"
)

const maxRequestBodyBytes = 8 << 20

type RouterOptions struct {
	AppVersion  string
	Store       spool.Store
	StoragePath string
	// APIKey, when set, is accepted as a bearer token.
	APIKey string
	// Username and Password enable session login.
	Username string
	Password string
	// WorkspaceID, when set, must match the X-Workspace-ID header.
	WorkspaceID string
	Logger      *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions := newSessionStore(options.APIKey, options.Username, options.Password, options.WorkspaceID)
	traces := newTraceAssembler(options.Store, logger)

	mux := http.NewServeMux()
	mux.Handle(collector.PathHealth, HealthHandler(HealthOptions{
		Version:     options.AppVersion,
		StartedAt:   startedAt,
		Store:       options.Store,
		StoragePath: options.StoragePath,
		OpenTraces:  traces.openCount,
	}))
	mux.Handle(collector.PathLogin, LoginHandler(sessions))
	mux.Handle(collector.PathTraces, sessions.require(TracesHandler(traces)))
	mux.Handle(collector.PathTraces+"/", sessions.require(TraceDetailHandler(options.Store)))
	mux.Handle(collector.PathSpans, sessions.require(SpansHandler(traces)))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "agenttrace collector",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(mux)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	w.Header().Set("Allow", strings.Join(append(methods, http.MethodOptions), ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// decodeBody reads a JSON request body into out, answering 400 or 413 on
// failure.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := []string{"Content-Type", "Authorization", "X-Workspace-ID", correlation.HeaderName}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware assigns a request id and logs one line per request.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var requestID string
		r, requestID = correlation.EnsureRequest(r)
		if requestID != "" {
			w.Header().Set(correlation.HeaderName, requestID)
		}

		start := time.Now()
		recorder := &statusResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		logger.InfoContext(r.Context(),
			"request complete",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
