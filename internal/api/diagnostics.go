package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/agenttrace/trace"
)

const deliveryDiagnosticsSchemaVersion = "delivery-diagnostics.v1"

// DiagnosticsReader is implemented by *trace.Writer.
type DiagnosticsReader interface {
	Diagnostics() trace.Diagnostics
}

type DiagnosticsOptions struct {
	Reader DiagnosticsReader
}

type deliveryDiagnosticsResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Diagnostics   trace.Diagnostics `json:"diagnostics"`
}

// DiagnosticsHandler serves a JSON snapshot of the delivery writer.
func DiagnosticsHandler(options DiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "delivery diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, deliveryDiagnosticsResponse{
			SchemaVersion: deliveryDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   options.Reader.Diagnostics(),
		})
	})
}
