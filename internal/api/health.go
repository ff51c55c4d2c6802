package api

import (
	"net/http"
	"os"
	"time"

	"github.com/ongoingai/agenttrace/internal/spool"
)

type HealthOptions struct {
	Version     string
	StartedAt   time.Time
	Store       spool.Store
	StoragePath string
	OpenTraces  func() int
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSec     int64  `json:"uptime_sec"`
	StorageDriver string `json:"storage_driver,omitempty"`
	TraceCount    int    `json:"trace_count"`
	OpenTraces    int    `json:"open_traces"`
	DBSizeBytes   int64  `json:"db_size_bytes,omitempty"`
}

func HealthHandler(options HealthOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := healthResponse{
			Status:    "ok",
			Version:   options.Version,
			UptimeSec: int64(time.Since(options.StartedAt).Seconds()),
		}
		if options.Store != nil {
			resp.StorageDriver = options.Store.Driver()
			count, err := options.Store.Count(r.Context())
			if err != nil {
				writeJSON(w, http.StatusServiceUnavailable, healthResponse{
					Status:        "degraded",
					Version:       options.Version,
					StorageDriver: resp.StorageDriver,
				})
				return
			}
			resp.TraceCount = count
		}
		if options.OpenTraces != nil {
			resp.OpenTraces = options.OpenTraces()
		}
		if resp.StorageDriver == "sqlite" && options.StoragePath != "" {
			if info, err := os.Stat(options.StoragePath); err == nil {
				resp.DBSizeBytes = info.Size()
			}
		}

		writeJSON(w, http.StatusOK, resp)
	})
}
