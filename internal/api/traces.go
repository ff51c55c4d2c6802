package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ongoingai/agenttrace/internal/collector"
	"github.com/ongoingai/agenttrace/internal/spool"
	"github.com/ongoingai/agenttrace/trace"
)

var (
	errTraceExists   = errors.New("trace already exists")
	errTraceNotFound = errors.New("trace not found")
	errSpanExists    = errors.New("span already exists")
	errSpanNotFound  = errors.New("span not found")
)

// traceAssembler rebuilds trace documents from wire requests. Batch posts are
// stored directly; incremental traces are held in memory until their closing
// PUT arrives.
type traceAssembler struct {
	store  spool.Store
	logger *slog.Logger

	mu        sync.Mutex
	open      map[string]*trace.TraceData
	spanOwner map[string]string
}

func newTraceAssembler(store spool.Store, logger *slog.Logger) *traceAssembler {
	return &traceAssembler{
		store:     store,
		logger:    logger,
		open:      make(map[string]*trace.TraceData),
		spanOwner: make(map[string]string),
	}
}

func (a *traceAssembler) openCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.open)
}

func (a *traceAssembler) stored(ctx context.Context, traceID string) (bool, error) {
	if a.store == nil {
		return false, nil
	}
	_, err := a.store.Get(ctx, traceID)
	if errors.Is(err, spool.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (a *traceAssembler) persist(ctx context.Context, data trace.TraceData) error {
	if a.store == nil {
		return errors.New("collector has no store")
	}
	return a.store.Write(ctx, spool.Entry{
		TraceID: data.ID,
		Reason:  spool.ReasonCollected,
		Data:    data,
	})
}

// createTrace handles a trace POST. A finished trace is stored at once.
func (a *traceAssembler) createTrace(ctx context.Context, body collector.TraceCreate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.open[body.ID]; ok {
		return errTraceExists
	}
	exists, err := a.stored(ctx, body.ID)
	if err != nil {
		return err
	}
	if exists {
		return errTraceExists
	}

	data := body.TraceData()
	if data.Status.Terminal() {
		if err := a.persist(ctx, data); err != nil {
			return err
		}
		a.logger.Debug("trace collected", "trace_id", data.ID, "spans", len(data.Spans))
		return nil
	}
	data.Spans = nil
	a.open[data.ID] = &data
	return nil
}

func (a *traceAssembler) createSpan(body collector.SpanCreate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok := a.open[body.TraceID]
	if !ok {
		return errTraceNotFound
	}
	if _, ok := a.spanOwner[body.ID]; ok {
		return errSpanExists
	}
	data.Spans = append(data.Spans, body.SpanData())
	a.spanOwner[body.ID] = body.TraceID
	return nil
}

func (a *traceAssembler) updateSpan(body collector.SpanUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	traceID, ok := a.spanOwner[body.ID]
	if !ok {
		return errSpanNotFound
	}
	data := a.open[traceID]
	for i := range data.Spans {
		if data.Spans[i].ID == body.ID {
			body.Apply(&data.Spans[i])
			return nil
		}
	}
	return errSpanNotFound
}

// closeTrace handles a trace PUT and stores the assembled document. The
// trace stays open if the store write fails so the client can retry.
func (a *traceAssembler) closeTrace(ctx context.Context, body collector.TraceUpdate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok := a.open[body.ID]
	if !ok {
		return errTraceNotFound
	}
	closed := *data
	closed.EndTime = body.EndTime
	closed.Status = body.Status
	closed.Output = body.Output
	closed.ErrorMessage = body.ErrorMessage
	if err := a.persist(ctx, closed); err != nil {
		return err
	}

	delete(a.open, body.ID)
	for _, span := range closed.Spans {
		delete(a.spanOwner, span.ID)
	}
	a.logger.Debug("trace collected", "trace_id", closed.ID, "spans", len(closed.Spans))
	return nil
}

func TracesHandler(traces *traceAssembler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost, http.MethodPut) {
			return
		}

		if r.Method == http.MethodPut {
			var body collector.TraceUpdate
			if !decodeBody(w, r, &body) {
				return
			}
			if strings.TrimSpace(body.ID) == "" {
				writeError(w, http.StatusBadRequest, "id is required")
				return
			}
			if !body.Status.Terminal() {
				writeError(w, http.StatusBadRequest, "status must be success or error")
				return
			}
			if err := traces.closeTrace(r.Context(), body); err != nil {
				writeAssemblyError(w, traces.logger, err)
				return
			}
			writeCreated(w, http.StatusOK, body.ID, 0)
			return
		}

		var body collector.TraceCreate
		if !decodeBody(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.ID) == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if strings.TrimSpace(body.Name) == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		if err := traces.createTrace(r.Context(), body); err != nil {
			writeAssemblyError(w, traces.logger, err)
			return
		}
		writeCreated(w, http.StatusCreated, body.ID, len(body.Spans))
	})
}

func SpansHandler(traces *traceAssembler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost, http.MethodPut) {
			return
		}

		if r.Method == http.MethodPut {
			var body collector.SpanUpdate
			if !decodeBody(w, r, &body) {
				return
			}
			if strings.TrimSpace(body.ID) == "" {
				writeError(w, http.StatusBadRequest, "id is required")
				return
			}
			if err := traces.updateSpan(body); err != nil {
				writeAssemblyError(w, traces.logger, err)
				return
			}
			writeCreated(w, http.StatusOK, body.ID, 0)
			return
		}

		var body collector.SpanCreate
		if !decodeBody(w, r, &body) {
			return
		}
		if strings.TrimSpace(body.ID) == "" || strings.TrimSpace(body.TraceID) == "" {
			writeError(w, http.StatusBadRequest, "id and traceId are required")
			return
		}
		if _, ok := trace.ParseSpanType(string(body.Type)); !ok {
			writeError(w, http.StatusBadRequest, "unknown span type")
			return
		}
		if err := traces.createSpan(body); err != nil {
			writeAssemblyError(w, traces.logger, err)
			return
		}
		writeCreated(w, http.StatusCreated, body.ID, 0)
	})
}

// TraceDetailHandler serves GET /api/v1/traces/{id} from the store.
func TraceDetailHandler(store spool.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		id := strings.Trim(strings.TrimPrefix(r.URL.Path, collector.PathTraces+"/"), "/")
		if id == "" || strings.Contains(id, "/") {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store unavailable")
			return
		}

		entry, err := store.Get(r.Context(), id)
		if errors.Is(err, spool.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load trace")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": entry.Data})
	})
}

func writeCreated(w http.ResponseWriter, status int, id string, spans int) {
	var resp collector.CreatedResponse
	resp.Data.ID = id
	resp.SpansCreated = spans
	writeJSON(w, status, resp)
}

func writeAssemblyError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, errTraceExists), errors.Is(err, errSpanExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errTraceNotFound), errors.Is(err, errSpanNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("failed to store collected trace", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store trace")
	}
}
