package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"lunchbox/internal/dispatch"
	"lunchbox/internal/metrics"
	"lunchbox/internal/registry"
	"lunchbox/internal/schedule"
	"lunchbox/internal/task"
	logx "lunchbox/pkg/logx"
)

// Handlers implements the boundary operations the rest of the Lunchbox app
// calls through: schedule/cancel/update on task edits, stats, and the
// poller control surface.
type Handlers struct {
	engine  *schedule.Engine
	poller  *dispatch.Poller
	store   registry.Store
	metrics *metrics.Collector
	log     logx.Logger
}

func NewHandlers(engine *schedule.Engine, poller *dispatch.Poller, store registry.Store, col *metrics.Collector, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{engine: engine, poller: poller, store: store, metrics: col, log: log}
}

// Routes builds the request mux. token, when non-empty, guards the poller
// control endpoints.
func (h *Handlers) Routes(token string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}

	mux.HandleFunc("POST /api/v1/tasks/schedule", h.scheduleTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/cancel", h.cancelTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/update", h.updateTask)

	mux.HandleFunc("GET /api/v1/notifications/stats", h.stats)

	mux.HandleFunc("GET /api/v1/poller/status", h.pollerStatus)
	mux.Handle("POST /api/v1/poller/start", guard(token, http.HandlerFunc(h.pollerStart)))
	mux.Handle("POST /api/v1/poller/stop", guard(token, http.HandlerFunc(h.pollerStop)))
	mux.Handle("POST /api/v1/poller/check", guard(token, http.HandlerFunc(h.pollerCheck)))

	return mux
}

func (h *Handlers) scheduleTask(w http.ResponseWriter, r *http.Request) {
	var t task.Task
	if err := decodeJSON(r, &t); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid task body: "+err.Error())
		return
	}
	if err := h.engine.ScheduleForTask(r.Context(), t); err != nil {
		writeScheduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scheduled": true, "taskId": t.ID})
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.CancelForTask(r.Context(), id); err != nil {
		writeScheduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "taskId": id})
}

func (h *Handlers) updateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body struct {
		Old task.Task `json:"old"`
		New task.Task `json:"new"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid update body: "+err.Error())
		return
	}
	if err := h.engine.SmartUpdate(r.Context(), id, body.Old, body.New); err != nil {
		writeScheduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true, "taskId": id})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context())
	if err != nil {
		writeScheduleErr(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.SetStats(st)
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) pollerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.poller.StatusNow())
}

func (h *Handlers) pollerStart(w http.ResponseWriter, r *http.Request) {
	// The poller outlives the request; tie it to the server's base context,
	// not the request context.
	h.poller.Start(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, h.poller.StatusNow())
}

func (h *Handlers) pollerStop(w http.ResponseWriter, r *http.Request) {
	h.poller.Stop()
	writeJSON(w, http.StatusOK, h.poller.StatusNow())
}

func (h *Handlers) pollerCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.poller.RunImmediateCheck(r.Context()); err != nil {
		writeScheduleErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checked": true})
}

func guard(token string, next http.Handler) http.Handler {
	if strings.TrimSpace(token) == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeErr(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeScheduleErr(w http.ResponseWriter, err error) {
	switch {
	case schedule.IsValidation(err):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrUnavailable):
		writeErr(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	return dec.Decode(out)
}
