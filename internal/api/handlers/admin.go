package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillframe/quillexec/internal/events"
	"github.com/quillframe/quillexec/internal/logger"
	"github.com/quillframe/quillexec/pkg/sched"
)

// AdminHandler exposes lifecycle control over the registered executors.
type AdminHandler struct {
	executors map[string]*sched.Executor
	bus       events.Publisher
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(executors map[string]*sched.Executor, bus events.Publisher) *AdminHandler {
	return &AdminHandler{
		executors: executors,
		bus:       bus,
	}
}

// ExecutorStatus is the wire form of an executor's counters snapshot.
type ExecutorStatus struct {
	Name         string   `json:"name"`
	Accepting    bool     `json:"accepting"`
	Processing   bool     `json:"processing"`
	Shutdown     bool     `json:"shutdown"`
	Workers      int      `json:"workers"`
	Running      int      `json:"running"`
	Working      int      `json:"working"`
	Idle         int      `json:"idle"`
	Pending      int      `json:"pending"`
	WorkerStates []string `json:"worker_states,omitempty"`
}

// Snapshot builds an ExecutorStatus from an executor's counters.
func Snapshot(e *sched.Executor) *ExecutorStatus {
	states := e.WorkerStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}
	return &ExecutorStatus{
		Name:         e.Name(),
		Accepting:    e.IsAccepting(),
		Processing:   e.IsProcessing(),
		Shutdown:     e.IsShutdown(),
		Workers:      e.WorkerCount(),
		Running:      e.RunningCount(),
		Working:      e.WorkingCount(),
		Idle:         e.IdleCount(),
		Pending:      e.PendingCount(),
		WorkerStates: names,
	}
}

// ListExecutors handles GET /admin/executors
func (h *AdminHandler) ListExecutors(w http.ResponseWriter, r *http.Request) {
	statuses := make([]*ExecutorStatus, 0, len(h.executors))
	for _, e := range h.executors {
		statuses = append(statuses, Snapshot(e))
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"executors": statuses,
		"count":     len(statuses),
	})
}

// GetExecutor handles GET /admin/executors/{name}
func (h *AdminHandler) GetExecutor(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	h.respondJSON(w, http.StatusOK, Snapshot(e))
}

// Pause handles POST /admin/executors/{name}/pause
func (h *AdminHandler) Pause(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.StopProcessing()
	h.publish(r, events.EventExecutorPaused, e)
	logger.Info().Str("executor", e.Name()).Msg("executor paused")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "executor paused",
		"executor": e.Name(),
	})
}

// Resume handles POST /admin/executors/{name}/resume
func (h *AdminHandler) Resume(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.StartProcessing()
	h.publish(r, events.EventExecutorResumed, e)
	logger.Info().Str("executor", e.Name()).Msg("executor resumed")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "executor resumed",
		"executor": e.Name(),
	})
}

// StartAccepting handles POST /admin/executors/{name}/accepting/start
func (h *AdminHandler) StartAccepting(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.StartAccepting()
	h.publish(r, events.EventExecutorAcceptingOn, e)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "executor accepting",
		"executor": e.Name(),
	})
}

// StopAccepting handles POST /admin/executors/{name}/accepting/stop
func (h *AdminHandler) StopAccepting(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.StopAccepting()
	h.publish(r, events.EventExecutorAcceptingOff, e)
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "executor not accepting",
		"executor": e.Name(),
	})
}

// Interrupt handles POST /admin/executors/{name}/interrupt
func (h *AdminHandler) Interrupt(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	e.InterruptWorkers()
	h.publish(r, events.EventExecutorInterrupted, e)
	logger.Info().Str("executor", e.Name()).Msg("workers interrupted")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "workers interrupted",
		"executor": e.Name(),
	})
}

// CancelPending handles POST /admin/executors/{name}/pending/cancel
func (h *AdminHandler) CancelPending(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	before := e.PendingCount()
	e.CancelPending()
	h.publish(r, events.EventPendingCancelled, e)
	logger.Info().Str("executor", e.Name()).Int("cancelled", before).Msg("pending tasks cancelled")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "pending tasks cancelled",
		"executor":  e.Name(),
		"cancelled": before,
	})
}

// DrainPending handles POST /admin/executors/{name}/pending/drain. Drained
// tasks are discarded without running or cancelling; the count is returned.
func (h *AdminHandler) DrainPending(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	drained := 0
	e.DrainPendingTo(func(sched.Runnable) { drained++ })
	h.publish(r, events.EventPendingDrained, e)
	logger.Info().Str("executor", e.Name()).Int("drained", drained).Msg("pending tasks drained")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "pending tasks drained",
		"executor": e.Name(),
		"drained":  drained,
	})
}

// Shutdown handles POST /admin/executors/{name}/shutdown
func (h *AdminHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if interrupt, _ := strconv.ParseBool(r.URL.Query().Get("now")); interrupt {
		withInterrupt, _ := strconv.ParseBool(r.URL.Query().Get("interrupt"))
		e.ShutdownNow(withInterrupt)
	} else {
		e.Shutdown()
	}
	h.publish(r, events.EventExecutorShutdown, e)
	logger.Info().Str("executor", e.Name()).Msg("executor shutdown requested")
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "shutdown requested",
		"executor": e.Name(),
	})
}

// HealthCheck handles GET /admin/health
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	shutdown := 0
	for _, e := range h.executors {
		if e.IsShutdown() {
			shutdown++
		}
	}
	status := "healthy"
	code := http.StatusOK
	if len(h.executors) > 0 && shutdown == len(h.executors) {
		status = "draining"
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, map[string]interface{}{
		"status":    status,
		"executors": len(h.executors),
		"shutdown":  shutdown,
	})
}

func (h *AdminHandler) lookup(w http.ResponseWriter, r *http.Request) (*sched.Executor, bool) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "executor name is required")
		return nil, false
	}
	e, ok := h.executors[name]
	if !ok {
		h.respondError(w, http.StatusNotFound, "executor not found")
		return nil, false
	}
	return e, true
}

func (h *AdminHandler) publish(r *http.Request, t events.EventType, e *sched.Executor) {
	if h.bus == nil {
		return
	}
	event := events.NewEvent(t, events.ExecutorEventData(e.Name(), map[string]interface{}{
		"pending": e.PendingCount(),
		"running": e.RunningCount(),
	}))
	if err := h.bus.Publish(r.Context(), event); err != nil {
		logger.Error().Err(err).Str("type", string(t)).Msg("failed to publish event")
	}
}

func (h *AdminHandler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (h *AdminHandler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]interface{}{
		"error":   http.StatusText(status),
		"message": message,
	})
}
