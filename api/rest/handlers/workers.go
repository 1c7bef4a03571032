package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ai-serving/core/repository"
	"ai-serving/core/resource_manager"

	"github.com/gorilla/mux"
)

// WorkerControl is the supervisor surface exposed to operators
type WorkerControl interface {
	Handles() []*resource_manager.WorkerHandle
	Stop(ctx context.Context, modelID string) error
	Restart(ctx context.Context, modelID string) (*resource_manager.WorkerHandle, error)
}

// WorkerHandler handles worker administration requests
type WorkerHandler struct {
	workers WorkerControl
	logger  *slog.Logger
}

// NewWorkerHandler creates a new worker handler
func NewWorkerHandler(workers WorkerControl, logger *slog.Logger) *WorkerHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerHandler{workers: workers, logger: logger}
}

type WorkerResponse struct {
	ModelID       string    `json:"model_id"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	SocketPath    string    `json:"socket_path"`
}

func newWorkerResponse(h *resource_manager.WorkerHandle) WorkerResponse {
	resp := WorkerResponse{
		ModelID:       h.ModelID,
		PID:           h.PID,
		StartedAt:     h.StartedAt,
		UptimeSeconds: time.Since(h.StartedAt).Seconds(),
	}
	if h.Env != nil {
		resp.SocketPath = h.Env.SocketPath
	}
	return resp
}

// ListWorkers handles GET /v1/workers
func (h *WorkerHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	handles := h.workers.Handles()
	items := make([]WorkerResponse, len(handles))
	for i, handle := range handles {
		items[i] = newWorkerResponse(handle)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// StopWorker handles POST /v1/models/{id}/worker/stop
func (h *WorkerHandler) StopWorker(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if err := h.workers.Stop(r.Context(), modelID); err != nil {
		http.Error(w, "Failed to stop worker: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("worker stopped by request", "model_id", modelID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"model_id": modelID,
		"status":   "stopped",
	})
}

// RestartWorker handles POST /v1/models/{id}/worker/restart
func (h *WorkerHandler) RestartWorker(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	handle, err := h.workers.Restart(r.Context(), modelID)
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}
	if err != nil {
		var provErr *resource_manager.ProvisioningError
		if errors.As(err, &provErr) {
			http.Error(w, "Failed to provision worker: "+err.Error(), http.StatusBadGateway)
			return
		}
		http.Error(w, "Failed to restart worker: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.logger.Info("worker restarted by request", "model_id", modelID, "pid", handle.PID)
	writeJSON(w, http.StatusOK, newWorkerResponse(handle))
}
