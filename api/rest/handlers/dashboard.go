package handlers

import (
	"context"
	"net/http"

	"ai-serving/core/models"
	"ai-serving/core/scheduler"
)

// JobCounter counts jobs per status
type JobCounter interface {
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// DispatcherStats exposes dispatcher counters
type DispatcherStats interface {
	Stats() scheduler.Stats
}

// DashboardHandler handles dashboard API requests
type DashboardHandler struct {
	jobs       JobCounter
	workers    WorkerControl
	dispatcher DispatcherStats
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(jobs JobCounter, workers WorkerControl, dispatcher DispatcherStats) *DashboardHandler {
	return &DashboardHandler{
		jobs:       jobs,
		workers:    workers,
		dispatcher: dispatcher,
	}
}

// GetSummary handles GET /v1/dashboard
func (h *DashboardHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	counts, err := h.jobs.CountJobsByStatus(r.Context())
	if err != nil {
		http.Error(w, "Failed to count jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	byStatus := make(map[models.JobStatus]int)
	active := 0
	for _, status := range append([]models.JobStatus{models.JobStatusFailed}, models.StatusSequence...) {
		n := counts[status]
		byStatus[status] = n
		if !status.IsTerminal() && status != models.JobStatusPending {
			active += n
		}
	}

	stats := h.dispatcher.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": map[string]interface{}{
			"by_status": byStatus,
			"pending":   counts[models.JobStatusPending],
			"active":    active,
			"completed": counts[models.JobStatusCompleted],
			"failed":    counts[models.JobStatusFailed],
		},
		"workers": map[string]interface{}{
			"live": len(h.workers.Handles()),
		},
		"tasks": map[string]interface{}{
			"queued":    stats.Queued,
			"running":   stats.Running,
			"succeeded": stats.Succeeded,
			"failed":    stats.Failed,
			"dropped":   stats.Dropped,
		},
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
