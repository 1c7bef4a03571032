package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"ai-serving/core/models"
	"ai-serving/core/repository"
	"ai-serving/core/spec"

	"github.com/gorilla/mux"
)

// Enqueuer hands a newly created job to the stage pipeline
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	jobRepo   *repository.JobRepository
	eventRepo *repository.EventRepository
	modelRepo *repository.ModelRepository
	enqueuer  Enqueuer
	logger    *slog.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(
	jobRepo *repository.JobRepository,
	eventRepo *repository.EventRepository,
	modelRepo *repository.ModelRepository,
	enqueuer Enqueuer,
	logger *slog.Logger,
) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		jobRepo:   jobRepo,
		eventRepo: eventRepo,
		modelRepo: modelRepo,
		enqueuer:  enqueuer,
		logger:    logger,
	}
}

// ArgInfo is one job argument on the wire, as returned by the uploads endpoint
type ArgInfo struct {
	Index int    `json:"index"`
	Type  string `json:"type"` // text | file
	Value string `json:"value"`
}

// SubmitJobRequest represents the request to submit a job.
// Either ModelID with ArgumentInfos or SpecYAML is given.
type SubmitJobRequest struct {
	ModelID       string    `json:"model_id"`
	ArgumentInfos []ArgInfo `json:"argument_infos"`
	SpecYAML      string    `json:"spec_yaml"`
}

// JobResponse is the public view of a job
type JobResponse struct {
	ID         string            `json:"id"`
	ModelID    string            `json:"model_id"`
	Status     models.JobStatus  `json:"status"`
	Progress   *string           `json:"progress"`
	Snapshot   *ProgressSnapshot `json:"progress_detail,omitempty"`
	ResultPath *string           `json:"result_path"`
	ResultURL  string            `json:"result_url,omitempty"`
	FailedLog  *string           `json:"failed_log"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

type ProgressSnapshot struct {
	Label   string `json:"label"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

func newJobResponse(job *models.Job) JobResponse {
	resp := JobResponse{
		ID:         job.ID,
		ModelID:    job.ModelID,
		Status:     job.Status,
		Progress:   job.Progress,
		ResultPath: job.ResultPath,
		FailedLog:  job.FailedLog,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
	if job.Progress != nil {
		// Worker-written lines are not trusted to be well formed; the raw value is always returned
		if snap, err := models.ParseProgress(*job.Progress); err == nil {
			resp.Snapshot = &ProgressSnapshot{Label: snap.Label, Current: snap.Current, Total: snap.Total}
		}
	}
	if job.ResultPath != nil {
		resp.ResultURL = "/v1/" + *job.ResultPath
	}
	return resp
}

// SubmitJob handles POST /v1/jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var (
		job  *models.Job
		args []models.InputArg
		err  error
	)
	if req.SpecYAML != "" {
		job, args, err = spec.ParseJobSpec(req.SpecYAML)
		if err != nil {
			http.Error(w, "Invalid job spec: "+err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		if req.ModelID == "" {
			http.Error(w, "model_id is required", http.StatusBadRequest)
			return
		}
		job = &models.Job{ModelID: req.ModelID}
		for _, info := range req.ArgumentInfos {
			args = append(args, models.InputArg{Index: info.Index, Type: models.ArgType(info.Type), Value: info.Value})
		}
		if err := models.ValidateInputArgs(args); err != nil {
			http.Error(w, "Invalid arguments: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	model, err := h.modelRepo.GetModel(r.Context(), job.ModelID)
	if err != nil || model.ModulePath == "" {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}

	if err := h.jobRepo.CreateJob(r.Context(), job, args); err != nil {
		http.Error(w, "Failed to create job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	// A job that could not be queued stays pending and is picked up by startup recovery
	if err := h.enqueuer.Enqueue(r.Context(), job.ID); err != nil {
		h.logger.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		http.Error(w, "Failed to enqueue job: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("job submitted", "job_id", job.ID, "model_id", job.ModelID, "args", len(args))
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

// GetJob handles GET /v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobRepo.GetJob(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch job: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}

// ListJobs handles GET /v1/jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	var status *models.JobStatus
	if statusParam := r.URL.Query().Get("status"); statusParam != "" {
		s := models.JobStatus(statusParam)
		if !s.Valid() {
			http.Error(w, "Unknown status "+statusParam, http.StatusBadRequest)
			return
		}
		status = &s
	}

	jobs, err := h.jobRepo.ListJobs(r.Context(), status, offset, limit)
	if err != nil {
		http.Error(w, "Failed to list jobs: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]JobResponse, len(jobs))
	for i, job := range jobs {
		items[i] = newJobResponse(job)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

// GetJobEvents handles GET /v1/jobs/{id}/events
func (h *JobHandler) GetJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// Verify job exists
	if _, err := h.jobRepo.GetJobStatus(r.Context(), jobID); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	events, err := h.eventRepo.GetJobEvents(r.Context(), jobID, 100)
	if err != nil {
		http.Error(w, "Failed to fetch events: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		item := map[string]interface{}{
			"at":        event.At,
			"to_status": event.ToStatus,
			"reason":    event.Reason,
		}
		if event.FromStatus != nil {
			item["from_status"] = *event.FromStatus
		}
		items[i] = item
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}
