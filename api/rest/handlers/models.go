package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"ai-serving/core/models"
	"ai-serving/core/repository"
	"ai-serving/storage"

	"github.com/gorilla/mux"
)

// ModelHandler handles model registration and lookup
type ModelHandler struct {
	modelRepo *repository.ModelRepository
	store     storage.ObjectStore
	logger    *slog.Logger
}

// NewModelHandler creates a new model handler
func NewModelHandler(modelRepo *repository.ModelRepository, store storage.ObjectStore, logger *slog.Logger) *ModelHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModelHandler{
		modelRepo: modelRepo,
		store:     store,
		logger:    logger,
	}
}

// ModelResponse is the public view of a model
type ModelResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newModelResponse(m *models.Model) ModelResponse {
	return ModelResponse{
		ID:        m.ID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// CreateModel handles POST /v1/models?name=<name> with the packaged artifact as the
// multipart "file" part. The model only becomes visible once the artifact is stored.
func (h *ModelHandler) CreateModel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected a multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			http.Error(w, "file is required", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		model, err := h.register(r.Context(), name, part.FileName(), part)
		part.Close()
		if err != nil {
			h.logger.Error("failed to register model", "name", name, "error", err)
			http.Error(w, "Failed to create model: "+err.Error(), http.StatusInternalServerError)
			return
		}

		h.logger.Info("model registered", "model_id", model.ID, "name", model.Name, "module_path", model.ModulePath)
		writeJSON(w, http.StatusCreated, newModelResponse(model))
		return
	}
}

// register stores the artifact under models/<id>/<filename>. The record is removed if the upload fails.
func (h *ModelHandler) register(ctx context.Context, name, filename string, artifact io.Reader) (*models.Model, error) {
	model := &models.Model{Name: name}
	if err := h.modelRepo.CreateModel(ctx, model); err != nil {
		return nil, err
	}

	objectPath := path.Join("models", model.ID, path.Base(filename))
	err := h.store.Put(ctx, objectPath, artifact, -1)
	if err == nil {
		err = h.modelRepo.SetModulePath(ctx, model.ID, objectPath)
	}
	if err != nil {
		if delErr := h.modelRepo.DeleteModel(context.WithoutCancel(ctx), model.ID); delErr != nil {
			h.logger.Error("failed to remove model after upload failure", "model_id", model.ID, "error", delErr)
		}
		return nil, err
	}

	model.ModulePath = objectPath
	return model, nil
}

// GetModel handles GET /v1/models/{id}
func (h *ModelHandler) GetModel(w http.ResponseWriter, r *http.Request) {
	model, err := h.modelRepo.GetModel(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, repository.ErrNotFound) || (err == nil && model.ModulePath == "") {
		http.Error(w, "Model not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch model: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, newModelResponse(model))
}

// ListModels handles GET /v1/models
func (h *ModelHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}

	list, err := h.modelRepo.ListModels(r.Context(), offset, limit)
	if err != nil {
		http.Error(w, "Failed to list models: "+err.Error(), http.StatusInternalServerError)
		return
	}

	items := make([]ModelResponse, len(list))
	for i, m := range list {
		items[i] = newModelResponse(m)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}
