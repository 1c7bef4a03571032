package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"ai-serving/core/models"
	"ai-serving/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// maxTextValue bounds a single text argument read from a multipart body
const maxTextValue = 1 << 20

// UploadHandler turns uploaded values into job arguments and serves job results
type UploadHandler struct {
	store  storage.ObjectStore
	logger *slog.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(store storage.ObjectStore, logger *slog.Logger) *UploadHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadHandler{store: store, logger: logger}
}

// UploadValues handles POST /v1/uploads. Every multipart part becomes one argument,
// indexed in body order: file parts are stored under uploads/<uuid>/<filename>,
// other parts are text values.
func (h *UploadHandler) UploadValues(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected a multipart body: "+err.Error(), http.StatusBadRequest)
		return
	}

	infos := []ArgInfo{}
	for idx := 0; ; idx++ {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "Invalid multipart body: "+err.Error(), http.StatusBadRequest)
			return
		}

		info := ArgInfo{Index: idx}
		if part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxTextValue+1))
			part.Close()
			if err != nil {
				http.Error(w, "Failed to read value: "+err.Error(), http.StatusBadRequest)
				return
			}
			if len(value) > maxTextValue {
				http.Error(w, "Text value too large", http.StatusRequestEntityTooLarge)
				return
			}
			info.Type = string(models.ArgTypeText)
			info.Value = string(value)
		} else {
			objectPath := path.Join("uploads", uuid.NewString(), path.Base(part.FileName()))
			err := h.store.Put(r.Context(), objectPath, part, -1)
			part.Close()
			if err != nil {
				h.logger.Error("failed to store upload", "path", objectPath, "error", err)
				http.Error(w, "Failed to store upload: "+err.Error(), http.StatusInternalServerError)
				return
			}
			info.Type = string(models.ArgTypeFile)
			info.Value = objectPath
		}
		infos = append(infos, info)
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"argument_infos": infos,
	})
}

// GetResult handles GET /v1/results/{path}, streaming a stored job result
func (h *UploadHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	rel := mux.Vars(r)["path"]
	if rel == "" || strings.Contains(rel, "..") {
		http.Error(w, "Invalid result path", http.StatusBadRequest)
		return
	}

	rc, err := h.store.Get(r.Context(), path.Join(storage.ResultPrefix, rel))
	if errors.Is(err, storage.ErrObjectNotFound) {
		http.Error(w, "Result not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to fetch result: "+err.Error(), http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream result", "path", rel, "error", err)
	}
}
