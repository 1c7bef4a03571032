package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"ai-serving/core/models"
	"ai-serving/core/protocol"
)

// ResultPrefix is the object storage prefix for postprocessed results
const ResultPrefix = "results"

// Stager moves job arguments and results between object storage and local files
type Stager struct {
	store   ObjectStore
	tempDir string // Parent of staging directories, "" for the OS default
}

// NewStager creates a new stager
func NewStager(store ObjectStore, tempDir string) *Stager {
	return &Stager{
		store:   store,
		tempDir: tempDir,
	}
}

// StagedInputs is the local materialization of a job's arguments
type StagedInputs struct {
	Dir   string
	Paths []string // In argument index order
}

// Payload joins the staged paths into a preprocess request payload
func (si *StagedInputs) Payload() ([]byte, error) {
	return protocol.JoinPaths(si.Paths)
}

// Cleanup removes the staging directory
func (si *StagedInputs) Cleanup() {
	if si == nil || si.Dir == "" {
		return
	}
	if err := os.RemoveAll(si.Dir); err != nil {
		slog.Warn("failed to remove staging directory", "dir", si.Dir, "error", err)
	}
}

// StageInputs writes each argument to its own file in a fresh staging directory.
// On error nothing is left on disk.
func (s *Stager) StageInputs(ctx context.Context, args []models.InputArg) (*StagedInputs, error) {
	dir, err := os.MkdirTemp(s.tempDir, "ais_")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	staged := &StagedInputs{Dir: dir}
	for _, arg := range args {
		local, err := s.stageArg(ctx, dir, arg)
		if err != nil {
			staged.Cleanup()
			return nil, err
		}
		staged.Paths = append(staged.Paths, local)
	}

	return staged, nil
}

func (s *Stager) stageArg(ctx context.Context, dir string, arg models.InputArg) (string, error) {
	index := strconv.Itoa(arg.Index)

	switch arg.Type {
	case models.ArgTypeText:
		local := filepath.Join(dir, index+".txt")
		if err := os.WriteFile(local, []byte(arg.Value), 0o644); err != nil {
			return "", fmt.Errorf("failed to stage text argument %d: %w", arg.Index, err)
		}
		return local, nil
	case models.ArgTypeFile:
		local := filepath.Join(dir, index+SanitizeExtension(path.Ext(arg.Value)))
		if err := s.store.FetchToFile(ctx, arg.Value, local); err != nil {
			return "", fmt.Errorf("failed to stage file argument %d: %w", arg.Index, err)
		}
		return local, nil
	default:
		return "", fmt.Errorf("argument %d: unknown type %q", arg.Index, arg.Type)
	}
}

// SanitizeExtension keeps only characters that are safe in a staged file name
func SanitizeExtension(ext string) string {
	var b strings.Builder
	for _, r := range ext {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// ResultPath is the deterministic storage path of a job's result
func ResultPath(jobID string) string {
	return path.Join(ResultPrefix, jobID)
}

// StageResult uploads a worker-produced result file and removes the local copy
func (s *Stager) StageResult(ctx context.Context, jobID, localPath string) (string, error) {
	objectPath := ResultPath(jobID)
	if err := s.store.UploadFromFile(ctx, objectPath, localPath); err != nil {
		return "", fmt.Errorf("failed to upload result for job %s: %w", jobID, err)
	}

	if err := os.Remove(localPath); err != nil {
		slog.Warn("failed to remove local result", "job_id", jobID, "path", localPath, "error", err)
	}
	return objectPath, nil
}
