package models

import "time"

// Job is one inference request flowing through the stage pipeline
type Job struct {
	ID         string
	ModelID    string
	Status     JobStatus
	Progress   *string // Raw shim line, "status:current:total"
	ResultPath *string // Object storage path of the postprocessed result
	FailedLog  *string // First captured failure diagnostic
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// JobStatus represents the current status of a job
type JobStatus string

const (
	JobStatusPending        JobStatus = "pending"
	JobStatusPreprocessing  JobStatus = "preprocessing"
	JobStatusPreprocessed   JobStatus = "preprocessed"
	JobStatusInferencing    JobStatus = "inferencing"
	JobStatusInferenced     JobStatus = "inferenced"
	JobStatusPostprocessing JobStatus = "postprocessing"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
)

// StatusSequence is the only order in which a successful job moves.
var StatusSequence = []JobStatus{
	JobStatusPending,
	JobStatusPreprocessing,
	JobStatusPreprocessed,
	JobStatusInferencing,
	JobStatusInferenced,
	JobStatusPostprocessing,
	JobStatusCompleted,
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	if s == JobStatusFailed {
		return true
	}
	for _, known := range StatusSequence {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition enforces the stage state machine edges
func CanTransition(from, to JobStatus) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == JobStatusFailed {
		return true
	}
	for i := 0; i < len(StatusSequence)-1; i++ {
		if StatusSequence[i] == from {
			return StatusSequence[i+1] == to
		}
	}
	return false
}

// ProgressSnapshot is a parsed progress shim line
type ProgressSnapshot struct {
	Label   string
	Current int
	Total   int
}
