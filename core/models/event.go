package models

import "time"

// JobEvent represents a state transition event for a job
type JobEvent struct {
	ID         int64
	JobID      string
	At         time.Time
	FromStatus *JobStatus
	ToStatus   JobStatus
	Reason     string
}

// Stage reasons recorded on job events
const (
	ReasonJobCreated     = "job_created"
	ReasonStageStarted   = "stage_started"
	ReasonStageSucceeded = "stage_succeeded"
	ReasonStageFailed    = "stage_failed"
)
