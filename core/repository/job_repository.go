package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ai-serving/core/models"

	"github.com/google/uuid"
)

// JobRepository handles database operations for jobs and their input arguments.
// Every write touches only the columns it owns, and status changes are
// compare-and-set on the current status, so the stage handlers and the
// progress monitor never overwrite each other.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a pending job with its arguments
func (r *JobRepository) CreateJob(ctx context.Context, job *models.Job, args []models.InputArg) error {
	if err := models.ValidateInputArgs(args); err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = models.JobStatusPending
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (id, model_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := tx.ExecContext(ctx, query, job.ID, job.ModelID, job.Status, now, now); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	for _, arg := range args {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO input_args (job_id, idx, type, value) VALUES ($1, $2, $3, $4)`,
			job.ID, arg.Index, arg.Type, arg.Value,
		)
		if err != nil {
			return fmt.Errorf("failed to store argument %d: %w", arg.Index, err)
		}
	}

	if err := createJobEventTx(ctx, tx, job.ID, nil, job.Status, models.ReasonJobCreated, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	query := `
		SELECT id, model_id, status, progress, result_path, failed_log, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	job, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return job, err
}

// GetJobStatus reads only the status column
func (r *JobRepository) GetJobStatus(ctx context.Context, id string) (models.JobStatus, error) {
	var status models.JobStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return status, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var progress, resultPath, failedLog sql.NullString

	err := row.Scan(
		&job.ID,
		&job.ModelID,
		&job.Status,
		&progress,
		&resultPath,
		&failedLog,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if progress.Valid {
		job.Progress = &progress.String
	}
	if resultPath.Valid {
		job.ResultPath = &resultPath.String
	}
	if failedLog.Valid {
		job.FailedLog = &failedLog.String
	}

	return &job, nil
}

// ListJobs lists jobs newest first with an optional status filter
func (r *JobRepository) ListJobs(ctx context.Context, status *models.JobStatus, offset, limit int) ([]*models.Job, error) {
	query := `
		SELECT id, model_id, status, progress, result_path, failed_log, created_at, updated_at
		FROM jobs
	`
	args := []interface{}{}
	argIndex := 1

	if status != nil {
		query += fmt.Sprintf(" WHERE status = $%d", argIndex)
		args = append(args, *status)
		argIndex++
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// CountJobsByStatus returns the number of jobs in each status
func (r *JobRepository) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status models.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// ListInputArgs returns a job's arguments ordered by index
func (r *JobRepository) ListInputArgs(ctx context.Context, jobID string) ([]models.InputArg, error) {
	query := `
		SELECT job_id, idx, type, value
		FROM input_args
		WHERE job_id = $1
		ORDER BY idx
	`

	rows, err := r.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var args []models.InputArg
	for rows.Next() {
		var arg models.InputArg
		if err := rows.Scan(&arg.JobID, &arg.Index, &arg.Type, &arg.Value); err != nil {
			return nil, err
		}
		args = append(args, arg)
	}

	return args, rows.Err()
}

// UpdateJobStatus moves a job from one status to the next, recording the event.
// It fails with ErrStatusConflict when the job is no longer in fromStatus.
func (r *JobRepository) UpdateJobStatus(ctx context.Context, jobID string, fromStatus, toStatus models.JobStatus, reason string) error {
	return r.transition(ctx, jobID, fromStatus, toStatus, reason, "", nil)
}

// CompleteJob records the result path and marks the job completed in one update
func (r *JobRepository) CompleteJob(ctx context.Context, jobID string, fromStatus models.JobStatus, resultPath string) error {
	return r.transition(ctx, jobID, fromStatus, models.JobStatusCompleted, models.ReasonStageSucceeded, "result_path", resultPath)
}

// FailJob marks a non-terminal job failed. The diagnostic is kept only if none was recorded before.
func (r *JobRepository) FailJob(ctx context.Context, jobID, diagnostic string) error {
	current, err := r.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return r.transition(ctx, jobID, current, models.JobStatusFailed, models.ReasonStageFailed, "failed_log", diagnostic)
}

func (r *JobRepository) transition(
	ctx context.Context,
	jobID string,
	fromStatus, toStatus models.JobStatus,
	reason string,
	column string,
	value interface{},
) error {
	if !models.CanTransition(fromStatus, toStatus) {
		return fmt.Errorf("%w: %s -> %s is not allowed", ErrStatusConflict, fromStatus, toStatus)
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	set := "status = $1, updated_at = $2"
	args := []interface{}{toStatus, now}
	switch column {
	case "result_path":
		set += ", result_path = $3"
		args = append(args, value)
	case "failed_log":
		set += ", failed_log = COALESCE(failed_log, $3)"
		args = append(args, value)
	}
	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $%d AND status = $%d", set, len(args)+1, len(args)+2)
	args = append(args, jobID, fromStatus)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s is not %s", ErrStatusConflict, jobID, fromStatus)
	}

	if err := createJobEventTx(ctx, tx, jobID, &fromStatus, toStatus, reason, now); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateJobProgress overwrites only the progress column
func (r *JobRepository) UpdateJobProgress(ctx context.Context, jobID, progress string) error {
	query := `UPDATE jobs SET progress = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, progress, time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	return expectOneRow(res, jobID)
}

func createJobEventTx(ctx context.Context, tx *Tx, jobID string, fromStatus *models.JobStatus, toStatus models.JobStatus, reason string, at time.Time) error {
	query := `
		INSERT INTO job_events (job_id, at, from_status, to_status, reason)
		VALUES ($1, $2, $3, $4, $5)
	`

	var fromStatusStr *string
	if fromStatus != nil {
		s := string(*fromStatus)
		fromStatusStr = &s
	}

	if _, err := tx.ExecContext(ctx, query, jobID, at, fromStatusStr, toStatus, reason); err != nil {
		return fmt.Errorf("failed to record job event: %w", err)
	}
	return nil
}
