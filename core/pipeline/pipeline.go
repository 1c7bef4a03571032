// Package pipeline drives a job through its preprocess, inference and
// postprocess stages. Each stage runs as its own dispatched task, moves the
// job's status forward with a compare-and-set, and submits the next stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ai-serving/core/executor"
	"ai-serving/core/models"
	"ai-serving/core/protocol"
	"ai-serving/core/repository"
	"ai-serving/core/resource_manager"
	"ai-serving/core/scheduler"
	"ai-serving/storage"
)

// JobStore is the job persistence the pipeline needs
type JobStore interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListInputArgs(ctx context.Context, jobID string) ([]models.InputArg, error)
	UpdateJobStatus(ctx context.Context, jobID string, fromStatus, toStatus models.JobStatus, reason string) error
	CompleteJob(ctx context.Context, jobID string, fromStatus models.JobStatus, resultPath string) error
	FailJob(ctx context.Context, jobID, diagnostic string) error
}

// Workers hands out the running worker of a model
type Workers interface {
	EnsureRunning(ctx context.Context, modelID string) (*resource_manager.WorkerHandle, error)
}

// StageCaller performs the stage RPCs against a worker
type StageCaller interface {
	Preprocess(ctx context.Context, ep executor.Endpoint, paths []string) ([]byte, error)
	Inference(ctx context.Context, ep executor.Endpoint, inputs []byte) ([]byte, error)
	Postprocess(ctx context.Context, ep executor.Endpoint, outputs []byte) (string, error)
}

// Stager moves arguments and results between object storage and local files
type Stager interface {
	StageInputs(ctx context.Context, args []models.InputArg) (*storage.StagedInputs, error)
	StageResult(ctx context.Context, jobID, localPath string) (string, error)
}

// Monitor watches a job's progress file
type Monitor interface {
	Watch(jobID, progressPath string) bool
}

// Submitter queues stage tasks
type Submitter interface {
	Submit(ctx context.Context, task *scheduler.Task) error
}

// Pipeline runs the stage handlers
type Pipeline struct {
	jobs      JobStore
	workers   Workers
	caller    StageCaller
	stager    Stager
	monitor   Monitor
	submitter Submitter
	logger    *slog.Logger
}

// New creates a new pipeline
func New(
	jobs JobStore,
	workers Workers,
	caller StageCaller,
	stager Stager,
	monitor Monitor,
	submitter Submitter,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		jobs:      jobs,
		workers:   workers,
		caller:    caller,
		stager:    stager,
		monitor:   monitor,
		submitter: submitter,
		logger:    logger,
	}
}

// Register installs the stage handlers on a dispatcher
func (p *Pipeline) Register(d *scheduler.Dispatcher) {
	d.Register(scheduler.StagePreprocess, func(ctx context.Context, task *scheduler.Task) error {
		return p.Preprocess(ctx, task.JobID)
	})
	d.Register(scheduler.StageInference, func(ctx context.Context, task *scheduler.Task) error {
		return p.Inference(ctx, task.JobID, task.Payload)
	})
	d.Register(scheduler.StagePostprocess, func(ctx context.Context, task *scheduler.Task) error {
		return p.Postprocess(ctx, task.JobID, task.Payload)
	})
}

// Enqueue submits the first stage of a pending job
func (p *Pipeline) Enqueue(ctx context.Context, jobID string) error {
	return p.submitter.Submit(ctx, &scheduler.Task{Stage: scheduler.StagePreprocess, JobID: jobID})
}

// Preprocess stages the job's arguments and runs the worker's preprocess step
func (p *Pipeline) Preprocess(ctx context.Context, jobID string) error {
	if err := p.advance(ctx, jobID, models.JobStatusPending, models.JobStatusPreprocessing, models.ReasonStageStarted); err != nil {
		return err
	}

	handle, err := p.worker(ctx, jobID)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	args, err := p.jobs.ListInputArgs(ctx, jobID)
	if err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("failed to load arguments: %w", err))
	}

	p.monitor.Watch(jobID, handle.Env.ProgressPath)

	staged, err := p.stager.StageInputs(ctx, args)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}
	encoded, err := p.caller.Preprocess(ctx, handle.Env.Endpoint(), staged.Paths)
	staged.Cleanup()
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	if err := p.advance(ctx, jobID, models.JobStatusPreprocessing, models.JobStatusPreprocessed, models.ReasonStageSucceeded); err != nil {
		return err
	}
	return p.handOff(ctx, jobID, scheduler.StageInference, encoded)
}

// Inference runs the worker's inference step on the preprocess result
func (p *Pipeline) Inference(ctx context.Context, jobID string, inputs []byte) error {
	if err := p.advance(ctx, jobID, models.JobStatusPreprocessed, models.JobStatusInferencing, models.ReasonStageStarted); err != nil {
		return err
	}

	handle, err := p.worker(ctx, jobID)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	encoded, err := p.caller.Inference(ctx, handle.Env.Endpoint(), inputs)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	if err := p.advance(ctx, jobID, models.JobStatusInferencing, models.JobStatusInferenced, models.ReasonStageSucceeded); err != nil {
		return err
	}
	return p.handOff(ctx, jobID, scheduler.StagePostprocess, encoded)
}

// Postprocess runs the worker's postprocess step and stores the result file it produced
func (p *Pipeline) Postprocess(ctx context.Context, jobID string, outputs []byte) error {
	if err := p.advance(ctx, jobID, models.JobStatusInferenced, models.JobStatusPostprocessing, models.ReasonStageStarted); err != nil {
		return err
	}

	handle, err := p.worker(ctx, jobID)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	localPath, err := p.caller.Postprocess(ctx, handle.Env.Endpoint(), outputs)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	resultPath, err := p.stager.StageResult(ctx, jobID, localPath)
	if err != nil {
		return p.fail(ctx, jobID, err)
	}

	if err := p.jobs.CompleteJob(ctx, jobID, models.JobStatusPostprocessing, resultPath); err != nil {
		return p.settle(ctx, jobID, fmt.Errorf("failed to complete job: %w", err))
	}

	p.logger.Info("job completed", "job_id", jobID, "result_path", resultPath)
	return nil
}

func (p *Pipeline) worker(ctx context.Context, jobID string) (*resource_manager.WorkerHandle, error) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return p.workers.EnsureRunning(ctx, job.ModelID)
}

// advance moves the job one status forward. Losing the compare-and-set means
// the task was redelivered or the job already failed.
func (p *Pipeline) advance(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error {
	if err := p.jobs.UpdateJobStatus(ctx, jobID, from, to, reason); err != nil {
		return p.settle(ctx, jobID, fmt.Errorf("failed to move job to %s: %w", to, err))
	}
	p.logger.Info("job status changed", "job_id", jobID, "from", from, "to", to)
	return nil
}

// settle handles a failed status write. A lost compare-and-set leaves the job
// to whoever won it; any other error fails the job so it reaches a terminal status.
func (p *Pipeline) settle(ctx context.Context, jobID string, err error) error {
	if errors.Is(err, repository.ErrStatusConflict) {
		return fmt.Errorf("%w: job %s: %v", scheduler.ErrStaleTask, jobID, err)
	}
	return p.fail(ctx, jobID, err)
}

func (p *Pipeline) handOff(ctx context.Context, jobID string, stage scheduler.Stage, payload []byte) error {
	task := &scheduler.Task{Stage: stage, JobID: jobID, Payload: payload}
	if err := p.submitter.Submit(ctx, task); err != nil {
		return p.fail(ctx, jobID, fmt.Errorf("failed to submit %s: %w", stage, err))
	}
	return nil
}

// fail records the failure on the job and returns the original error to the dispatcher
func (p *Pipeline) fail(ctx context.Context, jobID string, cause error) error {
	diagnostic := Diagnostic(cause)

	// The failure is recorded even when the stage was cut short by shutdown
	if err := p.jobs.FailJob(context.WithoutCancel(ctx), jobID, diagnostic); err != nil {
		p.logger.Error("failed to record job failure", "job_id", jobID, "diagnostic", diagnostic, "error", err)
	} else {
		p.logger.Warn("job failed", "job_id", jobID, "diagnostic", diagnostic)
	}
	return cause
}

// Diagnostic is the text stored as a failed job's log: a worker's own message verbatim, otherwise the error text
func Diagnostic(err error) string {
	var protoErr *protocol.ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Message
	}
	return err.Error()
}
