package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ai-serving/core/models"

	"github.com/google/uuid"
)

var (
	// ErrStaleTask is returned by a handler whose job has already moved past the task's stage.
	// The task is dropped without retry.
	ErrStaleTask = errors.New("stale task")
	// ErrStopped is returned when submitting to a stopped dispatcher
	ErrStopped = errors.New("dispatcher stopped")
)

// Handler runs one task
type Handler func(ctx context.Context, task *Task) error

// DispatcherConfig holds the dispatcher settings
type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
}

// Stats is a snapshot of dispatcher counters
type Stats struct {
	Queued    int
	Running   int64
	Submitted uint64
	Succeeded uint64
	Failed    uint64
	Retried   uint64
	Dropped   uint64
}

// Dispatcher runs stage tasks on a fixed pool of workers.
// Delivery is at least once: a handler may see a task its job has already passed.
type Dispatcher struct {
	queue    *TaskQueue
	handlers map[Stage]Handler
	cfg      DispatcherConfig
	logger   *slog.Logger

	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool

	running   atomic.Int64
	submitted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		queue:    NewTaskQueue(),
		handlers: make(map[Stage]Handler),
		cfg:      cfg,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Register sets the handler of a stage. It must be called before Start.
func (d *Dispatcher) Register(stage Stage, handler Handler) {
	d.handlers[stage] = handler
}

// Submit queues a task. Tasks submitted before Start run once the workers are up.
func (d *Dispatcher) Submit(_ context.Context, task *Task) error {
	if d.stopped.Load() {
		return ErrStopped
	}
	if _, ok := d.handlers[task.Stage]; !ok {
		return fmt.Errorf("no handler registered for stage %q", task.Stage)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.EnqueuedAt = time.Now()

	d.queue.Enqueue(task)
	d.submitted.Add(1)
	d.signal()

	d.logger.Debug("task submitted", "task_id", task.ID, "job_id", task.JobID, "stage", task.Stage)
	return nil
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers. Tasks run under ctx until Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}

	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "max_attempts", d.cfg.MaxAttempts)
}

// Stop stops accepting tasks and waits for running tasks to return
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped", "queued", d.queue.Len())
}

func (d *Dispatcher) work(ctx context.Context) {
	defer d.wg.Done()

	for {
		// Once stopping, queued tasks stay queued rather than starting on a cancelled context
		if ctx.Err() != nil {
			return
		}

		task := d.queue.PopTask()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			d.queue.Enqueue(task)
			return
		}

		// Pass the wake-up on so idle workers drain the rest of the queue
		if d.queue.Len() > 0 {
			d.signal()
		}

		d.run(ctx, task)
	}
}

func (d *Dispatcher) run(ctx context.Context, task *Task) {
	logger := d.logger.With("task_id", task.ID, "job_id", task.JobID, "stage", task.Stage, "attempt", task.Attempt+1)

	d.running.Add(1)
	start := time.Now()
	err := d.invoke(ctx, task)
	d.running.Add(-1)

	switch {
	case err == nil:
		d.succeeded.Add(1)
		logger.Debug("task succeeded", "duration", time.Since(start))
	case errors.Is(err, ErrStaleTask):
		d.dropped.Add(1)
		logger.Info("dropping stale task", "reason", err)
	case task.Attempt+1 < d.cfg.MaxAttempts && ctx.Err() == nil:
		d.retried.Add(1)
		logger.Warn("task failed, retrying", "error", err)
		task.Attempt++
		d.queue.Enqueue(task)
		d.signal()
	default:
		d.failed.Add(1)
		logger.Error("task failed", "error", err, "duration", time.Since(start))
	}
}

func (d *Dispatcher) invoke(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handlers[task.Stage](ctx, task)
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queue.Len(),
		Running:   d.running.Load(),
		Submitted: d.submitted.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// RecoveryStore is the job persistence RecoverPending needs
type RecoveryStore interface {
	ListJobs(ctx context.Context, status *models.JobStatus, offset, limit int) ([]*models.Job, error)
	FailJob(ctx context.Context, jobID, diagnostic string) error
}

// InterruptedDiagnostic is the failed log of a job that was mid-pipeline when the process stopped
const InterruptedDiagnostic = "interrupted by restart"

// Stage payloads live only in memory, so a job caught between stages cannot be resumed
var interruptedStatuses = []models.JobStatus{
	models.JobStatusPreprocessing,
	models.JobStatusPreprocessed,
	models.JobStatusInferencing,
	models.JobStatusInferenced,
	models.JobStatusPostprocessing,
}

// RecoverPending runs once at startup, before the API accepts jobs. Jobs left
// mid-pipeline are failed; jobs still pending get their preprocess stage re-submitted.
// It returns the number of re-submitted jobs.
func (d *Dispatcher) RecoverPending(ctx context.Context, jobs RecoveryStore) (int, error) {
	for _, status := range interruptedStatuses {
		stuck, err := listAll(ctx, jobs, status)
		if err != nil {
			return 0, err
		}
		for _, job := range stuck {
			if err := jobs.FailJob(ctx, job.ID, InterruptedDiagnostic); err != nil {
				d.logger.Error("failed to fail interrupted job", "job_id", job.ID, "status", status, "error", err)
				continue
			}
			d.logger.Warn("job interrupted by restart", "job_id", job.ID, "status", status)
		}
	}

	pending, err := listAll(ctx, jobs, models.JobStatusPending)
	if err != nil {
		return 0, err
	}

	// Listed newest first; oldest goes in first
	for i := len(pending) - 1; i >= 0; i-- {
		if err := d.Submit(ctx, &Task{Stage: StagePreprocess, JobID: pending[i].ID}); err != nil {
			return 0, err
		}
	}

	if len(pending) > 0 {
		d.logger.Info("re-submitted pending jobs", "count", len(pending))
	}
	return len(pending), nil
}

// listAll collects every job in a status before anything changes it, since changes would shift the pages
func listAll(ctx context.Context, jobs RecoveryStore, status models.JobStatus) ([]*models.Job, error) {
	const pageSize = 100

	var all []*models.Job
	for offset := 0; ; offset += pageSize {
		page, err := jobs.ListJobs(ctx, &status, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s jobs: %w", status, err)
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}
