package pipeline

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ai-serving/core/executor"
	"ai-serving/core/models"
	"ai-serving/core/monitoring"
	"ai-serving/core/protocol"
	"ai-serving/core/repository"
	"ai-serving/core/resource_manager"
	"ai-serving/core/scheduler"
	"ai-serving/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedWorkers always hands out one worker listening at env
type fixedWorkers struct {
	env *resource_manager.Environment
	err error
}

func (w *fixedWorkers) EnsureRunning(_ context.Context, modelID string) (*resource_manager.WorkerHandle, error) {
	if w.err != nil {
		return nil, w.err
	}
	return &resource_manager.WorkerHandle{ModelID: modelID, Env: w.env, StartedAt: time.Now()}, nil
}

type workerFunc func(cmd protocol.Command, payload []byte) []byte

// startWorker serves the worker socket protocol from Go. Each connection carries one request.
func startWorker(t *testing.T, handle workerFunc) *resource_manager.Environment {
	t.Helper()
	root, err := os.MkdirTemp("", "ais_env")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(root) })

	env := &resource_manager.Environment{
		ModelID:      "model",
		Root:         root,
		SocketPath:   filepath.Join(root, "worker.sock"),
		ProgressPath: filepath.Join(root, "progress.txt"),
		ErrorPath:    filepath.Join(root, "error.txt"),
	}
	ln, err := net.Listen("unix", env.SocketPath)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				body, err := protocol.ReadFrame(conn)
				if err != nil {
					return
				}
				cmd, payload, err := protocol.DecodeRequest(body)
				if err != nil {
					return
				}
				protocol.WriteFrame(conn, handle(cmd, payload))
			}()
		}
	}()
	return env
}

// passThrough joins the argument file contents, echoes them through inference
// and writes them to a result file on postprocess
func passThrough(resultDir string) workerFunc {
	return func(cmd protocol.Command, payload []byte) []byte {
		switch cmd {
		case protocol.CmdPreprocess:
			var parts []string
			for _, p := range protocol.SplitPaths(payload) {
				data, err := os.ReadFile(p)
				if err != nil {
					return protocol.EncodeResponse(protocol.StatusErr, []byte(err.Error()))
				}
				parts = append(parts, string(data))
			}
			return protocol.EncodeResponse(protocol.StatusOK, []byte(strings.Join(parts, ",")))
		case protocol.CmdInference:
			return protocol.EncodeResponse(protocol.StatusOK, payload)
		default:
			f, err := os.CreateTemp(resultDir, "result_")
			if err != nil {
				return protocol.EncodeResponse(protocol.StatusErr, []byte(err.Error()))
			}
			f.Write(payload)
			f.Close()
			return protocol.EncodeResponse(protocol.StatusOK, []byte(f.Name()))
		}
	}
}

type harness struct {
	jobs       *repository.JobRepository
	events     *repository.EventRepository
	store      *storage.LocalStore
	dispatcher *scheduler.Dispatcher
	monitor    *monitoring.ProgressMonitor
	pipeline   *Pipeline
	modelID    string
}

// newHarness wires a pipeline over sqlite. wrap, if given, decorates the job store the pipeline sees.
func newHarness(t *testing.T, workers Workers, wrap ...func(JobStore) JobStore) *harness {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "pipeline.db") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite"
	db, err := repository.NewDB(repository.DriverSQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	model := &models.Model{Name: "echo", ModulePath: "models/echo/echo.zip"}
	require.NoError(t, repository.NewModelRepository(db).CreateModel(context.Background(), model))

	objects, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cfg := executor.DefaultClientConfig()
	cfg.BaseDelay = time.Millisecond
	client := executor.NewClient(cfg, nil)

	jobs := repository.NewJobRepository(db)
	monitor := monitoring.NewProgressMonitor(jobs, monitoring.ProgressMonitorConfig{Interval: 10 * time.Millisecond}, nil)
	t.Cleanup(monitor.Stop)

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{Workers: 2}, nil)
	var store JobStore = jobs
	for _, w := range wrap {
		store = w(store)
	}
	p := New(store, workers, client, storage.NewStager(objects, t.TempDir()), monitor, dispatcher, nil)
	p.Register(dispatcher)
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	return &harness{
		jobs:       jobs,
		events:     repository.NewEventRepository(db),
		store:      objects,
		dispatcher: dispatcher,
		monitor:    monitor,
		pipeline:   p,
		modelID:    model.ID,
	}
}

func (h *harness) submit(t *testing.T, args ...models.InputArg) string {
	t.Helper()
	job := &models.Job{ModelID: h.modelID}
	require.NoError(t, h.jobs.CreateJob(context.Background(), job, args))
	require.NoError(t, h.pipeline.Enqueue(context.Background(), job.ID))
	return job.ID
}

func (h *harness) waitTerminal(t *testing.T, jobID string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.GetJob(context.Background(), jobID)
		return err == nil && job.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func (h *harness) statusSequence(t *testing.T, jobID string) []models.JobStatus {
	t.Helper()
	events, err := h.events.GetJobEvents(context.Background(), jobID, 100)
	require.NoError(t, err)
	var seq []models.JobStatus
	for _, e := range events {
		seq = append(seq, e.ToStatus)
	}
	return seq
}

func TestPipelineEndToEnd(t *testing.T) {
	env := startWorker(t, passThrough(t.TempDir()))
	h := newHarness(t, &fixedWorkers{env: env})

	jobID := h.submit(t,
		models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"},
		models.InputArg{Index: 1, Type: models.ArgTypeText, Value: "4"},
	)

	job := h.waitTerminal(t, jobID)
	require.Equal(t, models.JobStatusCompleted, job.Status, "failed_log: %v", job.FailedLog)
	require.NotNil(t, job.ResultPath)
	assert.Equal(t, storage.ResultPath(jobID), *job.ResultPath)
	assert.Nil(t, job.FailedLog)

	rc, err := h.store.Get(context.Background(), *job.ResultPath)
	require.NoError(t, err)
	defer rc.Close()
	result, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "3,4", string(result))

	assert.Equal(t, models.StatusSequence, h.statusSequence(t, jobID))
}

func TestPipelineRecordsWorkerErrorVerbatim(t *testing.T) {
	env := startWorker(t, func(protocol.Command, []byte) []byte {
		return protocol.EncodeResponse(protocol.StatusErr, []byte("model not loaded"))
	})
	h := newHarness(t, &fixedWorkers{env: env})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailedLog)
	assert.Equal(t, "model not loaded", *job.FailedLog)
	assert.Nil(t, job.ResultPath)

	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusPreprocessing,
		models.JobStatusFailed,
	}, h.statusSequence(t, jobID))

	require.Eventually(t, func() bool { return h.dispatcher.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineFailsInLaterStage(t *testing.T) {
	resultDir := t.TempDir()
	ok := passThrough(resultDir)
	env := startWorker(t, func(cmd protocol.Command, payload []byte) []byte {
		if cmd == protocol.CmdInference {
			return protocol.EncodeResponse(protocol.StatusErr, []byte("CUDA out of memory"))
		}
		return ok(cmd, payload)
	})
	h := newHarness(t, &fixedWorkers{env: env})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "CUDA out of memory", *job.FailedLog)
	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusPreprocessing,
		models.JobStatusPreprocessed,
		models.JobStatusInferencing,
		models.JobStatusFailed,
	}, h.statusSequence(t, jobID))
}

func TestPipelineProvisioningFailure(t *testing.T) {
	provErr := &resource_manager.ProvisioningError{ModelID: "m", Step: resource_manager.StepSetup, Err: errors.New("exit status 1")}
	h := newHarness(t, &fixedWorkers{err: provErr})

	jobID := h.submit(t)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, provErr.Error(), *job.FailedLog)
}

func TestPipelineUnreachableWorker(t *testing.T) {
	root := t.TempDir()
	env := &resource_manager.Environment{
		Root:       root,
		SocketPath: filepath.Join(root, "worker.sock"),
		ErrorPath:  filepath.Join(root, "error.txt"),
	}
	h := newHarness(t, &fixedWorkers{env: env})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, *job.FailedLog, "worker connection")
}

func TestRedeliveredStageIsStale(t *testing.T) {
	env := startWorker(t, passThrough(t.TempDir()))
	h := newHarness(t, &fixedWorkers{env: env})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})
	job := h.waitTerminal(t, jobID)
	require.Equal(t, models.JobStatusCompleted, job.Status)

	err := h.pipeline.Preprocess(context.Background(), jobID)
	require.ErrorIs(t, err, scheduler.ErrStaleTask)
	err = h.pipeline.Inference(context.Background(), jobID, []byte("3"))
	require.ErrorIs(t, err, scheduler.ErrStaleTask)

	again, err := h.jobs.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, again.Status)
	assert.Nil(t, again.FailedLog)
}

// brokenStore fails writes with a plain database error instead of a status conflict
type brokenStore struct {
	JobStore
	failTo     models.JobStatus
	failFinish bool
}

var errDatabaseLocked = errors.New("database is locked")

func (s *brokenStore) UpdateJobStatus(ctx context.Context, jobID string, from, to models.JobStatus, reason string) error {
	if to == s.failTo {
		return errDatabaseLocked
	}
	return s.JobStore.UpdateJobStatus(ctx, jobID, from, to, reason)
}

func (s *brokenStore) CompleteJob(ctx context.Context, jobID string, from models.JobStatus, resultPath string) error {
	if s.failFinish {
		return errDatabaseLocked
	}
	return s.JobStore.CompleteJob(ctx, jobID, from, resultPath)
}

func TestPipelineStatusWriteErrorFailsJob(t *testing.T) {
	env := startWorker(t, passThrough(t.TempDir()))
	h := newHarness(t, &fixedWorkers{env: env}, func(js JobStore) JobStore {
		return &brokenStore{JobStore: js, failTo: models.JobStatusPreprocessed}
	})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailedLog)
	assert.Contains(t, *job.FailedLog, "database is locked")
	assert.Equal(t, []models.JobStatus{
		models.JobStatusPending,
		models.JobStatusPreprocessing,
		models.JobStatusFailed,
	}, h.statusSequence(t, jobID))

	require.Eventually(t, func() bool { return h.monitor.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.dispatcher.Stats().Failed == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestPipelineCompleteErrorFailsJob(t *testing.T) {
	env := startWorker(t, passThrough(t.TempDir()))
	h := newHarness(t, &fixedWorkers{env: env}, func(js JobStore) JobStore {
		return &brokenStore{JobStore: js, failFinish: true}
	})

	jobID := h.submit(t, models.InputArg{Index: 0, Type: models.ArgTypeText, Value: "3"})

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.FailedLog)
	assert.Contains(t, *job.FailedLog, "database is locked")
	assert.Nil(t, job.ResultPath)
	require.Eventually(t, func() bool { return h.monitor.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDiagnostic(t *testing.T) {
	wrapped := errors.Join(errors.New("context"), &protocol.ProtocolError{Message: "model not loaded"})
	assert.Equal(t, "model not loaded", Diagnostic(wrapped))
	assert.Equal(t, "boom", Diagnostic(errors.New("boom")))
}
