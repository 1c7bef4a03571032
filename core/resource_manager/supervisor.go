package resource_manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"ai-serving/core/models"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ModelLoader looks up model records
type ModelLoader interface {
	GetModel(ctx context.Context, id string) (*models.Model, error)
}

// EnvironmentProvisioner builds a model environment
type EnvironmentProvisioner interface {
	Provision(ctx context.Context, model *models.Model) (*Environment, error)
}

// WorkerHandle is a live worker process serving one model
type WorkerHandle struct {
	ModelID   string
	Env       *Environment
	PID       int
	StartedAt time.Time

	cmd  *exec.Cmd
	done chan struct{}
}

// Done is closed once the worker process has exited
func (h *WorkerHandle) Done() <-chan struct{} {
	return h.done
}

// SupervisorConfig holds the supervisor settings
type SupervisorConfig struct {
	StopGrace time.Duration
}

// Supervisor keeps at most one worker process per model and starts it on first use
type Supervisor struct {
	models      ModelLoader
	provisioner EnvironmentProvisioner
	cfg         SupervisorConfig
	logger      *slog.Logger

	// command builds the worker process for an environment
	command func(env *Environment) *exec.Cmd

	mu      sync.Mutex
	handles map[string]*WorkerHandle
	group   singleflight.Group

	// Bumped by Stop and StopAll; a start that spans a bump is discarded
	stopGen    map[string]uint64
	stopAllGen uint64
}

// ErrWorkerStopped is returned when the worker was stopped while it was being started
var ErrWorkerStopped = errors.New("worker stopped during startup")

// NewSupervisor creates a new worker supervisor
func NewSupervisor(loader ModelLoader, provisioner EnvironmentProvisioner, cfg SupervisorConfig, logger *slog.Logger) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		models:      loader,
		provisioner: provisioner,
		cfg:         cfg,
		logger:      logger,
		command:     pythonWorkerCommand,
		handles:     make(map[string]*WorkerHandle),
		stopGen:     make(map[string]uint64),
	}
}

func pythonWorkerCommand(env *Environment) *exec.Cmd {
	cmd := exec.Command(env.Python, env.EntryPoint)
	cmd.Dir = env.Root
	return cmd
}

// EnsureRunning returns the model's worker, provisioning and starting it if none is registered.
// Concurrent first calls for the same model share one provisioning and one process.
func (s *Supervisor) EnsureRunning(ctx context.Context, modelID string) (*WorkerHandle, error) {
	if h := s.lookup(modelID); h != nil {
		return h, nil
	}

	// The work is shared by every joined caller, so no single caller's cancellation may abort it
	shared := context.WithoutCancel(ctx)

	v, err, _ := s.group.Do(modelID, func() (interface{}, error) {
		s.mu.Lock()
		if h := s.handles[modelID]; h != nil {
			s.mu.Unlock()
			return h, nil
		}
		gen := s.generation(modelID)
		s.mu.Unlock()

		model, err := s.models.GetModel(shared, modelID)
		if err != nil {
			return nil, fmt.Errorf("failed to load model %s: %w", modelID, err)
		}

		env, err := s.provisioner.Provision(shared, model)
		if err != nil {
			return nil, err
		}

		h, err := s.start(env)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.generation(modelID) != gen {
			s.mu.Unlock()
			s.logger.Info("worker stopped while starting, terminating", "model_id", modelID, "pid", h.PID)
			if err := s.terminate(shared, h); err != nil {
				s.logger.Warn("failed to terminate worker", "model_id", modelID, "error", err)
			}
			return nil, fmt.Errorf("model %s: %w", modelID, ErrWorkerStopped)
		}
		s.handles[modelID] = h
		s.mu.Unlock()
		go s.reap(h)

		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*WorkerHandle), nil
}

// generation must be called with s.mu held
func (s *Supervisor) generation(modelID string) uint64 {
	return s.stopGen[modelID] + s.stopAllGen
}

func (s *Supervisor) lookup(modelID string) *WorkerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[modelID]
}

// start launches the worker process. Output is forwarded to the log until the process exits.
func (s *Supervisor) start(env *Environment) (*WorkerHandle, error) {
	// Leftovers of a previous process would be mistaken for this one's
	for _, stale := range []string{env.SocketPath, env.ErrorPath, env.ProgressPath} {
		if err := os.Remove(stale); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove %s: %w", stale, err)
		}
	}

	cmd := s.command(env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for model %s: %w", env.ModelID, err)
	}

	h := &WorkerHandle{
		ModelID:   env.ModelID,
		Env:       env,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	logger := s.logger.With("model_id", env.ModelID, "pid", h.PID)
	logger.Info("worker process started")

	var output sync.WaitGroup
	output.Add(2)
	go func() {
		defer output.Done()
		forwardOutput(logger, stdout, false)
	}()
	go func() {
		defer output.Done()
		forwardOutput(logger, stderr, true)
	}()

	go func() {
		output.Wait()
		err := cmd.Wait()
		if err != nil {
			logger.Warn("worker process exited", "error", err)
		} else {
			logger.Info("worker process exited")
		}
		close(h.done)
	}()

	return h, nil
}

// reap unregisters a handle once its process is gone so the next call starts a fresh one
func (s *Supervisor) reap(h *WorkerHandle) {
	<-h.done

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.ModelID] == h {
		delete(s.handles, h.ModelID)
	}
}

// forwardOutput maps worker output lines onto log levels
func forwardOutput(logger *slog.Logger, r io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "ERROR"), strings.Contains(line, "CRITICAL"), strings.HasPrefix(line, "Traceback"):
			logger.Error("worker", "line", line)
		case strings.Contains(line, "WARNING"), strings.Contains(line, "WARN"):
			logger.Warn("worker", "line", line)
		case isStderr:
			logger.Info("worker", "line", line)
		default:
			logger.Debug("worker", "line", line)
		}
	}
}

// Stop terminates a model's worker, killing it if it outlives the grace period
func (s *Supervisor) Stop(ctx context.Context, modelID string) error {
	s.mu.Lock()
	h := s.handles[modelID]
	delete(s.handles, modelID)
	s.stopGen[modelID]++
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	return s.terminate(ctx, h)
}

func (s *Supervisor) terminate(ctx context.Context, h *WorkerHandle) error {
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal worker", "model_id", h.ModelID, "error", err)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("worker did not exit in time, killing", "model_id", h.ModelID, "pid", h.PID)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill worker for model %s: %w", h.ModelID, err)
	}
	<-h.done
	return nil
}

// Restart stops the model's worker and starts a new one
func (s *Supervisor) Restart(ctx context.Context, modelID string) (*WorkerHandle, error) {
	if err := s.Stop(ctx, modelID); err != nil {
		return nil, err
	}
	return s.EnsureRunning(ctx, modelID)
}

// StopAll stops every worker concurrently
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*WorkerHandle, 0, len(s.handles))
	for id, h := range s.handles {
		handles = append(handles, h)
		delete(s.handles, id)
	}
	s.stopAllGen++
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		h := h
		g.Go(func() error {
			return s.terminate(gctx, h)
		})
	}
	return g.Wait()
}

// Handles lists the live workers ordered by model ID
func (s *Supervisor) Handles() []*WorkerHandle {
	s.mu.Lock()
	handles := make([]*WorkerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].ModelID < handles[j].ModelID })
	return handles
}
