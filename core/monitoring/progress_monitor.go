package monitoring

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"ai-serving/core/models"
)

// ProgressStore reads job status and writes job progress
type ProgressStore interface {
	GetJobStatus(ctx context.Context, id string) (models.JobStatus, error)
	UpdateJobProgress(ctx context.Context, id, progress string) error
}

// ProgressMonitorConfig holds the progress monitor settings
type ProgressMonitorConfig struct {
	Interval     time.Duration
	ReadAttempts int
	ReadBackoff  time.Duration
}

// ProgressMonitor mirrors each worker's progress file into its job while the job runs
type ProgressMonitor struct {
	jobs   ProgressStore
	cfg    ProgressMonitorConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// NewProgressMonitor creates a new progress monitor
func NewProgressMonitor(jobs ProgressStore, cfg ProgressMonitorConfig, logger *slog.Logger) *ProgressMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.ReadAttempts <= 0 {
		cfg.ReadAttempts = 3
	}
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ProgressMonitor{
		jobs:   jobs,
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Watch starts monitoring a job. It returns false if the job is already watched or the monitor is stopped.
func (m *ProgressMonitor) Watch(jobID, progressPath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return false
	}
	if _, ok := m.active[jobID]; ok {
		return false
	}
	m.active[jobID] = struct{}{}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.active, jobID)
			m.mu.Unlock()
		}()

		if err := m.watch(jobID, progressPath); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("progress monitor stopped", "job_id", jobID, "error", err)
		}
	}()
	return true
}

func (m *ProgressMonitor) watch(jobID, progressPath string) error {
	var last, written string

	for {
		status, err := m.jobs.GetJobStatus(m.ctx, jobID)
		if err != nil {
			return fmt.Errorf("failed to read job status: %w", err)
		}

		switch status {
		case models.JobStatusCompleted:
			if last == "" {
				return nil
			}
			return m.jobs.UpdateJobProgress(m.ctx, jobID, last)
		case models.JobStatusPending, models.JobStatusFailed:
			return nil
		}

		line, err := m.readFirstLine(progressPath)
		if err != nil {
			return err
		}
		if line != "" {
			last = line
			if line != written {
				if err := m.jobs.UpdateJobProgress(m.ctx, jobID, line); err != nil {
					return fmt.Errorf("failed to write progress: %w", err)
				}
				written = line
			}
		}

		timer := time.NewTimer(m.cfg.Interval)
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			timer.Stop()
			return m.ctx.Err()
		}
	}
}

// readFirstLine returns the first line of the progress file, or "" when the worker has not written one yet
func (m *ProgressMonitor) readFirstLine(path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < m.cfg.ReadAttempts; attempt++ {
		line, err := firstLine(path)
		if err == nil {
			return line, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		lastErr = err

		select {
		case <-time.After(m.cfg.ReadBackoff):
		case <-m.ctx.Done():
			return "", m.ctx.Err()
		}
	}
	return "", fmt.Errorf("failed to read progress file: %w", lastErr)
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Active returns the number of running monitors
func (m *ProgressMonitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stop cancels every monitor and waits for them to return
func (m *ProgressMonitor) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}
