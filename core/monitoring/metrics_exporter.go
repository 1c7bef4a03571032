package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"ai-serving/core/models"
	"ai-serving/core/resource_manager"
	"ai-serving/core/scheduler"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobCounter counts jobs per status
type JobCounter interface {
	CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int, error)
}

// WorkerLister lists live workers
type WorkerLister interface {
	Handles() []*resource_manager.WorkerHandle
}

// DispatcherStats exposes dispatcher counters
type DispatcherStats interface {
	Stats() scheduler.Stats
}

var (
	jobsDesc = prometheus.NewDesc(
		"aiserving_jobs", "Number of jobs per status", []string{"status"}, nil)
	workersDesc = prometheus.NewDesc(
		"aiserving_workers_live", "Number of live model worker processes", nil, nil)
	workerUptimeDesc = prometheus.NewDesc(
		"aiserving_worker_uptime_seconds", "Seconds since the model worker started", []string{"model_id"}, nil)
	queuedDesc = prometheus.NewDesc(
		"aiserving_tasks_queued", "Stage tasks waiting for a dispatcher worker", nil, nil)
	runningDesc = prometheus.NewDesc(
		"aiserving_tasks_running", "Stage tasks currently running", nil, nil)
	tasksDesc = prometheus.NewDesc(
		"aiserving_tasks_total", "Stage tasks by outcome", []string{"outcome"}, nil)
	monitorsDesc = prometheus.NewDesc(
		"aiserving_progress_monitors", "Running progress monitors", nil, nil)
)

// MetricsExporter collects serving metrics at scrape time for Prometheus
type MetricsExporter struct {
	jobs       JobCounter
	workers    WorkerLister
	dispatcher DispatcherStats
	monitor    *ProgressMonitor
	logger     *slog.Logger

	registry *prometheus.Registry
}

// NewMetricsExporter creates a new metrics exporter and registers it
func NewMetricsExporter(jobs JobCounter, workers WorkerLister, dispatcher DispatcherStats, monitor *ProgressMonitor, logger *slog.Logger) *MetricsExporter {
	if logger == nil {
		logger = slog.Default()
	}

	me := &MetricsExporter{
		jobs:       jobs,
		workers:    workers,
		dispatcher: dispatcher,
		monitor:    monitor,
		logger:     logger,
		registry:   prometheus.NewRegistry(),
	}
	me.registry.MustRegister(me)
	return me
}

// Handler serves the metrics in the Prometheus text format
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector
func (me *MetricsExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- jobsDesc
	ch <- workersDesc
	ch <- workerUptimeDesc
	ch <- queuedDesc
	ch <- runningDesc
	ch <- tasksDesc
	ch <- monitorsDesc
}

// Collect implements prometheus.Collector
func (me *MetricsExporter) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if me.jobs != nil {
		counts, err := me.jobs.CountJobsByStatus(ctx)
		if err != nil {
			me.logger.Warn("failed to count jobs for metrics", "error", err)
		} else {
			statuses := append([]models.JobStatus{models.JobStatusFailed}, models.StatusSequence...)
			for _, status := range statuses {
				ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(counts[status]), string(status))
			}
		}
	}

	if me.workers != nil {
		handles := me.workers.Handles()
		ch <- prometheus.MustNewConstMetric(workersDesc, prometheus.GaugeValue, float64(len(handles)))
		for _, h := range handles {
			ch <- prometheus.MustNewConstMetric(workerUptimeDesc, prometheus.GaugeValue, time.Since(h.StartedAt).Seconds(), h.ModelID)
		}
	}

	if me.dispatcher != nil {
		stats := me.dispatcher.Stats()
		ch <- prometheus.MustNewConstMetric(queuedDesc, prometheus.GaugeValue, float64(stats.Queued))
		ch <- prometheus.MustNewConstMetric(runningDesc, prometheus.GaugeValue, float64(stats.Running))
		for outcome, n := range map[string]uint64{
			"submitted": stats.Submitted,
			"succeeded": stats.Succeeded,
			"failed":    stats.Failed,
			"retried":   stats.Retried,
			"dropped":   stats.Dropped,
		} {
			ch <- prometheus.MustNewConstMetric(tasksDesc, prometheus.CounterValue, float64(n), outcome)
		}
	}

	if me.monitor != nil {
		ch <- prometheus.MustNewConstMetric(monitorsDesc, prometheus.GaugeValue, float64(me.monitor.Active()))
	}
}
