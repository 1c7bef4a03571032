package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"ai-serving/api/rest/routes"
	"ai-serving/core/executor"
	"ai-serving/core/monitoring"
	"ai-serving/core/pipeline"
	"ai-serving/core/repository"
	"ai-serving/core/resource_manager"
	"ai-serving/core/scheduler"
	"ai-serving/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the stage dispatcher",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("database connected", "driver", cfg.Database.Driver)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open object storage: %w", err)
	}

	stagingDir := filepath.Join(cfg.Runtime.Root, "staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}

	jobRepo := repository.NewJobRepository(db)
	modelRepo := repository.NewModelRepository(db)

	// Worker processes
	provisioner := resource_manager.NewProvisioner(store, resource_manager.ProvisionerConfig{
		RuntimeRoot:  cfg.Runtime.Root,
		PythonBin:    cfg.Runtime.PythonBin,
		BasePackages: cfg.Runtime.BasePackages,
	}, logger.With("component", "provisioner"))
	supervisor := resource_manager.NewSupervisor(modelRepo, provisioner, resource_manager.SupervisorConfig{
		StopGrace: cfg.Runtime.StopGrace,
	}, logger.With("component", "supervisor"))

	// Stage RPC
	clientCfg := executor.DefaultClientConfig()
	clientCfg.Attempts = cfg.RPC.Attempts
	clientCfg.BaseDelay = cfg.RPC.BaseDelay
	clientCfg.DialTimeout = cfg.RPC.DialTimeout
	client := executor.NewClient(clientCfg, logger.With("component", "rpc"))

	monitor := monitoring.NewProgressMonitor(jobRepo, monitoring.ProgressMonitorConfig{
		Interval: cfg.Monitor.Interval,
	}, logger.With("component", "progress"))

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Workers:     cfg.Dispatcher.Workers,
		MaxAttempts: cfg.Dispatcher.MaxAttempts,
	}, logger.With("component", "dispatcher"))

	stages := pipeline.New(
		jobRepo,
		supervisor,
		client,
		storage.NewStager(store, stagingDir),
		monitor,
		dispatcher,
		logger.With("component", "pipeline"),
	)
	stages.Register(dispatcher)

	// Settle what the previous run left behind before any worker or request touches a job
	recovered, err := dispatcher.RecoverPending(ctx, jobRepo)
	if err != nil {
		logger.Error("failed to recover pending jobs", "error", err)
	} else if recovered > 0 {
		logger.Info("recovered pending jobs", "count", recovered)
	}

	// Stages run on their own context so a signal stops intake before in-flight work is cancelled
	dispatcher.Start(context.WithoutCancel(ctx))

	metrics := monitoring.NewMetricsExporter(jobRepo, supervisor, dispatcher, monitor, logger)

	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Deps{
		DB:         db,
		Store:      store,
		Enqueuer:   stages,
		Workers:    supervisor,
		Dispatcher: dispatcher,
		Metrics:    metrics.Handler(),
		Logger:     logger.With("component", "api"),
	})

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", "error", err)
		}

		dispatcher.Stop()
		monitor.Stop()
		if err := supervisor.StopAll(shutdownCtx); err != nil {
			logger.Warn("failed to stop workers", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logger.Info("server exited")
	return err
}
