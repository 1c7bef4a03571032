package routes

import (
	"log/slog"
	"net/http"

	"ai-serving/api/rest/handlers"
	"ai-serving/core/repository"
	"ai-serving/storage"

	"github.com/gorilla/mux"
)

// Deps are the services behind the API
type Deps struct {
	DB         *repository.DB
	Store      storage.ObjectStore
	Enqueuer   handlers.Enqueuer
	Workers    handlers.WorkerControl
	Dispatcher handlers.DispatcherStats
	Metrics    http.Handler // Optional
	Logger     *slog.Logger
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, deps Deps) {
	jobRepo := repository.NewJobRepository(deps.DB)
	eventRepo := repository.NewEventRepository(deps.DB)
	modelRepo := repository.NewModelRepository(deps.DB)

	jobHandler := handlers.NewJobHandler(jobRepo, eventRepo, modelRepo, deps.Enqueuer, deps.Logger)
	modelHandler := handlers.NewModelHandler(modelRepo, deps.Store, deps.Logger)
	uploadHandler := handlers.NewUploadHandler(deps.Store, deps.Logger)
	workerHandler := handlers.NewWorkerHandler(deps.Workers, deps.Logger)
	dashboardHandler := handlers.NewDashboardHandler(jobRepo, deps.Workers, deps.Dispatcher)

	r.HandleFunc("/health", handlers.Health).Methods("GET")
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods("GET")
	}

	api := r.PathPrefix("/v1").Subrouter()

	// Model endpoints
	api.HandleFunc("/models", modelHandler.CreateModel).Methods("POST")
	api.HandleFunc("/models", modelHandler.ListModels).Methods("GET")
	api.HandleFunc("/models/{id}", modelHandler.GetModel).Methods("GET")
	api.HandleFunc("/models/{id}/worker/stop", workerHandler.StopWorker).Methods("POST")
	api.HandleFunc("/models/{id}/worker/restart", workerHandler.RestartWorker).Methods("POST")
	api.HandleFunc("/workers", workerHandler.ListWorkers).Methods("GET")

	// Arguments and results
	api.HandleFunc("/uploads", uploadHandler.UploadValues).Methods("POST")
	api.HandleFunc("/results/{path:.+}", uploadHandler.GetResult).Methods("GET")

	// Job endpoints
	api.HandleFunc("/jobs", jobHandler.SubmitJob).Methods("POST")
	api.HandleFunc("/jobs", jobHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", jobHandler.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", jobHandler.GetJobEvents).Methods("GET")

	api.HandleFunc("/dashboard", dashboardHandler.GetSummary).Methods("GET")
}
