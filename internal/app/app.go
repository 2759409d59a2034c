// Package app wires together the render job subsystem's components:
// configuration, storage, the inference client, the job store, the
// queue service, and the HTTP router.
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bobarin/renderqueue/internal/api"
	"github.com/bobarin/renderqueue/internal/comfy"
	"github.com/bobarin/renderqueue/internal/config"
	"github.com/bobarin/renderqueue/internal/jobstore"
	"github.com/bobarin/renderqueue/internal/renderqueue"
	"github.com/bobarin/renderqueue/internal/storage"
)

// App holds every long-lived component needed to serve requests and
// run the background render worker.
type App struct {
	Queue  *renderqueue.Service
	Router *chi.Mux
}

// Build constructs every component from cfg and returns an App ready
// to Start.
func Build(cfg *config.Config) (*App, error) {
	store, err := storage.New(cfg.DataDir, cfg.ComfyInputDir)
	if err != nil {
		return nil, fmt.Errorf("app: failed to initialize storage: %w", err)
	}

	jobs, err := jobstore.New(store)
	if err != nil {
		return nil, fmt.Errorf("app: failed to initialize job store: %w", err)
	}

	comfyClient, err := comfy.NewClient(cfg.ComfyBaseURL, cfg.ComfyWorkflowPath)
	if err != nil {
		return nil, fmt.Errorf("app: failed to initialize inference client: %w", err)
	}

	queueSvc := renderqueue.New(
		jobs,
		store,
		comfyClient,
		cfg.WorkflowVersion,
		cfg.RenderPreset,
		time.Duration(cfg.RenderTimeoutSec)*time.Second,
		cfg.EstimatedJobSec,
	)

	handler := api.NewHandler(queueSvc)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
		DataDir:            store.DataDir(),
		APIPrefix:          cfg.APIPrefix,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: no BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	return &App{Queue: queueSvc, Router: router}, nil
}

// Start launches the single-worker render queue goroutine.
func (a *App) Start(ctx context.Context) {
	a.Queue.Start(ctx)
}

// Stop blocks until the render queue worker goroutine has exited.
func (a *App) Stop() {
	a.Queue.Stop()
}
