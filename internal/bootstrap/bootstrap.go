// Package bootstrap assembles the render stack from configuration. Both the
// API server and the queue worker run the same components.
package bootstrap

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/4darsh-Dev/comfyui-serverless/internal/artifact"
	"github.com/4darsh-Dev/comfyui-serverless/internal/comfy"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/metrics"
	"github.com/4darsh-Dev/comfyui-serverless/internal/render"
	"github.com/4darsh-Dev/comfyui-serverless/internal/storage"
	"github.com/4darsh-Dev/comfyui-serverless/internal/supervisor"
	"github.com/4darsh-Dev/comfyui-serverless/internal/workflow"
)

// uploadsDir is the FileUploader root under the output directory.
const uploadsDir = "uploads"

// Stack holds the wired components.
type Stack struct {
	Config     *infra.Config
	Supervisor *supervisor.Supervisor
	Client     *comfy.Client
	Engine     *workflow.Engine
	Poller     *comfy.Poller
	Store      *storage.FileStore
	// UploadStore is set when uploads go to the local filesystem.
	UploadStore *storage.FileStore
	Uploader    storage.Uploader
	Pipeline    *artifact.Pipeline
	Metrics     *metrics.RenderMetrics
	Service     *render.Service
}

// New wires the render stack. It starts nothing; the backend process is
// launched lazily by the first render.
func New(cfg *infra.Config, logger *infra.Logger) (*Stack, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	logger = infra.LoggerOrDiscard(logger)

	renderMetrics, err := metrics.NewRenderMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: metrics: %w", err)
	}

	client := comfy.NewClient(comfy.Options{
		BaseURL: cfg.ComfyURL(),
		Logger:  logger,
	})

	sup := supervisor.New(supervisor.Options{
		Dir:            cfg.ComfyDir,
		Entry:          cfg.ComfyEntry,
		Python:         cfg.ComfyPython,
		Port:           cfg.ComfyPort,
		Prober:         client,
		Logger:         logger,
		StartupTimeout: cfg.ComfyStartupTimeout,
		MaxRestarts:    cfg.SupervisorMaxRestarts(),
		OnRestart: func() {
			renderMetrics.RecordSupervisorRestart(context.Background())
		},
	})

	engine := workflow.NewEngine(workflow.Options{
		TemplatePath: cfg.TemplatePath(),
		Logger:       logger,
	})

	poller := comfy.NewPoller(client, comfy.PollerOptions{
		Interval: cfg.PollInterval,
		Timeout:  cfg.JobTimeout,
		Logger:   logger,
	})

	store, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: output store: %w", err)
	}

	stack := &Stack{
		Config:     cfg,
		Supervisor: sup,
		Client:     client,
		Engine:     engine,
		Poller:     poller,
		Store:      store,
		Metrics:    renderMetrics,
	}
	if err := stack.configureUploads(logger); err != nil {
		return nil, err
	}

	stack.Pipeline = artifact.NewPipeline(artifact.Options{
		Fetcher:      client,
		Store:        store,
		Uploader:     stack.Uploader,
		UploadFolder: cfg.UploadFolder,
		Recorder:     renderMetrics,
		Logger:       logger,
	})

	svc, err := render.NewService(render.Options{
		Supervisor:      sup,
		Builder:         engine,
		Backend:         client,
		Waiter:          poller,
		Artifacts:       stack.Pipeline,
		Metrics:         renderMetrics,
		Logger:          logger,
		JobTimeout:      cfg.JobTimeout,
		CancelOnTimeout: cfg.CancelOnTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: render service: %w", err)
	}
	stack.Service = svc

	logger.Info().
		Str("backend", cfg.ComfyURL()).
		Str("comfy_dir", cfg.ComfyDir).
		Str("output_dir", cfg.OutputDir).
		Bool("upload", stack.Uploader != nil).
		Msg("bootstrap: render stack ready")
	return stack, nil
}

func (s *Stack) configureUploads(logger *infra.Logger) error {
	cfg := s.Config
	if !cfg.UploadEnabled {
		return nil
	}
	if cfg.SupabaseURL != "" {
		uploader, err := storage.NewHTTPUploader(storage.HTTPOptions{
			BaseURL: cfg.SupabaseURL,
			Bucket:  cfg.SupabaseBucket,
			Key:     cfg.SupabaseKey,
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("bootstrap: uploader: %w", err)
		}
		s.Uploader = uploader
		return nil
	}
	store, err := storage.NewFileStore(filepath.Join(cfg.OutputDir, uploadsDir))
	if err != nil {
		return fmt.Errorf("bootstrap: upload store: %w", err)
	}
	s.UploadStore = store
	s.Uploader = storage.NewFileUploader(store, cfg.StorageBaseURL)
	return nil
}

// Close stops the supervised backend.
func (s *Stack) Close(ctx context.Context) error {
	if s == nil || s.Supervisor == nil {
		return nil
	}
	return s.Supervisor.Stop(ctx)
}
