package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/4darsh-Dev/comfyui-serverless/internal/adapter/repo"
	"github.com/4darsh-Dev/comfyui-serverless/internal/bootstrap"
	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

// staleAfterPadding pads the window after which RUNNING jobs left by a dead
// worker go back to the queue.
const staleAfterPadding = 5 * time.Minute

type renderer interface {
	Render(ctx context.Context, req domain.RenderRequest) *domain.RenderResult
}

type jobWorker struct {
	jobs     domain.RenderJobRepository
	renderer renderer
	logger   infra.Logger
	idle     time.Duration
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := infra.InitTelemetry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to init telemetry")
	}

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	jobs := repo.NewRenderJobRepository(infra.NewSQLRunner(pool, logger))
	staleAfter := cfg.JobTimeout + cfg.ComfyStartupTimeout + staleAfterPadding
	if n, err := jobs.RequeueStale(ctx, staleAfter); err != nil {
		logger.Warn().Err(err).Msg("worker: requeue stale jobs failed")
	} else if n > 0 {
		logger.Info().Int64("jobs", n).Msg("worker: requeued stale jobs")
	}

	stack, err := bootstrap.New(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to assemble render stack")
	}

	worker := &jobWorker{
		jobs:     jobs,
		renderer: stack.Service,
		logger:   logger,
		idle:     cfg.WorkerIdleBackoff,
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: failed to stop backend")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("worker: failed to flush telemetry")
	}
	logger.Info().Msg("worker: stopped")
}

// Run claims and renders jobs until ctx is done, pausing while the queue is
// empty.
func (w *jobWorker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker: started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		handled, err := w.runOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.idle):
		}
	}
}

// runOnce handles at most one job and reports whether it found one.
func (w *jobWorker) runOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.Claim(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	w.logger.Info().Str("job_id", job.ID).Msg("worker: picked job")
	res := w.renderer.Render(ctx, job.Request)
	if res == nil {
		res = domain.Failed(errors.New("render returned no result"))
	}
	if !res.OK() {
		w.logger.Error().Str("job_id", job.ID).Str("error_kind", res.ErrorKind).Str("error", res.Error).Msg("worker: job failed")
	}

	// The result is stored even when ctx was cancelled mid-render.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.jobs.Complete(storeCtx, job.ID, res); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: update status failed")
	}
	return true, nil
}
