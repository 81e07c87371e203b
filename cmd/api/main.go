package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/4darsh-Dev/comfyui-serverless/internal/adapter/repo"
	"github.com/4darsh-Dev/comfyui-serverless/internal/bootstrap"
	"github.com/4darsh-Dev/comfyui-serverless/internal/http/handlers"
	httpapi "github.com/4darsh-Dev/comfyui-serverless/internal/http/httpapi"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	shutdownTelemetry, err := infra.InitTelemetry(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init telemetry")
	}

	stack, err := bootstrap.New(cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble render stack")
	}

	app := &handlers.App{
		Renderer:   stack.Service,
		Backend:    stack.Client,
		Supervisor: stack.Supervisor,
		Logger:     &logger,
	}

	// The job queue is optional; without a database only synchronous renders
	// are served.
	ctx := context.Background()
	if cfg.DatabaseURL != "" {
		dbpool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer dbpool.Close()
		app.Jobs = repo.NewRenderJobRepository(infra.NewSQLRunner(dbpool, logger))
	} else {
		logger.Warn().Msg("DATABASE_URL not set, job queue disabled")
	}

	opts := httpapi.RouterOptions{
		Logger:          logger,
		APIKeys:         cfg.APIKeys,
		CORSOrigins:     cfg.CORSOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	}
	if stack.UploadStore != nil {
		opts.StaticDir = stack.UploadStore.BasePath()
	}
	router := httpapi.NewRouter(app, opts)

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := stack.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to stop backend")
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to flush telemetry")
	}
	logger.Info().Msg("server stopped")
}
