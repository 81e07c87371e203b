package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/4darsh-Dev/comfyui-serverless/internal/download"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	root := flag.String("root", cfg.ComfyDir, "backend root directory")
	manifestPath := flag.String("manifest", cfg.ModelManifest, "YAML manifest (default: builtin model set)")
	flag.Parse()

	manifest := download.DefaultManifest()
	if *manifestPath != "" {
		manifest, err = download.LoadManifest(*manifestPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", *manifestPath).Msg("fetchmodels: load manifest")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := download.NewFetcher(download.Options{Logger: &logger})
	report := fetcher.FetchAll(ctx, *root, manifest)
	for _, res := range report.Results {
		switch {
		case res.Err != nil:
			logger.Error().Err(res.Err).Str("item", res.Item.Name).Msg("fetchmodels: failed")
		case res.Outcome.Skipped:
			logger.Info().Str("item", res.Item.Name).Str("dest", res.Dest).Msg("fetchmodels: already present")
		default:
			logger.Info().Str("item", res.Item.Name).Int64("bytes", res.Outcome.Bytes).Msg("fetchmodels: downloaded")
		}
	}
	fmt.Printf("downloaded %d/%d files\n", report.Succeeded(), len(report.Results))
	if !report.OK() {
		os.Exit(1)
	}
}
