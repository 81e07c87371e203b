// Package download fetches model weights and workflow templates into the
// backend's directory tree.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

const (
	DefaultAttempts       = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultAttemptTimeout = 60 * time.Minute
)

var ErrEmptyDownload = errors.New("download: empty file")

// Options configures a Fetcher.
type Options struct {
	HTTPClient *http.Client
	Attempts   int
	RetryDelay time.Duration
	// AttemptTimeout bounds a single transfer. Model checkpoints are large.
	AttemptTimeout time.Duration
	Logger         *infra.Logger
}

// Fetcher downloads files with retries, writing each one atomically.
type Fetcher struct {
	client         *http.Client
	attempts       int
	retryDelay     time.Duration
	attemptTimeout time.Duration
	logger         *infra.Logger
	tracer         trace.Tracer
}

// Outcome reports what Fetch did for one destination.
type Outcome struct {
	Skipped  bool
	Bytes    int64
	Attempts int
}

func NewFetcher(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	return &Fetcher{
		client:         client,
		attempts:       attempts,
		retryDelay:     delay,
		attemptTimeout: timeout,
		logger:         infra.LoggerOrDiscard(opts.Logger),
		tracer:         otel.Tracer("model-fetcher"),
	}
}

// Fetch downloads url to dest. A non-empty dest is left untouched.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (Outcome, error) {
	ctx, span := f.tracer.Start(ctx, "download.fetch", trace.WithAttributes(
		attribute.String("download.url", url),
		attribute.String("download.dest", dest),
	))
	defer span.End()

	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		f.logger.Info().Str("dest", dest).Int64("bytes", info.Size()).Msg("download: already present")
		span.SetAttributes(attribute.Bool("download.skipped", true))
		return Outcome{Skipped: true, Bytes: info.Size()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mkdir failed")
		return Outcome{}, fmt.Errorf("download: create directory: %w", err)
	}

	var (
		lastErr error
		tried   int
	)
	for attempt := 1; attempt <= f.attempts; attempt++ {
		tried = attempt
		f.logger.Info().Str("dest", dest).Int("attempt", attempt).Int("max_attempts", f.attempts).Msg("download: fetching")
		n, err := f.fetchOnce(ctx, url, dest)
		if err == nil {
			f.logger.Info().Str("dest", dest).Int64("bytes", n).Msg("download: complete")
			span.SetAttributes(attribute.Int64("download.bytes", n), attribute.Int("download.attempts", attempt))
			return Outcome{Bytes: n, Attempts: attempt}, nil
		}
		lastErr = err
		f.logger.Warn().Err(err).Str("dest", dest).Int("attempt", attempt).Msg("download: attempt failed")
		if ctx.Err() != nil {
			break
		}
		if attempt < f.attempts {
			if err := sleep(ctx, f.retryDelay); err != nil {
				lastErr = err
				break
			}
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "download failed")
	return Outcome{Attempts: tried}, fmt.Errorf("download %s: %w", filepath.Base(dest), lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	n, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		err = copyErr
	case closeErr != nil:
		err = closeErr
	case n == 0:
		err = ErrEmptyDownload
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return 0, err
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
