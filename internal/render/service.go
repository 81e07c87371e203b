// Package render runs one request end to end against the supervised backend:
// ensure the process is up, build and submit the graph, wait for completion
// and deliver the artifacts.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/4darsh-Dev/comfyui-serverless/internal/artifact"
	"github.com/4darsh-Dev/comfyui-serverless/internal/comfy"
	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/workflow"
)

// Supervisor keeps the backend process healthy.
type Supervisor interface {
	EnsureRunning(ctx context.Context) error
}

// GraphBuilder produces the graph to submit.
type GraphBuilder interface {
	BuildWithInfo(req domain.RenderRequest) workflow.BuildInfo
}

// Backend accepts graphs and cancels them.
type Backend interface {
	Submit(ctx context.Context, g workflow.Graph) (comfy.JobHandle, error)
	Cancel(ctx context.Context, handle comfy.JobHandle) error
}

// CompletionWaiter blocks until a job reaches a terminal state.
type CompletionWaiter interface {
	Poll(ctx context.Context, handle comfy.JobHandle, timeout time.Duration) comfy.PollResult
}

// ArtifactProcessor delivers one artifact.
type ArtifactProcessor interface {
	Process(ctx context.Context, desc domain.ArtifactDescriptor, req artifact.Request) (*domain.ImageResult, []string, error)
}

// Metrics observes render outcomes.
type Metrics interface {
	RecordRenderStarted(ctx context.Context, format string)
	RecordRenderSucceeded(ctx context.Context, format string, images int, duration time.Duration)
	RecordRenderFailed(ctx context.Context, format, errorKind string, duration time.Duration)
}

// Options wires a Service.
type Options struct {
	Supervisor Supervisor
	Builder    GraphBuilder
	Backend    Backend
	Waiter     CompletionWaiter
	Artifacts  ArtifactProcessor
	Metrics    Metrics
	Logger     *infra.Logger

	JobTimeout      time.Duration
	CancelOnTimeout bool
}

// Service orchestrates renders. One submission is active at a time.
type Service struct {
	opts   Options
	logger *infra.Logger
	tracer trace.Tracer

	mu sync.Mutex
}

func NewService(opts Options) (*Service, error) {
	switch {
	case opts.Supervisor == nil:
		return nil, errors.New("render: supervisor is required")
	case opts.Builder == nil:
		return nil, errors.New("render: graph builder is required")
	case opts.Backend == nil:
		return nil, errors.New("render: backend is required")
	case opts.Waiter == nil:
		return nil, errors.New("render: completion waiter is required")
	case opts.Artifacts == nil:
		return nil, errors.New("render: artifact processor is required")
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = comfy.DefaultPollTimeout
	}
	return &Service{
		opts:   opts,
		logger: infra.LoggerOrDiscard(opts.Logger),
		tracer: otel.Tracer("render-service"),
	}, nil
}

// Render executes req and always returns a structured result.
func (s *Service) Render(ctx context.Context, req domain.RenderRequest) *domain.RenderResult {
	start := time.Now()
	req.Normalize()

	ctx, span := s.tracer.Start(ctx, "render", trace.WithAttributes(
		attribute.String("output.format", req.OutputFormat),
		attribute.Int("steps", req.Steps),
		attribute.Int("width", req.Width),
		attribute.Int("height", req.Height),
	))
	defer span.End()

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRenderStarted(ctx, req.OutputFormat)
	}

	res := s.render(ctx, req)

	elapsed := time.Since(start)
	logger := s.logger.With().Str("prompt_id", res.PromptID).Dur("elapsed", elapsed).Logger()
	if res.OK() {
		span.SetAttributes(attribute.Int("images", len(res.Images)))
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordRenderSucceeded(ctx, req.OutputFormat, len(res.Images), elapsed)
		}
		logger.Info().Int("images", len(res.Images)).Msg("render: completed")
	} else {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Error)
		if s.opts.Metrics != nil {
			s.opts.Metrics.RecordRenderFailed(ctx, req.OutputFormat, res.ErrorKind, elapsed)
		}
		logger.Error().Err(res.Err).Str("error_kind", res.ErrorKind).Strs("messages", res.Messages).Msg("render: failed")
	}
	return res
}

func (s *Service) render(ctx context.Context, req domain.RenderRequest) *domain.RenderResult {
	if err := req.Validate(); err != nil {
		return domain.Failed(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.opts.Supervisor.EnsureRunning(ctx); err != nil {
		return domain.Failed(fmt.Errorf("start backend: %w", err))
	}

	info := s.opts.Builder.BuildWithInfo(req)
	handle, err := s.opts.Backend.Submit(ctx, info.Graph)
	if err != nil {
		res := domain.Failed(err)
		res.Seed = info.Seed
		return res
	}
	logger := s.logger.With().Str("prompt_id", handle.PromptID).Logger()
	logger.Info().Int64("seed", info.Seed).Str("template", info.Source).Int("patched", info.Patched).Msg("render: graph submitted")

	poll := s.opts.Waiter.Poll(ctx, handle, s.opts.JobTimeout)
	switch poll.Status {
	case domain.JobStatusCompleted:
	case domain.JobStatusErrored:
		res := domain.Failed(poll.Err)
		res.PromptID, res.Seed, res.Messages = handle.PromptID, info.Seed, poll.Messages
		return res
	default:
		if s.opts.CancelOnTimeout {
			// The caller's context may already be done; cancellation gets its own.
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := s.opts.Backend.Cancel(cancelCtx, handle); err != nil {
				logger.Warn().Err(err).Msg("render: cancelling timed out job failed")
			}
			cancel()
		}
		err := poll.Err
		if err == nil {
			err = fmt.Errorf("%w: prompt %s", domain.ErrPollTimeout, handle.PromptID)
		}
		res := domain.Failed(err)
		res.PromptID, res.Seed = handle.PromptID, info.Seed
		return res
	}

	res := &domain.RenderResult{
		Status:   domain.ResultStatusSuccess,
		PromptID: handle.PromptID,
		Seed:     info.Seed,
		Images:   []domain.ImageResult{},
	}
	delivery := artifact.RequestFor(req, handle.ShortID())
	for _, desc := range poll.Artifacts {
		img, warnings, err := s.opts.Artifacts.Process(ctx, desc, delivery)
		res.Warnings = append(res.Warnings, warnings...)
		if err != nil {
			logger.Warn().Err(err).Str("artifact", desc.Filename).Msg("render: skipping artifact")
			res.Warnings = append(res.Warnings, err.Error())
			continue
		}
		res.Images = append(res.Images, *img)
		if img.SavedPath != "" {
			res.SavedPaths = append(res.SavedPaths, img.SavedPath)
		}
	}
	if len(poll.Artifacts) == 0 {
		res.Warnings = append(res.Warnings, "backend completed without image outputs")
	}
	res.Settings = &domain.RenderSettings{
		Format:      req.OutputFormat,
		Quality:     req.OutputQuality,
		TotalImages: len(res.Images),
	}
	return res
}
