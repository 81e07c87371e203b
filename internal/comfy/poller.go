package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultPollTimeout  = 300 * time.Second
)

const unknownBackendError = "Unknown error"

// HistorySource is the read side of the backend the poller observes.
type HistorySource interface {
	History(ctx context.Context, handle JobHandle) (HistoryEntry, bool, error)
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *infra.Logger
}

// Poller waits for a submitted graph to reach a terminal state. Polling is a
// pure read: it never cancels or mutates the job.
type Poller struct {
	source   HistorySource
	interval time.Duration
	timeout  time.Duration
	logger   *infra.Logger
	tracer   trace.Tracer
}

// PollResult is the terminal observation of a job.
type PollResult struct {
	Status    domain.JobStatus
	Artifacts []domain.ArtifactDescriptor
	Messages  []string
	Err       error
	Checks    int
	Elapsed   time.Duration
}

func NewPoller(source HistorySource, opts PollerOptions) *Poller {
	return &Poller{
		source:   source,
		interval: orDefault(opts.Interval, DefaultPollInterval),
		timeout:  orDefault(opts.Timeout, DefaultPollTimeout),
		logger:   infra.LoggerOrDiscard(opts.Logger),
		tracer:   otel.Tracer("comfy-poller"),
	}
}

// Poll checks the job history at a fixed interval until it completes, errors
// or timeout elapses. A non-positive timeout uses the poller default.
func (p *Poller) Poll(ctx context.Context, handle JobHandle, timeout time.Duration) PollResult {
	timeout = orDefault(timeout, p.timeout)
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "comfy.poll", trace.WithAttributes(
		attribute.String("prompt_id", handle.PromptID),
		attribute.Float64("timeout_seconds", timeout.Seconds()),
	))
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := p.logger.With().Str("prompt_id", handle.PromptID).Logger()
	status := domain.JobStatusQueued
	checks := 0
	finish := func(res PollResult) PollResult {
		res.Checks = checks
		res.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("status", string(res.Status)), attribute.Int("checks", checks))
		if res.Err != nil {
			span.RecordError(res.Err)
		}
		return res
	}

	for {
		checks++
		entry, found, err := p.source.History(waitCtx, handle)
		switch {
		case err != nil:
			if waitCtx.Err() == nil {
				logger.Warn().Err(err).Int("attempt", checks).Msg("comfy: history check failed")
			}
		case !found:
			logger.Debug().Dur("elapsed", time.Since(start)).Msg("comfy: waiting for prompt to appear in history")
		default:
			next, res := classify(entry)
			advanced := status.Advance(next)
			if advanced != status {
				logger.Info().Str("state", string(advanced)).Dur("elapsed", time.Since(start)).Msg("comfy: job status changed")
				status = advanced
			}
			if status.Terminal() {
				res.Status = status
				if status == domain.JobStatusErrored {
					res.Err = &domain.BackendError{PromptID: handle.PromptID, Messages: res.Messages}
				}
				return finish(res)
			}
		}

		select {
		case <-waitCtx.Done():
			err := fmt.Errorf("%w: prompt %s after %s", domain.ErrPollTimeout, handle.PromptID, timeout)
			if parent := ctx.Err(); parent != nil {
				err = fmt.Errorf("%w: %w", domain.ErrPollTimeout, parent)
			}
			logger.Warn().Str("state", string(status)).Int("checks", checks).Msg("comfy: gave up waiting for completion")
			return finish(PollResult{Status: domain.JobStatusTimedOut, Err: err})
		case <-time.After(p.interval):
		}
	}
}

// classify maps one history entry onto a job status.
func classify(entry HistoryEntry) (domain.JobStatus, PollResult) {
	if len(entry.Outputs) > 0 {
		return domain.JobStatusCompleted, PollResult{Artifacts: collectArtifacts(entry.Outputs)}
	}
	if entry.Status.StatusStr == "error" {
		return domain.JobStatusErrored, PollResult{Messages: backendMessages(entry.Status.Messages)}
	}
	return domain.JobStatusRunning, PollResult{}
}

// collectArtifacts flattens every output node's images, ordered by node id.
func collectArtifacts(outputs map[string]NodeOutput) []domain.ArtifactDescriptor {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil && a != b {
			return a < b
		}
		if (aerr == nil) != (berr == nil) {
			return aerr == nil
		}
		return ids[i] < ids[j]
	})
	var out []domain.ArtifactDescriptor
	for _, id := range ids {
		for _, img := range outputs[id].Images {
			if img.Kind == "" {
				img.Kind = "output"
			}
			out = append(out, img)
		}
	}
	return out
}

// backendMessages renders the backend's message list as strings. Event tuples
// of the form [event, {exception_message: ...}] are summarized.
func backendMessages(raw []json.RawMessage) []string {
	var out []string
	for _, msg := range raw {
		if text := messageText(msg); text != "" {
			out = append(out, text)
		}
	}
	if len(out) == 0 {
		return []string{unknownBackendError}
	}
	return out
}

func messageText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(raw, &tuple); err == nil && len(tuple) == 2 {
		var event string
		var data struct {
			ExceptionMessage string `json:"exception_message"`
			NodeType         string `json:"node_type"`
		}
		if json.Unmarshal(tuple[0], &event) == nil && json.Unmarshal(tuple[1], &data) == nil && data.ExceptionMessage != "" {
			if data.NodeType != "" {
				return fmt.Sprintf("%s: %s: %s", event, data.NodeType, data.ExceptionMessage)
			}
			return fmt.Sprintf("%s: %s", event, data.ExceptionMessage)
		}
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return ""
	}
	return compact.String()
}

// IsTimeout reports whether a poll result ended without a terminal backend state.
func (r PollResult) IsTimeout() bool {
	return r.Status == domain.JobStatusTimedOut || errors.Is(r.Err, domain.ErrPollTimeout)
}
