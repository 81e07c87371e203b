// Package comfy talks to the rendering backend over its HTTP surface: graph
// submission, history polling, artifact retrieval and queue control.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/workflow"
)

const (
	DefaultSubmitTimeout  = 30 * time.Second
	DefaultHistoryTimeout = 10 * time.Second
	DefaultViewTimeout    = 30 * time.Second
	DefaultHealthTimeout  = 5 * time.Second

	maxErrorBody = 4 << 10
)

// Options controls how the backend client is configured.
type Options struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
	Logger     *infra.Logger

	SubmitTimeout  time.Duration
	HistoryTimeout time.Duration
	ViewTimeout    time.Duration
	HealthTimeout  time.Duration
}

// Client is a thin HTTP facade over the backend API.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *infra.Logger
	tracer     trace.Tracer

	submitTimeout  time.Duration
	historyTimeout time.Duration
	viewTimeout    time.Duration
	healthTimeout  time.Duration
}

// JobHandle identifies a submitted graph.
type JobHandle struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

// ShortID is the first eight characters of the handle's first dash-separated
// segment.
func (h JobHandle) ShortID() string {
	id := h.PromptID
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return id
}

// HistoryEntry is the backend's record of one submitted graph.
type HistoryEntry struct {
	Status  HistoryStatus         `json:"status"`
	Outputs map[string]NodeOutput `json:"outputs"`
}

// HistoryStatus mirrors the status block of a history entry.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// NodeOutput lists the artifacts produced by one output node.
type NodeOutput struct {
	Images []domain.ArtifactDescriptor `json:"images"`
}

func NewClient(opts Options) *Client {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		clientID:       clientID,
		httpClient:     client,
		logger:         infra.LoggerOrDiscard(opts.Logger),
		tracer:         otel.Tracer("comfy-client"),
		submitTimeout:  orDefault(opts.SubmitTimeout, DefaultSubmitTimeout),
		historyTimeout: orDefault(opts.HistoryTimeout, DefaultHistoryTimeout),
		viewTimeout:    orDefault(opts.ViewTimeout, DefaultViewTimeout),
		healthTimeout:  orDefault(opts.HealthTimeout, DefaultHealthTimeout),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// BaseURL returns the backend root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health reports whether the backend answers its stats endpoint. Callers may
// tighten the deadline through ctx.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "comfy.health")
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, "/system_stats", nil, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("comfy: health check returned HTTP %d", resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

type submitRequest struct {
	Prompt   workflow.Graph `json:"prompt"`
	ClientID string         `json:"client_id"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors"`
	Error      json.RawMessage `json:"error"`
}

// Submit queues the graph exactly once.
func (c *Client) Submit(ctx context.Context, g workflow.Graph) (JobHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "comfy.submit")
	defer span.End()
	span.SetAttributes(attribute.Int("graph.nodes", len(g)))

	payload, err := json.Marshal(submitRequest{Prompt: g, ClientID: c.clientID})
	if err != nil {
		return JobHandle{}, &domain.SubmissionError{Message: fmt.Sprintf("encode graph: %v", err)}
	}
	resp, err := c.do(ctx, http.MethodPost, "/prompt", nil, bytes.NewReader(payload))
	if err != nil {
		span.RecordError(err)
		return JobHandle{}, &domain.SubmissionError{Message: err.Error()}
	}
	defer drain(resp.Body)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return JobHandle{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &domain.SubmissionError{StatusCode: resp.StatusCode, Body: truncate(body)}
		span.SetStatus(codes.Error, serr.Error())
		return JobHandle{}, serr
	}
	var decoded submitResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return JobHandle{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Body: truncate(body), Message: "response is not JSON"}
	}
	if strings.TrimSpace(decoded.PromptID) == "" {
		return JobHandle{}, &domain.SubmissionError{StatusCode: resp.StatusCode, Body: truncate(body), Message: "response carries no prompt_id"}
	}
	if hasNodeErrors(decoded.NodeErrors) {
		c.logger.Warn().RawJSON("node_errors", decoded.NodeErrors).Str("prompt_id", decoded.PromptID).Msg("comfy: backend reported node errors on submit")
	}
	handle := JobHandle{PromptID: decoded.PromptID, Number: decoded.Number}
	span.SetAttributes(attribute.String("prompt_id", handle.PromptID))
	c.logger.Info().Str("prompt_id", handle.PromptID).Int("number", handle.Number).Msg("comfy: graph queued")
	return handle, nil
}

func hasNodeErrors(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("{}")) && !bytes.Equal(trimmed, []byte("null"))
}

// History returns the backend's record for the handle. found is false while
// the backend has no entry yet.
func (c *Client) History(ctx context.Context, handle JobHandle) (entry HistoryEntry, found bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "comfy.history", trace.WithAttributes(attribute.String("prompt_id", handle.PromptID)))
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(handle.PromptID), nil, nil)
	if err != nil {
		span.RecordError(err)
		return HistoryEntry{}, false, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return HistoryEntry{}, false, fmt.Errorf("comfy: history returned HTTP %d", resp.StatusCode)
	}
	var history map[string]HistoryEntry
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return HistoryEntry{}, false, fmt.Errorf("comfy: decode history: %w", err)
	}
	entry, found = history[handle.PromptID]
	return entry, found, nil
}

// FetchArtifact downloads the raw bytes of one artifact.
func (c *Client) FetchArtifact(ctx context.Context, desc domain.ArtifactDescriptor) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.viewTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "comfy.view", trace.WithAttributes(attribute.String("filename", desc.Filename)))
	defer span.End()

	kind := desc.Kind
	if kind == "" {
		kind = "output"
	}
	query := url.Values{}
	query.Set("filename", desc.Filename)
	query.Set("subfolder", desc.Subfolder)
	query.Set("type", kind)

	resp, err := c.do(ctx, http.MethodGet, "/view", query, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("comfy: fetch %s returned HTTP %d", desc.Filename, resp.StatusCode)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("comfy: read %s: %w", desc.Filename, err)
	}
	span.SetAttributes(attribute.Int("bytes", len(data)))
	return data, nil
}

// Cancel removes the job from the pending queue and interrupts it if running.
// Both calls are attempted; the first failure is returned.
func (c *Client) Cancel(ctx context.Context, handle JobHandle) error {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "comfy.cancel", trace.WithAttributes(attribute.String("prompt_id", handle.PromptID)))
	defer span.End()

	payload, _ := json.Marshal(map[string][]string{"delete": {handle.PromptID}})
	errQueue := c.post(ctx, "/queue", payload)
	errInterrupt := c.post(ctx, "/interrupt", nil)
	if err := errors.Join(errQueue, errInterrupt); err != nil {
		span.RecordError(err)
		return err
	}
	c.logger.Info().Str("prompt_id", handle.PromptID).Msg("comfy: job cancelled")
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	resp, err := c.do(ctx, http.MethodPost, path, nil, body)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("comfy: %s returned HTTP %d", path, resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("comfy: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfy: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
