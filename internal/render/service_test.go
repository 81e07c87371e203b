package render

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"golang.org/x/image/webp"

	"github.com/4darsh-Dev/comfyui-serverless/internal/artifact"
	"github.com/4darsh-Dev/comfyui-serverless/internal/comfy"
	"github.com/4darsh-Dev/comfyui-serverless/internal/comfy/comfytest"
	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/storage"
	"github.com/4darsh-Dev/comfyui-serverless/internal/supervisor"
	"github.com/4darsh-Dev/comfyui-serverless/internal/workflow"
)

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	succeeded int
	failed    []string
}

func (m *recordingMetrics) RecordRenderStarted(ctx context.Context, format string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordRenderSucceeded(ctx context.Context, format string, images int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.succeeded++
}

func (m *recordingMetrics) RecordRenderFailed(ctx context.Context, format, kind string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, kind)
}

type harness struct {
	backend *comfytest.Backend
	service *Service
	metrics *recordingMetrics
	store   *storage.FileStore
}

func newHarness(t *testing.T, backend *comfytest.Backend, timeout time.Duration) *harness {
	t.Helper()
	backend.Start(t)
	client := comfy.NewClient(comfy.Options{BaseURL: backend.URL()})
	store, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	metrics := &recordingMetrics{}
	svc, err := NewService(Options{
		Supervisor:      supervisor.New(supervisor.Options{Dir: t.TempDir(), Prober: client}),
		Builder:         workflow.NewEngine(workflow.Options{}),
		Backend:         client,
		Waiter:          comfy.NewPoller(client, comfy.PollerOptions{Interval: 10 * time.Millisecond}),
		Artifacts:       artifact.NewPipeline(artifact.Options{Fetcher: client, Store: store}),
		Metrics:         metrics,
		JobTimeout:      timeout,
		CancelOnTimeout: true,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &harness{backend: backend, service: svc, metrics: metrics, store: store}
}

func nodeInputs(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var node struct {
		Inputs map[string]any `json:"inputs"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		t.Fatalf("decode node: %v", err)
	}
	return node.Inputs
}

func TestRenderEndToEndWebP(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{Image: pngFixture(t, 512, 512), RunningChecks: 1}, 5*time.Second)

	req := domain.NewRenderRequest()
	req.Width, req.Height = 512, 512
	req.Steps = 10
	req.Seed = 1234
	req.OutputFormat = "WEBP"
	req.OutputQuality = 80

	res := h.service.Render(context.Background(), req)
	if !res.OK() {
		t.Fatalf("render failed: %s (%s)", res.Error, res.ErrorKind)
	}

	graphs := h.backend.Graphs()
	if len(graphs) != 1 {
		t.Fatalf("submitted %d graphs", len(graphs))
	}
	latent := nodeInputs(t, graphs[0]["5"])
	if latent["width"] != float64(512) || latent["height"] != float64(512) {
		t.Fatalf("latent inputs = %v", latent)
	}
	sampler := nodeInputs(t, graphs[0]["3"])
	if sampler["steps"] != float64(10) || sampler["seed"] != float64(1234) {
		t.Fatalf("sampler inputs = %v", sampler)
	}

	if len(res.Images) != 1 || res.Settings == nil || res.Settings.TotalImages != 1 || res.Settings.Format != "webp" {
		t.Fatalf("result = %+v", res)
	}
	img := res.Images[0]
	wantName := "avatar_00001__" + comfy.JobHandle{PromptID: res.PromptID}.ShortID() + ".webp"
	if img.Filename != wantName {
		t.Fatalf("filename = %s, want %s", img.Filename, wantName)
	}
	data, err := base64.StdEncoding.DecodeString(img.Image)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("artifact is not webp: %v", err)
	}
	if cfg.Width != 512 || cfg.Height != 512 {
		t.Fatalf("artifact size = %dx%d", cfg.Width, cfg.Height)
	}
	if img.Metadata == nil || img.Metadata.Format != "WEBP" || !img.Metadata.Converted {
		t.Fatalf("metadata = %+v", img.Metadata)
	}
	if len(res.SavedPaths) != 1 || res.SavedPaths[0] != img.SavedPath {
		t.Fatalf("saved paths = %v", res.SavedPaths)
	}
	if h.metrics.started != 1 || h.metrics.succeeded != 1 {
		t.Fatalf("metrics = %+v", h.metrics)
	}
}

func TestRenderRejectsInvalidRequestBeforeBackend(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{}, time.Second)
	req := domain.NewRenderRequest()
	req.OutputFormat = "gif"

	res := h.service.Render(context.Background(), req)
	if res.OK() || res.ErrorKind != "validation" {
		t.Fatalf("result = %+v", res)
	}
	if len(h.backend.Graphs()) != 0 {
		t.Fatalf("invalid request reached the backend")
	}
	var verr *domain.ValidationError
	if !errors.As(res.Err, &verr) || verr.Field != "output_format" {
		t.Fatalf("err = %v", res.Err)
	}

	req = domain.NewRenderRequest()
	req.OutputQuality = 101
	if res := h.service.Render(context.Background(), req); res.ErrorKind != "validation" {
		t.Fatalf("quality 101 accepted: %+v", res)
	}
}

func TestRenderTimesOutAndCancels(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{NeverFinish: true}, 100*time.Millisecond)
	res := h.service.Render(context.Background(), domain.NewRenderRequest())
	if res.OK() || res.ErrorKind != "timeout" {
		t.Fatalf("result = %+v", res)
	}
	if res.PromptID == "" {
		t.Fatalf("timed out result must carry the prompt id")
	}
	ids, interrupts := h.backend.Cancelled()
	if len(ids) != 1 || ids[0] != res.PromptID || interrupts != 1 {
		t.Fatalf("cancel = %v / %d", ids, interrupts)
	}
	if len(h.metrics.failed) != 1 || h.metrics.failed[0] != "timeout" {
		t.Fatalf("metrics = %+v", h.metrics)
	}
}

func TestRenderReportsBackendMessages(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{ErrorMessages: []any{"model not found"}}, time.Second)
	res := h.service.Render(context.Background(), domain.NewRenderRequest())
	if res.ErrorKind != "backend" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Messages) != 1 || res.Messages[0] != "model not found" {
		t.Fatalf("messages = %v", res.Messages)
	}
}

func TestRenderSubmissionFailure(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{SubmitStatus: 500, SubmitBody: "boom"}, time.Second)
	res := h.service.Render(context.Background(), domain.NewRenderRequest())
	if res.ErrorKind != "submission" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRenderSkipsUnfetchableArtifacts(t *testing.T) {
	h := newHarness(t, &comfytest.Backend{}, time.Second)
	res := h.service.Render(context.Background(), domain.NewRenderRequest())
	if !res.OK() {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Images) != 0 || res.Settings.TotalImages != 0 || len(res.Warnings) == 0 {
		t.Fatalf("result = %+v", res)
	}
}

type failingSupervisor struct{}

func (failingSupervisor) EnsureRunning(ctx context.Context) error {
	return &domain.ProcessStartError{Reason: "backend exited during startup", ExitCode: 1}
}

func TestRenderSupervisorFailure(t *testing.T) {
	backend := (&comfytest.Backend{}).Start(t)
	client := comfy.NewClient(comfy.Options{BaseURL: backend.URL()})
	svc, err := NewService(Options{
		Supervisor: failingSupervisor{},
		Builder:    workflow.NewEngine(workflow.Options{}),
		Backend:    client,
		Waiter:     comfy.NewPoller(client, comfy.PollerOptions{}),
		Artifacts:  artifact.NewPipeline(artifact.Options{Fetcher: client}),
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	res := svc.Render(context.Background(), domain.NewRenderRequest())
	if res.ErrorKind != "process_start" || len(backend.Graphs()) != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestNewServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewService(Options{}); err == nil {
		t.Fatalf("expected error")
	}
}
