package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/supervisor"
)

type stubRenderer struct {
	got    domain.RenderRequest
	result *domain.RenderResult
}

func (s *stubRenderer) Render(_ context.Context, req domain.RenderRequest) *domain.RenderResult {
	s.got = req
	return s.result
}

type stubJobs struct {
	enqueued []domain.RenderRequest
	jobs     map[string]*domain.RenderJob
	err      error
}

func (s *stubJobs) Enqueue(_ context.Context, req domain.RenderRequest) (*domain.RenderJob, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.enqueued = append(s.enqueued, req)
	return &domain.RenderJob{ID: "job-1", Status: domain.QueueStatusQueued, Request: req}, nil
}

func (s *stubJobs) Claim(context.Context) (*domain.RenderJob, error) {
	return nil, domain.ErrNotFound
}

func (s *stubJobs) Complete(context.Context, string, *domain.RenderResult) error {
	return nil
}

func (s *stubJobs) Get(_ context.Context, id string) (*domain.RenderJob, error) {
	if job, ok := s.jobs[id]; ok {
		return job, nil
	}
	return nil, domain.ErrNotFound
}

type stubProbe struct{ err error }

func (s stubProbe) Health(context.Context) error { return s.err }

type stubSupervisor struct{}

func (stubSupervisor) State() supervisor.State { return supervisor.StateHealthy }
func (stubSupervisor) Restarts() int { return 1 }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&App{}).Health(rec, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rec.Code != http.StatusOK || decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
}

func TestBackendHealth(t *testing.T) {
	app := &App{Backend: stubProbe{}, Supervisor: stubSupervisor{}}
	rec := httptest.NewRecorder()
	app.BackendHealth(rec, httptest.NewRequest(http.MethodGet, "/v1/backend/health", nil))
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["supervisor"] != "healthy" || body["restarts"] != float64(1) {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}

	app.Backend = stubProbe{err: errors.New("connection refused")}
	rec = httptest.NewRecorder()
	app.BackendHealth(rec, httptest.NewRequest(http.MethodGet, "/v1/backend/health", nil))
	body = decodeBody(t, rec)
	if rec.Code != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("unexpected response %d %v", rec.Code, body)
	}
}

func TestCreateRenderAppliesDefaults(t *testing.T) {
	renderer := &stubRenderer{result: &domain.RenderResult{Status: domain.ResultStatusSuccess, PromptID: "p-1"}}
	app := &App{Renderer: renderer}

	req := httptest.NewRequest(http.MethodPost, "/v1/renders", strings.NewReader(`{"positive_prompt":"a fox","steps":12}`))
	rec := httptest.NewRecorder()
	app.CreateRender(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if renderer.got.PositivePrompt != "a fox" || renderer.got.Steps != 12 {
		t.Fatalf("request fields not decoded: %+v", renderer.got)
	}
	if renderer.got.Width != domain.DefaultWidth || renderer.got.OutputFormat != domain.DefaultOutputFormat {
		t.Fatalf("defaults not applied: %+v", renderer.got)
	}
	if decodeBody(t, rec)["prompt_id"] != "p-1" {
		t.Fatalf("result not returned: %s", rec.Body.String())
	}
}

func TestCreateRenderEmptyBodyUsesDefaults(t *testing.T) {
	renderer := &stubRenderer{result: &domain.RenderResult{Status: domain.ResultStatusSuccess}}
	rec := httptest.NewRecorder()
	(&App{Renderer: renderer}).CreateRender(rec, httptest.NewRequest(http.MethodPost, "/v1/renders", nil))
	if rec.Code != http.StatusOK || renderer.got.Steps != domain.DefaultSteps {
		t.Fatalf("status = %d, request %+v", rec.Code, renderer.got)
	}
}

func TestCreateRenderRejectsMalformedBody(t *testing.T) {
	rec := httptest.NewRecorder()
	app := &App{Renderer: &stubRenderer{}}
	app.CreateRender(rec, httptest.NewRequest(http.MethodPost, "/v1/renders", strings.NewReader(`{"steps":`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateRenderStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "validation", err: &domain.ValidationError{Field: "output_format", Message: "bad"}, want: http.StatusBadRequest},
		{name: "timeout", err: domain.ErrPollTimeout, want: http.StatusGatewayTimeout},
		{name: "backend", err: &domain.BackendError{PromptID: "p", Messages: []string{"boom"}}, want: http.StatusBadGateway},
		{name: "submission", err: &domain.SubmissionError{StatusCode: 400}, want: http.StatusBadGateway},
		{name: "process start", err: domain.ErrHealthCheckTimeout, want: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			app := &App{Renderer: &stubRenderer{result: domain.Failed(tc.err)}}
			rec := httptest.NewRecorder()
			app.CreateRender(rec, httptest.NewRequest(http.MethodPost, "/v1/renders", nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			if decodeBody(t, rec)["error_kind"] != domain.ErrorKind(tc.err) {
				t.Fatalf("error_kind missing: %s", rec.Body.String())
			}
		})
	}
}

func TestEnqueueRender(t *testing.T) {
	jobs := &stubJobs{}
	app := &App{Jobs: jobs}

	rec := httptest.NewRecorder()
	app.EnqueueRender(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"output_format":"PNG"}`)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Location") != "/v1/jobs/job-1" {
		t.Fatalf("location header = %q", rec.Header().Get("Location"))
	}
	if len(jobs.enqueued) != 1 || jobs.enqueued[0].OutputFormat != domain.FormatPNG {
		t.Fatalf("request not normalized before enqueue: %+v", jobs.enqueued)
	}

	rec = httptest.NewRecorder()
	app.EnqueueRender(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"output_format":"gif"}`)))
	if rec.Code != http.StatusBadRequest || len(jobs.enqueued) != 1 {
		t.Fatalf("invalid request should be rejected before enqueue: %d", rec.Code)
	}
}

func TestEnqueueWithoutQueue(t *testing.T) {
	rec := httptest.NewRecorder()
	(&App{}).EnqueueRender(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	jobs := &stubJobs{jobs: map[string]*domain.RenderJob{
		"job-9": {
			ID:        "job-9",
			Status:    domain.QueueStatusSucceeded,
			Result:    &domain.RenderResult{Status: domain.ResultStatusSuccess, PromptID: "p-9"},
			CreatedAt: created,
			UpdatedAt: created,
		},
	}}
	r := chi.NewRouter()
	r.Get("/v1/jobs/{id}", (&App{Jobs: jobs}).GetJob)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/job-9", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	result, _ := body["result"].(map[string]any)
	if body["status"] != "SUCCEEDED" || result["prompt_id"] != "p-9" {
		t.Fatalf("unexpected body %v", body)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
