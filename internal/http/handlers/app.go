package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/supervisor"
)

// maxRequestBody bounds decoded request payloads.
const maxRequestBody = 1 << 20

// Renderer runs one render synchronously.
type Renderer interface {
	Render(ctx context.Context, req domain.RenderRequest) *domain.RenderResult
}

// BackendProbe reports whether the supervised backend answers.
type BackendProbe interface {
	Health(ctx context.Context) error
}

// SupervisorState exposes the supervisor lifecycle for health output.
type SupervisorState interface {
	State() supervisor.State
	Restarts() int
}

type App struct {
	Renderer   Renderer
	Jobs       domain.RenderJobRepository
	Backend    BackendProbe
	Supervisor SupervisorState
	Logger     *infra.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, msg string) {
	a.json(w, code, map[string]string{"status": domain.ResultStatusError, "error": msg})
}

func (a *App) logger() *infra.Logger {
	return infra.LoggerOrDiscard(a.Logger)
}

// decodeRequest reads a render request, applying server defaults for omitted
// fields. An empty body yields the defaults.
func decodeRequest(w http.ResponseWriter, r *http.Request) (domain.RenderRequest, error) {
	req := domain.NewRenderRequest()
	if r.Body == nil || r.ContentLength == 0 {
		return req, nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.NewRenderRequest(), nil
		}
		return req, err
	}
	return req, nil
}
