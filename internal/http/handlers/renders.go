package handlers

import (
	"errors"
	"net/http"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
)

// CreateRender runs a render synchronously and returns the RenderResult.
func (a *App) CreateRender(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(w, r)
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if a.Renderer == nil {
		a.error(w, http.StatusServiceUnavailable, "renderer not configured")
		return
	}
	res := a.Renderer.Render(r.Context(), req)
	if res == nil {
		a.error(w, http.StatusInternalServerError, "render returned no result")
		return
	}
	a.json(w, statusForResult(res), res)
}

func statusForResult(res *domain.RenderResult) int {
	if res.OK() {
		return http.StatusOK
	}
	switch {
	case errors.Is(res.Err, domain.ErrValidation) || res.ErrorKind == "validation":
		return http.StatusBadRequest
	case errors.Is(res.Err, domain.ErrPollTimeout) || res.ErrorKind == "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
