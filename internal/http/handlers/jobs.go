package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
)

type jobResponse struct {
	ID        string               `json:"id"`
	Status    domain.QueueStatus   `json:"status"`
	Error     string               `json:"error,omitempty"`
	Result    *domain.RenderResult `json:"result,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func newJobResponse(job *domain.RenderJob) jobResponse {
	return jobResponse{
		ID:        job.ID,
		Status:    job.Status,
		Error:     job.ErrorMessage,
		Result:    job.Result,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

// EnqueueRender validates and queues a render for the worker.
func (a *App) EnqueueRender(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "job queue not configured")
		return
	}
	req, err := decodeRequest(w, r)
	if err != nil {
		a.error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := a.Jobs.Enqueue(r.Context(), req)
	if err != nil {
		a.logger().Error().Err(err).Msg("jobs: enqueue failed")
		a.error(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	a.logger().Info().Str("job_id", job.ID).Msg("jobs: enqueued")
	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	a.json(w, http.StatusAccepted, newJobResponse(job))
}

// GetJob returns the queue status and, once finished, the result of a job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	if a.Jobs == nil {
		a.error(w, http.StatusServiceUnavailable, "job queue not configured")
		return
	}
	job, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "job not found")
			return
		}
		a.logger().Error().Err(err).Msg("jobs: lookup failed")
		a.error(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	a.json(w, http.StatusOK, newJobResponse(job))
}
