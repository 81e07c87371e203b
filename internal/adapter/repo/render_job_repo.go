package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/4darsh-Dev/comfyui-serverless/internal/domain"
	"github.com/4darsh-Dev/comfyui-serverless/internal/infra"
	"github.com/4darsh-Dev/comfyui-serverless/internal/sqlinline"
)

// RenderJobRepositoryPG implements domain.RenderJobRepository on top of the
// marker-checked SQL runner.
type RenderJobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewRenderJobRepository creates a render job repository backed by PostgreSQL.
func NewRenderJobRepository(sql infra.SQLExecutor) *RenderJobRepositoryPG {
	return &RenderJobRepositoryPG{sql: sql}
}

// Enqueue stores req as a new queued job.
func (r *RenderJobRepositoryPG) Enqueue(ctx context.Context, req domain.RenderRequest) (*domain.RenderJob, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}
	row := r.sql.QueryRow(ctx, sqlinline.QEnqueueRenderJob, uuid.NewString(), payload)
	return scanJob(row)
}

// Claim moves the oldest queued job to RUNNING. It returns domain.ErrNotFound
// when the queue is empty.
func (r *RenderJobRepositoryPG) Claim(ctx context.Context) (*domain.RenderJob, error) {
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QClaimRenderJob))
}

// Complete records the terminal outcome of a job.
func (r *RenderJobRepositoryPG) Complete(ctx context.Context, jobID string, result *domain.RenderResult) error {
	if result == nil {
		return fmt.Errorf("complete %s: result is required", jobID)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode render result: %w", err)
	}
	status := domain.QueueStatusSucceeded
	if !result.OK() {
		status = domain.QueueStatusFailed
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QCompleteRenderJob, jobID, string(status), payload, result.Error)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Get fetches a job by id.
func (r *RenderJobRepositoryPG) Get(ctx context.Context, jobID string) (*domain.RenderJob, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	return scanJob(r.sql.QueryRow(ctx, sqlinline.QGetRenderJob, jobID))
}

// RequeueStale returns RUNNING jobs untouched for longer than olderThan to the
// queue. Workers call it on startup to recover from crashes mid-render.
func (r *RenderJobRepositoryPG) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QRequeueStaleRenderJobs, olderThan.Seconds())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.RenderJob, error) {
	var (
		job         domain.RenderJob
		status      string
		requestJSON []byte
		resultJSON  []byte
	)
	if err := row.Scan(&job.ID, &status, &requestJSON, &resultJSON, &job.ErrorMessage, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = domain.QueueStatus(status)
	if err := json.Unmarshal(requestJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("decode render request for job %s: %w", job.ID, err)
	}
	if len(resultJSON) > 0 {
		var result domain.RenderResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode render result for job %s: %w", job.ID, err)
		}
		job.Result = &result
	}
	return &job, nil
}

var _ domain.RenderJobRepository = (*RenderJobRepositoryPG)(nil)
