package domain

import (
	"context"
	"time"
)

// QueueStatus enumerates the lifecycle of a queued render job.
type QueueStatus string

const (
	QueueStatusQueued    QueueStatus = "QUEUED"
	QueueStatusRunning   QueueStatus = "RUNNING"
	QueueStatusSucceeded QueueStatus = "SUCCEEDED"
	QueueStatusFailed    QueueStatus = "FAILED"
)

// RenderJob is a render request persisted for asynchronous processing.
type RenderJob struct {
	ID           string
	Status       QueueStatus
	Request      RenderRequest
	Result       *RenderResult
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RenderJobRepository persists queued render jobs.
type RenderJobRepository interface {
	Enqueue(ctx context.Context, req RenderRequest) (*RenderJob, error)
	Claim(ctx context.Context) (*RenderJob, error)
	Complete(ctx context.Context, jobID string, result *RenderResult) error
	Get(ctx context.Context, jobID string) (*RenderJob, error)
}
