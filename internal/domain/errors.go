package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrProcessStart       = errors.New("backend process failed to start")
	ErrHealthCheckTimeout = errors.New("backend health check timed out")
	ErrSupervisorFailed   = errors.New("backend supervisor failed")
	ErrSubmission         = errors.New("graph submission failed")
	ErrPollTimeout        = errors.New("timed out waiting for completion")
	ErrBackendReported    = errors.New("backend reported an error")
	ErrUpload             = errors.New("upload failed")
	ErrNotFound           = errors.New("not found")
)

// ValidationError describes a request field rejected before any backend call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ProcessStartError carries the diagnostics captured from a backend process
// that could not be brought up.
type ProcessStartError struct {
	Reason   string
	ExitCode int
	Output   string
}

func (e *ProcessStartError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.Reason, e.ExitCode)
	}
	return e.Reason
}

func (e *ProcessStartError) Is(target error) bool {
	return target == ErrProcessStart
}

// SubmissionError is returned when the backend rejects a graph.
type SubmissionError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *SubmissionError) Error() string {
	msg := "failed to queue prompt"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

func (e *SubmissionError) Is(target error) bool {
	return target == ErrSubmission
}

// BackendError holds the message list the backend attached to a failed job.
type BackendError struct {
	PromptID string
	Messages []string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("prompt %s failed: %s", e.PromptID, strings.Join(e.Messages, "; "))
}

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendReported
}

// UploadError wraps a failure from the upload collaborator.
type UploadError struct {
	Filename string
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s: %v", e.Filename, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUpload
}

// ErrorKind maps an error onto the short kind string exposed in results.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrHealthCheckTimeout):
		return "health_timeout"
	case errors.Is(err, ErrProcessStart), errors.Is(err, ErrSupervisorFailed):
		return "process_start"
	case errors.Is(err, ErrSubmission):
		return "submission"
	case errors.Is(err, ErrPollTimeout):
		return "timeout"
	case errors.Is(err, ErrBackendReported):
		return "backend"
	case errors.Is(err, ErrUpload):
		return "upload"
	default:
		return "internal"
	}
}
