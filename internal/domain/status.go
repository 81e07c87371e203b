package domain

// JobStatus enumerates the lifecycle of one submitted graph.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusErrored   JobStatus = "errored"
	JobStatusTimedOut  JobStatus = "timed_out"
)

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 1
	case JobStatusRunning:
		return 2
	case JobStatusCompleted, JobStatusErrored, JobStatusTimedOut:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s.rank() == 3
}

// Advance returns next when it moves the status forward, otherwise s.
// Terminal statuses never change.
func (s JobStatus) Advance(next JobStatus) JobStatus {
	if s.Terminal() {
		return s
	}
	if next.rank() > s.rank() {
		return next
	}
	return s
}
