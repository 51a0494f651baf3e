package types

import "time"

// JobStatus is the state of an execution job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timedOut"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusCancelled:
		return true
	}
	return false
}

// ExecutionOptions are caller-supplied limits. Zero values mean "use the
// language default"; all values are clamped to the server policy.
type ExecutionOptions struct {
	TimeoutMs     int     `json:"timeoutMs,omitempty"`
	MemoryLimitMB int     `json:"memoryLimitMb,omitempty"`
	CPUShare      float64 `json:"cpuShare,omitempty"`
}

// ExecutionRequest is the body for submitting a job. Exactly one of Code or
// ProjectID must be set.
type ExecutionRequest struct {
	Language   string           `json:"language"`
	Code       string           `json:"code,omitempty"`
	ProjectID  string           `json:"projectId,omitempty"`
	OwnerID    string           `json:"ownerId,omitempty"`
	Entrypoint string           `json:"entrypoint,omitempty"` // project runs only
	Stdin      string           `json:"stdin,omitempty"`
	Options    ExecutionOptions `json:"options,omitempty"`
}

// JobSnapshot is a point-in-time copy of a job.
type JobSnapshot struct {
	ID                  string     `json:"id"`
	Language            string     `json:"language"`
	ProjectID           string     `json:"projectId,omitempty"`
	Status              JobStatus  `json:"status"`
	Output              string     `json:"output"`
	ErrorText           string     `json:"errorText,omitempty"`
	ExitCode            *int       `json:"exitCode,omitempty"`
	OutputTruncated     bool       `json:"outputTruncated,omitempty"`
	InfrastructureError bool       `json:"infrastructureError,omitempty"`
	Attempts            int        `json:"attempts,omitempty"`
	TimeoutMs           int        `json:"timeoutMs"`
	MemoryLimitMB       int        `json:"memoryLimitMb"`
	CPUShare            float64    `json:"cpuShare"`
	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty"`
	DurationMs          int64      `json:"durationMs"`
}

// SubmitResponse is returned from job submission.
type SubmitResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// Health is the result of a health check.
type Health struct {
	Healthy            bool     `json:"healthy"`
	SupportedLanguages []string `json:"supportedLanguages"`
	ActiveJobs         int      `json:"activeJobs"`
	QueuedJobs         int      `json:"queuedJobs"`
	PoolSize           int      `json:"poolSize"`
	Backend            string   `json:"backend"`
	Detail             string   `json:"detail,omitempty"`
}
