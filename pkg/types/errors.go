package types

import "errors"

// Validation errors. These are returned synchronously and never enter the
// job state machine.
var (
	ErrNotFound            = errors.New("not found")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrCodeTooLarge        = errors.New("code too large")
	ErrInvalidFilename     = errors.New("invalid filename")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrQuotaExceeded       = errors.New("quota exceeded")
)

// Orchestrator errors.
var (
	ErrQueueFull       = errors.New("job queue is full")
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	ErrShuttingDown    = errors.New("executor is shutting down")
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
