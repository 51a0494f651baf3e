// Package sandbox runs one job in an isolated, resource-limited container
// and reports what it printed and how it exited.
package sandbox

import (
	"context"
	"errors"
	"time"
)

const (
	// WorkspaceDir is where job files are mounted inside the container.
	WorkspaceDir = "/workspace"

	// LabelJob tags every container with the owning job id.
	LabelJob = "runbox.job"

	containerPrefix = "runbox-"
)

var (
	// ErrStartFailed means the container runtime could not start the
	// sandbox at all. It is an infrastructure error and may be retried.
	ErrStartFailed = errors.New("sandbox failed to start")

	// ErrInterrupted is the cancellation cause for an explicit cancel.
	// Runners stop the sandbox gracefully for this cause and kill it
	// immediately for any other.
	ErrInterrupted = errors.New("sandbox interrupted")

	// ErrTimeout is the cancellation cause for an exceeded wall clock.
	ErrTimeout = errors.New("sandbox wall-clock timeout")
)

// Limits are the cgroup ceilings applied to the container.
type Limits struct {
	MemoryMB  int
	CPUShare  float64
	PidsLimit int
}

// Spec describes one sandboxed run.
type Spec struct {
	JobID   string
	Image   string
	Command []string
	Env     map[string]string
	Files   map[string]string // relative path -> content
	Stdin   string
	Limits  Limits

	// GracePeriod is how long a cancelled run may take to exit after
	// SIGTERM before it is killed.
	GracePeriod time.Duration
}

// Result is what came out of a run. Stdout and Stderr hold at most the
// runner's output limit; the truncation flags record whether more was
// produced.
type Result struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	OOMKilled       bool
	Interrupted     bool // stopped because the context ended
}

// Runner executes specs against a container substrate.
type Runner interface {
	// Run blocks until the sandbox exits or ctx ends. When ctx ends, the
	// sandbox is stopped and Run returns the partial result with
	// Interrupted set. The error is non-nil only for infrastructure
	// failures, wrapping ErrStartFailed when the sandbox never started.
	Run(ctx context.Context, spec Spec) (*Result, error)

	// Check verifies the runtime answers and the images are present.
	Check(ctx context.Context, images []string) error

	// EnsureImage pulls image if it is not present locally.
	EnsureImage(ctx context.Context, image string) error

	// Backend names the substrate, e.g. "podman".
	Backend() string

	Close() error
}

// ContainerName returns the container name for a job.
func ContainerName(jobID string) string {
	return containerPrefix + jobID
}

// gracefulStop reports whether ctx ended because of an explicit cancel.
func gracefulStop(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrInterrupted)
}

// graceSeconds rounds d up to whole seconds, the unit container runtimes
// accept for stop timeouts.
func graceSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// stopBudget bounds how long a runner waits for the substrate to confirm
// the container is gone after a stop or kill.
func stopBudget(grace time.Duration) time.Duration {
	return grace + 10*time.Second
}
