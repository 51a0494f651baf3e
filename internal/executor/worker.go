package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.queue {
		e.execute(j)
	}
}

// execute runs one job in the calling worker's slot and finalizes it
// exactly once.
func (e *Executor) execute(j *job) {
	j.mu.Lock()
	if j.snap.Status.Terminal() {
		// cancelled while queued
		j.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	defer cancel(nil)
	started := e.now().UTC()
	j.cancel = cancel
	j.snap.Status = types.JobStatusRunning
	j.snap.StartedAt = &started
	snap, seq := j.publishableLocked()
	j.mu.Unlock()

	e.running.Add(1)
	defer e.running.Add(-1)
	metrics.JobsQueued.Dec()
	metrics.JobsRunning.Inc()
	defer metrics.JobsRunning.Dec()
	metrics.JobQueueWait.WithLabelValues(j.desc.ID).Observe(started.Sub(snap.CreatedAt).Seconds())

	log := e.log.With().Str("job_id", snap.ID).Str("language", j.desc.ID).Logger()
	log.Debug().Msg("job running")
	e.publish(j, snap, seq)

	runCtx, stopTimer := context.WithTimeoutCause(ctx, j.timeout, sandbox.ErrTimeout)
	res, attempts, err := e.runWithRetry(runCtx, j, log)
	cause := context.Cause(runCtx)
	stopTimer()

	e.finish(j, res, attempts, err, cause, log)
}

// runWithRetry retries sandbox start failures with linear backoff. Any
// result from a sandbox that actually ran is final.
func (e *Executor) runWithRetry(ctx context.Context, j *job, log zerolog.Logger) (*sandbox.Result, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxStartRetries+1; attempt++ {
		res, err := e.runner.Run(ctx, j.spec)
		if err == nil {
			return res, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, sandbox.ErrStartFailed) || ctx.Err() != nil || attempt > e.cfg.MaxStartRetries {
			return res, attempt, err
		}

		metrics.SandboxStartRetriesTotal.WithLabelValues(e.runner.Backend()).Inc()
		log.Warn().Err(err).Int("attempt", attempt).Msg("sandbox start failed, retrying")
		select {
		case <-time.After(e.cfg.RetryBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return nil, attempt, lastErr
		}
	}
	return nil, e.cfg.MaxStartRetries + 1, lastErr
}

// finish records the outcome. If the job was cancelled while running, the
// status stays cancelled and only output and timing are filled in.
func (e *Executor) finish(j *job, res *sandbox.Result, attempts int, runErr error, cause error, log zerolog.Logger) {
	j.mu.Lock()
	fin := e.now().UTC()
	j.finished = fin
	j.cancel = nil
	s := &j.snap
	s.FinishedAt = &fin
	s.Attempts = attempts
	if res != nil {
		s.Output = res.Stdout
		s.OutputTruncated = res.StdoutTruncated || res.StderrTruncated
		s.DurationMs = res.Duration.Milliseconds()
		if !res.Interrupted {
			code := res.ExitCode
			s.ExitCode = &code
		}
	} else if s.StartedAt != nil {
		s.DurationMs = fin.Sub(*s.StartedAt).Milliseconds()
	}
	stderr := ""
	if res != nil {
		stderr = res.Stderr
	}

	if s.Status == types.JobStatusCancelled {
		s.ErrorText = joinReason(s.ErrorText, stderr)
	} else {
		s.Status, s.ErrorText, s.InfrastructureError = e.classify(j, res, runErr, cause, stderr)
	}

	snap, seq := j.publishableLocked()
	close(j.done)
	j.mu.Unlock()

	metrics.JobsFinishedTotal.WithLabelValues(j.desc.ID, string(snap.Status), strconv.FormatBool(snap.InfrastructureError)).Inc()
	metrics.JobDuration.WithLabelValues(j.desc.ID, string(snap.Status)).Observe(float64(snap.DurationMs) / 1000)

	ev := log.Info()
	if snap.InfrastructureError {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", string(snap.Status)).Int64("duration_ms", snap.DurationMs).Int("attempts", attempts).Msg("job finished")
	e.publish(j, snap, seq)
}

func (e *Executor) classify(j *job, res *sandbox.Result, runErr, cause error, stderr string) (types.JobStatus, string, bool) {
	switch {
	case runErr != nil && errors.Is(runErr, sandbox.ErrStartFailed) && errors.Is(cause, sandbox.ErrTimeout):
		// nothing ran, so this is not the program's timeout
		return types.JobStatusFailed, fmt.Sprintf("execution infrastructure error: sandbox did not start within the %s timeout: %v", j.timeout, runErr), true
	case runErr != nil:
		return types.JobStatusFailed, fmt.Sprintf("execution infrastructure error: %v", runErr), true
	case res.Interrupted && errors.Is(cause, sandbox.ErrTimeout):
		return types.JobStatusTimedOut, joinReason(fmt.Sprintf("timed out after %s", j.timeout), stderr), false
	case res.Interrupted:
		return types.JobStatusCancelled, joinReason("cancelled", stderr), false
	case res.OOMKilled:
		return types.JobStatusFailed, joinReason(fmt.Sprintf("memory limit of %d MB exceeded", j.spec.Limits.MemoryMB), stderr), false
	case res.ExitCode == 0 && !j.desc.MatchesError(stderr):
		return types.JobStatusCompleted, stderr, false
	case res.ExitCode == 0:
		return types.JobStatusFailed, stderr, false
	default:
		if strings.TrimSpace(stderr) == "" {
			return types.JobStatusFailed, fmt.Sprintf("exited with code %d", res.ExitCode), false
		}
		return types.JobStatusFailed, stderr, false
	}
}

func joinReason(reason, stderr string) string {
	if strings.TrimSpace(stderr) == "" {
		return reason
	}
	return reason + "\n" + stderr
}

// janitor evicts terminal jobs from memory once they are older than the
// retention window. Evicted jobs stay visible through History if one is
// configured.
func (e *Executor) janitor() {
	defer e.wg.Done()
	interval := e.cfg.JobRetention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := e.evict(e.now().Add(-e.cfg.JobRetention)); n > 0 {
				e.log.Debug().Int("evicted", n).Msg("evicted finished jobs")
			}
		case <-e.baseCtx.Done():
			return
		}
	}
}

func (e *Executor) evict(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, j := range e.jobs {
		if j.evictable(cutoff) {
			delete(e.jobs, id)
			n++
		}
	}
	return n
}
