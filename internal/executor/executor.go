// Package executor accepts execution requests, runs them on a bounded pool
// of sandboxes and tracks each job through its state machine:
//
//	queued -> running -> completed | failed | timedOut | cancelled
//	queued -> cancelled
//
// Terminal states are final.
package executor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/internal/vfs"
	"github.com/opensandbox/runbox/pkg/types"
)

// Config is the execution policy.
type Config struct {
	PoolSize        int
	QueueSize       int
	MaxCodeBytes    int
	MaxTimeout      time.Duration
	MaxMemoryMB     int
	MaxCPUShare     float64
	PidsLimit       int
	CancelGrace     time.Duration
	MaxStartRetries int
	RetryBackoff    time.Duration
	JobRetention    time.Duration
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		PoolSize:        4,
		QueueSize:       256,
		MaxCodeBytes:    100 * 1024,
		MaxTimeout:      30 * time.Second,
		MaxMemoryMB:     512,
		MaxCPUShare:     1,
		PidsLimit:       64,
		CancelGrace:     2 * time.Second,
		MaxStartRetries: 2,
		RetryBackoff:    250 * time.Millisecond,
		JobRetention:    time.Hour,
	}
}

// Projects supplies read-only project snapshots for project runs.
type Projects interface {
	Snapshot(ctx context.Context, ownerID, projectID string) (*vfs.Snapshot, error)
}

// History keeps terminal jobs after they are evicted from memory.
type History interface {
	GetJob(ctx context.Context, id string) (*types.JobSnapshot, error)
}

// Observer is called after every state change with the new snapshot. It
// runs on the goroutine making the change and must not block for long.
// Snapshots of one job arrive in order; a stale one is dropped rather than
// delivered after a newer one. Observers must not call back into the
// Executor.
type Observer func(snap types.JobSnapshot)

// Executor is the execution orchestrator.
type Executor struct {
	cfg      Config
	langs    *language.Registry
	runner   sandbox.Runner
	projects Projects
	history  History
	log      zerolog.Logger
	now      func() time.Time

	observers []Observer

	mu     sync.RWMutex
	jobs   map[string]*job
	queue  chan *job
	closed bool

	running atomic.Int64
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an executor. projects may be nil, in which case project
// runs are rejected.
func New(cfg Config, langs *language.Registry, runner sandbox.Runner, projects Projects, log zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = def.MaxCodeBytes
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = def.MaxMemoryMB
	}
	if cfg.MaxCPUShare <= 0 {
		cfg.MaxCPUShare = def.MaxCPUShare
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = def.JobRetention
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Executor{
		cfg:      cfg,
		langs:    langs,
		runner:   runner,
		projects: projects,
		log:      log.With().Str("component", "executor").Logger(),
		now:      time.Now,
		jobs:     make(map[string]*job),
		queue:    make(chan *job, cfg.QueueSize),
		baseCtx:  baseCtx,
		stop:     stop,
	}
}

// SetHistory installs a fallback for lookups of evicted jobs.
func (e *Executor) SetHistory(h History) { e.history = h }

// Observe registers fn for state changes. Call before Start.
func (e *Executor) Observe(fn Observer) { e.observers = append(e.observers, fn) }

// Start launches the worker pool and the janitor.
func (e *Executor) Start() {
	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.janitor()
	e.log.Info().Int("pool_size", e.cfg.PoolSize).Int("queue_size", e.cfg.QueueSize).
		Str("backend", e.runner.Backend()).Msg("executor started")
}

// Close stops accepting jobs, cancels queued jobs, interrupts running
// ones and waits for the pool to drain or ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	jobs := make([]*job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j)
	}
	e.mu.Unlock()

	for _, j := range jobs {
		e.cancelJob(j, "executor shutting down")
	}
	e.stop()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

// Submit validates req and queues a job. It never waits for a slot.
func (e *Executor) Submit(ctx context.Context, req types.ExecutionRequest) (string, error) {
	j, err := e.prepare(ctx, req)
	if err != nil {
		metrics.JobsRejectedTotal.WithLabelValues(rejectReason(err)).Inc()
		return "", err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", types.ErrShuttingDown
	}
	select {
	case e.queue <- j:
		e.jobs[j.snap.ID] = j
	default:
		e.mu.Unlock()
		metrics.JobsRejectedTotal.WithLabelValues("queue_full").Inc()
		return "", types.ErrQueueFull
	}
	e.mu.Unlock()

	kind := "code"
	if j.snap.ProjectID != "" {
		kind = "project"
	}
	metrics.JobsSubmittedTotal.WithLabelValues(j.desc.ID, kind).Inc()
	metrics.JobsQueued.Inc()
	e.log.Info().Str("job_id", j.snap.ID).Str("language", j.desc.ID).Str("kind", kind).
		Dur("timeout", j.timeout).Msg("job queued")
	// published under j.mu so no transition can overtake the queued state
	snap, seq := j.publishableLocked()
	e.publish(j, snap, seq)
	return j.snap.ID, nil
}

// prepare runs every validation that must happen before a job exists.
func (e *Executor) prepare(ctx context.Context, req types.ExecutionRequest) (*job, error) {
	if len(req.Code) > e.cfg.MaxCodeBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", types.ErrCodeTooLarge, len(req.Code), e.cfg.MaxCodeBytes)
	}
	if len(req.Stdin) > e.cfg.MaxCodeBytes {
		return nil, fmt.Errorf("%w: stdin exceeds the %d byte limit", types.ErrInvalidRequest, e.cfg.MaxCodeBytes)
	}
	hasCode, hasProject := req.Code != "", req.ProjectID != ""
	if hasCode == hasProject {
		return nil, fmt.Errorf("%w: exactly one of code or projectId is required", types.ErrInvalidRequest)
	}

	var desc *language.Descriptor
	if req.Language != "" || hasCode {
		d, err := e.langs.Get(req.Language)
		if err != nil {
			return nil, err
		}
		desc = d
	}

	var (
		files   map[string]string
		command []string
	)
	if hasCode {
		files = map[string]string{desc.SourceFile: req.Code}
		command = desc.Command(path.Join(sandbox.WorkspaceDir, desc.SourceFile))
	} else {
		if e.projects == nil {
			return nil, fmt.Errorf("%w: project runs are not enabled", types.ErrInvalidRequest)
		}
		if req.OwnerID == "" {
			return nil, fmt.Errorf("%w: owner id is required for project runs", types.ErrInvalidRequest)
		}
		snap, err := e.projects.Snapshot(ctx, req.OwnerID, req.ProjectID)
		if err != nil {
			return nil, err
		}
		if desc == nil {
			if desc, err = e.langs.Get(snap.Language); err != nil {
				return nil, err
			}
		} else if desc.ID != snap.Language {
			return nil, fmt.Errorf("%w: project %s is %s, not %s", types.ErrInvalidRequest, snap.ProjectID, snap.Language, desc.ID)
		}
		entry := req.Entrypoint
		if entry == "" {
			entry = desc.SourceFile
		}
		if err := vfs.ValidateFilename(entry); err != nil {
			return nil, err
		}
		if _, ok := snap.Files[entry]; !ok {
			return nil, fmt.Errorf("entrypoint %s in project %s: %w", entry, snap.ProjectID, types.ErrNotFound)
		}
		files = snap.Files
		command = desc.ProjectCommand(sandbox.WorkspaceDir, entry)
	}

	timeout, memoryMB, cpu, err := e.clamp(desc, req.Options)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	j := &job{
		desc:    desc,
		timeout: timeout,
		done:    make(chan struct{}),
		spec: sandbox.Spec{
			JobID:   id,
			Image:   desc.Image,
			Command: command,
			Env:     desc.Env,
			Files:   files,
			Stdin:   req.Stdin,
			Limits: sandbox.Limits{
				MemoryMB:  memoryMB,
				CPUShare:  cpu,
				PidsLimit: e.cfg.PidsLimit,
			},
			GracePeriod: e.cfg.CancelGrace,
		},
		snap: types.JobSnapshot{
			ID:            id,
			Language:      desc.ID,
			ProjectID:     req.ProjectID,
			Status:        types.JobStatusQueued,
			TimeoutMs:     int(timeout / time.Millisecond),
			MemoryLimitMB: memoryMB,
			CPUShare:      cpu,
			CreatedAt:     e.now().UTC(),
		},
	}
	return j, nil
}

// clamp resolves limits: zero means the language default, and nothing may
// exceed the server maximum.
func (e *Executor) clamp(d *language.Descriptor, opts types.ExecutionOptions) (time.Duration, int, float64, error) {
	if opts.TimeoutMs < 0 || opts.MemoryLimitMB < 0 || opts.CPUShare < 0 {
		return 0, 0, 0, fmt.Errorf("%w: limits must not be negative", types.ErrInvalidRequest)
	}

	timeout := d.DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	if timeout > e.cfg.MaxTimeout {
		timeout = e.cfg.MaxTimeout
	}

	memoryMB := d.DefaultMemoryMB
	if opts.MemoryLimitMB > 0 {
		memoryMB = opts.MemoryLimitMB
	}
	if memoryMB > e.cfg.MaxMemoryMB {
		memoryMB = e.cfg.MaxMemoryMB
	}

	cpu := d.DefaultCPUShare
	if opts.CPUShare > 0 {
		cpu = opts.CPUShare
	}
	if cpu > e.cfg.MaxCPUShare {
		cpu = e.cfg.MaxCPUShare
	}
	return timeout, memoryMB, cpu, nil
}

func (e *Executor) lookup(id string) (*job, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Status returns the current snapshot of a job.
func (e *Executor) Status(ctx context.Context, id string) (types.JobSnapshot, error) {
	if j, ok := e.lookup(id); ok {
		return j.snapshot(), nil
	}
	if e.history != nil {
		snap, err := e.history.GetJob(ctx, id)
		if err == nil {
			return *snap, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return types.JobSnapshot{}, err
		}
	}
	return types.JobSnapshot{}, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
}

// Wait blocks until the job is terminal and its output is final, or ctx
// ends.
func (e *Executor) Wait(ctx context.Context, id string) (types.JobSnapshot, error) {
	j, ok := e.lookup(id)
	if !ok {
		return e.Status(ctx, id)
	}
	select {
	case <-j.done:
		return j.snapshot(), nil
	case <-ctx.Done():
		return j.snapshot(), ctx.Err()
	}
}

// Cancel stops a queued or running job. A running job is marked cancelled
// at once; its sandbox gets SIGTERM and is killed after the grace period.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	j, ok := e.lookup(id)
	if !ok {
		if _, err := e.Status(ctx, id); err != nil {
			return err
		}
		// only terminal jobs live in history
		return fmt.Errorf("job %s: %w", id, types.ErrAlreadyTerminal)
	}
	if !e.cancelJob(j, "cancelled") {
		return fmt.Errorf("job %s: %w", id, types.ErrAlreadyTerminal)
	}
	return nil
}

// cancelJob moves j to cancelled if it is not terminal yet. It reports
// whether this call made the transition.
func (e *Executor) cancelJob(j *job, reason string) bool {
	j.mu.Lock()
	if j.snap.Status.Terminal() {
		j.mu.Unlock()
		return false
	}

	prev := j.snap.Status
	j.snap.Status = types.JobStatusCancelled
	j.snap.ErrorText = reason
	switch prev {
	case types.JobStatusQueued:
		fin := e.now().UTC()
		j.finished = fin
		j.snap.FinishedAt = &fin
		close(j.done)
		metrics.JobsQueued.Dec()
		metrics.JobsFinishedTotal.WithLabelValues(j.desc.ID, string(types.JobStatusCancelled), "false").Inc()
	case types.JobStatusRunning:
		// finish back-fills output and closes done once the sandbox exits
		j.cancel(sandbox.ErrInterrupted)
	}
	snap, seq := j.publishableLocked()
	j.mu.Unlock()

	e.log.Info().Str("job_id", snap.ID).Str("from", string(prev)).Msg("job cancelled")
	e.publish(j, snap, seq)
	return true
}

// HealthCheck reports whether jobs can run right now.
func (e *Executor) HealthCheck(ctx context.Context) types.Health {
	h := types.Health{
		SupportedLanguages: e.langs.IDs(),
		ActiveJobs:         int(e.running.Load()),
		QueuedJobs:         len(e.queue),
		PoolSize:           e.cfg.PoolSize,
		Backend:            e.runner.Backend(),
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		h.Detail = "shutting down"
		metrics.RuntimeHealthy.Set(0)
		return h
	}

	images := make([]string, 0, len(h.SupportedLanguages))
	seen := make(map[string]bool)
	for _, d := range e.langs.List() {
		if !seen[d.Image] {
			seen[d.Image] = true
			images = append(images, d.Image)
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.runner.Check(checkCtx, images); err != nil {
		h.Detail = err.Error()
		metrics.RuntimeHealthy.Set(0)
		return h
	}
	h.Healthy = true
	metrics.RuntimeHealthy.Set(1)
	return h
}

// publish hands snap to observers unless a newer snapshot of the same job
// has already gone out. Transitions publish after releasing j.mu, so a
// cancel and the finish that follows it can race to get here.
func (e *Executor) publish(j *job, snap types.JobSnapshot, seq uint64) {
	j.notifyMu.Lock()
	defer j.notifyMu.Unlock()
	if seq <= j.notified {
		return
	}
	j.notified = seq
	e.notify(snap)
}

func (e *Executor) notify(snap types.JobSnapshot) {
	for _, fn := range e.observers {
		fn(snap)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, types.ErrCodeTooLarge):
		return "code_too_large"
	case errors.Is(err, types.ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, types.ErrNotFound):
		return "not_found"
	case errors.Is(err, types.ErrInvalidFilename):
		return "invalid_filename"
	default:
		return "invalid_request"
	}
}
