package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/internal/vfs"
	"github.com/opensandbox/runbox/pkg/types"
)

// fakeRunner interprets the entry file as a tiny script:
//
//	print(2+2)     -> "4"
//	undefined_name -> NameError traceback, exit 1
//	block          -> runs until released or interrupted
//	oom            -> exit 137 with OOMKilled
//	flaky          -> start failure for the first failStarts attempts
type fakeRunner struct {
	release    chan struct{}
	failStarts int32
	checkErr   error

	mu       sync.Mutex
	specs    []sandbox.Spec
	graceful []bool

	current atomic.Int32
	peak    atomic.Int32
	starts  atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) entry(spec sandbox.Spec) string {
	last := spec.Command[len(spec.Command)-1]
	return spec.Files[strings.TrimPrefix(last, sandbox.WorkspaceDir+"/")]
}

func (f *fakeRunner) Run(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()

	code := f.entry(spec)
	if code == "flaky" && f.starts.Add(1) <= atomic.LoadInt32(&f.failStarts) {
		return nil, fmt.Errorf("%w: resource temporarily unavailable", sandbox.ErrStartFailed)
	}

	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	start := time.Now()
	switch code {
	case "print(2+2)":
		return &sandbox.Result{ExitCode: 0, Stdout: "4\n", Duration: time.Since(start)}, nil
	case "undefined_name":
		return &sandbox.Result{
			ExitCode: 1,
			Stderr:   "Traceback (most recent call last):\n  File \"/workspace/main.py\", line 1, in <module>\nNameError: name 'undefined_name' is not defined\n",
			Duration: time.Since(start),
		}, nil
	case "traceback-exit-0":
		return &sandbox.Result{ExitCode: 0, Stderr: "Traceback (most recent call last):\nValueError: bad\n"}, nil
	case "oom":
		return &sandbox.Result{ExitCode: 137, OOMKilled: true}, nil
	case "block":
		select {
		case <-f.release:
			return &sandbox.Result{ExitCode: 0, Stdout: "released\n", Duration: time.Since(start)}, nil
		case <-ctx.Done():
			f.mu.Lock()
			f.graceful = append(f.graceful, errors.Is(context.Cause(ctx), sandbox.ErrInterrupted))
			f.mu.Unlock()
			return &sandbox.Result{ExitCode: -1, Stdout: "partial\n", Interrupted: true, Duration: time.Since(start)}, nil
		}
	default:
		return &sandbox.Result{ExitCode: 0, Stdout: code, Duration: time.Since(start)}, nil
	}
}

func (f *fakeRunner) Check(ctx context.Context, images []string) error    { return f.checkErr }
func (f *fakeRunner) EnsureImage(ctx context.Context, image string) error { return nil }
func (f *fakeRunner) Backend() string                                     { return "fake" }
func (f *fakeRunner) Close() error                                        { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PoolSize = 2
	cfg.QueueSize = 16
	cfg.MaxTimeout = 5 * time.Second
	cfg.RetryBackoff = time.Millisecond
	cfg.CancelGrace = 10 * time.Millisecond
	return cfg
}

func newTestExecutor(t *testing.T, cfg Config, runner sandbox.Runner, projects Projects) *Executor {
	t.Helper()
	e := New(cfg, language.NewRegistry(nil), runner, projects, zerolog.Nop())
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Close(ctx)
	})
	return e
}

func submit(t *testing.T, e *Executor, req types.ExecutionRequest) string {
	t.Helper()
	id, err := e.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	return id
}

func wait(t *testing.T, e *Executor, id string) types.JobSnapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) error: %v", id, err)
	}
	return snap
}

func waitForStatus(t *testing.T, e *Executor, id string, want types.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := e.Status(context.Background(), id)
		if err == nil && snap.Status == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	snap, _ := e.Status(context.Background(), id)
	t.Fatalf("job %s never reached %s, last status %s", id, want, snap.Status)
}

func TestSubmit_Completes(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"})

	snap := wait(t, e, id)
	if snap.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", snap.Status, snap.ErrorText)
	}
	if !strings.Contains(snap.Output, "4") {
		t.Errorf("expected output to contain 4, got %q", snap.Output)
	}
	if snap.ExitCode == nil || *snap.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", snap.ExitCode)
	}
	if snap.StartedAt == nil || snap.FinishedAt == nil {
		t.Error("expected start and finish timestamps")
	}
}

func TestSubmit_RuntimeErrorFails(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "undefined_name"})

	snap := wait(t, e, id)
	if snap.Status != types.JobStatusFailed {
		t.Fatalf("expected failed, got %s", snap.Status)
	}
	if !strings.Contains(snap.ErrorText, "NameError") {
		t.Errorf("expected NameError in errorText, got %q", snap.ErrorText)
	}
	if snap.InfrastructureError {
		t.Error("a code error must not be flagged as infrastructure")
	}
}

func TestSubmit_ErrorPatternWithZeroExitFails(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "traceback-exit-0"})
	if snap := wait(t, e, id); snap.Status != types.JobStatusFailed {
		t.Errorf("expected failed, got %s", snap.Status)
	}
}

func TestSubmit_OOMFails(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "oom"})
	snap := wait(t, e, id)
	if snap.Status != types.JobStatusFailed || !strings.Contains(snap.ErrorText, "memory limit") {
		t.Errorf("expected memory-limit failure, got %s %q", snap.Status, snap.ErrorText)
	}
}

func TestSubmit_TimesOut(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{
		Language: "python",
		Code:     "block",
		Options:  types.ExecutionOptions{TimeoutMs: 200},
	})

	snap := wait(t, e, id)
	if snap.Status != types.JobStatusTimedOut {
		t.Fatalf("expected timedOut, got %s", snap.Status)
	}
	if snap.DurationMs < 150 || snap.DurationMs > 1000 {
		t.Errorf("expected duration near 200ms, got %dms", snap.DurationMs)
	}
	if snap.Output != "partial\n" {
		t.Errorf("expected partial output kept, got %q", snap.Output)
	}
	if snap.ExitCode != nil {
		t.Errorf("expected no exit code for a killed sandbox, got %d", *snap.ExitCode)
	}
}

func TestSubmit_CodeTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCodeBytes = 16
	e := newTestExecutor(t, cfg, newFakeRunner(), nil)

	id, err := e.Submit(context.Background(), types.ExecutionRequest{Language: "python", Code: strings.Repeat("x", 17)})
	if !errors.Is(err, types.ErrCodeTooLarge) {
		t.Fatalf("expected ErrCodeTooLarge, got %v", err)
	}
	if id != "" {
		t.Errorf("expected no job id, got %q", id)
	}
	e.mu.RLock()
	n := len(e.jobs)
	e.mu.RUnlock()
	if n != 0 {
		t.Errorf("expected no job registered, got %d", n)
	}
}

func TestSubmit_Validation(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.ExecutionRequest
		want error
	}{
		{"unsupported language", types.ExecutionRequest{Language: "cobol", Code: "x"}, types.ErrUnsupportedLanguage},
		{"neither code nor project", types.ExecutionRequest{Language: "python"}, types.ErrInvalidRequest},
		{"both code and project", types.ExecutionRequest{Language: "python", Code: "x", ProjectID: "p"}, types.ErrInvalidRequest},
		{"project runs disabled", types.ExecutionRequest{Language: "python", ProjectID: "p", OwnerID: "o"}, types.ErrInvalidRequest},
		{"negative timeout", types.ExecutionRequest{Language: "python", Code: "x", Options: types.ExecutionOptions{TimeoutMs: -1}}, types.ErrInvalidRequest},
	}
	for _, tt := range tests {
		if _, err := e.Submit(ctx, tt.req); !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, err)
		}
	}
}

func TestSubmit_ClampsLimits(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTimeout = 3 * time.Second
	cfg.MaxMemoryMB = 128
	cfg.MaxCPUShare = 0.5
	runner := newFakeRunner()
	e := newTestExecutor(t, cfg, runner, nil)

	id := submit(t, e, types.ExecutionRequest{
		Language: "python",
		Code:     "print(2+2)",
		Options:  types.ExecutionOptions{TimeoutMs: 600000, MemoryLimitMB: 4096, CPUShare: 8},
	})
	snap := wait(t, e, id)
	if snap.TimeoutMs != 3000 || snap.MemoryLimitMB != 128 || snap.CPUShare != 0.5 {
		t.Errorf("expected clamped limits, got timeout=%d mem=%d cpu=%v", snap.TimeoutMs, snap.MemoryLimitMB, snap.CPUShare)
	}

	runner.mu.Lock()
	spec := runner.specs[0]
	runner.mu.Unlock()
	if spec.Limits.MemoryMB != 128 || spec.Limits.CPUShare != 0.5 {
		t.Errorf("expected clamped sandbox limits, got %+v", spec.Limits)
	}
}

func TestSubmit_UsesLanguageDefaults(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"})
	snap := wait(t, e, id)
	if snap.TimeoutMs != 5000 { // python default 10s clamped to the 5s test maximum
		t.Errorf("expected 5000ms, got %d", snap.TimeoutMs)
	}
	if snap.MemoryLimitMB != 256 {
		t.Errorf("expected python default 256MB, got %d", snap.MemoryLimitMB)
	}
}

func TestCancel_Running(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(t, testConfig(), runner, nil)
	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"})
	waitForStatus(t, e, id, types.JobStatusRunning)

	if err := e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := e.Cancel(context.Background(), id); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal on second cancel, got %v", err)
	}

	snap := wait(t, e, id)
	if snap.Status != types.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
	if snap.Output != "partial\n" {
		t.Errorf("expected partial output back-filled, got %q", snap.Output)
	}

	runner.mu.Lock()
	graceful := append([]bool(nil), runner.graceful...)
	runner.mu.Unlock()
	if len(graceful) != 1 || !graceful[0] {
		t.Errorf("expected exactly one graceful interrupt, got %v", graceful)
	}
}

func TestCancel_Queued(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 1
	runner := newFakeRunner()
	e := newTestExecutor(t, cfg, runner, nil)

	first := submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"})
	waitForStatus(t, e, first, types.JobStatusRunning)
	second := submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"})

	if err := e.Cancel(context.Background(), second); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	snap := wait(t, e, second)
	if snap.Status != types.JobStatusCancelled || snap.StartedAt != nil {
		t.Errorf("expected cancelled before start, got %+v", snap)
	}

	close(runner.release)
	if s := wait(t, e, first); s.Status != types.JobStatusCompleted {
		t.Errorf("expected first job completed, got %s", s.Status)
	}
	runner.mu.Lock()
	runs := len(runner.specs)
	runner.mu.Unlock()
	if runs != 1 {
		t.Errorf("cancelled queued job must never reach the runner, got %d runs", runs)
	}
}

func TestCancel_Errors(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	if err := e.Cancel(context.Background(), "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"})
	wait(t, e, id)
	if err := e.Cancel(context.Background(), id); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestStatus_NotFound(t *testing.T) {
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	if _, err := e.Status(context.Background(), "nope"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrencyBound(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(t, testConfig(), runner, nil)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"}))
	}
	waitForStatus(t, e, ids[0], types.JobStatusRunning)
	waitForStatus(t, e, ids[1], types.JobStatusRunning)

	for i := 0; i < 20; i++ {
		running, queued := 0, 0
		for _, id := range ids {
			snap, _ := e.Status(context.Background(), id)
			switch snap.Status {
			case types.JobStatusRunning:
				running++
			case types.JobStatusQueued:
				queued++
			}
		}
		if running > 2 {
			t.Fatalf("observed %d running jobs with a pool of 2", running)
		}
		if running+queued != 5 {
			t.Fatalf("expected all jobs running or queued, got running=%d queued=%d", running, queued)
		}
		time.Sleep(time.Millisecond)
	}

	if h := e.HealthCheck(context.Background()); h.ActiveJobs != 2 {
		t.Errorf("expected 2 active jobs, got %d", h.ActiveJobs)
	}

	close(runner.release)
	for _, id := range ids {
		if snap := wait(t, e, id); snap.Status != types.JobStatusCompleted {
			t.Errorf("job %s ended %s", id, snap.Status)
		}
	}
	if peak := runner.peak.Load(); peak > 2 {
		t.Errorf("runner saw %d concurrent sandboxes", peak)
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 1
	cfg.QueueSize = 1
	runner := newFakeRunner()
	e := newTestExecutor(t, cfg, runner, nil)
	defer close(runner.release)

	first := submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"})
	waitForStatus(t, e, first, types.JobStatusRunning)
	submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"})

	if _, err := e.Submit(context.Background(), types.ExecutionRequest{Language: "python", Code: "block"}); !errors.Is(err, types.ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}

func TestRetry_TransientStartFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.failStarts = 2
	e := newTestExecutor(t, testConfig(), runner, nil)

	snap := wait(t, e, submit(t, e, types.ExecutionRequest{Language: "python", Code: "flaky"}))
	if snap.Status != types.JobStatusCompleted {
		t.Fatalf("expected completed after retries, got %s (%s)", snap.Status, snap.ErrorText)
	}
	if snap.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", snap.Attempts)
	}
}

func TestRetry_ExhaustedIsInfrastructureError(t *testing.T) {
	runner := newFakeRunner()
	runner.failStarts = 100
	e := newTestExecutor(t, testConfig(), runner, nil)

	snap := wait(t, e, submit(t, e, types.ExecutionRequest{Language: "python", Code: "flaky"}))
	if snap.Status != types.JobStatusFailed || !snap.InfrastructureError {
		t.Fatalf("expected infrastructure failure, got %s infra=%v", snap.Status, snap.InfrastructureError)
	}
	if snap.Attempts != 3 {
		t.Errorf("expected 1 try plus 2 retries, got %d", snap.Attempts)
	}
}

func TestRetry_TimeoutDuringBackoffIsInfrastructureError(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = time.Minute
	runner := newFakeRunner()
	runner.failStarts = 100
	e := newTestExecutor(t, cfg, runner, nil)

	snap := wait(t, e, submit(t, e, types.ExecutionRequest{
		Language: "python",
		Code:     "flaky",
		Options:  types.ExecutionOptions{TimeoutMs: 100},
	}))
	if snap.Status != types.JobStatusFailed || !snap.InfrastructureError {
		t.Fatalf("expected infrastructure failure, got %s infra=%v", snap.Status, snap.InfrastructureError)
	}
	if snap.Attempts != 1 {
		t.Errorf("expected the timeout to cut the backoff after 1 attempt, got %d", snap.Attempts)
	}
	if !strings.Contains(snap.ErrorText, "did not start within") {
		t.Errorf("expected start timeout in error text, got %q", snap.ErrorText)
	}
	if snap.ExitCode != nil {
		t.Errorf("expected no exit code, got %d", *snap.ExitCode)
	}
}

func TestProjectRun(t *testing.T) {
	langs := language.NewRegistry(nil)
	projects := vfs.NewService(vfs.NewMemoryStore(), langs, vfs.Limits{}, zerolog.Nop())
	ctx := context.Background()
	p, _ := projects.CreateProject(ctx, "alice", "demo", "python")
	projects.WriteFile(ctx, "alice", p.ID, "main.py", "print(2+2)")
	projects.WriteFile(ctx, "alice", p.ID, "app.py", "from-app")
	projects.AddDependency(ctx, "alice", p.ID, "requests", "2.28.1")

	runner := newFakeRunner()
	e := newTestExecutor(t, testConfig(), runner, projects)

	snap := wait(t, e, submit(t, e, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice"}))
	if snap.Status != types.JobStatusCompleted || snap.Language != "python" || snap.ProjectID != p.ID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	runner.mu.Lock()
	spec := runner.specs[0]
	runner.mu.Unlock()
	if spec.Files["requirements.txt"] != "requests==2.28.1\n" {
		t.Errorf("expected rendered manifest in sandbox files, got %v", spec.Files)
	}

	snap = wait(t, e, submit(t, e, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice", Entrypoint: "app.py"}))
	if snap.Output != "from-app" {
		t.Errorf("expected app.py to run, got %q", snap.Output)
	}

	if _, err := e.Submit(ctx, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice", Entrypoint: "missing.py"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing entrypoint, got %v", err)
	}
	if _, err := e.Submit(ctx, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "mallory"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another owner, got %v", err)
	}
	if _, err := e.Submit(ctx, types.ExecutionRequest{Language: "ruby", ProjectID: p.ID, OwnerID: "alice"}); !errors.Is(err, types.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for language mismatch, got %v", err)
	}

	projects.DeleteProject(ctx, "alice", p.ID)
	if _, err := e.Submit(ctx, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice"}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for deleted project, got %v", err)
	}
	if old, err := e.Status(ctx, snap.ID); err != nil || old.Status != types.JobStatusCompleted {
		t.Errorf("deleting the project must not affect finished jobs: %+v %v", old, err)
	}
}

func TestProjectRun_GoRunsWholePackage(t *testing.T) {
	langs := language.NewRegistry(nil)
	projects := vfs.NewService(vfs.NewMemoryStore(), langs, vfs.Limits{}, zerolog.Nop())
	ctx := context.Background()
	p, _ := projects.CreateProject(ctx, "alice", "multi", "go")
	projects.WriteFile(ctx, "alice", p.ID, "main.go", "package main\n\nfunc main() { println(helper()) }\n")
	projects.WriteFile(ctx, "alice", p.ID, "helper.go", "package main\n\nfunc helper() string { return \"hi\" }\n")
	projects.WriteFile(ctx, "alice", p.ID, "cmd/tool/main.go", "package main\n\nfunc main() {}\n")

	runner := newFakeRunner()
	e := newTestExecutor(t, testConfig(), runner, projects)

	wait(t, e, submit(t, e, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice"}))
	wait(t, e, submit(t, e, types.ExecutionRequest{ProjectID: p.ID, OwnerID: "alice", Entrypoint: "cmd/tool/main.go"}))
	wait(t, e, submit(t, e, types.ExecutionRequest{Language: "go", Code: "package main\n\nfunc main() {}\n"}))

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.specs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runner.specs))
	}
	for i, want := range [][]string{
		{"go", "run", "."},
		{"go", "run", "./cmd/tool"},
		{"go", "run", "/workspace/main.go"},
	} {
		if got := runner.specs[i].Command; strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("run %d: expected command %v, got %v", i, want, got)
		}
	}
	if _, ok := runner.specs[0].Files["helper.go"]; !ok {
		t.Error("expected sibling sources in the sandbox")
	}
	if _, ok := runner.specs[0].Files["go.mod"]; !ok {
		t.Error("expected rendered go.mod in the sandbox")
	}
}

func TestHealthCheck(t *testing.T) {
	runner := newFakeRunner()
	e := newTestExecutor(t, testConfig(), runner, nil)

	h := e.HealthCheck(context.Background())
	if !h.Healthy || len(h.SupportedLanguages) == 0 || h.Backend != "fake" {
		t.Errorf("unexpected health %+v", h)
	}

	runner.checkErr = errors.New("podman unavailable")
	h = e.HealthCheck(context.Background())
	if h.Healthy || !strings.Contains(h.Detail, "podman unavailable") {
		t.Errorf("expected unhealthy with detail, got %+v", h)
	}
}

type mapHistory map[string]types.JobSnapshot

func (m mapHistory) GetJob(ctx context.Context, id string) (*types.JobSnapshot, error) {
	s, ok := m[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &s, nil
}

func TestEvictionFallsBackToHistory(t *testing.T) {
	history := mapHistory{}
	e := newTestExecutor(t, testConfig(), newFakeRunner(), nil)
	e.SetHistory(history)
	e.Observe(func(s types.JobSnapshot) {})

	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"})
	snap := wait(t, e, id)
	history[id] = snap

	if n := e.evict(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	got, err := e.Status(context.Background(), id)
	if err != nil || got.Status != types.JobStatusCompleted {
		t.Errorf("expected history lookup, got %+v %v", got, err)
	}
	if err := e.Cancel(context.Background(), id); !errors.Is(err, types.ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal for an evicted job, got %v", err)
	}
}

func TestObserverSeesEveryTransition(t *testing.T) {
	var mu sync.Mutex
	var seen []types.JobStatus
	e := New(testConfig(), language.NewRegistry(nil), newFakeRunner(), nil, zerolog.Nop())
	e.Observe(func(s types.JobSnapshot) {
		mu.Lock()
		seen = append(seen, s.Status)
		mu.Unlock()
	})
	e.Start()
	defer e.Close(context.Background())

	wait(t, e, submit(t, e, types.ExecutionRequest{Language: "python", Code: "print(2+2)"}))

	mu.Lock()
	defer mu.Unlock()
	want := []types.JobStatus{types.JobStatusQueued, types.JobStatusRunning, types.JobStatusCompleted}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, seen)
	}
}

func TestObserverNeverSeesStaleCancelLast(t *testing.T) {
	var mu sync.Mutex
	var last types.JobSnapshot
	e := New(testConfig(), language.NewRegistry(nil), newFakeRunner(), nil, zerolog.Nop())
	e.Observe(func(s types.JobSnapshot) {
		if s.Status == types.JobStatusCancelled && s.FinishedAt == nil {
			// hold the early cancel snapshot while finish races past it
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		last = s
		mu.Unlock()
	})
	e.Start()
	defer e.Close(context.Background())

	id := submit(t, e, types.ExecutionRequest{Language: "python", Code: "block"})
	waitForStatus(t, e, id, types.JobStatusRunning)
	if err := e.Cancel(context.Background(), id); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	wait(t, e, id)
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if last.Status != types.JobStatusCancelled || last.FinishedAt == nil {
		t.Fatalf("expected the finished cancel snapshot last, got status=%s finished=%v", last.Status, last.FinishedAt)
	}
	if last.Output != "partial\n" {
		t.Errorf("expected back-filled output in the last snapshot, got %q", last.Output)
	}
}

func TestClose_RejectsNewJobs(t *testing.T) {
	e := New(testConfig(), language.NewRegistry(nil), newFakeRunner(), nil, zerolog.Nop())
	e.Start()
	if err := e.Close(context.Background()); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if _, err := e.Submit(context.Background(), types.ExecutionRequest{Language: "python", Code: "x"}); !errors.Is(err, types.ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
	if h := e.HealthCheck(context.Background()); h.Healthy {
		t.Error("expected unhealthy after close")
	}
}
