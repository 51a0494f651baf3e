package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/executor"
	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/internal/vfs"
	"github.com/opensandbox/runbox/pkg/types"
)

// echoRunner prints the entry file back, or blocks on "block" until
// interrupted. "slow-stop" also blocks but takes a while to exit and
// leaves partial output behind.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, spec sandbox.Spec) (*sandbox.Result, error) {
	entry := strings.TrimPrefix(spec.Command[len(spec.Command)-1], sandbox.WorkspaceDir+"/")
	code := spec.Files[entry]
	if code == "block" {
		<-ctx.Done()
		return &sandbox.Result{ExitCode: -1, Interrupted: true}, nil
	}
	if code == "slow-stop" {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		return &sandbox.Result{ExitCode: -1, Stdout: "partial\n", Interrupted: true}, nil
	}
	if strings.HasPrefix(code, "raise ") {
		return &sandbox.Result{ExitCode: 1, Stderr: "Traceback (most recent call last):\nValueError: boom\n"}, nil
	}
	return &sandbox.Result{ExitCode: 0, Stdout: code, Duration: time.Millisecond}, nil
}

func (echoRunner) Check(ctx context.Context, images []string) error    { return nil }
func (echoRunner) EnsureImage(ctx context.Context, image string) error { return nil }
func (echoRunner) Backend() string                                     { return "fake" }
func (echoRunner) Close() error                                        { return nil }

type testEnv struct {
	srv  *Server
	exec *executor.Executor
	fs   *vfs.Service
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	langs := language.NewRegistry(nil)
	fs := vfs.NewService(vfs.NewMemoryStore(), langs, vfs.Limits{MaxFiles: 10, MaxFileBytes: 1024}, zerolog.Nop())

	cfg := executor.DefaultConfig()
	cfg.PoolSize = 2
	cfg.MaxCodeBytes = 64
	cfg.CancelGrace = 10 * time.Millisecond
	exec := executor.New(cfg, langs, echoRunner{}, fs, zerolog.Nop())
	exec.Start()
	t.Cleanup(func() { exec.Close(context.Background()) })

	return &testEnv{
		srv:  NewServer(exec, fs, langs, opts, zerolog.Nop()),
		exec: exec,
		fs:   fs,
	}
}

func (env *testEnv) do(t *testing.T, method, target, owner string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" && method != http.MethodPut {
		req.Header.Set("Content-Type", "application/json")
	}
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthAndLanguages(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h := decode[types.Health](t, rec)
	if !h.Healthy || h.PoolSize != 2 || len(h.SupportedLanguages) == 0 {
		t.Errorf("unexpected health %+v", h)
	}

	rec = env.do(t, http.MethodGet, "/languages", "", "")
	langs := decode[types.LanguageListResponse](t, rec)
	found := false
	for _, l := range langs.Languages {
		if l.ID == "python" && l.ManifestFilename == "requirements.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("python missing from %+v", langs)
	}
}

func TestSubmitAndWait(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(t, http.MethodPost, "/jobs", "", `{"language":"python","code":"print(2+2)"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	sub := decode[types.SubmitResponse](t, rec)
	if sub.JobID == "" || sub.Status != types.JobStatusQueued {
		t.Fatalf("unexpected submit response %+v", sub)
	}

	rec = env.do(t, http.MethodGet, "/jobs/"+sub.JobID+"/wait?timeoutMs=5000", "", "")
	snap := decode[types.JobSnapshot](t, rec)
	if snap.Status != types.JobStatusCompleted || snap.Output != "print(2+2)" {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	rec = env.do(t, http.MethodGet, "/jobs/"+sub.JobID, "", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", "", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling a finished job, got %d", rec.Code)
	}
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t, Options{})

	tests := []struct {
		name string
		body string
		want int
		code string
	}{
		{"unsupported language", `{"language":"cobol","code":"x"}`, http.StatusBadRequest, "unsupported_language"},
		{"code too large", `{"language":"python","code":"` + strings.Repeat("x", 65) + `"}`, http.StatusRequestEntityTooLarge, "code_too_large"},
		{"no code", `{"language":"python"}`, http.StatusBadRequest, "invalid_request"},
		{"bad json", `{"language":`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		rec := env.do(t, http.MethodPost, "/jobs", "", tt.body)
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.want, rec.Code)
			continue
		}
		if e := decode[types.ErrorResponse](t, rec); e.Code != tt.code {
			t.Errorf("%s: expected code %s, got %+v", tt.name, tt.code, e)
		}
	}

	if rec := env.do(t, http.MethodGet, "/jobs/does-not-exist", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/jobs/x/wait?timeoutMs=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad timeoutMs, got %d", rec.Code)
	}
}

func TestCancelRunningJob(t *testing.T) {
	env := newTestEnv(t, Options{})

	sub := decode[types.SubmitResponse](t, env.do(t, http.MethodPost, "/jobs", "", `{"language":"python","code":"block"}`))
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, _ := env.exec.Status(context.Background(), sub.JobID)
		if snap.Status == types.JobStatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(2 * time.Millisecond)
	}

	rec := env.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap := decode[types.JobSnapshot](t, rec); snap.Status != types.JobStatusCancelled {
		t.Errorf("expected cancelled, got %s", snap.Status)
	}
	if rec := env.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", "", ""); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 on second cancel, got %d", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, Options{APIKey: "k"})

	if rec := env.do(t, http.MethodGet, "/languages", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health must not require a key, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/languages", nil)
	req.Header.Set("X-API-Key", "k")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with key, got %d", rec.Code)
	}
}

func TestProjectLifecycle(t *testing.T) {
	env := newTestEnv(t, Options{})

	if rec := env.do(t, http.MethodGet, "/projects", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without owner, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/projects", "alice", `{"name":"demo","language":"python"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	p := decode[types.Project](t, rec)
	base := "/projects/" + p.ID

	if rec := env.do(t, http.MethodPut, base+"/file?path=main.py", "alice", "print('hi')"); rec.Code != http.StatusNoContent {
		t.Fatalf("write: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPut, base+"/file?path=../evil.py", "alice", "x"); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for traversal, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPut, base+"/file?path=big.py", "alice", strings.Repeat("x", 2048)); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for quota, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, base+"/file?path=main.py", "alice", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "print('hi')" {
		t.Errorf("read: got %d %q", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodPost, base+"/dependencies", "alice", `{"name":"requests","version":"2.28.1"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("add dependency: expected 204, got %d", rec.Code)
	}
	m := decode[types.Manifest](t, env.do(t, http.MethodGet, base+"/manifest", "alice", ""))
	if m.Filename != "requirements.txt" || m.Content != "requests==2.28.1\n" {
		t.Errorf("unexpected manifest %+v", m)
	}

	files := decode[types.FileListResponse](t, env.do(t, http.MethodGet, base+"/files", "alice", ""))
	if len(files.Files) != 1 || files.Files[0] != "main.py" {
		t.Errorf("unexpected files %v", files.Files)
	}

	// project run through the jobs API
	rec = env.do(t, http.MethodPost, "/jobs", "alice", `{"projectId":"`+p.ID+`"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("project run: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	sub := decode[types.SubmitResponse](t, rec)
	snap := decode[types.JobSnapshot](t, env.do(t, http.MethodGet, "/jobs/"+sub.JobID+"/wait", "", ""))
	if snap.Output != "print('hi')" || snap.ProjectID != p.ID {
		t.Errorf("unexpected project run %+v", snap)
	}
	if rec := env.do(t, http.MethodPost, "/jobs", "mallory", `{"projectId":"`+p.ID+`"}`); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 running another owner's project, got %d", rec.Code)
	}

	// isolation
	if rec := env.do(t, http.MethodGet, base, "mallory", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another owner, got %d", rec.Code)
	}
	list := decode[types.ProjectListResponse](t, env.do(t, http.MethodGet, "/projects", "mallory", ""))
	if len(list.Projects) != 0 {
		t.Errorf("expected no projects for mallory, got %d", len(list.Projects))
	}

	if rec := env.do(t, http.MethodDelete, base+"/dependencies/requests", "alice", ""); rec.Code != http.StatusNoContent {
		t.Errorf("remove dependency: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, base+"/file?path=main.py", "alice", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete file: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, base, "alice", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete project: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, base, "alice", ""); rec.Code != http.StatusNoContent {
		t.Errorf("delete must be idempotent, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, base, "alice", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestExportWithoutArchiveStore(t *testing.T) {
	env := newTestEnv(t, Options{})
	p := decode[types.Project](t, env.do(t, http.MethodPost, "/projects", "alice", `{"name":"demo","language":"go"}`))

	if rec := env.do(t, http.MethodPost, "/projects/"+p.ID+"/export", "alice", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without archive storage, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/projects/import", "alice", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without key, got %d", rec.Code)
	}
}

func TestProjectsDisabled(t *testing.T) {
	langs := language.NewRegistry(nil)
	exec := executor.New(executor.DefaultConfig(), langs, echoRunner{}, nil, zerolog.Nop())
	srv := NewServer(exec, nil, langs, Options{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	req.Header.Set("X-Owner-ID", "alice")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestWatchJob(t *testing.T) {
	env := newTestEnv(t, Options{WatchPeriod: 10 * time.Millisecond})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	sub := decode[types.SubmitResponse](t, env.do(t, http.MethodPost, "/jobs", "", `{"language":"python","code":"raise boom"}`))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/jobs/" + sub.JobID + "/watch"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last types.JobSnapshot
	for {
		var snap types.JobSnapshot
		if err := ws.ReadJSON(&snap); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = snap
	}
	if last.Status != types.JobStatusFailed || !strings.Contains(last.ErrorText, "ValueError") {
		t.Errorf("expected final failed snapshot, got %+v", last)
	}
}

func TestWatchJob_CancelledFrameHasFinalOutput(t *testing.T) {
	env := newTestEnv(t, Options{WatchPeriod: 10 * time.Millisecond})
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	sub := decode[types.SubmitResponse](t, env.do(t, http.MethodPost, "/jobs", "", `{"language":"python","code":"slow-stop"}`))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/jobs/" + sub.JobID + "/watch"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last types.JobSnapshot
	cancelled := false
	for {
		var snap types.JobSnapshot
		if err := ws.ReadJSON(&snap); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("read: %v", err)
			}
			break
		}
		last = snap
		if snap.Status == types.JobStatusRunning && !cancelled {
			cancelled = true
			if rec := env.do(t, http.MethodPost, "/jobs/"+sub.JobID+"/cancel", "", ""); rec.Code != http.StatusOK {
				t.Fatalf("cancel: expected 200, got %d", rec.Code)
			}
		}
	}
	if !cancelled {
		t.Fatal("never saw the job running")
	}
	if last.Status != types.JobStatusCancelled || last.FinishedAt == nil {
		t.Fatalf("expected finished cancelled frame, got status=%s finished=%v", last.Status, last.FinishedAt)
	}
	if last.Output != "partial\n" {
		t.Errorf("expected back-filled output, got %q", last.Output)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrInvalidFilename, http.StatusBadRequest},
		{types.ErrQueueFull, http.StatusTooManyRequests},
		{types.ErrAlreadyTerminal, http.StatusConflict},
		{types.ErrShuttingDown, http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got, _ := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
