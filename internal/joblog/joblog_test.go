package joblog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/pkg/types"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndGetJob(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := types.JobSnapshot{ID: "job-1", Language: "python", Status: types.JobStatusQueued, CreatedAt: created}
	if err := l.Record(ctx, snap); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	code := 0
	snap.Status = types.JobStatusCompleted
	snap.Output = "4\n"
	snap.ExitCode = &code
	l.Observe(snap)

	got, err := l.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob error: %v", err)
	}
	if got.Status != types.JobStatusCompleted || got.Output != "4\n" {
		t.Errorf("unexpected snapshot %+v", got)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", got.ExitCode)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("expected created %v, got %v", created, got.CreatedAt)
	}

	if _, err := l.GetJob(ctx, "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventsOutbox(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for _, st := range []types.JobStatus{types.JobStatusQueued, types.JobStatusRunning, types.JobStatusFailed} {
		if err := l.Record(ctx, types.JobSnapshot{ID: "job-1", Language: "go", Status: st}); err != nil {
			t.Fatalf("Record error: %v", err)
		}
	}

	events, err := l.GetUnsyncedEvents(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnsyncedEvents error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Type != "job.queued" || events[2].Type != "job.failed" {
		t.Errorf("unexpected event order %q ... %q", events[0].Type, events[2].Type)
	}
	if events[0].JobID != "job-1" || events[0].CreatedAt.IsZero() {
		t.Errorf("unexpected event %+v", events[0])
	}

	if err := l.MarkEventsSynced(ctx, []int64{events[0].ID, events[1].ID}); err != nil {
		t.Fatalf("MarkEventsSynced error: %v", err)
	}
	events, _ = l.GetUnsyncedEvents(ctx, 10)
	if len(events) != 1 || events[0].Type != "job.failed" {
		t.Errorf("expected only the failed event left, got %+v", events)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	l.Record(ctx, types.JobSnapshot{ID: "queued", Language: "python", Status: types.JobStatusQueued})
	l.Record(ctx, types.JobSnapshot{ID: "running", Language: "python", Status: types.JobStatusRunning})
	l.Record(ctx, types.JobSnapshot{ID: "done", Language: "python", Status: types.JobStatusCompleted})

	n, err := l.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 recovered jobs, got %d", n)
	}

	got, _ := l.GetJob(ctx, "running")
	if got.Status != types.JobStatusFailed || !got.InfrastructureError || got.FinishedAt == nil {
		t.Errorf("expected infrastructure failure, got %+v", got)
	}
	got, _ = l.GetJob(ctx, "done")
	if got.Status != types.JobStatusCompleted {
		t.Errorf("completed job must not change, got %s", got.Status)
	}
}

func TestPrune(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	l.now = func() time.Time { return old }
	l.Record(ctx, types.JobSnapshot{ID: "old", Language: "python", Status: types.JobStatusCompleted})
	l.Record(ctx, types.JobSnapshot{ID: "stuck", Language: "python", Status: types.JobStatusRunning})
	l.now = time.Now
	l.Record(ctx, types.JobSnapshot{ID: "fresh", Language: "python", Status: types.JobStatusCompleted})

	n, err := l.Prune(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Prune error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned job, got %d", n)
	}
	if _, err := l.GetJob(ctx, "old"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected old job pruned, got %v", err)
	}
	for _, id := range []string{"stuck", "fresh"} {
		if _, err := l.GetJob(ctx, id); err != nil {
			t.Errorf("expected %s kept, got %v", id, err)
		}
	}
}
