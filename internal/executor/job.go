package executor

import (
	"context"
	"sync"
	"time"

	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

// job is the orchestrator-owned record behind a JobSnapshot. Fields from
// mu to notifyMu are guarded by mu; status only moves forward. notified is
// guarded by notifyMu.
type job struct {
	desc    *language.Descriptor
	spec    sandbox.Spec
	timeout time.Duration
	done    chan struct{} // closed once, after the final snapshot is written

	mu       sync.Mutex
	snap     types.JobSnapshot
	cancel   context.CancelCauseFunc // non-nil while running
	finished time.Time
	seq      uint64 // bumped for every snapshot handed to observers

	notifyMu sync.Mutex
	notified uint64 // seq of the last snapshot observers saw
}

// publishableLocked returns a snapshot for observers together with its
// sequence number.
func (j *job) publishableLocked() (types.JobSnapshot, uint64) {
	j.seq++
	return j.snapshotLocked(), j.seq
}

func (j *job) snapshot() types.JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *job) snapshotLocked() types.JobSnapshot {
	s := j.snap
	if s.ExitCode != nil {
		code := *s.ExitCode
		s.ExitCode = &code
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		s.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		s.FinishedAt = &t
	}
	return s
}

// evictable reports whether the job finished before cutoff and has no
// pending completion.
func (j *job) evictable(cutoff time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.snap.Status.Terminal() || j.finished.IsZero() {
		return false
	}
	select {
	case <-j.done:
	default:
		return false
	}
	return j.finished.Before(cutoff)
}
