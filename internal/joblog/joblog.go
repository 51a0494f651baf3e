// Package joblog is the durable record of job outcomes. It keeps the last
// snapshot of every job in SQLite so status lookups survive eviction and
// restarts, and an outbox of state-change events for the NATS publisher.
package joblog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    language TEXT NOT NULL,
    project_id TEXT,
    status TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_unsynced ON events(synced) WHERE synced = 0;
`

const timeLayout = time.RFC3339Nano

// Log is the SQLite job log.
type Log struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open opens (or creates) jobs.db under dataDir.
func Open(dataDir string, log zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "jobs.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &Log{
		db:  db,
		log: log.With().Str("component", "joblog").Logger(),
		now: time.Now,
	}, nil
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record stores snap as the job's latest state and appends a
// "job.<status>" event to the outbox.
func (l *Log) Record(ctx context.Context, snap types.JobSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", snap.ID, err)
	}
	now := l.now().UTC().Format(timeLayout)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, language, project_id, status, snapshot, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		snap.ID, snap.Language, snap.ProjectID, string(snap.Status), string(data),
		snap.CreatedAt.UTC().Format(timeLayout), now)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", snap.ID, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (job_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		snap.ID, "job."+string(snap.Status), string(data), now)
	if err != nil {
		return fmt.Errorf("failed to append event for job %s: %w", snap.ID, err)
	}
	return tx.Commit()
}

// Observe records snap and logs failures. Its signature matches
// executor.Observer.
func (l *Log) Observe(snap types.JobSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Record(ctx, snap); err != nil {
		l.log.Warn().Err(err).Str("job_id", snap.ID).Msg("failed to record job state")
	}
}

// GetJob returns the last recorded snapshot of a job.
func (l *Log) GetJob(ctx context.Context, id string) (*types.JobSnapshot, error) {
	var data string
	err := l.db.QueryRowContext(ctx, `SELECT snapshot FROM jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var snap types.JobSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &snap, nil
}

// RecoverInterrupted marks jobs left queued or running by a previous
// process as failed infrastructure errors. Call it before the executor
// starts.
func (l *Log) RecoverInterrupted(ctx context.Context) (int, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT snapshot FROM jobs WHERE status IN (?, ?)`,
		string(types.JobStatusQueued), string(types.JobStatusRunning))
	if err != nil {
		return 0, err
	}
	var stale []types.JobSnapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return 0, err
		}
		var snap types.JobSnapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}
		stale = append(stale, snap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	fin := l.now().UTC()
	for _, snap := range stale {
		snap.Status = types.JobStatusFailed
		snap.InfrastructureError = true
		snap.ErrorText = "execution infrastructure error: server restarted before the job finished"
		snap.FinishedAt = &fin
		if err := l.Record(ctx, snap); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// Prune deletes terminal jobs last updated before cutoff, along with
// events that are already synced.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(timeLayout)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE updated_at < ? AND status NOT IN (?, ?)`,
		ts, string(types.JobStatusQueued), string(types.JobStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE synced = 1 AND created_at < ?`, ts); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	return res.RowsAffected()
}

// Event is an outbox entry.
type Event struct {
	ID        int64
	JobID     string
	Type      string
	Payload   string
	CreatedAt time.Time
}

// GetUnsyncedEvents returns events that haven't been published yet,
// oldest first.
func (l *Log) GetUnsyncedEvents(ctx context.Context, limit int) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, job_id, type, payload, created_at FROM events WHERE synced = 0 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e  Event
			ts string
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Payload, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(timeLayout, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkEventsSynced marks the given event IDs as published.
func (l *Log) MarkEventsSynced(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
