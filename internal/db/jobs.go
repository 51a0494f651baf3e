package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/opensandbox/runbox/pkg/types"
)

// UpsertJob stores the latest snapshot of a job reported by instanceID.
// Older snapshots never overwrite a terminal one.
func (s *Store) UpsertJob(ctx context.Context, instanceID string, snap *types.JobSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_history (id, instance_id, language, project_id, status, infrastructure_error, duration_ms, snapshot, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			infrastructure_error = excluded.infrastructure_error,
			duration_ms = excluded.duration_ms,
			snapshot = excluded.snapshot,
			updated_at = now()
		WHERE job_history.status IN ('queued', 'running')`,
		snap.ID, instanceID, snap.Language, snap.ProjectID, string(snap.Status),
		snap.InfrastructureError, snap.DurationMs, data, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert job: %w", err)
	}
	return nil
}

// GetJob returns a job from the fleet-wide history.
func (s *Store) GetJob(ctx context.Context, id string) (*types.JobSnapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT snapshot FROM job_history WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var snap types.JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &snap, nil
}
