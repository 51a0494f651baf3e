package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opensandbox/runbox/pkg/types"
)

// ProjectStore keeps projects in the projects table. It satisfies
// vfs.Store.
type ProjectStore struct {
	s *Store
}

// Projects returns the project store backed by s.
func (s *Store) Projects() *ProjectStore {
	return &ProjectStore{s: s}
}

const projectColumns = `id, owner_id, name, language, files, dependencies, created_at, updated_at`

func encodeProject(p *types.Project) (files, deps []byte, err error) {
	fm := p.Files
	if fm == nil {
		fm = map[string]string{}
	}
	if files, err = json.Marshal(fm); err != nil {
		return nil, nil, err
	}
	dl := p.Dependencies
	if dl == nil {
		dl = []types.Dependency{}
	}
	deps, err = json.Marshal(dl)
	return files, deps, err
}

func scanProject(row pgx.Row) (*types.Project, error) {
	var (
		p           types.Project
		files, deps []byte
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Language, &files, &deps, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(files, &p.Files); err != nil {
		return nil, fmt.Errorf("decode files of project %s: %w", p.ID, err)
	}
	if err := json.Unmarshal(deps, &p.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies of project %s: %w", p.ID, err)
	}
	if p.Files == nil {
		p.Files = map[string]string{}
	}
	return &p, nil
}

// Create inserts a new project.
func (ps *ProjectStore) Create(ctx context.Context, p *types.Project) error {
	files, deps, err := encodeProject(p)
	if err != nil {
		return err
	}
	_, err = ps.s.pool.Exec(ctx,
		`INSERT INTO projects (`+projectColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.OwnerID, p.Name, p.Language, files, deps, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("project %s already exists", p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// Get returns a project by ID.
func (ps *ProjectStore) Get(ctx context.Context, id string) (*types.Project, error) {
	row := ps.s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return p, nil
}

// Put replaces a project's mutable fields.
func (ps *ProjectStore) Put(ctx context.Context, p *types.Project) error {
	files, deps, err := encodeProject(p)
	if err != nil {
		return err
	}
	tag, err := ps.s.pool.Exec(ctx,
		`UPDATE projects SET name = $2, files = $3, dependencies = $4, updated_at = $5 WHERE id = $1`,
		p.ID, p.Name, files, deps, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", p.ID, types.ErrNotFound)
	}
	return nil
}

// Delete removes a project. Deleting a missing project is not an error.
func (ps *ProjectStore) Delete(ctx context.Context, id string) error {
	if _, err := ps.s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return nil
}

// ListByOwner returns an owner's projects, oldest first.
func (ps *ProjectStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.Project, error) {
	rows, err := ps.s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE owner_id = $1 ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
