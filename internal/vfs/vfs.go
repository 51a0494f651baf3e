// Package vfs owns projects: named, per-owner file sets with a dependency
// list rendered into a language manifest on demand.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/language"
	"github.com/opensandbox/runbox/pkg/types"
)

const maxProjectNameLength = 128

// Limits bounds project size. Zero disables a limit.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int
}

// Service implements project operations. Mutations of one project are
// serialized; different projects never share a lock.
type Service struct {
	store    Store
	langs    *language.Registry
	limits   Limits
	archives ArchiveStore
	log      zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithArchiveStore enables project export and import.
func WithArchiveStore(a ArchiveStore) Option {
	return func(s *Service) { s.archives = a }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, langs *language.Registry, limits Limits, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		langs:  langs,
		limits: limits,
		log:    log.With().Str("component", "vfs").Logger(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(projectID string) func() {
	s.mu.Lock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Service) forget(projectID string) {
	s.mu.Lock()
	delete(s.locks, projectID)
	s.mu.Unlock()
}

// load fetches a project and hides projects owned by someone else.
func (s *Service) load(ctx context.Context, ownerID, projectID string) (*types.Project, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", types.ErrInvalidRequest)
	}
	p, err := s.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, fmt.Errorf("project %s: %w", projectID, types.ErrNotFound)
	}
	return p, nil
}

// mutate applies fn to a project under its lock and stores the result.
func (s *Service) mutate(ctx context.Context, ownerID, projectID string, fn func(p *types.Project, d *language.Descriptor) error) error {
	unlock := s.lock(projectID)
	defer unlock()

	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return err
	}
	d, err := s.langs.Get(p.Language)
	if err != nil {
		return err
	}
	if err := fn(p, d); err != nil {
		return err
	}
	p.UpdatedAt = s.now().UTC()
	return s.store.Put(ctx, p)
}

// CreateProject creates an empty project for ownerID.
func (s *Service) CreateProject(ctx context.Context, ownerID, name, lang string) (*types.Project, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", types.ErrInvalidRequest)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxProjectNameLength {
		return nil, fmt.Errorf("%w: project name must be 1-%d characters", types.ErrInvalidRequest, maxProjectNameLength)
	}
	d, err := s.langs.Get(lang)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &types.Project{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         name,
		Language:     d.ID,
		Files:        map[string]string{},
		Dependencies: []types.Dependency{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.log.Info().Str("project_id", p.ID).Str("owner_id", ownerID).Str("language", d.ID).Msg("project created")
	return p, nil
}

// GetProject returns a copy of the project.
func (s *Service) GetProject(ctx context.Context, ownerID, projectID string) (*types.Project, error) {
	return s.load(ctx, ownerID, projectID)
}

// WriteFile creates or overwrites filename.
func (s *Service) WriteFile(ctx context.Context, ownerID, projectID, filename, content string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	return s.mutate(ctx, ownerID, projectID, func(p *types.Project, d *language.Descriptor) error {
		if d.HasManifest() && filename == d.ManifestFilename {
			return fmt.Errorf("%w: %s is rendered from the dependency list", types.ErrInvalidFilename, filename)
		}
		if s.limits.MaxFileBytes > 0 && len(content) > s.limits.MaxFileBytes {
			return fmt.Errorf("%w: file exceeds %d bytes", types.ErrQuotaExceeded, s.limits.MaxFileBytes)
		}
		if _, exists := p.Files[filename]; !exists && s.limits.MaxFiles > 0 && len(p.Files) >= s.limits.MaxFiles {
			return fmt.Errorf("%w: project already has %d files", types.ErrQuotaExceeded, s.limits.MaxFiles)
		}
		p.Files[filename] = content
		return nil
	})
}

// ReadFile returns the content of filename.
func (s *Service) ReadFile(ctx context.Context, ownerID, projectID, filename string) (string, error) {
	if err := ValidateFilename(filename); err != nil {
		return "", err
	}
	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return "", err
	}
	content, ok := p.Files[filename]
	if !ok {
		return "", fmt.Errorf("file %s: %w", filename, types.ErrNotFound)
	}
	return content, nil
}

// DeleteFile removes filename.
func (s *Service) DeleteFile(ctx context.Context, ownerID, projectID, filename string) error {
	if err := ValidateFilename(filename); err != nil {
		return err
	}
	return s.mutate(ctx, ownerID, projectID, func(p *types.Project, _ *language.Descriptor) error {
		if _, ok := p.Files[filename]; !ok {
			return fmt.Errorf("file %s: %w", filename, types.ErrNotFound)
		}
		delete(p.Files, filename)
		return nil
	})
}

// ListFiles returns the project's filenames in lexical order. The rendered
// manifest is not a stored file and is not listed.
func (s *Service) ListFiles(ctx context.Context, ownerID, projectID string) ([]string, error) {
	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	return sortedNames(p.Files), nil
}

// AddDependency records name at version. An existing entry with the same
// name keeps its position and takes the new version.
func (s *Service) AddDependency(ctx context.Context, ownerID, projectID, name, version string) error {
	name, version = strings.TrimSpace(name), strings.TrimSpace(version)
	if err := validateDependency(name, version); err != nil {
		return err
	}
	return s.mutate(ctx, ownerID, projectID, func(p *types.Project, _ *language.Descriptor) error {
		p.Dependencies = upsertDependency(p.Dependencies, types.Dependency{Name: name, Version: version})
		return nil
	})
}

// RemoveDependency drops name from the dependency list.
func (s *Service) RemoveDependency(ctx context.Context, ownerID, projectID, name string) error {
	return s.mutate(ctx, ownerID, projectID, func(p *types.Project, _ *language.Descriptor) error {
		for i, dep := range p.Dependencies {
			if dep.Name == name {
				p.Dependencies = append(p.Dependencies[:i], p.Dependencies[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("dependency %s: %w", name, types.ErrNotFound)
	})
}

// Manifest renders the project's dependency manifest.
func (s *Service) Manifest(ctx context.Context, ownerID, projectID string) (types.Manifest, error) {
	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return types.Manifest{}, err
	}
	d, err := s.langs.Get(p.Language)
	if err != nil {
		return types.Manifest{}, err
	}
	if !d.HasManifest() {
		return types.Manifest{}, fmt.Errorf("%s has no dependency manifest: %w", d.ID, types.ErrNotFound)
	}
	filename, content := d.RenderManifest(p.Name, p.Dependencies)
	return types.Manifest{Filename: filename, Content: content}, nil
}

// DeleteProject removes the project. Deleting a project that does not
// exist, or belongs to another owner, is not an error and changes nothing.
func (s *Service) DeleteProject(ctx context.Context, ownerID, projectID string) error {
	unlock := s.lock(projectID)
	defer unlock()

	if _, err := s.load(ctx, ownerID, projectID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := s.store.Delete(ctx, projectID); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", projectID, err)
	}
	s.forget(projectID)
	s.log.Info().Str("project_id", projectID).Str("owner_id", ownerID).Msg("project deleted")
	return nil
}

// ListProjects returns ownerID's projects, oldest first.
func (s *Service) ListProjects(ctx context.Context, ownerID string) ([]types.ProjectSummary, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", types.ErrInvalidRequest)
	}
	projects, err := s.store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	out := make([]types.ProjectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, summarize(p))
	}
	return out, nil
}

// Snapshot is an immutable copy of a project's runnable state.
type Snapshot struct {
	ProjectID string
	Name      string
	Language  string
	Files     map[string]string // stored files plus the rendered manifest
}

// Snapshot copies a project for execution. Later edits to the project do
// not affect the snapshot, and nothing done with the snapshot affects the
// project.
func (s *Service) Snapshot(ctx context.Context, ownerID, projectID string) (*Snapshot, error) {
	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return nil, err
	}
	d, err := s.langs.Get(p.Language)
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(p.Files)+1)
	for k, v := range p.Files {
		files[k] = v
	}
	if name, content := d.RenderManifest(p.Name, p.Dependencies); name != "" {
		files[name] = content
	}
	return &Snapshot{ProjectID: p.ID, Name: p.Name, Language: p.Language, Files: files}, nil
}

func summarize(p *types.Project) types.ProjectSummary {
	return types.ProjectSummary{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		Name:         p.Name,
		Language:     p.Language,
		FileCount:    len(p.Files),
		Dependencies: p.Dependencies,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func sortedNames(files map[string]string) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateDependency(name, version string) error {
	if name == "" {
		return fmt.Errorf("%w: dependency name is required", types.ErrInvalidRequest)
	}
	if strings.ContainsAny(name, " \t\r\n'\"=") || strings.ContainsAny(version, "\r\n'\"") {
		return fmt.Errorf("%w: malformed dependency %q %q", types.ErrInvalidRequest, name, version)
	}
	return nil
}

func upsertDependency(deps []types.Dependency, dep types.Dependency) []types.Dependency {
	for i := range deps {
		if deps[i].Name == dep.Name {
			deps[i].Version = dep.Version
			return deps
		}
	}
	return append(deps, dep)
}
