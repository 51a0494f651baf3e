package vfs

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/opensandbox/runbox/pkg/types"
)

const (
	archiveMetaName  = "project.json"
	archiveFilesDir  = "files/"
	maxArchiveMember = 10 << 20
)

// ArchiveStore holds exported project archives.
type ArchiveStore interface {
	Upload(ctx context.Context, key string, body io.Reader, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
}

type archiveMeta struct {
	Name         string             `json:"name"`
	Language     string             `json:"language"`
	Dependencies []types.Dependency `json:"dependencies"`
	ExportedAt   time.Time          `json:"exportedAt"`
}

// WriteArchive writes p as a zstd-compressed tar: project.json with the
// metadata, then one files/<name> entry per file.
func WriteArchive(w io.Writer, p *types.Project, exportedAt time.Time) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	meta, err := json.Marshal(archiveMeta{
		Name:         p.Name,
		Language:     p.Language,
		Dependencies: p.Dependencies,
		ExportedAt:   exportedAt,
	})
	if err != nil {
		return err
	}
	if err := writeTarEntry(tw, archiveMetaName, meta, exportedAt); err != nil {
		return err
	}
	for _, name := range sortedNames(p.Files) {
		if err := writeTarEntry(tw, archiveFilesDir+name, []byte(p.Files[name]), exportedAt); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finish tar: %w", err)
	}
	return zw.Close()
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: modTime,
		Format:  tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// ReadArchive parses an archive written by WriteArchive. The returned
// project has no id, owner, or timestamps.
func ReadArchive(r io.Reader) (*types.Project, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: not a zstd stream: %v", types.ErrInvalidRequest, err)
	}
	defer zr.Close()

	p := &types.Project{Files: map[string]string{}}
	sawMeta := false
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt archive: %v", types.ErrInvalidRequest, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if hdr.Size > maxArchiveMember {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", types.ErrQuotaExceeded, hdr.Name, maxArchiveMember)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxArchiveMember))
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt archive: %v", types.ErrInvalidRequest, err)
		}

		switch {
		case hdr.Name == archiveMetaName:
			var meta archiveMeta
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, fmt.Errorf("%w: bad project metadata: %v", types.ErrInvalidRequest, err)
			}
			p.Name, p.Language, p.Dependencies = meta.Name, meta.Language, meta.Dependencies
			sawMeta = true
		case strings.HasPrefix(hdr.Name, archiveFilesDir):
			name := strings.TrimPrefix(hdr.Name, archiveFilesDir)
			if err := ValidateFilename(name); err != nil {
				return nil, err
			}
			p.Files[name] = string(data)
		}
	}
	if !sawMeta {
		return nil, fmt.Errorf("%w: archive has no %s", types.ErrInvalidRequest, archiveMetaName)
	}
	if p.Dependencies == nil {
		p.Dependencies = []types.Dependency{}
	}
	return p, nil
}

func archivePrefix(ownerID string) string {
	return "projects/" + url.PathEscape(ownerID) + "/"
}

// ExportProject uploads an archive of the project and returns its key.
func (s *Service) ExportProject(ctx context.Context, ownerID, projectID string) (types.ArchiveResponse, error) {
	if s.archives == nil {
		return types.ArchiveResponse{}, fmt.Errorf("%w: archive storage is not configured", types.ErrInvalidRequest)
	}
	p, err := s.load(ctx, ownerID, projectID)
	if err != nil {
		return types.ArchiveResponse{}, err
	}

	now := s.now().UTC()
	var buf bytes.Buffer
	if err := WriteArchive(&buf, p, now); err != nil {
		return types.ArchiveResponse{}, fmt.Errorf("failed to build archive: %w", err)
	}
	key := fmt.Sprintf("%s%s/%s.tar.zst", archivePrefix(ownerID), p.ID, now.Format("20060102T150405Z"))
	size := int64(buf.Len())
	if err := s.archives.Upload(ctx, key, &buf, size); err != nil {
		return types.ArchiveResponse{}, fmt.Errorf("failed to upload archive: %w", err)
	}
	s.log.Info().Str("project_id", p.ID).Str("key", key).Int64("bytes", size).Msg("project exported")
	return types.ArchiveResponse{Key: key, Size: size}, nil
}

// ImportProject creates a new project for ownerID from an archive that
// ownerID previously exported.
func (s *Service) ImportProject(ctx context.Context, ownerID, key string) (*types.Project, error) {
	if s.archives == nil {
		return nil, fmt.Errorf("%w: archive storage is not configured", types.ErrInvalidRequest)
	}
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", types.ErrInvalidRequest)
	}
	if !strings.HasPrefix(key, archivePrefix(ownerID)) || strings.Contains(key, "..") {
		return nil, fmt.Errorf("archive %s: %w", key, types.ErrNotFound)
	}

	body, err := s.archives.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to download archive: %w", err)
	}
	defer body.Close()

	p, err := ReadArchive(body)
	if err != nil {
		return nil, err
	}
	d, err := s.langs.Get(p.Language)
	if err != nil {
		return nil, err
	}
	if s.limits.MaxFiles > 0 && len(p.Files) > s.limits.MaxFiles {
		return nil, fmt.Errorf("%w: archive has %d files", types.ErrQuotaExceeded, len(p.Files))
	}
	for name, content := range p.Files {
		if d.HasManifest() && name == d.ManifestFilename {
			delete(p.Files, name)
			continue
		}
		if s.limits.MaxFileBytes > 0 && len(content) > s.limits.MaxFileBytes {
			return nil, fmt.Errorf("%w: %s exceeds %d bytes", types.ErrQuotaExceeded, name, s.limits.MaxFileBytes)
		}
	}

	if strings.TrimSpace(p.Name) == "" {
		p.Name = "imported"
	}
	now := s.now().UTC()
	p.ID = uuid.New().String()
	p.OwnerID = ownerID
	p.Language = d.ID
	p.CreatedAt, p.UpdatedAt = now, now
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	s.log.Info().Str("project_id", p.ID).Str("key", key).Msg("project imported")
	return p, nil
}
