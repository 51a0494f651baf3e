package types

import "time"

// Dependency is one entry in a project's dependency list.
type Dependency struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Project is a named, owned collection of files for one language.
type Project struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"ownerId"`
	Name         string            `json:"name"`
	Language     string            `json:"language"`
	Files        map[string]string `json:"files,omitempty"`
	Dependencies []Dependency      `json:"dependencies"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	cp := *p
	cp.Files = make(map[string]string, len(p.Files))
	for k, v := range p.Files {
		cp.Files[k] = v
	}
	cp.Dependencies = append([]Dependency(nil), p.Dependencies...)
	return &cp
}

// ProjectSummary is a project without file contents, used in listings.
type ProjectSummary struct {
	ID           string       `json:"id"`
	OwnerID      string       `json:"ownerId"`
	Name         string       `json:"name"`
	Language     string       `json:"language"`
	FileCount    int          `json:"fileCount"`
	Dependencies []Dependency `json:"dependencies"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// CreateProjectRequest is the body for creating a project.
type CreateProjectRequest struct {
	Name     string `json:"name"`
	Language string `json:"language"`
}

// ProjectListResponse is the response for listing projects.
type ProjectListResponse struct {
	Projects []ProjectSummary `json:"projects"`
}

// FileListResponse is the response for listing a project's files.
type FileListResponse struct {
	Files []string `json:"files"`
}

// AddDependencyRequest is the body for adding or updating a dependency.
type AddDependencyRequest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Manifest is a rendered dependency manifest.
type Manifest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// ArchiveResponse identifies an exported project archive.
type ArchiveResponse struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ImportRequest is the body for importing an archive.
type ImportRequest struct {
	Key string `json:"key"`
}
