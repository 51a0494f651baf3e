package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/opensandbox/runbox/pkg/types"
)

func projectPath(id string) string {
	return "/projects/" + url.PathEscape(id)
}

func filePath(id, name string) string {
	return projectPath(id) + "/file?path=" + url.QueryEscape(name)
}

// CreateProject creates an empty project.
func (c *Client) CreateProject(ctx context.Context, name, language string) (*types.Project, error) {
	var p types.Project
	err := c.call(ctx, http.MethodPost, "/projects", types.CreateProjectRequest{Name: name, Language: language}, &p)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProjects lists the owner's projects.
func (c *Client) ListProjects(ctx context.Context) ([]types.ProjectSummary, error) {
	var resp types.ProjectListResponse
	if err := c.call(ctx, http.MethodGet, "/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject returns a project with its files.
func (c *Client) GetProject(ctx context.Context, id string) (*types.Project, error) {
	var p types.Project
	if err := c.call(ctx, http.MethodGet, projectPath(id), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProject deletes a project.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, projectPath(id), nil, nil)
}

// ListFiles lists a project's filenames.
func (c *Client) ListFiles(ctx context.Context, id string) ([]string, error) {
	var resp types.FileListResponse
	if err := c.call(ctx, http.MethodGet, projectPath(id)+"/files", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// WriteFile creates or replaces a file.
func (c *Client) WriteFile(ctx context.Context, id, name, content string) error {
	resp, err := c.doRequest(ctx, http.MethodPut, filePath(id, name), strings.NewReader(content), "application/octet-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return nil
}

// ReadFile returns a file's content.
func (c *Client) ReadFile(ctx context.Context, id, name string) (string, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, filePath(id, name), nil, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", readAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return string(data), nil
}

// DeleteFile removes a file.
func (c *Client) DeleteFile(ctx context.Context, id, name string) error {
	return c.call(ctx, http.MethodDelete, filePath(id, name), nil, nil)
}

// AddDependency adds or updates a dependency.
func (c *Client) AddDependency(ctx context.Context, id, name, version string) error {
	return c.call(ctx, http.MethodPost, projectPath(id)+"/dependencies",
		types.AddDependencyRequest{Name: name, Version: version}, nil)
}

// RemoveDependency removes a dependency.
func (c *Client) RemoveDependency(ctx context.Context, id, name string) error {
	return c.call(ctx, http.MethodDelete, projectPath(id)+"/dependencies/"+url.PathEscape(name), nil, nil)
}

// Manifest renders the project's dependency manifest.
func (c *Client) Manifest(ctx context.Context, id string) (*types.Manifest, error) {
	var m types.Manifest
	if err := c.call(ctx, http.MethodGet, projectPath(id)+"/manifest", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ExportProject uploads an archive of the project to object storage.
func (c *Client) ExportProject(ctx context.Context, id string) (*types.ArchiveResponse, error) {
	var resp types.ArchiveResponse
	if err := c.call(ctx, http.MethodPost, projectPath(id)+"/export", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ImportProject creates a project from a previously exported archive.
func (c *Client) ImportProject(ctx context.Context, key string) (*types.Project, error) {
	var p types.Project
	if err := c.call(ctx, http.MethodPost, "/projects/import", types.ImportRequest{Key: key}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
