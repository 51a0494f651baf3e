package podman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Client wraps the podman CLI for container operations.
type Client struct {
	binaryPath string
	authFile   string // dedicated auth file to avoid Docker credential helper conflicts
}

// NewClient creates a new Podman client. It verifies podman is available.
// An empty binaryPath looks podman up in PATH.
func NewClient(binaryPath string) (*Client, error) {
	if binaryPath == "" {
		binaryPath = "podman"
	}
	path, err := exec.LookPath(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("podman not found: %w", err)
	}

	// Podman must not inherit Docker Desktop's credential helpers when
	// pulling language images.
	authFile, err := ensureAuthFile()
	if err != nil {
		return nil, fmt.Errorf("failed to set up podman auth: %w", err)
	}

	return &Client{binaryPath: path, authFile: authFile}, nil
}

func ensureAuthFile() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "runbox")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	authFile := filepath.Join(dir, "auth.json")
	if _, err := os.Stat(authFile); os.IsNotExist(err) {
		if err := os.WriteFile(authFile, []byte(`{"auths":{}}`), 0600); err != nil {
			return "", err
		}
	}
	return authFile, nil
}

// ExecResult holds the output from a podman command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func (c *Client) command(ctx context.Context, args ...string) *exec.Cmd {
	var cmd *exec.Cmd
	if ctx == nil {
		cmd = exec.Command(c.binaryPath, args...)
	} else {
		cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	}
	cmd.Env = append(os.Environ(), "REGISTRY_AUTH_FILE="+c.authFile)
	return cmd
}

// Run executes a podman command and returns the result.
func (c *Client) Run(ctx context.Context, args ...string) (*ExecResult, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("podman exec failed: %w", err)
	}

	return result, nil
}

// RunJSON executes a podman command and parses JSON output into dest.
func (c *Client) RunJSON(ctx context.Context, dest interface{}, args ...string) error {
	result, err := c.Run(ctx, args...)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman %s failed (exit %d): %s",
			strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	if err := json.Unmarshal([]byte(result.Stdout), dest); err != nil {
		return fmt.Errorf("failed to parse podman output: %w", err)
	}
	return nil
}

// Version returns the podman version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	result, err := c.Run(ctx, "version", "--format", "{{.Client.Version}}")
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("podman version failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return strings.TrimSpace(result.Stdout), nil
}

// PullImage pulls a container image.
func (c *Client) PullImage(ctx context.Context, image string) error {
	result, err := c.Run(ctx, "pull", "--quiet", image)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman pull failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// ImageExists checks whether an image is available locally.
func (c *Client) ImageExists(ctx context.Context, image string) (bool, error) {
	result, err := c.Run(ctx, "image", "exists", image)
	if err != nil {
		return false, err
	}
	return result.ExitCode == 0, nil
}
