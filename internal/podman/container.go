package podman

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// ExitCodeRuntime is returned by podman itself when the container could
// not be created or started. A contained process may exit with the same
// code, so callers confirm with ContainerInfo.Started.
const ExitCodeRuntime = 125

// Mount is a bind mount from the host into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerConfig defines how to run a container.
type ContainerConfig struct {
	Name         string
	Image        string
	Labels       map[string]string
	Env          map[string]string
	Memory       string // e.g. "256m"
	MemorySwap   string // equal to Memory disables swap
	CPUs         string // e.g. "0.5"
	PidsLimit    int
	NetworkMode  string // "none" for job sandboxes
	ReadOnly     bool
	TmpFS        map[string]string // mount -> options
	Mounts       []Mount
	CapDrop      []string
	SecurityOpts []string
	User         string
	Workdir      string
	Interactive  bool // keep stdin open
	Command      []string
}

// DefaultContainerConfig returns a security-hardened config for running
// untrusted code: no network, read-only root, no capabilities.
func DefaultContainerConfig(name, image string) ContainerConfig {
	return ContainerConfig{
		Name:         name,
		Image:        image,
		Labels:       make(map[string]string),
		Env:          make(map[string]string),
		Memory:       "256m",
		MemorySwap:   "256m",
		CPUs:         "0.5",
		PidsLimit:    64,
		NetworkMode:  "none",
		ReadOnly:     true,
		TmpFS:        map[string]string{"/tmp": "rw,nosuid,nodev,size=64m"},
		CapDrop:      []string{"ALL"},
		SecurityOpts: []string{"no-new-privileges"},
		User:         "65534:65534",
		Workdir:      "/workspace",
	}
}

// CreateArgs returns the podman arguments for "podman create" with cfg.
// Map options are emitted in key order so the argument list is stable.
func CreateArgs(cfg ContainerConfig) []string {
	args := []string{"create", "--name", cfg.Name, "--log-driver", "none"}
	if cfg.Interactive {
		args = append(args, "--interactive")
	}

	for _, k := range sortedKeys(cfg.Labels) {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, cfg.Labels[k]))
	}
	for _, k := range sortedKeys(cfg.Env) {
		args = append(args, "--env", fmt.Sprintf("%s=%s", k, cfg.Env[k]))
	}

	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.MemorySwap != "" {
		args = append(args, "--memory-swap", cfg.MemorySwap)
	}
	if cfg.CPUs != "" {
		args = append(args, "--cpus", cfg.CPUs)
	}
	if cfg.PidsLimit > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", cfg.PidsLimit))
	}
	if cfg.NetworkMode != "" {
		args = append(args, "--network", cfg.NetworkMode)
	}
	if cfg.ReadOnly {
		args = append(args, "--read-only")
	}
	for _, mount := range sortedKeys(cfg.TmpFS) {
		args = append(args, "--tmpfs", fmt.Sprintf("%s:%s", mount, cfg.TmpFS[mount]))
	}
	for _, m := range cfg.Mounts {
		opt := "rw"
		if m.ReadOnly {
			opt = "ro"
		}
		args = append(args, "--volume", fmt.Sprintf("%s:%s:%s,Z", m.Source, m.Target, opt))
	}
	for _, cap := range cfg.CapDrop {
		args = append(args, "--cap-drop", cap)
	}
	for _, opt := range cfg.SecurityOpts {
		args = append(args, "--security-opt", opt)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.Workdir != "" {
		args = append(args, "--workdir", cfg.Workdir)
	}

	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CreateContainer creates the container described by cfg without
// starting it.
func (c *Client) CreateContainer(ctx context.Context, cfg ContainerConfig) error {
	result, err := c.Run(ctx, CreateArgs(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman create failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Process is a foreground "podman start --attach" wired to caller-supplied
// streams.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      error
	once     sync.Once
}

// StartContainer starts a created container and attaches to it until it
// exits. Stdin is forwarded when interactive is set. The returned process
// is not bound to a context: callers stop it with StopContainer or
// KillContainer so the container runtime, not a signal to the CLI, tears
// it down.
func (c *Client) StartContainer(name string, interactive bool, stdin io.Reader, stdout, stderr io.Writer) (*Process, error) {
	args := []string{"start", "--attach"}
	if interactive {
		args = append(args, "--interactive")
	}
	cmd := c.command(nil, append(args, name)...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
		} else {
			p.err = err
		}
	}
	close(p.done)
}

// Done is closed when the podman CLI process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit status after Done is closed.
func (p *Process) ExitCode() (int, error) {
	<-p.done
	return p.exitCode, p.err
}

// Abandon kills the podman CLI and its process group. It is the last
// resort when the runtime does not honour stop or kill.
func (p *Process) Abandon() {
	p.once.Do(func() {
		killProcessGroup(p.cmd)
	})
}

// StopContainer sends SIGTERM and escalates to SIGKILL after timeoutSec.
func (c *Client) StopContainer(ctx context.Context, nameOrID string, timeoutSec int) error {
	args := []string{"stop", "--ignore", "--time", fmt.Sprintf("%d", timeoutSec), nameOrID}

	result, err := c.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to stop container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman stop failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// KillContainer sends SIGKILL to the container.
func (c *Client) KillContainer(ctx context.Context, nameOrID string) error {
	result, err := c.Run(ctx, "kill", "--signal", "KILL", nameOrID)
	if err != nil {
		return fmt.Errorf("failed to kill container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman kill failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// RemoveContainer removes a container by name or ID. Force=true kills running containers.
func (c *Client) RemoveContainer(ctx context.Context, nameOrID string, force bool) error {
	args := []string{"rm", "--ignore"}
	if force {
		args = append(args, "--force", "--time", "0")
	}
	args = append(args, nameOrID)

	result, err := c.Run(ctx, args...)
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", nameOrID, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("podman rm failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// ContainerInfo holds inspect output for a container.
type ContainerInfo struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		OOMKilled bool   `json:"OOMKilled"`
		ExitCode  int    `json:"ExitCode"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
	Config struct {
		Labels map[string]string `json:"Labels"`
		Image  string            `json:"Image"`
	} `json:"Config"`
}

// Started reports whether the container's process ever ran. Podman
// reports the zero time for containers that were created but never
// started.
func (i *ContainerInfo) Started() bool {
	at := strings.TrimSpace(i.State.StartedAt)
	return at != "" && !strings.HasPrefix(at, "0001-01-01")
}

// InspectContainer returns detailed info about a container.
func (c *Client) InspectContainer(ctx context.Context, nameOrID string) (*ContainerInfo, error) {
	var infos []ContainerInfo
	if err := c.RunJSON(ctx, &infos, "inspect", "--type", "container", nameOrID); err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", nameOrID, err)
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("container %s not found", nameOrID)
	}
	return &infos[0], nil
}

// PSEntry represents a container from podman ps.
type PSEntry struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
	Image  string            `json:"Image"`
}

// ListContainers lists containers matching the given label filter.
func (c *Client) ListContainers(ctx context.Context, labelFilter string) ([]PSEntry, error) {
	args := []string{"ps", "-a", "--format", "json"}
	if labelFilter != "" {
		args = append(args, "--filter", fmt.Sprintf("label=%s", labelFilter))
	}

	result, err := c.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		return nil, fmt.Errorf("podman ps failed (exit %d): %s",
			result.ExitCode, strings.TrimSpace(result.Stderr))
	}

	var entries []PSEntry
	if err := parseJSONOutput(result.Stdout, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse podman ps output: %w", err)
	}
	return entries, nil
}

// parseJSONOutput handles both JSON array and newline-delimited JSON.
func parseJSONOutput(output string, dest *[]PSEntry) error {
	output = strings.TrimSpace(output)
	if output == "" || output == "[]" {
		return nil
	}

	// Newer podman versions print an array.
	if strings.HasPrefix(output, "[") {
		return json.Unmarshal([]byte(output), dest)
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry PSEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return err
		}
		*dest = append(*dest, entry)
	}
	return nil
}
