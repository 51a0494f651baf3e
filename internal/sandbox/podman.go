package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensandbox/runbox/internal/podman"
)

// PodmanRunner runs sandboxes with the podman CLI. Each job is a
// "podman create" followed by a foreground "podman start --attach" whose
// stdio is streamed into capped buffers.
type PodmanRunner struct {
	client      *podman.Client
	scratchDir  string
	outputLimit int
	log         zerolog.Logger
}

// NewPodmanRunner creates a runner backed by client. Job workspaces are
// created under scratchDir.
func NewPodmanRunner(client *podman.Client, scratchDir string, outputLimit int, log zerolog.Logger) *PodmanRunner {
	return &PodmanRunner{
		client:      client,
		scratchDir:  scratchDir,
		outputLimit: outputLimit,
		log:         log.With().Str("component", "podman-runner").Logger(),
	}
}

func (r *PodmanRunner) Backend() string { return "podman" }

func (r *PodmanRunner) Close() error { return nil }

// containerConfig turns a spec into hardened podman options.
func containerConfig(spec Spec, workspaceDir string) podman.ContainerConfig {
	cfg := podman.DefaultContainerConfig(ContainerName(spec.JobID), spec.Image)
	cfg.Labels[LabelJob] = spec.JobID
	for k, v := range spec.Env {
		cfg.Env[k] = v
	}
	if spec.Limits.MemoryMB > 0 {
		mem := fmt.Sprintf("%dm", spec.Limits.MemoryMB)
		cfg.Memory = mem
		cfg.MemorySwap = mem
	}
	if spec.Limits.CPUShare > 0 {
		cfg.CPUs = strconv.FormatFloat(spec.Limits.CPUShare, 'f', -1, 64)
	}
	if spec.Limits.PidsLimit > 0 {
		cfg.PidsLimit = spec.Limits.PidsLimit
	}
	cfg.Mounts = []podman.Mount{{Source: workspaceDir, Target: WorkspaceDir}}
	cfg.Interactive = spec.Stdin != ""
	cfg.Command = spec.Command
	return cfg
}

func (r *PodmanRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	ws, err := newWorkspace(r.scratchDir, spec.Files)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			r.log.Warn().Err(err).Str("job_id", spec.JobID).Msg("failed to remove workspace")
		}
	}()

	cfg := containerConfig(spec, ws.Dir)
	stdout := newCappedBuffer(r.outputLimit)
	stderr := newCappedBuffer(r.outputLimit)
	var stdin io.Reader
	if spec.Stdin != "" {
		stdin = strings.NewReader(spec.Stdin)
	}

	// Setup calls must not be aborted by a cancel racing the start, or the
	// container would be left half-created.
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSetup()
	if err := r.client.CreateContainer(setupCtx, cfg); err != nil {
		r.remove(cfg.Name)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	defer r.remove(cfg.Name)

	start := time.Now()
	proc, err := r.client.StartContainer(cfg.Name, cfg.Interactive, stdin, stdout, stderr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	res := &Result{}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		res.Interrupted = true
		r.stop(cfg.Name, spec.GracePeriod, gracefulStop(ctx), proc)
	}

	code, waitErr := proc.ExitCode()
	res.Duration = time.Since(start)
	res.ExitCode = code
	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.Truncated()
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.Truncated()

	if waitErr != nil && !res.Interrupted {
		return res, fmt.Errorf("wait for container %s: %w", cfg.Name, waitErr)
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := r.client.InspectContainer(inspectCtx, cfg.Name)
	if err != nil {
		r.log.Warn().Err(err).Str("job_id", spec.JobID).Msg("failed to inspect container")
		return res, nil
	}
	// Podman exits 125 both when it cannot start the container and when
	// the program itself exits 125. Only the former is a start failure.
	if code == podman.ExitCodeRuntime && !res.Interrupted && !info.Started() {
		return res, fmt.Errorf("%w: %s", ErrStartFailed, strings.TrimSpace(res.Stderr))
	}
	res.OOMKilled = info.State.OOMKilled
	return res, nil
}

// stop ends a running sandbox. A graceful stop sends SIGTERM and lets the
// runtime escalate after grace; otherwise the container is killed. If the
// CLI still has not exited after the budget, its process group is killed.
func (r *PodmanRunner) stop(name string, grace time.Duration, graceful bool, proc *podman.Process) {
	ctx, cancel := context.WithTimeout(context.Background(), stopBudget(grace))
	defer cancel()

	var err error
	if graceful {
		err = r.client.StopContainer(ctx, name, graceSeconds(grace))
	} else {
		err = r.client.KillContainer(ctx, name)
	}
	if err != nil {
		r.log.Warn().Err(err).Str("container", name).Bool("graceful", graceful).Msg("stop failed")
	}

	select {
	case <-proc.Done():
	case <-ctx.Done():
		r.log.Error().Str("container", name).Msg("container did not exit, killing podman process group")
		proc.Abandon()
		<-proc.Done()
	}
}

func (r *PodmanRunner) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.RemoveContainer(ctx, name, true); err != nil {
		r.log.Warn().Err(err).Str("container", name).Msg("failed to remove container")
	}
}

func (r *PodmanRunner) Check(ctx context.Context, images []string) error {
	if _, err := r.client.Version(ctx); err != nil {
		return fmt.Errorf("podman unavailable: %w", err)
	}
	var missing []string
	for _, img := range images {
		ok, err := r.client.ImageExists(ctx, img)
		if err != nil {
			return fmt.Errorf("failed to check image %s: %w", img, err)
		}
		if !ok {
			missing = append(missing, img)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing images: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *PodmanRunner) EnsureImage(ctx context.Context, image string) error {
	ok, err := r.client.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	r.log.Info().Str("image", image).Msg("pulling image")
	return r.client.PullImage(ctx, image)
}

// RemoveOrphans deletes job containers left behind by a previous process.
func (r *PodmanRunner) RemoveOrphans(ctx context.Context) (int, error) {
	entries, err := r.client.ListContainers(ctx, LabelJob)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, e := range entries {
		if err := r.client.RemoveContainer(ctx, e.ID, true); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
