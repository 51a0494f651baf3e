package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

// dockerClient is the subset of the Engine API the runner uses.
type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRunner runs sandboxes through the Docker Engine API.
type DockerRunner struct {
	cli         dockerClient
	scratchDir  string
	outputLimit int
	log         zerolog.Logger
}

// NewDockerRunner connects using the standard DOCKER_HOST environment.
func NewDockerRunner(scratchDir string, outputLimit int, log zerolog.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRunner(cli, scratchDir, outputLimit, log), nil
}

func newDockerRunner(cli dockerClient, scratchDir string, outputLimit int, log zerolog.Logger) *DockerRunner {
	return &DockerRunner{
		cli:         cli,
		scratchDir:  scratchDir,
		outputLimit: outputLimit,
		log:         log.With().Str("component", "docker-runner").Logger(),
	}
}

func (r *DockerRunner) Backend() string { return "docker" }

func (r *DockerRunner) Close() error { return r.cli.Close() }

func dockerConfigs(spec Spec, workspaceDir string) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedEnvKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}

	cfg := &container.Config{
		Image:           spec.Image,
		Cmd:             spec.Command,
		Env:             env,
		User:            "65534:65534",
		WorkingDir:      WorkspaceDir,
		NetworkDisabled: true,
		Labels:          map[string]string{LabelJob: spec.JobID},
	}
	if spec.Stdin != "" {
		cfg.AttachStdin = true
		cfg.OpenStdin = true
		cfg.StdinOnce = true
	}

	pids := int64(64)
	if spec.Limits.PidsLimit > 0 {
		pids = int64(spec.Limits.PidsLimit)
	}
	hostCfg := &container.HostConfig{
		Binds:          []string{workspaceDir + ":" + WorkspaceDir + ":rw"},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs:          map[string]string{"/tmp": "rw,nosuid,nodev,size=64m"},
		Resources: container.Resources{
			PidsLimit: &pids,
		},
	}
	if spec.Limits.MemoryMB > 0 {
		mem := int64(spec.Limits.MemoryMB) * 1024 * 1024
		hostCfg.Resources.Memory = mem
		hostCfg.Resources.MemorySwap = mem
	}
	if spec.Limits.CPUShare > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.Limits.CPUShare * 1e9)
	}
	return cfg, hostCfg
}

func (r *DockerRunner) Run(ctx context.Context, spec Spec) (*Result, error) {
	ws, err := newWorkspace(r.scratchDir, spec.Files)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			r.log.Warn().Err(err).Str("job_id", spec.JobID).Msg("failed to remove workspace")
		}
	}()

	// Setup calls must not be aborted by a cancel racing the start, or the
	// container would be left half-created.
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSetup()

	cfg, hostCfg := dockerConfigs(spec, ws.Dir)
	created, err := r.cli.ContainerCreate(setupCtx, cfg, hostCfg, nil, nil, ContainerName(spec.JobID))
	if err != nil {
		return nil, fmt.Errorf("%w: create: %v", ErrStartFailed, err)
	}
	id := created.ID
	defer r.remove(id)

	if spec.Stdin != "" {
		hijack, err := r.cli.ContainerAttach(setupCtx, id, container.AttachOptions{Stream: true, Stdin: true})
		if err != nil {
			return nil, fmt.Errorf("%w: attach: %v", ErrStartFailed, err)
		}
		go func() {
			defer hijack.Close()
			_, _ = io.Copy(hijack.Conn, strings.NewReader(spec.Stdin))
			_ = hijack.CloseWrite()
		}()
	}

	start := time.Now()
	if err := r.cli.ContainerStart(setupCtx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrStartFailed, err)
	}

	stdout := newCappedBuffer(r.outputLimit)
	stderr := newCappedBuffer(r.outputLimit)
	logsDone := make(chan struct{})
	logs, err := r.cli.ContainerLogs(setupCtx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		close(logsDone)
		r.log.Warn().Err(err).Str("job_id", spec.JobID).Msg("failed to follow logs")
	} else {
		go func() {
			defer close(logsDone)
			defer logs.Close()
			_, _ = stdcopy.StdCopy(stdout, stderr, logs)
		}()
	}

	res := &Result{}
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	statusCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	select {
	case st := <-statusCh:
		res.ExitCode = int(st.StatusCode)
	case err := <-errCh:
		// The container started, so the program may have run. Not a
		// start failure and not retried.
		return nil, fmt.Errorf("wait for container %s: %w", id, err)
	case <-ctx.Done():
		res.Interrupted = true
		res.ExitCode = r.stop(id, spec.GracePeriod, gracefulStop(ctx))
	}
	res.Duration = time.Since(start)

	select {
	case <-logsDone:
	case <-time.After(2 * time.Second):
		r.log.Warn().Str("job_id", spec.JobID).Msg("log stream did not close")
	}
	res.Stdout, res.StdoutTruncated = stdout.String(), stdout.Truncated()
	res.Stderr, res.StderrTruncated = stderr.String(), stderr.Truncated()

	inspectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if info, err := r.cli.ContainerInspect(inspectCtx, id); err == nil && info.ContainerJSONBase != nil && info.State != nil {
		res.OOMKilled = info.State.OOMKilled
	}
	return res, nil
}

// stop ends the container and returns its exit code, or -1 if the
// runtime never confirmed the exit.
func (r *DockerRunner) stop(id string, grace time.Duration, graceful bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), stopBudget(grace))
	defer cancel()

	var err error
	if graceful {
		secs := graceSeconds(grace)
		err = r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	} else {
		err = r.cli.ContainerKill(ctx, id, "KILL")
	}
	if err != nil {
		r.log.Warn().Err(err).Str("container", id).Bool("graceful", graceful).Msg("stop failed")
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		return int(st.StatusCode)
	case err := <-errCh:
		r.log.Warn().Err(err).Str("container", id).Msg("wait after stop failed")
	case <-ctx.Done():
	}
	return -1
}

func (r *DockerRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.log.Warn().Err(err).Str("container", id).Msg("failed to remove container")
	}
}

func (r *DockerRunner) Check(ctx context.Context, images []string) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker unavailable: %w", err)
	}
	var missing []string
	for _, img := range images {
		if _, err := r.cli.ImageInspect(ctx, img); err != nil {
			missing = append(missing, img)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing images: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *DockerRunner) EnsureImage(ctx context.Context, ref string) error {
	if _, err := r.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	r.log.Info().Str("image", ref).Msg("pulling image")
	rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer rc.Close()
	// the pull only completes once the progress stream is drained
	if _, err := io.Copy(io.Discard, rc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}
