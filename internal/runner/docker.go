package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"nendo-server/internal/config"
	"nendo-server/internal/logging"
)

const (
	pollInterval    = 2 * time.Second
	scriptMountPath = "/home/nendo/run.py"
	cacheMountPath  = "/home/nendo/.cache"
)

// Runner starts action containers through the Docker daemon and collects
// their results. One Runner is shared by all workers.
type Runner struct {
	cli *client.Client
	cfg config.Config
}

// New connects to the local Docker daemon using the environment defaults.
func New(cfg config.Config) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runner{cli: cli, cfg: cfg}, nil
}

func (r *Runner) env(spec ActionSpec) []string {
	plugins, _ := json.Marshal(spec.Plugins)
	env := []string{
		"LIBRARY_PLUGIN=" + r.cfg.Docker.LibraryPlugin,
		"LIBRARY_PATH=" + r.cfg.Docker.LibraryMountPath,
		"USER_ID=" + spec.UserID,
		"PLUGINS=" + string(plugins),
		"POSTGRES_HOST=" + r.cfg.Docker.PostgresHost,
		"POSTGRES_USER=" + r.cfg.Docker.PostgresUser,
		"POSTGRES_PASSWORD=" + r.cfg.Docker.PostgresPassword,
		"POSTGRES_DB=" + r.cfg.Docker.PostgresDB,
		fmt.Sprintf("USE_GPU=%v", spec.GPU),
		fmt.Sprintf("REPLACE_PLUGIN_DATA=%v", spec.ReplacePluginData),
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (r *Runner) hostConfig(spec ActionSpec) *container.HostConfig {
	binds := []string{
		filepath.Join(r.cfg.Docker.HostBasePath, "library") + ":" + r.cfg.Docker.LibraryMountPath,
		r.cfg.Docker.ModelCacheVolume + ":" + cacheMountPath,
	}
	if spec.ScriptPath != "" {
		binds = append(binds, filepath.Join(r.cfg.Docker.HostAppsPath, spec.ScriptPath)+":"+scriptMountPath+":ro")
	}

	hc := &container.HostConfig{
		Binds:       binds,
		NetworkMode: container.NetworkMode(r.cfg.Docker.NetworkName),
		ShmSize:     r.cfg.Docker.ShmSizeBytes,
		IpcMode:     container.IPCModeHost,
		Resources: container.Resources{
			Ulimits: []*units.Ulimit{
				{Name: "memlock", Soft: r.cfg.Docker.MemlockUlimit, Hard: r.cfg.Docker.MemlockUlimit},
				{Name: "stack", Soft: r.cfg.Docker.StackUlimit, Hard: r.cfg.Docker.StackUlimit},
			},
		},
	}
	if spec.GPU {
		hc.Resources.DeviceRequests = []container.DeviceRequest{
			{Count: -1, Capabilities: [][]string{{"gpu"}}},
		}
	}
	return hc
}

// Run executes the action and returns the last line the container wrote to
// stdout. The container is named after the job id so that aborts can address
// it directly. A non-zero exit reports the tail of stderr as the error.
func (r *Runner) Run(ctx context.Context, jobID string, spec ActionSpec) (string, error) {
	if spec.ExecRun {
		return r.execRun(ctx, spec)
	}

	created, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   r.env(spec),
	}, r.hostConfig(spec), nil, nil, jobID)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	id := created.ID

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		r.remove(id)
		return "", fmt.Errorf("start container: %w", err)
	}
	logging.Info("action container started", "job_id", jobID, "image", spec.Image)

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.cfg.Workers.JobTimeout.Std()
	}
	// Zero timeout runs open-ended; the context is still the hard stop.
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Kill(context.Background(), id)
			return "", ctx.Err()
		case <-ticker.C:
		}

		inspect, err := r.cli.ContainerInspect(ctx, id)
		if err != nil {
			r.remove(id)
			return "", fmt.Errorf("inspect container: %w", err)
		}
		if !inspect.State.Running {
			defer r.remove(id)
			if inspect.State.ExitCode != 0 {
				stderr, _ := r.logs(ctx, id, false, true)
				return "", fmt.Errorf("action exited with code %d: %s",
					inspect.State.ExitCode, lastLines(stderr, 5))
			}
			stdout, err := r.logs(ctx, id, true, false)
			if err != nil {
				return "", err
			}
			return lastLine(stdout), nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			r.Kill(context.Background(), id)
			return "", fmt.Errorf("action timed out after %s", timeout)
		}
	}
}

// execRun runs the command inside an already-running container instead of
// starting a fresh one.
func (r *Runner) execRun(ctx context.Context, spec ActionSpec) (string, error) {
	created, err := r.cli.ContainerExecCreate(ctx, spec.ContainerName, container.ExecOptions{
		Cmd:          spec.Command,
		Env:          r.env(spec),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return "", fmt.Errorf("exec output: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return "", fmt.Errorf("action exited with code %d: %s",
			inspect.ExitCode, lastLines(stderr.String(), 5))
	}
	return lastLine(stdout.String()), nil
}

// Kill force-stops and removes the named container. Missing containers are
// not an error, the job may have finished in the meantime.
func (r *Runner) Kill(ctx context.Context, name string) error {
	if err := r.cli.ContainerKill(ctx, name, "KILL"); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	if err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Runner) remove(id string) {
	if err := r.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logging.Warn("removing action container failed", "container", id, "error", err)
	}
}

func (r *Runner) logs(ctx context.Context, id string, stdout, stderr bool) (string, error) {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: stdout, ShowStderr: stderr})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var out, errOut bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &errOut, rc); err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	if stderr && !stdout {
		return errOut.String(), nil
	}
	return out.String(), nil
}

func lastLine(s string) string {
	lines := nonEmptyLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

func lastLines(s string, n int) string {
	lines := nonEmptyLines(s)
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
