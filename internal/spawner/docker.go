// ABOUTME: Docker Engine implementation of the Runtime port
// ABOUTME: The only file that touches the Docker SDK; not-found maps to ErrNotFound

package spawner

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerRuntime drives containers through the Docker Engine API.
type DockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime connects to the Docker daemon. With an empty host the
// client follows the standard environment (DOCKER_HOST and friends).
func NewDockerRuntime(host string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to container runtime: %w", err)
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) Run(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: spec.Hostname,
		Env:      spec.Env,
		Labels:   spec.Labels,
	}
	hostCfg := &container.HostConfig{
		Binds:       spec.Binds,
		NetworkMode: container.NetworkMode(spec.Network),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(spec.RestartPolicy),
		},
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("creating container %s: %w", spec.Name, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("starting container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (d *DockerRuntime) Inspect(ctx context.Context, id string) (*ContainerState, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("inspecting container %s: %w", id, err)
	}

	state := &ContainerState{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Labels: info.Config.Labels,
	}
	if info.State != nil {
		state.Status = info.State.Status
		if info.State.Health != nil {
			state.Health = info.State.Health.Status
		}
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		state.CreatedAt = created
	}
	return state, nil
}

func (d *DockerRuntime) List(ctx context.Context, labels map[string]string, all bool) ([]ContainerSummary, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: all, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	summaries := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		summaries = append(summaries, ContainerSummary{
			ID:        c.ID,
			Name:      name,
			Status:    c.State,
			Labels:    c.Labels,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
		})
	}
	return summaries, nil
}

func (d *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	opts := container.StopOptions{}
	if timeout > 0 {
		secs := int(timeout.Seconds())
		opts.Timeout = &secs
	}

	err := d.cli.ContainerStop(ctx, id, opts)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("stopping container %s: %w", id, err)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string, force bool) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("removing container %s: %w", id, err)
	}
	return nil
}

func (d *DockerRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if errdefs.IsNotFound(err) {
		return "", fmt.Errorf("container %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading logs for container %s: %w", id, err)
	}
	defer rc.Close()

	// Engine log streams are multiplexed stdout/stderr frames.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", fmt.Errorf("reading logs for container %s: %w", id, err)
	}
	return buf.String(), nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
