// Package container drives an OCI-compatible container runtime: creates,
// starts, stops, restarts, and destroys agent containers, assembles mount
// specs from the resolved profile, allocates ports, and names containers
// deterministically from workspace identity.
package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"ploinky/internal/errs"
)

// Client wraps the Docker Engine API client with the subset of operations
// the agent lifecycle needs. Despite the package name it is driven by
// whatever OCI-compatible CLI/socket DetectRuntime finds: the Docker
// Engine API is vendored by podman and nerdctl alike, so one client
// implementation serves all three once pointed at the right socket.
type Client struct {
	api *client.Client
}

// NewClient connects to runtime.Host, the API socket DetectRuntime chose
// (DOCKER_HOST first, else an auto-detected or default socket), and pings
// it; a failed ping is an Unavailable error.
func NewClient(runtime Runtime) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(runtime.Host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "connect to "+runtime.Name, err)
	}
	if pingErr := pingClient(cli); pingErr != nil {
		_ = cli.Close()
		return nil, errs.Wrap(errs.Unavailable, "ping "+runtime.Name, pingErr)
	}
	return &Client{api: cli}, nil
}

func pingClient(cli *client.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := cli.Ping(ctx)
	return err
}

func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// ContainerByName inspects a container by its exact name, returning a nil
// info and empty id (not an error) when it does not exist.
func (c *Client) ContainerByName(ctx context.Context, name string) (string, *types.ContainerJSON, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil, errs.New(errs.Validation, "container name required")
	}
	info, err := c.api.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil, nil
		}
		return "", nil, errs.Wrap(errs.Unavailable, "inspect container "+name, err)
	}
	return info.ID, &info, nil
}

// ListByLabels returns every container (running or not) carrying the
// given labels, for label-based container discovery.
func (c *Client) ListByLabels(ctx context.Context, labels map[string]string) ([]types.Container, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		if k == "" || v == "" {
			continue
		}
		args.Add("label", k+"="+v)
	}
	list, err := c.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "list containers", err)
	}
	return list, nil
}

// CreateContainer creates (but does not start) a container.
func (c *Client) CreateContainer(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, name string) (string, error) {
	resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "create container "+name, err)
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errs.Wrap(errs.Unavailable, "start container "+id, err)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return errs.Wrap(errs.Unavailable, "stop container "+id, err)
	}
	return nil
}

func (c *Client) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.api.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return errs.Wrap(errs.Unavailable, "restart container "+id, err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return errs.Wrap(errs.Unavailable, "remove container "+id, err)
	}
	return nil
}

// HostPortFor returns the host port bound to containerPort, used to
// populate the routing table after a container starts.
func (c *Client) HostPortFor(ctx context.Context, id string, containerPort int, protocol string) (string, error) {
	if protocol == "" {
		protocol = "tcp"
	}
	info, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "inspect container "+id, err)
	}
	if info.NetworkSettings == nil {
		return "", errs.New(errs.Unavailable, "container "+id+" has no network settings")
	}
	key := nat.Port(fmt.Sprintf("%d/%s", containerPort, protocol))
	bindings, ok := info.NetworkSettings.Ports[key]
	if !ok || len(bindings) == 0 {
		return "", errs.New(errs.Unavailable, "no host port bound for "+string(key))
	}
	for _, b := range bindings {
		if strings.TrimSpace(b.HostPort) != "" {
			return b.HostPort, nil
		}
	}
	return "", errs.New(errs.Unavailable, "no host port bound for "+string(key))
}

// ExecOptions configures a one-shot exec invocation (health probes, tool
// subprocess helpers that must run inside the container).
type ExecOptions struct {
	Env     []string
	WorkDir string
	TTY     bool
}

// ExecCapture runs cmd inside the container and returns combined
// stdout+stderr, matching the health-probe and critic-style exec helpers
// in the reference implementation: trimmed stdout comes first and trimmed
// stderr, when non-empty, is appended on a new line.
func (c *Client) ExecCapture(ctx context.Context, containerID string, cmd []string, opts ExecOptions) (string, int, error) {
	if len(cmd) == 0 {
		return "", -1, errs.New(errs.Validation, "command required")
	}
	execResp, err := c.api.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkDir,
		Tty:          opts.TTY,
	})
	if err != nil {
		return "", -1, errs.Wrap(errs.Unavailable, "exec create", err)
	}
	attach, err := c.api.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{Tty: opts.TTY})
	if err != nil {
		return "", -1, errs.Wrap(errs.Unavailable, "exec attach", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if opts.TTY {
		_, _ = io.Copy(&stdout, attach.Reader)
	} else {
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}

	inspect, err := c.api.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", -1, errs.Wrap(errs.Unavailable, "exec inspect", err)
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	combined := out
	if errOut != "" {
		if combined != "" {
			combined += "\n" + errOut
		} else {
			combined = errOut
		}
	}
	return combined, inspect.ExitCode, nil
}

// WaitContainer blocks until the container exits (or ctx is cancelled)
// and returns its exit code, used by the disposable install container
// flow in §4.B.
func (c *Client) WaitContainer(ctx context.Context, id string) (int, error) {
	statusCh, errCh := c.api.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, errs.Wrap(errs.Unavailable, "wait container "+id, err)
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// Logs returns the container's recent combined output.
func (c *Client) Logs(ctx context.Context, id string, tail int) (string, error) {
	tailStr := ""
	if tail > 0 {
		tailStr = fmt.Sprintf("%d", tail)
	}
	reader, err := c.api.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailStr,
		Timestamps: true,
	})
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "container logs", err)
	}
	defer reader.Close()
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		_, _ = io.Copy(&buf, reader)
	}
	return buf.String(), nil
}
