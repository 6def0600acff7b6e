package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
)

// DockerEngine drives the local docker daemon through the Engine API.
type DockerEngine struct {
	client *client.Client
}

func NewDockerEngine() (*DockerEngine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerEngine{client: cli}, nil
}

func (d *DockerEngine) Close() error {
	return d.client.Close()
}

func (d *DockerEngine) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

func (d *DockerEngine) EnsureImage(ctx context.Context, ref string) error {
	_, _, err := d.client.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}

	log.Info().Str("image", ref).Msg("pulling image")
	rc, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer rc.Close()

	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func (d *DockerEngine) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Volumes))
	for name, target := range spec.Volumes {
		mounts = append(mounts, mount.Mount{Type: mount.TypeVolume, Source: name, Target: target})
	}

	devices := make([]container.DeviceMapping, 0, len(spec.Devices))
	for _, dev := range spec.Devices {
		devices = append(devices, container.DeviceMapping{PathOnHost: dev, PathInContainer: dev, CgroupPermissions: "rwm"})
	}

	ulimits := make([]*container.Ulimit, 0, len(spec.Ulimits))
	for _, u := range spec.Ulimits {
		ulimits = append(ulimits, &container.Ulimit{Name: u.Name, Soft: u.Soft, Hard: u.Hard})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Entrypoint:   spec.Entrypoint,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		Hostname:     spec.Hostname,
		WorkingDir:   spec.WorkingDir,
		ExposedPorts: exposed,
	}

	hostCfg := &container.HostConfig{
		Privileged:   spec.Privileged,
		SecurityOpt:  spec.SecurityOpt,
		CapAdd:       spec.CapAdd,
		Tmpfs:        spec.Tmpfs,
		ShmSize:      spec.ShmSize,
		PortBindings: bindings,
		Mounts:       mounts,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
			Ulimits:  ulimits,
			Devices:  devices,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warn().Str("container", spec.Name).Str("warning", w).Msg("container create warning")
	}
	return resp.ID, nil
}

func (d *DockerEngine) StartContainer(ctx context.Context, id string) error {
	return mapErr(d.client.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *DockerEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	return mapErr(d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (d *DockerEngine) RemoveContainer(ctx context.Context, id string) error {
	return mapErr(d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}))
}

func (d *DockerEngine) InspectContainer(ctx context.Context, id string) (*ContainerState, error) {
	info, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}

	state := &ContainerState{ID: info.ID}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		state.ExitCode = info.State.ExitCode
		state.StartedAt, _ = time.Parse(time.RFC3339Nano, info.State.StartedAt)
	}
	return state, nil
}

func (d *DockerEngine) ListContainers(ctx context.Context, label string) ([]ContainerSummary, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", label)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]ContainerSummary, 0, len(list))
	for _, c := range list {
		out = append(out, ContainerSummary{
			ID:        c.ID,
			Name:      firstName(c.Names),
			State:     c.State,
			Labels:    c.Labels,
			HostPorts: publicPorts(c.Ports),
		})
	}
	return out, nil
}

func (d *DockerEngine) RemoveVolume(ctx context.Context, name string) error {
	return mapErr(d.client.VolumeRemove(ctx, name, true))
}

func (d *DockerEngine) Logs(ctx context.Context, id string, tail int) (string, error) {
	rc, err := d.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", mapErr(err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), err
	}
	return buf.String(), nil
}

func (d *DockerEngine) Exec(ctx context.Context, id string, opts ExecOptions) (*ExecResult, error) {
	created, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		Tty:          opts.Tty,
		AttachStdin:  opts.Stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapErr(err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: opts.Tty})
	if err != nil {
		return nil, mapErr(err)
	}
	defer attach.Close()

	// Unblock the stream copy when the caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	if opts.Stdin != nil {
		go func() {
			io.Copy(attach.Conn, opts.Stdin)
			attach.CloseWrite()
		}()
	}

	var stdout, stderr bytes.Buffer
	if opts.Tty {
		_, err = io.Copy(&stdout, attach.Reader)
	} else {
		_, err = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	exitCode, err := d.waitExec(ctx, created.ID)
	if err != nil {
		return nil, err
	}

	return &ExecResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// waitExec polls briefly because the exec can still report running right after its stream closes.
func (d *DockerEngine) waitExec(ctx context.Context, execID string) (int, error) {
	for i := 0; i < 20; i++ {
		inspect, err := d.client.ContainerExecInspect(ctx, execID)
		if err != nil {
			return -1, mapErr(err)
		}
		if !inspect.Running {
			return inspect.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return -1, fmt.Errorf("exec %s still running after output closed", execID)
}

func (d *DockerEngine) Stats(ctx context.Context, id string) (map[string]any, error) {
	// stream=false samples twice so precpu_stats is populated.
	resp, err := d.client.ContainerStats(ctx, id, false)
	if err != nil {
		return nil, mapErr(err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return raw, nil
}

func (d *DockerEngine) AttachShell(ctx context.Context, id string, opts ExecOptions) (Shell, error) {
	created, err := d.client.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		WorkingDir:   opts.WorkingDir,
		User:         opts.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, mapErr(err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, mapErr(err)
	}

	return &dockerShell{client: d.client, execID: created.ID, conn: attach}, nil
}

type dockerShell struct {
	client *client.Client
	execID string
	conn   types.HijackedResponse
	once   sync.Once
}

func (s *dockerShell) ID() string {
	return s.execID
}

func (s *dockerShell) Read(p []byte) (int, error) {
	return s.conn.Reader.Read(p)
}

func (s *dockerShell) Write(p []byte) (int, error) {
	return s.conn.Conn.Write(p)
}

func (s *dockerShell) Close() error {
	s.once.Do(s.conn.Close)
	return nil
}

func (s *dockerShell) Resize(ctx context.Context, cols, rows uint) error {
	return s.client.ContainerExecResize(ctx, s.execID, container.ResizeOptions{Width: cols, Height: rows})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, err.Error())
	}
	return err
}

func firstName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	n := names[0]
	if len(n) > 0 && n[0] == '/' {
		return n[1:]
	}
	return n
}

func publicPorts(ports []types.Port) []int {
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if p.PublicPort > 0 {
			out = append(out, int(p.PublicPort))
		}
	}
	return out
}
