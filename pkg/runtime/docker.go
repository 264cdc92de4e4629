package runtime

import (
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/dispider/dispider/pkg/errdefs"
)

// WorkerContainerPort is the port the worker's VNC endpoint listens on
// inside the container.
const WorkerContainerPort = 8080

// WorkerSpec describes a worker container to launch.
type WorkerSpec struct {
	Image string
	Name  string

	// Env holds KEY=VALUE pairs injected into the container.
	Env []string

	// HostPort is published to WorkerContainerPort inside the container.
	HostPort int

	// Binds are host:container mount pairs.
	Binds []string
}

// Runtime is the narrow container-engine surface the control plane uses.
type Runtime interface {
	// EnsureImage verifies the image is present on the engine.
	EnsureImage(ctx context.Context, image string) error

	// RunWorker creates and starts a worker container, returning the
	// engine-assigned container ID.
	RunWorker(ctx context.Context, spec WorkerSpec) (string, error)

	Stop(ctx context.Context, containerID string) error
	Restart(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error

	// RestartByName restarts a container addressed by name. Used to
	// reload the proxy multiplexer after a config rewrite.
	RestartByName(ctx context.Context, name string) error
}

// DockerRuntime implements Runtime against the Docker engine API.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon using the standard
// environment (DOCKER_HOST or the default Unix socket) and verifies the
// connection.
func NewDockerRuntime(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		return nil, errdefs.Unavailable("docker daemon unreachable: %v", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close closes the docker client connection.
func (r *DockerRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureImage verifies the image exists locally.
func (r *DockerRuntime) EnsureImage(ctx context.Context, image string) error {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if client.IsErrNotFound(err) {
		return errdefs.NotFound("image %q not found on the container engine", image)
	}
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", image, err)
	}
	return nil
}

// RunWorker creates and starts a worker container.
func (r *DockerRuntime) RunWorker(ctx context.Context, spec WorkerSpec) (string, error) {
	containerPort, err := nat.NewPort("tcp", strconv.Itoa(WorkerContainerPort))
	if err != nil {
		return "", fmt.Errorf("failed to build port spec: %w", err)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env:   spec.Env,
		ExposedPorts: nat.PortSet{
			containerPort: struct{}{},
		},
	}
	hostCfg := &container.HostConfig{
		Binds: spec.Binds,
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{
				{HostPort: strconv.Itoa(spec.HostPort)},
			},
		},
	}

	created, err := r.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := r.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return created.ID, nil
}

// Stop stops a running container, waiting for graceful shutdown.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	err := r.client.ContainerStop(ctx, containerID, container.StopOptions{})
	return r.mapError(err, containerID, "stop")
}

// Restart restarts a container.
func (r *DockerRuntime) Restart(ctx context.Context, containerID string) error {
	err := r.client.ContainerRestart(ctx, containerID, container.StopOptions{})
	return r.mapError(err, containerID, "restart")
}

// Remove stops and removes a container.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	return r.mapError(err, containerID, "remove")
}

// RestartByName restarts a container addressed by name. The engine
// resolves names the same way it resolves IDs.
func (r *DockerRuntime) RestartByName(ctx context.Context, name string) error {
	return r.Restart(ctx, name)
}

func (r *DockerRuntime) mapError(err error, containerID, op string) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return errdefs.NotFound("container %s not found on the engine", containerID)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, containerID, err)
}
