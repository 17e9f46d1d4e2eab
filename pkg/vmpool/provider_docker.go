package vmpool

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stacklok/sandboxd/pkg/logger"
)

// dockerAPI is the subset of the docker client used by DockerProvider,
// narrowed for testability the way toolhive's container/docker package
// narrows its own client dependency.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, opts container.StartOptions) error
	ContainerStop(ctx context.Context, id string, opts container.StopOptions) error
	ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerCommit(ctx context.Context, id string, opts container.CommitOptions) (container.CommitResponse, error)
}

// DockerProvider is the one wired VM provider: it runs a desktop-agent
// container image as a surrogate VM, one container per pool item.
type DockerProvider struct {
	api   dockerAPI
	image string
}

// NewDockerProvider builds a DockerProvider backed by a real docker client
// talking to the local daemon. image is the desktop-agent image to run.
func NewDockerProvider(image string) (*DockerProvider, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerProvider{api: cli, image: image}, nil
}

const (
	dockerServerPort   = "5000/tcp"
	dockerChromiumPort = "9222/tcp"
	dockerVNCPort      = "8006/tcp"
	dockerVLCPort      = "8080/tcp"
)

// StartEmulator starts a fresh container for path (used as the container
// name) and returns its address as "host:server:chromium:vnc:vlc".
func (d *DockerProvider) StartEmulator(ctx context.Context, path string, _ bool, _ string) (string, error) {
	exposed := nat.PortSet{
		nat.Port(dockerServerPort):   struct{}{},
		nat.Port(dockerChromiumPort): struct{}{},
		nat.Port(dockerVNCPort):      struct{}{},
		nat.Port(dockerVLCPort):      struct{}{},
	}
	cfg := &container.Config{Image: d.image, ExposedPorts: exposed}
	hostCfg := &container.HostConfig{PublishAllPorts: true}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, path)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := d.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}

	var address string
	operation := func() (string, error) {
		inspect, err := d.api.ContainerInspect(ctx, resp.ID)
		if err != nil {
			return "", err
		}
		return addressFromPortMap(inspect)
	}
	address, err = backoff.Retry(ctx, operation, backoff.WithMaxTries(10))
	if err != nil {
		return "", fmt.Errorf("resolve container address: %w", err)
	}
	return address, nil
}

func addressFromPortMap(inspect container.InspectResponse) (string, error) {
	if inspect.NetworkSettings == nil {
		return "", fmt.Errorf("container has no network settings yet")
	}
	portFor := func(p string) (string, error) {
		bindings, ok := inspect.NetworkSettings.Ports[nat.Port(p)]
		if !ok || len(bindings) == 0 {
			return "0", fmt.Errorf("port %s not yet bound", p)
		}
		return bindings[0].HostPort, nil
	}
	server, err := portFor(dockerServerPort)
	if err != nil {
		return "", err
	}
	chromium, _ := portFor(dockerChromiumPort)
	vnc, _ := portFor(dockerVNCPort)
	vlc, _ := portFor(dockerVLCPort)
	return fmt.Sprintf("127.0.0.1:%s:%s:%s:%s", server, chromium, vnc, vlc), nil
}

// StopEmulator stops and removes the container named path.
func (d *DockerProvider) StopEmulator(ctx context.Context, path string) error {
	if err := d.api.ContainerStop(ctx, path, container.StopOptions{}); err != nil {
		logger.Warnf("[vmpool] docker: stop %s failed, attempting removal anyway: %v", path, err)
	}
	return d.api.ContainerRemove(ctx, path, container.RemoveOptions{Force: true})
}

// GetIPAddress re-inspects the container and returns its current address.
func (d *DockerProvider) GetIPAddress(ctx context.Context, path string) (string, error) {
	inspect, err := d.api.ContainerInspect(ctx, path)
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}
	return addressFromPortMap(inspect)
}

// RevertToSnapshot commits the container's filesystem as an image tagged
// snapshot and returns the same path — the docker provider doesn't rename
// containers on revert, it restarts from the committed image in place.
func (d *DockerProvider) RevertToSnapshot(ctx context.Context, path, snapshot string) (string, error) {
	if _, err := d.api.ContainerCommit(ctx, path, container.CommitOptions{Reference: snapshot}); err != nil {
		return "", fmt.Errorf("commit snapshot: %w", err)
	}
	if err := d.StopEmulator(ctx, path); err != nil {
		return "", fmt.Errorf("stop before revert: %w", err)
	}
	return path, nil
}
