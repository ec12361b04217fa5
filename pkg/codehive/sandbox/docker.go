// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/stacklok/codehive/pkg/logger"
)

// DockerSocketEnv overrides container socket discovery when set.
const DockerSocketEnv = "CODEHIVE_DOCKER_SOCKET"

const (
	podmanSocketPath        = "/var/run/podman/podman.sock"
	podmanXDGSocketPath     = "podman/podman.sock"
	podmanUserSocketPath    = ".local/share/containers/podman/machine/podman.sock"
	dockerSocketPath        = "/var/run/docker.sock"
	dockerDesktopSocketPath = ".docker/run/docker.sock"
)

// ErrRuntimeNotFound is returned when no container runtime socket can be located.
var ErrRuntimeNotFound = errors.New("container runtime not found")

// dockerAPI is the subset of the Docker SDK client the sandbox manager uses.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string,
	) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
	Close() error
}

// newDockerClient locates the container runtime socket and builds an SDK
// client pointed at it. Returns the client and the socket path used.
func newDockerClient(ctx context.Context) (*client.Client, string, error) {
	socketPath, err := findContainerSocket()
	if err != nil {
		return nil, "", err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(dialCtx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(dialCtx, "unix", socketPath)
			},
		},
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://"+socketPath),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create container runtime client: %w", err)
	}

	if _, err := dockerClient.Ping(ctx); err != nil {
		if closeErr := dockerClient.Close(); closeErr != nil {
			logger.Debugf("Failed to close container runtime client: %v", closeErr)
		}
		return nil, "", fmt.Errorf("failed to ping container runtime at %s: %w", socketPath, err)
	}

	return dockerClient, socketPath, nil
}

// findContainerSocket returns the first container runtime socket that exists,
// checking the environment override, then Podman locations, then Docker.
func findContainerSocket() (string, error) {
	if envPath := os.Getenv(DockerSocketEnv); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return "", fmt.Errorf("invalid socket path in %s: %w", DockerSocketEnv, err)
		}
		return envPath, nil
	}

	candidates := []string{podmanSocketPath}
	if xdgRuntimeDir := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntimeDir != "" {
		candidates = append(candidates, filepath.Join(xdgRuntimeDir, podmanXDGSocketPath))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, podmanUserSocketPath))
	}
	candidates = append(candidates, dockerSocketPath)
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, dockerDesktopSocketPath))
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			logger.Debugf("Found container socket at %s", candidate)
			return candidate, nil
		}
	}

	return "", ErrRuntimeNotFound
}
