// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox manages the Docker (or Podman) container that runs
// generated TypeScript. The container mounts the working root at /codehive,
// runs the federation proxy for script tool calls, and executes each script
// under a hard deadline. One manager owns one container; executions are
// serialized.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/facade"
	"github.com/stacklok/codehive/pkg/codehive/workspace"
	"github.com/stacklok/codehive/pkg/logger"
)

const (
	// ContainerName is the fixed name of the managed sandbox container.
	ContainerName = "codehive-sandbox"

	// ManagedLabel marks containers owned by the sandbox manager so
	// orphans from a previous run can be found and removed.
	ManagedLabel = "codehive.sandbox"

	containerRoot      = "/codehive"
	containerBinary    = "/usr/local/bin/codehive"
	containerWorkspace = containerRoot + "/workspace"

	implicitImport = `import * as servers from "/codehive/generated/servers/index.ts";`

	stopGraceSeconds = 10
	probeInterval    = 200 * time.Millisecond
	probeWindow      = 30 * time.Second
	execGrace        = 5 * time.Second

	// timeout(1) exit statuses that mean the script hit its deadline:
	// 124 is reported by timeout itself, 137 is 128+SIGKILL.
	timeoutExitCode = 124
	killExitCode    = 137
)

// State describes the sandbox container lifecycle.
type State string

const (
	// StateAbsent means no container is running.
	StateAbsent State = "absent"

	// StateStarting means the container is being created or the proxy is
	// not yet answering its health endpoint.
	StateStarting State = "starting"

	// StateHealthy means the container is up and the proxy answers probes.
	StateHealthy State = "healthy"

	// StateUnhealthy means the container exists but a runtime operation
	// failed; the next execution replaces it.
	StateUnhealthy State = "unhealthy"
)

// Manager owns the sandbox container lifecycle and script execution.
type Manager struct {
	docker       dockerAPI
	cfg          *config.Config
	root         string
	image        string
	proxyPort    int
	redirectPort int
	executable   string

	execTimeout time.Duration
	httpClient  *http.Client

	probeInterval time.Duration
	probeWindow   time.Duration

	mu          sync.Mutex
	state       State
	containerID string

	stopOnce sync.Once
}

var _ facade.ScriptRunner = (*Manager)(nil)

// NewManager connects to the container runtime and returns a manager for cfg.
// The running executable is the binary mounted into the container as the
// federation proxy.
func NewManager(ctx context.Context, cfg *config.Config) (*Manager, error) {
	dockerClient, socketPath, err := newDockerClient(ctx)
	if err != nil {
		return nil, err
	}
	logger.Debugf("Connected to container runtime at %s", socketPath)

	executable, err := os.Executable()
	if err != nil {
		if closeErr := dockerClient.Close(); closeErr != nil {
			logger.Debugf("Failed to close container runtime client: %v", closeErr)
		}
		return nil, fmt.Errorf("failed to locate the running executable: %w", err)
	}

	return newManager(dockerClient, cfg, executable)
}

func newManager(docker dockerAPI, cfg *config.Config, executable string) (*Manager, error) {
	if cfg == nil || cfg.Sandbox == nil || cfg.OAuth == nil {
		return nil, fmt.Errorf("%w: sandbox manager requires a defaulted configuration", codehive.ErrInvalidConfig)
	}
	if !filepath.IsAbs(cfg.Root) {
		return nil, fmt.Errorf("%w: root must be an absolute path, got %q", codehive.ErrInvalidConfig, cfg.Root)
	}

	return &Manager{
		docker:        docker,
		cfg:           cfg,
		root:          cfg.Root,
		image:         cfg.Sandbox.Image,
		proxyPort:     cfg.Sandbox.ProxyPort,
		redirectPort:  cfg.OAuth.RedirectPort,
		executable:    executable,
		execTimeout:   time.Duration(cfg.Sandbox.ExecTimeout),
		httpClient:    &http.Client{Timeout: time.Second},
		probeInterval: probeInterval,
		probeWindow:   probeWindow,
		state:         StateAbsent,
	}, nil
}

// Ensure brings up the sandbox container and waits until the in-container
// proxy answers its health endpoint. Calling Ensure on a healthy sandbox is
// a no-op.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	if m.state == StateHealthy {
		return nil
	}

	if err := m.cleanupOrphans(ctx); err != nil {
		return err
	}
	if err := m.ensureImage(ctx); err != nil {
		return err
	}
	if err := m.startContainer(ctx); err != nil {
		m.teardownLocked(ctx)
		return err
	}
	if err := m.spawnProxy(ctx); err != nil {
		m.teardownLocked(ctx)
		return err
	}
	if err := m.awaitHealthy(ctx); err != nil {
		m.teardownLocked(ctx)
		return fmt.Errorf("%w: %v", codehive.ErrSandboxUnhealthy, err)
	}

	m.state = StateHealthy
	logger.Infof("Sandbox %s is healthy, proxy on 127.0.0.1:%d", ContainerName, m.proxyPort)
	return nil
}

// cleanupOrphans removes managed containers left behind by a previous run.
func (m *Manager) cleanupOrphans(ctx context.Context) error {
	containers, err := m.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		return fmt.Errorf("failed to list sandbox containers: %w", err)
	}

	for _, orphan := range containers {
		logger.Infof("Removing orphaned sandbox container %.12s", orphan.ID)
		m.stopAndRemove(ctx, orphan.ID)
	}
	return nil
}

// stopAndRemove stops and force-removes a container, logging rather than
// failing when the container is already gone.
func (m *Manager) stopAndRemove(ctx context.Context, containerID string) {
	timeoutSeconds := stopGraceSeconds
	if err := m.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warnf("Failed to stop container %.12s: %v", containerID, err)
	}
	if err := m.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		logger.Warnf("Failed to remove container %.12s: %v", containerID, err)
	}
}

func (m *Manager) startContainer(ctx context.Context) error {
	m.state = StateStarting

	if err := m.writeProxyConfig(); err != nil {
		return err
	}

	exposedPorts, portBindings, err := loopbackPortBindings(m.proxyPort, m.redirectPort)
	if err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image: m.image,
		// The primary process only keeps the container alive; the proxy
		// and scripts run as execs so their lifetimes stay independent.
		Cmd:          []string{"sleep", "infinity"},
		Labels:       map[string]string{ManagedLabel: "true"},
		ExposedPorts: exposedPorts,
	}
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: m.root,
				Target: containerRoot,
			},
			{
				Type:     mount.TypeBind,
				Source:   m.executable,
				Target:   containerBinary,
				ReadOnly: true,
			},
		},
		PortBindings: portBindings,
	}

	resp, err := m.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, ContainerName)
	if err != nil {
		return fmt.Errorf("failed to create sandbox container: %w", err)
	}
	m.containerID = resp.ID

	if err := m.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start sandbox container: %w", err)
	}
	logger.Debugf("Started sandbox container %.12s", resp.ID)
	return nil
}

// loopbackPortBindings exposes each port and publishes it on 127.0.0.1 with
// the same host port number.
func loopbackPortBindings(ports ...int) (nat.PortSet, nat.PortMap, error) {
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}

	for _, port := range ports {
		containerPort, err := nat.NewPort("tcp", strconv.Itoa(port))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse port %d: %w", port, err)
		}
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: strconv.Itoa(port)},
		}
	}
	return exposedPorts, portBindings, nil
}

// writeProxyConfig serializes the container-side configuration the proxy
// exec reads. Paths are rewritten so they resolve under the mount point.
func (m *Manager) writeProxyConfig() error {
	data, err := config.Marshal(m.cfg.ForSandbox(containerRoot))
	if err != nil {
		return fmt.Errorf("failed to serialize sandbox proxy config: %w", err)
	}

	generatedDir := filepath.Join(m.root, "generated")
	if err := os.MkdirAll(generatedDir, 0o755); err != nil {
		return fmt.Errorf("failed to create generated directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(generatedDir, "proxy.yaml"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write sandbox proxy config: %w", err)
	}
	return nil
}

// spawnProxy starts the federation proxy inside the container as an exec.
// Its output is forwarded to the host log until the stream ends.
func (m *Manager) spawnProxy(ctx context.Context) error {
	exec, err := m.docker.ContainerExecCreate(ctx, m.containerID, container.ExecOptions{
		Cmd: []string{
			containerBinary, "proxy",
			"--config", containerRoot + "/generated/proxy.yaml",
			"--host", "0.0.0.0",
			"--port", strconv.Itoa(m.proxyPort),
		},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy exec: %w", err)
	}

	attach, err := m.docker.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("failed to attach to proxy exec: %w", err)
	}

	go func() {
		defer attach.Close()
		sink := &proxyLogWriter{}
		if _, err := stdcopy.StdCopy(sink, sink, attach.Reader); err != nil {
			logger.Debugf("Sandbox proxy log stream ended: %v", err)
		}
	}()
	return nil
}

// proxyLogWriter forwards proxy output lines to the host log.
type proxyLogWriter struct{}

func (*proxyLogWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			logger.Infof("[sandbox proxy] %s", line)
		}
	}
	return len(p), nil
}

// awaitHealthy polls the proxy health endpoint until it answers or the
// probe window elapses.
func (m *Manager) awaitHealthy(ctx context.Context) error {
	operation := func() (struct{}, error) {
		return struct{}{}, m.probe(ctx)
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.probeInterval)),
		backoff.WithMaxElapsedTime(m.probeWindow),
	)
	if err != nil {
		return fmt.Errorf("proxy did not answer within %s: %w", m.probeWindow, err)
	}
	return nil
}

func (m *Manager) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL(), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Debugf("Failed to close health response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	return nil
}

func (m *Manager) healthURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", m.proxyPort)
}

// Execute runs TypeScript source in the sandbox and reports the outcome.
// Executions are serialized; concurrent calls queue. A sandbox that stopped
// answering its health endpoint since the last run is torn down and
// restarted before the script executes. Deadline overruns are not errors:
// the returned execution is marked timed out and keeps any partial output.
func (m *Manager) Execute(ctx context.Context, code string, timeout time.Duration) (*codehive.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.recoverLocked(ctx); err != nil {
		return nil, err
	}
	return m.runScriptLocked(ctx, code, timeout)
}

// recoverLocked verifies the sandbox is still usable and replaces it if not.
func (m *Manager) recoverLocked(ctx context.Context) error {
	if m.state == StateHealthy && m.probe(ctx) == nil {
		return nil
	}

	logger.Warnf("Sandbox is %s, starting a fresh container", m.state)
	m.teardownLocked(ctx)
	return m.ensureLocked(ctx)
}

func (m *Manager) runScriptLocked(ctx context.Context, code string, timeout time.Duration) (*codehive.Execution, error) {
	if timeout <= 0 {
		timeout = m.execTimeout
	}

	execID := uuid.New().String()
	scriptName := fmt.Sprintf(".exec-%s.ts", execID)
	hostPath := filepath.Join(workspace.Dir(m.root), scriptName)

	// The implicit import puts every generated binding in scope as
	// servers.<backend>.<tool>.
	script := implicitImport + "\n" + code + "\n"
	if err := os.WriteFile(hostPath, []byte(script), 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage script: %w", err)
	}
	defer func() {
		if err := os.Remove(hostPath); err != nil {
			logger.Debugf("Failed to remove staged script %s: %v", scriptName, err)
		}
	}()

	// timeout(1) enforces the deadline inside the container; the host-side
	// context guard only fires if the daemon stops responding.
	killAfter := int(math.Ceil(timeout.Seconds()))
	cmd := []string{
		"timeout", "-s", "KILL", strconv.Itoa(killAfter),
		"deno", "run", "--allow-all", "--quiet",
		path.Join(containerWorkspace, scriptName),
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout+execGrace)
	defer cancel()

	started := time.Now()

	exec, err := m.docker.ContainerExecCreate(execCtx, m.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   containerWorkspace,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		m.state = StateUnhealthy
		return nil, fmt.Errorf("failed to create script exec: %w", err)
	}

	attach, err := m.docker.ContainerExecAttach(execCtx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		m.state = StateUnhealthy
		return nil, fmt.Errorf("failed to attach to script exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			m.state = StateUnhealthy
			return nil, fmt.Errorf("failed to read script output: %w", err)
		}
	case <-execCtx.Done():
		m.state = StateUnhealthy
		return nil, fmt.Errorf("%w: sandbox did not return within %s", codehive.ErrTimeout, timeout+execGrace)
	}

	inspect, err := m.docker.ContainerExecInspect(execCtx, exec.ID)
	if err != nil {
		m.state = StateUnhealthy
		return nil, fmt.Errorf("failed to inspect script exec: %w", err)
	}

	execution := &codehive.Execution{
		ID:         execID,
		Code:       code,
		TimeoutMS:  int(timeout.Milliseconds()),
		StartedAt:  started,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   inspect.ExitCode,
		State:      codehive.ExecutionCompleted,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if inspect.ExitCode == timeoutExitCode || inspect.ExitCode == killExitCode {
		execution.State = codehive.ExecutionTimedOut
	}
	return execution, nil
}

// teardownLocked stops and removes the current container, if any.
func (m *Manager) teardownLocked(ctx context.Context) {
	if m.containerID != "" {
		m.stopAndRemove(ctx, m.containerID)
		m.containerID = ""
	}
	m.state = StateAbsent
}

// Shutdown stops the sandbox container and closes the runtime client.
// Safe to call more than once.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.containerID != "" {
			logger.Infof("Stopping sandbox container %s", ContainerName)
		}
		m.teardownLocked(ctx)

		if err := m.docker.Close(); err != nil {
			logger.Debugf("Failed to close container runtime client: %v", err)
		}
	})
}

// State reports the current sandbox lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
