// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/codehive/pkg/codehive"
	"github.com/stacklok/codehive/pkg/codehive/config"
	"github.com/stacklok/codehive/pkg/codehive/workspace"
)

type createdContainer struct {
	id         string
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

type execRecord struct {
	id          string
	containerID string
	cmd         []string
	workingDir  string
}

// fakeDocker records container runtime calls. Script exec output is built
// as a real multiplexed stream so StdCopy demultiplexes it like the daemon
// would.
type fakeDocker struct {
	mu sync.Mutex

	orphans     []container.Summary
	imageExists bool
	builtTags   []string

	created []createdContainer
	started []string
	stopped []string
	removed []string
	execs   []execRecord

	// events interleaves "create <id>" and "inspect <id>" entries for
	// script execs, in call order.
	events []string

	scriptStdout  string
	scriptStderr  string
	scriptExit    int
	execCreateErr error
	onScriptExec  func()

	closed bool
}

var _ dockerAPI = (*fakeDocker)(nil)

func newFakeDocker() *fakeDocker {
	return &fakeDocker{imageExists: true}
}

func isScriptExec(cmd []string) bool {
	return len(cmd) > 0 && cmd[0] == "timeout"
}

func (f *fakeDocker) ContainerList(_ context.Context, _ container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	orphans := f.orphans
	f.orphans = nil
	return orphans, nil
}

func (f *fakeDocker) ContainerCreate(_ context.Context, cfg *container.Config, hostConfig *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, name string,
) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("sandbox-container-%024d", len(f.created))
	f.created = append(f.created, createdContainer{id: id, name: name, config: cfg, hostConfig: hostConfig})
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeDocker) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDocker) ContainerExecCreate(_ context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if isScriptExec(options.Cmd) {
		if f.execCreateErr != nil {
			return container.ExecCreateResponse{}, f.execCreateErr
		}
		if f.onScriptExec != nil {
			f.onScriptExec()
		}
	}
	rec := execRecord{
		id:          fmt.Sprintf("exec-%d", len(f.execs)),
		containerID: containerID,
		cmd:         options.Cmd,
		workingDir:  options.WorkingDir,
	}
	f.execs = append(f.execs, rec)
	if isScriptExec(rec.cmd) {
		f.events = append(f.events, "create "+rec.id)
	}
	return container.ExecCreateResponse{ID: rec.id}, nil
}

func (f *fakeDocker) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	f.mu.Lock()
	var payload bytes.Buffer
	for i := range f.execs {
		if f.execs[i].id == execID && isScriptExec(f.execs[i].cmd) {
			if f.scriptStdout != "" {
				w := stdcopy.NewStdWriter(&payload, stdcopy.Stdout)
				_, _ = w.Write([]byte(f.scriptStdout))
			}
			if f.scriptStderr != "" {
				w := stdcopy.NewStdWriter(&payload, stdcopy.Stderr)
				_, _ = w.Write([]byte(f.scriptStderr))
			}
			break
		}
	}
	f.mu.Unlock()

	clientConn, serverConn := net.Pipe()
	go func() {
		if payload.Len() > 0 {
			_, _ = serverConn.Write(payload.Bytes())
		}
		_ = serverConn.Close()
	}()
	return types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)}, nil
}

func (f *fakeDocker) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.execs {
		if f.execs[i].id == execID && isScriptExec(f.execs[i].cmd) {
			f.events = append(f.events, "inspect "+execID)
			break
		}
	}
	return container.ExecInspect{ExecID: execID, Running: false, ExitCode: f.scriptExit}, nil
}

func (f *fakeDocker) ImageList(_ context.Context, _ image.ListOptions) ([]image.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.imageExists {
		return nil, nil
	}
	return []image.Summary{{ID: "sha256:deadbeef"}}, nil
}

func (f *fakeDocker) ImageBuild(_ context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	if _, err := io.Copy(io.Discard, buildContext); err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builtTags = append(f.builtTags, options.Tags...)
	f.imageExists = true
	return build.ImageBuildResponse{
		Body: io.NopCloser(strings.NewReader(`{"stream":"Step 1/3 : FROM denoland/deno:alpine\n"}`)),
	}, nil
}

func (f *fakeDocker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// startHealthEndpoint stands in for the in-container proxy: the manager's
// probes hit it because the test config points the proxy port at it.
func startHealthEndpoint(t *testing.T) (int, *atomic.Bool) {
	t.Helper()

	healthy := &atomic.Bool{}
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" && healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	return srv.Listener.Addr().(*net.TCPAddr).Port, healthy
}

func testConfig(t *testing.T, proxyPort int) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Root = t.TempDir()
	cfg.Servers = []config.ServerConfig{{Name: "github", URL: "https://api.example.com/mcp"}}
	cfg.Sandbox.Image = "codehive-sandbox:test"
	cfg.Sandbox.ProxyPort = proxyPort
	require.NoError(t, workspace.EnsureLayout(cfg.Root))
	return cfg
}

func newTestManager(t *testing.T, docker dockerAPI, cfg *config.Config) *Manager {
	t.Helper()

	m, err := newManager(docker, cfg, "/usr/local/bin/codehive-host")
	require.NoError(t, err)
	m.probeInterval = 10 * time.Millisecond
	m.probeWindow = 500 * time.Millisecond
	return m
}

func TestNewManagerRequiresDefaultedConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Root: "/tmp/codehive"}
	_, err := newManager(newFakeDocker(), cfg, "/usr/local/bin/codehive")
	require.ErrorIs(t, err, codehive.ErrInvalidConfig)
}

func TestNewManagerRejectsRelativeRoot(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.Root = "relative/path"
	_, err := newManager(newFakeDocker(), cfg, "/usr/local/bin/codehive")
	require.ErrorIs(t, err, codehive.ErrInvalidConfig)
	require.ErrorContains(t, err, "absolute")
}

func TestEnsureStartsHealthySandbox(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	cfg := testConfig(t, port)
	m := newTestManager(t, docker, cfg)

	require.NoError(t, m.Ensure(context.Background()))
	assert.Equal(t, StateHealthy, m.State())

	require.Len(t, docker.created, 1)
	created := docker.created[0]
	assert.Equal(t, ContainerName, created.name)
	assert.Equal(t, "codehive-sandbox:test", created.config.Image)
	assert.Equal(t, []string{"sleep", "infinity"}, []string(created.config.Cmd))
	assert.Equal(t, "true", created.config.Labels[ManagedLabel])

	require.Len(t, created.hostConfig.Mounts, 2)
	rootMount := created.hostConfig.Mounts[0]
	assert.Equal(t, mount.TypeBind, rootMount.Type)
	assert.Equal(t, cfg.Root, rootMount.Source)
	assert.Equal(t, "/codehive", rootMount.Target)
	assert.False(t, rootMount.ReadOnly)
	binMount := created.hostConfig.Mounts[1]
	assert.Equal(t, mount.TypeBind, binMount.Type)
	assert.Equal(t, "/usr/local/bin/codehive-host", binMount.Source)
	assert.Equal(t, "/usr/local/bin/codehive", binMount.Target)
	assert.True(t, binMount.ReadOnly)

	proxyPort := nat.Port(fmt.Sprintf("%d/tcp", port))
	redirectPort := nat.Port("3000/tcp")
	assert.Contains(t, created.config.ExposedPorts, proxyPort)
	assert.Contains(t, created.config.ExposedPorts, redirectPort)
	require.Len(t, created.hostConfig.PortBindings[proxyPort], 1)
	assert.Equal(t, "127.0.0.1", created.hostConfig.PortBindings[proxyPort][0].HostIP)
	assert.Equal(t, strconv.Itoa(port), created.hostConfig.PortBindings[proxyPort][0].HostPort)

	assert.Equal(t, []string{created.id}, docker.started)

	require.Len(t, docker.execs, 1)
	assert.Equal(t, []string{
		"/usr/local/bin/codehive", "proxy",
		"--config", "/codehive/generated/proxy.yaml",
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(port),
	}, docker.execs[0].cmd)

	assert.Empty(t, docker.builtTags, "image already present, no build expected")
}

func TestEnsureWritesSandboxProxyConfig(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	cfg := testConfig(t, port)
	m := newTestManager(t, docker, cfg)

	require.NoError(t, m.Ensure(context.Background()))

	data, err := os.ReadFile(filepath.Join(cfg.Root, "generated", "proxy.yaml"))
	require.NoError(t, err)

	parsed, err := config.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "/codehive", parsed.Root)
	require.Len(t, parsed.Servers, 1)
	assert.Equal(t, "github", parsed.Servers[0].Name)
}

func TestEnsureRemovesOrphans(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	docker.orphans = []container.Summary{
		{ID: strings.Repeat("a", 32)},
		{ID: strings.Repeat("b", 32)},
	}
	m := newTestManager(t, docker, testConfig(t, port))

	require.NoError(t, m.Ensure(context.Background()))

	wantGone := []string{strings.Repeat("a", 32), strings.Repeat("b", 32)}
	assert.Equal(t, wantGone, docker.stopped)
	assert.Equal(t, wantGone, docker.removed)
}

func TestEnsureBuildsMissingImage(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	docker.imageExists = false
	m := newTestManager(t, docker, testConfig(t, port))

	require.NoError(t, m.Ensure(context.Background()))
	assert.Equal(t, []string{"codehive-sandbox:test"}, docker.builtTags)
}

func TestEnsureFailsWhenProxyNeverHealthy(t *testing.T) {
	t.Parallel()

	port, healthy := startHealthEndpoint(t)
	healthy.Store(false)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))

	err := m.Ensure(context.Background())
	require.ErrorIs(t, err, codehive.ErrSandboxUnhealthy)
	assert.Equal(t, StateAbsent, m.State())

	require.Len(t, docker.created, 1)
	assert.Contains(t, docker.stopped, docker.created[0].id)
	assert.Contains(t, docker.removed, docker.created[0].id)
}

func TestEnsureOnHealthySandboxIsNoOp(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))

	require.NoError(t, m.Ensure(context.Background()))
	require.NoError(t, m.Ensure(context.Background()))

	assert.Len(t, docker.created, 1)
}

func TestExecuteRunsScript(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	docker.scriptStdout = "42\n"
	docker.scriptStderr = "warning: something\n"
	cfg := testConfig(t, port)

	var staged []byte
	docker.onScriptExec = func() {
		matches, globErr := filepath.Glob(filepath.Join(cfg.Root, "workspace", ".exec-*.ts"))
		if globErr != nil || len(matches) != 1 {
			return
		}
		staged, _ = os.ReadFile(matches[0])
	}

	m := newTestManager(t, docker, cfg)
	require.NoError(t, m.Ensure(context.Background()))

	exec, err := m.Execute(context.Background(), "console.log(42);", 2*time.Second)
	require.NoError(t, err)

	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, codehive.ExecutionCompleted, exec.State)
	assert.Equal(t, 0, exec.ExitCode)
	assert.Equal(t, "42\n", exec.Stdout)
	assert.Equal(t, "warning: something\n", exec.Stderr)
	assert.Equal(t, 2000, exec.TimeoutMS)
	assert.GreaterOrEqual(t, exec.DurationMS, int64(0))

	require.NotEmpty(t, staged, "script should be staged before the exec starts")
	lines := strings.SplitN(string(staged), "\n", 2)
	assert.Equal(t, implicitImport, lines[0])
	assert.Contains(t, string(staged), "console.log(42);")

	matches, err := filepath.Glob(filepath.Join(cfg.Root, "workspace", ".exec-*.ts"))
	require.NoError(t, err)
	assert.Empty(t, matches, "staged script should be removed after the run")

	require.Len(t, docker.execs, 2)
	scriptExec := docker.execs[1]
	require.Len(t, scriptExec.cmd, 9)
	assert.Equal(t, []string{"timeout", "-s", "KILL", "2", "deno", "run", "--allow-all", "--quiet"}, scriptExec.cmd[:8])
	assert.Equal(t, "/codehive/workspace/.exec-"+exec.ID+".ts", scriptExec.cmd[8])
	assert.Equal(t, "/codehive/workspace", scriptExec.workingDir)
}

func TestExecuteDeadlineExitMapsToTimedOut(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		exitCode int
	}{
		{name: "timeout reports 124", exitCode: 124},
		{name: "sigkill reports 137", exitCode: 137},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			port, _ := startHealthEndpoint(t)
			docker := newFakeDocker()
			docker.scriptStdout = "partial"
			docker.scriptExit = tc.exitCode
			m := newTestManager(t, docker, testConfig(t, port))
			require.NoError(t, m.Ensure(context.Background()))

			exec, err := m.Execute(context.Background(), "while (true) {}", time.Second)
			require.NoError(t, err)
			assert.Equal(t, codehive.ExecutionTimedOut, exec.State)
			assert.Equal(t, tc.exitCode, exec.ExitCode)
			assert.Equal(t, "partial", exec.Stdout)
		})
	}
}

func TestExecuteNonZeroExitIsCompleted(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	docker.scriptStderr = "error: thrown\n"
	docker.scriptExit = 1
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))

	exec, err := m.Execute(context.Background(), "throw new Error();", time.Second)
	require.NoError(t, err)
	assert.Equal(t, codehive.ExecutionCompleted, exec.State)
	assert.Equal(t, 1, exec.ExitCode)
	assert.Equal(t, "error: thrown\n", exec.Stderr)
}

func TestExecuteAppliesConfiguredDefaultTimeout(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	cfg := testConfig(t, port)
	cfg.Sandbox.ExecTimeout = config.Duration(45 * time.Second)
	m := newTestManager(t, docker, cfg)
	require.NoError(t, m.Ensure(context.Background()))

	exec, err := m.Execute(context.Background(), "console.log(1);", 0)
	require.NoError(t, err)
	assert.Equal(t, 45000, exec.TimeoutMS)

	scriptExec := docker.execs[len(docker.execs)-1]
	assert.Equal(t, "45", scriptExec.cmd[3])
}

func TestExecuteSerializesScripts(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Execute(context.Background(), "console.log(1);", time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	docker.mu.Lock()
	events := append([]string(nil), docker.events...)
	docker.mu.Unlock()

	// Each script must finish (create then inspect) before the next one
	// starts; overlapping executions would interleave the events.
	require.Len(t, events, 6)
	for i := 0; i < len(events); i += 2 {
		require.True(t, strings.HasPrefix(events[i], "create "), "event %d: %s", i, events[i])
		wantInspect := "inspect " + strings.TrimPrefix(events[i], "create ")
		require.Equal(t, wantInspect, events[i+1])
	}
}

func TestExecuteRestartsUnhealthySandbox(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))
	firstID := docker.created[0].id

	m.mu.Lock()
	m.state = StateUnhealthy
	m.mu.Unlock()

	_, err := m.Execute(context.Background(), "console.log(1);", time.Second)
	require.NoError(t, err)

	require.Len(t, docker.created, 2)
	assert.Contains(t, docker.stopped, firstID)
	assert.Contains(t, docker.removed, firstID)
	assert.Equal(t, StateHealthy, m.State())
}

func TestExecuteFailsWhenRecoveryFails(t *testing.T) {
	t.Parallel()

	port, healthy := startHealthEndpoint(t)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))

	healthy.Store(false)

	_, err := m.Execute(context.Background(), "console.log(1);", time.Second)
	require.ErrorIs(t, err, codehive.ErrSandboxUnhealthy)
	assert.Equal(t, StateAbsent, m.State())
}

func TestExecuteSurfacesExecFailure(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	docker.execCreateErr = fmt.Errorf("daemon went away")
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))

	_, err := m.Execute(context.Background(), "console.log(1);", time.Second)
	require.ErrorContains(t, err, "daemon went away")
	assert.Equal(t, StateUnhealthy, m.State())
}

func TestShutdownStopsAndRemoves(t *testing.T) {
	t.Parallel()

	port, _ := startHealthEndpoint(t)
	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, port))
	require.NoError(t, m.Ensure(context.Background()))
	id := docker.created[0].id

	m.Shutdown(context.Background())

	assert.Contains(t, docker.stopped, id)
	assert.Contains(t, docker.removed, id)
	assert.True(t, docker.closed)
	assert.Equal(t, StateAbsent, m.State())

	stops := len(docker.stopped)
	m.Shutdown(context.Background())
	assert.Len(t, docker.stopped, stops)
}

func TestShutdownWithoutStartIsSafe(t *testing.T) {
	t.Parallel()

	docker := newFakeDocker()
	m := newTestManager(t, docker, testConfig(t, 4484))

	m.Shutdown(context.Background())

	assert.Empty(t, docker.stopped)
	assert.True(t, docker.closed)
}
