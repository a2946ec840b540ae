// Package sandbox drives one isolation unit for one program run. It
// generalizes the container lifecycle of the sandbox-v2 subsystem this
// module is grounded on from a single-shot "execute and collect logs" call
// into the Create/WriteFile/Start/Sample/Signal/Destroy lifecycle the
// Orchestrator's state machine needs, with stdout/stderr demultiplexed in
// real time rather than read back after the container has already exited.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"apex-orchestrator/internal/apexerr"
	"apex-orchestrator/internal/catalogue"
	"apex-orchestrator/internal/logging"
)

// Signal names accepted by Driver.Signal.
type Signal string

const (
	SignalTerm Signal = "SIGTERM"
	SignalKill Signal = "SIGKILL"
)

// Mount describes one additional bind mount beyond the working directory.
type Mount struct {
	HostPath      string
	ContainerPath string
}

// Spec describes the isolation unit to allocate.
type Spec struct {
	ExecutionID  string
	Language     string
	ImageRef     string
	ContainerDir string // working directory inside the container, e.g. /workspace
	Command      []string
	EntryFile    string // relative path of the file {{file}} resolves to
	Env          map[string]string
	CPUCores     float64
	MemoryBytes  int64
	PidsLimit    int64
	AllowNetwork bool
	ExtraMounts  []Mount
	HostWorkDir  string // host directory backing ContainerDir; created by Create if empty
}

// Handle is an opaque reference to a live or torn-down isolation unit.
type Handle struct {
	id          string
	containerID string
	hostWorkDir string
	hostScratch string
	ownsWorkDir bool
	command     []string
	destroyed   bool
	mu          sync.Mutex
}

// ID returns the handle's opaque identifier.
func (h *Handle) ID() string { return h.id }

// ContainerID returns the backing Docker container id, for diagnostics only.
func (h *Handle) ContainerID() string { return h.containerID }

func (h *Handle) markDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return false
	}
	h.destroyed = true
	return true
}

func (h *Handle) isDestroyed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// Sample is a cheap, non-blocking resource reading.
type Sample struct {
	CPUPercent float64
	MemBytes   int64
	Pids       int64
	Running    bool
}

// ExitResult is delivered on StreamEndpoints.Exit when the program exits.
type ExitResult struct {
	ExitCode  int
	OOMKilled bool
	Err       error
}

// StreamEndpoints are returned by Start: read ends for stdout/stderr and a
// channel that receives exactly one ExitResult when the program exits.
type StreamEndpoints struct {
	Stdout io.Reader
	Stderr io.Reader
	Exit   <-chan ExitResult
}

// Driver is the uniform Sandbox lifecycle, independent of backend.
type Driver interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	WriteFile(ctx context.Context, h *Handle, relPath string, data []byte) error
	Start(ctx context.Context, h *Handle, stdin []byte) (*StreamEndpoints, error)
	Sample(ctx context.Context, h *Handle) (Sample, error)
	Signal(ctx context.Context, h *Handle, sig Signal) error
	Destroy(ctx context.Context, h *Handle) error
	// Lookup finds the sandbox for executionID by the "apex-sbx-"+executionID
	// naming convention Create assigns, independent of any in-memory
	// registry. ok is false if no such sandbox exists. Used by the
	// crash-recovery reconciler, which has no live Handle to work from.
	Lookup(ctx context.Context, executionID string) (h *Handle, createdAt time.Time, ok bool, err error)
}

// DockerDriver backs Driver with the Docker Engine SDK.
type DockerDriver struct {
	cli             *client.Client
	readOnlyRootfs  bool
	noNewPrivileges bool
	tmpfsSize       string
	shmSize         int64
	pullImages      bool
}

// Config configures a DockerDriver.
type Config struct {
	DockerHost      string
	ReadOnlyRootfs  bool
	NoNewPrivileges bool
	TmpfsSize       string
	ShmSize         int64
	PullImages      bool
}

// DefaultConfig returns the production-biased defaults: read-only rootfs,
// no-new-privileges, network disabled by the spec's AllowNetwork flag.
func DefaultConfig() Config {
	return Config{
		DockerHost:      envOr("DOCKER_HOST", "unix:///var/run/docker.sock"),
		ReadOnlyRootfs:  true,
		NoNewPrivileges: true,
		TmpfsSize:       "64m",
		ShmSize:         64 * 1024 * 1024,
		PullImages:      false,
	}
}

// NewDockerDriver constructs a Docker SDK-backed driver.
func NewDockerDriver(cfg Config) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithHost(cfg.DockerHost),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, apexerr.Wrap(apexerr.SandboxUnavailable, "docker sdk client init failed", err)
	}
	return &DockerDriver{
		cli:             cli,
		readOnlyRootfs:  cfg.ReadOnlyRootfs,
		noNewPrivileges: cfg.NoNewPrivileges,
		tmpfsSize:       cfg.TmpfsSize,
		shmSize:         cfg.ShmSize,
		pullImages:      cfg.PullImages,
	}, nil
}

// Close releases the underlying Docker client.
func (d *DockerDriver) Close() error { return d.cli.Close() }

// Create allocates a container (not yet started) wired to the spec's
// resource ceilings, with a host-backed working directory bind-mounted
// read-write and every cache/scratch extra mount attached.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.ImageRef == "" {
		return nil, apexerr.New(apexerr.SetupFailed, "missing image reference")
	}
	containerDir := spec.ContainerDir
	if containerDir == "" {
		containerDir = "/workspace"
	}

	hostWorkDir := spec.HostWorkDir
	ownsWorkDir := false
	if hostWorkDir == "" {
		var err error
		hostWorkDir, err = os.MkdirTemp("", "apex-sandbox-"+sanitize(spec.ExecutionID)+"-")
		if err != nil {
			return nil, apexerr.Wrap(apexerr.SetupFailed, "create sandbox workspace", err)
		}
		ownsWorkDir = true
	}
	hostScratch, err := os.MkdirTemp("", "apex-scratch-"+sanitize(spec.ExecutionID)+"-")
	if err != nil {
		os.RemoveAll(hostWorkDir)
		return nil, apexerr.Wrap(apexerr.SetupFailed, "create sandbox scratch dir", err)
	}

	if d.pullImages {
		if err := d.ensureImage(ctx, spec.ImageRef); err != nil {
			os.RemoveAll(hostWorkDir)
			os.RemoveAll(hostScratch)
			return nil, apexerr.Wrap(apexerr.SandboxUnavailable, "ensure image", err)
		}
	}

	scratchContainerPath := "/scratch"
	mounts := []mount.Mount{
		{Type: mount.TypeBind, Source: hostWorkDir, Target: containerDir},
		{Type: mount.TypeBind, Source: hostScratch, Target: scratchContainerPath},
	}
	for _, m := range spec.ExtraMounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.HostPath, Target: m.ContainerPath})
	}

	env := map[string]string{}
	for k, v := range spec.Env {
		env[k] = v
	}

	cmd := catalogue.RenderCommand(spec.Command, filepath.Join(containerDir, spec.EntryFile), scratchContainerPath)
	if len(cmd) == 0 {
		os.RemoveAll(hostWorkDir)
		os.RemoveAll(hostScratch)
		return nil, apexerr.New(apexerr.SetupFailed, "empty render command for "+spec.Language)
	}

	securityOpt := []string{}
	if d.noNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges:true")
	}

	pidsLimit := spec.PidsLimit
	if pidsLimit <= 0 {
		pidsLimit = 128
	}
	memBytes := spec.MemoryBytes
	if memBytes <= 0 {
		memBytes = 256 * 1024 * 1024
	}
	nanoCPUs := int64(spec.CPUCores * 1_000_000_000)
	if nanoCPUs <= 0 {
		nanoCPUs = 500_000_000
	}

	networkMode := "none"
	if spec.AllowNetwork {
		networkMode = "bridge"
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: d.readOnlyRootfs,
		SecurityOpt:    securityOpt,
		CapDrop:        []string{"ALL"},
		Mounts:         mounts,
		ShmSize:        d.shmSize,
		NetworkMode:    container.NetworkMode(networkMode),
		Tmpfs:          map[string]string{"/tmp": fmt.Sprintf("rw,noexec,nosuid,size=%s", d.tmpfsSize)},
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.ImageRef,
		WorkingDir:      containerDir,
		Cmd:             cmd,
		Env:             flattenEnv(env),
		AttachStdout:    true,
		AttachStderr:    true,
		AttachStdin:     true,
		OpenStdin:       true,
		StdinOnce:       true,
		Tty:             false,
		NetworkDisabled: !spec.AllowNetwork,
	}, hostCfg, &network.NetworkingConfig{}, nil, "apex-sbx-"+sanitize(spec.ExecutionID))
	if err != nil {
		os.RemoveAll(hostWorkDir)
		os.RemoveAll(hostScratch)
		return nil, apexerr.Wrap(apexerr.SandboxUnavailable, "container create failed", err)
	}

	return &Handle{
		id:          uuid.New().String(),
		containerID: created.ID,
		hostWorkDir: hostWorkDir,
		hostScratch: hostScratch,
		ownsWorkDir: ownsWorkDir,
		command:     cmd,
	}, nil
}

// WriteFile seeds a file under the working directory. Because the host
// directory is already bind-mounted by Create, writes here are visible to
// the container whether they happen before or after Start.
func (d *DockerDriver) WriteFile(ctx context.Context, h *Handle, relPath string, data []byte) error {
	if h.isDestroyed() {
		return apexerr.New(apexerr.Internal, "write to destroyed sandbox")
	}
	clean := filepath.Clean(relPath)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return apexerr.New(apexerr.SetupFailed, "invalid relative path: "+relPath)
	}
	target := filepath.Join(h.hostWorkDir, clean)
	if !strings.HasPrefix(target, filepath.Clean(h.hostWorkDir)+string(os.PathSeparator)) && target != filepath.Clean(h.hostWorkDir) {
		return apexerr.New(apexerr.SetupFailed, "path escapes working directory: "+relPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return apexerr.Wrap(apexerr.SetupFailed, "create parent dir", err)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return apexerr.Wrap(apexerr.SetupFailed, "write file", err)
	}
	return nil
}

// Start begins execution and returns streaming endpoints demuxed live from
// the attached log stream, superseding the post-hoc ContainerLogs read this
// package's ancestor used: the Orchestrator's reader tasks need incremental
// chunks, not a blob available only after the container has exited.
func (d *DockerDriver) Start(ctx context.Context, h *Handle, stdin []byte) (*StreamEndpoints, error) {
	if h.isDestroyed() {
		return nil, apexerr.New(apexerr.Internal, "start on destroyed sandbox")
	}

	if err := d.cli.ContainerStart(ctx, h.containerID, container.StartOptions{}); err != nil {
		return nil, apexerr.Wrap(apexerr.SetupFailed, "container start failed", err)
	}

	if len(stdin) > 0 {
		if err := d.writeStdin(ctx, h.containerID, stdin); err != nil {
			logging.S().Warnw("stdin attach warning", "execution", h.id, "err", err)
		}
	}

	logs, err := d.cli.ContainerLogs(context.Background(), h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return nil, apexerr.Wrap(apexerr.SetupFailed, "attach log stream", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	exitCh := make(chan ExitResult, 1)

	go func() {
		_, copyErr := stdcopy.StdCopy(stdoutW, stderrW, logs)
		stdoutW.CloseWithError(copyErr)
		stderrW.CloseWithError(copyErr)
		logs.Close()
	}()

	go func() {
		waitCh, errCh := d.cli.ContainerWait(context.Background(), h.containerID, container.WaitConditionNotRunning)
		select {
		case resp := <-waitCh:
			oom := false
			if inspect, err := d.cli.ContainerInspect(context.Background(), h.containerID); err == nil {
				oom = inspect.State != nil && inspect.State.OOMKilled
			}
			exitCh <- ExitResult{ExitCode: int(resp.StatusCode), OOMKilled: oom}
		case err := <-errCh:
			exitCh <- ExitResult{Err: err}
		}
		close(exitCh)
	}()

	return &StreamEndpoints{Stdout: stdoutR, Stderr: stderrR, Exit: exitCh}, nil
}

func (d *DockerDriver) writeStdin(ctx context.Context, containerID string, stdin []byte) error {
	att, err := d.cli.ContainerAttach(ctx, containerID, container.AttachOptions{Stdin: true, Stream: true})
	if err != nil {
		return err
	}
	defer att.Close()
	if _, err := att.Conn.Write(stdin); err != nil {
		return err
	}
	if cw, ok := interface{}(att.Conn).(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return nil
}

// Sample is a cheap, non-blocking resource reading via a one-shot stats call.
func (d *DockerDriver) Sample(ctx context.Context, h *Handle) (Sample, error) {
	if h.isDestroyed() {
		return Sample{Running: false}, nil
	}
	resp, err := d.cli.ContainerStatsOneShot(ctx, h.containerID)
	if err != nil {
		return Sample{}, apexerr.Wrap(apexerr.Internal, "stats read failed", err)
	}
	defer resp.Body.Close()

	var raw bytes.Buffer
	if _, err := io.Copy(&raw, resp.Body); err != nil {
		return Sample{}, apexerr.Wrap(apexerr.Internal, "stats body read failed", err)
	}
	return parseStats(raw.Bytes())
}

// Signal requests graceful or forced termination; idempotent.
func (d *DockerDriver) Signal(ctx context.Context, h *Handle, sig Signal) error {
	if h.isDestroyed() {
		return nil
	}
	if err := d.cli.ContainerKill(ctx, h.containerID, string(sig)); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return apexerr.Wrap(apexerr.Internal, "signal failed", err)
	}
	return nil
}

// Destroy removes the container and all host-side state; idempotent.
func (d *DockerDriver) Destroy(ctx context.Context, h *Handle) error {
	if !h.markDestroyed() {
		return nil
	}
	err := d.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		logging.S().Warnw("container remove failed", "container", h.containerID, "err", err)
	}
	if h.ownsWorkDir {
		os.RemoveAll(h.hostWorkDir)
	}
	os.RemoveAll(h.hostScratch)
	if err != nil && !client.IsErrNotFound(err) {
		return apexerr.Wrap(apexerr.Internal, "destroy sandbox", err)
	}
	return nil
}

// Lookup inspects the Docker daemon directly for a container named
// "apex-sbx-"+executionID, the convention Create assigns. It never consults
// any in-memory state, so it also finds containers left behind by a process
// that has since restarted.
func (d *DockerDriver) Lookup(ctx context.Context, executionID string) (*Handle, time.Time, bool, error) {
	name := "apex-sbx-" + sanitize(executionID)
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, apexerr.Wrap(apexerr.Internal, "container lookup failed", err)
	}
	createdAt, parseErr := time.Parse(time.RFC3339Nano, inspect.Created)
	if parseErr != nil {
		createdAt = time.Now().UTC()
	}
	return &Handle{id: executionID, containerID: inspect.ID}, createdAt, true, nil
}

func (d *DockerDriver) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w (inspect err: %v)", imageName, pullErr, err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func sanitize(in string) string {
	in = strings.ToLower(strings.TrimSpace(in))
	var b strings.Builder
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "anon"
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
