package runtime

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/sentinelops/taskforge/pkg/limits"
	"github.com/sentinelops/taskforge/pkg/log"
	"github.com/sentinelops/taskforge/pkg/metrics"
)

const (
	// DefaultNamespace is the containerd namespace for Taskforge
	DefaultNamespace = "taskforge"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

var missingToolRe = regexp.MustCompile(`bash:.*?:\s*(\w+):\s*command not found`)

// ContainerdRunner executes commands in one named sandbox container via
// containerd. The container handle is shared process-wide and resolved
// lazily under a double-checked lock so concurrent first calls do not race
// the handshake. Per-exec state is local.
type ContainerdRunner struct {
	client        *containerd.Client
	namespace     string
	containerName string
	counters      *metrics.Counters
	logger        zerolog.Logger

	mu        sync.Mutex
	container containerd.Container
	task      containerd.Task
}

// NewContainerdRunner connects to containerd and targets the named sandbox.
func NewContainerdRunner(socketPath, containerName string, counters *metrics.Counters) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if counters == nil {
		counters = metrics.Default
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRunner{
		client:        client,
		namespace:     DefaultNamespace,
		containerName: containerName,
		counters:      counters,
		logger:        log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// handle returns the shared container task, resolving it on first use.
func (r *ContainerdRunner) handle(ctx context.Context) (containerd.Task, *specs.Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.task == nil {
		container, err := r.client.LoadContainer(ctx, r.containerName)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load container %s: %w", r.containerName, err)
		}
		task, err := container.Task(ctx, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("container %s has no running task: %w", r.containerName, err)
		}
		r.container = container
		r.task = task
	}

	spec, err := r.container.Spec(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container spec: %w", err)
	}
	return r.task, spec, nil
}

// Execute runs one shell command in the sandbox. Failures to reach the
// sandbox come back as "Error:" text; a wall-clock overrun appends a
// synthetic [TIMEOUT] footer; a missing tool is installed once and the
// command re-run.
func (r *ContainerdRunner) Execute(ctx context.Context, command string) (string, bool) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	output, _, err := r.exec(ctx, command)
	if err != nil {
		return fmt.Sprintf("Error: Failed to connect to container: %v", err), false
	}

	toolInstalled := false
	if strings.Contains(output, "command not found") {
		if tool := extractMissingTool(output); tool != "" {
			output, toolInstalled = r.installAndRetry(ctx, command, tool, output)
		}
	}

	return output, toolInstalled
}

// installAndRetry installs the missing tool and re-runs the original
// command, prefixing the output with what happened.
func (r *ContainerdRunner) installAndRetry(ctx context.Context, command, tool, original string) (string, bool) {
	r.logger.Info().Str("tool", tool).Msg("installing missing tool")

	installCmd := fmt.Sprintf("apt-get update && apt-get install -y %s", tool)
	_, exitCode, err := r.exec(ctx, installCmd)
	if err != nil {
		return fmt.Sprintf("[System] Tool '%s' was not found. Installation failed: %v\n\n%s", tool, err, original), false
	}
	if exitCode != 0 {
		return fmt.Sprintf("[System] Tool '%s' was not found and could not be installed automatically.\n\n%s", tool, original), false
	}

	rerun, _, err := r.exec(ctx, command)
	if err != nil {
		return fmt.Sprintf("[System] Tool '%s' was not found. Automatically installed it.\n\nError: %v", tool, err), true
	}
	return fmt.Sprintf("[System] Tool '%s' was not found. Automatically installed it.\n\n%s", tool, rerun), true
}

// exec starts one exec process in the sandbox and collects its combined
// output, bounded by the configured command timeout.
func (r *ContainerdRunner) exec(ctx context.Context, command string) (string, uint32, error) {
	l := limits.Get()

	task, spec, err := r.handle(ctx)
	if err != nil {
		return "", 0, err
	}

	pspec := *spec.Process
	pspec.Args = []string{"/bin/bash", "-c", command}
	pspec.Terminal = false

	buf := &lockedBuffer{}
	execID := "exec-" + uuid.New().String()[:8]

	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, buf, buf)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create exec: %w", err)
	}
	defer process.Delete(ctx, containerd.WithProcessKill)

	statusC, err := process.Wait(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to wait on exec: %w", err)
	}
	if err := process.Start(ctx); err != nil {
		return "", 0, fmt.Errorf("failed to start exec: %w", err)
	}

	start := time.Now()
	timer := time.NewTimer(l.MCPCommandTimeout)
	defer timer.Stop()

	select {
	case status := <-statusC:
		elapsed := time.Since(start)
		metrics.ContainerExecDuration.Observe(elapsed.Seconds())
		if l.LogSlowCommands && elapsed > l.MCPCommandTimeout/2 {
			r.counters.Increment(metrics.ContainerSlowCommands)
			r.logger.Warn().Str("command", command).Dur("elapsed", elapsed).Msg("slow command")
		}
		return buf.String(), status.ExitCode(), nil

	case <-timer.C:
		r.counters.Increment(metrics.ContainerTimeouts)
		r.logger.Warn().Str("command", command).Dur("timeout", l.MCPCommandTimeout).Msg("command timed out")
		if l.ContainerKillOnTimeout {
			if err := process.Kill(ctx, syscall.SIGKILL); err != nil {
				r.logger.Warn().Err(err).Msg("failed to kill timed-out exec")
			}
		}
		return buf.String() + "\n[TIMEOUT] Command exceeded time limit", 0, nil

	case <-ctx.Done():
		return buf.String(), 0, ctx.Err()
	}
}

// Ping verifies the sandbox is reachable and accepts commands.
func (r *ContainerdRunner) Ping(ctx context.Context) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	output, exitCode, err := r.exec(ctx, "echo 'Connection test successful'")
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("container found but command failed: %s", output)
	}
	return nil
}

// extractMissingTool pulls the first missing tool name out of a bash
// "command not found" line.
func extractMissingTool(output string) string {
	if m := missingToolRe.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	return ""
}

// lockedBuffer is a bytes.Buffer safe for the concurrent stdout/stderr
// writers containerd's cio streams use.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
