package tactile

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"ambient/internal/logging"
)

// containerWorkdir is where the worktree is mounted inside the container.
const containerWorkdir = "/repo"

// DockerExecutor executes commands inside throwaway Docker containers with
// a read-only root, no capabilities, no network by default, and the target
// worktree as the only writable mount.
type DockerExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// dockerPath is the path to the docker binary
	dockerPath string

	// available is true if Docker is available on this system
	available bool

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDockerExecutor creates a new Docker executor.
func NewDockerExecutor() *DockerExecutor {
	return NewDockerExecutorWithConfig(DefaultExecutorConfig())
}

// NewDockerExecutorWithConfig creates a new Docker executor with custom config.
func NewDockerExecutorWithConfig(config ExecutorConfig) *DockerExecutor {
	e := &DockerExecutor{
		config: config,
	}
	e.detectDocker()
	return e
}

// detectDocker checks if Docker is available.
func (e *DockerExecutor) detectDocker() {
	dockerPath, err := exec.LookPath("docker")
	if err != nil {
		e.available = false
		return
	}
	e.dockerPath = dockerPath

	// Verify docker is responsive
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, dockerPath, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		logging.SandboxDebug("docker present but daemon unreachable: %v", err)
		e.available = false
		return
	}

	e.available = true
}

// IsAvailable returns whether Docker is available on this system.
func (e *DockerExecutor) IsAvailable() bool {
	return e.available
}

// SetAuditCallback sets the callback for audit events.
func (e *DockerExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

// emitAudit emits an audit event if a callback is registered.
func (e *DockerExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Capabilities returns what this executor supports.
func (e *DockerExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:                     "docker",
		Platform:                 runtime.GOOS,
		SupportsResourceLimits:   true,
		SupportsNetworkIsolation: true,
		SandboxMode:              SandboxDocker,
		MaxTimeout:               e.config.MaxTimeout,
		DefaultTimeout:           e.config.DefaultTimeout,
	}
}

// Validate checks if a command can be executed.
func (e *DockerExecutor) Validate(cmd Command) error {
	if !e.available {
		return fmt.Errorf("Docker is not available on this system")
	}
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Sandbox != nil && cmd.Sandbox.Mode != "" && cmd.Sandbox.Mode != SandboxDocker {
		return fmt.Errorf("DockerExecutor only supports docker mode, got %s", cmd.Sandbox.Mode)
	}
	return nil
}

// Execute runs a command inside a Docker container.
func (e *DockerExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	if cmd.Sandbox == nil {
		cmd.Sandbox = &SandboxConfig{Mode: SandboxDocker}
	}

	result := &ExecutionResult{
		ExitCode:    -1,
		SandboxUsed: SandboxDocker,
	}

	name := "ambient-" + uuid.NewString()
	dockerArgs := e.buildDockerArgs(name, cmd)

	e.emitAudit(AuditEvent{
		Type:         AuditEventStart,
		Timestamp:    time.Now(),
		Command:      cmd,
		ExecutorName: "docker",
	})
	if cmd.Limits.networkAllowed() {
		logging.SandboxWarn("network enabled for sandboxed command: %s", cmd.CommandString())
		e.emitAudit(AuditEvent{
			Type:         AuditEventNetwork,
			Timestamp:    time.Now(),
			Command:      cmd,
			ExecutorName: "docker",
			Detail:       "network=bridge",
		})
	}

	runProcess(ctx, processSpec{
		binary:    e.dockerPath,
		args:      dockerArgs,
		env:       buildEnvironment([]string{"PATH", "HOME", "DOCKER_HOST", "DOCKER_CONFIG"}, nil),
		stdin:     cmd.Stdin,
		timeout:   e.config.timeoutFor(cmd),
		maxOutput: e.config.maxOutputFor(cmd),
		onTimeout: func() { e.killContainer(name) },
	}, result)

	e.emitAudit(AuditEvent{
		Type:         auditTypeFor(result),
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		ExecutorName: "docker",
	})

	return result, nil
}

// killContainer stops a container whose client process was killed; the
// client dying does not stop the container by itself.
func (e *DockerExecutor) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, e.dockerPath, "kill", name).Run(); err != nil {
		logging.SandboxDebug("docker kill %s: %v", name, err)
	}
}

// buildDockerArgs constructs the docker run command arguments.
func (e *DockerExecutor) buildDockerArgs(name string, cmd Command) []string {
	args := []string{"run", "--rm", "--init", "--name", name}

	sandbox := cmd.Sandbox
	if sandbox == nil {
		sandbox = &SandboxConfig{}
	}

	image := sandbox.Image
	if image == "" {
		image = e.config.DockerDefaultImage
	}

	networkMode := "none"
	if cmd.Limits.networkAllowed() {
		networkMode = "bridge"
	}
	args = append(args, "--network", networkMode)

	args = append(args,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
	)

	tmpfsSize := sandbox.TmpfsSize
	if tmpfsSize == "" {
		tmpfsSize = "256m"
	}
	args = append(args,
		"--tmpfs", fmt.Sprintf("/tmp:rw,size=%s", tmpfsSize),
		"--tmpfs", fmt.Sprintf("/var/tmp:rw,size=%s", tmpfsSize),
	)

	if l := cmd.Limits; l != nil {
		if l.MaxMemoryBytes > 0 {
			args = append(args, "--memory", strconv.FormatInt(l.MaxMemoryBytes, 10))
		}
		if l.CPUs != "" {
			args = append(args, "--cpus", l.CPUs)
		}
		if l.MaxProcesses > 0 {
			args = append(args, "--pids-limit", strconv.Itoa(l.MaxProcesses))
			args = append(args, "--ulimit", fmt.Sprintf("nproc=%d:%d", l.MaxProcesses, l.MaxProcesses))
		}
		if l.MaxOpenFiles > 0 {
			args = append(args, "--ulimit", fmt.Sprintf("nofile=%d:%d", l.MaxOpenFiles, l.MaxOpenFiles))
		}
	}

	args = append(args, "-e", "HOME=/tmp")
	for _, env := range cmd.Environment {
		args = append(args, "-e", env)
	}

	if cmd.WorkingDirectory != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:rw", cmd.WorkingDirectory, containerWorkdir))
		args = append(args, "-w", containerWorkdir)
	}
	for _, path := range sandbox.ReadOnlyPaths {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", path, path))
	}

	// Interactive mode for stdin
	if cmd.Stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, image)
	args = append(args, cmd.Binary)
	args = append(args, cmd.Arguments...)

	return args
}

// PullImage pulls a Docker image if not already present.
func (e *DockerExecutor) PullImage(ctx context.Context, image string) error {
	if !e.available {
		return fmt.Errorf("Docker is not available")
	}
	return exec.CommandContext(ctx, e.dockerPath, "pull", image).Run()
}

// ImageExists checks if a Docker image exists locally.
func (e *DockerExecutor) ImageExists(ctx context.Context, image string) bool {
	if !e.available {
		return false
	}
	return exec.CommandContext(ctx, e.dockerPath, "image", "inspect", image).Run() == nil
}
