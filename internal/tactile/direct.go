package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"ambient/internal/logging"
)

// DirectExecutor executes commands directly on the host using os/exec.
// It is the host sandbox mode and the transport for git itself.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.SandboxDebug("Creating DirectExecutor with config: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{
		config: config,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

// emitAudit emits an audit event if a callback is registered.
func (e *DirectExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Capabilities returns what this executor supports.
func (e *DirectExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:                     "direct",
		Platform:                 runtime.GOOS,
		SupportsResourceLimits:   false,
		SupportsNetworkIsolation: false,
		SandboxMode:              SandboxHost,
		MaxTimeout:               e.config.MaxTimeout,
		DefaultTimeout:           e.config.DefaultTimeout,
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Sandbox != nil && cmd.Sandbox.Mode != SandboxHost && cmd.Sandbox.Mode != "" {
		return fmt.Errorf("DirectExecutor only supports host mode, got %s", cmd.Sandbox.Mode)
	}
	return nil
}

// Execute runs a command directly on the host.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		logging.SandboxWarn("Command validation failed: %s %v - %v", cmd.Binary, cmd.Arguments, err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	timeout := e.config.timeoutFor(cmd)

	logging.SandboxDebug("Executing: %s (dir=%s, timeout=%s)", cmd.CommandString(), cmd.WorkingDirectory, timeout)

	result := &ExecutionResult{
		ExitCode:    -1,
		SandboxUsed: SandboxHost,
	}

	e.emitAudit(AuditEvent{
		Type:         AuditEventStart,
		Timestamp:    time.Now(),
		Command:      cmd,
		ExecutorName: "direct",
	})

	execCmd := runProcess(ctx, processSpec{
		binary:    cmd.Binary,
		args:      cmd.Arguments,
		dir:       cmd.WorkingDirectory,
		env:       buildEnvironment(e.config.AllowedEnvironment, cmd.Environment),
		stdin:     cmd.Stdin,
		timeout:   timeout,
		maxOutput: e.config.maxOutputFor(cmd),
	}, result)

	if e.config.EnableResourceUsage && execCmd != nil {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	e.emitAudit(AuditEvent{
		Type:         auditTypeFor(result),
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		ExecutorName: "direct",
	})

	logging.SandboxDebug("Command completed: %s -> exit=%d, duration=%s, stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Duration, len(result.Stdout))

	return result, nil
}

// processSpec is a fully resolved host process invocation shared by every
// executor (docker and bwrap are host processes too).
type processSpec struct {
	binary    string
	args      []string
	dir       string
	env       []string
	stdin     string
	timeout   time.Duration
	maxOutput int64

	// onTimeout runs after a timeout kill, e.g. to stop a detached container.
	onTimeout func()
}

// runProcess executes spec in its own process group, killing the group on
// timeout or cancellation, and fills result. The returned *exec.Cmd is nil
// only if the process could not be constructed.
func runProcess(ctx context.Context, spec processSpec, result *ExecutionResult) *exec.Cmd {
	execCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, spec.binary, spec.args...)
	execCmd.Dir = spec.dir
	execCmd.Env = spec.env
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return killProcessGroup(execCmd) }
	execCmd.WaitDelay = 2 * time.Second

	if spec.stdin != "" {
		execCmd.Stdin = strings.NewReader(spec.stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: spec.maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: spec.maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		logging.SandboxWarn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	if err == nil {
		result.Success = true
		result.ExitCode = 0
		return execCmd
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.Success = true // Infrastructure worked, command was killed
		result.Killed = true
		result.TimedOut = true
		result.KillReason = fmt.Sprintf("timeout after %s", spec.timeout)
		logging.SandboxWarn("Command killed (timeout): %s after %s", spec.binary, spec.timeout)
		if spec.onTimeout != nil {
			spec.onTimeout()
		}
	case ctx.Err() != nil:
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		if spec.onTimeout != nil {
			spec.onTimeout()
		}
	case errors.As(err, &exitErr):
		result.Success = true // Command ran, just returned non-zero
		result.ExitCode = exitErr.ExitCode()
	default:
		result.Success = false
		result.Error = err.Error()
		logging.SandboxError("Command failed: %s - %v", spec.binary, err)
	}
	return execCmd
}

func auditTypeFor(result *ExecutionResult) AuditEventType {
	switch {
	case result.Killed:
		return AuditEventKilled
	case !result.Success:
		return AuditEventError
	default:
		return AuditEventComplete
	}
}

// buildEnvironment creates the environment variable list from the allowed
// host variables plus command-specific entries.
func buildEnvironment(allowed []string, cmdEnv []string) []string {
	env := make([]string, 0, len(allowed)+len(cmdEnv))
	for _, key := range allowed {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}
	return append(env, cmdEnv...)
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
