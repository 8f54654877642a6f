package tactile

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"ambient/internal/logging"
)

// NamespaceExecutor runs commands under bubblewrap: every namespace is
// unshared, the host root is bound read-only, and only the worktree is
// writable. Resource ceilings are applied with prlimit inside the sandbox.
type NamespaceExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	bwrapPath   string
	prlimitPath string

	auditCallback func(AuditEvent)
}

// NewNamespaceExecutor locates bwrap and prlimit.
func NewNamespaceExecutor(config ExecutorConfig) *NamespaceExecutor {
	e := &NamespaceExecutor{config: config}
	if p, err := exec.LookPath("bwrap"); err == nil {
		e.bwrapPath = p
	}
	if p, err := exec.LookPath("prlimit"); err == nil {
		e.prlimitPath = p
	}
	return e
}

// IsAvailable reports whether bubblewrap was found.
func (e *NamespaceExecutor) IsAvailable() bool {
	return runtime.GOOS == "linux" && e.bwrapPath != ""
}

// SetAuditCallback sets the callback for audit events.
func (e *NamespaceExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *NamespaceExecutor) emitAudit(event AuditEvent) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// Capabilities returns what this executor supports.
func (e *NamespaceExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:                     "namespace",
		Platform:                 runtime.GOOS,
		SupportsResourceLimits:   e.prlimitPath != "",
		SupportsNetworkIsolation: true,
		SandboxMode:              SandboxNamespace,
		MaxTimeout:               e.config.MaxTimeout,
		DefaultTimeout:           e.config.DefaultTimeout,
	}
}

// Validate checks if a command can be executed.
func (e *NamespaceExecutor) Validate(cmd Command) error {
	if !e.IsAvailable() {
		return fmt.Errorf("bubblewrap is not available on this system")
	}
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.WorkingDirectory == "" {
		return fmt.Errorf("namespace sandbox requires a working directory")
	}
	return nil
}

// Execute runs a command inside a bubblewrap sandbox.
func (e *NamespaceExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	if err := e.Validate(cmd); err != nil {
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	result := &ExecutionResult{
		ExitCode:    -1,
		SandboxUsed: SandboxNamespace,
	}

	e.emitAudit(AuditEvent{
		Type:         AuditEventStart,
		Timestamp:    time.Now(),
		Command:      cmd,
		ExecutorName: "namespace",
	})
	if cmd.Limits.networkAllowed() {
		logging.SandboxWarn("network enabled for sandboxed command: %s", cmd.CommandString())
		e.emitAudit(AuditEvent{
			Type:         AuditEventNetwork,
			Timestamp:    time.Now(),
			Command:      cmd,
			ExecutorName: "namespace",
			Detail:       "--share-net",
		})
	}

	runProcess(ctx, processSpec{
		binary:    e.bwrapPath,
		args:      e.buildBwrapArgs(cmd),
		dir:       cmd.WorkingDirectory,
		env:       buildEnvironment([]string{"PATH"}, nil),
		stdin:     cmd.Stdin,
		timeout:   e.config.timeoutFor(cmd),
		maxOutput: e.config.maxOutputFor(cmd),
	}, result)

	e.emitAudit(AuditEvent{
		Type:         auditTypeFor(result),
		Timestamp:    time.Now(),
		Command:      cmd,
		Result:       result,
		ExecutorName: "namespace",
	})

	return result, nil
}

// buildBwrapArgs constructs the bubblewrap argument list.
func (e *NamespaceExecutor) buildBwrapArgs(cmd Command) []string {
	args := []string{"--unshare-all"}
	if cmd.Limits.networkAllowed() {
		args = append(args, "--share-net")
	}
	args = append(args,
		"--die-with-parent",
		"--new-session",
		"--ro-bind", "/", "/",
		"--bind", cmd.WorkingDirectory, cmd.WorkingDirectory,
		"--tmpfs", "/tmp",
		"--proc", "/proc",
		"--dev", "/dev",
		"--clearenv",
	)

	env := map[string]string{"HOME": "/tmp", "TMPDIR": "/tmp"}
	for _, kv := range buildEnvironment(e.config.AllowedEnvironment, cmd.Environment) {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "HOME" {
			env[k] = v
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, env[k])
	}

	args = append(args, "--chdir", cmd.WorkingDirectory, "--")
	args = append(args, e.prlimitArgs(cmd.Limits)...)
	args = append(args, cmd.Binary)
	return append(args, cmd.Arguments...)
}

// prlimitArgs prefixes the command with prlimit when limits are set.
func (e *NamespaceExecutor) prlimitArgs(l *ResourceLimits) []string {
	if l == nil || e.prlimitPath == "" {
		return nil
	}
	var limits []string
	if l.MaxMemoryBytes > 0 {
		limits = append(limits, "--as="+strconv.FormatInt(l.MaxMemoryBytes, 10))
	}
	if l.MaxProcesses > 0 {
		limits = append(limits, "--nproc="+strconv.Itoa(l.MaxProcesses))
	}
	if l.MaxOpenFiles > 0 {
		limits = append(limits, "--nofile="+strconv.Itoa(l.MaxOpenFiles))
	}
	if l.MaxCPUTimeMs > 0 {
		secs := l.MaxCPUTimeMs / 1000
		if secs == 0 {
			secs = 1
		}
		limits = append(limits, "--cpu="+strconv.FormatInt(secs, 10))
	}
	if len(limits) == 0 {
		return nil
	}
	return append(append([]string{e.prlimitPath}, limits...), "--")
}
