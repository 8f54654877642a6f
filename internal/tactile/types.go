// Package tactile is the execution layer of ambient: it runs processes on
// the host, inside Docker containers or inside bubblewrap namespaces, and
// provides the SandboxRunner that gates verification commands through an
// allow-list before anything is spawned.
//
// Design Principles:
//   - No shell: commands are tokenized into argv and executed directly
//   - Sandboxing: Docker, Linux namespaces (bwrap), or explicit host mode
//   - Resource limits: memory, CPU, process count, open files, output size
//   - Timeouts kill the whole process group or container, never the caller
//   - Audit trail: execution events for logging, metrics and telemetry
package tactile

import (
	"strings"
	"time"
)

// SandboxMode defines the isolation level for command execution.
type SandboxMode string

const (
	// SandboxHost runs commands directly on the host. No isolation; it must
	// be selected explicitly.
	SandboxHost SandboxMode = "host"

	// SandboxDocker runs commands in a Docker container.
	SandboxDocker SandboxMode = "docker"

	// SandboxNamespace uses bubblewrap (Linux namespaces) for isolation.
	SandboxNamespace SandboxMode = "namespace"
)

// ParseSandboxMode maps a config string onto a mode.
func ParseSandboxMode(s string) (SandboxMode, bool) {
	switch SandboxMode(strings.ToLower(strings.TrimSpace(s))) {
	case SandboxHost, "none", "direct":
		return SandboxHost, true
	case SandboxDocker:
		return SandboxDocker, true
	case SandboxNamespace, "bwrap":
		return SandboxNamespace, true
	default:
		return "", false
	}
}

// Command represents a command to be executed.
// It is the input for every executor type.
type Command struct {
	// Binary is the executable to run (e.g., "go", "git", "pytest").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in. Sandboxed executors
	// mount it writable; everything else is read-only or absent.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are merged with the executor's allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// Sandbox specifies isolation settings.
	Sandbox *SandboxConfig `json:"sandbox,omitempty"`

	// RequestID uniquely identifies this execution request.
	RequestID string `json:"request_id,omitempty"`

	// Tags are arbitrary key-value pairs for categorization and audit.
	Tags map[string]string `json:"tags,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum wall-clock time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxCPUTimeMs limits CPU time consumption (not wall time).
	// Zero means unlimited.
	MaxCPUTimeMs int64 `json:"max_cpu_time_ms,omitempty"`

	// CPUs is the fractional CPU quota for container modes (e.g. "2.0").
	CPUs string `json:"cpus,omitempty"`

	// MaxMemoryBytes limits memory usage. Zero means unlimited.
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`

	// MaxOutputBytes limits captured stdout and stderr size each.
	// Zero means use the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`

	// MaxProcesses limits the number of processes. Zero means OS default.
	MaxProcesses int `json:"max_processes,omitempty"`

	// MaxOpenFiles limits open file descriptors. Zero means OS default.
	MaxOpenFiles int `json:"max_open_files,omitempty"`

	// NetworkAllowed controls whether network access is permitted.
	// Only enforced in sandbox modes that support network isolation.
	NetworkAllowed *bool `json:"network_allowed,omitempty"`
}

// Timeout returns the wall-clock limit, or fallback when unset.
func (l *ResourceLimits) Timeout(fallback time.Duration) time.Duration {
	if l == nil || l.TimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

// networkAllowed reports whether the limits explicitly permit network access.
func (l *ResourceLimits) networkAllowed() bool {
	return l != nil && l.NetworkAllowed != nil && *l.NetworkAllowed
}

// SandboxConfig specifies isolation settings for command execution.
type SandboxConfig struct {
	// Mode is the sandboxing strategy.
	Mode SandboxMode `json:"mode"`

	// Image is the Docker image to use (for Docker mode).
	Image string `json:"image,omitempty"`

	// ReadOnlyPaths are host paths made visible read-only at the same
	// location inside the sandbox (e.g. the git common directory).
	ReadOnlyPaths []string `json:"read_only_paths,omitempty"`

	// TmpfsSize is the size of the /tmp tmpfs mount (e.g., "256m").
	TmpfsSize string `json:"tmpfs_size,omitempty"`
}

// ExecutionResult is the comprehensive output of command execution.
type ExecutionResult struct {
	// Success indicates whether the execution infrastructure worked.
	// A command that runs but returns non-zero exit code has Success=true.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when execution completed.
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// TimedOut indicates the kill was caused by the wall-clock limit.
	TimedOut bool `json:"timed_out"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// ResourceUsage contains resource consumption metrics (if available).
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// SandboxUsed indicates which sandbox mode was actually used.
	SandboxUsed SandboxMode `json:"sandbox_used"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// OK reports a clean zero exit that was not killed.
func (r *ExecutionResult) OK() bool {
	return r.Success && !r.Killed && r.ExitCode == 0
}

// Output returns Stdout and Stderr joined by a newline.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs                 int64 `json:"user_time_ms"`
	SystemTimeMs               int64 `json:"system_time_ms"`
	MaxRSSBytes                int64 `json:"max_rss_bytes"`
	VoluntaryContextSwitches   int64 `json:"voluntary_context_switches"`
	InvoluntaryContextSwitches int64 `json:"involuntary_context_switches"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorCapabilities describes what an executor can do.
type ExecutorCapabilities struct {
	Name                     string        `json:"name"`
	Platform                 string        `json:"platform"`
	SupportsResourceLimits   bool          `json:"supports_resource_limits"`
	SupportsNetworkIsolation bool          `json:"supports_network_isolation"`
	SandboxMode              SandboxMode   `json:"sandbox_mode"`
	DefaultTimeout           time.Duration `json:"default_timeout"`
	MaxTimeout               time.Duration `json:"max_timeout"`
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart     AuditEventType = "start"
	AuditEventComplete  AuditEventType = "complete"
	AuditEventKilled    AuditEventType = "killed"
	AuditEventError     AuditEventType = "error"
	AuditEventBlocked   AuditEventType = "blocked"
	AuditEventSandboxed AuditEventType = "sandboxed"
	AuditEventNetwork   AuditEventType = "network_enabled"
)

// AuditEvent represents one execution event.
type AuditEvent struct {
	Type         AuditEventType   `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Command      Command          `json:"command"`
	Result       *ExecutionResult `json:"result,omitempty"`
	ExecutorName string           `json:"executor_name"`

	// Detail explains blocked events and sandbox decisions.
	Detail string `json:"detail,omitempty"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values.
	MaxTimeout time.Duration `json:"max_timeout"`

	// AllowedEnvironment lists host environment variables to pass through.
	AllowedEnvironment []string `json:"allowed_environment"`

	// DefaultSandbox is applied when Command.Sandbox is nil.
	DefaultSandbox *SandboxConfig `json:"default_sandbox,omitempty"`

	// DefaultLimits is applied when Command.Limits is nil.
	DefaultLimits *ResourceLimits `json:"default_limits,omitempty"`

	// MaxOutputBytes caps output capture (default 10MB).
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// DockerDefaultImage is used for Docker sandbox when no image specified.
	DockerDefaultImage string `json:"docker_default_image,omitempty"`

	// EnableResourceUsage enables collection of resource metrics.
	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:  ".",
		DefaultTimeout:     5 * time.Minute,
		MaxTimeout:         30 * time.Minute,
		MaxOutputBytes:     10 * 1024 * 1024, // 10MB
		AllowedEnvironment: []string{"PATH", "HOME", "GOPATH", "GOROOT", "GOCACHE", "USER", "LANG", "LC_ALL", "TMPDIR"},
		DockerDefaultImage: "ambient-sandbox:latest",

		EnableResourceUsage: true,
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	if result.Limits == nil && c.DefaultLimits != nil {
		limitsCopy := *c.DefaultLimits
		result.Limits = &limitsCopy
	} else if result.Limits != nil && c.DefaultLimits != nil {
		merged := *result.Limits
		if merged.TimeoutMs == 0 {
			merged.TimeoutMs = c.DefaultLimits.TimeoutMs
		}
		if merged.MaxOutputBytes == 0 {
			merged.MaxOutputBytes = c.DefaultLimits.MaxOutputBytes
		}
		if merged.MaxMemoryBytes == 0 {
			merged.MaxMemoryBytes = c.DefaultLimits.MaxMemoryBytes
		}
		if merged.MaxProcesses == 0 {
			merged.MaxProcesses = c.DefaultLimits.MaxProcesses
		}
		if merged.MaxOpenFiles == 0 {
			merged.MaxOpenFiles = c.DefaultLimits.MaxOpenFiles
		}
		if merged.CPUs == "" {
			merged.CPUs = c.DefaultLimits.CPUs
		}
		if merged.NetworkAllowed == nil {
			merged.NetworkAllowed = c.DefaultLimits.NetworkAllowed
		}
		result.Limits = &merged
	}

	// Cap timeout at max
	if result.Limits != nil && c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if result.Limits.TimeoutMs > maxMs {
			result.Limits.TimeoutMs = maxMs
		}
	}

	if result.Sandbox == nil && c.DefaultSandbox != nil {
		sandboxCopy := *c.DefaultSandbox
		result.Sandbox = &sandboxCopy
	}

	return result
}

// timeoutFor resolves the effective wall-clock limit of a merged command.
func (c ExecutorConfig) timeoutFor(cmd Command) time.Duration {
	timeout := cmd.Limits.Timeout(c.DefaultTimeout)
	if c.MaxTimeout > 0 && timeout > c.MaxTimeout {
		timeout = c.MaxTimeout
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return timeout
}

// maxOutputFor resolves the capture cap of a merged command.
func (c ExecutorConfig) maxOutputFor(cmd Command) int64 {
	if cmd.Limits != nil && cmd.Limits.MaxOutputBytes > 0 {
		return cmd.Limits.MaxOutputBytes
	}
	if c.MaxOutputBytes > 0 {
		return c.MaxOutputBytes
	}
	return 10 * 1024 * 1024
}
