package tactile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"ambient/internal/logging"
	"ambient/internal/types"
)

// ErrTimeout marks a command killed by its wall-clock limit.
var ErrTimeout = errors.New("sandbox timeout")

// Exit statuses reported for commands that did not run to completion.
const (
	ExitNotAllowed = 126
	ExitTimedOut   = 124
)

// Check is one named verification command.
type Check struct {
	Name    string `json:"name"`
	Command string `json:"command"`
}

// RunnerConfig configures a SandboxRunner.
type RunnerConfig struct {
	Mode            SandboxMode
	Image           string
	NetworkAllowed  bool
	AllowedCommands []string
	Limits          ResourceLimits
	TmpfsSize       string
	MaxConcurrency  int
	DefaultTimeout  time.Duration

	// ReadOnlyPaths are exposed read-only inside the sandbox, typically the
	// git common directory so that worktree git metadata resolves.
	ReadOnlyPaths []string
}

// SandboxRunner gates commands through the allow-list and executes them
// with the configured isolation backend.
type SandboxRunner struct {
	cfg      RunnerConfig
	allow    *Allowlist
	executor Executor
	audit    *AuditLogger
}

// NewSandboxRunner builds a runner around an executor. Audit events of
// executors that emit them are routed through the runner's AuditLogger.
func NewSandboxRunner(cfg RunnerConfig, executor Executor) (*SandboxRunner, error) {
	if executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	allow, err := NewAllowlist(cfg.AllowedCommands)
	if err != nil {
		return nil, err
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}

	r := &SandboxRunner{cfg: cfg, allow: allow, executor: executor, audit: NewAuditLogger()}
	if audited, ok := executor.(AuditedExecutor); ok {
		audited.SetAuditCallback(r.audit.Log)
	}
	return r, nil
}

// NewSandboxRunnerForMode creates the executor for cfg.Mode and wraps it.
func NewSandboxRunnerForMode(cfg RunnerConfig) (*SandboxRunner, error) {
	execCfg := DefaultExecutorConfig()
	if cfg.DefaultTimeout > 0 {
		execCfg.DefaultTimeout = cfg.DefaultTimeout
		if execCfg.MaxTimeout < cfg.DefaultTimeout {
			execCfg.MaxTimeout = cfg.DefaultTimeout
		}
	}
	if cfg.Limits.MaxOutputBytes > 0 {
		execCfg.MaxOutputBytes = cfg.Limits.MaxOutputBytes
	}
	if cfg.Image != "" {
		execCfg.DockerDefaultImage = cfg.Image
	}

	executor, err := NewExecutorFactory(execCfg).CreateFromConfig(cfg.Mode)
	if err != nil {
		return nil, err
	}
	logging.Sandbox("sandbox runner using %s executor (network=%v)", cfg.Mode, cfg.NetworkAllowed)
	return NewSandboxRunner(cfg, executor)
}

// Audit exposes the runner's audit logger for extra subscribers.
func (r *SandboxRunner) Audit() *AuditLogger {
	return r.audit
}

// Allowlist returns the compiled allow-list.
func (r *SandboxRunner) Allowlist() *Allowlist {
	return r.allow
}

// Run executes one allow-listed command in worktree. A zero timeout uses
// the configured default and nil limits use the configured limits.
//
// Disallowed commands return exit status 126 with NotAllowed set and an
// error wrapping ErrCommandNotAllowed; nothing is spawned. Timeouts return
// TimedOut with an error wrapping ErrTimeout. A non-zero exit is not an
// error: it is reported through the result.
func (r *SandboxRunner) Run(ctx context.Context, command, worktree string, timeout time.Duration, limits *ResourceLimits) (types.CheckResult, error) {
	result := types.CheckResult{Command: command, ExitCode: -1}

	if err := r.allow.Check(command); err != nil {
		result.ExitCode = ExitNotAllowed
		result.NotAllowed = true
		result.Stderr = err.Error()
		r.audit.Log(AuditEvent{
			Type:         AuditEventBlocked,
			Timestamp:    time.Now(),
			Command:      Command{Binary: NormalizeCommand(command), WorkingDirectory: worktree},
			ExecutorName: r.executor.Capabilities().Name,
			Detail:       err.Error(),
		})
		return result, err
	}

	argv, err := SplitCommand(command)
	if err != nil || len(argv) == 0 {
		result.ExitCode = ExitNotAllowed
		result.NotAllowed = true
		result.Stderr = fmt.Sprintf("cannot tokenize command: %v", err)
		return result, fmt.Errorf("%w: %v", ErrCommandNotAllowed, err)
	}

	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	effective := r.cfg.Limits
	if limits != nil {
		effective = *limits
	}
	network := r.cfg.NetworkAllowed
	if effective.NetworkAllowed == nil {
		effective.NetworkAllowed = &network
	}
	effective.TimeoutMs = timeout.Milliseconds()

	cmd := Command{
		Binary:           argv[0],
		Arguments:        argv[1:],
		WorkingDirectory: worktree,
		Limits:           &effective,
		Sandbox: &SandboxConfig{
			Mode:          r.executor.Capabilities().SandboxMode,
			Image:         r.cfg.Image,
			ReadOnlyPaths: r.cfg.ReadOnlyPaths,
			TmpfsSize:     r.cfg.TmpfsSize,
		},
	}

	res, err := r.executor.Execute(ctx, cmd)
	if err != nil {
		result.Stderr = err.Error()
		return result, fmt.Errorf("executing %q: %w", command, err)
	}

	result.ExitCode = res.ExitCode
	result.Stdout = res.Stdout
	result.Stderr = res.Stderr
	result.Duration = res.Duration
	result.TimedOut = res.TimedOut
	result.OK = res.OK()

	switch {
	case res.TimedOut:
		result.ExitCode = ExitTimedOut
		return result, fmt.Errorf("%w: %q after %s", ErrTimeout, command, timeout)
	case res.Killed:
		return result, fmt.Errorf("%q: %s", command, res.KillReason)
	case res.IsError():
		return result, fmt.Errorf("executing %q: %s", command, res.Error)
	}
	return result, nil
}

// Verify runs checks concurrently, bounded by the configured concurrency
// ceiling. Results keep the request order. A failing or timed-out check
// never cancels its siblings.
func (r *SandboxRunner) Verify(ctx context.Context, worktree string, checks []Check) types.VerifyResult {
	timer := logging.StartTimer(logging.CategorySandbox, "verify")
	defer timer.Stop()

	results := make([]types.CheckResult, len(checks))

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxConcurrency)
	for i, check := range checks {
		g.Go(func() error {
			res, err := r.Run(ctx, check.Command, worktree, 0, nil)
			res.Name = check.Name
			if err != nil {
				logging.SandboxDebug("check %s: %v", check.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	verdict := types.NewVerifyResult(results)
	logging.Sandbox("verify %s: ok=%v checks=%d", worktree, verdict.OK, len(checks))
	return verdict
}
