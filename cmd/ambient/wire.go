package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"ambient/internal/aggregate"
	"ambient/internal/approval"
	"ambient/internal/config"
	"ambient/internal/coordinator"
	"ambient/internal/generate"
	"ambient/internal/gitops"
	"ambient/internal/logging"
	"ambient/internal/patch"
	"ambient/internal/repoctx"
	"ambient/internal/risk"
	"ambient/internal/tactile"
	"ambient/internal/telemetry"
	"ambient/internal/types"
	"ambient/internal/worktree"
)

// app is the resolved workspace, configuration and git runner shared by
// every command.
type app struct {
	root string
	cfg  *config.Config
	git  *gitops.Runner
}

func loadApp(ctx context.Context) (*app, error) {
	dir := workspace
	if dir == "" {
		var err error
		if dir, err = os.Getwd(); err != nil {
			return nil, err
		}
	}
	git := gitops.NewRunner(nil)
	root, err := git.TopLevel(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadFromRepo(root)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := logging.Initialize(root, logging.Config{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, err
	}
	logger.Debug("workspace resolved", zap.String("root", root), zap.String("sandbox", cfg.Sandbox.Mode))
	return &app{root: root, cfg: cfg, git: git}, nil
}

func (a *app) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.root, p)
}

func (a *app) runnerConfig(ctx context.Context) (tactile.RunnerConfig, error) {
	sb := a.cfg.Sandbox
	mode, ok := tactile.ParseSandboxMode(sb.Mode)
	if !ok {
		return tactile.RunnerConfig{}, fmt.Errorf("unknown sandbox mode %q", sb.Mode)
	}
	rc := tactile.RunnerConfig{
		Mode:            mode,
		Image:           sb.Image,
		NetworkAllowed:  sb.NetworkAllowed,
		AllowedCommands: sb.AllowedCommands,
		TmpfsSize:       sb.Resources.TmpfsSize,
		MaxConcurrency:  sb.MaxConcurrency,
		DefaultTimeout:  sb.GetDefaultTimeout(),
		Limits: tactile.ResourceLimits{
			CPUs:           sb.Resources.CPUs,
			MaxMemoryBytes: sb.MemoryBytes(),
			MaxOutputBytes: sb.MaxOutputBytes,
			MaxProcesses:   sb.Resources.PidsLimit,
			MaxOpenFiles:   sb.Resources.NoFile,
		},
	}
	if common, err := a.git.CommonDir(ctx, a.root); err == nil {
		rc.ReadOnlyPaths = []string{common}
	}
	return rc, nil
}

func (a *app) sandbox(ctx context.Context) (*tactile.SandboxRunner, error) {
	rc, err := a.runnerConfig(ctx)
	if err != nil {
		return nil, err
	}
	return tactile.NewSandboxRunnerForMode(rc)
}

// checks returns the configured checks, or detected ones when none are
// configured and auto-detection is on.
func (a *app) checks(dir string) []tactile.Check {
	var out []tactile.Check
	for _, c := range a.cfg.Verification.Checks {
		out = append(out, tactile.Check{Name: c.Name, Command: c.Command})
	}
	if len(out) == 0 && a.cfg.Verification.AutoDetect {
		out = tactile.DetectChecks(dir)
	}
	return out
}

func (a *app) patchEngine() *patch.Engine {
	return patch.New(a.git, patch.WithArtifactsDir(a.path(a.cfg.Telemetry.ArtifactsDir)))
}

// boundedVerifier caps one verification pass at the configured timeout.
type boundedVerifier struct {
	runner  *tactile.SandboxRunner
	timeout time.Duration
}

func (v boundedVerifier) Verify(ctx context.Context, wt string, checks []tactile.Check) types.VerifyResult {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}
	return v.runner.Verify(ctx, wt, checks)
}

func (a *app) worktrees(ctx context.Context) (*worktree.Manager, error) {
	runner, err := a.sandbox(ctx)
	if err != nil {
		return nil, err
	}
	rw := a.cfg.ReviewWorktree
	return worktree.NewManager(worktree.Config{
		Repo:                  a.root,
		BaseDir:               rw.BaseDir,
		BranchPrefix:          rw.BranchPrefix,
		MaxParallel:           rw.MaxParallel,
		Keep:                  rw.KeepWorktrees,
		ResetOnFail:           rw.ResetOnFail,
		MaxRetained:           rw.MaxRetained,
		MaxAge:                a.cfg.GetMaxAge(),
		Checks:                a.checks(a.root),
		CommitOnSuccess:       a.cfg.Git.CommitOnSuccess,
		CommitMessageTemplate: a.cfg.Git.CommitMessageTemplate,
		CommitAuthorName:      a.cfg.Git.CommitAuthorName,
		CommitAuthorEmail:     a.cfg.Git.CommitAuthorEmail,
	}, a.git, a.patchEngine(), boundedVerifier{runner: runner, timeout: a.cfg.GetVerificationTimeout()})
}

func (a *app) retryPolicy() generate.RetryPolicy {
	r := a.cfg.Generator.Retry
	return generate.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   a.cfg.GetRetryBaseDelay(),
		MaxDelay:    a.cfg.GetRetryMaxDelay(),
		Jitter:      r.Jitter,
	}
}

// generators builds the proposal sources. proposalsFile overrides the
// configuration.
func (a *app) generators(proposalsFile string) ([]generate.Generator, generate.Refiner, error) {
	if proposalsFile != "" {
		return []generate.Generator{generate.NewFileGenerator(proposalsFile)}, nil, nil
	}
	gc := a.cfg.Generator
	if len(gc.Command) > 0 {
		cmdGen, err := generate.NewCommandGenerator("", gc.Command, a.root, nil, a.cfg.GetGeneratorTimeout())
		if err != nil {
			return nil, nil, err
		}
		var refiner generate.Refiner
		if a.cfg.Aggregator.Refine {
			refiner = generate.NewRetryingRefiner(cmdGen, a.retryPolicy())
		}
		return []generate.Generator{generate.NewRetrying(cmdGen, a.retryPolicy())}, refiner, nil
	}
	if gc.ProposalsFile != "" {
		return []generate.Generator{generate.NewFileGenerator(a.path(gc.ProposalsFile))}, nil, nil
	}
	return nil, nil, fmt.Errorf("no generator configured: set generator.command or generator.proposals_file, or pass --proposals")
}

// coordinator wires a full cycle. The returned sink must be closed.
func (a *app) coordinator(ctx context.Context, proposalsFile string) (*coordinator.Coordinator, telemetry.Sink, error) {
	gens, refiner, err := a.generators(proposalsFile)
	if err != nil {
		return nil, nil, err
	}
	policy, err := risk.PolicyFromConfig(a.cfg.RiskPolicy)
	if err != nil {
		return nil, nil, err
	}
	handler, err := approval.FromConfig(a.cfg.Approval, os.Stdin, os.Stdout, a.cfg.GetApprovalTimeout())
	if err != nil {
		return nil, nil, err
	}
	wm, err := a.worktrees(ctx)
	if err != nil {
		return nil, nil, err
	}
	sink, err := telemetry.Open(ctx, a.root, a.cfg.Telemetry)
	if err != nil {
		return nil, nil, err
	}

	c, err := coordinator.New(coordinator.Config{
		Repo:            a.root,
		Debounce:        a.cfg.GetDebounce(),
		CheckInterval:   a.cfg.GetCheckInterval(),
		MaxConcurrency:  a.cfg.Generator.MaxConcurrency,
		ApprovalTimeout: a.cfg.GetApprovalTimeout(),
		ControlPlane:    a.cfg.ControlPlane,
	}, coordinator.Deps{
		Git:        a.git,
		Context:    repoctx.NewGitBuilder(a.root, a.git),
		Generators: gens,
		Aggregator: aggregate.New(aggregate.Config{
			Root:                a.root,
			AgentPriority:       a.cfg.Aggregator.AgentPriority,
			SimilarityThreshold: a.cfg.Aggregator.SimilarityThreshold,
			Refine:              a.cfg.Aggregator.Refine,
		}, refiner),
		Gate:      risk.NewGate(policy),
		Approval:  handler,
		Worktrees: wm,
		Telemetry: sink,
	})
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	return c, sink, nil
}
