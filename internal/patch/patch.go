// Package patch applies untrusted unified diffs to a git working tree as a
// transaction: either every file of the diff lands or the tree is left
// byte-identical to its state before the call.
//
// Strategies run in order and the first success wins: normalization (always),
// already-applied detection, strict git apply, fuzzy (git three-way, then an
// in-process diffmatchpatch merge) and a manual hunk-by-hunk patcher. Each
// strategy is attempted against a snapshot of every touched path and the
// index, and a failed strategy is rolled back before the next one starts.
package patch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ambient/internal/diff"
	"ambient/internal/gitops"
	"ambient/internal/logging"
	"ambient/internal/pathguard"
	"ambient/internal/types"
)

// ErrPatchFailed is returned by AsError for an unsuccessful application.
var ErrPatchFailed = errors.New("patch application failed")

var patchApplyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ambient_patch_apply_total",
	Help: "Patch applications by winning strategy (or failed stage) and outcome",
}, []string{"strategy", "outcome"})

// AsError converts a failed result into an error wrapping ErrPatchFailed.
func AsError(res types.ApplyResult) error {
	if res.OK {
		return nil
	}
	stage := types.StrategyNormalize
	if res.Debug != nil {
		stage = res.Debug.FailedStage
	}
	return fmt.Errorf("%w at %s: %s", ErrPatchFailed, stage, firstLine(res.Stderr))
}

// Engine applies diffs. It holds no per-call state and is safe for
// concurrent use on distinct working trees.
type Engine struct {
	git          *gitops.Runner
	diff         *diff.Engine
	guardOpts    []pathguard.Option
	artifactsDir string
	window       int
}

// Option configures an Engine.
type Option func(*Engine)

// WithArtifactsDir persists debug bundles of failed applications under dir.
func WithArtifactsDir(dir string) Option {
	return func(e *Engine) { e.artifactsDir = dir }
}

// WithGuardOptions passes options to the PathGuard built for each tree.
func WithGuardOptions(opts ...pathguard.Option) Option {
	return func(e *Engine) { e.guardOpts = append(e.guardOpts, opts...) }
}

// WithSearchWindow sets how far the manual patcher searches for a hunk.
func WithSearchWindow(lines int) Option {
	return func(e *Engine) { e.window = lines }
}

// New creates an Engine. A nil runner uses the default git runner.
func New(git *gitops.Runner, opts ...Option) *Engine {
	if git == nil {
		git = gitops.NewRunner(nil)
	}
	e := &Engine{git: git, diff: diff.NewEngine(), window: diff.DefaultSearchWindow}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// call is the state of one Apply invocation.
type call struct {
	root       string
	guard      *pathguard.Guard
	normalized string
	strip      int
	files      []diff.FilePatch
	targets    []string
	snap       *snapshot
	bundle     *types.DebugBundle
}

func (c *call) record(stage types.ApplyStrategy, detail, stderr string) {
	c.bundle.Stages = append(c.bundle.Stages, types.StageAttempt{Stage: stage, Detail: detail, Stderr: strings.TrimSpace(stderr)})
	c.bundle.FailedStage = stage
}

// Apply applies unifiedDiff to the working tree at root. The returned
// result is OK when the diff is fully applied (or was already applied);
// otherwise the tree is restored and Debug describes every attempt.
func (e *Engine) Apply(ctx context.Context, root, unifiedDiff string) types.ApplyResult {
	timer := logging.StartTimer(logging.CategoryPatch, "apply")
	defer timer.Stop()

	c := &call{root: root, bundle: &types.DebugBundle{OriginalDiff: unifiedDiff}}

	res, ok := e.prepare(ctx, c)
	if !ok {
		return e.finishFailed(ctx, c, res, false)
	}

	wasClean, err := e.git.IsClean(ctx, root)
	if err != nil {
		logging.PatchWarn("status before apply failed: %v", err)
		wasClean = false
	}

	c.snap, err = takeSnapshot(ctx, e.git, root, c.targets)
	if err != nil {
		c.record(types.StrategyNormalize, "snapshot", err.Error())
		return e.finishFailed(ctx, c, types.ApplyResult{Stderr: err.Error()}, false)
	}

	strategies := []struct {
		name    types.ApplyStrategy
		run     func(context.Context, *call) (string, error)
		mutates bool
	}{
		{types.StrategyAlreadyApplied, e.alreadyApplied, false},
		{types.StrategyStrict, e.strict, true},
		{types.StrategyFuzzy, e.fuzzy, true},
		{types.StrategyManual, e.manual, true},
	}

	var lastErr string
	for _, st := range strategies {
		if ctx.Err() != nil {
			c.record(st.name, "canceled", ctx.Err().Error())
			lastErr = ctx.Err().Error()
			break
		}
		detail, err := st.run(ctx, c)
		if err == nil {
			return e.finishOK(ctx, c, st.name, detail)
		}
		lastErr = err.Error()
		c.record(st.name, detail, lastErr)
		logging.PatchDebug("strategy %s failed on %s: %v", st.name, root, err)

		if !st.mutates {
			continue
		}
		if rerr := c.snap.restore(ctx, e.git); rerr != nil {
			logging.PatchWarn("restore after %s failed: %v", st.name, rerr)
			lastErr = fmt.Sprintf("%s; restore: %v", lastErr, rerr)
		}
	}

	return e.finishFailed(ctx, c, types.ApplyResult{Stderr: lastErr}, wasClean)
}

// prepare normalizes, parses and validates the diff. No file is touched.
func (e *Engine) prepare(ctx context.Context, c *call) (types.ApplyResult, bool) {
	normalized, err := diff.Normalize(c.bundle.OriginalDiff)
	if err != nil {
		c.record(types.StrategyNormalize, "normalize", err.Error())
		return types.ApplyResult{Stderr: err.Error()}, false
	}
	c.normalized = normalized
	c.bundle.NormalizedDiff = normalized
	c.strip = diff.DetectStripLevel(normalized)

	c.guard, err = pathguard.New(c.root, e.guardOpts...)
	if err != nil {
		c.record(types.StrategyNormalize, "pathguard", err.Error())
		return types.ApplyResult{Stderr: err.Error()}, false
	}

	// Every name either strip level could produce must be safe, since the
	// strict strategy tries both. Header lines are checked before parsing.
	seen := make(map[string]struct{})
	for _, strip := range []int{c.strip, diff.AlternateStrip(c.strip)} {
		for _, p := range diff.HeaderPaths(normalized, strip) {
			seen[p] = struct{}{}
		}
	}
	if err := c.validate(seen); err != nil {
		return types.ApplyResult{Stderr: err.Error()}, false
	}

	c.files, err = diff.Parse(normalized, c.strip)
	if err != nil {
		c.record(types.StrategyNormalize, "parse", err.Error())
		return types.ApplyResult{Stderr: err.Error()}, false
	}
	for _, p := range diff.TouchedFiles(c.files) {
		seen[p] = struct{}{}
	}
	if err := c.validate(seen); err != nil {
		return types.ApplyResult{Stderr: err.Error()}, false
	}

	c.targets = c.targets[:0]
	for p := range seen {
		c.targets = append(c.targets, p)
	}
	sort.Strings(c.targets)
	return types.ApplyResult{}, true
}

// validate resolves every path through the guard.
func (c *call) validate(paths map[string]struct{}) error {
	for p := range paths {
		if _, err := c.guard.Resolve(p); err != nil {
			c.record(types.StrategyNormalize, "pathguard", err.Error())
			return err
		}
	}
	return nil
}

// alreadyApplied succeeds when the reverse diff applies cleanly, meaning
// the tree already contains the change. Nothing is written.
func (e *Engine) alreadyApplied(ctx context.Context, c *call) (string, error) {
	var errs []string
	for _, strip := range []int{c.strip, diff.AlternateStrip(c.strip)} {
		res, err := e.git.Apply(ctx, c.root, c.normalized, "--check", "-R", stripFlag(strip))
		if err == nil {
			return fmt.Sprintf("reverse applies at p%d", strip), nil
		}
		errs = append(errs, res.Stderr)
	}
	return "not applied", errors.New(strings.TrimSpace(strings.Join(errs, "\n")))
}

// strict runs `git apply --check` then `git apply --index` per strip level.
func (e *Engine) strict(ctx context.Context, c *call) (string, error) {
	var errs []string
	for _, strip := range []int{c.strip, diff.AlternateStrip(c.strip)} {
		if res, err := e.git.Apply(ctx, c.root, c.normalized, "--check", stripFlag(strip)); err != nil {
			errs = append(errs, res.Stderr)
			continue
		}
		res, err := e.git.Apply(ctx, c.root, c.normalized, "--index", stripFlag(strip))
		if err == nil {
			return fmt.Sprintf("p%d", strip), nil
		}
		errs = append(errs, res.Stderr)
		if rerr := c.snap.restore(ctx, e.git); rerr != nil {
			return "restore", rerr
		}
	}
	return "git apply", errors.New(strings.TrimSpace(strings.Join(errs, "\n")))
}

// fuzzy tries a git three-way merge and falls back to an in-process
// diffmatchpatch reconciliation of every fragment.
func (e *Engine) fuzzy(ctx context.Context, c *call) (string, error) {
	res, err := e.git.Apply(ctx, c.root, c.normalized, "--3way", stripFlag(c.strip))
	if err == nil {
		if unmerged, uerr := e.hasUnmerged(ctx, c.root); uerr == nil && !unmerged {
			return "3way", nil
		}
	}
	threeWay := strings.TrimSpace(res.Stderr)
	if rerr := c.snap.restore(ctx, e.git); rerr != nil {
		return "restore", rerr
	}

	if err := e.applyInProcess(ctx, c, e.diff.MergeFile); err != nil {
		return "dmp", fmt.Errorf("3way: %s; dmp: %w", threeWay, err)
	}
	return "dmp", nil
}

// manual applies hunks one by one tolerating offset and whitespace drift.
func (e *Engine) manual(ctx context.Context, c *call) (string, error) {
	err := e.applyInProcess(ctx, c, e.manualMerge)
	return fmt.Sprintf("window=%d", e.window), err
}

func (e *Engine) hasUnmerged(ctx context.Context, root string) (bool, error) {
	res, err := e.git.Run(ctx, root, "ls-files", "--unmerged")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

func (e *Engine) finishOK(ctx context.Context, c *call, strategy types.ApplyStrategy, detail string) types.ApplyResult {
	stat, err := e.git.DiffCachedStat(ctx, c.root)
	if err != nil {
		logging.PatchWarn("diff stat after apply: %v", err)
	}
	patchApplyTotal.WithLabelValues(string(strategy), "ok").Inc()
	logging.Patch("applied %d file(s) to %s via %s (%s)", len(c.files), c.root, strategy, detail)
	return types.ApplyResult{
		OK:       true,
		Strategy: strategy,
		DiffStat: stat,
		Files:    diff.TouchedFiles(c.files),
	}
}

// finishFailed restores the tree, hard-resets it when it was clean before
// the call and assembles the debug bundle.
func (e *Engine) finishFailed(ctx context.Context, c *call, res types.ApplyResult, wasClean bool) types.ApplyResult {
	if c.snap != nil {
		if err := c.snap.restore(ctx, e.git); err != nil {
			logging.PatchWarn("final restore of %s failed: %v", c.root, err)
		}
	}
	if wasClean {
		if err := e.git.ResetHard(ctx, c.root); err != nil {
			logging.PatchWarn("hard reset of %s failed: %v", c.root, err)
		}
	}

	e.fillBundle(ctx, c)
	if e.artifactsDir != "" {
		path, err := writeBundle(e.artifactsDir, c.bundle)
		if err != nil {
			logging.PatchWarn("persist debug bundle: %v", err)
		} else {
			c.bundle.Path = path
		}
	}

	patchApplyTotal.WithLabelValues(string(c.bundle.FailedStage), "failed").Inc()
	logging.PatchWarn("patch failed on %s at %s: %s", c.root, c.bundle.FailedStage, firstLine(res.Stderr))

	res.OK = false
	res.Debug = c.bundle
	res.Files = c.targets
	return res
}

func stripFlag(level int) string {
	return fmt.Sprintf("-p%d", level)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
