// Package gitops runs the git binary for the patch engine, the review
// worktree manager and the repository context builder. Every invocation is
// an argv executed through the tactile host executor; no shell is involved.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ambient/internal/logging"
	"ambient/internal/tactile"
)

// ErrNoHead is returned when the repository has no commit to resolve HEAD to.
var ErrNoHead = errors.New("repository has no HEAD commit")

// GitError describes a git invocation that exited non-zero.
type GitError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *GitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// Result is the captured output of one git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes git subcommands in a given directory.
type Runner struct {
	exec    tactile.Executor
	binary  string
	timeout time.Duration
}

// NewRunner wraps an executor. A nil executor uses a fresh DirectExecutor.
func NewRunner(exec tactile.Executor) *Runner {
	if exec == nil {
		exec = tactile.NewDirectExecutor()
	}
	return &Runner{exec: exec, binary: "git", timeout: 2 * time.Minute}
}

// WithTimeout returns a copy of the runner using a different per-call limit.
func (r *Runner) WithTimeout(d time.Duration) *Runner {
	out := *r
	out.timeout = d
	return &out
}

// Run executes git with args in dir. A non-zero exit yields *GitError
// alongside the captured result.
func (r *Runner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	return r.RunInput(ctx, dir, "", args...)
}

// RunInput is Run with stdin.
func (r *Runner) RunInput(ctx context.Context, dir, stdin string, args ...string) (Result, error) {
	cmd := tactile.Command{
		Binary:           r.binary,
		Arguments:        args,
		WorkingDirectory: dir,
		Environment:      []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"},
		Stdin:            stdin,
		Limits:           &tactile.ResourceLimits{TimeoutMs: r.timeout.Milliseconds()},
	}
	logging.GitDebug("git %s (dir=%s)", strings.Join(args, " "), dir)

	res, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	out := Result{Stdout: res.Stdout, Stderr: res.Stderr, ExitCode: res.ExitCode}
	switch {
	case res.TimedOut:
		return out, fmt.Errorf("git %s: %s", strings.Join(args, " "), res.KillReason)
	case res.Killed:
		return out, fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), res.KillReason, ctx.Err())
	case !res.Success:
		return out, fmt.Errorf("git %s: %s", strings.Join(args, " "), res.Error)
	case res.ExitCode != 0:
		return out, &GitError{Args: args, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return out, nil
}

// output runs git and returns trimmed stdout.
func (r *Runner) output(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := r.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// =============================================================================
// REPOSITORY STATE
// =============================================================================

// TopLevel returns the root of the working tree containing dir.
func (r *Runner) TopLevel(ctx context.Context, dir string) (string, error) {
	return r.output(ctx, dir, "rev-parse", "--show-toplevel")
}

// CommonDir returns the absolute git common directory shared by all worktrees.
func (r *Runner) CommonDir(ctx context.Context, dir string) (string, error) {
	out, err := r.output(ctx, dir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(dir, out)
	}
	return filepath.Clean(out), nil
}

// Head resolves HEAD to a commit id.
func (r *Runner) Head(ctx context.Context, dir string) (string, error) {
	out, err := r.output(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD^{commit}")
	if err != nil {
		var gerr *GitError
		if errors.As(err, &gerr) {
			return "", ErrNoHead
		}
		return "", err
	}
	return out, nil
}

// Status returns `git status --porcelain` output.
func (r *Runner) Status(ctx context.Context, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	return res.Stdout, err
}

// IsClean reports whether the working tree and index match HEAD with no
// untracked files.
func (r *Runner) IsClean(ctx context.Context, dir string) (bool, error) {
	status, err := r.Status(ctx, dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(status) == "", nil
}

// Fsck runs a connectivity-only consistency check.
func (r *Runner) Fsck(ctx context.Context, dir string) error {
	_, err := r.Run(ctx, dir, "fsck", "--connectivity-only", "--no-progress")
	return err
}

// ShowHead returns the content of path at HEAD. A path absent from HEAD
// yields ok=false without error.
func (r *Runner) ShowHead(ctx context.Context, dir, path string) (content string, ok bool, err error) {
	res, err := r.Run(ctx, dir, "show", "HEAD:"+filepath.ToSlash(path))
	if err != nil {
		var gerr *GitError
		if errors.As(err, &gerr) {
			return "", false, nil
		}
		return "", false, err
	}
	return res.Stdout, true, nil
}

// LsFiles lists tracked files relative to dir.
func (r *Runner) LsFiles(ctx context.Context, dir string) ([]string, error) {
	res, err := r.Run(ctx, dir, "ls-files", "-z")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, f := range strings.Split(res.Stdout, "\x00") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// DiffHead returns the working tree diff against HEAD.
func (r *Runner) DiffHead(ctx context.Context, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "diff", "HEAD", "--no-color", "--no-ext-diff")
	return res.Stdout, err
}

// =============================================================================
// INDEX AND WORKING TREE
// =============================================================================

// WriteTree records the current index as a tree object.
func (r *Runner) WriteTree(ctx context.Context, dir string) (string, error) {
	return r.output(ctx, dir, "write-tree")
}

// ReadTree replaces the index with tree and refreshes stat information so
// that later index-matching checks compare against the working tree.
func (r *Runner) ReadTree(ctx context.Context, dir, tree string) error {
	if _, err := r.Run(ctx, dir, "read-tree", tree); err != nil {
		return err
	}
	// --refresh exits non-zero when files differ from the index; that is
	// expected here.
	_, _ = r.Run(ctx, dir, "update-index", "-q", "--refresh")
	return nil
}

// ResetHard resets index and working tree to HEAD and removes untracked
// files and directories.
func (r *Runner) ResetHard(ctx context.Context, dir string) error {
	if _, err := r.Run(ctx, dir, "reset", "--hard", "--quiet", "HEAD"); err != nil {
		return err
	}
	_, err := r.Run(ctx, dir, "clean", "-fd", "--quiet")
	return err
}

// Add stages paths. Removed paths are staged as deletions.
func (r *Runner) Add(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"add", "-A", "--"}, paths...)
	_, err := r.Run(ctx, dir, args...)
	return err
}

// DiffCachedStat returns `git diff --cached --stat`.
func (r *Runner) DiffCachedStat(ctx context.Context, dir string) (string, error) {
	return r.output(ctx, dir, "diff", "--cached", "--stat", "--no-color")
}

// DiffCached returns the staged diff.
func (r *Runner) DiffCached(ctx context.Context, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "diff", "--cached", "--binary", "--no-color", "--no-ext-diff")
	return res.Stdout, err
}

// Apply runs `git apply` with the diff on stdin.
func (r *Runner) Apply(ctx context.Context, dir, diff string, args ...string) (Result, error) {
	argv := append([]string{"apply"}, args...)
	argv = append(argv, "-")
	return r.RunInput(ctx, dir, diff, argv...)
}

// Commit records the index with an explicit author and committer identity.
func (r *Runner) Commit(ctx context.Context, dir, message, name, email string) (string, error) {
	_, err := r.Run(ctx, dir,
		"-c", "user.name="+name,
		"-c", "user.email="+email,
		"commit", "--no-verify", "--quiet", "-m", message)
	if err != nil {
		return "", err
	}
	return r.Head(ctx, dir)
}

// =============================================================================
// WORKTREES AND BRANCHES
// =============================================================================

// WorktreeAdd creates a new worktree at path on a new branch from base.
func (r *Runner) WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	_, err := r.Run(ctx, repo, "worktree", "add", "--quiet", "-b", branch, path, base)
	return err
}

// WorktreeRemove force-removes a worktree.
func (r *Runner) WorktreeRemove(ctx context.Context, repo, path string) error {
	_, err := r.Run(ctx, repo, "worktree", "remove", "--force", path)
	return err
}

// WorktreePrune drops administrative data for vanished worktrees.
func (r *Runner) WorktreePrune(ctx context.Context, repo string) error {
	_, err := r.Run(ctx, repo, "worktree", "prune")
	return err
}

// BranchExists reports whether a local branch exists.
func (r *Runner) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	_, err := r.Run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var gerr *GitError
	if errors.As(err, &gerr) && gerr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// BranchDelete force-deletes a local branch.
func (r *Runner) BranchDelete(ctx context.Context, repo, branch string) error {
	_, err := r.Run(ctx, repo, "branch", "-D", "--quiet", branch)
	return err
}

// ListBranches returns local branch names under prefix.
func (r *Runner) ListBranches(ctx context.Context, repo, prefix string) ([]string, error) {
	out, err := r.output(ctx, repo, "for-each-ref", "--format=%(refname:short)", "refs/heads/"+strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return nil, err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}

// Version returns the git version string.
func (r *Runner) Version(ctx context.Context) (string, error) {
	return r.output(ctx, "", "--version")
}

// ParseShortStat extracts files/insertions/deletions from a --stat summary.
func ParseShortStat(stat string) (files, insertions, deletions int) {
	lines := strings.Split(strings.TrimSpace(stat), "\n")
	if len(lines) == 0 {
		return 0, 0, 0
	}
	for _, part := range strings.Split(lines[len(lines)-1], ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			files = n
		case strings.HasPrefix(fields[1], "insertion"):
			insertions = n
		case strings.HasPrefix(fields[1], "deletion"):
			deletions = n
		}
	}
	return files, insertions, deletions
}
