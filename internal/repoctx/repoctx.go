// Package repoctx builds the repository context handed to proposal
// generators: tree listing, selected file contents and the uncommitted diff.
package repoctx

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ambient/internal/diff"
	"ambient/internal/gitops"
	"ambient/internal/logging"
	"ambient/internal/pathguard"
	"ambient/internal/types"
)

// Context is the read-only view of a repository for one cycle.
type Context struct {
	Repo         string            `json:"repo"`
	Head         string            `json:"head,omitempty"`
	Trigger      types.Trigger     `json:"trigger"`
	Tree         []string          `json:"tree"`
	Files        map[string]string `json:"files"`
	Diff         string            `json:"diff,omitempty"`
	ChangedPaths []string          `json:"changed_paths,omitempty"`
	HotPaths     []string          `json:"hot_paths,omitempty"`
	Truncated    []string          `json:"truncated,omitempty"`
}

// Builder produces a Context for a trigger.
type Builder interface {
	Build(ctx context.Context, trigger types.Trigger) (Context, error)
}

// DefaultImportantFiles are always included when present.
var DefaultImportantFiles = []string{
	"go.mod",
	"pyproject.toml",
	"setup.cfg",
	"requirements.txt",
	"package.json",
	"Makefile",
	"README.md",
	".github/workflows/ci.yml",
}

// GitBuilder reads context from a git working tree.
type GitBuilder struct {
	repo           string
	git            *gitops.Runner
	maxFiles       int
	maxFileBytes   int
	importantFiles []string
}

// GitBuilderOption configures a GitBuilder.
type GitBuilderOption func(*GitBuilder)

// WithMaxFiles caps the number of file bodies included.
func WithMaxFiles(n int) GitBuilderOption {
	return func(b *GitBuilder) { b.maxFiles = n }
}

// WithMaxFileBytes caps each included file body.
func WithMaxFileBytes(n int) GitBuilderOption {
	return func(b *GitBuilder) { b.maxFileBytes = n }
}

// WithImportantFiles replaces the always-included file list.
func WithImportantFiles(files ...string) GitBuilderOption {
	return func(b *GitBuilder) { b.importantFiles = files }
}

// NewGitBuilder creates a builder for repo.
func NewGitBuilder(repo string, git *gitops.Runner, opts ...GitBuilderOption) *GitBuilder {
	if git == nil {
		git = gitops.NewRunner(nil)
	}
	b := &GitBuilder{
		repo:           repo,
		git:            git,
		maxFiles:       50,
		maxFileBytes:   200_000,
		importantFiles: DefaultImportantFiles,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build lists tracked files, captures `git diff HEAD` and reads the changed
// files, their impact radius and the important files. Paths that fail
// PathGuard are skipped.
func (b *GitBuilder) Build(ctx context.Context, trigger types.Trigger) (Context, error) {
	timer := logging.StartTimer(logging.CategoryGenerate, "build context")
	defer timer.Stop()

	guard, err := pathguard.New(b.repo)
	if err != nil {
		return Context{}, err
	}
	root := guard.Root()

	out := Context{Repo: root, Trigger: trigger, Files: make(map[string]string)}

	if out.Tree, err = b.git.LsFiles(ctx, root); err != nil {
		return Context{}, fmt.Errorf("list files: %w", err)
	}
	if head, err := b.git.Head(ctx, root); err == nil {
		out.Head = head
	}
	if out.Diff, err = b.git.DiffHead(ctx, root); err != nil {
		return Context{}, fmt.Errorf("diff HEAD: %w", err)
	}

	out.ChangedPaths = changedPaths(root, trigger.Paths, out.Diff)

	safe := make([]string, 0, len(out.Tree))
	for _, rel := range out.Tree {
		if _, err := guard.Resolve(rel); err == nil {
			safe = append(safe, rel)
		}
	}
	out.HotPaths = ImpactRadius(root, safe, out.ChangedPaths, b.maxFiles)

	var candidates []string
	candidates = append(candidates, out.ChangedPaths...)
	candidates = append(candidates, out.HotPaths...)
	candidates = append(candidates, b.importantFiles...)
	seen := make(map[string]bool)
	for _, rel := range candidates {
		if seen[rel] {
			continue
		}
		seen[rel] = true
		if len(out.Files) >= b.maxFiles {
			out.Truncated = append(out.Truncated, rel)
			continue
		}
		abs, err := guard.Resolve(rel)
		if err != nil {
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			logging.GenerateWarn("read %s: %v", rel, err)
			continue
		}
		if len(data) > b.maxFileBytes {
			data = data[:b.maxFileBytes]
			out.Truncated = append(out.Truncated, rel)
		}
		out.Files[rel] = string(data)
	}
	sort.Strings(out.Truncated)

	logging.Generate("context: %d tracked, %d changed, %d hot, %d files included", len(out.Tree), len(out.ChangedPaths), len(out.HotPaths), len(out.Files))
	return out, nil
}

// changedPaths merges trigger paths (absolute or repo-relative) with the
// paths named in the uncommitted diff.
func changedPaths(root string, triggerPaths []string, uncommitted string) []string {
	set := make(map[string]struct{})
	for _, p := range triggerPaths {
		if filepath.IsAbs(p) {
			rel, err := filepath.Rel(root, p)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				continue
			}
			p = rel
		}
		p = filepath.ToSlash(filepath.Clean(p))
		if p != "." && p != "" {
			set[p] = struct{}{}
		}
	}
	for _, p := range diff.HeaderPaths(uncommitted, 1) {
		set[p] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
