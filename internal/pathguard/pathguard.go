// Package pathguard validates repository-relative paths before any write.
//
// A path is accepted only if it is relative, free of NUL bytes, resolves
// (after collapsing ".." and following symlinks of its existing prefix) to
// the repository root or a descendant of it, and contains no forbidden
// component such as the version-control directory or secret files.
// Resolution has no side effects and a Guard is safe for concurrent use.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ambient/internal/logging"
)

// ErrPathViolation is the sentinel matched by every *PathViolation.
var ErrPathViolation = errors.New("path violation")

// PathViolation reports why a candidate path was rejected.
type PathViolation struct {
	Path   string
	Reason string
}

func (e *PathViolation) Error() string {
	return fmt.Sprintf("path violation: %q: %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrPathViolation) succeed.
func (e *PathViolation) Is(target error) bool {
	return target == ErrPathViolation
}

// DefaultForbidden lists the components rejected anywhere in a path.
var DefaultForbidden = []string{".git", ".env", ".ssh", ".swarmguard_secrets"}

// Guard resolves paths against one canonical root.
type Guard struct {
	root      string
	forbidden map[string]struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithForbidden adds extra forbidden path components.
func WithForbidden(names ...string) Option {
	return func(g *Guard) {
		for _, n := range names {
			if n = strings.TrimSpace(n); n != "" {
				g.forbidden[n] = struct{}{}
			}
		}
	}
}

// New canonicalizes root and returns a Guard for it.
func New(root string, opts ...Option) (*Guard, error) {
	if root == "" {
		return nil, fmt.Errorf("pathguard: empty root")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolving root: %w", err)
	}
	canon, err := canonicalize(abs)
	if err != nil {
		return nil, fmt.Errorf("pathguard: resolving root: %w", err)
	}

	g := &Guard{root: canon, forbidden: make(map[string]struct{}, len(DefaultForbidden))}
	for _, n := range DefaultForbidden {
		g.forbidden[n] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Root returns the canonical root.
func (g *Guard) Root() string {
	return g.root
}

// Resolve is a convenience wrapper around New(root).Resolve(rel).
func Resolve(root, rel string) (string, error) {
	g, err := New(root)
	if err != nil {
		return "", err
	}
	return g.Resolve(rel)
}

// Resolve returns the canonical absolute path of rel or a *PathViolation.
func (g *Guard) Resolve(rel string) (string, error) {
	if err := g.check(rel); err != nil {
		logging.Get(logging.CategoryPathGuard).Warn("rejected %q: %v", rel, err)
		return "", err
	}
	canon, err := canonicalize(filepath.Join(g.root, rel))
	if err != nil {
		return "", &PathViolation{Path: rel, Reason: fmt.Sprintf("cannot resolve: %v", err)}
	}

	relToRoot, err := filepath.Rel(g.root, canon)
	if err != nil || relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(filepath.Separator)) {
		v := &PathViolation{Path: rel, Reason: "escapes repository root"}
		logging.Get(logging.CategoryPathGuard).Warn("rejected %q: resolves to %s", rel, canon)
		return "", v
	}
	if name, bad := g.forbiddenComponent(relToRoot); bad {
		v := &PathViolation{Path: rel, Reason: fmt.Sprintf("forbidden component %q", name)}
		logging.Get(logging.CategoryPathGuard).Warn("rejected %q: %s", rel, v.Reason)
		return "", v
	}
	return canon, nil
}

// ResolveAll resolves every path and fails on the first violation.
func (g *Guard) ResolveAll(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := g.Resolve(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

// check performs the syntactic rejections on the raw input.
func (g *Guard) check(rel string) error {
	switch {
	case rel == "":
		return &PathViolation{Path: rel, Reason: "empty path"}
	case strings.ContainsRune(rel, 0):
		return &PathViolation{Path: rel, Reason: "contains NUL byte"}
	case isAbsolute(rel):
		return &PathViolation{Path: rel, Reason: "absolute path"}
	}
	if name, bad := g.forbiddenComponent(rel); bad {
		return &PathViolation{Path: rel, Reason: fmt.Sprintf("forbidden component %q", name)}
	}
	return nil
}

// isAbsolute recognizes POSIX, Windows volume and UNC forms on any host.
func isAbsolute(p string) bool {
	if filepath.IsAbs(p) || strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return true
	}
	if len(p) >= 2 && p[1] == ':' {
		c := p[0]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			return true
		}
	}
	return filepath.VolumeName(p) != ""
}

func (g *Guard) forbiddenComponent(p string) (string, bool) {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' })
	for _, part := range parts {
		if _, ok := g.forbidden[part]; ok {
			return part, true
		}
		if strings.HasPrefix(part, ".env.") {
			return part, true
		}
	}
	return "", false
}

// canonicalize cleans p and follows symlinks of its longest existing prefix,
// re-appending the not-yet-existing remainder.
func canonicalize(p string) (string, error) {
	p = filepath.Clean(p)
	var rest []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}
