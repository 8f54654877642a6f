package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"ambient/internal/gitops"
)

// fileState is the pre-call state of one touched path.
type fileState struct {
	abs     string
	existed bool
	isDir   bool
	link    string // symlink target; empty for regular files
	content []byte
	mode    fs.FileMode
}

// snapshot captures every touched path, the parent directories a strategy
// may create and the index tree, so that a failed strategy can be undone.
type snapshot struct {
	root  string
	tree  string
	files []fileState
	dirs  []string // absent at snapshot time, deepest first
}

func takeSnapshot(ctx context.Context, git *gitops.Runner, root string, targets []string) (*snapshot, error) {
	tree, err := git.WriteTree(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("snapshot index: %w", err)
	}
	s := &snapshot{root: root, tree: tree}

	missingDirs := make(map[string]struct{})
	for _, rel := range targets {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		if abs == filepath.Clean(root) {
			continue
		}
		st := fileState{abs: abs}
		info, err := os.Lstat(abs)
		switch {
		case err == nil && info.IsDir():
			st.existed, st.isDir = true, true
		case err == nil && info.Mode()&fs.ModeSymlink != 0:
			target, rerr := os.Readlink(abs)
			if rerr != nil {
				return nil, fmt.Errorf("snapshot %s: %w", rel, rerr)
			}
			st.existed, st.link = true, target
		case err == nil:
			content, rerr := os.ReadFile(abs)
			if rerr != nil {
				return nil, fmt.Errorf("snapshot %s: %w", rel, rerr)
			}
			st.existed, st.content, st.mode = true, content, info.Mode().Perm()
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		s.files = append(s.files, st)

		for dir := filepath.Dir(abs); len(dir) > len(root) && dir != root; dir = filepath.Dir(dir) {
			if _, err := os.Lstat(dir); errors.Is(err, fs.ErrNotExist) {
				missingDirs[dir] = struct{}{}
			} else {
				break
			}
		}
	}

	for d := range missingDirs {
		s.dirs = append(s.dirs, d)
	}
	sort.Slice(s.dirs, func(i, j int) bool { return len(s.dirs[i]) > len(s.dirs[j]) })
	return s, nil
}

// restore writes every captured path back, removes paths and directories
// that did not exist and resets the index to the captured tree.
func (s *snapshot) restore(ctx context.Context, git *gitops.Runner) error {
	var errs []error
	for _, f := range s.files {
		if f.isDir {
			continue
		}
		if !f.existed {
			if err := os.Remove(f.abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(f.abs), 0755); err != nil {
			errs = append(errs, err)
			continue
		}
		if f.link != "" {
			if err := restoreLink(f.abs, f.link); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if info, err := os.Lstat(f.abs); err == nil && !info.Mode().IsRegular() {
			_ = os.RemoveAll(f.abs)
		}
		if err := os.WriteFile(f.abs, f.content, f.mode); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Chmod(f.abs, f.mode); err != nil {
			errs = append(errs, err)
		}
	}

	for _, d := range s.dirs {
		// Non-empty directories hold files that were not ours; leave them.
		_ = os.Remove(d)
	}

	if err := git.ReadTree(ctx, s.root, s.tree); err != nil {
		errs = append(errs, fmt.Errorf("restore index: %w", err))
	}
	return errors.Join(errs...)
}

// restoreLink recreates a symlink unless it already points at target.
func restoreLink(abs, target string) error {
	if cur, err := os.Readlink(abs); err == nil && cur == target {
		return nil
	}
	if err := os.RemoveAll(abs); err != nil {
		return err
	}
	return os.Symlink(target, abs)
}
