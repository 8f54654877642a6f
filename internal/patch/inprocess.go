package patch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"ambient/internal/diff"
	"ambient/internal/logging"
)

// mergeFunc computes new content for one file from its fragments.
type mergeFunc func(current string, frags []*gitdiff.TextFragment) (string, error)

func (e *Engine) manualMerge(current string, frags []*gitdiff.TextFragment) (string, error) {
	return diff.ApplyFragments(current, frags, e.window)
}

// pendingWrite is one file change computed in memory.
type pendingWrite struct {
	rel     string
	content string
	remove  bool
	mode    fs.FileMode
}

// applyInProcess computes every file's new content before writing any of
// them, then writes and stages the whole set. Each target is re-validated
// immediately before its write.
func (e *Engine) applyInProcess(ctx context.Context, c *call, merge mergeFunc) error {
	var writes []pendingWrite
	changed := 0

	for _, f := range c.files {
		if f.IsBinary {
			return fmt.Errorf("%s: binary patches need git apply", f.Target())
		}
		src := f.OldName
		if f.IsNew || src == "" {
			src = f.NewName
		}

		current, mode, exists, err := readTarget(c, src)
		if err != nil {
			return err
		}
		switch {
		case f.IsNew && exists && current != "":
			return fmt.Errorf("%s: new file already exists", f.NewName)
		case !f.IsNew && !exists:
			return fmt.Errorf("%s: file to patch does not exist", src)
		}

		if f.IsDelete {
			writes = append(writes, pendingWrite{rel: f.OldName, remove: true})
			changed++
			continue
		}

		next, err := merge(current, f.Fragments)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Target(), err)
		}
		changed += e.diff.ComputeDiff(src, f.NewName, current, next).Changed()
		writes = append(writes, pendingWrite{rel: f.NewName, content: next, mode: mode})
		if f.IsRename && f.OldName != f.NewName {
			writes = append(writes, pendingWrite{rel: f.OldName, remove: true})
			changed++
		}
	}
	if changed == 0 {
		return errors.New("fragments produced no change")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	staged := make([]string, 0, len(writes))
	for _, w := range writes {
		if err := refuseSymlink(c, w.rel); err != nil {
			return err
		}
		abs, err := c.guard.Resolve(w.rel)
		if err != nil {
			return err
		}
		if w.remove {
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return err
			}
			if err := os.WriteFile(abs, []byte(w.content), w.mode); err != nil {
				return err
			}
		}
		staged = append(staged, w.rel)
		logging.PatchDebug("in-process write %s (remove=%v)", w.rel, w.remove)
	}
	return e.git.Add(ctx, c.root, staged...)
}

// ErrSymlinkTarget is returned when an in-process strategy meets a path
// that is a symlink in the working tree.
var ErrSymlinkTarget = errors.New("symlinked paths need git apply")

// readTarget reads a target file through the guard. Symlinks are refused
// since the guard resolves them to a path outside the snapshot.
func readTarget(c *call, rel string) (content string, mode fs.FileMode, exists bool, err error) {
	if err := refuseSymlink(c, rel); err != nil {
		return "", 0, false, err
	}
	abs, err := c.guard.Resolve(rel)
	if err != nil {
		return "", 0, false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return "", 0644, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	if info.IsDir() {
		return "", 0, false, fmt.Errorf("%s is a directory", rel)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", 0, false, err
	}
	return string(data), info.Mode().Perm(), true, nil
}

func refuseSymlink(c *call, rel string) error {
	info, err := os.Lstat(filepath.Join(c.root, filepath.FromSlash(rel)))
	if err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return fmt.Errorf("%s: %w", rel, ErrSymlinkTarget)
	}
	return nil
}
