package worktree

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ambient/internal/logging"
)

// GCReport lists what a retention pass removed.
type GCReport struct {
	Evicted  []string `json:"evicted"`
	Branches []string `json:"branches"`
	Retained []string `json:"retained"`
}

type cycleDir struct {
	name    string
	path    string
	modTime time.Time
}

// GC evicts retained cycle directories beyond MaxRetained (oldest first) and
// any older than MaxAge, deleting their worktrees and branches. Cycles with
// live worktrees are never evicted.
func (m *Manager) GC(ctx context.Context, now time.Time) (GCReport, error) {
	var report GCReport

	entries, err := os.ReadDir(m.base)
	if err != nil {
		if os.IsNotExist(err) {
			return report, nil
		}
		return report, err
	}

	active := make(map[string]bool)
	for _, wt := range m.List() {
		active[strings.SplitN(wt.ID, "/", 2)[0]] = true
	}

	var cycles []cycleDir
	for _, e := range entries {
		if !e.IsDir() || active[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cycles = append(cycles, cycleDir{name: e.Name(), path: filepath.Join(m.base, e.Name()), modTime: info.ModTime()})
	}
	// Newest first.
	sort.Slice(cycles, func(i, j int) bool {
		if !cycles[i].modTime.Equal(cycles[j].modTime) {
			return cycles[i].modTime.After(cycles[j].modTime)
		}
		return cycles[i].name > cycles[j].name
	})

	unlock := m.lockMeta("gc")
	defer unlock()

	var errs []error
	for i, c := range cycles {
		overCap := m.cfg.MaxRetained > 0 && i >= m.cfg.MaxRetained
		tooOld := m.cfg.MaxAge > 0 && now.Sub(c.modTime) > m.cfg.MaxAge
		if !overCap && !tooOld {
			report.Retained = append(report.Retained, c.name)
			continue
		}
		branches, err := m.evictCycle(ctx, c)
		report.Branches = append(report.Branches, branches...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.Evicted = append(report.Evicted, c.name)
	}

	if err := m.git.WorktreePrune(ctx, m.cfg.Repo); err != nil {
		errs = append(errs, err)
	}
	sort.Strings(report.Evicted)
	sort.Strings(report.Retained)
	logging.Worktree("gc: evicted %d cycles, deleted %d branches", len(report.Evicted), len(report.Branches))
	return report, errors.Join(errs...)
}

func (m *Manager) evictCycle(ctx context.Context, c cycleDir) ([]string, error) {
	var errs []error

	trees, _ := os.ReadDir(filepath.Join(c.path, "worktrees"))
	for _, t := range trees {
		if !t.IsDir() {
			continue
		}
		path := filepath.Join(c.path, "worktrees", t.Name())
		if err := m.git.WorktreeRemove(ctx, m.cfg.Repo, path); err != nil {
			logging.WorktreeDebug("gc: worktree remove %s: %v", path, err)
		}
	}

	branches, err := m.git.ListBranches(ctx, m.cfg.Repo, m.cfg.BranchPrefix+"/"+c.name)
	if err != nil {
		errs = append(errs, err)
	}
	var deleted []string
	for _, b := range branches {
		if err := m.git.BranchDelete(ctx, m.cfg.Repo, b); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, b)
	}

	if err := os.RemoveAll(c.path); err != nil {
		errs = append(errs, err)
	}
	return deleted, errors.Join(errs...)
}
