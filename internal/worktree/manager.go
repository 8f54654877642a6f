// Package worktree manages isolated review worktrees: one git worktree and
// branch per proposal, created from HEAD of the primary repository, where
// the proposal is patched and verified without touching the primary tree.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ambient/internal/gitops"
	"ambient/internal/logging"
	"ambient/internal/patch"
	"ambient/internal/pathguard"
	"ambient/internal/tactile"
	"ambient/internal/types"
)

var (
	// ErrNotFound is returned for an unknown worktree id.
	ErrNotFound = errors.New("review worktree not found")
	// ErrInvalidTransition wraps an illegal lifecycle move.
	ErrInvalidTransition = errors.New("invalid worktree transition")
)

// Keep modes for retained worktrees.
const (
	KeepNone   = "none"
	KeepFailed = "failed"
	KeepAll    = "all"
)

// Applier applies a diff to a working tree.
type Applier interface {
	Apply(ctx context.Context, root, unifiedDiff string) types.ApplyResult
}

// Verifier runs verification checks in a working tree.
type Verifier interface {
	Verify(ctx context.Context, worktree string, checks []tactile.Check) types.VerifyResult
}

// Config configures a Manager.
type Config struct {
	Repo         string
	BaseDir      string // relative paths resolve against Repo
	BranchPrefix string
	MaxParallel  int
	Keep         string
	ResetOnFail  bool
	MaxRetained  int
	MaxAge       time.Duration
	Checks       []tactile.Check

	CommitOnSuccess       bool
	CommitMessageTemplate string
	CommitAuthorName      string
	CommitAuthorEmail     string
}

// ReviewWorktree is a snapshot of one managed worktree.
type ReviewWorktree struct {
	ID         string              `json:"id"`
	CycleID    string              `json:"cycle_id"`
	Index      int                 `json:"index"`
	ProposalID string              `json:"proposal_id"`
	Path       string              `json:"path"`
	Branch     string              `json:"branch"`
	PatchFile  string              `json:"patch_file"`
	State      types.WorktreeState `json:"state"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Outcome is the result of processing one proposal in its worktree.
type Outcome struct {
	ProposalID  string              `json:"proposal_id"`
	Worktree    ReviewWorktree      `json:"worktree"`
	Disposition types.Disposition   `json:"disposition"`
	Reason      string              `json:"reason,omitempty"`
	Apply       *types.ApplyResult  `json:"apply,omitempty"`
	Verify      *types.VerifyResult `json:"verify,omitempty"`
	Commit      string              `json:"commit,omitempty"`
	Err         error               `json:"-"`
}

// Manager owns the review worktrees of one repository.
type Manager struct {
	cfg      Config
	base     string
	git      *gitops.Runner
	patcher  Applier
	verifier Verifier

	// metaMu serializes operations on shared git metadata: worktree
	// add/remove, branch creation and deletion.
	metaMu   sync.Mutex
	metaHook func(op string)

	mu       sync.Mutex
	live     map[string]*ReviewWorktree
	paths    map[string]string // path -> id
	branches map[string]string // branch -> id
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetadataHook is called with the operation name while the metadata
// lock is held.
func WithMetadataHook(fn func(op string)) Option {
	return func(m *Manager) { m.metaHook = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. A nil patcher uses patch.New with the same
// git runner.
func NewManager(cfg Config, git *gitops.Runner, patcher Applier, verifier Verifier, opts ...Option) (*Manager, error) {
	if cfg.Repo == "" {
		return nil, fmt.Errorf("repository path is required")
	}
	if verifier == nil {
		return nil, fmt.Errorf("verifier is required")
	}
	if git == nil {
		git = gitops.NewRunner(nil)
	}
	if patcher == nil {
		patcher = patch.New(git)
	}
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "ambient"
	}
	if cfg.Keep == "" {
		cfg.Keep = KeepFailed
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = filepath.Join(".ambient", "reviews")
	}

	repo, err := filepath.Abs(cfg.Repo)
	if err != nil {
		return nil, err
	}
	cfg.Repo = repo
	base := cfg.BaseDir
	if !filepath.IsAbs(base) {
		base = filepath.Join(repo, base)
	}

	m := &Manager{
		cfg:      cfg,
		base:     filepath.Clean(base),
		git:      git,
		patcher:  patcher,
		verifier: verifier,
		live:     make(map[string]*ReviewWorktree),
		paths:    make(map[string]string),
		branches: make(map[string]string),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// BaseDir returns the absolute review directory.
func (m *Manager) BaseDir() string {
	return m.base
}

func (m *Manager) lockMeta(op string) func() {
	m.metaMu.Lock()
	if m.metaHook != nil {
		m.metaHook(op)
	}
	return m.metaMu.Unlock
}

// Create adds a worktree for proposal at position index of cycleID on a new
// branch from HEAD. Names that collide with a live worktree, an existing
// directory or an existing branch get -2, -3 ... suffixes.
func (m *Manager) Create(ctx context.Context, cycleID string, index int, p types.Proposal) (*ReviewWorktree, error) {
	cycleSlug := Slugify(cycleID)
	unlock := m.lockMeta("create")
	defer unlock()

	var name, path, branch string
	for suffix := 1; ; suffix++ {
		if suffix > 100 {
			return nil, fmt.Errorf("no free worktree name for %s", p.ID)
		}
		name = entryName(index, p, suffix)
		path = filepath.Join(m.base, cycleSlug, "worktrees", name)
		branch = strings.Join([]string{m.cfg.BranchPrefix, cycleSlug, name}, "/")

		if m.taken(path, branch) {
			continue
		}
		if _, err := os.Lstat(path); err == nil {
			continue
		}
		exists, err := m.git.BranchExists(ctx, m.cfg.Repo, branch)
		if err != nil {
			return nil, fmt.Errorf("check branch %s: %w", branch, err)
		}
		if !exists {
			break
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	if err := m.git.WorktreeAdd(ctx, m.cfg.Repo, path, branch, "HEAD"); err != nil {
		return nil, fmt.Errorf("create worktree %s: %w", name, err)
	}

	wt := &ReviewWorktree{
		ID:         cycleSlug + "/" + name,
		CycleID:    cycleID,
		Index:      index,
		ProposalID: p.ID,
		Path:       path,
		Branch:     branch,
		PatchFile:  filepath.Join(m.base, cycleSlug, "patches", name+".diff"),
		State:      types.WorktreeCreated,
		CreatedAt:  m.now(),
	}
	m.mu.Lock()
	m.live[wt.ID] = wt
	m.paths[path] = wt.ID
	m.branches[branch] = wt.ID
	m.mu.Unlock()

	logging.Worktree("created %s on %s", wt.ID, branch)
	out := *wt
	return &out, nil
}

func (m *Manager) taken(path, branch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, p := m.paths[path]
	_, b := m.branches[branch]
	return p || b
}

// Get returns a snapshot of a live worktree.
func (m *Manager) Get(id string) (ReviewWorktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.live[id]
	if !ok {
		return ReviewWorktree{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *wt, nil
}

// List returns snapshots of all live worktrees ordered by id.
func (m *Manager) List() []ReviewWorktree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReviewWorktree, 0, len(m.live))
	for _, wt := range m.live {
		out = append(out, *wt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// transition moves a live worktree to state to.
func (m *Manager) transition(id string, to types.WorktreeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.live[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !types.CanTransition(wt.State, to) {
		return fmt.Errorf("%w: %w", ErrInvalidTransition, &types.TransitionError{From: wt.State, To: to})
	}
	wt.State = to
	logging.WorktreeDebug("%s -> %s", id, to)
	return nil
}

// ApplyAndVerify validates, patches and verifies proposal p in wt.
func (m *Manager) ApplyAndVerify(ctx context.Context, wt *ReviewWorktree, p types.Proposal) Outcome {
	out := Outcome{ProposalID: p.ID}
	fail := func(reason string, err error) Outcome {
		if terr := m.transition(wt.ID, types.WorktreeFailed); terr != nil {
			logging.WorktreeWarn("%s: %v", wt.ID, terr)
		}
		out.Disposition = types.DispositionFailed
		out.Reason = reason
		out.Err = err
		out.Worktree, _ = m.Get(wt.ID)
		logging.WorktreeWarn("%s failed: %s", wt.ID, reason)
		return out
	}

	guard, err := pathguard.New(wt.Path)
	if err != nil {
		return fail("path_violation", err)
	}
	if _, err := guard.ResolveAll(p.FilesTouched); err != nil {
		return fail("path_violation", err)
	}

	res := m.patcher.Apply(ctx, wt.Path, p.Diff)
	out.Apply = &res
	if !res.OK {
		stage := types.StrategyNormalize
		if res.Debug != nil {
			stage = res.Debug.FailedStage
		}
		return fail("patch_failed:"+string(stage), patch.AsError(res))
	}
	if err := m.transition(wt.ID, types.WorktreePatched); err != nil {
		return fail("invalid_transition", err)
	}
	if err := m.writePatchFile(ctx, wt); err != nil {
		logging.WorktreeWarn("write patch file for %s: %v", wt.ID, err)
	}

	if err := m.transition(wt.ID, types.WorktreeVerifying); err != nil {
		return fail("invalid_transition", err)
	}
	verdict := m.verifier.Verify(ctx, wt.Path, m.cfg.Checks)
	out.Verify = &verdict
	if !verdict.OK {
		if m.cfg.ResetOnFail {
			if err := m.git.ResetHard(ctx, wt.Path); err != nil {
				logging.WorktreeWarn("reset %s: %v", wt.ID, err)
			}
		}
		return fail("verify_failed:"+strings.Join(failedChecks(verdict), ","), nil)
	}

	if m.cfg.CommitOnSuccess {
		msg := RenderCommitMessage(m.cfg.CommitMessageTemplate, p)
		commit, err := m.git.Commit(ctx, wt.Path, msg, m.cfg.CommitAuthorName, m.cfg.CommitAuthorEmail)
		if err != nil {
			logging.WorktreeWarn("commit in %s: %v", wt.ID, err)
		} else {
			out.Commit = commit
		}
	}

	if err := m.transition(wt.ID, types.WorktreeVerified); err != nil {
		return fail("invalid_transition", err)
	}
	out.Disposition = types.DispositionVerified
	out.Worktree, _ = m.Get(wt.ID)
	logging.Worktree("%s verified (%s)", wt.ID, res.Strategy)
	return out
}

// writePatchFile stores the staged diff of wt next to its siblings.
func (m *Manager) writePatchFile(ctx context.Context, wt *ReviewWorktree) error {
	staged, err := m.git.DiffCached(ctx, wt.Path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(wt.PatchFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(wt.PatchFile, []byte(staged), 0644)
}

func failedChecks(v types.VerifyResult) []string {
	var names []string
	for _, c := range v.Checks {
		if !c.OK {
			names = append(names, c.Name)
		}
	}
	return names
}

// retained reports whether the keep policy holds on to wt's checkout.
func (m *Manager) retained(wt ReviewWorktree) bool {
	switch m.cfg.Keep {
	case KeepAll:
		return true
	case KeepFailed:
		return wt.State == types.WorktreeFailed
	default:
		return false
	}
}

// Destroy removes a worktree's checkout. Retained worktrees are left alone
// unless force is set. Branches of verified worktrees survive a non-forced
// destroy so the change stays reviewable.
func (m *Manager) Destroy(ctx context.Context, id string, force bool) error {
	wt, err := m.Get(id)
	if err != nil {
		return err
	}
	if !force && m.retained(wt) {
		logging.WorktreeDebug("retaining %s (%s)", id, wt.State)
		return nil
	}

	unlock := m.lockMeta("destroy")
	defer unlock()

	var errs []error
	if _, statErr := os.Stat(wt.Path); statErr == nil {
		if err := m.git.WorktreeRemove(ctx, m.cfg.Repo, wt.Path); err != nil {
			errs = append(errs, err)
		}
	}
	if force || wt.State != types.WorktreeVerified {
		if err := m.git.BranchDelete(ctx, m.cfg.Repo, wt.Branch); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	if live, ok := m.live[id]; ok {
		live.State = types.WorktreeDiscarded
	}
	delete(m.live, id)
	delete(m.paths, wt.Path)
	delete(m.branches, wt.Branch)
	m.mu.Unlock()

	logging.Worktree("destroyed %s (force=%v)", id, force)
	return errors.Join(errs...)
}

// RunBatch processes proposals of one cycle with at most MaxParallel in
// flight. Outcomes are ordered by proposal id regardless of completion
// order; NN indices follow the same order.
func (m *Manager) RunBatch(ctx context.Context, cycleID string, proposals []types.Proposal) []Outcome {
	sorted := append([]types.Proposal(nil), proposals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	timer := logging.StartTimer(logging.CategoryWorktree, "batch "+cycleID)
	defer timer.Stop()

	outcomes := make([]Outcome, len(sorted))
	var g errgroup.Group
	g.SetLimit(m.cfg.MaxParallel)
	for i, p := range sorted {
		g.Go(func() error {
			outcomes[i] = m.process(ctx, cycleID, i+1, p)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (m *Manager) process(ctx context.Context, cycleID string, index int, p types.Proposal) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{ProposalID: p.ID, Disposition: types.DispositionFailed, Reason: "canceled", Err: err}
	}
	wt, err := m.Create(ctx, cycleID, index, p)
	if err != nil {
		return Outcome{ProposalID: p.ID, Disposition: types.DispositionFailed, Reason: "worktree_error", Err: err}
	}
	out := m.ApplyAndVerify(ctx, wt, p)
	if err := m.Destroy(context.WithoutCancel(ctx), wt.ID, false); err != nil {
		logging.WorktreeWarn("release %s: %v", wt.ID, err)
	}
	return out
}
