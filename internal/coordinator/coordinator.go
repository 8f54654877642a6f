// Package coordinator runs the event-driven cycle: context, generation,
// aggregation, risk gating, approval, worktree batch and telemetry.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"ambient/internal/aggregate"
	"ambient/internal/approval"
	"ambient/internal/config"
	"ambient/internal/generate"
	"ambient/internal/gitops"
	"ambient/internal/logging"
	"ambient/internal/repoctx"
	"ambient/internal/risk"
	"ambient/internal/telemetry"
	"ambient/internal/types"
	"ambient/internal/worktree"
)

// ErrRepositoryCorrupt halts the loop: HEAD is missing or the object
// graph fails a connectivity check.
var ErrRepositoryCorrupt = errors.New("repository corrupt")

// Phase is the loop state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseAnalyzing Phase = "analyzing"
	PhaseApplying  Phase = "applying"
)

// Status summarizes how a cycle ended.
type Status string

const (
	StatusCompleted   Status = "completed"
	StatusPaused      Status = "paused"
	StatusNoProposals Status = "no_proposals"
	StatusThrottled   Status = "throttled"
	StatusError       Status = "error"
)

// Config tunes the loop.
type Config struct {
	Repo            string
	Debounce        time.Duration
	CheckInterval   time.Duration
	MaxConcurrency  int
	ApprovalTimeout time.Duration
	ControlPlane    config.ControlPlaneConfig
}

// Deps are the collaborators of a coordinator. Approval and Telemetry
// default to AlwaysReject and Nop.
type Deps struct {
	Git        *gitops.Runner
	Context    repoctx.Builder
	Generators []generate.Generator
	Aggregator *aggregate.Aggregator
	Gate       *risk.Gate
	Approval   approval.Handler
	Worktrees  *worktree.Manager
	Telemetry  telemetry.Sink
}

// Report is the outcome of one cycle. Proposals are sorted by id.
type Report struct {
	CycleID         string                 `json:"cycle_id"`
	Trigger         types.Trigger          `json:"trigger"`
	Status          Status                 `json:"status"`
	StartedAt       time.Time              `json:"started_at"`
	Duration        time.Duration          `json:"duration"`
	Accepted        int                    `json:"accepted"`
	Proposals       []types.ProposalReport `json:"proposals"`
	Notes           []aggregate.Note       `json:"notes,omitempty"`
	GeneratorErrors []string               `json:"generator_errors,omitempty"`
	Error           string                 `json:"error,omitempty"`

	byID map[string]*types.ProposalReport
}

// Count returns how many proposals ended with disposition d.
func (r *Report) Count(d types.Disposition) int {
	n := 0
	for _, p := range r.Proposals {
		if p.Disposition == d {
			n++
		}
	}
	return n
}

// Get returns the line for proposal id.
func (r *Report) Get(id string) (types.ProposalReport, bool) {
	for _, p := range r.Proposals {
		if p.ProposalID == id {
			return p, true
		}
	}
	return types.ProposalReport{}, false
}

func (r *Report) entry(p types.Proposal) *types.ProposalReport {
	if e, ok := r.byID[p.ID]; ok {
		return e
	}
	e := &types.ProposalReport{ProposalID: p.ID, Agent: p.Agent, Title: p.Title}
	r.byID[p.ID] = e
	return e
}

func (r *Report) set(p types.Proposal, d types.Disposition, reason string) *types.ProposalReport {
	e := r.entry(p)
	e.Disposition = d
	e.Reason = reason
	return e
}

// Coordinator owns one repository's cycle.
type Coordinator struct {
	cfg  Config
	deps Deps
	cp   *controlPlane

	// batchSem admits one worktree batch at a time.
	batchSem  *semaphore.Weighted
	batchHook func(cycleID, event string)

	mu        sync.Mutex
	analyzing int  // cycles in flight
	applying  bool // a batch holds batchSem
	killed    bool

	now func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBatchHook is called with "enter" and "exit" around each batch while
// the batch semaphore is held.
func WithBatchHook(fn func(cycleID, event string)) Option {
	return func(c *Coordinator) { c.batchHook = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New validates deps and creates a coordinator.
func New(cfg Config, deps Deps, opts ...Option) (*Coordinator, error) {
	switch {
	case deps.Git == nil:
		return nil, errors.New("git runner is required")
	case deps.Context == nil:
		return nil, errors.New("context builder is required")
	case deps.Aggregator == nil:
		return nil, errors.New("aggregator is required")
	case deps.Gate == nil:
		return nil, errors.New("risk gate is required")
	case deps.Worktrees == nil:
		return nil, errors.New("worktree manager is required")
	}
	if cfg.Repo == "" {
		return nil, errors.New("repository path is required")
	}
	if deps.Approval == nil {
		deps.Approval = approval.AlwaysReject{}
	}
	if deps.Telemetry == nil {
		deps.Telemetry = telemetry.Nop{}
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 2 * time.Second
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 10 * time.Minute
	}

	c := &Coordinator{
		cfg:      cfg,
		deps:     deps,
		cp:       newControlPlane(cfg.ControlPlane),
		batchSem: semaphore.NewWeighted(1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Phase returns the current loop phase. Applying wins while any batch
// holds the batch semaphore, even when other cycles are still analyzing.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.applying:
		return PhaseApplying
	case c.analyzing > 0:
		return PhaseAnalyzing
	default:
		return PhaseIdle
	}
}

func (c *Coordinator) enterCycle() {
	c.mu.Lock()
	c.analyzing++
	c.mu.Unlock()
}

func (c *Coordinator) leaveCycle() {
	c.mu.Lock()
	c.analyzing--
	c.mu.Unlock()
}

func (c *Coordinator) setApplying(v bool) {
	c.mu.Lock()
	c.applying = v
	c.mu.Unlock()
}

// RunCycle processes one trigger end to end. Failures of single
// proposals, generators or checks are recorded in the report; the error
// is non-nil only when the cycle itself could not run.
func (c *Coordinator) RunCycle(ctx context.Context, trigger types.Trigger) (*Report, error) {
	report := &Report{
		CycleID:   uuid.NewString()[:8],
		Trigger:   trigger,
		StartedAt: c.now(),
		byID:      make(map[string]*types.ProposalReport),
	}
	timer := logging.StartTimer(logging.CategoryCoordinator, "cycle "+report.CycleID)
	defer timer.Stop()
	c.enterCycle()
	defer c.leaveCycle()

	logging.Coordinator("cycle %s started (%s, %d paths)", report.CycleID, trigger.Kind, len(trigger.Paths))
	c.emit(ctx, report, telemetry.EventCycleStarted, "", map[string]any{
		"trigger": string(trigger.Kind),
		"paths":   trigger.Paths,
	})

	if c.cp.paused() {
		return c.finish(ctx, report, StatusPaused, nil)
	}
	if err := c.checkRepository(ctx); err != nil {
		return c.finish(ctx, report, StatusError, err)
	}

	rc, err := c.deps.Context.Build(ctx, trigger)
	if err != nil {
		return c.finish(ctx, report, StatusError, fmt.Errorf("building context: %w", err))
	}

	proposals := c.generate(ctx, rc, report)
	if len(proposals) == 0 {
		return c.finish(ctx, report, StatusNoProposals, nil)
	}

	result, err := c.deps.Aggregator.Run(ctx, proposals)
	if err != nil {
		return c.finish(ctx, report, StatusError, fmt.Errorf("aggregating: %w", err))
	}
	// Accepted entries carry the refined diff, so they replace the raw ones.
	byID := make(map[string]types.Proposal, len(proposals))
	for _, p := range proposals {
		byID[p.ID] = p
	}
	acceptedIDs := make([]string, 0, len(result.Accepted))
	for _, p := range result.Accepted {
		byID[p.ID] = p
		acceptedIDs = append(acceptedIDs, p.ID)
	}
	deferred := make([]any, 0, len(result.Deferred))
	for _, d := range result.Deferred {
		report.set(byID[d.ProposalID], types.DispositionDeferred, d.Reason())
		deferred = append(deferred, map[string]any{
			"proposal_id": d.ProposalID,
			"agent":       d.Agent,
			"code":        d.Code,
			"detail":      d.Detail,
		})
	}
	report.Notes = result.Notes
	c.emit(ctx, report, telemetry.EventProposalsAggregated, "", map[string]any{
		"input":        result.Stats.Input,
		"deduped":      result.Stats.Deduped,
		"clusters":     result.Stats.Clusters,
		"accepted":     result.Stats.Accepted,
		"accepted_ids": acceptedIDs,
		"deferred":     deferred,
	})

	admitted := c.throttle(result.Accepted, report)
	report.Accepted = len(admitted)
	if len(admitted) == 0 {
		return c.finish(ctx, report, StatusThrottled, nil)
	}

	queued := c.gate(ctx, admitted, report)
	if len(queued) > 0 {
		outcomes, err := c.applyBatch(ctx, report.CycleID, queued)
		if err != nil {
			for _, p := range queued {
				report.set(p, types.DispositionFailed, "canceled")
			}
			return c.finish(ctx, report, StatusError, err)
		}
		c.record(ctx, report, outcomes, byID)
	}
	return c.finish(ctx, report, StatusCompleted, nil)
}

func (c *Coordinator) checkRepository(ctx context.Context) error {
	if _, err := c.deps.Git.Head(ctx, c.cfg.Repo); err != nil {
		if errors.Is(err, gitops.ErrNoHead) {
			return fmt.Errorf("%w: %v", ErrRepositoryCorrupt, err)
		}
		return err
	}
	if err := c.deps.Git.Fsck(ctx, c.cfg.Repo); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRepositoryCorrupt, err)
	}
	return nil
}

// generate fans out to every generator. A failing generator is skipped.
// Results merge in generator order; invalid records and repeated ids are
// dropped.
func (c *Coordinator) generate(ctx context.Context, rc repoctx.Context, report *Report) []types.Proposal {
	gens := c.deps.Generators
	results := make([][]types.Proposal, len(gens))
	errs := make([]error, len(gens))

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, gen := range gens {
		g.Go(func() error {
			results[i], errs[i] = gen.Propose(ctx, rc)
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var out []types.Proposal
	for i, gen := range gens {
		if err := errs[i]; err != nil {
			generatorErrorsTotal.WithLabelValues(gen.Name()).Inc()
			if errors.Is(err, generate.ErrExternalService) {
				logging.CoordinatorWarn("generator %s skipped: %v", gen.Name(), err)
			} else {
				logging.CoordinatorError("generator %s: %v", gen.Name(), err)
			}
			report.GeneratorErrors = append(report.GeneratorErrors,
				gen.Name()+": "+telemetry.Redact(err.Error(), 200))
			continue
		}
		for _, p := range results[i] {
			if err := p.Validate(); err != nil {
				logging.CoordinatorWarn("dropping proposal from %s: %v", gen.Name(), err)
				if p.ID != "" && !seen[p.ID] {
					seen[p.ID] = true
					report.set(p, types.DispositionRejected, "invalid_proposal")
				}
				continue
			}
			if seen[p.ID] {
				logging.CoordinatorWarn("dropping duplicate proposal id %s from %s", p.ID, gen.Name())
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
	}
	logging.CoordinatorDebug("cycle %s: %d proposals from %d generators", report.CycleID, len(out), len(gens))
	return out
}

// throttle admits accepted proposals in id order against the hourly
// budget; the rest are deferred.
func (c *Coordinator) throttle(accepted []types.Proposal, report *Report) []types.Proposal {
	now := c.now()
	var admitted []types.Proposal
	for _, p := range accepted {
		if !c.cp.admit(now) {
			report.set(p, types.DispositionDeferred, "throttled:max_proposals_per_hour")
			continue
		}
		admitted = append(admitted, p)
	}
	if n := len(accepted) - len(admitted); n > 0 {
		logging.CoordinatorWarn("cycle %s: %d proposals throttled", report.CycleID, n)
	}
	return admitted
}

// gate classifies proposals highest risk first and resolves approvals.
// It returns the proposals cleared for the worktree batch.
func (c *Coordinator) gate(ctx context.Context, accepted []types.Proposal, report *Report) []types.Proposal {
	var queued []types.Proposal
	for _, p := range risk.SortByPriority(accepted) {
		d := c.deps.Gate.Classify(p)
		entry := report.entry(p)
		entry.Decision = &d

		data := map[string]any{
			"outcome":        string(d.Outcome),
			"declared_risk":  d.DeclaredRisk.String(),
			"effective_risk": d.EffectiveRisk.String(),
			"reasons":        d.Reasons,
		}

		switch d.Outcome {
		case types.OutcomeReject:
			report.set(p, types.DispositionRejected, "policy_reject")
		case types.OutcomeRequireApproval:
			actx, cancel := context.WithTimeout(ctx, c.cfg.ApprovalTimeout)
			v, err := c.deps.Approval.Request(actx, p, d)
			cancel()
			switch {
			case err != nil:
				data["approval"] = "error"
				report.set(p, types.DispositionPendingApproval, "approval_error:"+telemetry.Redact(err.Error(), 200))
				logging.Get(logging.CategoryApproval).Warn("approval for %s unresolved: %v", p.ID, err)
			case !v.Approved:
				data["approval"] = "denied"
				data["approver"] = v.Approver
				reason := "approval_denied"
				if v.Reason != "" {
					reason += ":" + v.Reason
				}
				report.set(p, types.DispositionRejected, reason)
			default:
				data["approval"] = "approved"
				data["approver"] = v.Approver
				queued = append(queued, p)
			}
		default:
			queued = append(queued, p)
		}
		c.emit(ctx, report, telemetry.EventRiskDecision, p.ID, data)
	}
	return queued
}

func (c *Coordinator) applyBatch(ctx context.Context, cycleID string, proposals []types.Proposal) ([]worktree.Outcome, error) {
	if err := c.batchSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.batchSem.Release(1)
	c.setApplying(true)
	defer c.setApplying(false)
	if c.batchHook != nil {
		c.batchHook(cycleID, "enter")
		defer c.batchHook(cycleID, "exit")
	}
	return c.deps.Worktrees.RunBatch(ctx, cycleID, proposals), nil
}

// record folds batch outcomes into the report, telemetry and the
// failure-rate window.
func (c *Coordinator) record(ctx context.Context, report *Report, outcomes []worktree.Outcome, byID map[string]types.Proposal) {
	var window []bool
	for _, o := range outcomes {
		p := byID[o.ProposalID]
		e := report.set(p, o.Disposition, o.Reason)
		e.Apply = o.Apply
		e.Verify = o.Verify
		e.Worktree = o.Worktree.Path
		e.Branch = o.Worktree.Branch
		e.PatchFile = o.Worktree.PatchFile

		data := map[string]any{
			"ok":       o.Apply != nil && o.Apply.OK,
			"reason":   o.Reason,
			"worktree": o.Worktree.Path,
			"branch":   o.Worktree.Branch,
			"diff":     p.Diff,
		}
		if o.Apply != nil {
			data["strategy"] = string(o.Apply.Strategy)
			data["diff_stat"] = o.Apply.DiffStat
			data["stderr"] = o.Apply.Stderr
			window = append(window, o.Apply.OK)
		}
		if o.Commit != "" {
			data["commit"] = o.Commit
		}
		c.emit(ctx, report, telemetry.EventApplyResult, o.ProposalID, data)
	}

	for _, o := range outcomes {
		if o.Verify == nil {
			continue
		}
		checks := make([]any, 0, len(o.Verify.Checks))
		for _, ch := range o.Verify.Checks {
			checks = append(checks, map[string]any{
				"name":        ch.Name,
				"ok":          ch.OK,
				"exit_code":   ch.ExitCode,
				"timed_out":   ch.TimedOut,
				"not_allowed": ch.NotAllowed,
				"duration_ms": ch.Duration.Milliseconds(),
				"stderr":      ch.Stderr,
			})
		}
		c.emit(ctx, report, telemetry.EventVerifyResult, o.ProposalID, map[string]any{
			"ok":     o.Verify.OK,
			"checks": checks,
		})
		window = append(window, o.Verify.OK)
	}

	disable, reason := c.cp.record(window...)
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case disable:
		c.deps.Gate.DisableAutoApply(reason)
		c.killed = true
		autoApplyDisabled.Set(1)
	case c.killed:
		c.deps.Gate.EnableAutoApply()
		c.killed = false
		autoApplyDisabled.Set(0)
		logging.Coordinator("failure rate recovered, auto-apply re-enabled")
	}
}

func (c *Coordinator) finish(ctx context.Context, report *Report, status Status, err error) (*Report, error) {
	report.Status = status
	report.Duration = c.now().Sub(report.StartedAt)

	report.Proposals = make([]types.ProposalReport, 0, len(report.byID))
	for _, e := range report.byID {
		report.Proposals = append(report.Proposals, *e)
	}
	sort.Slice(report.Proposals, func(i, j int) bool {
		return report.Proposals[i].ProposalID < report.Proposals[j].ProposalID
	})

	data := map[string]any{
		"status":           string(status),
		"accepted":         report.Accepted,
		"applied":          report.Count(types.DispositionVerified) + report.Count(types.DispositionApplied),
		"failed":           report.Count(types.DispositionFailed),
		"deferred":         report.Count(types.DispositionDeferred),
		"pending_approval": report.Count(types.DispositionPendingApproval),
		"rejected":         report.Count(types.DispositionRejected),
		"duration_ms":      report.Duration.Milliseconds(),
		"dispositions":     dispositions(report.Proposals),
	}
	if err != nil {
		report.Error = telemetry.Redact(err.Error(), 200)
		data["error"] = report.Error
		until := c.cp.fail(c.now())
		logging.CoordinatorError("cycle %s failed: %v (next cycle not before %s)", report.CycleID, err, until.Format(time.RFC3339))
	} else {
		c.cp.succeed()
		logging.Coordinator("cycle %s %s: %d proposals", report.CycleID, status, len(report.Proposals))
	}
	c.emit(context.WithoutCancel(ctx), report, telemetry.EventCycleCompleted, "", data)

	cyclesTotal.WithLabelValues(string(status)).Inc()
	cycleDuration.Observe(report.Duration.Seconds())
	for _, p := range report.Proposals {
		proposalsTotal.WithLabelValues(string(p.Disposition)).Inc()
	}
	return report, err
}

// dispositions lists every proposal's final state for cycle_completed.
func dispositions(entries []types.ProposalReport) []any {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"proposal_id": e.ProposalID,
			"agent":       e.Agent,
			"disposition": string(e.Disposition),
			"reason":      e.Reason,
		})
	}
	return out
}

func (c *Coordinator) emit(ctx context.Context, report *Report, typ, proposalID string, data map[string]any) {
	e := telemetry.Event{
		Time:       c.now(),
		CycleID:    report.CycleID,
		Type:       typ,
		ProposalID: proposalID,
		Data:       data,
	}
	if err := c.deps.Telemetry.Emit(ctx, e); err != nil {
		logging.TelemetryWarn("emit %s for cycle %s: %v", typ, report.CycleID, err)
	}
}
