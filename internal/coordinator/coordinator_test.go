package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ambient/internal/aggregate"
	"ambient/internal/approval"
	"ambient/internal/config"
	"ambient/internal/generate"
	"ambient/internal/gitops"
	"ambient/internal/gitops/gittest"
	"ambient/internal/repoctx"
	"ambient/internal/risk"
	"ambient/internal/tactile"
	"ambient/internal/telemetry"
	"ambient/internal/types"
	"ambient/internal/worktree"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const mainPy = "def main():\n    return 0\n"

func addLine(file, line string) string {
	return "diff --git a/" + file + " b/" + file + "\n" +
		"--- a/" + file + "\n" +
		"+++ b/" + file + "\n" +
		"@@ -1,2 +1,3 @@\n" +
		" def main():\n" +
		"+    " + line + "\n" +
		"     return 0\n"
}

func proposal(id, agent, file, line string, level types.RiskLevel, tags ...string) types.Proposal {
	return types.Proposal{
		ID:                 id,
		Agent:              agent,
		Title:              "change " + id,
		Diff:               addLine(file, line),
		RiskLevel:          level,
		FilesTouched:       []string{file},
		EstimatedLOCChange: 1,
		Tags:               tags,
	}
}

type fakeVerifier struct {
	fail  atomic.Bool
	delay time.Duration
}

func (f *fakeVerifier) Verify(ctx context.Context, wt string, checks []tactile.Check) types.VerifyResult {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	ok := !f.fail.Load()
	results := make([]types.CheckResult, 0, len(checks))
	for _, c := range checks {
		exit := 0
		if !ok {
			exit = 1
		}
		results = append(results, types.CheckResult{Name: c.Name, Command: c.Command, OK: ok, ExitCode: exit})
	}
	return types.NewVerifyResult(results)
}

type harness struct {
	repo     string
	coord    *Coordinator
	sink     *telemetry.MemorySink
	verifier *fakeVerifier
	gate     *risk.Gate
}

type setup struct {
	cfg      Config
	deps     Deps
	verifier *fakeVerifier
	opts     []Option
}

func newHarness(t *testing.T, gens []generate.Generator, mutate func(*setup)) *harness {
	t.Helper()
	repo := gittest.NewRepo(t, map[string]string{"app.py": mainPy, "util.py": mainPy})
	git := gitops.NewRunner(nil)

	s := &setup{verifier: &fakeVerifier{}}
	s.cfg = Config{
		Repo:           repo,
		Debounce:       20 * time.Millisecond,
		MaxConcurrency: 2,
		ControlPlane:   config.DefaultControlPlaneConfig(),
	}

	sink := &telemetry.MemorySink{}
	gate := risk.NewGate(risk.DefaultPolicy())
	s.deps = Deps{
		Git:        git,
		Context:    repoctx.NewGitBuilder(repo, git),
		Generators: gens,
		Aggregator: aggregate.New(aggregate.Config{Root: repo}, nil),
		Gate:       gate,
		Approval:   approval.AlwaysReject{},
		Telemetry:  sink,
	}
	if mutate != nil {
		mutate(s)
	}

	wm, err := worktree.NewManager(worktree.Config{
		Repo:        repo,
		BaseDir:     t.TempDir(),
		MaxParallel: 2,
		Keep:        worktree.KeepNone,
		Checks:      []tactile.Check{{Name: "tests", Command: "pytest -q"}},
	}, git, nil, s.verifier)
	require.NoError(t, err)
	s.deps.Worktrees = wm

	c, err := New(s.cfg, s.deps, s.opts...)
	require.NoError(t, err)
	return &harness{repo: repo, coord: c, sink: sink, verifier: s.verifier, gate: gate}
}

func static(ps ...types.Proposal) []generate.Generator {
	return []generate.Generator{&generate.Static{Proposals: ps}}
}

func manual() types.Trigger {
	return types.Trigger{Kind: types.TriggerManual}
}

func TestRunCycle_SecurityAndStyleOnSameFile(t *testing.T) {
	sec := proposal("sec", "SecurityGuardian", "app.py", "validate()", types.RiskHigh, "security")
	sty := proposal("sty", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	h := newHarness(t, static(sec, sty), nil)
	before := gittest.Snapshot(t, h.repo)

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)

	got, ok := report.Get("sec")
	require.True(t, ok)
	assert.Equal(t, types.DispositionDeferred, got.Disposition)
	assert.Equal(t, "conflicts_with:sty", got.Reason)

	got, ok = report.Get("sty")
	require.True(t, ok)
	assert.Equal(t, types.DispositionVerified, got.Disposition)
	require.NotNil(t, got.Decision)
	assert.Equal(t, types.OutcomeAutoApply, got.Decision.Outcome)

	assert.Equal(t, []string{
		telemetry.EventCycleStarted,
		telemetry.EventProposalsAggregated,
		telemetry.EventRiskDecision,
		telemetry.EventApplyResult,
		telemetry.EventVerifyResult,
		telemetry.EventCycleCompleted,
	}, h.sink.Types())

	assert.Equal(t, before, gittest.Snapshot(t, h.repo), "primary tree must not change")
	assert.Equal(t, PhaseIdle, h.coord.Phase())
}

func findEvent(t *testing.T, sink *telemetry.MemorySink, typ, proposalID string) telemetry.Event {
	t.Helper()
	for _, e := range sink.Events() {
		if e.Type == typ && e.ProposalID == proposalID {
			return e
		}
	}
	t.Fatalf("no %s event for %q", typ, proposalID)
	return telemetry.Event{}
}

func TestRunCycle_TelemetryRecordsEveryDisposition(t *testing.T) {
	invalid := proposal("bad", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	invalid.Title = ""
	sec := proposal("sec", "SecurityGuardian", "app.py", "validate()", types.RiskHigh, "security")
	sty := proposal("sty", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	u := proposal("u", "StyleEnforcer", "util.py", "pass", types.RiskLow)
	h := newHarness(t, static(invalid, sec, sty, u), func(s *setup) { s.cfg.ControlPlane.MaxProposalsPerHour = 1 })

	_, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)

	agg := findEvent(t, h.sink, telemetry.EventProposalsAggregated, "")
	assert.Equal(t, []string{"sty", "u"}, agg.Data["accepted_ids"])
	assert.Equal(t, []any{map[string]any{
		"proposal_id": "sec",
		"agent":       "SecurityGuardian",
		"code":        aggregate.CodeConflictsWith,
		"detail":      "sty",
	}}, agg.Data["deferred"])

	done := findEvent(t, h.sink, telemetry.EventCycleCompleted, "")
	entries, ok := done.Data["dispositions"].([]any)
	require.True(t, ok)
	got := make(map[string]string)
	for _, raw := range entries {
		e := raw.(map[string]any)
		got[e["proposal_id"].(string)] = e["disposition"].(string) + " " + e["reason"].(string)
	}
	assert.Equal(t, "rejected invalid_proposal", got["bad"])
	assert.Equal(t, "deferred conflicts_with:sty", got["sec"])
	assert.Equal(t, "deferred throttled:max_proposals_per_hour", got["u"])
	assert.Contains(t, got["sty"], "verified")
}

type refineFunc func(types.Proposal) types.Proposal

func (f refineFunc) Refine(_ context.Context, p types.Proposal, _ []types.Proposal) (types.Proposal, error) {
	return f(p), nil
}

func TestRunCycle_AppliesAndReportsRefinedDiff(t *testing.T) {
	raw := proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	refined := addLine("app.py", "refined()")
	h := newHarness(t, static(raw), func(s *setup) {
		s.deps.Aggregator = aggregate.New(aggregate.Config{Root: s.cfg.Repo, Refine: true}, refineFunc(func(p types.Proposal) types.Proposal {
			p.Diff = refined
			return p
		}))
	})

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	got, ok := report.Get("a")
	require.True(t, ok)
	assert.Equal(t, types.DispositionVerified, got.Disposition)

	applied := findEvent(t, h.sink, telemetry.EventApplyResult, "a")
	assert.Equal(t, refined, applied.Data["diff"])
	assert.Equal(t, true, applied.Data["ok"])
}

func TestRunCycle_PhaseStaysApplyingWhileAnotherCycleEnds(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	hook := func(cycleID, event string) {
		if event != "enter" {
			return
		}
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	a := proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	h := newHarness(t, static(a), func(s *setup) { s.opts = append(s.opts, WithBatchHook(hook)) })

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.RunCycle(context.Background(), manual())
		done <- err
	}()
	<-entered
	assert.Equal(t, PhaseApplying, h.coord.Phase())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = h.coord.RunCycle(ctx, manual())
	assert.Equal(t, PhaseApplying, h.coord.Phase(), "an ending cycle must not clear another batch's phase")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, PhaseIdle, h.coord.Phase())
}

func TestRunCycle_ApprovalOutcomes(t *testing.T) {
	sec := proposal("sec", "SecurityGuardian", "app.py", "validate()", types.RiskHigh, "security")
	sty := proposal("sty", "StyleEnforcer", "util.py", "pass", types.RiskLow)

	tests := []struct {
		name    string
		handler approval.Handler
		want    types.Disposition
	}{
		{"reject", approval.AlwaysReject{}, types.DispositionRejected},
		{"approve", approval.AlwaysApprove{}, types.DispositionVerified},
		{"error", failingApprover{}, types.DispositionPendingApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, static(sec, sty), func(s *setup) { s.deps.Approval = tt.handler })
			report, err := h.coord.RunCycle(context.Background(), manual())
			require.NoError(t, err)

			got, _ := report.Get("sec")
			assert.Equal(t, tt.want, got.Disposition)
			require.NotNil(t, got.Decision)
			assert.Equal(t, types.OutcomeRequireApproval, got.Decision.Outcome)

			other, _ := report.Get("sty")
			assert.Equal(t, types.DispositionVerified, other.Disposition)
		})
	}
}

type failingApprover struct{}

func (failingApprover) Request(context.Context, types.Proposal, types.RiskDecision) (approval.Verdict, error) {
	return approval.Verdict{}, errors.New("webhook down")
}

func TestRunCycle_PolicyReject(t *testing.T) {
	crit := proposal("crit", "RefactorArchitect", "app.py", "rewrite()", types.RiskCritical)
	h := newHarness(t, static(crit), func(s *setup) {
		policy := risk.DefaultPolicy()
		policy.Reject = map[types.RiskLevel]bool{types.RiskCritical: true}
		s.deps.Gate = risk.NewGate(policy)
	})
	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	got, _ := report.Get("crit")
	assert.Equal(t, types.DispositionRejected, got.Disposition)
	assert.Equal(t, "policy_reject", got.Reason)
	assert.NotContains(t, h.sink.Types(), telemetry.EventApplyResult)
}

func TestRunCycle_Paused(t *testing.T) {
	h := newHarness(t, static(proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)), func(s *setup) {
		s.cfg.ControlPlane.Paused = true
	})
	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, report.Status)
	assert.Empty(t, report.Proposals)
	assert.Equal(t, []string{telemetry.EventCycleStarted, telemetry.EventCycleCompleted}, h.sink.Types())
}

func TestRunCycle_GeneratorFailureIsSkipped(t *testing.T) {
	broken := &generate.Static{Label: "broken", Err: &generate.ServiceError{Source: "broken", Attempts: 3, Cause: errors.New("503")}}
	ok := &generate.Static{Label: "ok", Proposals: []types.Proposal{proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)}}
	h := newHarness(t, []generate.Generator{broken, ok}, nil)

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	require.Len(t, report.GeneratorErrors, 1)
	assert.Contains(t, report.GeneratorErrors[0], "broken")
	assert.Equal(t, 1, report.Count(types.DispositionVerified))
}

func TestRunCycle_InvalidAndDuplicateProposals(t *testing.T) {
	invalid := proposal("bad", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	invalid.Title = ""
	first := proposal("dup", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	second := proposal("dup", "TestEnhancer", "util.py", "pass", types.RiskLow)
	h := newHarness(t, []generate.Generator{
		&generate.Static{Label: "one", Proposals: []types.Proposal{invalid, first}},
		&generate.Static{Label: "two", Proposals: []types.Proposal{second}},
	}, nil)

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	require.Len(t, report.Proposals, 2)
	got, _ := report.Get("bad")
	assert.Equal(t, types.DispositionRejected, got.Disposition)
	got, _ = report.Get("dup")
	assert.Equal(t, "StyleEnforcer", got.Agent)
	assert.Equal(t, types.DispositionVerified, got.Disposition)
}

func TestRunCycle_NoProposals(t *testing.T) {
	h := newHarness(t, static(), nil)
	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	assert.Equal(t, StatusNoProposals, report.Status)
}

func TestRunCycle_Throttle(t *testing.T) {
	a := proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	b := proposal("b", "StyleEnforcer", "util.py", "pass", types.RiskLow)
	h := newHarness(t, static(a, b), func(s *setup) { s.cfg.ControlPlane.MaxProposalsPerHour = 1 })

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	got, _ := report.Get("a")
	assert.Equal(t, types.DispositionVerified, got.Disposition)
	got, _ = report.Get("b")
	assert.Equal(t, types.DispositionDeferred, got.Disposition)
	assert.Equal(t, "throttled:max_proposals_per_hour", got.Reason)

	report, err = h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	assert.Equal(t, StatusThrottled, report.Status)
}

func TestRunCycle_FailureRateDisablesAutoApply(t *testing.T) {
	a := proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	h := newHarness(t, static(a), func(s *setup) {
		s.cfg.ControlPlane.FailureRateWindow = 4
		s.cfg.ControlPlane.MinFailuresBeforeDisable = 1
		s.cfg.ControlPlane.FailureRateThreshold = 0.4
	})
	h.verifier.fail.Store(true)

	report, err := h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	got, _ := report.Get("a")
	assert.Equal(t, types.DispositionFailed, got.Disposition)
	assert.Equal(t, "verify_failed:tests", got.Reason)
	assert.NotEmpty(t, h.gate.AutoApplyDisabled())

	report, err = h.coord.RunCycle(context.Background(), manual())
	require.NoError(t, err)
	got, _ = report.Get("a")
	assert.Equal(t, types.DispositionRejected, got.Disposition)
	require.NotNil(t, got.Decision)
	assert.Equal(t, types.OutcomeRequireApproval, got.Decision.Outcome)
	assert.Contains(t, got.Decision.Reasons[len(got.Decision.Reasons)-1], "auto_apply_disabled:failure_rate")
}

func TestRunCycle_RepositoryWithoutHead(t *testing.T) {
	gittest.RequireGit(t)
	dir := t.TempDir()
	gittest.Git(t, dir, "init", "--quiet")
	git := gitops.NewRunner(nil)
	wm, err := worktree.NewManager(worktree.Config{Repo: dir, BaseDir: t.TempDir()}, git, nil, &fakeVerifier{})
	require.NoError(t, err)
	c, err := New(Config{Repo: dir, Debounce: 10 * time.Millisecond}, Deps{
		Git:        git,
		Context:    repoctx.NewGitBuilder(dir, git),
		Aggregator: aggregate.New(aggregate.Config{Root: dir}, nil),
		Gate:       risk.NewGate(risk.DefaultPolicy()),
		Worktrees:  wm,
	})
	require.NoError(t, err)

	report, err := c.RunCycle(context.Background(), manual())
	require.ErrorIs(t, err, ErrRepositoryCorrupt)
	assert.Equal(t, StatusError, report.Status)

	triggers := make(chan types.Trigger, 1)
	triggers <- manual()
	err = c.Run(context.Background(), triggers)
	require.ErrorIs(t, err, ErrRepositoryCorrupt)
}

func TestRunCycle_SingleBatchAtATime(t *testing.T) {
	var (
		mu     sync.Mutex
		active int
		peak   int
		enters int
	)
	hook := func(cycleID, event string) {
		mu.Lock()
		defer mu.Unlock()
		switch event {
		case "enter":
			active++
			enters++
			if active > peak {
				peak = active
			}
		case "exit":
			active--
		}
	}
	a := proposal("a", "StyleEnforcer", "app.py", "pass", types.RiskLow)
	b := proposal("b", "StyleEnforcer", "util.py", "pass", types.RiskLow)
	h := newHarness(t, static(a, b), func(s *setup) {
		s.opts = append(s.opts, WithBatchHook(hook))
		s.verifier.delay = 20 * time.Millisecond
	})

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := h.coord.RunCycle(context.Background(), manual())
			assert.NoError(t, err)
			reports[i] = r
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, enters)
	assert.Equal(t, 1, peak)
	for _, r := range reports {
		require.NotNil(t, r)
		assert.Equal(t, 2, r.Count(types.DispositionVerified), "cycle %s", r.CycleID)
	}
}

func TestRun_CoalescesBurst(t *testing.T) {
	h := newHarness(t, static(), func(s *setup) { s.cfg.Debounce = 50 * time.Millisecond })

	triggers := make(chan types.Trigger, 4)
	triggers <- types.Trigger{Kind: types.TriggerFileChange, Paths: []string{"b.py"}}
	triggers <- types.Trigger{Kind: types.TriggerFileChange, Paths: []string{"a.py", "b.py"}}
	close(triggers)

	require.NoError(t, h.coord.Run(context.Background(), triggers))

	events := h.sink.Events()
	var started []telemetry.Event
	for _, e := range events {
		if e.Type == telemetry.EventCycleStarted {
			started = append(started, e)
		}
	}
	require.Len(t, started, 1)
	assert.Equal(t, "file_change", started[0].Data["trigger"])
	assert.Equal(t, []string{"a.py", "b.py"}, started[0].Data["paths"])
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, static(), func(s *setup) { s.cfg.CheckInterval = 10 * time.Millisecond })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, make(chan types.Trigger)) }()

	require.Eventually(t, func() bool {
		for _, typ := range h.sink.Types() {
			if typ == telemetry.EventCycleCompleted {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCoalesce(t *testing.T) {
	got := coalesce(types.Trigger{Kind: types.TriggerPeriodicScan}, types.Trigger{
		Kind:    types.TriggerCIFailure,
		Paths:   []string{"z", "a"},
		Payload: map[string]string{"job": "lint"},
	})
	assert.Equal(t, types.TriggerCIFailure, got.Kind)
	assert.Equal(t, []string{"a", "z"}, got.Paths)
	assert.Equal(t, "lint", got.Payload["job"])

	got = coalesce(got, types.Trigger{Kind: types.TriggerFileChange, Paths: []string{"a"}})
	assert.Equal(t, types.TriggerCIFailure, got.Kind)
	assert.Equal(t, []string{"a", "z"}, got.Paths)

	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got = coalesce(types.Trigger{Kind: types.TriggerFileChange, At: early.Add(time.Second)},
		types.Trigger{Kind: types.TriggerFileChange, At: early})
	assert.Equal(t, early, got.At, "earliest arrival wins")
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{Repo: "."}, Deps{})
	assert.Error(t, err)
}
