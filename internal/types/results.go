package types

import (
	"time"
)

// =============================================================================
// APPLY AND VERIFY RESULTS
// =============================================================================

// ApplyStrategy names the patch strategy that produced a result.
type ApplyStrategy string

const (
	StrategyNormalize      ApplyStrategy = "normalize"
	StrategyAlreadyApplied ApplyStrategy = "already_applied"
	StrategyStrict         ApplyStrategy = "strict"
	StrategyFuzzy          ApplyStrategy = "fuzzy"
	StrategyManual         ApplyStrategy = "manual"
)

// StageAttempt records one strategy attempt for the debug bundle.
type StageAttempt struct {
	Stage  ApplyStrategy `json:"stage"`
	Detail string        `json:"detail,omitempty"`
	Stderr string        `json:"stderr,omitempty"`
}

// DebugBundle captures everything needed to diagnose a failed application.
type DebugBundle struct {
	OriginalDiff   string            `json:"original_diff"`
	NormalizedDiff string            `json:"normalized_diff"`
	FailedStage    ApplyStrategy     `json:"failed_stage"`
	Stages         []StageAttempt    `json:"stages"`
	Status         string            `json:"status"`
	DiffStat       string            `json:"diff_stat"`
	FileHeads      map[string]string `json:"file_heads,omitempty"`
	// Path is where the bundle was persisted, if it was.
	Path string `json:"path,omitempty"`
}

// ApplyResult is the outcome of one PatchEngine application.
type ApplyResult struct {
	OK       bool          `json:"ok"`
	Strategy ApplyStrategy `json:"strategy,omitempty"`
	DiffStat string        `json:"diff_stat,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Files    []string      `json:"files,omitempty"`
	Debug    *DebugBundle  `json:"debug,omitempty"`
}

// CheckResult is the outcome of one sandboxed command.
type CheckResult struct {
	Name       string        `json:"name"`
	Command    string        `json:"command"`
	OK         bool          `json:"ok"`
	ExitCode   int           `json:"exit_code"`
	Stdout     string        `json:"stdout,omitempty"`
	Stderr     string        `json:"stderr,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	NotAllowed bool          `json:"not_allowed,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// VerifyResult aggregates a verification pass. OK iff every check is OK.
type VerifyResult struct {
	OK     bool          `json:"ok"`
	Checks []CheckResult `json:"checks"`
}

// NewVerifyResult computes the aggregate flag for checks.
func NewVerifyResult(checks []CheckResult) VerifyResult {
	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return VerifyResult{OK: ok, Checks: checks}
}

// =============================================================================
// RISK DECISIONS AND DISPOSITIONS
// =============================================================================

// Outcome is the RiskGate verdict for a proposal.
type Outcome string

const (
	OutcomeAutoApply       Outcome = "auto_apply"
	OutcomeRequireApproval Outcome = "require_approval"
	OutcomeReject          Outcome = "reject"
)

// strength orders outcomes from weakest to strongest.
func (o Outcome) strength() int {
	switch o {
	case OutcomeAutoApply:
		return 0
	case OutcomeRequireApproval:
		return 1
	case OutcomeReject:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether o is as strong as other.
func (o Outcome) AtLeast(other Outcome) bool {
	return o.strength() >= other.strength()
}

// StrongerOutcome returns the stronger of two outcomes.
func StrongerOutcome(a, b Outcome) Outcome {
	if a.AtLeast(b) {
		return a
	}
	return b
}

// RiskDecision is the RiskGate output for one proposal.
type RiskDecision struct {
	ProposalID    string    `json:"proposal_id"`
	Outcome       Outcome   `json:"outcome"`
	DeclaredRisk  RiskLevel `json:"declared_risk"`
	EffectiveRisk RiskLevel `json:"effective_risk"`
	Reasons       []string  `json:"reasons,omitempty"`
}

// Disposition is the final fate of a proposal within a cycle.
type Disposition string

const (
	DispositionApplied         Disposition = "applied"
	DispositionVerified        Disposition = "verified"
	DispositionFailed          Disposition = "failed"
	DispositionDeferred        Disposition = "deferred"
	DispositionRejected        Disposition = "rejected"
	DispositionDiscarded       Disposition = "discarded"
	DispositionPendingApproval Disposition = "pending_approval"
)

// ProposalReport is the per-proposal line of a cycle report.
type ProposalReport struct {
	ProposalID  string        `json:"proposal_id"`
	Agent       string        `json:"agent"`
	Title       string        `json:"title"`
	Disposition Disposition   `json:"disposition"`
	Reason      string        `json:"reason,omitempty"`
	Decision    *RiskDecision `json:"decision,omitempty"`
	Apply       *ApplyResult  `json:"apply,omitempty"`
	Verify      *VerifyResult `json:"verify,omitempty"`
	Worktree    string        `json:"worktree,omitempty"`
	Branch      string        `json:"branch,omitempty"`
	PatchFile   string        `json:"patch_file,omitempty"`
}
