// Package risk classifies proposals into auto_apply, require_approval or
// reject. Escalation triggers can only strengthen a decision; nothing here
// relaxes the policy mapping of a proposal's declared risk.
package risk

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ambient/internal/config"
	"ambient/internal/logging"
	"ambient/internal/types"
)

var riskDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ambient_risk_decisions_total",
	Help: "Risk gate decisions by outcome",
}, []string{"outcome"})

// Policy is the parsed risk_policy section.
type Policy struct {
	AutoApply             map[types.RiskLevel]bool
	RequireApproval       map[types.RiskLevel]bool
	Reject                map[types.RiskLevel]bool
	FileChangeLimit       int
	LOCChangeLimit        int
	SensitiveTags         []string
	SensitiveFilePatterns []string
}

// PolicyFromConfig parses level names into a Policy.
func PolicyFromConfig(c config.RiskPolicyConfig) (Policy, error) {
	p := Policy{
		FileChangeLimit:       c.FileChangeLimit,
		LOCChangeLimit:        c.LOCChangeLimit,
		SensitiveTags:         c.SensitiveTags,
		SensitiveFilePatterns: c.SensitiveFilePatterns,
	}
	var err error
	if p.AutoApply, err = levelSet(c.AutoApply); err != nil {
		return Policy{}, err
	}
	if p.RequireApproval, err = levelSet(c.RequireApproval); err != nil {
		return Policy{}, err
	}
	if p.Reject, err = levelSet(c.Reject); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// DefaultPolicy is PolicyFromConfig of the default configuration.
func DefaultPolicy() Policy {
	p, err := PolicyFromConfig(config.DefaultConfig().RiskPolicy)
	if err != nil {
		panic(err)
	}
	return p
}

func levelSet(names []string) (map[types.RiskLevel]bool, error) {
	set := make(map[types.RiskLevel]bool, len(names))
	for _, n := range names {
		level, err := types.ParseRiskLevel(n)
		if err != nil {
			return nil, fmt.Errorf("risk_policy: %w", err)
		}
		set[level] = true
	}
	return set, nil
}

// Mapped returns the policy membership decision for a level. Reject wins
// over auto-apply; unlisted levels require approval.
func (p Policy) Mapped(level types.RiskLevel) types.Outcome {
	switch {
	case p.Reject[level]:
		return types.OutcomeReject
	case p.AutoApply[level] && !p.RequireApproval[level]:
		return types.OutcomeAutoApply
	default:
		return types.OutcomeRequireApproval
	}
}

// Classify evaluates the escalation triggers and the policy mapping.
func Classify(p types.Proposal, policy Policy) types.RiskDecision {
	var reasons []string
	escalated := p.RiskLevel

	if p.RiskLevel >= types.RiskHigh {
		reasons = append(reasons, "declared_risk:"+p.RiskLevel.String())
	}
	if tags := sensitiveTags(p.Tags, policy.SensitiveTags); len(tags) > 0 {
		reasons = append(reasons, "sensitive_tags:"+strings.Join(tags, ","))
		escalated = types.MaxRisk(escalated, types.RiskHigh)
	}
	if files := sensitiveFiles(p.FileSet(), policy.SensitiveFilePatterns); len(files) > 0 {
		reasons = append(reasons, "sensitive_files:"+strings.Join(files, ","))
		escalated = types.MaxRisk(escalated, types.RiskHigh)
	}
	if loc := absInt(p.EstimatedLOCChange); policy.LOCChangeLimit > 0 && loc > policy.LOCChangeLimit {
		reasons = append(reasons, fmt.Sprintf("loc_change:%d>%d", loc, policy.LOCChangeLimit))
		escalated = types.MaxRisk(escalated, types.RiskMedium)
	}
	if n := len(p.FileSet()); policy.FileChangeLimit > 0 && n > policy.FileChangeLimit {
		reasons = append(reasons, fmt.Sprintf("file_count:%d>%d", n, policy.FileChangeLimit))
		escalated = types.MaxRisk(escalated, types.RiskMedium)
	}

	outcome := policy.Mapped(escalated)
	if len(reasons) > 0 {
		outcome = types.StrongerOutcome(outcome, types.OutcomeRequireApproval)
	}
	outcome = types.StrongerOutcome(outcome, policy.Mapped(p.RiskLevel))
	if outcome == types.OutcomeReject {
		reasons = append(reasons, "policy_reject:"+escalated.String())
	}

	return types.RiskDecision{
		ProposalID:    p.ID,
		Outcome:       outcome,
		DeclaredRisk:  p.RiskLevel,
		EffectiveRisk: escalated,
		Reasons:       reasons,
	}
}

func sensitiveTags(tags, sensitive []string) []string {
	var hits []string
	for _, tag := range tags {
		for _, s := range sensitive {
			if strings.EqualFold(tag, s) {
				hits = append(hits, strings.ToLower(tag))
				break
			}
		}
	}
	sort.Strings(hits)
	return hits
}

// sensitiveFiles matches patterns as glob when they contain glob
// metacharacters, otherwise as a case-insensitive substring.
func sensitiveFiles(files, patterns []string) []string {
	var hits []string
	for _, f := range files {
		lower := strings.ToLower(f)
		for _, pattern := range patterns {
			pattern = strings.ToLower(pattern)
			var match bool
			if strings.ContainsAny(pattern, "*?[") {
				match, _ = path.Match(pattern, lower)
				if !match {
					match, _ = path.Match(pattern, path.Base(lower))
				}
			} else {
				match = strings.Contains(lower, pattern)
			}
			if match {
				hits = append(hits, f)
				break
			}
		}
	}
	return hits
}

// Gate applies a policy and the control-plane auto-apply switch.
type Gate struct {
	policy Policy

	mu             sync.RWMutex
	disabledReason string
}

// NewGate creates a gate for policy.
func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy}
}

// Policy returns the gate's policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// DisableAutoApply downgrades every auto_apply decision to
// require_approval until EnableAutoApply is called.
func (g *Gate) DisableAutoApply(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disabledReason == "" {
		logging.Risk("auto-apply disabled: %s", reason)
	}
	g.disabledReason = reason
}

// EnableAutoApply lifts DisableAutoApply.
func (g *Gate) EnableAutoApply() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disabledReason = ""
}

// AutoApplyDisabled returns the active disable reason, or "".
func (g *Gate) AutoApplyDisabled() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.disabledReason
}

// Classify classifies p under the gate's policy.
func (g *Gate) Classify(p types.Proposal) types.RiskDecision {
	d := Classify(p, g.policy)
	if reason := g.AutoApplyDisabled(); reason != "" && d.Outcome == types.OutcomeAutoApply {
		d.Outcome = types.OutcomeRequireApproval
		d.Reasons = append(d.Reasons, "auto_apply_disabled:"+reason)
	}
	riskDecisionsTotal.WithLabelValues(string(d.Outcome)).Inc()
	logging.Risk("%s: %s (declared=%s effective=%s) %v", p.ID, d.Outcome, d.DeclaredRisk, d.EffectiveRisk, d.Reasons)
	return d
}

// SortByPriority orders proposals highest risk first, then by id.
func SortByPriority(proposals []types.Proposal) []types.Proposal {
	out := append([]types.Proposal(nil), proposals...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RiskLevel != out[j].RiskLevel {
			return out[i].RiskLevel > out[j].RiskLevel
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Report renders a human-readable risk summary.
func Report(p types.Proposal, d types.RiskDecision) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Proposal %s: %s\n", p.ID, p.Title)
	fmt.Fprintf(&b, "  agent:     %s\n", p.Agent)
	fmt.Fprintf(&b, "  decision:  %s\n", d.Outcome)
	fmt.Fprintf(&b, "  risk:      %s", d.DeclaredRisk)
	if d.EffectiveRisk != d.DeclaredRisk {
		fmt.Fprintf(&b, " -> %s", d.EffectiveRisk)
	}
	b.WriteByte('\n')
	fmt.Fprintf(&b, "  files:     %d (%s)\n", len(p.FileSet()), strings.Join(p.FileSet(), ", "))
	fmt.Fprintf(&b, "  loc:       %d\n", p.EstimatedLOCChange)
	if len(p.Tags) > 0 {
		fmt.Fprintf(&b, "  tags:      %s\n", strings.Join(p.Tags, ", "))
	}
	if len(d.Reasons) == 0 {
		b.WriteString("  factors:   none\n")
		return b.String()
	}
	b.WriteString("  factors:\n")
	for _, r := range d.Reasons {
		fmt.Fprintf(&b, "    - %s\n", r)
	}
	return b.String()
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
