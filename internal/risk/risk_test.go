package risk

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambient/internal/config"
	"ambient/internal/types"
)

func baseline() types.Proposal {
	return types.Proposal{
		ID:                 "p1",
		Agent:              "StyleEnforcer",
		Title:              "Rename local",
		RiskLevel:          types.RiskLow,
		FilesTouched:       []string{"src/util.py"},
		EstimatedLOCChange: 4,
	}
}

func manyFiles(n int) []string {
	files := make([]string, n)
	for i := range files {
		files[i] = fmt.Sprintf("src/m%d.py", i)
	}
	return files
}

func TestClassify_Baseline(t *testing.T) {
	d := Classify(baseline(), DefaultPolicy())
	assert.Equal(t, types.OutcomeAutoApply, d.Outcome)
	assert.Equal(t, types.RiskLow, d.EffectiveRisk)
	assert.Empty(t, d.Reasons)
}

func TestClassify_EachTriggerAloneRequiresApproval(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(*types.Proposal)
		wantEffective types.RiskLevel
		wantReason    string
	}{
		{"declared high", func(p *types.Proposal) { p.RiskLevel = types.RiskHigh }, types.RiskHigh, "declared_risk:high"},
		{"declared critical", func(p *types.Proposal) { p.RiskLevel = types.RiskCritical }, types.RiskCritical, "declared_risk:critical"},
		{"sensitive tag", func(p *types.Proposal) { p.Tags = []string{"Security"} }, types.RiskHigh, "sensitive_tags:security"},
		{"loc ceiling", func(p *types.Proposal) { p.EstimatedLOCChange = 501 }, types.RiskMedium, "loc_change:501>500"},
		{"loc ceiling on deletions", func(p *types.Proposal) { p.EstimatedLOCChange = -5000 }, types.RiskMedium, "loc_change:5000>500"},
		{"file ceiling", func(p *types.Proposal) { p.FilesTouched = manyFiles(11) }, types.RiskMedium, "file_count:11>10"},
		{"sensitive file", func(p *types.Proposal) { p.FilesTouched = []string{"config/production/db.yml"} }, types.RiskHigh, "sensitive_files:config/production/db.yml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := baseline()
			tt.mutate(&p)
			d := Classify(p, DefaultPolicy())
			assert.Equal(t, types.OutcomeRequireApproval, d.Outcome)
			assert.Equal(t, tt.wantEffective, d.EffectiveRisk)
			assert.Contains(t, d.Reasons, tt.wantReason)
		})
	}
}

func TestClassify_LimitsAreInclusive(t *testing.T) {
	p := baseline()
	p.EstimatedLOCChange = 500
	p.FilesTouched = manyFiles(10)
	assert.Equal(t, types.OutcomeAutoApply, Classify(p, DefaultPolicy()).Outcome)

	p.EstimatedLOCChange = -500
	assert.Equal(t, types.OutcomeAutoApply, Classify(p, DefaultPolicy()).Outcome)
}

func TestClassify_RejectPolicy(t *testing.T) {
	policy, err := PolicyFromConfig(config.RiskPolicyConfig{
		AutoApply:       []string{"low"},
		RequireApproval: []string{"medium"},
		Reject:          []string{"high", "critical"},
		SensitiveTags:   []string{"payment"},
	})
	require.NoError(t, err)

	p := baseline()
	p.Tags = []string{"payment"}
	d := Classify(p, policy)
	assert.Equal(t, types.OutcomeReject, d.Outcome, "escalation into a rejected level rejects")
	assert.Contains(t, d.Reasons, "policy_reject:high")

	p = baseline()
	p.RiskLevel = types.RiskMedium
	assert.Equal(t, types.OutcomeRequireApproval, Classify(p, policy).Outcome)
}

func TestClassify_NeverWeakerThanDeclaredMapping(t *testing.T) {
	policies := []config.RiskPolicyConfig{
		config.DefaultConfig().RiskPolicy,
		{AutoApply: []string{"low", "medium", "high", "critical"}},
		{Reject: []string{"low"}, AutoApply: []string{"medium"}},
		{AutoApply: []string{"critical"}, Reject: []string{"medium"}, FileChangeLimit: 1, LOCChangeLimit: 1},
	}
	tagSets := [][]string{nil, {"security"}, {"docs"}}
	fileSets := [][]string{{"a.py"}, {".env"}, manyFiles(12)}
	for pi, pc := range policies {
		policy, err := PolicyFromConfig(pc)
		require.NoError(t, err)
		if pc.SensitiveTags == nil {
			policy.SensitiveTags = []string{"security"}
		}
		for _, level := range types.AllRiskLevels {
			for _, tags := range tagSets {
				for _, files := range fileSets {
					for _, loc := range []int{0, 10_000} {
						p := types.Proposal{ID: "p", RiskLevel: level, Tags: tags, FilesTouched: files, EstimatedLOCChange: loc}
						d := Classify(p, policy)
						assert.True(t, d.Outcome.AtLeast(policy.Mapped(level)),
							"policy %d level %s tags %v files %d loc %d: %s weaker than %s",
							pi, level, tags, len(files), loc, d.Outcome, policy.Mapped(level))
						assert.GreaterOrEqual(t, d.EffectiveRisk, level)
					}
				}
			}
		}
	}
}

func TestGate_SecurityVersusLowRisk(t *testing.T) {
	gate := NewGate(DefaultPolicy())

	security := baseline()
	security.ID = "sec"
	security.Agent = "SecurityGuardian"
	security.RiskLevel = types.RiskHigh
	security.Tags = []string{"security"}
	security.FilesTouched = []string{"app.py"}

	low := baseline()
	low.ID = "low"
	low.FilesTouched = []string{"app.py"}

	assert.Equal(t, types.OutcomeRequireApproval, gate.Classify(security).Outcome)
	assert.Equal(t, types.OutcomeAutoApply, gate.Classify(low).Outcome)
}

func TestGate_DisableAutoApply(t *testing.T) {
	gate := NewGate(DefaultPolicy())
	gate.DisableAutoApply("failure rate 0.60")
	d := gate.Classify(baseline())
	assert.Equal(t, types.OutcomeRequireApproval, d.Outcome)
	assert.Contains(t, d.Reasons, "auto_apply_disabled:failure rate 0.60")

	gate.EnableAutoApply()
	assert.Empty(t, gate.AutoApplyDisabled())
	assert.Equal(t, types.OutcomeAutoApply, gate.Classify(baseline()).Outcome)
}

func TestSortByPriority(t *testing.T) {
	in := []types.Proposal{
		{ID: "b", RiskLevel: types.RiskLow},
		{ID: "a", RiskLevel: types.RiskLow},
		{ID: "c", RiskLevel: types.RiskCritical},
		{ID: "d", RiskLevel: types.RiskMedium},
	}
	got := SortByPriority(in)
	var order []string
	for _, p := range got {
		order = append(order, p.ID)
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, order)
	assert.Equal(t, "b", in[0].ID, "input is not reordered")
}

func TestReport(t *testing.T) {
	p := baseline()
	p.Tags = []string{"auth"}
	d := Classify(p, DefaultPolicy())
	report := Report(p, d)
	assert.Contains(t, report, "Proposal p1: Rename local")
	assert.Contains(t, report, "decision:  require_approval")
	assert.Contains(t, report, "risk:      low -> high")
	assert.Contains(t, report, "- sensitive_tags:auth")

	clean := Report(baseline(), Classify(baseline(), DefaultPolicy()))
	assert.Contains(t, clean, "factors:   none")
}

func TestPolicyFromConfig_Invalid(t *testing.T) {
	_, err := PolicyFromConfig(config.RiskPolicyConfig{AutoApply: []string{"extreme"}})
	assert.Error(t, err)
}

func TestSensitiveFiles_Glob(t *testing.T) {
	hits := sensitiveFiles([]string{"deploy/keys/id.pem", "src/app.py"}, []string{"*.pem"})
	assert.Equal(t, []string{"deploy/keys/id.pem"}, hits)
}
