package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambient/internal/config"
	"ambient/internal/types"
)

func sample() (types.Proposal, types.RiskDecision) {
	p := types.Proposal{
		ID:           "sec-1",
		Agent:        "SecurityGuardian",
		Title:        "Escape SQL",
		Diff:         "diff --git a/db.py b/db.py\n+escape(q)\n",
		RiskLevel:    types.RiskHigh,
		FilesTouched: []string{"db.py"},
	}
	d := types.RiskDecision{ProposalID: p.ID, Outcome: types.OutcomeRequireApproval, DeclaredRisk: types.RiskHigh, EffectiveRisk: types.RiskHigh, Reasons: []string{"declared_risk:high"}}
	return p, d
}

func TestStaticHandlers(t *testing.T) {
	p, d := sample()
	v, err := AlwaysApprove{}.Request(context.Background(), p, d)
	require.NoError(t, err)
	assert.True(t, v.Approved)

	v, err = AlwaysReject{}.Request(context.Background(), p, d)
	require.NoError(t, err)
	assert.False(t, v.Approved)
}

func TestInteractive(t *testing.T) {
	p, d := sample()
	tests := []struct {
		name     string
		input    string
		approved bool
		err      error
	}{
		{"yes", "y\n", true, nil},
		{"default no", "\n", false, nil},
		{"diff then yes", "d\nyes\n", true, nil},
		{"garbage then no", "maybe\nn\n", false, nil},
		{"eof", "", false, nil},
		{"quit", "q\n", false, ErrQuit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			v, err := NewInteractive(strings.NewReader(tt.input), &out).Request(context.Background(), p, d)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.approved, v.Approved)
			assert.Contains(t, out.String(), "APPROVAL REQUIRED")
			assert.Contains(t, out.String(), "declared_risk:high")
		})
	}
}

func TestInteractive_LongDiffPreview(t *testing.T) {
	p, d := sample()
	p.Diff = strings.Repeat("+line\n", 80)
	var out bytes.Buffer
	_, err := NewInteractive(strings.NewReader("n\n"), &out).Request(context.Background(), p, d)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Diff (first 50 lines)")
	assert.Contains(t, out.String(), "(30 more lines)")
}

func TestWebhook(t *testing.T) {
	p, d := sample()
	var got WebhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"approved": true, "approver": "alice"}`))
	}))
	defer srv.Close()

	v, err := NewWebhook(srv.URL, time.Second).Request(context.Background(), p, d)
	require.NoError(t, err)
	assert.True(t, v.Approved)
	assert.Equal(t, "alice", v.Approver)
	assert.Equal(t, "sec-1", got.Proposal.ID)
	assert.Contains(t, got.Report, "decision:  require_approval")
}

func TestWebhook_Errors(t *testing.T) {
	p, d := sample()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad-json" {
			w.Write([]byte("not json"))
			return
		}
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := NewWebhook(srv.URL+"/denied", time.Second).Request(context.Background(), p, d)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 403")

	_, err = NewWebhook(srv.URL+"/bad-json", time.Second).Request(context.Background(), p, d)
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	h, err := FromConfig(config.ApprovalConfig{Mode: "approve"}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.IsType(t, AlwaysApprove{}, h)

	h, err = FromConfig(config.ApprovalConfig{}, nil, nil, time.Second)
	require.NoError(t, err)
	assert.IsType(t, AlwaysReject{}, h)

	_, err = FromConfig(config.ApprovalConfig{Mode: "webhook"}, nil, nil, time.Second)
	assert.Error(t, err)
	_, err = FromConfig(config.ApprovalConfig{Mode: "slack"}, nil, nil, time.Second)
	assert.Error(t, err)
}
