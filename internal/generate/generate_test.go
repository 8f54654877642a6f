package generate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambient/internal/repoctx"
	"ambient/internal/types"
)

const proposalsJSON = `[{"id":"p1","agent":"StyleEnforcer","title":"fmt","diff":"diff --git a/a.go b/a.go\n",
  "risk_level":"low","files_touched":["a.go"]}]`

var fastPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

// flaky fails the first n calls.
type flaky struct {
	failures int
	err      error
	calls    atomic.Int32
}

func (f *flaky) Name() string { return "flaky" }

func (f *flaky) Propose(ctx context.Context, rc repoctx.Context) ([]types.Proposal, error) {
	n := int(f.calls.Add(1))
	if n <= f.failures {
		return nil, f.err
	}
	return []types.Proposal{{ID: "ok"}}, nil
}

func TestRetrying_RecoversFromTransientErrors(t *testing.T) {
	g := &flaky{failures: 2, err: errors.New("503")}
	out, err := NewRetrying(g, fastPolicy).Propose(context.Background(), repoctx.Context{})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, int32(3), g.calls.Load())
}

func TestRetrying_GivesUpAsExternalServiceFailure(t *testing.T) {
	g := &flaky{failures: 100, err: errors.New("connection refused")}
	_, err := NewRetrying(g, fastPolicy).Propose(context.Background(), repoctx.Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalService)
	var serr *ServiceError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 4, serr.Attempts)
	assert.Equal(t, int32(4), g.calls.Load())
}

func TestRetrying_InvalidProposalIsPermanent(t *testing.T) {
	g := &flaky{failures: 100, err: &types.IngestError{ProposalID: "p", Fields: []string{"Diff(required)"}}}
	_, err := NewRetrying(g, fastPolicy).Propose(context.Background(), repoctx.Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalService)
	assert.ErrorIs(t, err, types.ErrInvalidProposal)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestStatic(t *testing.T) {
	s := &Static{Proposals: []types.Proposal{{ID: "a", FilesTouched: []string{"x"}}}}
	out, err := s.Propose(context.Background(), repoctx.Context{})
	require.NoError(t, err)
	out[0].FilesTouched[0] = "mutated"
	assert.Equal(t, "x", s.Proposals[0].FilesTouched[0])
	assert.Equal(t, "static", s.Name())
}

func TestFileGenerator(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proposals.json")
	require.NoError(t, os.WriteFile(path, []byte(proposalsJSON), 0644))

	out, err := NewFileGenerator(path).Propose(context.Background(), repoctx.Context{})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].ID)

	_, err = NewFileGenerator(filepath.Join(t.TempDir(), "missing.json")).Propose(context.Background(), repoctx.Context{})
	assert.Error(t, err)
}

func TestCommandGenerator_ProposeAndRefine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.json"), []byte(proposalsJSON), 0644))

	g, err := NewCommandGenerator("script", []string{"sh", "-c", "cat > req.json; cat out.json"}, dir, nil, 10*time.Second)
	require.NoError(t, err)

	out, err := g.Propose(context.Background(), repoctx.Context{Repo: dir, Tree: []string{"a.go"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	req, err := os.ReadFile(filepath.Join(dir, "req.json"))
	require.NoError(t, err)
	assert.Contains(t, string(req), `"mode":"propose"`)
	assert.Contains(t, string(req), `"tree":["a.go"]`)

	refined, err := g.Refine(context.Background(), out[0], nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", refined.ID)
	req, err = os.ReadFile(filepath.Join(dir, "req.json"))
	require.NoError(t, err)
	assert.Contains(t, string(req), `"mode":"refine"`)
}

func TestCommandGenerator_Failures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	g, err := NewCommandGenerator("", []string{"sh", "-c", "echo boom >&2; exit 2"}, t.TempDir(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "sh", g.Name())
	_, err = g.Propose(context.Background(), repoctx.Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 2: boom")

	_, err = NewCommandGenerator("x", nil, "", nil, 0)
	assert.Error(t, err)
}
