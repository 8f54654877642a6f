package gitops

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambient/internal/gitops/gittest"
)

func TestRunnerStatusAndClean(t *testing.T) {
	repo := gittest.NewRepo(t, map[string]string{"a.txt": "one\n"})
	r := NewRunner(nil)
	ctx := context.Background()

	clean, err := r.IsClean(ctx, repo)
	require.NoError(t, err)
	assert.True(t, clean)

	gittest.WriteFiles(t, repo, map[string]string{"a.txt": "two\n", "new/b.txt": "b\n"})
	clean, err = r.IsClean(ctx, repo)
	require.NoError(t, err)
	assert.False(t, clean)

	require.NoError(t, r.ResetHard(ctx, repo))
	assert.Equal(t, "one\n", gittest.ReadFile(t, repo, "a.txt"))
	assert.Equal(t, "", gittest.ReadFile(t, repo, "new/b.txt"))
}

func TestRunnerGitError(t *testing.T) {
	repo := gittest.NewRepo(t, nil)
	_, err := NewRunner(nil).Run(context.Background(), repo, "rev-parse", "--verify", "does-not-exist")
	var gerr *GitError
	require.True(t, errors.As(err, &gerr))
	assert.NotZero(t, gerr.ExitCode)
}

func TestRunnerWorktreeLifecycle(t *testing.T) {
	repo := gittest.NewRepo(t, nil)
	r := NewRunner(nil)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wt")

	require.NoError(t, r.WorktreeAdd(ctx, repo, path, "review/x", "HEAD"))
	exists, err := r.BranchExists(ctx, repo, "review/x")
	require.NoError(t, err)
	assert.True(t, exists)

	common, err := r.CommonDir(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(repo, ".git"), common)

	require.NoError(t, r.WorktreeRemove(ctx, repo, path))
	require.NoError(t, r.BranchDelete(ctx, repo, "review/x"))
	exists, err = r.BranchExists(ctx, repo, "review/x")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunnerShowHeadAndCommit(t *testing.T) {
	repo := gittest.NewRepo(t, map[string]string{"a.txt": "one\n"})
	r := NewRunner(nil)
	ctx := context.Background()

	content, ok, err := r.ShowHead(ctx, repo, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "one\n", content)

	_, ok, err = r.ShowHead(ctx, repo, "missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	gittest.WriteFiles(t, repo, map[string]string{"a.txt": "two\n"})
	require.NoError(t, r.Add(ctx, repo, "a.txt"))
	stat, err := r.DiffCachedStat(ctx, repo)
	require.NoError(t, err)
	files, ins, del := ParseShortStat(stat)
	assert.Equal(t, 1, files)
	assert.Equal(t, 1, ins)
	assert.Equal(t, 1, del)

	before, err := r.Head(ctx, repo)
	require.NoError(t, err)
	after, err := r.Commit(ctx, repo, "update", "bot", "bot@localhost")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
	assert.Equal(t, "bot", gittest.Git(t, repo, "log", "-1", "--format=%an"))
	require.NoError(t, r.Fsck(ctx, repo))
}

func TestParseShortStat(t *testing.T) {
	f, i, d := ParseShortStat(" a | 2 +-\n b | 1 +\n 2 files changed, 2 insertions(+), 1 deletion(-)")
	assert.Equal(t, []int{2, 2, 1}, []int{f, i, d})

	f, i, d = ParseShortStat("")
	assert.Equal(t, []int{0, 0, 0}, []int{f, i, d})
}
