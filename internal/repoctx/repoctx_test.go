package repoctx

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambient/internal/gitops/gittest"
	"ambient/internal/types"
)

func TestGitBuilder_Build(t *testing.T) {
	repo := gittest.NewRepo(t, map[string]string{
		"README.md":  "# demo\n",
		"src/app.py": "print('a')\n",
		"src/lib.py": "X = 1\n",
		".env":       "SECRET=1\n",
	})
	gittest.WriteFiles(t, repo, map[string]string{"src/lib.py": "X = 2\n"})

	b := NewGitBuilder(repo, nil)
	got, err := b.Build(context.Background(), types.Trigger{
		Kind:  types.TriggerFileChange,
		Paths: []string{filepath.Join(repo, "src", "app.py"), ".env", "/elsewhere/x.py"},
	})
	require.NoError(t, err)

	assert.Contains(t, got.Tree, "src/app.py")
	assert.Contains(t, got.Diff, "+X = 2")
	assert.Equal(t, []string{".env", "src/app.py", "src/lib.py"}, got.ChangedPaths)
	assert.Equal(t, "print('a')\n", got.Files["src/app.py"])
	assert.Equal(t, "X = 2\n", got.Files["src/lib.py"])
	assert.Equal(t, "# demo\n", got.Files["README.md"])
	assert.NotContains(t, got.Files, ".env", "forbidden paths are never read")
	assert.NotEmpty(t, got.Head)
}

func TestGitBuilder_Caps(t *testing.T) {
	repo := gittest.NewRepo(t, map[string]string{
		"a.txt": strings.Repeat("a", 100),
		"b.txt": "b\n",
		"c.txt": "c\n",
	})
	b := NewGitBuilder(repo, nil, WithMaxFiles(2), WithMaxFileBytes(10), WithImportantFiles())
	got, err := b.Build(context.Background(), types.Trigger{Kind: types.TriggerManual, Paths: []string{"a.txt", "b.txt", "c.txt"}})
	require.NoError(t, err)

	assert.Len(t, got.Files, 2)
	assert.Len(t, got.Files["a.txt"], 10)
	assert.Equal(t, []string{"a.txt", "c.txt"}, got.Truncated)
}
