package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragmentsOf(t *testing.T, text string) FilePatch {
	t.Helper()
	files, err := Parse(text, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	return files[0]
}

func numbered(n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		b.WriteString("line ")
		b.WriteString(strings.Repeat("*", i))
		b.WriteString("\n")
	}
	return b.String()
}

func TestApplyFragments_Exact(t *testing.T) {
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n")
	got, err := ApplyFragments("a\nb\nc\n", fp.Fragments, 0)
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", got)
}

func TestApplyFragments_OffsetDrift(t *testing.T) {
	// The fragment claims line 2, but ten lines were inserted above it.
	current := strings.Repeat("header\n", 10) + "a\nb\nc\n"
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -1,3 +1,4 @@\n a\n b\n+inserted\n c\n")

	got, err := ApplyFragments(current, fp.Fragments, 50)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("header\n", 10)+"a\nb\ninserted\nc\n", got)
}

func TestApplyFragments_WhitespaceDrift(t *testing.T) {
	current := "def f():\n\treturn  1\n"
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -1,2 +1,3 @@\n def f():\n-    return 1\n+    x = 1\n+    return x\n")

	got, err := ApplyFragments(current, fp.Fragments, 10)
	require.NoError(t, err)
	assert.Equal(t, "def f():\n    x = 1\n    return x\n", got)
}

func TestApplyFragments_MultipleFragmentsTrackDrift(t *testing.T) {
	current := numbered(20)
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n"+
		"@@ -2 +2,3 @@\n line **\n+extra 1\n+extra 2\n"+
		"@@ -15 +17 @@\n-line ***************\n+replaced\n")

	got, err := ApplyFragments(current, fp.Fragments, 5)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	require.Len(t, lines, 22)
	assert.Equal(t, "extra 1", lines[2])
	assert.Equal(t, "replaced", lines[16])
}

func TestApplyFragments_NotFound(t *testing.T) {
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-missing\n+x\n")
	_, err := ApplyFragments("a\nb\n", fp.Fragments, 10)
	assert.ErrorIs(t, err, ErrHunkRejected)
}

func TestMergeFile_FuzzyContext(t *testing.T) {
	current := "package main\n\nfunc main() {\n\tfmt.Println(\"hello world\")\n}\n"
	// Context differs slightly from the file (missing tab, other greeting).
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -3,3 +3,4 @@\n func main() {\n fmt.Println(\"hello\")\n+\tos.Exit(0)\n }\n")

	got, err := NewEngine().MergeFile(current, fp.Fragments)
	require.NoError(t, err)
	assert.Contains(t, got, "os.Exit(0)")
	assert.Contains(t, got, "package main")
}

func TestMergeFile_Rejects(t *testing.T) {
	fp := fragmentsOf(t, "--- a/f\n+++ b/f\n@@ -1 +1 @@\n-completely different text that is nowhere\n+x\n")
	_, err := NewEngine().MergeFile("alpha\nbeta\ngamma\n", fp.Fragments)
	assert.ErrorIs(t, err, ErrHunkRejected)
}
