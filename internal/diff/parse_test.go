package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gitStyle = `diff --git a/src/app.py b/src/app.py
index 1111111..2222222 100644
--- a/src/app.py
+++ b/src/app.py
@@ -1,2 +1,2 @@
-x = 1
+x = 2
 y = 3
diff --git a/docs/new.md b/docs/new.md
new file mode 100644
--- /dev/null
+++ b/docs/new.md
@@ -0,0 +1 @@
+hello
`

func TestParse_GitHeaders(t *testing.T) {
	files, err := Parse(gitStyle, 1)
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "src/app.py", files[0].Target())
	assert.True(t, files[1].IsNew)
	assert.Equal(t, "docs/new.md", files[1].Target())
	assert.Equal(t, []string{"docs/new.md", "src/app.py"}, TouchedFiles(files))

	added, deleted := Stats(files)
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, deleted)
}

func TestParse_TraditionalHeadersStrip(t *testing.T) {
	text := "--- a/lib/x.go\n+++ b/lib/x.go\n@@ -1 +1 @@\n-a\n+b\n"
	files, err := Parse(text, 1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "lib/x.go", files[0].Target())

	files, err = Parse("--- lib/x.go\n+++ lib/x.go\n@@ -1 +1 @@\n-a\n+b\n", 0)
	require.NoError(t, err)
	assert.Equal(t, "lib/x.go", files[0].Target())
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse("", 1)
	assert.ErrorIs(t, err, ErrEmptyDiff)
}

func TestHeaderPaths(t *testing.T) {
	text := "diff --git a/x b/y\nrename from x\nrename to y\n--- a/../../etc/passwd\n+++ b/.git/config\n"
	assert.Equal(t,
		[]string{"../../etc/passwd", ".git/config", "x", "y"},
		HeaderPaths(text, 1))
	assert.Contains(t, HeaderPaths("--- /etc/passwd\n+++ /etc/passwd\n", 0), "/etc/passwd")
}

func TestHeaderPaths_SkipsHunkBodies(t *testing.T) {
	text := "--- a/q.sql\n+++ b/q.sql\n@@ -1,2 +1,2 @@\n--- a/old comment\n+++ b/new comment\n select 1;\n"
	assert.Equal(t, []string{"q.sql"}, HeaderPaths(text, 1))
	assert.Equal(t, 1, DetectStripLevel("--- a/q.sql\n+++ b/q.sql\n@@ -1,2 +1,2 @@\n--- old\n+++ new\n x\n"))
}
