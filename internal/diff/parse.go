package diff

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// FilePatch is one file section of a parsed diff with names resolved at a
// strip level.
type FilePatch struct {
	OldName   string
	NewName   string
	IsNew     bool
	IsDelete  bool
	IsRename  bool
	IsBinary  bool
	Fragments []*gitdiff.TextFragment
}

// Target returns the path the patched content is written to.
func (f FilePatch) Target() string {
	if f.IsDelete {
		return f.OldName
	}
	return f.NewName
}

// Parse parses a normalized diff. Traditional headers keep their raw names,
// so strip components are removed here; git headers arrive with the a/ and
// b/ prefixes already dropped by go-gitdiff.
func Parse(text string, strip int) ([]FilePatch, error) {
	files, _, err := gitdiff.Parse(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrEmptyDiff
	}

	gitHeaders := hasGitHeaders(text)
	if gitHeaders && strip == 0 {
		return nil, fmt.Errorf("parse diff: git headers without a/ b/ prefixes are not supported")
	}

	out := make([]FilePatch, 0, len(files))
	for _, f := range files {
		fp := FilePatch{
			OldName:   f.OldName,
			NewName:   f.NewName,
			IsNew:     f.IsNew,
			IsDelete:  f.IsDelete,
			IsRename:  f.IsRename || f.IsCopy,
			IsBinary:  f.IsBinary,
			Fragments: f.TextFragments,
		}
		if !gitHeaders {
			fp.OldName = stripComponents(fp.OldName, strip)
			fp.NewName = stripComponents(fp.NewName, strip)
		}
		out = append(out, fp)
	}
	return out, nil
}

// TouchedFiles returns the sorted set of old and new names across files.
func TouchedFiles(files []FilePatch) []string {
	seen := make(map[string]struct{})
	for _, f := range files {
		for _, n := range []string{f.OldName, f.NewName} {
			if n != "" {
				seen[n] = struct{}{}
			}
		}
	}
	return sortedKeys(seen)
}

// Stats counts added and deleted lines across files.
func Stats(files []FilePatch) (added, deleted int) {
	for _, f := range files {
		for _, frag := range f.Fragments {
			added += int(frag.LinesAdded)
			deleted += int(frag.LinesDeleted)
		}
	}
	return added, deleted
}

// HeaderPaths scans every path-bearing header line outside hunk bodies,
// independent of parsing, and returns the raw names with strip components removed. It is
// the set that must pass path validation before anything is written.
func HeaderPaths(text string, strip int) []string {
	seen := make(map[string]struct{})
	add := func(name string, drop int) {
		name = strings.TrimSpace(name)
		if unq, err := strconv.Unquote(name); err == nil {
			name = unq
		}
		if name == "" || name == "/dev/null" {
			return
		}
		seen[stripComponents(name, drop)] = struct{}{}
	}

	for _, line := range headerLines(text) {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			for _, n := range splitGitHeader(strings.TrimPrefix(line, "diff --git ")) {
				add(n, strip)
			}
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			name, _, _ := strings.Cut(line[4:], "\t")
			add(name, strip)
		case strings.HasPrefix(line, "rename from "):
			add(strings.TrimPrefix(line, "rename from "), 0)
		case strings.HasPrefix(line, "rename to "):
			add(strings.TrimPrefix(line, "rename to "), 0)
		case strings.HasPrefix(line, "copy from "):
			add(strings.TrimPrefix(line, "copy from "), 0)
		case strings.HasPrefix(line, "copy to "):
			add(strings.TrimPrefix(line, "copy to "), 0)
		}
	}
	return sortedKeys(seen)
}

// splitGitHeader splits the two names of a `diff --git` line.
func splitGitHeader(rest string) []string {
	if strings.HasPrefix(rest, `"`) {
		first, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return strings.Fields(rest)
		}
		return []string{first, strings.TrimSpace(rest[len(first):])}
	}
	if i := strings.Index(rest, " b/"); i >= 0 && strings.HasPrefix(rest, "a/") {
		return []string{rest[:i], rest[i+1:]}
	}
	return strings.Fields(rest)
}

// stripComponents removes n leading slash-separated components.
func stripComponents(name string, n int) string {
	for ; n > 0; n-- {
		i := strings.IndexByte(name, '/')
		if i < 0 {
			return name
		}
		name = name[i+1:]
	}
	return name
}

func hasGitHeaders(text string) bool {
	return strings.HasPrefix(text, "diff --git ") || strings.Contains(text, "\ndiff --git ")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
