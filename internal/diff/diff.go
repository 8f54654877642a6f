// Package diff normalizes, parses and reconciles unified diffs produced by
// external generators. Line-level comparison and fuzzy reconciliation use
// the sergi/go-diff library; patch parsing uses bluekeyes/go-gitdiff.
package diff

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrHunkRejected is returned when a fragment cannot be placed in the
// current file content.
var ErrHunkRejected = errors.New("hunk rejected")

// LineType represents the type of diff line
type LineType int

const (
	LineContext LineType = iota // Unchanged context line
	LineAdded                   // Added line
	LineRemoved                 // Removed line
)

// Line represents a single line in the diff
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk represents a group of changes
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FileDiff represents changes to a single file
type FileDiff struct {
	OldPath  string
	NewPath  string
	Hunks    []Hunk
	IsNew    bool
	IsDelete bool
}

// Changed counts added plus removed lines.
func (f *FileDiff) Changed() int {
	n := 0
	for _, h := range f.Hunks {
		for _, l := range h.Lines {
			if l.Type != LineContext {
				n++
			}
		}
	}
	return n
}

// Engine provides diff computation with caching
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	fuzzy *diffmatchpatch.DiffMatchPatch
	cache sync.Map // Cache for identical input pairs
}

// cacheKey is used for caching diff results
type cacheKey struct {
	oldSum string
	newSum string
}

// NewEngine creates a new diff engine with settings tuned for source code.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // Disable timeout for accuracy

	// Fuzzy placement: tolerate drift of a few hundred characters and
	// moderately different context.
	fuzzy := diffmatchpatch.New()
	fuzzy.DiffTimeout = time.Second
	fuzzy.MatchThreshold = 0.4
	fuzzy.MatchDistance = 2000
	fuzzy.PatchDeleteThreshold = 0.4
	fuzzy.PatchMargin = 4

	return &Engine{dmp: dmp, fuzzy: fuzzy}
}

// DefaultEngine is a singleton engine for general use
var DefaultEngine = NewEngine()

// ComputeDiff creates a FileDiff from old and new content strings.
// Results are cached per content pair.
func (e *Engine) ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	fileDiff := &FileDiff{
		OldPath:  oldPath,
		NewPath:  newPath,
		IsNew:    oldContent == "",
		IsDelete: newContent == "",
	}

	key := cacheKey{Fingerprint(oldContent), Fingerprint(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		if cachedDiff, ok := cached.(*FileDiff); ok {
			result := *cachedDiff
			result.OldPath = oldPath
			result.NewPath = newPath
			return &result
		}
	}

	// Line-level reduction avoids newline boundary artifacts.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fileDiff.Hunks = e.groupIntoHunks(e.diffsToOperations(diffs), 3)

	e.cache.Store(key, fileDiff)
	return fileDiff
}

// ComputeDiff is a convenience function using the default engine
func ComputeDiff(oldPath, newPath, oldContent, newContent string) *FileDiff {
	return DefaultEngine.ComputeDiff(oldPath, newPath, oldContent, newContent)
}

// operation represents a single line operation
type operation struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

// diffsToOperations converts diffmatchpatch diffs to line-based operations
func (e *Engine) diffsToOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{LineContext, oldLine, newLine, line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{LineRemoved, oldLine, -1, line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{LineAdded, -1, newLine, line})
				newLine++
			}
		}
	}
	return ops
}

// groupIntoHunks groups operations into hunks with context
func (e *Engine) groupIntoHunks(ops []operation, contextLines int) []Hunk {
	var hunks []Hunk
	var current *Hunk
	lastChange := -1

	for i, op := range ops {
		if op.typ != LineContext && current == nil {
			current = &Hunk{}
			start := i - contextLines
			if start < 0 {
				start = 0
			}
			for j := start; j < i; j++ {
				current.Lines = append(current.Lines, Line{LineNum: ops[j].oldLine + 1, Content: ops[j].content, Type: LineContext})
			}
			current.OldStart = max(ops[start].oldLine, 0) + 1
			current.NewStart = max(ops[start].newLine, 0) + 1
		}
		if op.typ != LineContext {
			lastChange = i
		}
		if current == nil {
			continue
		}

		lineNum := op.oldLine + 1
		if op.typ == LineAdded {
			lineNum = op.newLine + 1
		}
		current.Lines = append(current.Lines, Line{LineNum: lineNum, Content: op.content, Type: op.typ})

		// Close the hunk once trailing context exceeds the window.
		if op.typ == LineContext && i-lastChange >= contextLines {
			computeHunkCounts(current)
			hunks = append(hunks, *current)
			current = nil
		}
	}

	if current != nil && len(current.Lines) > 0 {
		computeHunkCounts(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

// computeHunkCounts calculates OldCount and NewCount for a hunk
func computeHunkCounts(hunk *Hunk) {
	for _, line := range hunk.Lines {
		if line.Type == LineRemoved || line.Type == LineContext {
			hunk.OldCount++
		}
		if line.Type == LineAdded || line.Type == LineContext {
			hunk.NewCount++
		}
	}
}

// ClearCache clears the diff cache
func (e *Engine) ClearCache() {
	e.cache.Range(func(k, _ any) bool {
		e.cache.Delete(k)
		return true
	})
}

// =============================================================================
// FUZZY RECONCILIATION
// =============================================================================

// MergeFile applies text fragments to current using diffmatchpatch fuzzy
// matching. Each fragment becomes a dmp patch anchored near its declared
// position. Every fragment must land or the whole merge fails.
func (e *Engine) MergeFile(current string, frags []*gitdiff.TextFragment) (string, error) {
	if len(frags) == 0 {
		return current, nil
	}

	lineOffsets := lineStartOffsets(current)
	var patches []diffmatchpatch.Patch
	shift := 0 // length change introduced by earlier fragments
	for i, frag := range frags {
		oldText, newText := fragmentTexts(frag)
		if oldText == newText {
			continue
		}
		ps := e.fuzzy.PatchMake(oldText, newText)

		line := int(frag.OldPosition) - 1
		if frag.OldLines == 0 {
			line = int(frag.OldPosition)
		}
		anchor := offsetOfLine(lineOffsets, line, len(current))
		if len(ps) == 0 {
			return "", fmt.Errorf("%w: fragment %d produced no patch", ErrHunkRejected, i+1)
		}
		for j := range ps {
			ps[j].Start1 += anchor
			ps[j].Start2 += anchor + shift
		}
		shift += len(newText) - len(oldText)
		patches = append(patches, ps...)
	}

	merged, applied := e.fuzzy.PatchApply(patches, current)
	for i, ok := range applied {
		if !ok {
			return "", fmt.Errorf("%w: fuzzy patch %d of %d did not match", ErrHunkRejected, i+1, len(applied))
		}
	}
	return merged, nil
}

// Similarity returns 1 - levenshtein(a, b)/max(len(a), len(b)), in runes.
func (e *Engine) Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if longest == 0 {
		return 1
	}
	diffs := e.fuzzy.DiffMain(a, b, false)
	return 1 - float64(e.fuzzy.DiffLevenshtein(diffs))/float64(longest)
}

// Similarity uses the default engine.
func Similarity(a, b string) float64 {
	return DefaultEngine.Similarity(a, b)
}

func fragmentTexts(frag *gitdiff.TextFragment) (oldText, newText string) {
	var o, n strings.Builder
	for _, l := range frag.Lines {
		if l.Old() {
			o.WriteString(l.Line)
		}
		if l.New() {
			n.WriteString(l.Line)
		}
	}
	return o.String(), n.String()
}

// lineStartOffsets returns the byte offset at which each line starts.
func lineStartOffsets(s string) []int {
	offsets := []int{0}
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' && i+1 < len(s) {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

func offsetOfLine(offsets []int, line, size int) int {
	switch {
	case line <= 0:
		return 0
	case line >= len(offsets):
		return size
	default:
		return offsets[line]
	}
}
