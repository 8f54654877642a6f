package diff

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// DefaultSearchWindow is how many lines away from its declared position a
// fragment may be found by ApplyFragments.
const DefaultSearchWindow = 200

// ApplyFragments applies fragments hunk by hunk to current. Each fragment
// is located near its declared position (adjusted by the drift of earlier
// fragments) within window lines, first by exact match of its old lines,
// then ignoring whitespace differences. Context lines keep the file's
// current text.
func ApplyFragments(current string, frags []*gitdiff.TextFragment, window int) (string, error) {
	if window <= 0 {
		window = DefaultSearchWindow
	}
	lines := splitLinesKeepEOL(current)
	drift := 0

	for i, frag := range frags {
		var old []string
		for _, l := range frag.Lines {
			if l.Old() {
				old = append(old, l.Line)
			}
		}

		declared := int(frag.OldPosition) - 1
		if len(old) == 0 {
			declared = int(frag.OldPosition)
		}
		expected := clamp(declared+drift, 0, len(lines))

		var pos int
		if len(old) == 0 {
			pos = expected
		} else {
			pos = locate(lines, old, expected, window, exactEqual)
			if pos < 0 {
				pos = locate(lines, old, expected, window, whitespaceEqual)
			}
		}
		if pos < 0 {
			return "", fmt.Errorf("%w: fragment %d (@@ -%d,%d) not found within %d lines",
				ErrHunkRejected, i+1, frag.OldPosition, frag.OldLines, window)
		}

		replaced := make([]string, 0, len(frag.Lines))
		k := pos
		for _, l := range frag.Lines {
			switch l.Op {
			case gitdiff.OpContext:
				replaced = append(replaced, lines[k])
				k++
			case gitdiff.OpDelete:
				k++
			case gitdiff.OpAdd:
				replaced = append(replaced, l.Line)
			}
		}

		next := make([]string, 0, len(lines)-len(old)+len(replaced))
		next = append(next, lines[:pos]...)
		next = append(next, replaced...)
		next = append(next, lines[pos+len(old):]...)
		lines = next

		drift = pos + len(replaced) - declared - len(old)
	}

	return joinLines(lines), nil
}

// locate searches outward from expected for old within window lines.
func locate(lines, old []string, expected, window int, eq func(a, b string) bool) int {
	for d := 0; d <= window; d++ {
		for _, pos := range []int{expected - d, expected + d} {
			if d == 0 && pos != expected {
				continue
			}
			if pos < 0 || pos+len(old) > len(lines) {
				continue
			}
			if matchAt(lines, old, pos, eq) {
				return pos
			}
		}
	}
	return -1
}

func matchAt(lines, old []string, pos int, eq func(a, b string) bool) bool {
	for j, o := range old {
		if !eq(lines[pos+j], o) {
			return false
		}
	}
	return true
}

func exactEqual(a, b string) bool {
	return strings.TrimSuffix(a, "\n") == strings.TrimSuffix(b, "\n")
}

func whitespaceEqual(a, b string) bool {
	return strings.Join(strings.Fields(a), " ") == strings.Join(strings.Fields(b), " ")
}

// splitLinesKeepEOL splits s into lines that keep their trailing newline.
func splitLinesKeepEOL(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// joinLines concatenates lines, inserting a newline after any interior
// line that lost its terminator.
func joinLines(lines []string) string {
	var b strings.Builder
	for i, l := range lines {
		b.WriteString(l)
		if i < len(lines)-1 && !strings.HasSuffix(l, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
