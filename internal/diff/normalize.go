package diff

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// ErrEmptyDiff is returned when no file header can be found in the input.
var ErrEmptyDiff = errors.New("no unified diff found")

var hunkHeaderRe = regexp.MustCompile(`^@@\s+-(\d+)(?:,(\d+))?\s+\+(\d+)(?:,(\d+))?\s+@@(.*)$`)

// extendedHeaders are git header lines kept between a file header and its
// first hunk.
var extendedHeaders = []string{
	"index ",
	"new file mode ",
	"deleted file mode ",
	"old mode ",
	"new mode ",
	"similarity index ",
	"dissimilarity index ",
	"rename from ",
	"rename to ",
	"copy from ",
	"copy to ",
	"Binary files ",
}

// Normalize turns generator output into a diff git can consume: markdown
// fences and surrounding prose are dropped, CRLF becomes LF, hunk headers
// are recounted from their bodies and the result ends with a newline.
func Normalize(raw string) (string, error) {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = stripFences(text)

	repaired, err := RepairHunkCounts(text)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(repaired) == "" {
		return "", ErrEmptyDiff
	}
	if !strings.HasSuffix(repaired, "\n") {
		repaired += "\n"
	}
	return repaired, nil
}

// stripFences returns the body of the first fenced block that contains a
// diff header, or text with fence lines removed when none does.
func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	var block []string
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inFence {
				if containsHeader(block) {
					return strings.Join(block, "\n") + "\n"
				}
				block = block[:0]
			}
			inFence = !inFence
			continue
		}
		if inFence {
			block = append(block, line)
		}
	}

	kept := lines[:0:0]
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "```") {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func containsHeader(lines []string) bool {
	for i := range lines {
		if isFileHeader(lines, i) {
			return true
		}
	}
	return false
}

// isFileHeader reports whether a file section starts at lines[i].
func isFileHeader(lines []string, i int) bool {
	if strings.HasPrefix(lines[i], "diff --git ") {
		return true
	}
	return strings.HasPrefix(lines[i], "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")
}

func isExtendedHeader(line string) bool {
	for _, p := range extendedHeaders {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// ErrTruncatedHunk is returned when hunk body lines follow a line that
// cannot belong to the hunk, so the hunk cannot be delimited safely.
var ErrTruncatedHunk = errors.New("hunk body continues after an unprefixed line")

// RepairHunkCounts rewrites every hunk header with line counts recomputed
// from its body. Text outside file headers and hunks is dropped.
//
// While the declared old count is not used up, blank and unprefixed body
// lines are taken as context lines that lost their leading space, and a
// "--- "/"+++ " pair is body text unless a hunk header follows it.
func RepairHunkCounts(text string) (string, error) {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	var out []string
	inFile := false

	for i := 0; i < len(lines); {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff --git "):
			out = append(out, line)
			inFile = true
			i++
		case strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			out = append(out, line, lines[i+1])
			inFile = true
			i += 2
		case inFile && isExtendedHeader(line):
			out = append(out, line)
			i++
		case inFile && hunkHeaderRe.MatchString(line):
			body, next := scanHunk(lines, i)
			if next < len(lines) && continuesHunk(lines, next) {
				return "", fmt.Errorf("%w: line %d %q", ErrTruncatedHunk, next+1, lines[next])
			}
			out = append(out, repairHunk(line, body)...)
			i = next
		default:
			i++
		}
	}
	if len(out) == 0 {
		return "", nil
	}
	return strings.Join(out, "\n") + "\n", nil
}

// scanHunk collects the body of the hunk whose header is lines[start] and
// returns it with the index of the first line after it.
func scanHunk(lines []string, start int) ([]string, int) {
	m := hunkHeaderRe.FindStringSubmatch(lines[start])
	declaredOld, declaredNew := declaredCount(m[2]), declaredCount(m[4])

	var body []string
	var oldSeen, newSeen int
	j := start + 1
	for ; j < len(lines); j++ {
		l := lines[j]
		if hunkHeaderRe.MatchString(l) || strings.HasPrefix(l, "diff --git ") {
			break
		}
		if strings.HasPrefix(l, "--- ") && j+1 < len(lines) && strings.HasPrefix(lines[j+1], "+++ ") {
			exhausted := oldSeen >= declaredOld && newSeen >= declaredNew
			if exhausted || (j+2 < len(lines) && hunkHeaderRe.MatchString(lines[j+2])) {
				break
			}
		}
		if l == "" {
			oldSeen++
			newSeen++
			body = append(body, l)
			continue
		}
		switch l[0] {
		case ' ':
			oldSeen++
			newSeen++
		case '-':
			oldSeen++
		case '+':
			newSeen++
		case '\\':
		default:
			if oldSeen >= declaredOld {
				return body, j
			}
			l = " " + l
			oldSeen++
			newSeen++
		}
		body = append(body, l)
	}
	return body, j
}

// continuesHunk reports whether the unprefixed line at lines[i] is directly
// followed by more change lines.
func continuesHunk(lines []string, i int) bool {
	if lines[i] == "" || hunkHeaderRe.MatchString(lines[i]) || isFileHeader(lines, i) {
		return false
	}
	if i+1 >= len(lines) || isFileHeader(lines, i+1) {
		return false
	}
	next := lines[i+1]
	return strings.HasPrefix(next, "+") || strings.HasPrefix(next, "-")
}

// headerLines returns the lines of text outside hunk bodies.
func headerLines(text string) []string {
	lines := strings.Split(text, "\n")
	var out []string
	for i := 0; i < len(lines); {
		if hunkHeaderRe.MatchString(lines[i]) {
			_, i = scanHunk(lines, i)
			continue
		}
		out = append(out, lines[i])
		i++
	}
	return out
}

func declaredCount(s string) int {
	if s == "" {
		return 1
	}
	n, _ := strconv.Atoi(s)
	return n
}

// repairHunk recounts one hunk. Trailing blank lines are only taken as
// context while the declared old count still expects more lines.
func repairHunk(header string, body []string) []string {
	m := hunkHeaderRe.FindStringSubmatch(header)
	oldStart, _ := strconv.Atoi(m[1])
	newStart, _ := strconv.Atoi(m[3])
	declaredOld := declaredCount(m[2])

	trailing := 0
	for k := len(body) - 1; k >= 0 && body[k] == ""; k-- {
		trailing++
	}
	body = body[:len(body)-trailing]

	var oldCount, newCount int
	fixed := make([]string, 0, len(body)+trailing)
	for _, l := range body {
		if l == "" {
			l = " "
		}
		switch l[0] {
		case ' ':
			oldCount++
			newCount++
		case '-':
			oldCount++
		case '+':
			newCount++
		}
		fixed = append(fixed, l)
	}
	for k := 0; k < trailing && oldCount < declaredOld; k++ {
		fixed = append(fixed, " ")
		oldCount++
		newCount++
	}

	rebuilt := fmt.Sprintf("@@ -%s +%s @@%s", hunkRange(oldStart, oldCount), hunkRange(newStart, newCount), m[5])
	return append([]string{rebuilt}, fixed...)
}

func hunkRange(start, count int) string {
	if count == 1 {
		return strconv.Itoa(start)
	}
	return fmt.Sprintf("%d,%d", start, count)
}

// DetectStripLevel returns 1 when every header path carries an a/ or b/
// prefix and 0 otherwise. Diffs without headers default to 1.
func DetectStripLevel(text string) int {
	for _, line := range headerLines(text) {
		var names []string
		switch {
		case strings.HasPrefix(line, "diff --git "):
			names = strings.Fields(strings.TrimPrefix(line, "diff --git "))
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			name, _, _ := strings.Cut(line[4:], "\t")
			names = []string{strings.TrimSpace(name)}
		default:
			continue
		}
		for _, n := range names {
			n = strings.Trim(n, `"`)
			if n == "/dev/null" {
				continue
			}
			if !strings.HasPrefix(n, "a/") && !strings.HasPrefix(n, "b/") {
				return 0
			}
		}
	}
	return 1
}

// AlternateStrip returns the other strip level to try.
func AlternateStrip(level int) int {
	if level == 1 {
		return 0
	}
	return 1
}

// NormalizeWhitespace collapses intra-line whitespace, drops blank lines
// and index lines so that cosmetically different diffs compare equal.
func NormalizeWhitespace(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		if strings.HasPrefix(line, "index ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		b.WriteString(strings.Join(fields, " "))
		b.WriteByte('\n')
	}
	return b.String()
}

// Fingerprint returns the hex blake3 digest of text.
func Fingerprint(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// DiffFingerprint fingerprints a diff after whitespace normalization.
func DiffFingerprint(text string) string {
	return Fingerprint(NormalizeWhitespace(text))
}
