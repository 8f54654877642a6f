package telemetry

import (
	"regexp"
	"strings"
)

// DefaultMaxLen bounds redacted strings written to telemetry.
const DefaultMaxLen = 400

const truncatedMarker = "...(truncated)"

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "PRIVATE_KEY_REDACTED"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}`), "sk-REDACTED"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "AKIA_REDACTED"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`), "github_pat_REDACTED"},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}`), "ghp_REDACTED"},
	{regexp.MustCompile(`(?i)\b(password|passwd|token|secret|api_key)(\s*[=:]\s*)("[^"]*"|'[^']*'|\S+)`), "${1}${2}REDACTED"},
}

// Redact masks common secret shapes and truncates the result to maxLen
// bytes. A non-positive maxLen disables truncation.
func Redact(text string, maxLen int) string {
	if text == "" {
		return ""
	}
	out := text
	for _, r := range redactions {
		out = r.re.ReplaceAllString(out, r.repl)
	}
	out = strings.TrimSpace(out)
	if maxLen > 0 && len(out) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8Start(out[cut]) {
			cut--
		}
		out = out[:cut] + truncatedMarker
	}
	return out
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
