package tactile

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrCommandNotAllowed is returned for commands outside the allow-list.
// Such commands are never spawned.
var ErrCommandNotAllowed = errors.New("command not allowed")

// DefaultAllowedPatterns is the documented minimal baseline: test runners,
// linters, type-checkers and read-only git inspection.
var DefaultAllowedPatterns = []string{
	`^pytest(\s|$)`,
	`^python3?\s+-m\s+pytest(\s|$)`,
	`^ruff\s+(check|format)(\s|$)`,
	`^mypy(\s|$)`,
	`^flake8(\s|$)`,
	`^go\s+(test|vet|build)(\s|$)`,
	`^golangci-lint\s+run(\s|$)`,
	`^cargo\s+(test|check|clippy)(\s|$)`,
	`^npm\s+test(\s|$)`,
	`^make\s+(test|lint|check)(\s|$)`,
	`^git\s+(status|diff|log|show)(\s|$)`,
}

// shellMetachars never appear in an allowed command line.
const shellMetachars = ";|&$<>`"

// Allowlist matches normalized command lines against regular expressions.
type Allowlist struct {
	patterns []*regexp.Regexp
}

// NewAllowlist compiles patterns. An empty list yields the baseline.
func NewAllowlist(patterns []string) (*Allowlist, error) {
	if len(patterns) == 0 {
		patterns = DefaultAllowedPatterns
	}
	a := &Allowlist{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow-list pattern %q: %w", p, err)
		}
		a.patterns = append(a.patterns, re)
	}
	return a, nil
}

// DefaultAllowlist returns the baseline allow-list.
func DefaultAllowlist() *Allowlist {
	a, err := NewAllowlist(nil)
	if err != nil {
		panic(err)
	}
	return a
}

// Check returns nil when command is allowed, or a wrapped
// ErrCommandNotAllowed describing why not.
func (a *Allowlist) Check(command string) error {
	if strings.ContainsAny(command, "\x00\n\r") {
		return fmt.Errorf("%w: control characters in %q", ErrCommandNotAllowed, command)
	}
	if strings.ContainsAny(command, shellMetachars) {
		return fmt.Errorf("%w: shell metacharacters in %q", ErrCommandNotAllowed, command)
	}
	normalized := NormalizeCommand(command)
	if normalized == "" {
		return fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	for _, re := range a.patterns {
		if re.MatchString(normalized) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q matches no allow-list pattern", ErrCommandNotAllowed, normalized)
}

// Allowed reports whether command passes Check.
func (a *Allowlist) Allowed(command string) bool {
	return a.Check(command) == nil
}

// NormalizeCommand trims and collapses runs of whitespace.
func NormalizeCommand(command string) string {
	return strings.Join(strings.Fields(command), " ")
}
