package tactile

import (
	"fmt"
	"strings"
)

// SplitCommand tokenizes a command line the way a POSIX shell splits words,
// without any expansion: single quotes are literal, double quotes allow
// backslash escapes of `"` and `\`, and an unquoted backslash escapes the
// next character.
func SplitCommand(command string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		inWord  bool
		quote   rune
		escaped bool
	)

	for _, r := range command {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case quote == '"':
			switch r {
			case '"':
				quote = 0
			case '\\':
				escaped = true
			default:
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == '\\':
			escaped = true
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, cur.String())
				cur.Reset()
				inWord = false
			}
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote in %q", quote, command)
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash in %q", command)
	}
	if inWord {
		args = append(args, cur.String())
	}
	return args, nil
}
