package protocol

import (
	"errors"
	"strings"
)

var ErrEmptyCommand = errors.New("empty command")

// Command is one line on the control socket: NAME|ARG|ARG...
type Command struct {
	Name string
	Args []string
}

// Arg returns the i-th argument or "".
func (c *Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

func ParseCommand(line string) (*Command, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyCommand
	}

	parts := splitUnescaped(line, '|')
	cmd := &Command{Name: strings.TrimSpace(unescape(parts[0]))}
	for _, p := range parts[1:] {
		cmd.Args = append(cmd.Args, unescape(p))
	}
	return cmd, nil
}

// FormatCommand is the inverse of ParseCommand, newline included.
func FormatCommand(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, Escape(name))
	for _, a := range args {
		parts = append(parts, Escape(a))
	}
	return strings.Join(parts, "|") + "\n"
}

// Reply formats an OK|... or ERROR|... control response.
func Reply(ok bool, fields ...string) string {
	if ok {
		return FormatCommand("OK", fields...)
	}
	return FormatCommand("ERROR", fields...)
}

// splitUnescaped splits on delimiter, leaving escaped delimiters in place.
func splitUnescaped(s string, delimiter rune) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}
		if r == delimiter {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}
		current.WriteRune(r)
	}

	return append(parts, current.String())
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			switch r {
			case '|', '\\':
				result.WriteRune(r)
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escapes are kept verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}
		if r == '\\' {
			escape = true
			continue
		}
		result.WriteRune(r)
	}

	// trailing lone backslash
	if escape {
		result.WriteRune('\\')
	}
	return result.String()
}

func Escape(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch r {
		case '|':
			result.WriteString(`\|`)
		case '\\':
			result.WriteString(`\\`)
		case '\n':
			result.WriteString(`\n`)
		case '\r':
			result.WriteString(`\r`)
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}
