package template

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ToShellToken encodes any string or number into a single POSIX shell
// token, escaping newlines using ANSI-C quoting ($'...') so that
// `echo $(toShellToken s)` printed by a POSIX shell equals s.
func ToShellToken(v interface{}) (string, error) {
	s, err := toShellInput(v)
	if err != nil {
		return "", err
	}

	if !needsANSICQuoting(s) {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'", nil
	}

	var b strings.Builder
	b.WriteString("$'")
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("'")
	return b.String(), nil
}

func needsANSICQuoting(s string) bool {
	return strings.ContainsAny(s, "\n\r\t")
}

func toShellInput(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		return t.String(), nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(t), nil
	}
}

// ToStructuredJSON marshals v into compact JSON containing no newline
// character. json.Marshal never pretty-prints, but it also never
// escapes embedded literal newlines inside string values as raw bytes —
// they come out as the two-byte escape "\n" — so the no-newline property
// holds unconditionally.
func ToStructuredJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("toStructuredJson: %w", err)
	}
	return string(b), nil
}
