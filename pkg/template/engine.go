// Package template implements PaV's template engine: a pure,
// side-effect-limited text-template pipeline that substitutes a per-phase
// evaluation context into every templated string leaf of a provisioner
// object.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"sigs.k8s.io/yaml"
)

// ClaimLookup resolves a PersistentVolumeClaim by name and namespace. It
// backs the `lookupClaim` template hook and is the only network access the
// engine is allowed to perform, and only when a template actually calls it.
type ClaimLookup func(name, namespace string) (interface{}, error)

// Capabilities is the capability bag a caller passes into Evaluate. No
// filter or hook is registered globally: every evaluation receives exactly
// the capabilities its phase is allowed to use.
type Capabilities struct {
	// LookupClaim backs the lookupClaim(name, namespace) hook. Nil means
	// the hook is unavailable for this evaluation and calling it fails the
	// template.
	LookupClaim ClaimLookup
}

// Result is the outcome of evaluating one template string (one "leaf").
type Result struct {
	// Text is the rendered output when the yaml sentinel was never raised.
	Text string
	// Structured is the re-parsed value when the yaml sentinel was raised
	// during evaluation (the "whole-subtree" mode). Exactly one of
	// Text/Structured is meaningful; IsStructured tells you which.
	Structured   interface{}
	IsStructured bool
}

// Error is returned by Evaluate, keyed by the template path that failed, so
// that failures are deterministic and attributable.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("template %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Evaluate renders tmplText (one string leaf, identified by path for error
// reporting) against vars under the given capabilities.
func Evaluate(path, tmplText string, vars map[string]interface{}, caps Capabilities) (Result, error) {
	sentinel := &yamlSentinel{}

	funcs := sprig.TxtFuncMap()
	funcs["toShellToken"] = ToShellToken
	funcs["toStructuredJson"] = ToStructuredJSON
	funcs["lookupClaim"] = lookupClaimFunc(caps.LookupClaim)
	funcs["yaml"] = sentinel.mark

	tmpl, err := template.New(path).Funcs(funcs).Option("missingkey=error").Parse(preprocessWhitespace(tmplText))
	if err != nil {
		return Result{}, &Error{Path: path, Err: err}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return Result{}, &Error{Path: path, Err: err}
	}

	rendered := buf.String()

	if !sentinel.raised {
		return Result{Text: rendered}, nil
	}

	var structured interface{}
	if err := yaml.Unmarshal([]byte(rendered), &structured); err != nil {
		return Result{}, &Error{Path: path, Err: fmt.Errorf("yaml re-parse: %w", err)}
	}
	return Result{Structured: structured, IsStructured: true}, nil
}

// EvaluateScalar is a convenience wrapper for leaves that must always yield
// a plain string (e.g. a volume handle or a capacity), never structured
// data.
func EvaluateScalar(path, tmplText string, vars map[string]interface{}, caps Capabilities) (string, error) {
	result, err := Evaluate(path, tmplText, vars, caps)
	if err != nil {
		return "", err
	}
	if result.IsStructured {
		return "", &Error{Path: path, Err: fmt.Errorf("yaml sentinel raised in a scalar-only context")}
	}
	return result.Text, nil
}

type yamlSentinel struct {
	raised bool
}

func (s *yamlSentinel) mark() string {
	s.raised = true
	return ""
}

func lookupClaimFunc(lookup ClaimLookup) func(string, string) (interface{}, error) {
	return func(name, namespace string) (interface{}, error) {
		if lookup == nil {
			return nil, fmt.Errorf("lookupClaim is not available in this phase")
		}
		return lookup(name, namespace)
	}
}

// preprocessWhitespace implements the statement-line whitespace rule: leading
// whitespace on a line that contains only a statement block is stripped,
// along with the immediately following newline. We detect such lines and
// trim them here, before parsing; Go template's own trim markers are not
// used.
func preprocessWhitespace(src string) string {
	lines := strings.Split(src, "\n")
	var b strings.Builder
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		last := i == len(lines)-1
		if isStatementOnlyLine(trimmed) {
			// Drop the line's leading whitespace and the newline that
			// terminates it; leave neighboring lines untouched.
			b.WriteString(trimmed)
			continue
		}
		b.WriteString(line)
		if !last {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// isStatementOnlyLine reports whether trimmed is exactly one balanced
// "{{ ... }}" action with nothing else on the line.
func isStatementOnlyLine(trimmed string) bool {
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return false
	}
	if strings.Contains(trimmed, "}}") && strings.Index(trimmed, "}}") != len(trimmed)-2 {
		// A "}}" appears before the final one: more than one action, or
		// trailing text after the action. Leave the line untouched.
		return false
	}
	depth := 0
	for i := 0; i < len(trimmed)-1; i++ {
		switch {
		case trimmed[i] == '{' && trimmed[i+1] == '{':
			depth++
			i++
		case trimmed[i] == '}' && trimmed[i+1] == '}':
			depth--
			i++
			if depth == 0 && i != len(trimmed)-1 {
				return false
			}
		}
	}
	return depth == 0
}
