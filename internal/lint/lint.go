// Package lint checks built output with markup, style and script linters and
// runs them as a sequential, fail-fast chain of stages.
package lint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/3cpo-dev/kiln/pkg/api"
)

// Severity of a violation.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warn"
	SeverityOff   Severity = "off"
)

// ErrLint marks a stage that reported error-severity violations.
var ErrLint = errors.New("lint error")

// Violation is one finding.
type Violation struct {
	File     string
	Line     int
	Col      int
	Rule     string
	Severity Severity
	Message  string
}

// File is one linted file. Path is relative to the project root.
type File struct {
	Path string
	Data []byte
}

// Linter checks a set of files.
type Linter interface {
	Name() string
	Lint(ctx context.Context, files []File) ([]Violation, error)
}

// Rules maps rule names to severities.
type Rules map[string]Severity

// merge overlays configured severities on defaults.
func (r Rules) merge(overrides map[string]string) (Rules, error) {
	out := make(Rules, len(r))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range overrides {
		sev := Severity(v)
		switch sev {
		case SeverityError, SeverityWarn, SeverityOff:
		default:
			return nil, fmt.Errorf("rule %s: unknown severity %q", k, v)
		}
		if _, ok := r[k]; !ok {
			return nil, fmt.Errorf("unknown rule %s", k)
		}
		out[k] = sev
	}
	return out, nil
}

// reporter collects violations, dropping rules that are off.
type reporter struct {
	rules Rules
	out   []Violation
}

func (r *reporter) add(file string, line, col int, rule, format string, args ...any) {
	sev := r.rules[rule]
	if sev == "" || sev == SeverityOff {
		return
	}
	r.out = append(r.out, Violation{
		File:     file,
		Line:     line,
		Col:      col,
		Rule:     rule,
		Severity: sev,
		Message:  fmt.Sprintf(format, args...),
	})
}

// New builds the linter named by spec.Linter.
func New(spec api.LintSpec) (Linter, error) {
	switch spec.Linter {
	case "htmlhint":
		return NewHTMLLinter(spec.Rules)
	case "csslint":
		return NewCSSLinter(spec.Rules)
	case "eslint":
		return NewJSLinter(spec.Rules)
	case "exec":
		return NewExecLinter(spec.Command, spec.Args)
	default:
		return nil, fmt.Errorf("linter not registered: %s", spec.Linter)
	}
}

// Counts returns the number of errors and warnings.
func Counts(vs []Violation) (errs, warns int) {
	for _, v := range vs {
		switch v.Severity {
		case SeverityError:
			errs++
		case SeverityWarn:
			warns++
		}
	}
	return errs, warns
}

func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Col < b.Col
	})
}
