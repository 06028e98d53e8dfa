package ejs

import (
	"bytes"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

const maxIncludeDepth = 16

var (
	identRe  = regexp.MustCompile(`^[A-Za-z_$][\w$]*`)
	indexRe  = regexp.MustCompile(`^\[(\d+)\]`)
	keyRe    = regexp.MustCompile(`^\[(?:'([^']*)'|"([^"]*)")\]`)
	numberRe = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Engine renders the EJS subset: output tags, comments, literal "<%%",
// "-%>" newline trimming and include(). Expressions are string literals,
// numbers, or property paths rooted at a local, optionally chained with ||.
type Engine struct {
	// Load reads a template by absolute path. Used for includes.
	Load func(abs string) ([]byte, error)
}

// Locals maps a local name to its JSON value.
type Locals map[string][]byte

// Render renders src, which was read from abs.
func (e *Engine) Render(abs string, src []byte, locals Locals) ([]byte, error) {
	var buf bytes.Buffer
	if err := e.render(&buf, abs, src, locals, []string{abs}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *Engine) render(w *bytes.Buffer, abs string, src []byte, locals Locals, stack []string) error {
	pos := 0
	trimNext := false
	for pos < len(src) {
		open := bytes.Index(src[pos:], []byte("<%"))
		text := src[pos:]
		if open >= 0 {
			text = src[pos : pos+open]
		}
		if trimNext {
			text = trimLeadingNewline(text)
			trimNext = false
		}
		w.Write(text)
		if open < 0 {
			return nil
		}
		start := pos + open
		line := bytes.Count(src[:start], []byte("\n")) + 1
		rest := src[start+2:]

		if len(rest) > 0 && rest[0] == '%' {
			w.WriteString("<%")
			pos = start + 3
			continue
		}

		end := bytes.Index(rest, []byte("%>"))
		if end < 0 {
			return fmt.Errorf("line %d: unclosed tag", line)
		}
		body := string(rest[:end])
		pos = start + 2 + end + 2
		if strings.HasSuffix(body, "-") {
			body = body[:len(body)-1]
			trimNext = true
		}

		kind := byte(0)
		if len(body) > 0 {
			kind = body[0]
		}
		switch kind {
		case '#':
			continue
		case '=', '-':
			out, err := e.eval(strings.TrimSpace(body[1:]), abs, locals, stack)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			if kind == '=' {
				out = html.EscapeString(out)
			}
			w.WriteString(out)
		default:
			return fmt.Errorf("line %d: scriptlets are not supported: <%%%s%%>", line, body)
		}
	}
	return nil
}

func trimLeadingNewline(b []byte) []byte {
	if bytes.HasPrefix(b, []byte("\r\n")) {
		return b[2:]
	}
	if bytes.HasPrefix(b, []byte("\n")) {
		return b[1:]
	}
	return b
}

func (e *Engine) eval(expr, abs string, locals Locals, stack []string) (string, error) {
	expr = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(expr), ";"))
	for _, alt := range splitOr(expr) {
		v, err := e.evalOne(strings.TrimSpace(alt), abs, locals, stack)
		if err != nil {
			return "", err
		}
		if v != "" {
			return v, nil
		}
	}
	return "", nil
}

func (e *Engine) evalOne(expr, abs string, locals Locals, stack []string) (string, error) {
	switch {
	case expr == "":
		return "", nil
	case strings.HasPrefix(expr, "include(") && strings.HasSuffix(expr, ")"):
		name, ok := unquote(strings.TrimSpace(expr[len("include(") : len(expr)-1]))
		if !ok {
			return "", fmt.Errorf("include expects a quoted path: %s", expr)
		}
		return e.include(name, abs, locals, stack)
	case numberRe.MatchString(expr):
		return expr, nil
	}
	if s, ok := unquote(expr); ok {
		return s, nil
	}
	return lookup(expr, locals)
}

func (e *Engine) include(name, abs string, locals Locals, stack []string) (string, error) {
	if e.Load == nil {
		return "", fmt.Errorf("include %q: includes are disabled", name)
	}
	if filepath.Ext(name) == "" {
		name += ".ejs"
	}
	target := filepath.Join(filepath.Dir(abs), filepath.FromSlash(name))
	if len(stack) >= maxIncludeDepth {
		return "", fmt.Errorf("include %q: nesting deeper than %d", name, maxIncludeDepth)
	}
	for _, s := range stack {
		if s == target {
			return "", fmt.Errorf("include %q: cycle", name)
		}
	}
	src, err := e.Load(target)
	if err != nil {
		return "", fmt.Errorf("include %q: %w", name, err)
	}
	var buf bytes.Buffer
	if err := e.render(&buf, target, src, locals, append(stack, target)); err != nil {
		return "", fmt.Errorf("in %s: %w", name, err)
	}
	return buf.String(), nil
}

// lookup resolves a property path such as jsonData.pages[0].title.
func lookup(expr string, locals Locals) (string, error) {
	root := identRe.FindString(expr)
	if root == "" {
		return "", fmt.Errorf("unsupported expression: %s", expr)
	}
	doc, ok := locals[root]
	if !ok {
		return "", fmt.Errorf("%s is not defined", root)
	}

	var parts []string
	rest := expr[len(root):]
	for rest != "" {
		switch {
		case rest[0] == '.':
			id := identRe.FindString(rest[1:])
			if id == "" {
				return "", fmt.Errorf("unsupported expression: %s", expr)
			}
			parts = append(parts, gjson.Escape(id))
			rest = rest[1+len(id):]
		case indexRe.MatchString(rest):
			m := indexRe.FindStringSubmatch(rest)
			parts = append(parts, m[1])
			rest = rest[len(m[0]):]
		case keyRe.MatchString(rest):
			m := keyRe.FindStringSubmatch(rest)
			parts = append(parts, gjson.Escape(m[1]+m[2]))
			rest = rest[len(m[0]):]
		default:
			return "", fmt.Errorf("unsupported expression: %s", expr)
		}
	}

	var res gjson.Result
	if len(parts) == 0 {
		res = gjson.ParseBytes(doc)
	} else {
		res = gjson.GetBytes(doc, strings.Join(parts, "."))
	}
	switch res.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return res.Str, nil
	default:
		return res.Raw, nil
	}
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// splitOr splits on || outside quotes.
func splitOr(expr string) []string {
	var parts []string
	var quote byte
	last := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '|' && i+1 < len(expr) && expr[i+1] == '|':
			parts = append(parts, expr[last:i])
			last = i + 2
			i++
		}
	}
	return append(parts, expr[last:])
}
