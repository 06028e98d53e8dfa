package lint

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/kiln/pkg/api"
)

func byRule(vs []Violation) map[string][]Violation {
	out := make(map[string][]Violation)
	for _, v := range vs {
		out[v.Rule] = append(out[v.Rule], v)
	}
	return out
}

func TestHTMLRules(t *testing.T) {
	doc := "<!DOCTYPE html>\n<html><body>\n<DIV id=\"a\"></DIV><p id=\"a\">x</p>\n<img src=\"x.png\">\n<span>\n</body></html>"
	l, err := NewHTMLLinter(nil)
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "dist/index.html", Data: []byte(doc)}})
	require.NoError(t, err)

	rules := byRule(vs)
	assert.Len(t, rules["tagname-lowercase"], 2)
	assert.Empty(t, rules["doctype-first"])
	if assert.Len(t, rules["id-unique"], 1) {
		assert.Equal(t, 3, rules["id-unique"][0].Line)
	}
	if assert.Len(t, rules["alt-require"], 1) {
		assert.Equal(t, 4, rules["alt-require"][0].Line)
	}
	if assert.Len(t, rules["tag-pair"], 1) {
		assert.Equal(t, 5, rules["tag-pair"][0].Line)
		assert.Contains(t, rules["tag-pair"][0].Message, "</span>")
	}
	assert.Len(t, vs, 5)
}

func TestHTMLDoctypeFirstAndOverrides(t *testing.T) {
	l, err := NewHTMLLinter(map[string]string{"alt-require": "off", "doctype-first": "warn"})
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "a.html", Data: []byte("<!-- c -->\n<p><img src=x></p>")}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "doctype-first", vs[0].Rule)
	assert.Equal(t, SeverityWarn, vs[0].Severity)
	assert.Equal(t, 2, vs[0].Line)

	_, err = NewHTMLLinter(map[string]string{"alt-require": "loud"})
	assert.Error(t, err)
	_, err = NewHTMLLinter(map[string]string{"no-such-rule": "off"})
	assert.Error(t, err)
}

func TestCSSRules(t *testing.T) {
	src := "a { color: red; color: blue; }\n.b {}\n.c { margin: 0 !important; }\n@media (max-width: 10px) { .d { top: 0 } }\n"
	l, err := NewCSSLinter(nil)
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "site.css", Data: []byte(src)}})
	require.NoError(t, err)

	rules := byRule(vs)
	if assert.Len(t, rules["duplicate-properties"], 1) {
		assert.Equal(t, 1, rules["duplicate-properties"][0].Line)
	}
	if assert.Len(t, rules["empty-rules"], 1) {
		assert.Equal(t, 2, rules["empty-rules"][0].Line)
	}
	if assert.Len(t, rules["important"], 1) {
		assert.Equal(t, SeverityWarn, rules["important"][0].Severity)
		assert.Equal(t, 3, rules["important"][0].Line)
	}
	assert.Empty(t, rules["parse-error"])
}

func TestCSSParseErrors(t *testing.T) {
	l, _ := NewCSSLinter(nil)
	for _, src := range []string{"a { color: red;", "a { color: red; } }"} {
		vs, err := l.Lint(context.Background(), []File{{Path: "x.css", Data: []byte(src)}})
		require.NoError(t, err)
		assert.Len(t, byRule(vs)["parse-error"], 1, src)
	}
}

func TestJSRules(t *testing.T) {
	src := "var re = /a\"b/;\ndebugger;\nconsole.log(re);\n"
	l, err := NewJSLinter(nil)
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "app.js", Data: []byte(src)}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "no-debugger", vs[0].Rule)
	assert.Equal(t, 2, vs[0].Line)

	l, _ = NewJSLinter(map[string]string{"no-console": "warn"})
	vs, _ = l.Lint(context.Background(), []File{{Path: "app.js", Data: []byte(src)}})
	rules := byRule(vs)
	if assert.Len(t, rules["no-console"], 1) {
		assert.Equal(t, 3, rules["no-console"][0].Line)
		assert.Equal(t, 1, rules["no-console"][0].Col)
	}
}

func TestJSColumnsAfterRegExp(t *testing.T) {
	l, err := NewJSLinter(nil)
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "app.js", Data: []byte("x(/a/);debugger;")}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, 1, vs[0].Line)
	assert.Equal(t, 8, vs[0].Col)
}

func TestJSSyntaxError(t *testing.T) {
	l, _ := NewJSLinter(nil)
	vs, err := l.Lint(context.Background(), []File{{Path: "broken.js", Data: []byte("var a = 1;\nfunction (\n")}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "parse-error", vs[0].Rule)
	assert.Greater(t, vs[0].Line, 0)
}

type counting struct {
	Linter
	calls int
}

func (c *counting) Lint(ctx context.Context, files []File) ([]Violation, error) {
	c.calls++
	return c.Linter.Lint(ctx, files)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRunnerStopsAtFirstFailingStage(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dist", "index.html"), "<p>missing doctype</p>")
	writeFile(t, filepath.Join(root, "dist", "assets", "css", "site.css"), ".empty {}")
	writeFile(t, filepath.Join(root, "dist", "assets", "js", "app.js"), "debugger;")

	html, _ := NewHTMLLinter(nil)
	css, _ := NewCSSLinter(nil)
	js, _ := NewJSLinter(nil)
	markup, style, script := &counting{Linter: html}, &counting{Linter: css}, &counting{Linter: js}

	var out bytes.Buffer
	r := &Runner{Root: root, Out: &out}
	err := r.Run(context.Background(), []Stage{
		{Name: "markup", Src: []string{"dist/**/*.html"}, Linter: markup},
		{Name: "style", Src: []string{"dist/assets/**/*.css"}, Linter: style},
		{Name: "script", Src: []string{"dist/assets/**/*.js"}, Linter: script},
	})

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "markup", se.Stage)
	assert.True(t, errors.Is(err, ErrLint))
	assert.Equal(t, 1, markup.calls)
	assert.Equal(t, 0, style.calls)
	assert.Equal(t, 0, script.calls)
	assert.Contains(t, out.String(), "dist/index.html")
}

func TestRunnerPassesWithWarnings(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "dist", "a.css"), "a { top: 0 !important; }")
	stages, err := Stages(root, []api.LintSpec{{Name: "style", Linter: "csslint", Src: []string{"dist/*.css"}}})
	require.NoError(t, err)

	var out bytes.Buffer
	assert.NoError(t, (&Runner{Root: root, Out: &out}).Run(context.Background(), stages))
	assert.Contains(t, out.String(), "1 problems (0 errors, 1 warnings)")
}

func TestStagesRejectsUnknownLinter(t *testing.T) {
	_, err := Stages(t.TempDir(), []api.LintSpec{{Name: "x", Linter: "tslint"}})
	assert.Error(t, err)
}

func TestExecLinter(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	l, err := NewExecLinter("sh", []string{"-c", `echo "bad: $1"; exit 2`, "sh", "{files}"})
	require.NoError(t, err)
	vs, err := l.Lint(context.Background(), []File{{Path: "dist/a.html"}})
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, SeverityError, vs[0].Severity)
	assert.Contains(t, vs[0].Message, "bad: dist/a.html")

	ok, _ := NewExecLinter("sh", []string{"-c", "exit 0", "sh"})
	vs, err = ok.Lint(context.Background(), []File{{Path: "dist/a.html"}})
	assert.NoError(t, err)
	assert.Empty(t, vs)
}
