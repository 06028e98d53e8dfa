package lint

import (
	"context"
	"errors"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/js"
)

var jsDefaults = Rules{
	"parse-error": SeverityError,
	"no-debugger": SeverityError,
	"no-console":  SeverityOff,
}

// JSLinter checks scripts for syntax errors and a few eslint rules.
type JSLinter struct {
	rules Rules
}

func NewJSLinter(overrides map[string]string) (*JSLinter, error) {
	rules, err := jsDefaults.merge(overrides)
	if err != nil {
		return nil, err
	}
	return &JSLinter{rules: rules}, nil
}

func (*JSLinter) Name() string { return "eslint" }

func (l *JSLinter) Lint(ctx context.Context, files []File) ([]Violation, error) {
	r := &reporter{rules: l.rules}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := js.Parse(parse.NewInputBytes(f.Data), js.Options{}); err != nil {
			var perr *parse.Error
			if errors.As(err, &perr) {
				r.add(f.Path, perr.Line, perr.Column, "parse-error", "%s", perr.Message)
			} else {
				r.add(f.Path, 0, 0, "parse-error", "%v", err)
			}
			continue
		}
		scanJS(r, f)
	}
	return r.out, nil
}

// operand tokens after which "/" divides rather than starting a regexp
var operandTokens = map[js.TokenType]bool{
	js.IdentifierToken:   true,
	js.StringToken:       true,
	js.DecimalToken:      true,
	js.TemplateToken:     true,
	js.TemplateEndToken:  true,
	js.ThisToken:         true,
	js.CloseParenToken:   true,
	js.CloseBracketToken: true,
	js.CloseBraceToken:   true,
}

func scanJS(r *reporter, f File) {
	lx := js.NewLexer(parse.NewInputBytes(f.Data))
	line, col := 1, 1
	prev := js.ErrorToken
	var prevData string

	for {
		tt, data := lx.Next()
		if tt == js.ErrorToken {
			return
		}
		tokLine, tokCol := line, col
		line, col = advance(line, col, data)
		if (tt == js.DivToken || tt == js.DivEqToken) && !operandTokens[prev] {
			// the regexp data restarts at the slash
			tt, data = lx.RegExp()
			line, col = advance(tokLine, tokCol, data)
		}

		switch tt {
		case js.WhitespaceToken, js.LineTerminatorToken, js.CommentToken, js.CommentLineTerminatorToken:
			continue
		case js.DebuggerToken:
			r.add(f.Path, tokLine, tokCol, "no-debugger", "unexpected 'debugger' statement")
		case js.DotToken:
			if prev == js.IdentifierToken && prevData == "console" {
				r.add(f.Path, tokLine, tokCol-len("console"), "no-console", "unexpected console statement")
			}
		}
		prev, prevData = tt, string(data)
	}
}
