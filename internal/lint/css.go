package lint

import (
	"context"
	"io"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

var cssDefaults = Rules{
	"parse-error":          SeverityError,
	"empty-rules":          SeverityError,
	"duplicate-properties": SeverityError,
	"important":            SeverityWarn,
}

// at-rules whose block holds declarations rather than rulesets
var declarationAtRules = map[string]bool{
	"@font-face": true, "@page": true, "@viewport": true, "@counter-style": true, "@property": true,
}

// CSSLinter checks stylesheets with a subset of csslint's rules.
type CSSLinter struct {
	rules Rules
}

func NewCSSLinter(overrides map[string]string) (*CSSLinter, error) {
	rules, err := cssDefaults.merge(overrides)
	if err != nil {
		return nil, err
	}
	return &CSSLinter{rules: rules}, nil
}

func (*CSSLinter) Name() string { return "csslint" }

func (l *CSSLinter) Lint(ctx context.Context, files []File) ([]Violation, error) {
	r := &reporter{rules: l.rules}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lintCSS(r, f)
	}
	return r.out, nil
}

type cssBlock struct {
	decls     bool
	line, col int
	count     int
	props     map[string]int
}

func lintCSS(r *reporter, f File) {
	lx := css.NewLexer(parse.NewInputBytes(f.Data))
	line, col := 1, 1

	var stack []*cssBlock
	var stmt []string
	inDecl, bang := false, false
	var stmtLine, stmtCol int

	reset := func() {
		stmt = stmt[:0]
		inDecl, bang = false, false
	}

	for {
		tt, data := lx.Next()
		tokLine, tokCol := line, col
		line, col = advance(line, col, data)

		if tt == css.ErrorToken {
			if err := lx.Err(); err != nil && err != io.EOF {
				r.add(f.Path, tokLine, tokCol, "parse-error", "%v", err)
			}
			break
		}
		var top *cssBlock
		if len(stack) > 0 {
			top = stack[len(stack)-1]
		}

		switch tt {
		case css.WhitespaceToken, css.CommentToken, css.LeftBraceToken, css.RightBraceToken, css.SemicolonToken:
		default:
			if len(stmt) == 0 {
				stmtLine, stmtCol = tokLine, tokCol
			}
		}

		switch tt {
		case css.WhitespaceToken, css.CommentToken:
		case css.BadStringToken:
			r.add(f.Path, tokLine, tokCol, "parse-error", "unterminated string")
		case css.BadURLToken:
			r.add(f.Path, tokLine, tokCol, "parse-error", "malformed url()")
		case css.LeftBraceToken:
			decls := len(stmt) == 0 || !strings.HasPrefix(stmt[0], "@") || declarationAtRules[strings.ToLower(stmt[0])]
			stack = append(stack, &cssBlock{decls: decls, line: stmtLine, col: stmtCol, props: make(map[string]int)})
			reset()
		case css.RightBraceToken:
			if top == nil {
				r.add(f.Path, tokLine, tokCol, "parse-error", "unexpected }")
				reset()
				continue
			}
			if top.decls && top.count == 0 {
				r.add(f.Path, top.line, top.col, "empty-rules", "rule is empty")
			}
			stack = stack[:len(stack)-1]
			reset()
		case css.SemicolonToken:
			reset()
		case css.ColonToken:
			if top != nil && top.decls && !inDecl && len(stmt) == 1 {
				prop := strings.ToLower(stmt[0])
				if prev, ok := top.props[prop]; ok && !strings.HasPrefix(prop, "--") {
					r.add(f.Path, stmtLine, stmtCol, "duplicate-properties", "duplicate property %s, first declared on line %d", prop, prev)
				} else {
					top.props[prop] = stmtLine
				}
				top.count++
				inDecl = true
			}
			stmt = append(stmt, ":")
		case css.DelimToken:
			bang = inDecl && string(data) == "!"
			stmt = append(stmt, string(data))
		default:
			if bang && tt == css.IdentToken && strings.EqualFold(string(data), "important") {
				r.add(f.Path, tokLine, tokCol, "important", "use of !important")
			}
			bang = false
			stmt = append(stmt, string(data))
		}
	}

	for _, b := range stack {
		r.add(f.Path, b.line, b.col, "parse-error", "unclosed block")
	}
}
