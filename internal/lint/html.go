package lint

import (
	"bytes"
	"context"
	"strings"

	"golang.org/x/net/html"
)

var htmlDefaults = Rules{
	"doctype-first":     SeverityError,
	"tagname-lowercase": SeverityError,
	"tag-pair":          SeverityError,
	"id-unique":         SeverityError,
	"alt-require":       SeverityError,
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"source": true, "track": true, "wbr": true,
}

// HTMLLinter checks markup with the rules of htmlhint's default set.
type HTMLLinter struct {
	rules Rules
}

func NewHTMLLinter(overrides map[string]string) (*HTMLLinter, error) {
	rules, err := htmlDefaults.merge(overrides)
	if err != nil {
		return nil, err
	}
	return &HTMLLinter{rules: rules}, nil
}

func (*HTMLLinter) Name() string { return "htmlhint" }

func (l *HTMLLinter) Lint(ctx context.Context, files []File) ([]Violation, error) {
	r := &reporter{rules: l.rules}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l.lintFile(r, f)
	}
	return r.out, nil
}

type openTag struct {
	name string
	line int
	col  int
}

func (l *HTMLLinter) lintFile(r *reporter, f File) {
	z := html.NewTokenizer(bytes.NewReader(f.Data))
	line, col := 1, 1
	sawContent := false
	ids := make(map[string]int)
	var stack []openTag

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		raw := z.Raw()
		tokLine, tokCol := line, col
		line, col = advance(line, col, raw)

		switch tt {
		case html.CommentToken:
			continue
		case html.TextToken:
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}
		}
		if !sawContent {
			sawContent = true
			if tt != html.DoctypeToken {
				r.add(f.Path, tokLine, tokCol, "doctype-first", "doctype must be declared first")
			}
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if name := rawTagName(raw); name != strings.ToLower(name) {
				r.add(f.Path, tokLine, tokCol, "tagname-lowercase", "tag name %s must be lowercase", name)
			}
			var hasAlt bool
			var typ string
			for _, a := range tok.Attr {
				switch a.Key {
				case "id":
					if prev, ok := ids[a.Val]; ok {
						r.add(f.Path, tokLine, tokCol, "id-unique", "id %q is already used on line %d", a.Val, prev)
					} else {
						ids[a.Val] = tokLine
					}
				case "alt":
					hasAlt = true
				case "type":
					typ = strings.ToLower(a.Val)
				}
			}
			if !hasAlt && (tok.Data == "img" || tok.Data == "area" || (tok.Data == "input" && typ == "image")) {
				r.add(f.Path, tokLine, tokCol, "alt-require", "alt attribute must be present on <%s>", tok.Data)
			}
			if tt == html.StartTagToken && !voidElements[tok.Data] {
				stack = append(stack, openTag{name: tok.Data, line: tokLine, col: tokCol})
			}
		case html.EndTagToken:
			name := rawTagName(raw)
			if name != strings.ToLower(name) {
				r.add(f.Path, tokLine, tokCol, "tagname-lowercase", "tag name %s must be lowercase", name)
			}
			name = strings.ToLower(name)
			match := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].name == name {
					match = i
					break
				}
			}
			if match < 0 {
				r.add(f.Path, tokLine, tokCol, "tag-pair", "tag must be paired, no start tag: [ </%s> ]", name)
				continue
			}
			for _, open := range stack[match+1:] {
				r.add(f.Path, open.line, open.col, "tag-pair", "tag must be paired, missing: [ </%s> ]", open.name)
			}
			stack = stack[:match]
		}
	}
	for _, open := range stack {
		r.add(f.Path, open.line, open.col, "tag-pair", "tag must be paired, missing: [ </%s> ]", open.name)
	}
}

// rawTagName extracts the tag name as written, preserving case.
func rawTagName(raw []byte) string {
	s := strings.TrimPrefix(strings.TrimPrefix(string(raw), "<"), "/")
	end := strings.IndexAny(s, " \t\r\n/>")
	if end < 0 {
		return s
	}
	return s[:end]
}

func advance(line, col int, b []byte) (int, int) {
	for _, c := range b {
		if c == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}
