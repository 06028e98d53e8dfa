// Package minify shrinks stylesheets, scripts, markup, SVG and JSON in process.
package minify

import (
	"context"
	"path"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"

	"github.com/3cpo-dev/kiln/internal/transform"
)

var mediatypes = map[string]string{
	".css":  "text/css",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".html": "text/html",
	".htm":  "text/html",
	".svg":  "image/svg+xml",
	".json": "application/json",
}

// Transformer minifies by extension and copies anything else.
type Transformer struct {
	m *minify.M
}

func New() *Transformer {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("application/javascript", js.Minify)
	m.Add("text/html", &html.Minifier{KeepDocumentTags: true, KeepEndTags: true, KeepQuotes: true})
	m.AddFunc("image/svg+xml", svg.Minify)
	m.AddFunc("application/json", json.Minify)
	return &Transformer{m: m}
}

func (*Transformer) Name() string { return "minify" }

func (t *Transformer) Transform(ctx context.Context, in *transform.Input) ([]transform.Output, error) {
	outs := make([]transform.Output, 0, len(in.Files))
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mt, ok := mediatypes[strings.ToLower(path.Ext(f.Path))]
		if !ok {
			outs = append(outs, transform.Output{Path: f.Path, Data: f.Data})
			continue
		}
		b, err := t.m.Bytes(mt, f.Data)
		if err != nil {
			return nil, transform.Errorf(f.Path, "%v", err)
		}
		outs = append(outs, transform.Output{Path: f.Path, Data: b})
	}
	return outs, nil
}
