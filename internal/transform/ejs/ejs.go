// Package ejs renders EJS templates against JSON data produced upstream.
package ejs

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/3cpo-dev/kiln/internal/transform"
)

// Transformer renders each input template to HTML.
//
// Options:
//
//	data   JSON data file relative to the project root, exposed as local
//	local  name of the data local (default "jsonData")
//	ext    output extension (default ".html")
//	pages  bulk mode table {data, key, id}: renders each template once per
//	       element of the array at key, named after the element's id field
type Transformer struct{}

func New() *Transformer { return &Transformer{} }

func (*Transformer) Name() string { return "ejs" }

func (*Transformer) OutputName(rel string, opts transform.Options) string {
	return strings.TrimSuffix(rel, path.Ext(rel)) + opts.String("ext", ".html")
}

func (t *Transformer) Transform(ctx context.Context, in *transform.Input) ([]transform.Output, error) {
	local := in.Options.String("local", "jsonData")
	ext := in.Options.String("ext", ".html")
	engine := &Engine{Load: os.ReadFile}

	if pages := in.Options.Map("pages"); pages != nil {
		return t.renderPages(ctx, in, engine, pages, local, ext)
	}

	data, err := loadData(in, in.Options.String("data", ""))
	if err != nil {
		return nil, err
	}
	outs := make([]transform.Output, 0, len(in.Files))
	for _, f := range in.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		html, err := engine.Render(f.Abs, f.Data, Locals{local: data})
		if err != nil {
			return nil, transform.Errorf(f.Path, "%v", err)
		}
		outs = append(outs, transform.Output{Path: t.OutputName(f.Path, in.Options), Data: html})
	}
	return outs, nil
}

func (t *Transformer) renderPages(ctx context.Context, in *transform.Input, engine *Engine, pages transform.Options, local, ext string) ([]transform.Output, error) {
	src := pages.String("data", in.Options.String("data", ""))
	doc, err := loadData(in, src)
	if err != nil {
		return nil, err
	}
	key := pages.String("key", "pages")
	idKey := pages.String("id", "id")
	list := gjson.GetBytes(doc, gjson.Escape(key))
	if !list.IsArray() {
		return nil, transform.Errorf(src, "%s is not an array", key)
	}

	var outs []transform.Output
	for _, f := range in.Files {
		for i, page := range list.Array() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			id := page.Get(gjson.Escape(idKey)).String()
			if id == "" {
				return nil, transform.Errorf(src, "%s[%d] has no %s", key, i, idKey)
			}
			html, err := engine.Render(f.Abs, f.Data, Locals{local: []byte(page.Raw)})
			if err != nil {
				return nil, transform.Errorf(f.Path, "page %s: %v", id, err)
			}
			outs = append(outs, transform.Output{Path: path.Join(path.Dir(f.Path), id+ext), Data: html})
		}
	}
	return outs, nil
}

// loadData prefers the in-memory artifact of an upstream task and falls back
// to the file on disk. A missing file is an IOError wrapping fs.ErrNotExist.
func loadData(in *transform.Input, rel string) ([]byte, error) {
	if rel == "" {
		return []byte("{}"), nil
	}
	abs := filepath.Join(in.Paths.Root, filepath.FromSlash(rel))
	for _, up := range in.Upstream {
		if b, ok := up.Artifact(abs); ok {
			return b, nil
		}
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return nil, transform.IOError(rel, err)
	}
	if !gjson.ValidBytes(b) {
		return nil, transform.Errorf(rel, "invalid JSON data")
	}
	return b, nil
}
