package ejs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/kiln/internal/transform"
	"github.com/3cpo-dev/kiln/pkg/api"
)

func template(t *testing.T, root, rel, content string) transform.File {
	t.Helper()
	abs := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return transform.File{Path: filepath.Base(rel), Abs: abs, Data: []byte(content)}
}

func render(t *testing.T, root string, opts transform.Options, upstream map[string]*transform.Result, files ...transform.File) ([]transform.Output, error) {
	t.Helper()
	return New().Transform(context.Background(), &transform.Input{
		Task:     "ejs",
		Files:    files,
		Paths:    transform.Paths{Root: root},
		Options:  opts,
		Upstream: upstream,
	})
}

func TestRendersUpstreamArtifact(t *testing.T) {
	root := t.TempDir()
	f := template(t, root, "src/ejs/index.ejs", "<p><%= jsonData.site %></p>")
	up := map[string]*transform.Result{"json": {
		Task:   "json",
		Status: api.RunSucceeded,
		Artifacts: []transform.Artifact{{
			Path: filepath.Join(root, "dist", "assets", "data", "setting.json"),
			Data: []byte(`{"site":"x"}`),
		}},
	}}

	outs, err := render(t, root, transform.Options{"data": "dist/assets/data/setting.json"}, up, f)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "index.html", outs[0].Path)
	assert.Equal(t, "<p>x</p>", string(outs[0].Data))
}

func TestFallsBackToDataOnDisk(t *testing.T) {
	root := t.TempDir()
	template(t, root, "dist/assets/data/setting.json", `{"site":"disk"}`)
	f := template(t, root, "src/ejs/index.ejs", "<%= jsonData.site %>")

	outs, err := render(t, root, transform.Options{"data": "dist/assets/data/setting.json"}, nil, f)
	require.NoError(t, err)
	assert.Equal(t, "disk", string(outs[0].Data))
}

func TestMissingDataIsIOError(t *testing.T) {
	root := t.TempDir()
	f := template(t, root, "src/ejs/index.ejs", "<%= jsonData.site %>")

	_, err := render(t, root, transform.Options{"data": "dist/assets/data/setting.json"}, nil, f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transform.ErrIO))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestTags(t *testing.T) {
	root := t.TempDir()
	src := "<%# note %><h1><%= jsonData.title %></h1>\n" +
		"<%- jsonData.title -%>\n" +
		"<%% literal %>\n" +
		"<%= jsonData.missing.deep %>|<%= jsonData.subtitle || 'none' %>|<%= jsonData.list[1] %>|<%= jsonData['a key'] %>"
	f := template(t, root, "src/ejs/index.ejs", src)
	template(t, root, "data.json", `{"title":"<b>Hi</b>","list":["a","b"],"a key":7}`)

	outs, err := render(t, root, transform.Options{"data": "data.json"}, nil, f)
	require.NoError(t, err)
	want := "<h1>&lt;b&gt;Hi&lt;/b&gt;</h1>\n" +
		"<b>Hi</b>" +
		"<% literal %>\n" +
		"|none|b|7"
	assert.Equal(t, want, string(outs[0].Data))
}

func TestInclude(t *testing.T) {
	root := t.TempDir()
	template(t, root, "src/ejs/_inc/_head.ejs", "<title><%= jsonData.site %></title>")
	f := template(t, root, "src/ejs/index.ejs", `<head><%- include('_inc/_head') %></head>`)
	template(t, root, "data.json", `{"site":"kiln"}`)

	outs, err := render(t, root, transform.Options{"data": "data.json"}, nil, f)
	require.NoError(t, err)
	assert.Equal(t, "<head><title>kiln</title></head>", string(outs[0].Data))
}

func TestIncludeCycle(t *testing.T) {
	root := t.TempDir()
	template(t, root, "src/_a.ejs", `<%- include('_b') %>`)
	template(t, root, "src/_b.ejs", `<%- include('_a') %>`)
	f := template(t, root, "src/index.ejs", `<%- include('_a') %>`)

	_, err := render(t, root, nil, nil, f)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transform.ErrTransform))
	assert.Contains(t, err.Error(), "cycle")
}

func TestUnknownLocalAndScriptlet(t *testing.T) {
	root := t.TempDir()
	for _, src := range []string{"<%= site.name %>", "<% if (x) { %>", "<%= jsonData.a"} {
		f := template(t, root, "src/index.ejs", src)
		_, err := render(t, root, nil, nil, f)
		if assert.Error(t, err, src) {
			assert.True(t, errors.Is(err, transform.ErrTransform), src)
		}
	}
}

func TestCustomLocal(t *testing.T) {
	root := t.TempDir()
	f := template(t, root, "src/index.ejs", "<%= site.name %>")
	template(t, root, "data.json", `{"name":"n"}`)

	outs, err := render(t, root, transform.Options{"data": "data.json", "local": "site", "ext": ".htm"}, nil, f)
	require.NoError(t, err)
	assert.Equal(t, "index.htm", outs[0].Path)
	assert.Equal(t, "n", string(outs[0].Data))
}

func TestPages(t *testing.T) {
	root := t.TempDir()
	f := template(t, root, "src/ejs/temp/template.ejs", "<h1><%= jsonData.title %></h1>")
	template(t, root, "dist/assets/data/template.json", `{"pages":[{"id":"a","title":"A"},{"id":"b","title":"B"}]}`)

	opts := transform.Options{"pages": map[string]any{"data": "dist/assets/data/template.json"}}
	outs, err := render(t, root, opts, nil, f)
	require.NoError(t, err)
	require.Len(t, outs, 2)
	assert.Equal(t, "a.html", outs[0].Path)
	assert.Equal(t, "<h1>A</h1>", string(outs[0].Data))
	assert.Equal(t, "b.html", outs[1].Path)
	assert.Equal(t, "<h1>B</h1>", string(outs[1].Data))
}

func TestPagesRequiresID(t *testing.T) {
	root := t.TempDir()
	f := template(t, root, "src/template.ejs", "x")
	template(t, root, "pages.json", `{"pages":[{"title":"A"}]}`)

	_, err := render(t, root, transform.Options{"pages": map[string]any{"data": "pages.json"}}, nil, f)
	assert.True(t, errors.Is(err, transform.ErrTransform))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "about/index.html", New().OutputName("about/index.ejs", nil))
}
