package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/kiln/internal/lint"
)

const siteYAML = `
tasks:
  - name: json
    transformer: jsonmerge
    src: ["src/assets/data/**/*.json"]
    dest: dist/assets/data
    options:
      file: setting.json
  - name: ejs
    transformer: ejs
    src: ["src/ejs/**/*.ejs", "!src/ejs/**/_*.ejs"]
    base: src/ejs
    dest: dist
    needs: [json]
    options:
      data: dist/assets/data/setting.json
`

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--log", "error"))
	err := root.Execute()
	return out.String(), err
}

func newSite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write(t, dir, "kiln.yaml", siteYAML)
	write(t, dir, "src/assets/data/site.json", `{"site":"x"}`)
	write(t, dir, "src/ejs/index.ejs", "<!DOCTYPE html>\n<html><body><h1><%= jsonData.site %></h1></body></html>\n")
	write(t, dir, "src/ejs/_partial.ejs", "ignored")
	return dir
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "kiln "+version) {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestBuildThenStatus(t *testing.T) {
	dir := newSite(t)
	out, err := run(t, "build", "--dir", dir)
	if err != nil {
		t.Fatalf("build: %v\n%s", err, out)
	}
	b, err := os.ReadFile(filepath.Join(dir, "dist", "index.html"))
	if err != nil || !strings.Contains(string(b), "<h1>x</h1>") {
		t.Fatalf("unexpected output %q %v", b, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "dist", "_partial.html")); !os.IsNotExist(err) {
		t.Fatalf("partials must not be rendered: %v", err)
	}

	out, err = run(t, "status", "--dir", dir)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"json", "ejs", "succeeded"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestBuildSingleTemplateNeedsData(t *testing.T) {
	dir := newSite(t)
	if _, err := run(t, "build", "ejs", "--dir", dir); err == nil {
		t.Fatal("template alone should fail before the data was ever merged")
	}
	if out, err := run(t, "build", "ejs", "--with-deps", "--dir", dir); err != nil {
		t.Fatalf("build with deps: %v\n%s", err, out)
	}
	if _, err := run(t, "build", "nope", "--dir", dir); err == nil {
		t.Fatal("expected unknown task error")
	}
}

func TestLintStopsAtMarkup(t *testing.T) {
	dir := newSite(t)
	write(t, dir, "dist/index.html", "<html><body><img src=a.png></body></html>")
	write(t, dir, "dist/assets/css/site.css", "a{}")

	out, err := run(t, "lint", "--dir", dir)
	var se *lint.StageError
	if !errors.As(err, &se) || se.Stage != "markup" {
		t.Fatalf("expected markup stage failure, got %v", err)
	}
	if !errors.Is(err, lint.ErrLint) {
		t.Fatalf("expected lint error kind, got %v", err)
	}
	if strings.Contains(out, "empty-rules") {
		t.Fatalf("style stage should not have run:\n%s", out)
	}
}

func TestTasksListsExecutionOrder(t *testing.T) {
	dir := newSite(t)
	out, err := run(t, "tasks", "--dir", dir)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if i, j := strings.Index(out, "json"), strings.Index(out, "ejs "); i < 0 || j < 0 || i > j {
		t.Fatalf("json should be listed before ejs:\n%s", out)
	}
	if !strings.Contains(out, "needs: json") {
		t.Fatalf("missing needs line:\n%s", out)
	}
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "init", "--dir", dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "kiln.yaml")); err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if fi, err := os.Stat(filepath.Join(dir, "src", "assets", "scss")); err != nil || !fi.IsDir() {
		t.Fatalf("source dirs not created: %v", err)
	}
	if _, err := run(t, "init", "--dir", dir); err == nil {
		t.Fatal("second init should refuse to overwrite")
	}
	out, err := run(t, "tasks", "--dir", dir)
	if err != nil || !strings.Contains(out, "imagemin") {
		t.Fatalf("written config should load: %v\n%s", err, out)
	}
}

func TestDeployDryRun(t *testing.T) {
	dir := newSite(t)
	write(t, dir, "dist/index.html", "<p>hi</p>")
	out, err := run(t, "deploy", "--dry-run", "--dir", dir)
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if !strings.Contains(out, "index.html") || !strings.Contains(out, "1 changed") {
		t.Fatalf("unexpected plan output:\n%s", out)
	}
}

func TestCompletion(t *testing.T) {
	out, err := run(t, "completion", "bash")
	if err != nil || !strings.Contains(out, "kiln") {
		t.Fatalf("completion: %v", err)
	}
	if _, err := run(t, "completion", "tcsh"); err == nil {
		t.Fatal("expected unsupported shell error")
	}
}
