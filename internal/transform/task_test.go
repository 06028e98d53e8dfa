package transform

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/kiln/pkg/api"
)

// upperCSS fails on any input containing "{{", standing in for a stylesheet
// compiler hitting a syntax error.
type upperCSS struct{ calls int }

func (u *upperCSS) Name() string { return "upper" }

func (u *upperCSS) Transform(ctx context.Context, in *Input) ([]Output, error) {
	u.calls++
	var outs []Output
	for _, f := range in.Files {
		if bytes.Contains(f.Data, []byte("{{")) {
			return nil, Errorf(f.Path, "unexpected {{")
		}
		name := strings.TrimSuffix(f.Path, ".scss") + ".css"
		outs = append(outs, Output{Path: name, Data: bytes.ToUpper(f.Data)})
	}
	return outs, nil
}

func (u *upperCSS) OutputName(rel string, _ Options) string {
	return strings.TrimSuffix(rel, ".scss") + ".css"
}

type escaping struct{}

func (escaping) Name() string { return "escaping" }

func (escaping) Transform(ctx context.Context, in *Input) ([]Output, error) {
	return []Output{{Path: "ok.txt", Data: []byte("ok")}, {Path: "../evil.txt", Data: []byte("x")}}, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func newTestTask(t *testing.T, root string, spec api.TaskSpec, tr Transformer) *Task {
	t.Helper()
	task, err := NewTask(spec, tr, Paths{Root: root})
	if err != nil {
		t.Fatalf("NewTask: %v", err)
	}
	return task
}

func TestRunWritesOutputsRelativeToBase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/scss/a.scss"), "a{}")
	writeFile(t, filepath.Join(root, "src/scss/sub/b.scss"), "b{}")

	task := newTestTask(t, root, api.TaskSpec{Name: "sass", Src: []string{"src/scss/**/*.scss"}, Dest: "dist/css"}, &upperCSS{})
	res := task.Run(context.Background(), nil)
	if !res.OK() {
		t.Fatalf("run failed: %v", res.Err)
	}
	if len(res.Outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %v", res.Outputs)
	}
	got, err := os.ReadFile(filepath.Join(root, "dist/css/sub/b.css"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(got) != "B{}" {
		t.Fatalf("unexpected output %q", got)
	}
	if _, ok := res.Artifact(filepath.Join(root, "dist/css/a.css")); !ok {
		t.Fatalf("expected in-memory artifact for a.css")
	}
}

func TestFailedTransformLeavesPreviousOutputUntouched(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src/scss/a.scss")
	writeFile(t, src, "a{}")
	writeFile(t, filepath.Join(root, "src/scss/b.scss"), "b{}")

	task := newTestTask(t, root, api.TaskSpec{Name: "sass", Src: []string{"src/scss/**/*.scss"}, Dest: "dist/css"}, &upperCSS{})
	if res := task.Run(context.Background(), nil); !res.OK() {
		t.Fatalf("first run failed: %v", res.Err)
	}

	writeFile(t, src, "a{{ broken")
	writeFile(t, filepath.Join(root, "src/scss/b.scss"), "b{ changed }")
	res := task.Run(context.Background(), nil)
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if !errors.Is(res.Err, ErrTransform) {
		t.Fatalf("expected transform error, got %v", res.Err)
	}
	var te *TaskError
	if !errors.As(res.Err, &te) || te.Task != "sass" || te.Path != "a.scss" {
		t.Fatalf("unexpected error detail: %#v", res.Err)
	}
	if len(res.Outputs) != 0 {
		t.Fatalf("failed run reported outputs: %v", res.Outputs)
	}

	for name, want := range map[string]string{"a.css": "A{}", "b.css": "B{}"} {
		got, err := os.ReadFile(filepath.Join(root, "dist/css", name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(got) != want {
			t.Fatalf("%s was overwritten: %q", name, got)
		}
	}
	entries, _ := os.ReadDir(filepath.Join(root, "dist/css"))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".kiln-stage-") {
			t.Fatalf("staging dir left behind: %s", e.Name())
		}
	}
}

func TestCommitRejectsPathsOutsideDest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/a.txt"), "a")

	task := newTestTask(t, root, api.TaskSpec{Name: "x", Src: []string{"src/*.txt"}, Dest: "dist"}, escaping{})
	res := task.Run(context.Background(), nil)
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if _, err := os.Stat(filepath.Join(root, "evil.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("file written outside dest")
	}
	if _, err := os.Stat(filepath.Join(root, "dist/ok.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("partial commit after rejected output")
	}
}

func TestIncrementalRunIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/img/a.png"), "png")
	writeFile(t, filepath.Join(root, "src/img/b/c.jpg"), "jpg")
	past := time.Now().Add(-time.Hour)
	for _, p := range []string{"src/img/a.png", "src/img/b/c.jpg"} {
		if err := os.Chtimes(filepath.Join(root, p), past, past); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	task := newTestTask(t, root, api.TaskSpec{Name: "img", Src: []string{"src/img/**/*"}, Dest: "dist/img", Incremental: true}, Copy{})
	first := task.Run(context.Background(), nil)
	if !first.OK() || len(first.Outputs) != 2 {
		t.Fatalf("first run: %v %v", first.Err, first.Outputs)
	}
	before, err := os.Stat(filepath.Join(root, "dist/img/b/c.jpg"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	second := task.Run(context.Background(), nil)
	if !second.OK() {
		t.Fatalf("second run: %v", second.Err)
	}
	if len(second.Outputs) != 0 {
		t.Fatalf("expected zero writes, got %v", second.Outputs)
	}
	if len(second.Unchanged) != 2 {
		t.Fatalf("expected 2 unchanged inputs, got %v", second.Unchanged)
	}
	after, _ := os.Stat(filepath.Join(root, "dist/img/b/c.jpg"))
	if !after.ModTime().Equal(before.ModTime()) {
		t.Fatalf("output rewritten")
	}

	// Touching one input re-processes only that input.
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(root, "src/img/a.png"), future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	third := task.Run(context.Background(), nil)
	if len(third.Outputs) != 1 || len(third.Unchanged) != 1 {
		t.Fatalf("expected one rewrite, got outputs=%v unchanged=%v", third.Outputs, third.Unchanged)
	}
}

func TestChangeDetectorUsesOutputNamer(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/a.scss"), "a{}")
	past := time.Now().Add(-time.Hour)
	_ = os.Chtimes(filepath.Join(root, "src/a.scss"), past, past)

	tr := &upperCSS{}
	task := newTestTask(t, root, api.TaskSpec{Name: "sass", Src: []string{"src/*.scss"}, Dest: "dist", Incremental: true}, tr)
	task.Run(context.Background(), nil)
	task.Run(context.Background(), nil)
	if tr.calls != 1 {
		t.Fatalf("expected one transform call, got %d", tr.calls)
	}
}

func TestGlobHonoursExclusions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "src/ejs/index.ejs"), "")
	writeFile(t, filepath.Join(root, "src/ejs/_header.ejs"), "")
	writeFile(t, filepath.Join(root, "src/ejs/sub/_footer.ejs"), "")
	writeFile(t, filepath.Join(root, "src/ejs/sub/page.ejs"), "")

	patterns := []string{"src/ejs/**/*.ejs", "!src/ejs/**/_*.ejs"}
	got, err := Glob(root, patterns)
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	want := []string{"src/ejs/index.ejs", "src/ejs/sub/page.ejs"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("got %v want %v", got, want)
	}
	if Match(patterns, "src/ejs/_header.ejs") {
		t.Fatalf("excluded path matched")
	}
	if !Match(patterns, "src/ejs/sub/page.ejs") {
		t.Fatalf("included path not matched")
	}
	if BaseOf(patterns[0]) != "src/ejs" {
		t.Fatalf("unexpected base %q", BaseOf(patterns[0]))
	}
}

func TestMissingInputIsIOError(t *testing.T) {
	err := IOError("dist/setting.json", fs.ErrNotExist)
	if !errors.Is(err, ErrIO) || !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("IOError does not unwrap: %v", err)
	}
}
