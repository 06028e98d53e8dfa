package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/pkg/api"
)

// Task binds a TaskSpec to its Transformer and project paths. It is
// immutable after construction and safe to run from several goroutines, but
// callers serialize runs of the same task.
type Task struct {
	Spec        api.TaskSpec
	Transformer Transformer

	paths    Paths
	base     string
	dest     string
	options  Options
	detector *ChangeDetector
}

// NewTask validates spec and resolves its directories against paths.Root.
func NewTask(spec api.TaskSpec, tr Transformer, paths Paths) (*Task, error) {
	if spec.Name == "" {
		return nil, errors.New("task name is required")
	}
	if tr == nil {
		return nil, fmt.Errorf("task %s: nil transformer", spec.Name)
	}
	if len(spec.Src) == 0 {
		return nil, fmt.Errorf("task %s: no src patterns", spec.Name)
	}
	if spec.Dest == "" {
		return nil, fmt.Errorf("task %s: dest is required", spec.Name)
	}
	if paths.Root == "" {
		return nil, fmt.Errorf("task %s: project root is required", spec.Name)
	}

	base := spec.Base
	if base == "" {
		base = BaseOf(spec.Src[0])
	}
	t := &Task{
		Spec:        spec,
		Transformer: tr,
		paths:       paths,
		base:        strings.Trim(filepath.ToSlash(base), "/"),
		dest:        filepath.Join(paths.Root, filepath.FromSlash(spec.Dest)),
		options:     Options(spec.Options),
	}
	if t.options == nil {
		t.options = Options{}
	}
	if spec.Incremental {
		var name func(string) string
		if n, ok := tr.(OutputNamer); ok {
			name = func(rel string) string { return n.OutputName(rel, t.options) }
		}
		t.detector = NewChangeDetector(t.dest, name)
	}
	return t, nil
}

// Name returns the task name.
func (t *Task) Name() string { return t.Spec.Name }

// Dest returns the absolute output directory.
func (t *Task) Dest() string { return t.dest }

// WatchPatterns returns the pattern sets whose changes re-trigger the task:
// Src, then Watch when set.
func (t *Task) WatchPatterns() [][]string {
	if len(t.Spec.Watch) == 0 {
		return [][]string{t.Spec.Src}
	}
	return [][]string{t.Spec.Src, t.Spec.Watch}
}

// Resolve expands the task's globs into input files without reading them.
func (t *Task) Resolve() ([]File, error) {
	matches, err := Glob(t.paths.Root, t.Spec.Src)
	if err != nil {
		return nil, IOError(t.paths.Root, err)
	}
	files := make([]File, 0, len(matches))
	for _, m := range matches {
		abs := filepath.Join(t.paths.Root, filepath.FromSlash(m))
		info, err := os.Stat(abs)
		if err != nil {
			return nil, IOError(m, err)
		}
		rel := m
		if t.base != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(m, t.base), "/")
		}
		files = append(files, File{Path: rel, Abs: abs, ModTime: info.ModTime()})
	}
	return files, nil
}

// Run executes the task once. upstream carries the latest successful results
// of the tasks named in Spec.Needs.
func (t *Task) Run(ctx context.Context, upstream map[string]*Result) *Result {
	res := &Result{RunID: uuid.NewString(), Task: t.Spec.Name, Started: time.Now()}
	defer func() { res.Duration = time.Since(res.Started) }()

	files, err := t.Resolve()
	if err != nil {
		return res.fail(asTaskError(t.Spec.Name, err))
	}

	if t.detector != nil {
		var unchanged []string
		files, unchanged, err = t.detector.Filter(files)
		if err != nil {
			return res.fail(asTaskError(t.Spec.Name, err))
		}
		res.Unchanged = unchanged
		if len(files) == 0 {
			log.Debug().Str("task", t.Spec.Name).Int("unchanged", len(unchanged)).Msg("Nothing changed")
			res.Status = api.RunSucceeded
			return res
		}
	}

	for i := range files {
		data, err := os.ReadFile(files[i].Abs)
		if err != nil {
			return res.fail(asTaskError(t.Spec.Name, IOError(files[i].Abs, err)))
		}
		files[i].Data = data
	}

	outs, err := t.Transformer.Transform(ctx, &Input{
		Task:     t.Spec.Name,
		Files:    files,
		Paths:    t.paths,
		Dest:     t.dest,
		Maps:     t.Spec.Maps,
		Options:  t.options,
		Upstream: upstream,
	})
	if err != nil {
		return res.fail(asTaskError(t.Spec.Name, err))
	}

	written, err := t.commit(outs)
	if err != nil {
		return res.fail(asTaskError(t.Spec.Name, err))
	}
	res.Outputs = written
	res.Artifacts = make([]Artifact, 0, len(outs))
	for i, o := range outs {
		res.Artifacts = append(res.Artifacts, Artifact{Path: written[i], Data: o.Data})
	}
	res.Status = api.RunSucceeded
	return res
}

// commit stages every output inside dest, then renames them into place. The
// staging directory lives in dest so renames never cross filesystems and
// nothing is written outside dest.
func (t *Task) commit(outs []Output) ([]string, error) {
	if len(outs) == 0 {
		return nil, nil
	}
	finals := make([]string, len(outs))
	for i, o := range outs {
		rel := filepath.FromSlash(o.Path)
		if !filepath.IsLocal(rel) {
			return nil, Errorf(o.Path, "output path escapes %s", t.Spec.Dest)
		}
		finals[i] = filepath.Join(t.dest, rel)
	}

	if err := os.MkdirAll(t.dest, 0o755); err != nil {
		return nil, IOError(t.dest, err)
	}
	stage, err := os.MkdirTemp(t.dest, ".kiln-stage-")
	if err != nil {
		return nil, IOError(t.dest, err)
	}
	defer os.RemoveAll(stage)

	staged := make([]string, len(outs))
	for i, o := range outs {
		staged[i] = filepath.Join(stage, strconv.Itoa(i))
		if err := os.WriteFile(staged[i], o.Data, 0o644); err != nil {
			return nil, IOError(finals[i], err)
		}
	}
	for i := range outs {
		if err := os.MkdirAll(filepath.Dir(finals[i]), 0o755); err != nil {
			return nil, IOError(finals[i], err)
		}
		if err := os.Rename(staged[i], finals[i]); err != nil {
			return nil, IOError(finals[i], err)
		}
	}
	return finals, nil
}
