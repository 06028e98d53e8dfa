package lint

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/kiln/internal/transform"
	"github.com/3cpo-dev/kiln/pkg/api"
)

// Stage is one step of the lint chain.
type Stage struct {
	Name   string
	Src    []string
	Linter Linter
}

// StageError reports the stage that stopped the chain.
type StageError struct {
	Stage    string
	Errors   int
	Warnings int
	Err      error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lint stage %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("lint stage %s: %d errors", e.Stage, e.Errors)
}

func (e *StageError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrLint
}

// Stages builds the chain from configuration, in order.
func Stages(root string, specs []api.LintSpec) ([]Stage, error) {
	stages := make([]Stage, 0, len(specs))
	for _, spec := range specs {
		l, err := New(spec)
		if err != nil {
			return nil, fmt.Errorf("lint stage %s: %w", spec.Name, err)
		}
		if e, ok := l.(*ExecLinter); ok {
			e.Dir = root
		}
		stages = append(stages, Stage{Name: spec.Name, Src: spec.Src, Linter: l})
	}
	return stages, nil
}

// Runner runs stages sequentially against a project root.
type Runner struct {
	Root string
	Out  io.Writer
}

// Run executes stages in order and stops at the first stage that reports an
// error-severity violation or fails to run. Later stages never run.
func (r *Runner) Run(ctx context.Context, stages []Stage) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		files, err := r.load(st.Src)
		if err != nil {
			return &StageError{Stage: st.Name, Err: err}
		}
		log.Debug().Str("stage", st.Name).Str("linter", st.Linter.Name()).Int("files", len(files)).Msg("Linting")

		vs, err := st.Linter.Lint(ctx, files)
		if err != nil {
			return &StageError{Stage: st.Name, Err: err}
		}
		if r.Out != nil {
			Report(r.Out, st.Name, vs)
		}
		errs, warns := Counts(vs)
		if errs > 0 {
			return &StageError{Stage: st.Name, Errors: errs, Warnings: warns}
		}
	}
	return nil
}

func (r *Runner) load(patterns []string) ([]File, error) {
	matches, err := transform.Glob(r.Root, patterns)
	if err != nil {
		return nil, err
	}
	files := make([]File, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(filepath.Join(r.Root, filepath.FromSlash(m)))
		if err != nil {
			return nil, transform.IOError(m, err)
		}
		files = append(files, File{Path: m, Data: data})
	}
	return files, nil
}
