// Package transform runs one class of source files through a Transformer and
// commits the results to the task's output directory.
//
// Transformers work purely in memory. A Task resolves its inputs, hands them
// to the transformer and only then writes, so a failing transform never
// touches previously written output.
package transform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/3cpo-dev/kiln/pkg/api"
)

// File is one resolved input.
type File struct {
	// Path is slash separated and relative to the task base.
	Path    string
	Abs     string
	ModTime time.Time
	Data    []byte
}

// Output is one produced file, relative to the task's output directory.
type Output struct {
	Path string
	Data []byte
}

// Artifact is a committed output kept in memory for downstream tasks.
type Artifact struct {
	// Path is the absolute path the artifact was written to.
	Path string
	Data []byte
}

// Input is everything a Transformer may look at.
type Input struct {
	Task    string
	Files   []File
	Paths   Paths
	Dest    string
	Maps    string
	Options Options
	// Upstream holds the latest successful results of the tasks this task
	// needs, keyed by task name. Missing entries mean the upstream task has
	// not succeeded in this process.
	Upstream map[string]*Result
}

// Transformer converts a set of input files into outputs.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, in *Input) ([]Output, error)
}

// OutputNamer is implemented by transformers whose output names differ from
// their input names. The change detector uses it to find the output of an
// input.
type OutputNamer interface {
	OutputName(rel string, opts Options) string
}

// Paths carries the project layout handed to every task at construction.
type Paths struct {
	// Root is the absolute project root all globs and dests are relative to.
	Root string
}

// Result is the outcome of one task run.
type Result struct {
	RunID     string
	Task      string
	Status    api.RunStatus
	Outputs   []string
	Unchanged []string
	Artifacts []Artifact
	Err       error
	Started   time.Time
	Duration  time.Duration
}

// OK reports whether the run succeeded.
func (r *Result) OK() bool { return r != nil && r.Status == api.RunSucceeded }

// Artifact returns the in-memory content written to abs, if any.
func (r *Result) Artifact(abs string) ([]byte, bool) {
	if r == nil {
		return nil, false
	}
	for _, a := range r.Artifacts {
		if a.Path == abs {
			return a.Data, true
		}
	}
	return nil, false
}

func (r *Result) fail(err error) *Result {
	r.Status = api.RunFailed
	r.Err = err
	return r
}

// Skipped is the Result of a task that did not run because upstream failed.
func Skipped(task, upstream string) *Result {
	return &Result{
		RunID:   uuid.NewString(),
		Task:    task,
		Status:  api.RunSkipped,
		Err:     &TaskError{Kind: ErrSkipped, Task: task, Err: fmt.Errorf("upstream task %s failed", upstream)},
		Started: time.Now(),
	}
}
