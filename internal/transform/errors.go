package transform

import (
	"errors"
	"fmt"
)

var (
	// ErrTransform marks bad input the transformer rejected.
	ErrTransform = errors.New("transform error")
	// ErrIO marks missing files, permissions and failed writes.
	ErrIO = errors.New("io error")
	// ErrSkipped marks a task that did not run because an upstream task failed.
	ErrSkipped = errors.New("skipped")
)

// TaskError is the error carried by a failed Result.
type TaskError struct {
	Kind error
	Task string
	Path string
	Err  error
}

func (e *TaskError) Error() string {
	msg := e.Kind.Error()
	if e.Task != "" {
		msg += ": task " + e.Task
	}
	if e.Path != "" {
		msg += ": " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause, so errors.Is works for
// ErrTransform as well as for fs.ErrNotExist.
func (e *TaskError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds a TransformError for path.
func Errorf(path, format string, args ...any) error {
	return &TaskError{Kind: ErrTransform, Path: path, Err: fmt.Errorf(format, args...)}
}

// IOError wraps err as an IOError for path.
func IOError(path string, err error) error {
	return &TaskError{Kind: ErrIO, Path: path, Err: err}
}

// asTaskError tags err with the task name, classifying untyped errors as
// transform errors.
func asTaskError(task string, err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		if te.Task == "" {
			te.Task = task
		}
		return te
	}
	return &TaskError{Kind: ErrTransform, Task: task, Err: err}
}
