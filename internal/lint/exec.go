package lint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

const filesPlaceholder = "{files}"

// ExecLinter runs an external command over all files of a stage. Arguments
// equal to "{files}" expand to the file paths, which are appended otherwise.
// A non-zero exit is reported as one error carrying the command output.
type ExecLinter struct {
	command string
	args    []string
	// Dir is the working directory, normally the project root.
	Dir string
}

func NewExecLinter(command string, args []string) (*ExecLinter, error) {
	if command == "" {
		return nil, errors.New("exec linter: command is required")
	}
	return &ExecLinter{command: command, args: args}, nil
}

func (l *ExecLinter) Name() string { return "exec" }

func (l *ExecLinter) Lint(ctx context.Context, files []File) ([]Violation, error) {
	if len(files) == 0 {
		return nil, nil
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	var argv []string
	expanded := false
	for _, a := range l.args {
		if a == filesPlaceholder {
			argv = append(argv, paths...)
			expanded = true
			continue
		}
		argv = append(argv, a)
	}
	if !expanded {
		argv = append(argv, paths...)
	}

	cmd := exec.CommandContext(ctx, l.command, argv...)
	cmd.Dir = l.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return nil, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("run %s: %w", l.command, err)
	}
	return []Violation{{
		Rule:     l.command,
		Severity: SeverityError,
		Message:  fmt.Sprintf("exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(out.String())),
	}}, nil
}
