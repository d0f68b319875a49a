package core

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every stage of the pipeline. Callers match them with
// errors.Is; each stage wraps them with context.
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrFormat      = errors.New("format error")
	ErrProcess     = errors.New("engine process failed")
	ErrCancelled   = errors.New("job cancelled")
	ErrOverheated  = errors.New("job stopped: gpu thermal emergency")
	ErrTimedOut    = errors.New("job timed out")
	ErrMerge       = errors.New("merge error")
	ErrPersistence = errors.New("persistence error")
	ErrJobConflict = errors.New("another job is already running")
)

const maxCapturedOutput = 4096

// ProcessError reports a non-zero exit of the external engine after an
// unsupervised run.
type ProcessError struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "%s: exit code %d", ErrProcess.Error(), e.ExitCode)

	if e.Err != nil {
		fmt.Fprintf(&builder, " (%v)", e.Err)
	}

	if stderr := tail(e.Stderr); stderr != "" {
		fmt.Fprintf(&builder, ": stderr: %s", stderr)
	}

	return builder.String()
}

// Unwrap exposes both the ErrProcess kind and the underlying exec error.
func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcess}
	}

	return []error{ErrProcess, e.Err}
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxCapturedOutput {
		return output
	}

	return "..." + output[len(output)-maxCapturedOutput:]
}

// kinds is ordered so the most specific kind wins.
var kinds = []struct {
	err  error
	name string
}{
	{ErrJobConflict, "conflict"},
	{ErrCancelled, "cancelled"},
	{ErrOverheated, "overheated"},
	{ErrTimedOut, "timed_out"},
	{ErrProcess, "process"},
	{ErrMerge, "merge"},
	{ErrFormat, "format"},
	{ErrNotFound, "not_found"},
	{ErrValidation, "validation"},
	{ErrPersistence, "persistence"},
}

// Kind returns a stable identifier for the error's kind, or "internal" when
// the error does not belong to the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}

	for _, kind := range kinds {
		if errors.Is(err, kind.err) {
			return kind.name
		}
	}

	return "internal"
}
