// Package sandbox abstracts how the execution endpoint runs a script: on the
// host as a plain subprocess, or isolated in a container (see the docker
// subpackage). The endpoint only deals with the Runner interface, so the
// streaming protocol is identical for every runner.
package sandbox

import (
	"context"
	"io"
)

// Spec describes one script run. Stdout and Stderr receive the process's
// output as it is produced; the runner must not buffer or reorder it.
type Spec struct {
	// ScriptPath is the absolute path of the script to run.
	ScriptPath string

	Stdout io.Writer
	Stderr io.Writer
}

// Proc is a started script process.
type Proc interface {
	// WriteInput feeds one line of stdin to the process. The runner appends
	// the line terminator.
	WriteInput(line string) error

	// Kill forcibly stops the process. Idempotent.
	Kill() error

	// Wait blocks until the process has exited and its output streams are
	// drained, and returns the exit code.
	Wait() (int, error)
}

// Runner starts script processes.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Proc, error)
}
