// Package engine describes execution environments and source trees as
// immutable values, and the collaborator that evaluates them.
//
// Pipeline steps build [Container] values layer by layer and hand them to an
// [Engine] for evaluation. The production engine is backed by Dagger (see
// package daggerengine); tests use the in-memory engine from package
// enginetest. Nothing in this package performs I/O.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by engines when a file, directory, repository, or
// branch does not exist.
var ErrNotFound = errors.New("not found")

// Engine evaluates containers and trees. Implementations must be safe for
// concurrent use by independent pipeline invocations.
type Engine interface {
	// Run evaluates every layer of c and returns the output captured from
	// its last exec. A command that exits non-zero yields an [*ExecError].
	Run(ctx context.Context, c Container) (Output, error)
	// ReadFile returns the contents of the text file at path within t.
	// Engines may transport contents as UTF-8 text, so invalid sequences
	// are not guaranteed to survive. Use ExportFile for binary files.
	ReadFile(ctx context.Context, t Tree, path string) ([]byte, error)
	// ExportFile returns the exact bytes of the file at path within t.
	ExportFile(ctx context.Context, t Tree, path string) ([]byte, error)
	// Tags lists the tags of the repository at url, in the order the git
	// service returns them.
	Tags(ctx context.Context, url string) ([]string, error)
}

// Output is the captured output of an exec.
type Output struct {
	Stdout string
	Stderr string
}

// ExecError reports a command that exited with a non-zero status. Stdout
// and Stderr hold the output captured before the command exited.
type ExecError struct {
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%q exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
}
