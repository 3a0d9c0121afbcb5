package npm

import (
	"fmt"
	"strings"

	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

var (
	ErrInstallFailed       = fmt.Errorf("%w: install failed", failure.ErrStepExecution)
	ErrScriptFailed        = fmt.Errorf("%w: script failed", failure.ErrStepExecution)
	ErrVersionUpdateFailed = fmt.Errorf("%w: version update failed", failure.ErrStepExecution)
	ErrPackFailed          = fmt.Errorf("%w: pack failed", failure.ErrStepExecution)
	ErrPublishFailed       = fmt.Errorf("%w: publish failed", failure.ErrStepExecution)

	// ErrPublishUnauthorized is a publish rejected for its credential. It
	// matches both [ErrPublishFailed] and [failure.ErrAuthentication].
	ErrPublishUnauthorized = fmt.Errorf("%w: %w", ErrPublishFailed, failure.ErrAuthentication)
)

// StepError reports a step whose command exited non-zero. The captured
// output is kept verbatim.
type StepError struct {
	// Step name, e.g. "lint" or "publish".
	Step     string
	Args     []string
	ExitCode int
	Stdout   string
	Stderr   string
	// Err is the step's sentinel, e.g. [ErrScriptFailed].
	Err error
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v: %q exited with code %d", e.Step, e.Err, strings.Join(e.Args, " "), e.ExitCode)
	if e.Stdout != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(e.Stdout)
	}
	if e.Stderr != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(e.Stderr)
	}

	return b.String()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// authFailureCodes are npm error codes for a rejected or missing credential.
var authFailureCodes = []string{"E401", "ENEEDAUTH", "EOTP"}

func isAuthFailure(output string) bool {
	for _, code := range authFailureCodes {
		if strings.Contains(output, code) {
			return true
		}
	}

	return false
}
