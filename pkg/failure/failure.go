// Package failure defines the error categories shared by every pipeline
// component.
//
// Component packages declare their own sentinels by wrapping one of these
// categories, so callers can match either the specific failure or its
// category with [errors.Is].
package failure

import "errors"

var (
	// ErrConfiguration reports a missing or contradictory input combination.
	// It is always raised before any collaborator is contacted.
	ErrConfiguration = errors.New("configuration error")

	// ErrResolution reports a repository, branch, or tag lookup failure.
	ErrResolution = errors.New("resolution error")

	// ErrStepExecution reports a container command that exited non-zero.
	ErrStepExecution = errors.New("step execution error")

	// ErrAuthentication reports a rejected credential or a failed token
	// exchange.
	ErrAuthentication = errors.New("authentication error")
)

// Category returns the category sentinel err belongs to, or nil when err
// does not wrap any of them. Authentication takes precedence over step
// execution because a rejected publish token is both.
func Category(err error) error {
	for _, c := range []error{ErrConfiguration, ErrAuthentication, ErrResolution, ErrStepExecution} {
		if errors.Is(err, c) {
			return c
		}
	}

	return nil
}
