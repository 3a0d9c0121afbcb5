package pipeline

import (
	"slices"
	"time"

	"github.com/fixentropy-io/daggerverse/pkg/ciinfo"
)

// State is a stage a pipeline run has completed.
type State int

const (
	StateResolved State = iota + 1
	StateLinted
	StateTested
	StateBuilt
	StateVersionBumped
	StateArchived
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateResolved:
		return "resolved"
	case StateLinted:
		return "linted"
	case StateTested:
		return "tested"
	case StateBuilt:
		return "built"
	case StateVersionBumped:
		return "version_bumped"
	case StateArchived:
		return "archived"
	case StatePublished:
		return "published"
	}

	return "unknown"
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StepRecord describes one evaluated step.
type StepRecord struct {
	Name     string        `json:"name"`
	Command  string        `json:"command,omitempty"`
	Duration time.Duration `json:"duration"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Failed   bool          `json:"failed,omitempty"`
}

// Result describes a pipeline run. Entry points return a non-nil Result
// even when they fail, holding everything reached before the failure.
type Result struct {
	RunID string      `json:"runId"`
	Entry string      `json:"entry"`
	CI    ciinfo.Info `json:"ci"`

	States []State      `json:"states"`
	Steps  []StepRecord `json:"steps"`

	// Package is the published package name.
	Package string `json:"package,omitempty"`
	// Version is the normalized version the manifest was rewritten to.
	Version string `json:"version,omitempty"`
	// ArchiveKey is the object key of the archived tarball.
	ArchiveKey string `json:"archiveKey,omitempty"`

	// FailedStep names the step that aborted the run.
	FailedStep string        `json:"failedStep,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Reached reports whether the run completed state s.
func (r *Result) Reached(s State) bool {
	return slices.Contains(r.States, s)
}

// Succeeded reports whether the run finished without failing.
func (r *Result) Succeeded() bool {
	return r.FailedStep == ""
}
