// Package ciinfo reads identifiers of the CI run invoking a pipeline.
// They are informational: pipelines log them but never branch on them.
package ciinfo

import (
	"log/slog"
	"os"

	"github.com/google/uuid"
)

// Info identifies a CI run. Zero fields are unknown.
type Info struct {
	Repository string `json:"repository,omitempty"`
	Workflow   string `json:"workflow,omitempty"`
	SHA        string `json:"sha,omitempty"`
	RunID      string `json:"runId,omitempty"`
	Ref        string `json:"ref,omitempty"`
}

// FromEnv reads [Info] using getenv, typically [os.Getenv].
func FromEnv(getenv func(string) string) Info {
	if getenv == nil {
		getenv = os.Getenv
	}

	return Info{
		Repository: getenv("GITHUB_REPOSITORY"),
		Workflow:   getenv("GITHUB_WORKFLOW"),
		SHA:        getenv("GITHUB_SHA"),
		RunID:      getenv("GITHUB_RUN_ID"),
		Ref:        getenv("GITHUB_REF_NAME"),
	}
}

// RunIDOrNew returns the CI run id, or a random one when unknown.
func (i Info) RunIDOrNew() string {
	if i.RunID != "" {
		return i.RunID
	}

	return uuid.NewString()
}

// LogValue implements [slog.LogValuer], omitting unknown fields.
func (i Info) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 5)
	for _, kv := range []struct{ k, v string }{
		{"repository", i.Repository},
		{"workflow", i.Workflow},
		{"sha", i.SHA},
		{"run_id", i.RunID},
		{"ref", i.Ref},
	} {
		if kv.v != "" {
			attrs = append(attrs, slog.String(kv.k, kv.v))
		}
	}

	return slog.GroupValue(attrs...)
}
