package ciinfo_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixentropy-io/daggerverse/pkg/ciinfo"
)

func TestFromEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"GITHUB_REPOSITORY": "acme/pkg",
		"GITHUB_WORKFLOW":   "release",
		"GITHUB_SHA":        "abc123",
		"GITHUB_RUN_ID":     "42",
		"GITHUB_REF_NAME":   "main",
	}

	info := ciinfo.FromEnv(func(k string) string { return env[k] })
	assert.Equal(t, ciinfo.Info{
		Repository: "acme/pkg",
		Workflow:   "release",
		SHA:        "abc123",
		RunID:      "42",
		Ref:        "main",
	}, info)
	assert.Equal(t, "42", info.RunIDOrNew())
}

func TestRunIDFallback(t *testing.T) {
	t.Parallel()

	info := ciinfo.FromEnv(func(string) string { return "" })

	a, b := info.RunIDOrNew(), info.RunIDOrNew()
	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestLogValue(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logger.Info("run", slog.Any("ci", ciinfo.Info{Repository: "acme/pkg", SHA: "abc"}))

	assert.Contains(t, buf.String(), "ci.repository=acme/pkg")
	assert.Contains(t, buf.String(), "ci.sha=abc")
	assert.NotContains(t, buf.String(), "ci.workflow")
}
