// Package tag resolves and normalizes release tags.
package tag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

// ErrNoTagsFound is returned by [Resolver.Latest] for a repository without
// tags.
var ErrNoTagsFound = fmt.Errorf("%w: no tags found", failure.ErrResolution)

// Normalize strips exactly one leading "v" from t. Normalize is idempotent
// for every tag that does not start with "vv".
//
// For example, "v1.2.3" and "1.2.3" both yield "1.2.3".
func Normalize(t string) string {
	return strings.TrimPrefix(t, "v")
}

// Resolver looks up tags through an [engine.Engine]. Create instances with
// [NewResolver].
type Resolver struct {
	engine engine.Engine
	logger *slog.Logger
}

// NewResolver creates a new [Resolver].
func NewResolver(e engine.Engine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{engine: e, logger: logger}
}

// Latest returns the most recently created tag of the repository at url,
// which is the last entry of the git service's tag listing. Listing order
// is not semantic-version order; when the listing holds a tag with a higher
// version than the one returned, a warning is logged and the listing result
// is still returned.
func (r *Resolver) Latest(ctx context.Context, url string) (string, error) {
	tags, err := r.engine.Tags(ctx, url)
	if err != nil {
		return "", fmt.Errorf("%w: %w", failure.ErrResolution, err)
	}

	if len(tags) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoTagsFound, url)
	}

	latest := tags[len(tags)-1]
	if highest := Highest(tags); highest != "" && highest != latest {
		r.logger.Warn("latest listed tag is not the highest version",
			slog.String("url", url),
			slog.String("latest", latest),
			slog.String("highest", highest),
		)
	}

	r.logger.Debug("resolved latest tag", slog.String("url", url), slog.String("tag", latest))

	return latest, nil
}

// Highest returns the tag with the highest semantic version, ignoring tags
// that do not parse. It returns an empty string when none parse.
func Highest(tags []string) string {
	var (
		best    string
		bestVer *semver.Version
	)
	for _, t := range tags {
		v, err := semver.NewVersion(t)
		if err != nil {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			best, bestVer = t, v
		}
	}

	return best
}
