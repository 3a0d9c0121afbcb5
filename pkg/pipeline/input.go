package pipeline

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
)

// DefaultBranch is the branch checked out when none is given.
const DefaultBranch = "main"

var (
	ErrMissingSource = fmt.Errorf("%w: a source tree or a git url and branch are required", failure.ErrConfiguration)
	ErrMissingTag    = fmt.Errorf("%w: a tag or a git url is required", failure.ErrConfiguration)
	ErrMissingToken  = fmt.Errorf("%w: a publish token is required", failure.ErrConfiguration)
	ErrMissingURL    = fmt.Errorf("%w: a git url is required", failure.ErrConfiguration)
	ErrMissingOIDC   = fmt.Errorf("%w: an oidc request url and token are required", failure.ErrConfiguration)
)

// SourceSpec selects the package source. It is either [Local] or [Remote].
type SourceSpec interface {
	// Tree returns the source tree. Remote trees are fetched lazily.
	Tree() engine.Tree

	isSource()
}

// Local is a source tree supplied by the caller.
type Local struct {
	Files engine.Tree
}

// Remote is a branch of a git repository.
type Remote struct {
	URL string
	// Branch defaults to [DefaultBranch].
	Branch string
}

func (l Local) Tree() engine.Tree { return l.Files }

func (r Remote) Tree() engine.Tree {
	return engine.GitBranch(r.URL, r.BranchOrDefault())
}

// BranchOrDefault returns the branch, or [DefaultBranch] when unset.
func (r Remote) BranchOrDefault() string {
	if r.Branch == "" {
		return DefaultBranch
	}

	return r.Branch
}

func (Local) isSource()  {}
func (Remote) isSource() {}

// TagSpec selects the release tag. It is either [Explicit] or [FromLatest].
type TagSpec interface {
	isTag()
}

// Explicit is a tag supplied by the caller, with or without a leading "v".
type Explicit struct {
	Tag string
}

// FromLatest resolves the most recently created tag of the repository at
// URL.
type FromLatest struct {
	URL string
}

func (Explicit) isTag()   {}
func (FromLatest) isTag() {}

// PublishRequest is the input of [Pipeline.OnPublish] and
// [Pipeline.Publish].
type PublishRequest struct {
	Token  *engine.Secret
	Source SourceSpec
	Tag    TagSpec
}

// NewPublishRequest builds a [PublishRequest] from optional inputs, as
// supplied on the command line or over HTTP. A nil source and an empty
// string mean "not supplied".
//
// It requires a source or a git url and branch, and a tag or a git url.
// An explicit source wins over the git url for the package contents; an
// explicit tag wins over the git url for the version. Violations are
// reported together and wrap [failure.ErrConfiguration].
func NewPublishRequest(token *engine.Secret, source *engine.Tree, gitURL, branch, tag string) (PublishRequest, error) {
	var merr error

	if token.Empty() {
		merr = multierror.Append(merr, ErrMissingToken)
	}
	if source == nil && (gitURL == "" || branch == "") {
		merr = multierror.Append(merr, ErrMissingSource)
	}
	if tag == "" && gitURL == "" {
		merr = multierror.Append(merr, ErrMissingTag)
	}
	if merr != nil {
		return PublishRequest{}, merr
	}

	req := PublishRequest{Token: token}

	if source != nil {
		req.Source = Local{Files: *source}
	} else {
		req.Source = Remote{URL: gitURL, Branch: branch}
	}

	if tag != "" {
		req.Tag = Explicit{Tag: tag}
	} else {
		req.Tag = FromLatest{URL: gitURL}
	}

	return req, nil
}

// Validate reports fields a hand-built request is missing.
func (r PublishRequest) Validate() error {
	var merr error

	if r.Token.Empty() {
		merr = multierror.Append(merr, ErrMissingToken)
	}

	switch s := r.Source.(type) {
	case Local:
	case Remote:
		if s.URL == "" {
			merr = multierror.Append(merr, ErrMissingSource)
		}
	default:
		merr = multierror.Append(merr, ErrMissingSource)
	}

	switch t := r.Tag.(type) {
	case Explicit:
		if t.Tag == "" {
			merr = multierror.Append(merr, ErrMissingTag)
		}
	case FromLatest:
		if t.URL == "" {
			merr = multierror.Append(merr, ErrMissingTag)
		}
	default:
		merr = multierror.Append(merr, ErrMissingTag)
	}

	return merr
}

// ReleaseRequest is the input of [Pipeline.PublishRelease]. The package is
// always built from the default branch of GitURL and released under its
// latest tag.
type ReleaseRequest struct {
	// OIDCURL is the CI provider's ID token endpoint.
	OIDCURL string
	// OIDCToken authorizes requests to OIDCURL.
	OIDCToken *engine.Secret
	GitURL    string
}

// Validate reports missing fields.
func (r ReleaseRequest) Validate() error {
	var merr error

	if r.OIDCURL == "" || r.OIDCToken.Empty() {
		merr = multierror.Append(merr, ErrMissingOIDC)
	}
	if r.GitURL == "" {
		merr = multierror.Append(merr, ErrMissingURL)
	}

	return merr
}
