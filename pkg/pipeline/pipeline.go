// Package pipeline composes the npm steps into the CI entry points: pull
// request validation, release publishing with a static or an OIDC-exchanged
// token, and a publish variant that skips the build.
//
// Every entry point runs its steps strictly in sequence. The first failure
// aborts the run and is returned unchanged, together with a [Result]
// describing what was reached.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fixentropy-io/daggerverse/pkg/ciinfo"
	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/npm"
	"github.com/fixentropy-io/daggerverse/pkg/oidctoken"
	"github.com/fixentropy-io/daggerverse/pkg/tag"
)

const tracerName = "github.com/fixentropy-io/daggerverse/pkg/pipeline"

// Entry point names, as recorded in [Result.Entry].
const (
	EntryPullRequest    = "pull-request"
	EntryOnPublish      = "on-publish"
	EntryPublish        = "publish"
	EntryPublishRelease = "publish-release"
)

// TokenExchanger trades a CI identity for a publish token scoped to one
// package. It is implemented by [oidctoken.Exchanger].
type TokenExchanger interface {
	Exchange(ctx context.Context, requestURL string, requestToken *engine.Secret, pkg string) (*engine.Secret, error)
}

// Archiver stores packed tarballs. It is implemented by [archive.Store].
type Archiver interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// Pipeline runs the entry points. Create instances with [New].
type Pipeline struct {
	engine    engine.Engine
	steps     *npm.Steps
	tags      *tag.Resolver
	exchanger TokenExchanger
	archiver  Archiver
	toolchain npm.Toolchain
	ci        ciinfo.Info
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithToolchain overrides the default [npm.Toolchain].
func WithToolchain(t npm.Toolchain) Option {
	return func(p *Pipeline) {
		p.toolchain = t.WithDefaults()
	}
}

// WithTokenExchanger sets the exchanger used by [Pipeline.PublishRelease].
// By default an [oidctoken.Exchanger] for the toolchain's registry is used.
func WithTokenExchanger(x TokenExchanger) Option {
	return func(p *Pipeline) {
		p.exchanger = x
	}
}

// WithArchiver uploads the packed tarball before every publish.
func WithArchiver(a Archiver) Option {
	return func(p *Pipeline) {
		p.archiver = a
	}
}

// WithCIInfo attaches CI run identifiers to logs and results.
func WithCIInfo(info ciinfo.Info) Option {
	return func(p *Pipeline) {
		p.ci = info
	}
}

// WithTracerProvider sets the provider step spans are created with. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// New creates a [Pipeline] whose steps are evaluated by e.
func New(e engine.Engine, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:    e,
		toolchain: npm.DefaultToolchain(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.steps = npm.New(e, npm.WithToolchain(p.toolchain), npm.WithLogger(p.logger))
	p.tags = tag.NewResolver(e, p.logger)

	if p.exchanger == nil {
		p.exchanger = oidctoken.New(
			oidctoken.WithRegistry(p.toolchain.Registry),
			oidctoken.WithLogger(p.logger),
		)
	}

	return p
}

// Steps returns the underlying steps.
func (p *Pipeline) Steps() *npm.Steps {
	return p.steps
}

// OnPullRequest validates branch of the repository at url by running the
// lint and test scripts. An empty branch means [DefaultBranch].
func (p *Pipeline) OnPullRequest(ctx context.Context, url, branch string) (*Result, error) {
	r, ctx, end := p.begin(ctx, EntryPullRequest)
	defer end()

	if url == "" {
		return r.fail("validate", ErrMissingURL)
	}

	src := Remote{URL: url, Branch: branch}

	tree, err := r.resolveSource(ctx, src)
	if err != nil {
		return r.result, err
	}
	r.reach(StateResolved)

	if _, err := r.gates(ctx, tree); err != nil {
		return r.result, err
	}

	return r.done()
}

// OnPublish lints, tests, builds, and publishes the package described by
// req with its static token.
func (p *Pipeline) OnPublish(ctx context.Context, req PublishRequest) (*Result, error) {
	return p.publishStatic(ctx, EntryOnPublish, req, true)
}

// Publish is [Pipeline.OnPublish] without the build: the version is
// rewritten and published directly in the tested source tree.
func (p *Pipeline) Publish(ctx context.Context, req PublishRequest) (*Result, error) {
	return p.publishStatic(ctx, EntryPublish, req, false)
}

// PublishRelease builds the default branch of req.GitURL and publishes it
// under the repository's latest tag, with a token obtained by exchanging
// the CI's OIDC identity.
func (p *Pipeline) PublishRelease(ctx context.Context, req ReleaseRequest) (*Result, error) {
	r, ctx, end := p.begin(ctx, EntryPublishRelease)
	defer end()

	if err := req.Validate(); err != nil {
		return r.fail("validate", err)
	}

	token := func(ctx context.Context, tree engine.Tree) (*engine.Secret, error) {
		pkg, err := p.steps.PackageName(ctx, tree)
		if err != nil {
			return nil, fmt.Errorf("publish: %w: %w", npm.ErrPublishFailed, err)
		}

		return p.exchanger.Exchange(ctx, req.OIDCURL, req.OIDCToken, pkg)
	}

	return r.release(ctx, Remote{URL: req.GitURL}, FromLatest{URL: req.GitURL}, true, token)
}

// LatestTag returns the most recently created tag of the repository at url,
// as listed by the git service.
func (p *Pipeline) LatestTag(ctx context.Context, url string) (string, error) {
	if url == "" {
		return "", ErrMissingURL
	}

	return p.tags.Latest(ctx, url)
}

// PackageName returns the package name declared by the manifest of src.
// Failures wrap [failure.ErrResolution] for a remote source and
// [failure.ErrConfiguration] for a local one.
func (p *Pipeline) PackageName(ctx context.Context, src SourceSpec) (string, error) {
	name, err := p.steps.PackageName(ctx, src.Tree())
	if err == nil {
		return name, nil
	}

	if remote, ok := src.(Remote); ok {
		return "", fmt.Errorf("%w: %s@%s: %w", failure.ErrResolution, remote.URL, remote.BranchOrDefault(), err)
	}

	return "", fmt.Errorf("%w: %w", failure.ErrConfiguration, err)
}

func (p *Pipeline) publishStatic(ctx context.Context, entry string, req PublishRequest, build bool) (*Result, error) {
	r, ctx, end := p.begin(ctx, entry)
	defer end()

	if err := req.Validate(); err != nil {
		return r.fail("validate", err)
	}

	token := func(context.Context, engine.Tree) (*engine.Secret, error) {
		return req.Token, nil
	}

	return r.release(ctx, req.Source, req.Tag, build, token)
}

// run is the state of one entry point invocation.
type run struct {
	p      *Pipeline
	result *Result
	log    *slog.Logger
	start  time.Time
}

func (p *Pipeline) begin(ctx context.Context, entry string) (*run, context.Context, func()) {
	r := &run{
		p: p,
		result: &Result{
			RunID: p.ci.RunIDOrNew(),
			Entry: entry,
			CI:    p.ci,
		},
		start: time.Now(),
	}
	r.log = p.logger.With(
		slog.String("entry", entry),
		slog.String("run_id", r.result.RunID),
	)

	ctx, span := p.tracer.Start(ctx, entry, trace.WithAttributes(
		attribute.String("npmci.run_id", r.result.RunID),
		attribute.String("npmci.repository", p.ci.Repository),
	))

	r.log.Info("starting pipeline", slog.Any("ci", p.ci))

	return r, ctx, func() {
		r.result.Duration = time.Since(r.start)
		if !r.result.Succeeded() {
			span.SetStatus(codes.Error, "failed at "+r.result.FailedStep)
		}
		span.End()
	}
}

// release runs the publishing flow shared by every publish entry point.
func (r *run) release(
	ctx context.Context,
	src SourceSpec,
	tagSpec TagSpec,
	build bool,
	token func(context.Context, engine.Tree) (*engine.Secret, error),
) (*Result, error) {
	steps := r.p.steps

	tree, err := r.resolveSource(ctx, src)
	if err != nil {
		return r.result, err
	}

	version, err := r.resolveVersion(ctx, tagSpec)
	if err != nil {
		return r.result, err
	}
	r.result.Version = version
	r.reach(StateResolved)

	if _, err := r.gates(ctx, tree); err != nil {
		return r.result, err
	}

	if build {
		x, err := r.step(ctx, "build", func(ctx context.Context) (*npm.Execution, error) {
			return steps.Build(ctx, tree)
		})
		if err != nil {
			return r.result, err
		}
		tree = steps.Tree(x.Container)
		r.reach(StateBuilt)
	}

	x, err := r.step(ctx, "version", func(ctx context.Context) (*npm.Execution, error) {
		return steps.BumpVersion(ctx, version, tree)
	})
	if err != nil {
		return r.result, err
	}
	tree = steps.Tree(x.Container)
	r.reach(StateVersionBumped)

	if r.p.archiver != nil {
		if err := r.archive(ctx, tree); err != nil {
			return r.result, err
		}
	}

	_, err = r.step(ctx, "publish", func(ctx context.Context) (*npm.Execution, error) {
		secret, err := token(ctx, tree)
		if err != nil {
			return nil, err
		}

		return steps.Publish(ctx, tree, secret)
	})
	if err != nil {
		return r.result, err
	}
	r.reach(StatePublished)

	if name, err := steps.PackageName(ctx, tree); err == nil {
		r.result.Package = name
	}

	return r.done()
}

// resolveSource returns the source tree. Remote sources are probed by
// reading their manifest, so an unreachable repository or a missing branch
// fails here with [failure.ErrResolution].
func (r *run) resolveSource(ctx context.Context, src SourceSpec) (engine.Tree, error) {
	tree := src.Tree()

	remote, ok := src.(Remote)
	if !ok {
		return tree, nil
	}

	ctx, span := r.p.tracer.Start(ctx, "resolve", trace.WithAttributes(
		attribute.String("git.url", remote.URL),
		attribute.String("git.branch", remote.BranchOrDefault()),
	))
	defer span.End()

	if _, err := r.p.engine.ReadFile(ctx, tree, r.p.toolchain.Manifest); err != nil {
		err = fmt.Errorf("%w: %s@%s: %w", failure.ErrResolution, remote.URL, remote.BranchOrDefault(), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")

		_, res := r.fail("resolve", err)

		return engine.Tree{}, res
	}

	return tree, nil
}

// resolveVersion returns the normalized version selected by t. Explicit
// tags never consult the git service.
func (r *run) resolveVersion(ctx context.Context, t TagSpec) (string, error) {
	var raw string

	switch t := t.(type) {
	case Explicit:
		raw = t.Tag
	case FromLatest:
		latest, err := r.p.tags.Latest(ctx, t.URL)
		if err != nil {
			_, err = r.fail("resolve", err)

			return "", err
		}
		raw = latest
	default:
		_, err := r.fail("resolve", ErrMissingTag)

		return "", err
	}

	version := tag.Normalize(raw)
	r.log.Info("resolved version", slog.String("tag", raw), slog.String("version", version))

	return version, nil
}

// gates installs the dependencies of tree, mounts both and runs the lint
// and test scripts.
func (r *run) gates(ctx context.Context, tree engine.Tree) (engine.Container, error) {
	steps := r.p.steps

	deps, err := r.step(ctx, "install", func(ctx context.Context) (*npm.Execution, error) {
		return steps.Install(ctx, tree)
	})
	if err != nil {
		return engine.Container{}, err
	}
	ctr := steps.MountWith(tree, deps)

	if _, err := r.step(ctx, "lint", func(ctx context.Context) (*npm.Execution, error) {
		return steps.Lint(ctx, ctr)
	}); err != nil {
		return engine.Container{}, err
	}
	r.reach(StateLinted)

	if _, err := r.step(ctx, "test", func(ctx context.Context) (*npm.Execution, error) {
		return steps.Test(ctx, ctr)
	}); err != nil {
		return engine.Container{}, err
	}
	r.reach(StateTested)

	return ctr, nil
}

func (r *run) archive(ctx context.Context, tree engine.Tree) error {
	ctx, span := r.p.tracer.Start(ctx, "archive")
	defer span.End()

	start := time.Now()

	name, data, err := r.p.steps.Pack(ctx, tree)
	if err != nil {
		span.SetStatus(codes.Error, "pack failed")
		_, err = r.fail("archive", err)

		return err
	}

	key, err := r.p.archiver.Put(ctx, name, data)
	if err != nil {
		span.SetStatus(codes.Error, "upload failed")
		_, err = r.fail("archive", fmt.Errorf("archive %s: %w", name, err))

		return err
	}

	r.result.ArchiveKey = key
	r.result.Steps = append(r.result.Steps, StepRecord{
		Name:     "archive",
		Command:  "npm pack --ignore-scripts",
		Duration: time.Since(start),
	})
	r.reach(StateArchived)

	return nil
}

// step runs fn in its own span and records its outcome.
func (r *run) step(ctx context.Context, name string, fn func(context.Context) (*npm.Execution, error)) (*npm.Execution, error) {
	ctx, span := r.p.tracer.Start(ctx, name)
	defer span.End()

	start := time.Now()

	x, err := fn(ctx)
	if err != nil {
		rec := StepRecord{Name: name, Duration: time.Since(start), Failed: true}

		var stepErr *npm.StepError
		if errors.As(err, &stepErr) {
			rec.Command = strings.Join(stepErr.Args, " ")
			rec.Stdout = stepErr.Stdout
			rec.Stderr = stepErr.Stderr
			span.SetAttributes(attribute.Int("exit_code", stepErr.ExitCode))
		}
		r.result.Steps = append(r.result.Steps, rec)

		span.SetStatus(codes.Error, name+" failed")

		_, err = r.fail(name, err)

		return nil, err
	}

	r.result.Steps = append(r.result.Steps, StepRecord{
		Name:     name,
		Command:  strings.Join(x.Container.LastExec(), " "),
		Duration: x.Duration,
		Stdout:   x.Output.Stdout,
		Stderr:   x.Output.Stderr,
	})

	return x, nil
}

func (r *run) reach(s State) {
	r.result.States = append(r.result.States, s)
	r.log.Debug("reached state", slog.String("state", s.String()))
}

func (r *run) fail(step string, err error) (*Result, error) {
	r.result.FailedStep = step
	r.log.Error("pipeline failed",
		slog.String("step", step),
		slog.Any("err", err),
	)

	return r.result, err
}

func (r *run) done() (*Result, error) {
	r.log.Info("pipeline succeeded",
		slog.Any("states", r.result.States),
		slog.Duration("duration", time.Since(r.start)),
	)

	return r.result, nil
}
