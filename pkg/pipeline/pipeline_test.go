package pipeline_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/fixentropy-io/daggerverse/pkg/ciinfo"
	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/enginetest"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/npm"
	"github.com/fixentropy-io/daggerverse/pkg/pipeline"
	"github.com/fixentropy-io/daggerverse/pkg/tag"
)

const repoURL = "https://github.com/acme/x.git"

type fakeExchanger struct {
	mu       sync.Mutex
	packages []string
	err      error
}

func (f *fakeExchanger) Exchange(_ context.Context, requestURL string, requestToken *engine.Secret, pkg string) (*engine.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.packages = append(f.packages, pkg)
	if f.err != nil {
		return nil, f.err
	}

	return engine.NewSecret("oidc-"+pkg, "exchanged:"+requestURL+":"+requestToken.Plaintext()), nil
}

type fakeArchiver struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeArchiver) Put(_ context.Context, name string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[name] = data

	return "tarballs/" + name, nil
}

func token() *engine.Secret {
	return engine.NewSecret("npm-token", "s3cr3t")
}

func localProject(name, version string) *engine.Tree {
	t := engine.Files(enginetest.NodeProject(name, version))

	return &t
}

func newEngine(tags ...string) *enginetest.Engine {
	eng := enginetest.New()
	eng.AddRepo(repoURL, enginetest.Repo{
		Branches: map[string]map[string]string{
			"main":    enginetest.NodeProject("x", "0.0.0"),
			"feature": enginetest.NodeProject("x", "0.0.0"),
		},
		Tags: tags,
	})

	return eng
}

func index(cmds []string, cmd string) int {
	return slices.Index(cmds, cmd)
}

func count(cmds []string, cmd string) int {
	n := 0
	for _, c := range cmds {
		if c == cmd {
			n++
		}
	}

	return n
}

func TestNewPublishRequest(t *testing.T) {
	t.Parallel()

	src := localProject("x", "0.0.0")

	tcs := map[string]struct {
		source  *engine.Tree
		gitURL  string
		branch  string
		tag     string
		wantSrc pipeline.SourceSpec
		wantTag pipeline.TagSpec
		wantErr []error
	}{
		"local source and tag": {
			source:  src,
			tag:     "v1.0.0",
			wantSrc: pipeline.Local{Files: *src},
			wantTag: pipeline.Explicit{Tag: "v1.0.0"},
		},
		"remote source and latest tag": {
			gitURL:  repoURL,
			branch:  "main",
			wantSrc: pipeline.Remote{URL: repoURL, Branch: "main"},
			wantTag: pipeline.FromLatest{URL: repoURL},
		},
		"local source wins over git url": {
			source:  src,
			gitURL:  repoURL,
			wantSrc: pipeline.Local{Files: *src},
			wantTag: pipeline.FromLatest{URL: repoURL},
		},
		"explicit tag wins over git url": {
			gitURL:  repoURL,
			branch:  "main",
			tag:     "2.0.0",
			wantSrc: pipeline.Remote{URL: repoURL, Branch: "main"},
			wantTag: pipeline.Explicit{Tag: "2.0.0"},
		},
		"nothing": {
			wantErr: []error{pipeline.ErrMissingSource, pipeline.ErrMissingTag},
		},
		"git url without branch": {
			gitURL:  repoURL,
			wantErr: []error{pipeline.ErrMissingSource},
		},
		"source without tag or git url": {
			source:  src,
			wantErr: []error{pipeline.ErrMissingTag},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			req, err := pipeline.NewPublishRequest(token(), tc.source, tc.gitURL, tc.branch, tc.tag)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, failure.ErrConfiguration)
				for _, want := range tc.wantErr {
					require.ErrorIs(t, err, want)
				}

				return
			}

			require.NoError(t, err)
			require.NoError(t, req.Validate())
			assert.Equal(t, tc.wantSrc, req.Source)
			assert.Equal(t, tc.wantTag, req.Tag)
		})
	}

	_, err := pipeline.NewPublishRequest(nil, src, "", "", "1.0.0")
	require.ErrorIs(t, err, pipeline.ErrMissingToken)
}

func TestPublishRejectsInvalidRequestsBeforeAnyCall(t *testing.T) {
	t.Parallel()

	reqs := map[string]pipeline.PublishRequest{
		"no source":      {Token: token(), Tag: pipeline.Explicit{Tag: "1.0.0"}},
		"no tag":         {Token: token(), Source: pipeline.Local{Files: *localProject("x", "0.0.0")}},
		"remote no url":  {Token: token(), Source: pipeline.Remote{}, Tag: pipeline.Explicit{Tag: "1.0.0"}},
		"latest no url":  {Token: token(), Source: pipeline.Remote{URL: repoURL}, Tag: pipeline.FromLatest{}},
		"no token":       {Source: pipeline.Remote{URL: repoURL}, Tag: pipeline.Explicit{Tag: "1.0.0"}},
		"empty explicit": {Token: token(), Source: pipeline.Remote{URL: repoURL}, Tag: pipeline.Explicit{}},
	}

	for name, req := range reqs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			for entry, fn := range map[string]func(*pipeline.Pipeline) (*pipeline.Result, error){
				pipeline.EntryOnPublish: func(p *pipeline.Pipeline) (*pipeline.Result, error) {
					return p.OnPublish(t.Context(), req)
				},
				pipeline.EntryPublish: func(p *pipeline.Pipeline) (*pipeline.Result, error) {
					return p.Publish(t.Context(), req)
				},
			} {
				eng := newEngine("v1.0.0")
				p := pipeline.New(eng)

				res, err := fn(p)
				require.ErrorIs(t, err, failure.ErrConfiguration, entry)
				assert.Equal(t, "validate", res.FailedStep)
				assert.Empty(t, res.States)

				run, read, tags := eng.Calls()
				assert.Zero(t, run+read+tags, "%s contacted the engine", entry)
			}
		})
	}
}

func TestExplicitTagNeverConsultsLatest(t *testing.T) {
	t.Parallel()

	eng := newEngine("v9.9.9")
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), nil, repoURL, "main", "v1.0.0")
	require.NoError(t, err)

	res, err := p.OnPublish(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", res.Version)

	_, _, tags := eng.Calls()
	assert.Zero(t, tags)

	published := eng.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "1.0.0", published[0].Version)
}

func TestBuildPrecedesVersionBump(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		run       func(*pipeline.Pipeline, pipeline.PublishRequest) (*pipeline.Result, error)
		wantBuild bool
		want      []pipeline.State
	}{
		"on publish": {
			run: func(p *pipeline.Pipeline, req pipeline.PublishRequest) (*pipeline.Result, error) {
				return p.OnPublish(t.Context(), req)
			},
			wantBuild: true,
			want: []pipeline.State{
				pipeline.StateResolved, pipeline.StateLinted, pipeline.StateTested,
				pipeline.StateBuilt, pipeline.StateVersionBumped, pipeline.StatePublished,
			},
		},
		"publish": {
			run: func(p *pipeline.Pipeline, req pipeline.PublishRequest) (*pipeline.Result, error) {
				return p.Publish(t.Context(), req)
			},
			wantBuild: false,
			want: []pipeline.State{
				pipeline.StateResolved, pipeline.StateLinted, pipeline.StateTested,
				pipeline.StateVersionBumped, pipeline.StatePublished,
			},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eng := enginetest.New()
			p := pipeline.New(eng)

			req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "v1.2.3")
			require.NoError(t, err)

			res, err := tc.run(p, req)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.States)

			bump, ok := eng.FindExec("npm version 1.2.3")
			require.True(t, ok)
			assert.Equal(t, tc.wantBuild, slices.Contains(bump.Lineage, "bun run build"),
				"lineage of the version bump: %v", bump.Lineage)
			assert.Equal(t, tc.wantBuild, slices.Contains(eng.Commands(), "bun run build"))

			publish, ok := eng.FindExec("npm publish")
			require.True(t, ok)
			assert.Contains(t, publish.Lineage, "npm version 1.2.3 --no-git-tag-version --no-commit-hooks --allow-same-version")
		})
	}
}

func TestLintFailureShortCircuits(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.FailExec("bun run lint", enginetest.Failure{
		ExitCode: 1,
		Stdout:   "src/index.ts\n  1:1  error  no-unused-vars\n",
	})
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "v1.0.0")
	require.NoError(t, err)

	res, err := p.OnPublish(t.Context(), req)
	require.ErrorIs(t, err, npm.ErrScriptFailed)
	require.ErrorIs(t, err, failure.ErrStepExecution)

	var stepErr *npm.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "src/index.ts\n  1:1  error  no-unused-vars\n", stepErr.Stdout)

	cmds := eng.Commands()
	for _, never := range []string{"bun run test", "bun run build", "npm publish --access public"} {
		assert.NotContains(t, cmds, never)
	}
	assert.Empty(t, eng.Published())

	assert.Equal(t, []pipeline.State{pipeline.StateResolved}, res.States)
	assert.Equal(t, "lint", res.FailedStep)
	assert.False(t, res.Succeeded())

	last := res.Steps[len(res.Steps)-1]
	assert.Equal(t, "lint", last.Name)
	assert.True(t, last.Failed)
	assert.Equal(t, stepErr.Stdout, last.Stdout)
}

func TestInstallFailureIsRecorded(t *testing.T) {
	t.Parallel()

	const stderr = "error: lockfile had changes, but lockfile is frozen\n"

	eng := newEngine()
	eng.FailExec("bun install --frozen-lockfile", enginetest.Failure{ExitCode: 1, Stderr: stderr})
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "v1.0.0")
	require.NoError(t, err)

	res, err := p.OnPublish(t.Context(), req)
	require.ErrorIs(t, err, npm.ErrInstallFailed)
	require.ErrorIs(t, err, failure.ErrStepExecution)

	assert.Equal(t, "install", res.FailedStep)
	assert.Equal(t, []pipeline.State{pipeline.StateResolved}, res.States)
	assert.NotContains(t, eng.Commands(), "bun run lint")

	require.Len(t, res.Steps, 1)
	rec := res.Steps[0]
	assert.Equal(t, "install", rec.Name)
	assert.Equal(t, "bun install --frozen-lockfile", rec.Command)
	assert.True(t, rec.Failed)
	assert.Equal(t, stderr, rec.Stderr)
}

func TestEndToEndPublish(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := pipeline.New(eng, pipeline.WithCIInfo(ciinfo.Info{RunID: "1234", Repository: "acme/x"}))

	req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "v2.0.0")
	require.NoError(t, err)

	res, err := p.OnPublish(t.Context(), req)
	require.NoError(t, err)

	published := eng.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "x", published[0].Name)
	assert.Equal(t, "2.0.0", published[0].Version)
	assert.Equal(t, "public", published[0].Access)
	assert.Equal(t, "npm-token", published[0].Token)
	assert.Contains(t, published[0].Manifest, `"version": "2.0.0"`)

	cmds := eng.Commands()
	bump := "npm version 2.0.0 --no-git-tag-version --no-commit-hooks --allow-same-version"
	assert.Equal(t, 1, count(cmds, "bun run lint"))
	assert.Equal(t, 1, count(cmds, "bun run test"))
	assert.Less(t, index(cmds, "bun run lint"), index(cmds, "bun run test"))
	assert.Less(t, index(cmds, "bun run test"), index(cmds, bump))

	assert.Equal(t, "1234", res.RunID)
	assert.Equal(t, pipeline.EntryOnPublish, res.Entry)
	assert.Equal(t, "x", res.Package)
	assert.Equal(t, "2.0.0", res.Version)
	assert.True(t, res.Succeeded())

	var names []string
	for _, s := range res.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"install", "lint", "test", "build", "version", "publish"}, names)
}

func TestPublishFromLatestTag(t *testing.T) {
	t.Parallel()

	eng := newEngine("v1.0.0", "v1.1.0")
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), nil, repoURL, "feature", "")
	require.NoError(t, err)

	res, err := p.Publish(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", res.Version)

	published := eng.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "1.1.0", published[0].Version)
}

func TestPublishDuplicateVersion(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "1.0.0")
	require.NoError(t, err)

	_, err = p.Publish(t.Context(), req)
	require.NoError(t, err)

	other, err := pipeline.NewPublishRequest(engine.NewSecret("npm-token-2", "other"),
		localProject("x", "0.0.0"), "", "", "1.0.0")
	require.NoError(t, err)

	res, err := p.Publish(t.Context(), other)
	require.ErrorIs(t, err, npm.ErrPublishFailed)
	require.NotErrorIs(t, err, failure.ErrAuthentication)
	assert.Equal(t, "publish", res.FailedStep)
	assert.False(t, res.Reached(pipeline.StatePublished))
}

func TestPublishRejectedToken(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.AcceptTokens("the-real-token")
	p := pipeline.New(eng)

	req, err := pipeline.NewPublishRequest(token(), localProject("x", "0.0.0"), "", "", "1.0.0")
	require.NoError(t, err)

	_, err = p.Publish(t.Context(), req)
	require.ErrorIs(t, err, failure.ErrAuthentication)
	require.ErrorIs(t, err, npm.ErrPublishUnauthorized)
	assert.NotContains(t, err.Error(), "s3cr3t")
}

func TestOnPullRequest(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		t.Parallel()

		eng := newEngine()
		p := pipeline.New(eng)

		res, err := p.OnPullRequest(t.Context(), repoURL, "")
		require.NoError(t, err)
		assert.Equal(t, []pipeline.State{
			pipeline.StateResolved, pipeline.StateLinted, pipeline.StateTested,
		}, res.States)

		assert.Equal(t, []string{
			"bun install --frozen-lockfile",
			"bun run lint",
			"bun run test",
		}, eng.Commands())
		assert.Empty(t, eng.Published())
	})

	tcs := map[string]struct {
		url    string
		branch string
		want   error
	}{
		"unknown repository": {url: "https://github.com/acme/missing.git", want: failure.ErrResolution},
		"unknown branch":     {url: repoURL, branch: "gone", want: failure.ErrResolution},
		"no url":             {want: failure.ErrConfiguration},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eng := newEngine()
			p := pipeline.New(eng)

			res, err := p.OnPullRequest(t.Context(), tc.url, tc.branch)
			require.ErrorIs(t, err, tc.want)
			assert.Empty(t, res.States)

			run, _, _ := eng.Calls()
			assert.Zero(t, run)
		})
	}
}

func TestPublishRelease(t *testing.T) {
	t.Parallel()

	eng := newEngine("v0.9.0", "v1.0.0")
	x := &fakeExchanger{}
	p := pipeline.New(eng, pipeline.WithTokenExchanger(x))

	res, err := p.PublishRelease(t.Context(), pipeline.ReleaseRequest{
		OIDCURL:   "https://token.example/id",
		OIDCToken: engine.NewSecret("oidc-request", "request-token"),
		GitURL:    repoURL,
	})
	require.NoError(t, err)
	assert.True(t, res.Reached(pipeline.StateBuilt))
	assert.Equal(t, "1.0.0", res.Version)

	assert.Equal(t, []string{"x"}, x.packages)

	published := eng.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "1.0.0", published[0].Version)
	assert.Equal(t, "oidc-x", published[0].Token)
}

func TestPublishReleaseFailures(t *testing.T) {
	t.Parallel()

	valid := pipeline.ReleaseRequest{
		OIDCURL:   "https://token.example/id",
		OIDCToken: engine.NewSecret("oidc-request", "request-token"),
		GitURL:    repoURL,
	}

	t.Run("exchange rejected", func(t *testing.T) {
		t.Parallel()

		eng := newEngine("v1.0.0")
		x := &fakeExchanger{err: errors.Join(failure.ErrAuthentication, errors.New("audience mismatch"))}
		p := pipeline.New(eng, pipeline.WithTokenExchanger(x))

		res, err := p.PublishRelease(t.Context(), valid)
		require.ErrorIs(t, err, failure.ErrAuthentication)
		assert.Equal(t, "publish", res.FailedStep)
		assert.True(t, res.Reached(pipeline.StateVersionBumped))
		assert.Empty(t, eng.Published())
	})

	t.Run("no tags", func(t *testing.T) {
		t.Parallel()

		eng := newEngine()
		p := pipeline.New(eng, pipeline.WithTokenExchanger(&fakeExchanger{}))

		res, err := p.PublishRelease(t.Context(), valid)
		require.ErrorIs(t, err, tag.ErrNoTagsFound)
		require.ErrorIs(t, err, failure.ErrResolution)
		assert.Equal(t, "resolve", res.FailedStep)

		run, _, _ := eng.Calls()
		assert.Zero(t, run)
	})

	t.Run("missing inputs", func(t *testing.T) {
		t.Parallel()

		eng := newEngine("v1.0.0")
		p := pipeline.New(eng, pipeline.WithTokenExchanger(&fakeExchanger{}))

		_, err := p.PublishRelease(t.Context(), pipeline.ReleaseRequest{GitURL: repoURL})
		require.ErrorIs(t, err, pipeline.ErrMissingOIDC)

		_, err = p.PublishRelease(t.Context(), pipeline.ReleaseRequest{
			OIDCURL:   valid.OIDCURL,
			OIDCToken: valid.OIDCToken,
		})
		require.ErrorIs(t, err, pipeline.ErrMissingURL)

		run, read, tags := eng.Calls()
		assert.Zero(t, run+read+tags)
	})
}

func TestLatestTag(t *testing.T) {
	t.Parallel()

	eng := newEngine("v1.0.0", "v1.2.0")
	p := pipeline.New(eng)

	got, err := p.LatestTag(t.Context(), repoURL)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", got)

	empty := newEngine()
	got, err = pipeline.New(empty).LatestTag(t.Context(), repoURL)
	require.ErrorIs(t, err, failure.ErrResolution)
	require.ErrorIs(t, err, tag.ErrNoTagsFound)
	assert.Empty(t, got)

	_, err = p.LatestTag(t.Context(), "")
	require.ErrorIs(t, err, failure.ErrConfiguration)
}

func TestPackageName(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		src  pipeline.SourceSpec
		want string
		err  error
	}{
		"local": {
			src:  pipeline.Local{Files: *localProject("@acme/x", "0.0.0")},
			want: "@acme/x",
		},
		"remote": {
			src:  pipeline.Remote{URL: repoURL, Branch: "feature"},
			want: "x",
		},
		"local without manifest": {
			src: pipeline.Local{Files: engine.Files(map[string]string{"README.md": "x"})},
			err: failure.ErrConfiguration,
		},
		"unknown branch": {
			src: pipeline.Remote{URL: repoURL, Branch: "gone"},
			err: failure.ErrResolution,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := pipeline.New(newEngine()).PackageName(t.Context(), tc.src)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestArchive(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	a := &fakeArchiver{objects: map[string][]byte{}}
	p := pipeline.New(eng, pipeline.WithArchiver(a))

	req, err := pipeline.NewPublishRequest(token(), localProject("@acme/x", "0.0.0"), "", "", "v3.1.0")
	require.NoError(t, err)

	res, err := p.OnPublish(t.Context(), req)
	require.NoError(t, err)

	name := enginetest.TarballName("@acme/x", "3.1.0")
	assert.Equal(t, "tarballs/"+name, res.ArchiveKey)
	assert.Equal(t, enginetest.TarballContents("@acme/x", "3.1.0"), a.objects[name])
	assert.Less(t, slices.Index(res.States, pipeline.StateArchived), slices.Index(res.States, pipeline.StatePublished))
}

type recordingTracer struct {
	embedded.Tracer

	mu    *sync.Mutex
	names *[]string
	next  trace.Tracer
}

func (r recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.mu.Lock()
	*r.names = append(*r.names, name)
	r.mu.Unlock()

	return r.next.Start(ctx, name, opts...)
}

type recordingProvider struct {
	embedded.TracerProvider

	tracer recordingTracer
}

func (r recordingProvider) Tracer(string, ...trace.TracerOption) trace.Tracer {
	return r.tracer
}

func TestStepSpans(t *testing.T) {
	t.Parallel()

	var names []string
	tp := recordingProvider{tracer: recordingTracer{
		mu:    &sync.Mutex{},
		names: &names,
		next:  noop.NewTracerProvider().Tracer("test"),
	}}

	eng := newEngine()
	p := pipeline.New(eng, pipeline.WithTracerProvider(tp))

	_, err := p.OnPullRequest(t.Context(), repoURL, "main")
	require.NoError(t, err)

	assert.Equal(t, []string{pipeline.EntryPullRequest, "resolve", "install", "lint", "test"}, names)
}
