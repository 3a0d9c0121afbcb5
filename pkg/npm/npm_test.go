package npm_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/enginetest"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/npm"
)

func project(name, version string) engine.Tree {
	return engine.Files(enginetest.NodeProject(name, version))
}

func TestInstall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	steps := npm.New(eng)

	x, err := steps.Install(ctx, project("x", "0.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "install", x.Step)
	assert.Contains(t, x.Output.Stdout, "packages installed")

	install, ok := eng.FindExec("bun install")
	require.True(t, ok)
	assert.Equal(t, "oven/bun:1", install.Image)
	assert.Equal(t, "/app", install.Workdir)
}

func TestInstallFailures(t *testing.T) {
	t.Parallel()

	noLock := enginetest.NodeProject("x", "0.0.0")
	delete(noLock, "bun.lock")

	noManifest := enginetest.NodeProject("x", "0.0.0")
	delete(noManifest, "package.json")

	tcs := map[string]struct {
		files   map[string]string
		fail    bool
		wantOut string
	}{
		"missing lockfile": {files: noLock},
		"missing manifest": {files: noManifest},
		"install exits non-zero": {
			files:   enginetest.NodeProject("x", "0.0.0"),
			fail:    true,
			wantOut: "error: lockfile had changes, but lockfile is frozen",
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eng := enginetest.New()
			if tc.fail {
				eng.FailExec("bun install --frozen-lockfile", enginetest.Failure{
					ExitCode: 1,
					Stderr:   tc.wantOut,
				})
			}

			_, err := npm.New(eng).Install(context.Background(), engine.Files(tc.files))
			require.ErrorIs(t, err, npm.ErrInstallFailed)
			require.ErrorIs(t, err, failure.ErrStepExecution)

			if tc.wantOut != "" {
				var stepErr *npm.StepError
				require.ErrorAs(t, err, &stepErr)
				assert.Equal(t, tc.wantOut, stepErr.Stderr)
				assert.Contains(t, err.Error(), tc.wantOut)
			}
		})
	}
}

func TestGates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	steps := npm.New(eng)

	ctr, err := steps.Mount(ctx, project("x", "0.0.0"))
	require.NoError(t, err)

	lint, err := steps.Lint(ctx, ctr)
	require.NoError(t, err)
	assert.Equal(t, "$ eslint .\n", lint.Output.Stdout)

	test, err := steps.Test(ctx, ctr)
	require.NoError(t, err)
	assert.Equal(t, "$ vitest run\n", test.Output.Stdout)

	assert.Equal(t, []string{"bun install --frozen-lockfile", "bun run lint", "bun run test"}, eng.Commands())
}

func TestGateFailureCarriesOutput(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	eng.FailExec("bun run lint", enginetest.Failure{
		ExitCode: 1,
		Stdout:   "src/index.ts\n  1:7  error  'x' is assigned a value but never used",
		Stderr:   "1 problem",
	})
	steps := npm.New(eng)

	ctr, err := steps.Mount(ctx, project("x", "0.0.0"))
	require.NoError(t, err)

	_, err = steps.Lint(ctx, ctr)
	require.ErrorIs(t, err, npm.ErrScriptFailed)

	var stepErr *npm.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "lint", stepErr.Step)
	assert.Equal(t, 1, stepErr.ExitCode)
	assert.Equal(t, []string{"bun", "run", "lint"}, stepErr.Args)
	assert.Contains(t, err.Error(), "'x' is assigned a value but never used")
	assert.Contains(t, err.Error(), "1 problem")
}

func TestGateMissingScript(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	steps := npm.New(enginetest.New())

	ctr, err := steps.Mount(ctx, project("x", "0.0.0"))
	require.NoError(t, err)

	_, err = steps.Gate(ctx, ctr, "typecheck")
	require.ErrorIs(t, err, npm.ErrScriptFailed)
	assert.Contains(t, err.Error(), `Script not found "typecheck"`)
}

func TestBuildAndBump(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	steps := npm.New(eng)

	build, err := steps.Build(ctx, project("x", "0.0.0"))
	require.NoError(t, err)

	dist, err := eng.ReadFile(ctx, steps.Tree(build.Container), "dist/index.js")
	require.NoError(t, err)
	assert.NotEmpty(t, dist)

	bump, err := steps.BumpVersion(ctx, "2.0.0", steps.Tree(build.Container))
	require.NoError(t, err)

	manifest, err := eng.ReadFile(ctx, steps.Tree(bump.Container), "package.json")
	require.NoError(t, err)
	assert.Contains(t, string(manifest), `"version": "2.0.0"`)

	x, ok := eng.FindExec("npm version")
	require.True(t, ok)
	assert.Equal(t, []string{
		"npm", "version", "2.0.0", "--no-git-tag-version", "--no-commit-hooks", "--allow-same-version",
	}, x.Args)
	assert.Equal(t, "node:lts-slim", x.Image)
}

func TestBumpVersionRejectsInvalidVersion(t *testing.T) {
	t.Parallel()

	tcs := map[string]string{
		"prefixed":   "v1.0.0",
		"partial":    "1.0",
		"empty":      "",
		"not semver": "latest",
	}

	for name, version := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eng := enginetest.New()
			_, err := npm.New(eng).BumpVersion(context.Background(), version, project("x", "0.0.0"))
			require.ErrorIs(t, err, npm.ErrVersionUpdateFailed)

			run, _, _ := eng.Calls()
			assert.Zero(t, run)
		})
	}
}

func TestBumpVersionCommandFailure(t *testing.T) {
	t.Parallel()

	eng := enginetest.New()
	eng.FailExec("npm version 1.0.0 --no-git-tag-version --no-commit-hooks --allow-same-version", enginetest.Failure{
		ExitCode: 1,
		Stderr:   "npm error Invalid version: 1.0.0",
	})

	_, err := npm.New(eng).BumpVersion(context.Background(), "1.0.0", project("x", "0.0.0"))
	require.ErrorIs(t, err, npm.ErrVersionUpdateFailed)
}

func TestPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	eng.AcceptTokens("s3cret")
	steps := npm.New(eng)

	_, err := steps.Publish(ctx, project("@acme/x", "1.0.0"), engine.NewSecret("npm-token", "s3cret"))
	require.NoError(t, err)

	published := eng.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "@acme/x", published[0].Name)
	assert.Equal(t, "public", published[0].Access)

	x, ok := eng.FindExec("npm publish")
	require.True(t, ok)
	assert.Equal(t, map[string]string{npm.TokenVariable: "npm-token"}, x.Secrets)
	assert.Equal(t, "/tmp/npmci/.npmrc", x.Env["NPM_CONFIG_USERCONFIG"])
	for _, v := range x.Env {
		assert.NotContains(t, v, "s3cret")
	}

	// Publishing the same version again is a conflict, not an auth failure.
	_, err = steps.Publish(ctx, project("@acme/x", "1.0.0"), engine.NewSecret("npm-token-2", "s3cret"))
	require.ErrorIs(t, err, npm.ErrPublishFailed)
	require.NotErrorIs(t, err, failure.ErrAuthentication)
	assert.Contains(t, err.Error(), "cannot publish over the previously published versions")
}

func TestPublishUnauthorized(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	eng.AcceptTokens("good")
	steps := npm.New(eng)

	_, err := steps.Publish(ctx, project("x", "1.0.0"), engine.NewSecret("npm-token", "bad"))
	require.ErrorIs(t, err, npm.ErrPublishUnauthorized)
	require.ErrorIs(t, err, npm.ErrPublishFailed)
	require.ErrorIs(t, err, failure.ErrAuthentication)
	assert.NotContains(t, err.Error(), "bad\n")

	_, err = steps.Publish(ctx, project("x", "1.0.0"), nil)
	require.ErrorIs(t, err, failure.ErrAuthentication)
	assert.Empty(t, eng.Published())
}

func TestPack(t *testing.T) {
	t.Parallel()

	name, data, err := npm.New(enginetest.New()).Pack(context.Background(), project("@acme/x", "1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, "acme-x-1.2.3.tgz", name)
	assert.Equal(t, enginetest.TarballContents("@acme/x", "1.2.3"), data)
}

func TestPackageName(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	steps := npm.New(enginetest.New())

	name, err := steps.PackageName(ctx, project("@acme/x", "1.2.3"))
	require.NoError(t, err)
	assert.Equal(t, "@acme/x", name)

	_, err = steps.PackageName(ctx, engine.Files(map[string]string{"package.json": `{"version": "1.0.0"}`}))
	require.Error(t, err)

	_, err = steps.PackageName(ctx, engine.Files(nil))
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRegistryConfig(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		registry string
		want     string
		wantErr  bool
	}{
		"npmjs": {
			registry: "https://registry.npmjs.org",
			want:     "registry=https://registry.npmjs.org/\n//registry.npmjs.org/:_authToken=${NODE_AUTH_TOKEN}\n",
		},
		"path and trailing slash": {
			registry: "https://npm.example.com/repository/npm/",
			want:     "registry=https://npm.example.com/repository/npm/\n//npm.example.com/repository/npm/:_authToken=${NODE_AUTH_TOKEN}\n",
		},
		"no host": {
			registry: "registry",
			wantErr:  true,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := npm.RegistryConfig(tc.registry)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestToolchainWithDefaults(t *testing.T) {
	t.Parallel()

	tc := npm.Toolchain{
		ScriptImage: "node:22",
		Lockfile:    "package-lock.json",
		Install:     []string{"npm", "ci"},
		Run:         []string{"npm", "run"},
	}.WithDefaults()

	assert.Equal(t, "node:22", tc.ScriptImage)
	assert.Equal(t, "node:lts-slim", tc.NodeImage)
	assert.Equal(t, "/app", tc.Workdir)
	assert.Equal(t, "package-lock.json", tc.Lockfile)
	assert.Equal(t, []string{"npm", "ci"}, tc.Install)
	assert.Equal(t, "https://registry.npmjs.org", tc.Registry)
	assert.Equal(t, "public", tc.Access)

	assert.Equal(t, npm.DefaultToolchain(), npm.Toolchain{}.WithDefaults())
}

func TestNpmToolchain(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	eng := enginetest.New()
	files := enginetest.NodeProject("x", "0.0.0")
	files["package-lock.json"] = files["bun.lock"]
	delete(files, "bun.lock")

	steps := npm.New(eng, npm.WithToolchain(npm.Toolchain{
		ScriptImage: "node:22-slim",
		Lockfile:    "package-lock.json",
		Install:     []string{"npm", "ci"},
		Run:         []string{"npm", "run"},
	}))

	_, err := steps.Build(ctx, engine.Files(files))
	require.NoError(t, err)
	assert.Equal(t, []string{"npm ci", "npm run build"}, eng.Commands())
}
