// Package npm provides the container steps of a TypeScript package
// pipeline: dependency installation, source mounting, quality gates, build,
// version rewrite, packing, and publishing.
//
// Every step describes its container with [engine.Container] and evaluates
// it through an [engine.Engine]. Failures of the step's command are
// reported as [*StepError] carrying the captured output.
package npm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
)

// Execution is an evaluated step.
type Execution struct {
	// Step name, e.g. "lint".
	Step string
	// Container after the step's command ran.
	Container engine.Container
	// Output captured from the step's command.
	Output   engine.Output
	Duration time.Duration
}

// Steps builds and runs pipeline steps. Create instances with [New].
type Steps struct {
	engine    engine.Engine
	toolchain Toolchain
	logger    *slog.Logger
}

// Option configures [Steps].
type Option func(*Steps)

// WithToolchain overrides the default [Toolchain].
func WithToolchain(t Toolchain) Option {
	return func(s *Steps) {
		s.toolchain = t.WithDefaults()
	}
}

// WithLogger sets the logger steps report to.
func WithLogger(l *slog.Logger) Option {
	return func(s *Steps) {
		s.logger = l
	}
}

// New creates [Steps] evaluated by e.
func New(e engine.Engine, opts ...Option) *Steps {
	s := &Steps{
		engine:    e,
		toolchain: DefaultToolchain(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Toolchain returns the toolchain in use.
func (s *Steps) Toolchain() Toolchain {
	return s.toolchain
}

// ---------------------------------------------------------------------------
// Base containers
// ---------------------------------------------------------------------------

// ScriptBase returns a fresh container of the script image with the
// workdir set.
func (s *Steps) ScriptBase() engine.Container {
	return engine.From(s.toolchain.ScriptImage).WithWorkdir(s.toolchain.Workdir)
}

// NodeBase returns a fresh container of the Node image with the workdir
// set.
func (s *Steps) NodeBase() engine.Container {
	return engine.From(s.toolchain.NodeImage).WithWorkdir(s.toolchain.Workdir)
}

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// Install copies the manifest and lockfile of src into a fresh script
// container and installs dependencies. Only those two files are copied, so
// the install layer is reused as long as they do not change. A missing
// file or a failing install yields [ErrInstallFailed].
func (s *Steps) Install(ctx context.Context, src engine.Tree) (*Execution, error) {
	tc := s.toolchain
	ctr := s.ScriptBase().
		WithFile(path.Join(tc.Workdir, tc.Manifest), src, tc.Manifest).
		WithFile(path.Join(tc.Workdir, tc.Lockfile), src, tc.Lockfile).
		WithExec(tc.Install)

	return s.run(ctx, "install", ctr, ErrInstallFailed)
}

// Mount installs the dependencies of src with [Steps.Install] and mounts
// both with [Steps.MountWith].
func (s *Steps) Mount(ctx context.Context, src engine.Tree) (engine.Container, error) {
	deps, err := s.Install(ctx, src)
	if err != nil {
		return engine.Container{}, err
	}

	return s.MountWith(src, deps), nil
}

// MountWith returns a fresh script container with src mounted at the
// workdir and the node_modules of deps, an [Steps.Install] result, mounted
// on top.
func (s *Steps) MountWith(src engine.Tree, deps *Execution) engine.Container {
	modules := path.Join(s.toolchain.Workdir, nodeModules)

	return s.ScriptBase().
		WithDirectory(s.toolchain.Workdir, src).
		WithDirectory(modules, deps.Container.Directory(modules))
}

// ---------------------------------------------------------------------------
// Quality gates and build
// ---------------------------------------------------------------------------

// Gate runs the package script named script in the mounted container ctr.
// A non-zero exit yields [ErrScriptFailed].
func (s *Steps) Gate(ctx context.Context, ctr engine.Container, script string) (*Execution, error) {
	args := append(slices.Clone(s.toolchain.Run), script)

	return s.run(ctx, script, ctr.WithExec(args), ErrScriptFailed)
}

// Lint runs the lint script in the mounted container ctr.
func (s *Steps) Lint(ctx context.Context, ctr engine.Container) (*Execution, error) {
	return s.Gate(ctx, ctr, "lint")
}

// Test runs the test script in the mounted container ctr.
func (s *Steps) Test(ctx context.Context, ctr engine.Container) (*Execution, error) {
	return s.Gate(ctx, ctr, "test")
}

// Build mounts src and runs the build script. Use [Steps.Tree] on the
// result to get the built package.
func (s *Steps) Build(ctx context.Context, src engine.Tree) (*Execution, error) {
	ctr, err := s.Mount(ctx, src)
	if err != nil {
		return nil, err
	}

	return s.Gate(ctx, ctr, "build")
}

// Tree returns the package directory of ctr.
func (s *Steps) Tree(ctr engine.Container) engine.Tree {
	return ctr.Directory(s.toolchain.Workdir)
}

// ---------------------------------------------------------------------------
// Versioning
// ---------------------------------------------------------------------------

// BumpVersion rewrites the manifest version of src to version without
// creating a git tag or running commit hooks. The version must be a
// normalized semantic version such as "1.2.3"; anything else yields
// [ErrVersionUpdateFailed] before a container is started.
func (s *Steps) BumpVersion(ctx context.Context, version string, src engine.Tree) (*Execution, error) {
	if _, err := semver.StrictNewVersion(version); err != nil {
		return nil, fmt.Errorf("%w: invalid version %q: %w", ErrVersionUpdateFailed, version, err)
	}

	ctr := s.NodeBase().
		WithDirectory(s.toolchain.Workdir, src).
		WithExec([]string{
			"npm", "version", version,
			"--no-git-tag-version",
			"--no-commit-hooks",
			"--allow-same-version",
		})

	return s.run(ctx, "version", ctr, ErrVersionUpdateFailed)
}

// manifest holds the fields of package.json the pipeline reads.
type manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PackageName returns the package name declared by the manifest of src.
func (s *Steps) PackageName(ctx context.Context, src engine.Tree) (string, error) {
	raw, err := s.engine.ReadFile(ctx, src, s.toolchain.Manifest)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("parse manifest: %w", err)
	}

	if m.Name == "" {
		return "", fmt.Errorf("manifest %s has no name", s.toolchain.Manifest)
	}

	return m.Name, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// run evaluates ctr and converts a failing exec into a [*StepError]
// wrapping sentinel. Other evaluation failures, such as a missing file,
// are wrapped with sentinel as well.
func (s *Steps) run(ctx context.Context, step string, ctr engine.Container, sentinel error) (*Execution, error) {
	log := s.logger.With(slog.String("step", step))
	log.Info("running step", slog.String("command", strings.Join(ctr.LastExec(), " ")))

	start := time.Now()
	out, err := s.engine.Run(ctx, ctr)
	elapsed := time.Since(start)

	if err != nil {
		var execErr *engine.ExecError
		if errors.As(err, &execErr) {
			log.Error("step failed",
				slog.Int("exit_code", execErr.ExitCode),
				slog.Duration("duration", elapsed),
			)

			return nil, &StepError{
				Step:     step,
				Args:     execErr.Args,
				ExitCode: execErr.ExitCode,
				Stdout:   execErr.Stdout,
				Stderr:   execErr.Stderr,
				Err:      sentinel,
			}
		}

		log.Error("step failed", slog.Any("err", err))

		return nil, fmt.Errorf("%s: %w: %w", step, sentinel, err)
	}

	log.Info("step succeeded", slog.Duration("duration", elapsed))
	log.Debug("step output", slog.String("stdout", out.Stdout), slog.String("stderr", out.Stderr))

	return &Execution{Step: step, Container: ctr, Output: out, Duration: elapsed}, nil
}
