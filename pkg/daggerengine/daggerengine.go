// Package daggerengine implements [engine.Engine] on top of the Dagger Go
// SDK. Container and tree values are replayed onto a [dagger.Client] and
// evaluated lazily by the Dagger engine, which caches identical layers
// across steps.
package daggerengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dagger.io/dagger"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
)

var _ engine.Engine = (*Engine)(nil)

// Engine evaluates [engine.Container] values with Dagger. Create instances
// with [New] or [Connect].
type Engine struct {
	client *dagger.Client
}

// New wraps an existing Dagger client. The caller keeps ownership of the
// client.
func New(client *dagger.Client) *Engine {
	return &Engine{client: client}
}

// Connect opens a Dagger session. Engine progress is written to logOutput
// when it is non-nil. Call [Engine.Close] when done.
func Connect(ctx context.Context, logOutput io.Writer) (*Engine, error) {
	var opts []dagger.ClientOpt
	if logOutput != nil {
		opts = append(opts, dagger.WithLogOutput(logOutput))
	}

	client, err := dagger.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to dagger engine: %w", err)
	}

	return &Engine{client: client}, nil
}

// Close ends the Dagger session.
func (e *Engine) Close() error {
	if err := e.client.Close(); err != nil {
		return fmt.Errorf("close dagger session: %w", err)
	}

	return nil
}

// Run implements [engine.Engine].
func (e *Engine) Run(ctx context.Context, c engine.Container) (engine.Output, error) {
	ctr, err := e.container(c)
	if err != nil {
		return engine.Output{}, err
	}

	if c.LastExec() == nil {
		_, err := ctr.Sync(ctx)
		return engine.Output{}, translate(err)
	}

	stdout, err := ctr.Stdout(ctx)
	if err != nil {
		return engine.Output{}, translate(err)
	}

	stderr, err := ctr.Stderr(ctx)
	if err != nil {
		return engine.Output{Stdout: stdout}, translate(err)
	}

	return engine.Output{Stdout: stdout, Stderr: stderr}, nil
}

// ReadFile implements [engine.Engine].
func (e *Engine) ReadFile(ctx context.Context, t engine.Tree, path string) ([]byte, error) {
	dir, err := e.directory(t)
	if err != nil {
		return nil, err
	}

	contents, err := dir.File(path).Contents(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, translate(err))
	}

	return []byte(contents), nil
}

// ExportFile implements [engine.Engine]. [dagger.File.Contents] returns a
// GraphQL string, so the file is exported to a temporary host directory
// and read back from there instead.
func (e *Engine) ExportFile(ctx context.Context, t engine.Tree, name string) ([]byte, error) {
	dir, err := e.directory(t)
	if err != nil {
		return nil, err
	}

	tmp, err := os.MkdirTemp("", "npmci-export-")
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", name, err)
	}
	defer os.RemoveAll(tmp) //nolint:errcheck // temporary directory

	dst := filepath.Join(tmp, filepath.Base(name))
	if _, err := dir.File(name).Export(ctx, dst); err != nil {
		return nil, fmt.Errorf("export %s: %w", name, translate(err))
	}

	data, err := os.ReadFile(dst) //nolint:gosec // path is inside tmp
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", name, err)
	}

	return data, nil
}

// Tags implements [engine.Engine].
func (e *Engine) Tags(ctx context.Context, url string) ([]string, error) {
	tags, err := e.client.Git(url).Tags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tags of %s: %w", url, translate(err))
	}

	for i, t := range tags {
		tags[i] = strings.TrimPrefix(t, "refs/tags/")
	}

	return tags, nil
}

// container replays the layers of c onto a fresh Dagger container.
func (e *Engine) container(c engine.Container) (*dagger.Container, error) {
	ctr := e.client.Container()

	for _, l := range c.Layers() {
		switch l.Op {
		case engine.OpFrom:
			ctr = ctr.From(l.Image)
		case engine.OpWithDirectory:
			dir, err := e.directory(l.Tree)
			if err != nil {
				return nil, err
			}
			ctr = ctr.WithDirectory(l.Path, dir)
		case engine.OpWithFile:
			dir, err := e.directory(l.Tree)
			if err != nil {
				return nil, err
			}
			ctr = ctr.WithFile(l.Path, dir.File(l.Name))
		case engine.OpWithNewFile:
			ctr = ctr.WithNewFile(l.Path, l.Value)
		case engine.OpWithWorkdir:
			ctr = ctr.WithWorkdir(l.Path)
		case engine.OpWithEnvVariable:
			ctr = ctr.WithEnvVariable(l.Name, l.Value)
		case engine.OpWithSecretVariable:
			secret := e.client.SetSecret(l.Secret.Name(), l.Secret.Plaintext())
			ctr = ctr.WithSecretVariable(l.Name, secret)
		case engine.OpWithExec:
			ctr = ctr.WithExec(l.Args)
		default:
			return nil, fmt.Errorf("unsupported layer %s", l.Op)
		}
	}

	return ctr, nil
}

// directory converts t into a Dagger directory.
func (e *Engine) directory(t engine.Tree) (*dagger.Directory, error) {
	switch t.Kind() {
	case engine.TreeFiles:
		files := t.FileMap()
		paths := make([]string, 0, len(files))
		for p := range files {
			paths = append(paths, p)
		}
		sort.Strings(paths)

		dir := e.client.Directory()
		for _, p := range paths {
			dir = dir.WithNewFile(p, files[p])
		}

		return dir, nil

	case engine.TreeHost:
		path, exclude := t.HostPath()

		return e.client.Host().Directory(path, dagger.HostDirectoryOpts{Exclude: exclude}), nil

	case engine.TreeGit:
		url, branch := t.Repository()

		return e.client.Git(url).Branch(branch).Tree(), nil

	case engine.TreeOutput:
		from, path := t.Output()

		ctr, err := e.container(from)
		if err != nil {
			return nil, err
		}

		return ctr.Directory(path), nil
	}

	return nil, fmt.Errorf("unsupported tree kind %s", t.Kind())
}

// translate converts Dagger exec failures into [*engine.ExecError] so that
// callers never depend on the SDK's error types.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var execErr *dagger.ExecError
	if errors.As(err, &execErr) {
		return &engine.ExecError{
			Args:     execErr.Cmd,
			ExitCode: execErr.ExitCode,
			Stdout:   execErr.Stdout,
			Stderr:   execErr.Stderr,
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "no such file or directory") ||
		strings.Contains(msg, "not found") ||
		strings.Contains(msg, "does not exist") {
		return fmt.Errorf("%w: %w", engine.ErrNotFound, err)
	}

	return err
}
