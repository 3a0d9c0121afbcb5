package npm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fixentropy-io/daggerverse/pkg/engine"
)

// Publish publishes the package in src to the toolchain's registry using
// token. The token is injected as [TokenVariable] for this execution only
// and referenced from a generated user .npmrc.
//
// A non-zero exit yields [ErrPublishFailed], or [ErrPublishUnauthorized]
// when npm reports a credential problem. Publishing is never retried.
func (s *Steps) Publish(ctx context.Context, src engine.Tree, token *engine.Secret) (*Execution, error) {
	if token.Empty() {
		return nil, fmt.Errorf("publish: %w: empty token", ErrPublishUnauthorized)
	}

	npmrc, err := RegistryConfig(s.toolchain.Registry)
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	ctr := s.NodeBase().
		WithDirectory(s.toolchain.Workdir, src).
		WithNewFile(npmrcPath, npmrc).
		WithEnvVariable("NPM_CONFIG_USERCONFIG", npmrcPath).
		WithSecretVariable(TokenVariable, token).
		WithExec([]string{"npm", "publish", "--access", s.toolchain.Access})

	x, err := s.run(ctx, "publish", ctr, ErrPublishFailed)

	var stepErr *StepError
	if errors.As(err, &stepErr) && isAuthFailure(stepErr.Stdout+stepErr.Stderr) {
		stepErr.Err = ErrPublishUnauthorized
	}

	return x, err
}

// Pack runs npm pack on src and returns the tarball's file name and
// contents.
func (s *Steps) Pack(ctx context.Context, src engine.Tree) (string, []byte, error) {
	ctr := s.NodeBase().
		WithDirectory(s.toolchain.Workdir, src).
		WithExec([]string{"npm", "pack", "--ignore-scripts"})

	x, err := s.run(ctx, "pack", ctr, ErrPackFailed)
	if err != nil {
		return "", nil, err
	}

	name := lastLine(x.Output.Stdout)
	if !strings.HasSuffix(name, ".tgz") {
		return "", nil, fmt.Errorf("%w: unexpected npm pack output %q", ErrPackFailed, x.Output.Stdout)
	}

	data, err := s.engine.ExportFile(ctx, s.Tree(ctr), name)
	if err != nil {
		return "", nil, fmt.Errorf("%w: read %s: %w", ErrPackFailed, name, err)
	}

	return name, data, nil
}

// RegistryConfig returns .npmrc contents pointing npm at registry and
// reading the auth token from [TokenVariable].
func RegistryConfig(registry string) (string, error) {
	u, err := url.Parse(registry)
	if err != nil {
		return "", fmt.Errorf("parse registry url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("registry url %q has no host", registry)
	}

	scope := "//" + u.Host + strings.TrimSuffix(u.Path, "/") + "/"

	return fmt.Sprintf("registry=%s\n%s:_authToken=${%s}\n", strings.TrimSuffix(registry, "/")+"/", scope, TokenVariable), nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")

	return strings.TrimSpace(lines[len(lines)-1])
}
