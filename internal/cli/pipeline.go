package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/fixentropy-io/daggerverse/pkg/archive"
	"github.com/fixentropy-io/daggerverse/pkg/ciinfo"
	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/oidctoken"
	"github.com/fixentropy-io/daggerverse/pkg/paths"
	"github.com/fixentropy-io/daggerverse/pkg/pipeline"
	"github.com/fixentropy-io/daggerverse/pkg/tracing"
)

const (
	pullRequestExample = `  # Lint and test the main branch
  npmci pull-request --url https://github.com/acme/pkg.git

  # Lint and test a feature branch
  npmci pull-request --url https://github.com/acme/pkg.git --branch feature/x
`
	publishExample = `  # Publish the package in the current directory as 1.2.3
  NPM_TOKEN=... npmci %[1]s --source . --tag v1.2.3

  # Publish a branch under the repository's latest tag
  NPM_TOKEN=... npmci %[1]s --git_url https://github.com/acme/pkg.git --branch main
`
	publishReleaseExample = `  # In a GitHub Actions job with "id-token: write" permission
  npmci publish-release --git_url https://github.com/acme/pkg.git
`
)

// Directories never uploaded from a local source.
var sourceExcludes = []string{"node_modules", ".git"}

func (a *app) newPullRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pull-request",
		Short:   "Lint and test a branch of a repository",
		Example: pullRequestExample,
		Args:    cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			var merr error

			flags := cc.Flags()
			url, err := flags.GetString("url")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			branch, err := flags.GetString("branch")
			if err != nil {
				merr = multierror.Append(merr, err)
			}

			if merr != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
			}

			return a.run(cc, false, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Result, error) {
				return p.OnPullRequest(ctx, url, branch)
			})
		},
	}

	cmd.Flags().String("url", "", "Git repository URL")
	cmd.Flags().String("branch", pipeline.DefaultBranch, "Branch to validate")
	if err := cmd.MarkFlagRequired("url"); err != nil {
		panic(err)
	}

	return cmd
}

func (a *app) newPublishCmd(entry, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     entry,
		Short:   short,
		Example: fmt.Sprintf(publishExample, entry),
		Args:    cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			var merr error

			flags := cc.Flags()
			tokenEnv, err := flags.GetString("token_env")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			source, err := flags.GetString("source")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			gitURL, err := flags.GetString("git_url")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			branch, err := flags.GetString("branch")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			tag, err := flags.GetString("tag")
			if err != nil {
				merr = multierror.Append(merr, err)
			}

			if merr != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
			}

			var src *engine.Tree
			if source != "" {
				dir, err := paths.FindPackageRoot(source)
				if err != nil {
					return fmt.Errorf("%w: source: %w", ErrInvalidArgument, err)
				}
				if dir != filepath.Clean(source) {
					a.logger.Debug("resolved package root", slog.String("source", source), slog.String("root", dir))
				}
				t := engine.HostDir(dir, sourceExcludes...)
				src = &t
			}

			req, err := pipeline.NewPublishRequest(a.secretFromEnv(tokenEnv), src, gitURL, branch, tag)
			if err != nil {
				return err
			}

			return a.run(cc, false, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Result, error) {
				if entry == pipeline.EntryOnPublish {
					return p.OnPublish(ctx, req)
				}

				return p.Publish(ctx, req)
			})
		},
	}

	cmd.Flags().String("token_env", "NPM_TOKEN", "Environment variable holding the npm publish token")
	cmd.Flags().String("source", "", "Local package directory, or a directory below it")
	cmd.Flags().String("git_url", "", "Git repository URL, used for the source and the latest tag")
	cmd.Flags().String("branch", "", "Branch to publish from when no local source is given")
	cmd.Flags().String("tag", "", "Release tag, e.g. v1.2.3; defaults to the repository's latest tag")
	if err := cmd.MarkFlagDirname("source"); err != nil {
		panic(err)
	}

	return cmd
}

func (a *app) newPublishReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "publish-release",
		Short:   "Build and publish the latest tag using an OIDC-exchanged token",
		Example: publishReleaseExample,
		Args:    cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			var merr error

			flags := cc.Flags()
			oidcURL, err := flags.GetString("oidc_url")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			oidcTokenEnv, err := flags.GetString("oidc_token_env")
			if err != nil {
				merr = multierror.Append(merr, err)
			}
			gitURL, err := flags.GetString("git_url")
			if err != nil {
				merr = multierror.Append(merr, err)
			}

			if merr != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
			}

			req := pipeline.ReleaseRequest{
				OIDCURL:   oidcURL,
				OIDCToken: a.secretFromEnv(oidcTokenEnv),
				GitURL:    gitURL,
			}
			if err := req.Validate(); err != nil {
				return err
			}

			return a.run(cc, true, func(ctx context.Context, p *pipeline.Pipeline) (*pipeline.Result, error) {
				return p.PublishRelease(ctx, req)
			})
		},
	}

	cmd.Flags().String("oidc_url", a.getenv("ACTIONS_ID_TOKEN_REQUEST_URL"), "OIDC ID token request URL")
	cmd.Flags().String("oidc_token_env", "ACTIONS_ID_TOKEN_REQUEST_TOKEN",
		"Environment variable holding the OIDC ID token request token")
	cmd.Flags().String("git_url", "", "Git repository URL")
	if err := cmd.MarkFlagRequired("git_url"); err != nil {
		panic(err)
	}

	return cmd
}

func (a *app) newLatestTagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest-tag <url>",
		Short: "Print the most recently created tag of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cc *cobra.Command, args []string) error {
			ctx := cc.Context()

			e, release, err := a.connect(ctx, cc.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("connect to engine: %w", err)
			}
			defer a.release(release)

			p := pipeline.New(e, pipeline.WithLogger(a.logger))

			tag, err := p.LatestTag(ctx, args[0])
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cc.OutOrStdout(), tag)

			return err
		},
	}
}

// run connects to the engine, runs fn and prints a summary of its result.
func (a *app) run(
	cc *cobra.Command,
	release bool,
	fn func(context.Context, *pipeline.Pipeline) (*pipeline.Result, error),
) error {
	ctx := cc.Context()

	e, closeEngine, err := a.connect(ctx, cc.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("connect to engine: %w", err)
	}
	defer a.release(closeEngine)

	p, err := a.newPipeline(ctx, e, release)
	if err != nil {
		return err
	}

	res, err := fn(ctx, p)
	if res != nil {
		if serr := renderSummary(cc.OutOrStdout(), res, err); serr != nil {
			return errors.Join(err, serr)
		}
	}

	return err
}

func (a *app) newPipeline(ctx context.Context, e engine.Engine, release bool) (*pipeline.Pipeline, error) {
	tc := a.config.NPMToolchain()

	opts := []pipeline.Option{
		pipeline.WithLogger(a.logger),
		pipeline.WithToolchain(tc),
		pipeline.WithCIInfo(ciinfo.FromEnv(a.getenv)),
	}

	if a.logger.Enabled(ctx, slog.LevelDebug) {
		opts = append(opts, pipeline.WithTracerProvider(tracing.NewLoggingProvider(a.logger)))
	}

	if release {
		x, err := a.tokenExchanger(ctx, tc.Registry)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithTokenExchanger(x))
	}

	if a.config.Archive.Enabled() {
		store, err := archive.New(a.config.Archive.StoreConfig(a.getenv), a.logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithArchiver(store))
	}

	return pipeline.New(e, opts...), nil
}

func (a *app) tokenExchanger(ctx context.Context, registry string) (pipeline.TokenExchanger, error) {
	if a.exchanger != nil {
		return a.exchanger, nil
	}

	cfg := a.config.OIDC
	opts := []oidctoken.Option{
		oidctoken.WithRegistry(registry),
		oidctoken.WithAudience(cfg.Audience),
		oidctoken.WithLogger(a.logger),
	}

	if cfg.Issuer != "" {
		v, err := oidctoken.NewIssuerVerifier(ctx, cfg.Issuer, cfg.Audience)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", failure.ErrAuthentication, err)
		}
		opts = append(opts, oidctoken.WithVerifier(v))
	}

	return oidctoken.New(opts...), nil
}

func (a *app) secretFromEnv(name string) *engine.Secret {
	if name == "" {
		return nil
	}

	v := a.getenv(name)
	if v == "" {
		return nil
	}

	return engine.NewSecret(name, v)
}

func (a *app) release(closeEngine func() error) {
	if closeEngine == nil {
		return
	}
	if err := closeEngine(); err != nil {
		a.logger.Warn("close engine", "err", err)
	}
}
