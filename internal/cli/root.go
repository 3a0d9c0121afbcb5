package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/fixentropy-io/daggerverse/internal/version"
	"github.com/fixentropy-io/daggerverse/pkg/config"
	"github.com/fixentropy-io/daggerverse/pkg/daggerengine"
	"github.com/fixentropy-io/daggerverse/pkg/engine"
	"github.com/fixentropy-io/daggerverse/pkg/failure"
	"github.com/fixentropy-io/daggerverse/pkg/log"
	"github.com/fixentropy-io/daggerverse/pkg/pipeline"
)

var ErrInvalidArgument = fmt.Errorf("%w: invalid argument", failure.ErrConfiguration)

// EngineFactory connects to a container engine. The returned function
// releases the connection.
type EngineFactory func(ctx context.Context, logOutput io.Writer) (engine.Engine, func() error, error)

// ConnectDagger is the default [EngineFactory].
func ConnectDagger(ctx context.Context, logOutput io.Writer) (engine.Engine, func() error, error) {
	e, err := daggerengine.Connect(ctx, logOutput)
	if err != nil {
		return nil, nil, err
	}

	return e, e.Close, nil
}

// Option configures the root command.
type Option func(*app)

// WithEngineFactory replaces [ConnectDagger].
func WithEngineFactory(f EngineFactory) Option {
	return func(a *app) {
		a.connect = f
	}
}

// WithGetenv replaces [os.Getenv] for tokens, CI identifiers, and flag
// defaults.
func WithGetenv(getenv func(string) string) Option {
	return func(a *app) {
		a.getenv = getenv
	}
}

// WithTokenExchanger replaces the OIDC exchanger of publish-release.
func WithTokenExchanger(x pipeline.TokenExchanger) Option {
	return func(a *app) {
		a.exchanger = x
	}
}

// app holds the state shared by the commands of one root command.
type app struct {
	connect   EngineFactory
	getenv    func(string) string
	exchanger pipeline.TokenExchanger

	config config.Config
	logger *slog.Logger
}

func NewRootCmd(name, shortDesc, longDesc string, opts ...Option) *cobra.Command {
	a := &app{
		connect: ConnectDagger,
		getenv:  os.Getenv,
		config:  config.Default(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	cmd := &cobra.Command{
		Use:           name,
		Short:         shortDesc,
		Long:          longDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
	}

	cmd.PersistentFlags().String("log_level", "info", "Set the log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log_format", log.AutoFormat, "Set the log format (text, json, pretty, auto)")
	cmd.PersistentFlags().String("config", config.DefaultPath, "Path to the configuration file")

	cmd.PersistentPreRunE = func(cc *cobra.Command, _ []string) error {
		flags := cc.Flags()

		var merr error

		logLevel, err := flags.GetString("log_level")
		if err != nil {
			merr = multierror.Append(merr, err)
		}

		logFormat, err := flags.GetString("log_format")
		if err != nil {
			merr = multierror.Append(merr, err)
		}

		configPath, err := flags.GetString("config")
		if err != nil {
			merr = multierror.Append(merr, err)
		}

		if merr != nil {
			return fmt.Errorf("%w: %w", ErrInvalidArgument, merr)
		}

		h, err := log.CreateHandler(cc.ErrOrStderr(), logLevel, logFormat)
		if err != nil {
			return fmt.Errorf("%w: failed creating log handler: %w", ErrInvalidArgument, err)
		}
		a.logger = slog.New(h)
		slog.SetDefault(a.logger)

		cfg, err := config.Load(configPath, !flags.Changed("config"))
		if err != nil {
			return err
		}
		a.config = cfg

		return nil
	}

	cmd.AddCommand(a.newPullRequestCmd())
	cmd.AddCommand(a.newPublishCmd(pipeline.EntryOnPublish,
		"Lint, test, build, and publish a package"))
	cmd.AddCommand(a.newPublishCmd(pipeline.EntryPublish,
		"Lint, test, and publish a package without building it"))
	cmd.AddCommand(a.newPublishReleaseCmd())
	cmd.AddCommand(a.newLatestTagCmd())
	cmd.AddCommand(a.newServeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd returns the version command.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version of the npmci CLI",
		Args:  cobra.NoArgs,
		Run: func(cc *cobra.Command, _ []string) {
			cc.Println(version.String())
		},
	}
}
