package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fixentropy-io/daggerverse/pkg/server"
)

const shutdownTimeout = 30 * time.Second

func (a *app) newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline entry points over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cc *cobra.Command, _ []string) error {
			addr, err := cc.Flags().GetString("addr")
			if err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}

			ctx, stop := signal.NotifyContext(cc.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, closeEngine, err := a.connect(ctx, cc.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("connect to engine: %w", err)
			}
			defer a.release(closeEngine)

			p, err := a.newPipeline(ctx, e, true)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.New(p, a.logger).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}

				return nil
			})
			g.Go(func() error {
				<-gCtx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
				defer cancel()

				return srv.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().String("addr", ":8080", "Address to listen on")

	return cmd
}
