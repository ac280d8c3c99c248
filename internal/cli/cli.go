// Package cli wires the command-line surface: run a one-shot reconstruction
// session, serve the HTTP control API, or inspect the effective configuration.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pipescope/internal/config"
	"pipescope/internal/logging"
	"pipescope/internal/pipeline"
	"pipescope/internal/server"
	"pipescope/internal/store"
)

// Version is stamped by the build.
var Version = "dev"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pipescope",
		Short:         "Panoramic reconstruction of pipe interiors from endoscope video",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd(), newConfigCmd(), newVersionCmd())
	return root
}

// setup loads configuration, applies flag overrides, and builds the logger
// and optional history store shared by run and serve.
func setup(cmd *cobra.Command) (*config.Options, *logrus.Logger, *store.Store, error) {
	opts, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	if f := cmd.Flags().Lookup("source"); f != nil && f.Changed {
		opts.Source = f.Value.String()
	}
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		opts.OutputDir = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		opts.Logging.Level = f.Value.String()
	}

	log, err := logging.New(opts.Logging)
	if err != nil {
		return nil, nil, nil, err
	}

	var hist *store.Store
	if opts.DatabasePath != "" {
		hist, err = store.Open(opts.DatabasePath)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return opts, log, hist, nil
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "camera index, video file, stream URL, or image directory")
	cmd.Flags().String("output", "", "output directory root")
	cmd.Flags().String("log-level", "", "debug, info, warn, or error")
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconstruction session until the source drains or SIGINT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, log, hist, err := setup(cmd)
			if err != nil {
				return err
			}
			if hist != nil {
				defer hist.Close()
			}

			orch := pipeline.New(log, hist)
			if err := orch.Configure(opts); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := orch.Start(ctx); err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				if err := orch.Stop(); err != nil {
					log.WithError(err).Warn("stop")
				}
			}()

			orch.Wait()
			prog := orch.GetProgress()
			if prog.Error != "" {
				return errors.New(prog.Error)
			}
			log.WithFields(logrus.Fields{
				"strips":   prog.StripsStitched,
				"panorama": prog.PanoramaPath,
			}).Info("reconstruction complete")
			return nil
		},
	}
	addCommonFlags(cmd)
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, log, hist, err := setup(cmd)
			if err != nil {
				return err
			}
			if hist != nil {
				defer hist.Close()
			}

			if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
				opts.ListenAddr = f.Value.String()
			}

			orch := pipeline.New(log, hist)
			srv := server.New(orch, opts, hist, log)

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().String("listen", "", "listen address, e.g. :8750")
	return cmd
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts, err := config.Load()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(opts)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "pipescope", Version)
		},
	}
}
