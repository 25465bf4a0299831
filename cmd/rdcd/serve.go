package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rdcsync/rdcsync/config"
	"github.com/rdcsync/rdcsync/logging"
	"github.com/rdcsync/rdcsync/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node",
	RunE:  runServe,
}

func init() {
	d := config.Default()
	flags := serveCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "configuration file")
	flags.String("data-dir", d.DataDir, "data directory")
	flags.String("listen", d.Listen, "address to listen on")
	flags.String("server-url", d.ServerURL, "URL peers use to reach this node")
	flags.String("server-id", d.ServerID, "server id (generated when empty)")
	flags.String("signature-cache", d.SignatureCache, "where peer signatures are cached: disk or memory")
	flags.Duration("lock-timeout", d.LockTimeout, "how long an abandoned synchronization lock holds")
	flags.String("log.level", d.Log.Level, "debug, info, warn or error")
	flags.String("log.format", d.Log.Format, "json or console")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.Output,
	})
	if err != nil {
		return errors.Wrap(err, "initializing logging")
	}
	defer logging.Sync()

	n, err := node.New(*cfg, logger, nil)
	if err != nil {
		return err
	}
	defer n.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: n.Server.Handler(),
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		n.Logger.Info("listening",
			zap.String("addr", cfg.Listen),
			zap.String("url", cfg.ServerURL),
			zap.String("data_dir", cfg.DataDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.WithStack(err)
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		n.Logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		// ends notification streams and background synchronizations
		n.Server.Close()
		return errors.WithStack(srv.Shutdown(shutdownCtx))
	})
	return eg.Wait()
}
