package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/conneroisu/bundlr/internal/devserver"
	"github.com/conneroisu/bundlr/internal/metrics"
	"github.com/conneroisu/bundlr/internal/session"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the development server with hot updates",
	Long: `Build the project into memory, serve it and rebuild whenever a watched
file changes. Connected browsers receive hot updates over a WebSocket;
changes that cannot be applied in place trigger a full reload.

Examples:
  bundlr serve                     # Serve on localhost:8080
  bundlr serve -p 3000 --open      # Pick a port and open the browser
  bundlr serve --hot=false         # Always reload the page`,
	RunE: runServe,
}

var serveFlags *StandardFlags

func init() {
	rootCmd.AddCommand(serveCmd)

	serveFlags = AddStandardFlags(serveCmd, "server")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, _, err := setup(cmd, serveFlags)
	if err != nil {
		return err
	}

	m := metrics.New()
	sess, err := session.New(session.Options{
		FS:       afero.NewOsFs(),
		OutputFS: afero.NewMemMapFs(),
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	w, err := devserver.NewWatcher(cfg, logger)
	if err != nil {
		return err
	}

	srv, err := devserver.New(devserver.Options{
		Config:  cfg,
		Session: sess,
		Logger:  logger,
		Metrics: m,
		Watcher: w,
	})
	if err != nil {
		_ = w.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}
