package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shiftsync/internal/logging"
	"github.com/kimhsiao/shiftsync/internal/server"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ListenAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine and the local control API",
		Long: `Run the sync engine until interrupted.

The engine probes the API, replays queued mutations whenever connectivity
returns and merges push events. The local control API (REST, /ws status
feed and /metrics) listens on listen_addr.

Examples:
  shiftsync run
  shiftsync run --config shiftsync.yaml --listen 127.0.0.1:9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "override listen_addr (empty keeps the configured value)")

	return cmd
}

func runEngine(ctx context.Context, opts *RunOptions, cmd *cobra.Command) error {
	cfg := opts.Config
	if opts.ListenAddr != "" {
		cfg.ListenAddr = opts.ListenAddr
	}

	lock, err := acquireDataLock(cfg.DataDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "another shiftsync holds the data directory", err)
	}
	defer lock.Release()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer app.Close()

	if !app.Persistent {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: durable storage unavailable, queued changes will not survive a restart")
	}

	var srv *server.Server
	if cfg.ListenAddr != "" {
		srv = server.New(cfg.ListenAddr, server.Deps{
			Engine:   app.Engine,
			Queue:    app.Queue,
			Entities: app.Store,
			Changes:  app.Store,
			Drafts:   app.Drafts,
			Gatherer: app.Metrics,
		})
		if err := srv.Start(); err != nil {
			return WrapExitError(ExitCommandError, "failed to start control API", err)
		}
	}

	app.Engine.Start(ctx)
	app.Background.Start(ctx)
	logging.Info("shiftsync running", map[string]interface{}{
		"api":     cfg.APIBaseURL,
		"pending": app.Queue.PendingCount(),
		"failed":  app.Queue.FailedCount(),
	})

	<-ctx.Done()
	logging.Info("Shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Control API shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}
