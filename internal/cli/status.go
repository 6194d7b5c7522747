package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shiftsync/internal/sync"
)

// StatusReport is the output of the status command.
type StatusReport struct {
	sync.Status
	Summary    string `json:"summary"`
	Persistent bool   `json:"persistent"`
	API        string `json:"api"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show connectivity and queue counts",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runStatus(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	app, err := NewApp(ctx, opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open", err)
	}
	defer app.Close()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := app.Engine.Status()
	status.Online = app.Reachable(probeCtx)

	report := StatusReport{
		Status:     status,
		Summary:    status.Summary(),
		Persistent: app.Persistent,
		API:        opts.Config.APIBaseURL,
	}
	return opts.printer(cmd).result(report, func(w io.Writer) {
		fmt.Fprintln(w, report.Summary)
		fmt.Fprintf(w, "api:      %s (%s)\n", report.API, onlineWord(report.Online))
		fmt.Fprintf(w, "pending:  %d\n", report.Pending)
		fmt.Fprintf(w, "failed:   %d\n", report.Failed)
		if !report.Persistent {
			fmt.Fprintln(w, "storage:  in-memory only")
		}
	})
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
