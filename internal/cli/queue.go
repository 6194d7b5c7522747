package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shiftsync/internal/models"
)

// QueueListing is the output of queue list.
type QueueListing struct {
	Pending []models.QueuedOperation `json:"pending"`
	Failed  []models.QueuedOperation `json:"failed"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued mutations",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	cmd.AddCommand(newQueueClearCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List pending and failed mutations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context(), opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open", err)
			}
			defer app.Close()

			listing := QueueListing{
				Pending: nonNilOps(app.Queue.Pending()),
				Failed:  nonNilOps(app.Queue.Failed()),
			}
			return opts.printer(cmd).result(listing, func(w io.Writer) {
				if len(listing.Pending)+len(listing.Failed) == 0 {
					fmt.Fprintln(w, "Queue is empty.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "STATE\tID\tKIND\tENTITY\tQUEUED\tATTEMPTS\tLAST ERROR")
				writeOps(tw, "pending", listing.Pending)
				writeOps(tw, "failed", listing.Failed)
				tw.Flush()
			})
		},
	}
}

func writeOps(w io.Writer, state string, ops []models.QueuedOperation) {
	for _, op := range ops {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%d\t%s\n",
			state, op.ID, op.Kind, op.EntityType, op.EntityID,
			op.QueuedAtTime().Format(time.RFC3339), op.Attempts, op.LastError)
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "retry",
		Short:         "Move failed mutations back to the queue and replay now",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := openExclusive(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			res := app.Engine.RetryFailed(cmd.Context())
			body := map[string]interface{}{
				"replayed": res.Replayed,
				"failed":   res.Failed,
				"pending":  res.Pending,
			}
			if res.Err != nil {
				body["error"] = res.Err.Error()
			}
			if err := opts.printer(cmd).result(body, func(w io.Writer) {
				fmt.Fprintf(w, "replayed %d, failed %d, still pending %d\n", res.Replayed, res.Failed, res.Pending)
				if res.Err != nil {
					fmt.Fprintf(w, "stopped: %v\n", res.Err)
				}
			}); err != nil {
				return err
			}
			if !res.OK() {
				return NewExitError(ExitFailure, "replay incomplete")
			}
			return nil
		},
	}
}

func newQueueDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "discard <operation-id>",
		Short:         "Abandon a failed mutation",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := openExclusive(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			if err := app.Engine.Discard(cmd.Context(), args[0]); err != nil {
				return WrapExitError(ExitFailure, "discard failed", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
			return nil
		},
	}
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:           "clear",
		Short:         "Drop every pending and failed mutation",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear the queue without --yes")
			}
			app, done, err := openExclusive(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			counts := app.Queue.Counts()
			app.Queue.Clear(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d pending and %d failed mutations\n", counts.Pending, counts.Failed)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")
	return cmd
}

func nonNilOps(ops []models.QueuedOperation) []models.QueuedOperation {
	if ops == nil {
		return []models.QueuedOperation{}
	}
	return ops
}
