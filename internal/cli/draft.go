package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewDraftCommand creates the draft command group.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect or clear the saved form draft",
	}
	cmd.AddCommand(newDraftShowCommand(rootOpts))
	cmd.AddCommand(newDraftClearCommand(rootOpts))
	return cmd
}

func newDraftShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show",
		Short:         "Print the saved draft",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(cmd.Context(), opts.Config)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open", err)
			}
			defer app.Close()

			rec, ok := app.Drafts.LoadDraft(cmd.Context())
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("no draft saved for %q", app.Drafts.Key()))
			}
			return opts.printer(cmd).result(rec, func(w io.Writer) {
				fmt.Fprintf(w, "key:     %s\n", rec.Key)
				fmt.Fprintf(w, "saved:   %s\n", rec.LastSavedTime().Format(time.RFC3339))
				if rec.LinkedEntityID != "" {
					fmt.Fprintf(w, "entity:  %s\n", rec.LinkedEntityID)
				}
				fmt.Fprintf(w, "payload: %s\n", rec.Payload)
			})
		},
	}
}

func newDraftClearCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "clear",
		Short:         "Delete the saved draft",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := openExclusive(cmd, opts)
			if err != nil {
				return err
			}
			defer done()

			app.Drafts.ClearDraft(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared draft %q\n", app.Drafts.Key())
			return nil
		},
	}
}
