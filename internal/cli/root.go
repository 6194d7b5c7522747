// Package cli implements the shiftsync command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/shiftsync/internal/config"
	"github.com/kimhsiao/shiftsync/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// RootOptions holds global flags and the loaded configuration.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json"
	Verbose    bool

	Config config.Config
	LogOut io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{LogOut: os.Stderr}

	cmd := &cobra.Command{
		Use:     "shiftsync",
		Short:   "Offline-resilient sync core for shift handover clients",
		Long:    "shiftsync keeps drafts and queued mutations on disk and replays them against the API when connectivity returns.",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load configuration", err)
			}
			opts.Config = cfg

			level := logging.ParseLevel(cfg.LogLevel)
			if opts.Verbose {
				level = logging.LevelDebug
			}
			logging.Init(opts.LogOut, level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewDraftCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, w: cmd.OutOrStdout()}
}
