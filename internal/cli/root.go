package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags and resolved config for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
	Author     string
	Branch     string
	PatchDir   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the cairn CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cairn",
		Short: "cairn - append-mostly reasoning graph with patch sync",
		Long: `Record decisions, actions and outcomes as a local graph, link them to
LLM trace spans, and sync machines by exchanging idempotent patch files.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			cfg, err := LoadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			cfg.resolve(opts, cmd.Flags().Changed)
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to cairn.yaml (default: ./cairn.yaml, then user config dir)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: cairn.db)")
	cmd.PersistentFlags().StringVar(&opts.Author, "author", "", "author recorded in exported patches")
	cmd.PersistentFlags().StringVar(&opts.Branch, "branch", "", "default branch tag for new nodes and exports")

	// Add subcommands
	cmd.AddCommand(NewNodeCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewStartSpanCommand(opts))
	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewDiffCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
