package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/graph"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Limit int
}

// NewLogCommand creates the log command showing the local audit trail.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show the local command audit trail",
		Long: `Show recent mutations recorded in this store, newest first.

The log is local-only diagnostics: it never travels in patches, and
entries for failed commands carry the error as their outcome.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of entries")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	entries, err := st.CommandLog(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read command log", err)
	}

	if opts.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "(no entries)")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s  %-40s %s\n",
			e.Time.Format(time.RFC3339), e.Command, e.Outcome)
	}
	return nil
}
