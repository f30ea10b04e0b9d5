package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/graph"
)

// LinkOptions holds flags for the link command.
type LinkOptions struct {
	*RootOptions
	Type      string
	Rationale string
}

// NewLinkCommand creates the link command.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LinkOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "link <from> <to>",
		Short: "Create a typed edge between two nodes",
		Long: `Create a directed, typed edge between two existing nodes.

Examples:
  cairn link 3 7 --type leads_to
  cairn link 7 9 --type chosen --rationale "lowest risk"`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLink(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "edge type (leads_to|requires|chosen|rejected|blocks|enables)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Rationale, "rationale", "", "free-text reason for the relationship")

	return cmd
}

func runLink(opts *LinkOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	fromID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid from id", err)
	}
	toID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid to id", err)
	}

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	edge, err := st.CreateEdge(ctx, graph.NewEdge{
		FromID:    fromID,
		ToID:      toID,
		Type:      graph.EdgeType(opts.Type),
		Rationale: opts.Rationale,
	})
	if errors.Is(err, graph.ErrDuplicateEdge) {
		return WrapExitError(ExitFailure, "edge already exists", err)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create edge", err)
	}

	if opts.Format == "json" {
		return formatter.Success(edge)
	}
	fmt.Fprintf(formatter.Writer, "Linked %d -[%s]-> %d\n", edge.FromID, edge.Type, edge.ToID)
	return nil
}
