package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/graph"
	"github.com/roach88/cairn/internal/trace"
)

// NodeAddOptions holds flags for the node add command.
type NodeAddOptions struct {
	*RootOptions
	Type        string
	Title       string
	Description string
	Status      string
	Confidence  float64
	Prompt      string
	Files       []string
	Commit      string
}

// NodeListOptions holds flags for the node list command.
type NodeListOptions struct {
	*RootOptions
	Type    string
	Since   string
	Until   string
	Reverse bool
	Limit   int
}

// NewNodeCommand creates the node command group.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Create and inspect reasoning nodes",
	}
	cmd.AddCommand(newNodeAddCommand(rootOpts))
	cmd.AddCommand(newNodeListCommand(rootOpts))
	cmd.AddCommand(newNodeStatusCommand(rootOpts))
	return cmd
}

func newNodeAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new node",
		Long: `Record a new reasoning node.

If a trace session is ambient (CAIRN_SESSION_ID / CAIRN_SPAN_ID set by a
wrapping tool), the node is linked to the active span, including a span
that just completed but has no successor yet. The first goal recorded
under the session additionally becomes the session's trigger node.

Examples:
  cairn node add --type goal --title "Ship patch sync"
  cairn node add --type decision --title "Use change-ids" --confidence 0.8
  cairn node add --type action --title "Write exporter" --file internal/patch/export.go`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "node type (goal|decision|option|action|outcome|observation)")
	_ = cmd.MarkFlagRequired("type")
	cmd.Flags().StringVar(&opts.Title, "title", "", "node title (required)")
	_ = cmd.MarkFlagRequired("title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "longer description")
	cmd.Flags().StringVar(&opts.Status, "status", "", "initial status (default pending)")
	cmd.Flags().Float64Var(&opts.Confidence, "confidence", -1, "confidence in [0,1]")
	cmd.Flags().StringVar(&opts.Prompt, "prompt", "", "prompt excerpt to store in metadata")
	cmd.Flags().StringArrayVar(&opts.Files, "file", nil, "touched file (repeatable)")
	cmd.Flags().StringVar(&opts.Commit, "commit", "", "git commit hash to store in metadata")

	return cmd
}

func runNodeAdd(opts *NodeAddOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	newNode := graph.NewNode{
		Type:        graph.NodeType(opts.Type),
		Title:       opts.Title,
		Description: opts.Description,
		Status:      graph.Status(opts.Status),
		Branch:      opts.Branch,
		Meta:        buildMetadata(opts),
	}

	// The span link is resolved before the insert so both node columns and
	// the ledger row can carry it.
	ambient, ambientOK := trace.ReadAmbient()
	var ledger *trace.Ledger
	if ambientOK {
		ledger, err = trace.Open(opts.Database)
		if err != nil {
			// Provenance must never block recording the node itself.
			formatter.VerboseLog("span link unavailable: %v", err)
			ambientOK = false
		} else {
			defer ledger.Close()
			span, err := ledger.GetSpan(ctx, ambient.SessionID, ambient.SpanSeq)
			if err != nil {
				formatter.VerboseLog("span link unavailable: %v", err)
				ambientOK = false
			} else {
				newNode.Span = &graph.SpanRef{
					SessionID: span.SessionID,
					Seq:       span.Seq,
					ChangeID:  span.ChangeID,
				}
			}
		}
	}

	node, err := st.CreateNode(ctx, newNode)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create node", err)
	}

	if ambientOK {
		if err := ledger.LinkSpanToNode(ctx, ambient.SessionID, ambient.SpanSeq, node.ID, node.ChangeID); err != nil {
			formatter.VerboseLog("span link failed: %v", err)
		}
		// The first goal recorded under an ambient session becomes the
		// session's trigger node. Later goals belong to spans only.
		if node.Type == graph.NodeGoal {
			linkSessionToGoal(ctx, ledger, ambient.SessionID, node, formatter)
		}
	}

	if opts.Format == "json" {
		return formatter.Success(node)
	}
	fmt.Fprintf(formatter.Writer, "Created node %d (%s) %q\n", node.ID, node.Type, node.Title)
	fmt.Fprintf(formatter.Writer, "  change-id: %s\n", node.ChangeID)
	if node.Span != nil {
		fmt.Fprintf(formatter.Writer, "  span: %s/%d\n", node.Span.SessionID, node.Span.Seq)
	}
	return nil
}

// linkSessionToGoal attaches the session to its trigger node,
// first-goal-wins. Best-effort like the span link: failure is diagnostics,
// never a reason to fail the node.
func linkSessionToGoal(ctx context.Context, ledger *trace.Ledger, sessionID string, node graph.Node, formatter *OutputFormatter) {
	sess, err := ledger.GetSession(ctx, sessionID)
	if err != nil {
		formatter.VerboseLog("session link unavailable: %v", err)
		return
	}
	if sess.LinkedNodeID != 0 {
		return
	}
	if err := ledger.LinkSessionToNode(ctx, sessionID, node.ID, node.ChangeID); err != nil {
		formatter.VerboseLog("session link failed: %v", err)
	}
}

func buildMetadata(opts *NodeAddOptions) *graph.Metadata {
	meta := &graph.Metadata{
		Prompt:    opts.Prompt,
		Files:     opts.Files,
		GitCommit: opts.Commit,
	}
	if opts.Commit != "" {
		meta.GitBranch = opts.Branch
	}
	if opts.Confidence >= 0 {
		c := opts.Confidence
		meta.Confidence = &c
	}
	if meta.Confidence == nil && meta.Prompt == "" && len(meta.Files) == 0 && meta.GitCommit == "" {
		return nil
	}
	return meta
}

func newNodeListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NodeListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List nodes in creation order",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "filter by node type")
	cmd.Flags().StringVar(&opts.Since, "since", "", "only nodes created at or after this time (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.Until, "until", "", "only nodes created at or before this time")
	cmd.Flags().BoolVar(&opts.Reverse, "reverse", false, "newest first")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of nodes")

	return cmd
}

func runNodeList(opts *NodeListOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	filter := graph.Filter{
		Branch:   opts.Branch,
		NodeType: graph.NodeType(opts.Type),
		Reverse:  opts.Reverse,
		Limit:    opts.Limit,
	}
	var err error
	if filter.Since, err = parseTimeFlag(opts.Since); err != nil {
		return WrapExitError(ExitFailure, "invalid --since", err)
	}
	if filter.Until, err = parseTimeFlag(opts.Until); err != nil {
		return WrapExitError(ExitFailure, "invalid --until", err)
	}

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	nodes, err := st.ListNodes(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list nodes", err)
	}

	if opts.Format == "json" {
		return formatter.Success(nodes)
	}
	if len(nodes) == 0 {
		fmt.Fprintln(formatter.Writer, "(no nodes)")
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintf(formatter.Writer, "[%d] %-11s %-9s %s\n", n.ID, n.Type, n.Status, n.Title)
		if opts.Verbose {
			fmt.Fprintf(formatter.Writer, "      change-id: %s  created: %s\n",
				n.ChangeID, n.CreatedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func newNodeStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "status <id> <status>",
		Short:         "Update a node's lifecycle status",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeStatus(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runNodeStatus(opts *RootOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts, cmd)

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid node id", err)
	}
	status := graph.Status(args[1])
	if !status.Valid() {
		return NewExitError(ExitFailure, fmt.Sprintf("invalid status %q", args[1]))
	}

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	if err := st.UpdateNodeStatus(ctx, id, status); err != nil {
		return WrapExitError(ExitFailure, "failed to update status", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{"id": id, "status": status})
	}
	fmt.Fprintf(formatter.Writer, "Node %d -> %s\n", id, status)
	return nil
}

// newFormatter builds the standard formatter wired to the command's
// writers.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// parseTimeFlag accepts RFC 3339 timestamps or bare dates.
func parseTimeFlag(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC 3339 or YYYY-MM-DD, got %q", s)
	}
	return t, nil
}
