package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/graph"
	"github.com/roach88/cairn/internal/identity"
	"github.com/roach88/cairn/internal/patch"
)

// DiffExportOptions holds flags for the diff export command.
type DiffExportOptions struct {
	*RootOptions
	Nodes  string
	Since  string
	Until  string
	Output string
}

// DiffApplyOptions holds flags for the diff apply command.
type DiffApplyOptions struct {
	*RootOptions
	DryRun bool
}

// DiffStatusOptions holds flags for the diff status command.
type DiffStatusOptions struct {
	*RootOptions
	Dir string
}

// NewDiffCommand creates the diff command group.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Export and apply patch files",
		Long: `Sync stores by exchanging patch files.

A patch carries nodes and edges addressed by change-id. Applying is
idempotent: re-applying a patch, or applying patches out of order,
converges to the same graph.`,
	}
	cmd.AddCommand(newDiffExportCommand(rootOpts))
	cmd.AddCommand(newDiffApplyCommand(rootOpts))
	cmd.AddCommand(newDiffStatusCommand(rootOpts))
	return cmd
}

func newDiffExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a subgraph to a patch file",
		Long: `Export selected nodes (plus their outgoing edges) to a patch file.

Exactly one selection: --nodes (list or range), --since/--until, or the
--branch global flag.

Examples:
  cairn diff export --branch main -o main.json
  cairn diff export --nodes 3,5,9 -o picks.json
  cairn diff export --nodes 2-14 -o sprint.json
  cairn diff export --since 2026-03-01 -o recent.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiffExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Nodes, "nodes", "", "node ids to export: comma list (3,5,9) or range (2-14)")
	cmd.Flags().StringVar(&opts.Since, "since", "", "export nodes created at or after this time")
	cmd.Flags().StringVar(&opts.Until, "until", "", "export nodes created at or before this time")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "patch file to write (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runDiffExport(opts *DiffExportOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	sel, err := buildSelector(opts)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid selection", err)
	}

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	p, err := patch.Export(ctx, st, sel, patch.Meta{Author: opts.Author, Branch: opts.Branch})
	if err != nil {
		return WrapExitError(ExitFailure, "export failed", err)
	}
	if err := patch.WriteFile(opts.Output, p); err != nil {
		return WrapExitError(ExitCommandError, "failed to write patch", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"file":  opts.Output,
			"nodes": len(p.Nodes),
			"edges": len(p.Edges),
		})
	}
	fmt.Fprintf(formatter.Writer, "Exported %d node(s), %d edge(s) to %s\n",
		len(p.Nodes), len(p.Edges), opts.Output)
	return nil
}

// buildSelector maps the export flags onto a patch selector. The shared
// --branch flag only acts as a selector when no other mode is given, so
// a configured default branch does not fight --nodes or --since.
func buildSelector(opts *DiffExportOptions) (patch.Selector, error) {
	var sel patch.Selector
	var err error

	if opts.Nodes != "" {
		if sel, err = parseNodeSelection(opts.Nodes); err != nil {
			return patch.Selector{}, err
		}
		return sel, nil
	}
	if opts.Since != "" || opts.Until != "" {
		if sel.Since, err = parseTimeFlag(opts.Since); err != nil {
			return patch.Selector{}, err
		}
		if sel.Until, err = parseTimeFlag(opts.Until); err != nil {
			return patch.Selector{}, err
		}
		return sel, nil
	}
	if opts.Branch != "" {
		return patch.Selector{Branch: opts.Branch}, nil
	}
	return patch.Selector{}, fmt.Errorf("nothing selected: pass --nodes, --since/--until or --branch")
}

func parseNodeSelection(s string) (patch.Selector, error) {
	if from, to, ok := strings.Cut(s, "-"); ok && !strings.Contains(s, ",") {
		lo, err := strconv.ParseInt(strings.TrimSpace(from), 10, 64)
		if err != nil {
			return patch.Selector{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		hi, err := strconv.ParseInt(strings.TrimSpace(to), 10, 64)
		if err != nil {
			return patch.Selector{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
		return patch.Selector{RangeFrom: lo, RangeTo: hi}, nil
	}

	var ids []int64
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return patch.Selector{}, fmt.Errorf("invalid node id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return patch.Selector{IDs: ids}, nil
}

func newDiffApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <file>...",
		Short: "Apply patch files to the local store",
		Long: `Apply one or more patch files.

Each file merges in its own transaction, in argument order. Duplicate
nodes and edges are skipped, edges whose endpoints are still unknown are
reported, and the command exits non-zero only when a file is unreadable,
schema-invalid, or the database fails.

A dry run overlays all files in one rolled-back transaction, so edges in
a later file resolve against nodes an earlier file would have added and
the reports predict exactly what the real sequential apply does.

Examples:
  cairn diff apply incoming/alice.json
  cairn diff apply --dry-run incoming/*.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiffApply(opts, args, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would merge without writing")

	return cmd
}

func runDiffApply(opts *DiffApplyOptions, files []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	// Failed applies roll back their in-transaction log row, so record
	// them from out here. Best-effort: the audit trail never masks the
	// real error.
	audit := func(file string, err error) {
		_ = st.LogCommand(ctx, "apply_patch "+filepath.Base(file), "error: "+err.Error())
	}

	var reports []*patch.Report
	if opts.DryRun {
		entries := make([]patch.ApplyEntry, 0, len(files))
		for _, file := range files {
			p, err := patch.ReadFile(file)
			if err != nil {
				audit(file, err)
				return WrapExitError(ExitFailure, "invalid patch", err)
			}
			entries = append(entries, patch.ApplyEntry{File: filepath.Base(file), Patch: p})
		}
		if reports, err = patch.ApplyAll(ctx, st, entries, true); err != nil {
			return WrapExitError(ExitCommandError, "apply failed", err)
		}
	} else {
		for _, file := range files {
			p, err := patch.ReadFile(file)
			if err != nil {
				audit(file, err)
				return WrapExitError(ExitFailure, "invalid patch", err)
			}
			rep, err := patch.Apply(ctx, st, p, patch.ApplyOptions{File: filepath.Base(file)})
			if err != nil {
				audit(file, err)
				return WrapExitError(ExitCommandError, "apply failed", err)
			}
			reports = append(reports, rep)
		}
	}

	if opts.Format == "json" {
		return formatter.Success(reports)
	}
	for _, rep := range reports {
		outputReportText(formatter.Writer, rep)
	}
	return nil
}

func outputReportText(w io.Writer, rep *patch.Report) {
	header := rep.File
	if rep.DryRun {
		header += " (dry run)"
	}
	fmt.Fprintf(w, "%s\n", header)
	fmt.Fprintf(w, "  nodes: %d added, %d skipped\n", rep.NodesAdded, rep.NodesSkipped)
	fmt.Fprintf(w, "  edges: %d added, %d skipped\n", rep.EdgesAdded, rep.EdgesSkipped)
	for _, u := range rep.Unresolved {
		fmt.Fprintf(w, "  unresolved: %s -[%s]-> %s (missing %s)\n",
			u.FromChangeID, u.EdgeType, u.ToChangeID, joinChangeIDs(u.Missing))
	}
}

func joinChangeIDs(ids []identity.ChangeID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ", ")
}

func newDiffStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffStatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "status",
		Short:         "Show which patch files have been applied",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiffStatus(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dir, "dir", "", "directory of patch files (default: patch_dir from config, else .)")

	return cmd
}

func runDiffStatus(opts *DiffStatusOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	dir := opts.Dir
	if dir == "" {
		dir = opts.PatchDir
	}

	st, err := graph.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	statuses, err := patch.Status(ctx, st, dir)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to scan patch dir", err)
	}

	if opts.Format == "json" {
		return formatter.Success(statuses)
	}
	if len(statuses) == 0 {
		fmt.Fprintf(formatter.Writer, "No patch files in %s\n", dir)
		return nil
	}
	for _, fs := range statuses {
		mark := "pending"
		if fs.Applied {
			mark = "applied"
		}
		fmt.Fprintf(formatter.Writer, "%-8s %s\n", mark, fs.File)
	}
	return nil
}
