package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Session string
}

// TraceResult holds the complete trace output for one session.
type TraceResult struct {
	Session trace.Session `json:"session"`
	Spans   []trace.Span  `json:"spans"`
	Stats   TraceStats    `json:"stats"`
}

// TraceStats holds summary statistics for a session trace.
type TraceStats struct {
	TotalSpans     int   `json:"total_spans"`
	CompletedSpans int   `json:"completed_spans"`
	OpenSpans      int   `json:"open_spans"`
	LinkedNodes    int   `json:"linked_nodes"`
	TotalTokens    int64 `json:"total_tokens"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect trace sessions and spans",
		Long: `Inspect the span ledger.

Without --session, lists all recorded sessions. With --session, shows
the session's spans in start order: state, model, token counts, and the
reasoning node each span is linked to.

Examples:
  cairn trace
  cairn trace --session agent-2026-03-01
  cairn trace --session agent-2026-03-01 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "session id to trace (default: list sessions)")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	ledger, err := trace.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer ledger.Close()

	if opts.Session == "" {
		sessions, err := ledger.ListSessions(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list sessions", err)
		}
		if opts.Format == "json" {
			return formatter.Success(sessions)
		}
		return outputSessionsText(formatter.Writer, sessions)
	}

	session, err := ledger.GetSession(ctx, opts.Session)
	if err != nil {
		return WrapExitError(ExitFailure, "unknown session", err)
	}
	spans, err := ledger.ListSpans(ctx, opts.Session)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list spans", err)
	}

	result := TraceResult{
		Session: session,
		Spans:   spans,
		Stats:   buildTraceStats(session, spans),
	}

	if opts.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	}
	return outputTraceText(formatter.Writer, result, opts.Verbose)
}

func buildTraceStats(session trace.Session, spans []trace.Span) TraceStats {
	stats := TraceStats{
		TotalSpans: len(spans),
		TotalTokens: session.InputTokens + session.OutputTokens +
			session.CacheReadTokens + session.CacheWriteTokens,
	}
	for _, s := range spans {
		if s.State == trace.SpanCompleted {
			stats.CompletedSpans++
		} else {
			stats.OpenSpans++
		}
		if s.LinkedNodeID != 0 {
			stats.LinkedNodes++
		}
	}
	return stats
}

func outputSessionsText(w io.Writer, sessions []trace.Session) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "(no sessions)")
		return nil
	}
	for _, s := range sessions {
		state := "open"
		if s.EndedAt != nil {
			state = "ended"
		}
		fmt.Fprintf(w, "%-30s %-6s started %s  tokens in=%d out=%d\n",
			s.ID, state, s.StartedAt.Format(time.RFC3339), s.InputTokens, s.OutputTokens)
	}
	return nil
}

func outputTraceText(w io.Writer, result TraceResult, verbose bool) error {
	fmt.Fprintf(w, "Trace for session: %s\n", result.Session.ID)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Spans ===")
	if len(result.Spans) == 0 {
		fmt.Fprintln(w, "  (no spans)")
	} else {
		for _, s := range result.Spans {
			formatSpan(w, s, verbose)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Spans:        %d (%d completed, %d open)\n",
		result.Stats.TotalSpans, result.Stats.CompletedSpans, result.Stats.OpenSpans)
	fmt.Fprintf(w, "  Linked nodes: %d\n", result.Stats.LinkedNodes)
	fmt.Fprintf(w, "  Tokens:       in=%d out=%d cache_read=%d cache_write=%d\n",
		result.Session.InputTokens, result.Session.OutputTokens,
		result.Session.CacheReadTokens, result.Session.CacheWriteTokens)

	return nil
}

func formatSpan(w io.Writer, s trace.Span, verbose bool) {
	switch s.State {
	case trace.SpanCompleted:
		fmt.Fprintf(w, "  [%d] %s %s tokens in=%d out=%d\n",
			s.Seq, s.State, s.Model, s.InputTokens, s.OutputTokens)
	default:
		fmt.Fprintf(w, "  [%d] %s (response never recorded)\n", s.Seq, s.State)
	}
	if s.LinkedNodeID != 0 {
		fmt.Fprintf(w, "       node: %d (%s)\n", s.LinkedNodeID, s.LinkedChangeID)
	}
	if verbose {
		if s.StopReason != "" {
			fmt.Fprintf(w, "       stop: %s\n", s.StopReason)
		}
		if len(s.ToolNames) > 0 {
			fmt.Fprintf(w, "       tools: %s\n", strings.Join(s.ToolNames, ", "))
		}
		if s.TextPreview != "" {
			fmt.Fprintf(w, "       text: %s\n", s.TextPreview)
		}
	}
}
