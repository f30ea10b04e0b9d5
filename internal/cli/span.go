package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cairn/internal/trace"
)

// StartSpanOptions holds flags for the start-span command.
type StartSpanOptions struct {
	*RootOptions
	Session string
}

// RecordOptions holds flags for the record command.
type RecordOptions struct {
	*RootOptions
	Session string
	SpanSeq int64
	Stdin   bool
}

// NewStartSpanCommand creates the start-span command.
//
// This command is a machine interface: a wrapping interceptor calls it
// before each network request lands. It prints exactly {"span_id":N} on
// stdout regardless of --format so the caller can cheaply parse it.
func NewStartSpanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartSpanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "start-span",
		Short:         "Open a trace span and print its id",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStartSpan(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "trace session id (default: ambient CAIRN_SESSION_ID)")

	return cmd
}

func runStartSpan(opts *StartSpanOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	session := opts.Session
	if session == "" {
		var ok bool
		if session, ok = trace.ReadAmbientSession(); !ok {
			return NewExitError(ExitFailure, "no session: pass --session or set "+trace.EnvSessionID)
		}
	}

	ledger, err := trace.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer ledger.Close()

	span, err := ledger.StartSpan(ctx, session)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start span", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "{\"span_id\":%d}\n", span.Seq)
	return nil
}

// NewRecordCommand creates the record command, the completion half of
// start-span. It reads a finalized stream record as JSON on stdin.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "record",
		Short:         "Complete a trace span from a stream record on stdin",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Session, "session", "", "trace session id (default: ambient CAIRN_SESSION_ID)")
	cmd.Flags().Int64Var(&opts.SpanSeq, "span-id", 0, "span to complete (default: ambient CAIRN_SPAN_ID)")
	cmd.Flags().BoolVar(&opts.Stdin, "stdin", false, "read the record JSON from stdin")

	return cmd
}

func runRecord(opts *RecordOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	formatter := newFormatter(opts.RootOptions, cmd)

	session := opts.Session
	spanSeq := opts.SpanSeq
	if session == "" || spanSeq == 0 {
		ambient, ok := trace.ReadAmbient()
		if session == "" {
			if !ok {
				return NewExitError(ExitFailure, "no session: pass --session or set "+trace.EnvSessionID)
			}
			session = ambient.SessionID
		}
		if spanSeq == 0 {
			if !ok {
				return NewExitError(ExitFailure, "no span: pass --span-id or set "+trace.EnvSpanSeq)
			}
			spanSeq = ambient.SpanSeq
		}
	}

	if !opts.Stdin {
		return NewExitError(ExitFailure, "record requires --stdin")
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read stdin", err)
	}
	var rec trace.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return WrapExitError(ExitFailure, "invalid record JSON", err)
	}

	ledger, err := trace.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer ledger.Close()

	wasCompleted, err := ledger.CompleteSpan(ctx, session, spanSeq, rec)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to complete span", err)
	}
	if wasCompleted {
		formatter.VerboseLog("span %s/%d re-completed, last write wins", session, spanSeq)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "{\"span_id\":%d}\n", spanSeq)
	return nil
}
