package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/journal"
	"github.com/roach88/keel/internal/token"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	DB   string
	Type string
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Dump journaled events",
		Long: `Dump the events recorded in a SQLite journal, in append order.

Examples:
  keel trace --db trace.db
  keel trace --db trace.db --type clarification:presented --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return dumpTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the journal database")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only show events of this type")
	cmd.MarkFlagRequired("db")
	return cmd
}

func dumpTrace(opts *TraceOptions, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	if _, err := os.Stat(opts.DB); err != nil {
		out.Error("E301", fmt.Sprintf("journal %s not found", opts.DB), nil)
		return WrapExitError(ExitCommandError, "open journal", err)
	}

	jnl, err := journal.Open(opts.DB, token.UUIDv7Generator{})
	if err != nil {
		out.Error("E302", fmt.Sprintf("open journal: %v", err), nil)
		return WrapExitError(ExitCommandError, "open journal", err)
	}
	defer jnl.Close()

	entries, err := jnl.Events(cmd.Context(), opts.Type)
	if err != nil {
		out.Error("E303", fmt.Sprintf("read journal: %v", err), nil)
		return WrapExitError(ExitFailure, "read journal", err)
	}

	if opts.Format == "json" {
		return out.Success(entries)
	}

	w := cmd.OutOrStdout()
	for _, e := range entries {
		ts := e.Timestamp.Format(time.RFC3339)
		if e.Domain != "" {
			fmt.Fprintf(w, "%6d  %s  %s  [%s/%s]  %v\n", e.Seq, ts, e.Type, e.Domain, e.Source, e.Payload)
		} else {
			fmt.Fprintf(w, "%6d  %s  %s  [%s]  %v\n", e.Seq, ts, e.Type, e.Source, e.Payload)
		}
	}
	fmt.Fprintf(w, "%d event(s)\n", len(entries))
	return nil
}
