package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/journal"
	"github.com/roach88/keel/internal/token"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	DB string
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay journaled events onto a fresh bus",
		Long: `Re-emit every journaled event onto a fresh in-process bus, in the
order it was recorded, and print each delivery. Useful for checking that
a recorded trace still round-trips through the event pipeline.

Examples:
  keel replay --db trace.db
  keel replay --db trace.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return replayJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to the journal database")
	cmd.MarkFlagRequired("db")
	return cmd
}

func replayJournal(opts *ReplayOptions, cmd *cobra.Command) error {
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

	b := bus.New()
	var delivered []map[string]any
	w := cmd.OutOrStdout()
	b.On(bus.Wildcard, func(ev bus.Event) {
		if opts.Format == "json" {
			delivered = append(delivered, map[string]any{
				"type":    ev.Type,
				"domain":  ev.Domain,
				"source":  ev.Source,
				"payload": ev.Payload,
			})
			return
		}
		if ev.Domain != "" {
			fmt.Fprintf(w, "%s  [%s/%s]  %v\n", ev.Type, ev.Domain, ev.Source, ev.Payload)
		} else {
			fmt.Fprintf(w, "%s  [%s]  %v\n", ev.Type, ev.Source, ev.Payload)
		}
	})

	count, err := jnl.Replay(cmd.Context(), b)
	if err != nil {
		out.Error("E304", fmt.Sprintf("replay journal: %v", err), nil)
		return WrapExitError(ExitFailure, "replay journal", err)
	}

	if opts.Format == "json" {
		return out.Success(map[string]any{"replayed": count, "events": delivered})
	}
	fmt.Fprintf(w, "replayed %d event(s)\n", count)
	return nil
}
