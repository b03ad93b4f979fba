package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/harness"
	"github.com/roach88/keel/internal/journal"
	"github.com/roach88/keel/internal/token"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Journal string // optional path; records the scenario's event trace
}

// RunReport summarizes one scenario execution.
type RunReport struct {
	Scenario   string   `json:"scenario"`
	Events     int      `json:"events"`
	Assertions int      `json:"assertions"`
	Failures   []string `json:"failures,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml> [more scenarios...]",
		Short: "Run conformance scenarios",
		Long: `Run one or more YAML conformance scenarios against a fresh core
instance and evaluate their assertions.

Examples:
  keel run scenarios/clarification-priority-flow.yaml
  keel run scenarios/*.yaml --journal trace.db --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "record the event trace to a SQLite journal at this path")
	return cmd
}

func runScenarios(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	var jnl *journal.Journal
	if opts.Journal != "" {
		var err error
		jnl, err = journal.Open(opts.Journal, token.UUIDv7Generator{})
		if err != nil {
			out.Error("E201", fmt.Sprintf("open journal: %v", err), nil)
			return WrapExitError(ExitCommandError, "open journal", err)
		}
		defer jnl.Close()
	}

	failed := 0
	var reports []RunReport
	for _, path := range paths {
		scenario, err := harness.LoadScenario(path)
		if err != nil {
			out.Error("E202", fmt.Sprintf("load %s: %v", path, err), nil)
			return WrapExitError(ExitCommandError, "load scenario", err)
		}

		result, err := harness.Run(scenario)
		if err != nil {
			out.Error("E203", fmt.Sprintf("run %s: %v", scenario.Name, err), nil)
			return WrapExitError(ExitFailure, "run scenario", err)
		}

		if jnl != nil {
			if err := recordTrace(cmd.Context(), jnl, result); err != nil {
				out.Error("E204", fmt.Sprintf("journal %s: %v", scenario.Name, err), nil)
				return WrapExitError(ExitCommandError, "journal trace", err)
			}
		}

		errs := harness.Check(result)
		report := RunReport{
			Scenario:   scenario.Name,
			Events:     len(result.Trace),
			Assertions: len(scenario.Assertions),
		}
		for _, e := range errs {
			report.Failures = append(report.Failures, e.Error())
		}
		if len(errs) > 0 {
			failed++
		}
		reports = append(reports, report)
	}

	if opts.Format == "json" {
		if err := out.Success(reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			status := "PASS"
			if len(r.Failures) > 0 {
				status = "FAIL"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  (%d events, %d assertions)\n",
				status, r.Scenario, r.Events, r.Assertions)
			for _, f := range r.Failures {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
			}
		}
	}

	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", failed, len(paths)))
	}
	return nil
}

// recordTrace journals a scenario's trace, tagging each event with
// its scenario so mixed journals stay attributable.
func recordTrace(ctx context.Context, jnl *journal.Journal, result *harness.Result) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, ev := range result.Trace {
		payload := map[string]any{"scenario": result.Scenario.Name}
		for k, v := range ev.Payload {
			payload[k] = v
		}
		err := jnl.Append(ctx, bus.Event{
			Type:    ev.Type,
			Domain:  ev.Domain,
			Source:  ev.Source,
			Payload: payload,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
