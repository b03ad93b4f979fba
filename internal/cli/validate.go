package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/keel/internal/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <profile.cue>",
		Short: "Validate a configuration profile",
		Long: `Validate a CUE configuration profile against the built-in schema
and print the effective settings after defaults are applied.

Examples:
  keel validate profile.cue
  keel validate profile.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateProfile(opts, args[0], cmd)
		},
	}

	return cmd
}

func validateProfile(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}

	profile, err := config.Load(path)
	if err != nil {
		var loadErr *config.LoadError
		if errors.As(err, &loadErr) {
			out.Error(loadErr.Code, loadErr.Message, nil)
		} else {
			out.Error("C000", err.Error(), nil)
		}
		return WrapExitError(ExitFailure, "validate profile", err)
	}

	if opts.Format == "json" {
		return out.Success(profileReport(profile))
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%s: valid\n", path)
	fmt.Fprintf(w, "  retry          max=%d initial=%s multiplier=%g cap=%s\n",
		profile.Retry.MaxRetries, profile.Retry.InitialDelay,
		profile.Retry.BackoffMultiplier, profile.Retry.MaxDelay)
	fmt.Fprintf(w, "  chain          max_depth=%d\n", profile.Chain.MaxDepth)
	fmt.Fprintf(w, "  clarification  timeout=%s scan=%s sweep=%s\n",
		profile.Clarify.Timeout, profile.Clarify.ScanInterval, profile.Clarify.SweepInterval)
	fmt.Fprintf(w, "  journal        enabled=%t path=%s\n",
		profile.Journal.Enabled, profile.Journal.Path)
	return nil
}

func profileReport(p config.Profile) map[string]any {
	return map[string]any{
		"retry": map[string]any{
			"max_retries":        p.Retry.MaxRetries,
			"initial_delay_ms":   p.Retry.InitialDelay.Milliseconds(),
			"backoff_multiplier": p.Retry.BackoffMultiplier,
			"max_delay_ms":       p.Retry.MaxDelay.Milliseconds(),
		},
		"chain": map[string]any{
			"max_depth": p.Chain.MaxDepth,
		},
		"clarification": map[string]any{
			"timeout_seconds":   int(p.Clarify.Timeout.Seconds()),
			"scan_interval_ms":  p.Clarify.ScanInterval.Milliseconds(),
			"sweep_interval_ms": p.Clarify.SweepInterval.Milliseconds(),
		},
		"journal": map[string]any{
			"enabled": p.Journal.Enabled,
			"path":    p.Journal.Path,
		},
	}
}
