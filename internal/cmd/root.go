package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for actuator
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actuator",
		Short: "Action execution and verification engine for web UIs",
		Long: `Actuator executes UI actions (click, type, scroll) against web platforms
and verifies that each action actually took effect.

Driver calls run under an isolation strategy (in-process, abandonable
thread, or killable subprocess) so a blocked browser call never wedges
the engine. Verification runs as a chain of tiers ordered by cost, and
every outcome feeds a pattern store that tunes future retries.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewRunnerCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewPatternsCommand())
	cmd.AddCommand(NewLeasesCommand())

	return cmd
}
