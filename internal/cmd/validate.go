package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/harrison/actuator/internal/executor"
	"github.com/harrison/actuator/internal/script"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file>",
		Short: "Validate a plan file without executing it",
		Long: `Parse and validate a plan file, checking for:
  - Frontmatter (platform, resource, defaults)
  - Stage structure and per-action validity
  - A known execution mode, when the plan sets one

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlanWithOutput(args[0], cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// validatePlanWithOutput validates a plan file with a custom output writer (for testing)
func validatePlanWithOutput(path string, output io.Writer) error {
	var errors []string

	plan, err := script.NewParser().ParseFile(path)
	if err != nil {
		fmt.Fprintf(output, "✗ Failed to parse plan from %s\n", path)
		fmt.Fprintf(output, "  Error: %v\n", err)
		return fmt.Errorf("parse error: %w", err)
	}

	fmt.Fprintf(output, "✓ Validating plan from %s\n", path)
	fmt.Fprintf(output, "✓ Parsed %d action(s) in %d stage(s)\n", plan.ActionCount(), len(plan.Stages))

	for _, verr := range plan.Validate() {
		errors = append(errors, verr.Error())
	}

	if plan.Defaults.Mode != "" {
		if _, err := executor.ParseMode(plan.Defaults.Mode); err != nil {
			errors = append(errors, fmt.Sprintf("defaults: %v", err))
		} else {
			fmt.Fprintf(output, "✓ Execution mode: %s\n", plan.Defaults.Mode)
		}
	}

	if plan.Platform != "" {
		fmt.Fprintf(output, "✓ Platform: %s\n", plan.Platform)
	}
	if plan.Resource != "" {
		fmt.Fprintf(output, "✓ Resource: %s\n", plan.Resource)
	}

	if len(errors) == 0 {
		fmt.Fprintf(output, "✓ All actions valid\n")
		fmt.Fprintf(output, "\n✓ Plan is valid!\n")
		return nil
	}

	fmt.Fprintf(output, "\n✗ Validation failed for plan from %s\n", path)
	for _, errMsg := range errors {
		fmt.Fprintf(output, "  ✗ %s\n", errMsg)
	}
	fmt.Fprintf(output, "\nFound %d validation error(s)!\n", len(errors))

	return fmt.Errorf("validation failed with %d error(s)", len(errors))
}
