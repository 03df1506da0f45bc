package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/actuator/internal/config"
	"github.com/harrison/actuator/internal/lease"
)

// NewLeasesCommand creates the 'actuator leases' parent command
func NewLeasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Resource lease commands",
		Long: `Commands for inspecting and cleaning resource leases.

Every executing action holds a lease on its resource so concurrent engine
processes cannot drive the same UI at once. Leases expire on their own
when a holder crashes; clean removes the leftover records early.`,
	}

	// Add subcommands
	cmd.AddCommand(newLeasesListCommand())
	cmd.AddCommand(newLeasesCleanCommand())

	return cmd
}

// resolveLeaseDir picks the lease directory: an explicit override wins,
// otherwise the actuator home location.
func resolveLeaseDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	dir, err := config.GetLeaseDir()
	if err != nil {
		return "", fmt.Errorf("failed to get lease directory: %w", err)
	}
	return dir, nil
}

// newLeasesListCommand creates the 'actuator leases list' command
func newLeasesListCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lease records, expired ones included",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeasesList(cmd.OutOrStdout(), dir)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "lease directory (default: $ACTUATOR_HOME/leases)")

	return cmd
}

// runLeasesList executes the list command
func runLeasesList(w io.Writer, dirOverride string) error {
	dir, err := resolveLeaseDir(dirOverride)
	if err != nil {
		return err
	}

	mgr, err := lease.NewManager(dir, "", 0)
	if err != nil {
		return fmt.Errorf("failed to open lease directory: %w", err)
	}

	leases, err := mgr.List()
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		fmt.Fprintf(w, "No leases in %s\n", dir)
		return nil
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	cyan.Fprintf(w, "\n=== Leases in %s ===\n\n", dir)
	now := time.Now()
	for _, l := range leases {
		cyan.Fprintf(w, "%s\n", l.ResourceID)
		fmt.Fprintf(w, "  Owner: %s\n", l.OwnerID)
		fmt.Fprintf(w, "  Status: ")
		if l.Expired(now) {
			red.Fprintf(w, "expired %s ago\n", formatAge(now.Sub(l.ExpiresAt())))
		} else {
			green.Fprintf(w, "active, expires in %s\n", formatAge(l.ExpiresAt().Sub(now)))
		}
		fmt.Fprintf(w, "  Acquired: %s\n", l.AcquiredAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintln(w)

	return nil
}

// newLeasesCleanCommand creates the 'actuator leases clean' command
func newLeasesCleanCommand() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove expired and unreadable lease records",
		Long: `Remove lease records that have expired or can no longer be read.

Active leases are left alone: a lease another process still holds belongs
to that process until it releases it or lets it expire.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLeasesClean(cmd.OutOrStdout(), dir)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "lease directory (default: $ACTUATOR_HOME/leases)")

	return cmd
}

// runLeasesClean executes the clean command
func runLeasesClean(w io.Writer, dirOverride string) error {
	dir, err := resolveLeaseDir(dirOverride)
	if err != nil {
		return err
	}

	mgr, err := lease.NewManager(dir, "", 0)
	if err != nil {
		return fmt.Errorf("failed to open lease directory: %w", err)
	}

	removed, err := mgr.Clean()
	if err != nil {
		return fmt.Errorf("failed to clean leases: %w", err)
	}
	fmt.Fprintf(w, "Removed %d expired lease record(s)\n", removed)

	return nil
}
