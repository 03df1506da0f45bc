package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/config"
	"github.com/harrison/actuator/internal/learning"
)

// NewPatternsCommand creates the 'actuator patterns' parent command
func NewPatternsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Pattern-learning commands",
		Long: `Commands for viewing and exporting learned action patterns.

Every executed action records its outcome against a (kind, platform,
driver) pattern. The engine reads those patterns back to budget retries,
recommend drivers and estimate durations; these commands show what it
has learned so far.`,
	}

	// Add subcommands
	cmd.AddCommand(newPatternsShowCommand())
	cmd.AddCommand(newPatternsStatsCommand())
	cmd.AddCommand(newPatternsExportCommand())

	return cmd
}

// resolvePatternDB picks the database path: an explicit override wins,
// otherwise the actuator home location.
func resolvePatternDB(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	path, err := config.GetPatternDBPath()
	if err != nil {
		return "", fmt.Errorf("failed to get pattern database path: %w", err)
	}
	return path, nil
}

// patternDBMissing reports whether the database file does not exist yet, so
// read-only commands can say so instead of creating an empty one.
func patternDBMissing(dbPath string) bool {
	if dbPath == ":memory:" {
		return false
	}
	_, err := os.Stat(dbPath)
	return os.IsNotExist(err)
}

// filterRecords keeps only records for one platform. An empty platform
// keeps everything.
func filterRecords(records []*learning.PatternRecord, platform string) []*learning.PatternRecord {
	if platform == "" {
		return records
	}
	var out []*learning.PatternRecord
	for _, rec := range records {
		if rec.Key.Platform == platform {
			out = append(out, rec)
		}
	}
	return out
}

// printRate colors a percentage by health: green at 70+, yellow at 40+,
// red below.
func printRate(w io.Writer, pct float64) {
	switch {
	case pct >= 70:
		color.New(color.FgGreen).Fprintf(w, "%.1f%%\n", pct)
	case pct >= 40:
		color.New(color.FgYellow).Fprintf(w, "%.1f%%\n", pct)
	default:
		color.New(color.FgRed).Fprintf(w, "%.1f%%\n", pct)
	}
}

// newPatternsShowCommand creates the 'actuator patterns show' command
func newPatternsShowCommand() *cobra.Command {
	var platform string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show learned success rates per pattern",
		Long: `Display every learned pattern with its attempt counts, lifetime
success rate, recency-weighted rate and last update time.

The weighted rate discounts older outcomes, so it reacts faster than the
lifetime rate when a platform changes under the engine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsShow(cmd.OutOrStdout(), platform, dbPath)
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "only show patterns for this platform")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "path to pattern database (default: $ACTUATOR_HOME/learning/patterns.db)")

	return cmd
}

// runPatternsShow executes the show command
func runPatternsShow(w io.Writer, platform, dbPathOverride string) error {
	dbPath, err := resolvePatternDB(dbPathOverride)
	if err != nil {
		return err
	}
	if patternDBMissing(dbPath) {
		fmt.Fprintf(w, "No pattern data recorded yet\n")
		fmt.Fprintf(w, "Database path: %s\n", dbPath)
		return nil
	}

	store, err := learning.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	records := filterRecords(store.Records(), platform)
	if len(records) == 0 {
		if platform != "" {
			fmt.Fprintf(w, "No patterns recorded for platform %q\n", platform)
		} else {
			fmt.Fprintf(w, "No patterns recorded yet\n")
		}
		return nil
	}

	tracker := learning.NewTracker(store)

	cyan := color.New(color.FgCyan, color.Bold)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(w, "\n=== Learned Action Patterns ===\n\n")
	fmt.Fprintf(w, "Patterns: %d\n", len(records))

	for _, rec := range records {
		cyan.Fprintf(w, "\n%s\n", rec.Key)
		fmt.Fprintf(w, "  Attempts: %d (%d ok, %d failed)\n", rec.Attempts, rec.Successes, rec.Failures)

		fmt.Fprintf(w, "  Success rate: ")
		if rate, ok := rec.SuccessRate(); ok {
			printRate(w, rate*100)
		} else {
			gray.Fprintf(w, "(no attributable history)\n")
		}

		if wrate, ok := tracker.WeightedSuccessRate(rec.Key); ok {
			fmt.Fprintf(w, "  Weighted rate: ")
			printRate(w, wrate*100)
		}

		fmt.Fprintf(w, "  Last updated: %s ", rec.LastUpdated.Format("2006-01-02 15:04:05"))
		gray.Fprintf(w, "(%s ago)\n", formatAge(time.Since(rec.LastUpdated)))
	}
	fmt.Fprintln(w)

	return nil
}

// newPatternsStatsCommand creates the 'actuator patterns stats' command
func newPatternsStatsCommand() *cobra.Command {
	var platform string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics over learned patterns",
		Long: `Display aggregate pattern statistics including:
  - Overall attempt counts and success rate
  - Per-platform rollups
  - Duration percentiles with a suggested timeout per pattern
  - Driver recommendations per action kind and platform`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsStats(cmd.OutOrStdout(), platform, dbPath)
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "only include patterns for this platform")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "path to pattern database (default: $ACTUATOR_HOME/learning/patterns.db)")

	return cmd
}

// runPatternsStats executes the stats command
func runPatternsStats(w io.Writer, platform, dbPathOverride string) error {
	dbPath, err := resolvePatternDB(dbPathOverride)
	if err != nil {
		return err
	}
	if patternDBMissing(dbPath) {
		fmt.Fprintf(w, "No pattern data recorded yet\n")
		fmt.Fprintf(w, "Database path: %s\n", dbPath)
		return nil
	}

	store, err := learning.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	records := filterRecords(store.Records(), platform)
	if len(records) == 0 {
		fmt.Fprintf(w, "No pattern data recorded yet\n")
		return nil
	}

	tracker := learning.NewTracker(store)

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	// Overall rollup.
	var attempts, successes, failures int
	for _, rec := range records {
		attempts += rec.Attempts
		successes += rec.Successes
		failures += rec.Failures
	}

	cyan.Fprintf(w, "\n=== Pattern Statistics ===\n\n")
	cyan.Fprintf(w, "Overall:\n")
	fmt.Fprintf(w, "  Patterns: %d\n", len(records))
	fmt.Fprintf(w, "  Attempts: %d\n", attempts)
	fmt.Fprintf(w, "  Successful: ")
	green.Fprintf(w, "%d\n", successes)
	fmt.Fprintf(w, "  Failed: ")
	red.Fprintf(w, "%d\n", failures)
	if successes+failures > 0 {
		fmt.Fprintf(w, "  Success rate: ")
		printRate(w, float64(successes)/float64(successes+failures)*100)
	}

	// Per-platform rollup.
	type platformAgg struct {
		attempts  int
		successes int
		failures  int
	}
	perPlatform := make(map[string]*platformAgg)
	for _, rec := range records {
		agg, ok := perPlatform[rec.Key.Platform]
		if !ok {
			agg = &platformAgg{}
			perPlatform[rec.Key.Platform] = agg
		}
		agg.attempts += rec.Attempts
		agg.successes += rec.Successes
		agg.failures += rec.Failures
	}
	if len(perPlatform) > 1 {
		platforms := make([]string, 0, len(perPlatform))
		for name := range perPlatform {
			platforms = append(platforms, name)
		}
		sort.Strings(platforms)

		fmt.Fprintf(w, "\n")
		cyan.Fprintf(w, "By platform:\n")
		for _, name := range platforms {
			agg := perPlatform[name]
			fmt.Fprintf(w, "  %s: %d attempt(s), rate ", name, agg.attempts)
			if agg.successes+agg.failures > 0 {
				printRate(w, float64(agg.successes)/float64(agg.successes+agg.failures)*100)
			} else {
				fmt.Fprintf(w, "n/a\n")
			}
		}
	}

	// Duration percentiles. P90 is what a timeout budget has to clear, so
	// the suggestion leaves headroom above it.
	fmt.Fprintf(w, "\n")
	cyan.Fprintf(w, "Duration estimates (successful attempts):\n")
	estimated := false
	for _, rec := range records {
		est, ok := tracker.EstimateDuration(rec.Key)
		if !ok {
			continue
		}
		estimated = true
		suggest := (2 * est.P90).Truncate(time.Second) + time.Second
		fmt.Fprintf(w, "  %s: p50 %v, p90 %v, suggested timeout %v (%d sample(s))\n",
			rec.Key, est.P50.Round(time.Millisecond), est.P90.Round(time.Millisecond), suggest, est.Samples)
	}
	if !estimated {
		fmt.Fprintf(w, "  (no successful attempts recorded)\n")
	}

	// Driver recommendations per kind/platform.
	type kindPlatform struct {
		kind     action.Kind
		platform string
	}
	seen := make(map[kindPlatform]bool)
	var recommendations []string
	for _, rec := range records {
		kp := kindPlatform{rec.Key.Kind, rec.Key.Platform}
		if seen[kp] {
			continue
		}
		seen[kp] = true
		if best := tracker.RecommendDriver(rec.Key); best != "" {
			recommendations = append(recommendations, fmt.Sprintf("  %s/%s: %s", kp.kind, kp.platform, best))
		}
	}
	if len(recommendations) > 0 {
		sort.Strings(recommendations)
		fmt.Fprintf(w, "\n")
		cyan.Fprintf(w, "Driver recommendations:\n")
		for _, line := range recommendations {
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintln(w)

	return nil
}

// newPatternsExportCommand creates the 'actuator patterns export' command
func newPatternsExportCommand() *cobra.Command {
	var format string
	var output string
	var dbPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export pattern data for external analysis",
		Long: `Export learned pattern records to JSON, CSV or Markdown.

If no output file is specified, data is written to stdout.

Examples:
  # Export to a JSON file
  actuator patterns export --format json --output patterns.json

  # Export CSV to stdout
  actuator patterns export --format csv

  # Markdown table for a report
  actuator patterns export --format markdown`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatternsExport(cmd.OutOrStdout(), format, output, dbPath)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format (json|csv|markdown)")
	cmd.Flags().StringVar(&output, "output", "", "output file path (stdout if not specified)")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "path to pattern database (default: $ACTUATOR_HOME/learning/patterns.db)")

	return cmd
}

func runPatternsExport(stdout io.Writer, format, outputPath, dbPathOverride string) error {
	exporter, err := learning.NewExporter(format)
	if err != nil {
		return err
	}

	dbPath, err := resolvePatternDB(dbPathOverride)
	if err != nil {
		return err
	}
	store, err := learning.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open pattern store: %w", err)
	}
	defer store.Close()

	rendered, err := exporter.Export(store.Records())
	if err != nil {
		return fmt.Errorf("failed to export patterns: %w", err)
	}

	if outputPath == "" {
		_, err := io.WriteString(stdout, rendered)
		return err
	}
	if err := os.WriteFile(outputPath, []byte(rendered), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

// formatAge renders a duration the way a human reads "how long ago".
func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}
