package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/actuator/internal/driver"
	"github.com/harrison/actuator/internal/executor"
	"github.com/harrison/actuator/internal/vision"
)

// NewRunnerCommand creates the hidden runner command: the child half of the
// subprocess strategy. The parent writes one RunnerRequest to stdin; the
// child runs it against a driver it builds itself and writes one
// RunnerReport to stdout. Everything else goes to stderr, which the parent
// tails into failure diagnostics.
func NewRunnerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "runner",
		Short:  "Execute one action on behalf of a parent process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRunner(cmd)
		},
	}
}

func runRunner(cmd *cobra.Command) error {
	var rr executor.RunnerRequest
	if err := json.NewDecoder(cmd.InOrStdin()).Decode(&rr); err != nil {
		return fmt.Errorf("failed to decode runner request: %w", err)
	}
	if rr.Request == nil {
		return fmt.Errorf("runner request carries no action")
	}

	// The working directory is inherited from the parent, so the same
	// config file resolves here: driver options and the vision command
	// match the parent engine. The driver name comes from the request.
	cfg, err := loadRunConfig("")
	if err != nil {
		return err
	}
	if rr.Driver != "" {
		cfg.Driver.Name = rr.Driver
	}

	drv, err := buildDriver(cfg)
	if err != nil {
		return err
	}
	defer drv.Close()

	var locator driver.Locator
	if len(cfg.Verification.VisionCommand) > 0 {
		locator = vision.NewClient(cfg.Verification.VisionCommand)
	}

	// The parent SIGTERMs this process at its deadline. The request budget
	// is a fallback for the orphaned case where no signal ever arrives.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if rr.Request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rr.Request.Timeout)
		defer cancel()
	}

	start := time.Now()
	st, runErr := driver.Dispatch(drv, locator, rr.Request)(ctx)
	report := executor.NewRunnerReport(start, st, runErr)

	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(report); err != nil {
		return fmt.Errorf("failed to encode runner report: %w", err)
	}
	return nil
}
