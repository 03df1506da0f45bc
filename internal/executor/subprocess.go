package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
)

// DefaultGracePeriod is how long a runner child gets between SIGTERM and
// SIGKILL once its deadline has passed.
const DefaultGracePeriod = 2 * time.Second

// stderrTailLimit bounds how much child stderr is carried into attempt details.
const stderrTailLimit = 512

// RunnerRequest is the payload the parent writes to a runner child's stdin.
type RunnerRequest struct {
	Request *action.Request `json:"request"`
	Driver  string          `json:"driver"`
}

// RunnerReport is the payload a runner child writes to stdout before exiting.
// Anything the child wants to say to humans goes to stderr instead.
type RunnerReport struct {
	Completed  bool          `json:"completed"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	State      *driver.State `json:"state,omitempty"`
}

// NewRunnerReport classifies one driver call outcome into the report a runner
// child writes to stdout. Classification matches the in-process strategies, so
// a verdict is the same whichever side of the process boundary produced it.
func NewRunnerReport(start time.Time, st *driver.State, err error) *RunnerReport {
	att := classifyAttempt(start, st, err, time.Now)
	return &RunnerReport{
		Completed:  att.Completed,
		ErrorKind:  string(att.ErrorKind),
		Detail:     att.Detail,
		DurationMS: att.Duration.Milliseconds(),
		State:      att.State,
	}
}

// ProcessIsolatedStrategy runs the driver call in a short-lived child
// process, typically by re-executing the engine binary in runner mode. A
// child that outlives its deadline is sent SIGTERM, then SIGKILL after the
// grace period, so a wedged call can always be reclaimed.
type ProcessIsolatedStrategy struct {
	// RunnerPath is the binary to execute. RunnerArgs are prepended to the
	// invocation, e.g. []string{"runner"} when re-executing the engine.
	RunnerPath string
	RunnerArgs []string

	// DriverName tells the child which driver to construct.
	DriverName string

	// Grace is the SIGTERM-to-SIGKILL window. Zero means DefaultGracePeriod.
	Grace time.Duration

	Clock func() time.Time
}

// NewProcessIsolatedStrategy creates a process-isolated strategy that
// launches runnerPath with runnerArgs and asks it for driverName.
func NewProcessIsolatedStrategy(runnerPath string, runnerArgs []string, driverName string, grace time.Duration) *ProcessIsolatedStrategy {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &ProcessIsolatedStrategy{
		RunnerPath: runnerPath,
		RunnerArgs: runnerArgs,
		DriverName: driverName,
		Grace:      grace,
		Clock:      time.Now,
	}
}

// Mode returns ModeSubprocess.
func (s *ProcessIsolatedStrategy) Mode() Mode {
	return ModeSubprocess
}

// Execute launches the runner child and interprets its report. The driver
// callback is ignored: the child builds its own driver from the request.
func (s *ProcessIsolatedStrategy) Execute(ctx context.Context, req *action.Request, _ driver.Action) *Attempt {
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	start := now()

	payload, err := json.Marshal(RunnerRequest{Request: req, Driver: s.DriverName})
	if err != nil {
		return &Attempt{
			ErrorKind: action.ErrDriverUnavailable,
			Duration:  now().Sub(start),
			Detail:    fmt.Sprintf("failed to encode runner request: %v", err),
			Err:       NewStrategyError(ModeSubprocess, "encode request", err),
		}
	}

	cmd := exec.CommandContext(ctx, s.RunnerPath, s.RunnerArgs...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// Ask politely first; WaitDelay escalates to SIGKILL if the child
	// ignores the request.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.Grace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultGracePeriod
	}

	runErr := cmd.Run()
	duration := now().Sub(start)

	if runErr != nil && ctx.Err() != nil {
		detail := "runner terminated at deadline"
		if ctx.Err() == context.Canceled {
			detail = "runner terminated on cancellation"
		}
		if tail := stderrTail(&stderr); tail != "" {
			detail += ": " + tail
		}
		return &Attempt{
			ErrorKind: action.ErrTimeout,
			Duration:  duration,
			Detail:    detail,
			Err:       NewTimeoutError(req.ID, duration, "runner killed"),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Could not even start the child.
			return &Attempt{
				ErrorKind: action.ErrDriverUnavailable,
				Duration:  duration,
				Detail:    fmt.Sprintf("failed to spawn runner %s: %v", s.RunnerPath, runErr),
				Err:       NewStrategyError(ModeSubprocess, "spawn", runErr),
			}
		}
	}

	var report RunnerReport
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &report); err != nil {
		detail := fmt.Sprintf("runner exited without a report (%v)", runErr)
		if runErr == nil {
			detail = "runner exited without a report"
		}
		if tail := stderrTail(&stderr); tail != "" {
			detail += ": " + tail
		}
		return &Attempt{
			ErrorKind: action.ErrDriverUnavailable,
			Duration:  duration,
			Detail:    detail,
			Err:       NewStrategyError(ModeSubprocess, "decode report", err),
		}
	}

	att := &Attempt{
		Completed: report.Completed,
		Duration:  duration,
		Detail:    report.Detail,
		State:     report.State,
	}
	if report.ErrorKind != "" {
		att.ErrorKind = action.ErrorKind(report.ErrorKind)
	}
	return att
}

// stderrTail returns the last portion of the child's stderr, flattened to a
// single line for embedding in attempt details.
func stderrTail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	if len(s) > stderrTailLimit {
		s = "..." + s[len(s)-stderrTailLimit:]
	}
	return strings.Join(strings.Fields(s), " ")
}
