package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
)

// Mode identifies the isolation level an execution strategy provides.
type Mode int

const (
	// ModeInProcess runs the driver call on the caller's goroutine.
	ModeInProcess Mode = iota
	// ModeThread runs the driver call on a dedicated OS thread that can be
	// abandoned if it blocks past the deadline.
	ModeThread
	// ModeSubprocess runs the driver call in a short-lived child process
	// that can be killed outright.
	ModeSubprocess
)

// String returns the string representation of Mode. These labels are also
// what outcome records store in the pattern database.
func (m Mode) String() string {
	switch m {
	case ModeInProcess:
		return "inproc"
	case ModeThread:
		return "thread"
	case ModeSubprocess:
		return "subprocess"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode label back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "inproc", "in-process", "inprocess":
		return ModeInProcess, nil
	case "thread":
		return ModeThread, nil
	case "subprocess", "process":
		return ModeSubprocess, nil
	default:
		return ModeInProcess, fmt.Errorf("unknown execution mode %q", s)
	}
}

// Attempt is the raw record of a single driver call made under a strategy.
// Completed means the call returned and the page may have changed; it says
// nothing about whether the action took effect, which is verification's job.
type Attempt struct {
	Completed bool
	ErrorKind action.ErrorKind
	Duration  time.Duration
	Detail    string
	State     *driver.State
	Err       error // underlying error, when one exists
}

// Strategy executes one driver call under a particular isolation level.
//
// Execute must return within the context's deadline plus the strategy's own
// cleanup grace, even when the underlying call never comes back. It never
// returns nil.
type Strategy interface {
	Mode() Mode
	Execute(ctx context.Context, req *action.Request, fn driver.Action) *Attempt
}

// classifyAttempt turns a driver call's outcome into an attempt record.
//
// A driver error that is neither a timeout nor unavailability still counts
// as completed: the page may have changed before the error surfaced, so the
// verdict belongs to verification, not to the error.
func classifyAttempt(start time.Time, st *driver.State, err error, now func() time.Time) *Attempt {
	att := &Attempt{Duration: now().Sub(start), State: st}
	switch {
	case err == nil:
		att.Completed = true
	case errors.Is(err, context.DeadlineExceeded):
		att.ErrorKind = action.ErrTimeout
		att.Detail = "driver call exceeded its deadline"
		att.Err = err
	case errors.Is(err, context.Canceled):
		att.ErrorKind = action.ErrTimeout
		att.Detail = "driver call canceled"
		att.Err = err
	case errors.Is(err, driver.ErrUnavailable):
		att.ErrorKind = action.ErrDriverUnavailable
		att.Detail = err.Error()
		att.Err = err
	default:
		att.Completed = true
		att.Detail = fmt.Sprintf("driver call failed: %v", err)
		att.Err = err
	}
	return att
}
