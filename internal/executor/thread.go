package executor

import (
	"context"
	"runtime"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
)

// ThreadIsolatedStrategy runs the driver call on its own goroutine pinned to
// a dedicated OS thread. If the call is still running when the deadline
// fires, the worker is abandoned: the strategy returns a timeout attempt
// immediately and the worker keeps its thread until the call comes back on
// its own, or forever if it never does. Callers that need a hard guarantee
// of reclamation should escalate to process isolation instead.
type ThreadIsolatedStrategy struct {
	Clock func() time.Time
}

// NewThreadIsolatedStrategy creates a thread-isolated strategy.
func NewThreadIsolatedStrategy() *ThreadIsolatedStrategy {
	return &ThreadIsolatedStrategy{Clock: time.Now}
}

// Mode returns ModeThread.
func (s *ThreadIsolatedStrategy) Mode() Mode {
	return ModeThread
}

// Execute runs the driver call on a pinned worker goroutine and waits for
// completion, the deadline, or caller cancellation, whichever comes first.
func (s *ThreadIsolatedStrategy) Execute(ctx context.Context, req *action.Request, fn driver.Action) *Attempt {
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	start := now()

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline && req.Timeout > 0 {
		deadline = start.Add(req.Timeout)
		hasDeadline = true
	}

	// The worker's context carries the deadline but not the caller's
	// cancellation: an abandoned call keeps driving its session until its
	// own deadline fires rather than being yanked mid-interaction.
	workerCtx := context.WithoutCancel(ctx)
	var workerCancel context.CancelFunc = func() {}
	if hasDeadline {
		workerCtx, workerCancel = context.WithDeadline(workerCtx, deadline)
	}

	type outcome struct {
		st  *driver.State
		err error
	}
	// Buffered so an abandoned worker's send never blocks.
	done := make(chan outcome, 1)

	go func() {
		defer workerCancel()
		// Pin the worker: a call wedged in a syscall takes its OS thread
		// with it instead of returning a poisoned thread to the pool.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		st, err := fn(workerCtx)
		done <- outcome{st: st, err: err}
	}()

	var expired <-chan time.Time
	if hasDeadline {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case out := <-done:
		return classifyAttempt(start, out.st, out.err, now)
	case <-expired:
	case <-ctx.Done():
	}

	// The worker may have finished in the same instant; prefer its outcome
	// over an abandonment.
	select {
	case out := <-done:
		return classifyAttempt(start, out.st, out.err, now)
	default:
	}

	detail := "driver call still running at deadline; worker abandoned"
	var cause error = NewTimeoutError(req.ID, deadline.Sub(start), "worker abandoned")
	if ctx.Err() == context.Canceled {
		detail = "caller canceled while driver call was running; worker abandoned"
		cause = ctx.Err()
	}
	return &Attempt{
		ErrorKind: action.ErrTimeout,
		Duration:  now().Sub(start),
		Detail:    detail,
		Err:       cause,
	}
}
