package executor

import (
	"context"
	"time"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
)

// InProcessStrategy runs the driver call directly on the caller's goroutine.
// It is the cheapest strategy but offers no protection: a call that ignores
// its context blocks the executor until it returns.
type InProcessStrategy struct {
	Clock func() time.Time
}

// NewInProcessStrategy creates an in-process strategy.
func NewInProcessStrategy() *InProcessStrategy {
	return &InProcessStrategy{Clock: time.Now}
}

// Mode returns ModeInProcess.
func (s *InProcessStrategy) Mode() Mode {
	return ModeInProcess
}

// Execute runs the driver call synchronously and classifies its outcome.
func (s *InProcessStrategy) Execute(ctx context.Context, _ *action.Request, fn driver.Action) *Attempt {
	now := s.Clock
	if now == nil {
		now = time.Now
	}
	start := now()
	st, err := fn(ctx)
	return classifyAttempt(start, st, err, now)
}
