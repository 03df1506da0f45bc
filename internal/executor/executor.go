// Package executor drives an action from acceptance to a terminal result.
// It acquires the resource lease, runs the driver call under an isolation
// strategy, verifies the effect, retries with backoff when the failure is
// retryable, escalates isolation when history says to, and records the
// outcome for the pattern tracker. Every accepted request produces exactly
// one result and exactly one outcome record.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
	"github.com/harrison/actuator/internal/learning"
	"github.com/harrison/actuator/internal/verify"
)

// Phase tracks where a request is in its lifecycle. The executor uses it for
// diagnostics; callers can use the terminal phases for display.
type Phase int

const (
	// PhasePending means the request has been accepted but not yet run.
	PhasePending Phase = iota
	// PhaseExecuting means a driver call is in flight.
	PhaseExecuting
	// PhaseVerifying means the verification chain is judging an attempt.
	PhaseVerifying
	// PhaseRetrying means the executor is waiting out a backoff delay.
	PhaseRetrying
	// PhaseSucceeded is the successful terminal phase.
	PhaseSucceeded
	// PhaseFailed is the failed terminal phase.
	PhaseFailed
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseExecuting:
		return "executing"
	case PhaseVerifying:
		return "verifying"
	case PhaseRetrying:
		return "retrying"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Verifier decides whether an executed action actually took effect.
type Verifier interface {
	Verify(ctx context.Context, req *action.Request, st *driver.State) *verify.Verdict
}

// Tracker builds retry strategies from recorded pattern history.
type Tracker interface {
	BuildRetryStrategy(key learning.PatternKey) *learning.RetryStrategy
}

// Recorder persists terminal outcomes for future retry strategies.
type Recorder interface {
	Record(ctx context.Context, key learning.PatternKey, out learning.Outcome) error
}

// LeaseManager serializes access to a platform resource across engine
// instances.
type LeaseManager interface {
	Acquire(resourceID string) error
	Release(resourceID string) error
}

// Logger receives execution diagnostics. Implementations must be safe for
// concurrent use; batch execution calls them from worker goroutines.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogActionResult(req *action.Request, res *action.Result)
}

// noopLogger drops everything. Used when Deps.Logger is nil.
type noopLogger struct{}

func (noopLogger) LogDebug(string)                              {}
func (noopLogger) LogInfo(string)                               {}
func (noopLogger) LogWarn(string)                               {}
func (noopLogger) LogActionResult(*action.Request, *action.Result) {}

// Deps wires an ActionExecutor together. Verifier, Tracker, Recorder and
// Leases are required; Driver may be nil only when every strategy is
// process-isolated, since runner children build their own drivers.
type Deps struct {
	Verifier    Verifier
	Tracker     Tracker
	Recorder    Recorder
	Leases      LeaseManager
	Driver      driver.Driver
	Locator     driver.Locator
	Strategies  []Strategy
	DefaultMode Mode
	Clock       func() time.Time
	Logger      Logger
}

// ActionExecutor runs requests to a terminal result.
type ActionExecutor struct {
	verifier    Verifier
	tracker     Tracker
	recorder    Recorder
	leases      LeaseManager
	driver      driver.Driver
	locator     driver.Locator
	strategies  map[Mode]Strategy
	defaultMode Mode
	clock       func() time.Time
	logger      Logger

	// PostExecuteHook, when set, runs after every terminal result, including
	// results produced inside a batch. It is called from worker goroutines.
	PostExecuteHook func(req *action.Request, res *action.Result)
}

// New constructs an ActionExecutor from its dependencies.
func New(deps Deps) (*ActionExecutor, error) {
	if deps.Verifier == nil {
		return nil, fmt.Errorf("executor requires a verifier")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("executor requires a tracker")
	}
	if deps.Recorder == nil {
		return nil, fmt.Errorf("executor requires a recorder")
	}
	if deps.Leases == nil {
		return nil, fmt.Errorf("executor requires a lease manager")
	}

	strategies := make(map[Mode]Strategy, len(deps.Strategies))
	for _, s := range deps.Strategies {
		if s == nil {
			continue
		}
		if _, dup := strategies[s.Mode()]; dup {
			return nil, fmt.Errorf("duplicate strategy for mode %s", s.Mode())
		}
		strategies[s.Mode()] = s
	}
	if len(strategies) == 0 {
		return nil, fmt.Errorf("executor requires at least one strategy")
	}
	if _, ok := strategies[deps.DefaultMode]; !ok {
		return nil, fmt.Errorf("no strategy registered for default mode %s", deps.DefaultMode)
	}

	needsDriver := false
	for m := range strategies {
		if m != ModeSubprocess {
			needsDriver = true
		}
	}
	if needsDriver && deps.Driver == nil {
		return nil, fmt.Errorf("executor requires a driver for %s and %s strategies", ModeInProcess, ModeThread)
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	var logger Logger = deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	return &ActionExecutor{
		verifier:    deps.Verifier,
		tracker:     deps.Tracker,
		recorder:    deps.Recorder,
		leases:      deps.Leases,
		driver:      deps.Driver,
		locator:     deps.Locator,
		strategies:  strategies,
		defaultMode: deps.DefaultMode,
		clock:       clock,
		logger:      logger,
	}, nil
}

// ExecuteAction runs one request to its terminal result. It never returns
// nil: rejected and failed requests come back as failed results with an
// error kind and a per-attempt detail trail.
func (e *ActionExecutor) ExecuteAction(ctx context.Context, req *action.Request) *action.Result {
	res := e.execute(ctx, req)
	if e.PostExecuteHook != nil && req != nil {
		e.PostExecuteHook(req, res)
	}
	return res
}

func (e *ActionExecutor) execute(ctx context.Context, req *action.Request) *action.Result {
	start := e.clock()

	if req == nil {
		return action.Failed("", action.ErrActionInvalid, "request is nil")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	if err := req.Validate(); err != nil {
		res := action.Failed(req.ID, action.ErrActionInvalid, err.Error())
		res.Duration = e.clock().Sub(start)
		e.record(ctx, e.patternKey(req, e.defaultMode), learning.Outcome{
			ErrorKind: res.ErrorKind,
			Duration:  res.Duration,
		})
		e.logger.LogActionResult(req, res)
		return res
	}

	e.logger.LogInfo(fmt.Sprintf("accepted %s (id %s, budget %v)", req.Describe(), req.ID, req.Timeout))

	resource := req.Resource()
	if err := e.leases.Acquire(resource); err != nil {
		res := action.Failed(req.ID, action.ErrResourceUnavailable,
			fmt.Sprintf("resource %q unavailable: %v", resource, err))
		res.Duration = e.clock().Sub(start)
		e.record(ctx, e.patternKey(req, e.defaultMode), learning.Outcome{
			ErrorKind: res.ErrorKind,
			Duration:  res.Duration,
		})
		e.logger.LogActionResult(req, res)
		return res
	}
	defer func() {
		if err := e.leases.Release(resource); err != nil {
			e.logger.LogWarn(fmt.Sprintf("failed to release lease on %q: %v", resource, err))
		}
	}()

	mode := e.defaultMode
	strategy := e.tracker.BuildRetryStrategy(e.patternKey(req, mode))
	if rec := strategy.RecommendedDriver; rec != "" && rec != mode.String() {
		if m, err := ParseMode(rec); err == nil {
			if _, ok := e.strategies[m]; ok {
				e.logger.LogDebug(fmt.Sprintf("history prefers %s for %s on %s", rec, req.Kind, req.Platform))
				mode = m
			}
		}
	}

	// The budget covers everything: attempts, verification and backoff.
	deadline := start.Add(req.Timeout)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Escalation, when the tracker asks for it, happens on the final retries
	// rather than the first attempt, so a transient blip still gets a cheap
	// retry before paying for a subprocess.
	escalateAt := strategy.MaxRetries - 1
	if escalateAt < 1 {
		escalateAt = 1
	}

	var (
		phase    = PhasePending
		trail    []string
		bestConf float64
		lastKind action.ErrorKind
		lastDur  time.Duration
		ranMode  = mode
	)

	for attempt := 0; attempt <= strategy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			lastKind = action.ErrTimeout
			trail = append(trail, fmt.Sprintf("canceled while %s", phase))
			break
		}
		if !e.clock().Before(deadline) {
			lastKind = action.ErrTimeout
			trail = append(trail, fmt.Sprintf("budget exhausted while %s", phase))
			break
		}

		if strategy.EscalateDriver && attempt >= escalateAt && mode != ModeSubprocess {
			if _, ok := e.strategies[ModeSubprocess]; ok {
				e.logger.LogInfo(fmt.Sprintf("escalating %s to subprocess isolation for attempt %d", req.ID, attempt+1))
				mode = ModeSubprocess
			}
		}

		strat := e.strategyFor(mode)
		ranMode = strat.Mode()
		phase = PhaseExecuting
		e.logger.LogDebug(fmt.Sprintf("attempt %d/%d for %s via %s", attempt+1, strategy.MaxRetries+1, req.ID, ranMode))

		att := strat.Execute(reqCtx, req, driver.Dispatch(e.driver, e.locator, req))
		lastDur = att.Duration

		if att.Completed {
			phase = PhaseVerifying
			verdict := e.verifier.Verify(reqCtx, req, att.State)
			if verdict.Conclusive && verdict.Success {
				res := &action.Result{
					RequestID:  req.ID,
					Success:    true,
					Confidence: verdict.Confidence,
					Method:     verdict.Method,
					Duration:   e.clock().Sub(start),
					Detail:     verdict.Detail,
				}
				e.record(ctx, e.patternKey(req, ranMode), learning.Outcome{
					Success:  true,
					Duration: att.Duration,
				})
				e.logger.LogActionResult(req, res)
				return res
			}

			if verdict.Confidence > bestConf {
				bestConf = verdict.Confidence
			}
			lastKind = action.ErrVerificationInconclusive
			if verdict.Conclusive {
				trail = append(trail, fmt.Sprintf("attempt %d [%s]: %s tier says the action did not take effect (%s)",
					attempt+1, ranMode, verdict.Method, verdict.Detail))
			} else {
				trail = append(trail, fmt.Sprintf("attempt %d [%s]: no conclusive verdict (best %.2f via %s)",
					attempt+1, ranMode, verdict.Confidence, verdict.Method))
			}
		} else {
			lastKind = att.ErrorKind
			trail = append(trail, fmt.Sprintf("attempt %d [%s]: %s", attempt+1, ranMode, att.Detail))
		}

		if !lastKind.Retryable() || attempt == strategy.MaxRetries {
			break
		}

		phase = PhaseRetrying
		if wait := backoffAt(strategy.Backoff, attempt); wait > 0 {
			e.logger.LogDebug(fmt.Sprintf("retrying %s in %v", req.ID, wait.Round(time.Millisecond)))
			select {
			case <-time.After(wait):
			case <-reqCtx.Done():
			}
		}
	}

	if lastKind == "" {
		lastKind = action.ErrTimeout
	}
	if len(trail) == 0 {
		trail = append(trail, "no attempt could run")
	}

	res := action.Failed(req.ID, lastKind, strings.Join(trail, "; "))
	res.Confidence = bestConf
	res.Duration = e.clock().Sub(start)

	outcomeDur := lastDur
	if outcomeDur == 0 {
		outcomeDur = res.Duration
	}
	e.record(ctx, e.patternKey(req, ranMode), learning.Outcome{
		ErrorKind: lastKind,
		Duration:  outcomeDur,
	})
	e.logger.LogActionResult(req, res)
	return res
}

// strategyFor returns the registered strategy for a mode, falling back to
// the most isolated strategy available rather than failing.
func (e *ActionExecutor) strategyFor(m Mode) Strategy {
	if s, ok := e.strategies[m]; ok {
		return s
	}
	for _, fallback := range []Mode{ModeSubprocess, ModeThread, ModeInProcess} {
		if s, ok := e.strategies[fallback]; ok {
			return s
		}
	}
	return nil // unreachable: New requires at least one strategy
}

func (e *ActionExecutor) patternKey(req *action.Request, m Mode) learning.PatternKey {
	return learning.PatternKey{Kind: req.Kind, Platform: req.Platform, Driver: m.String()}
}

// record persists a terminal outcome. Recording is best-effort: the result
// already exists, so a store failure is logged rather than surfaced. The
// detached context keeps cancellation of the action from also suppressing
// the record of that cancellation.
func (e *ActionExecutor) record(ctx context.Context, key learning.PatternKey, out learning.Outcome) {
	if err := e.recorder.Record(context.WithoutCancel(ctx), key, out); err != nil {
		e.logger.LogWarn(fmt.Sprintf("failed to record outcome for %s: %v", key, err))
	}
}

// backoffAt returns the delay before the retry following the given attempt,
// reusing the last configured delay when attempts outnumber delays.
func backoffAt(backoff []time.Duration, attempt int) time.Duration {
	if len(backoff) == 0 {
		return 0
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}
