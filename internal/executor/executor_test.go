package executor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/actuator/internal/action"
	"github.com/harrison/actuator/internal/driver"
	"github.com/harrison/actuator/internal/learning"
	"github.com/harrison/actuator/internal/verify"
)

// fakeVerifier serves scripted verdicts in order, repeating the last one.
type fakeVerifier struct {
	mu       sync.Mutex
	verdicts []*verify.Verdict
	calls    int
}

func (f *fakeVerifier) Verify(_ context.Context, _ *action.Request, _ *driver.State) *verify.Verdict {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.verdicts) == 0 {
		return &verify.Verdict{Success: true, Confidence: 0.95, Method: action.MethodStructural, Conclusive: true}
	}
	v := f.verdicts[0]
	if len(f.verdicts) > 1 {
		f.verdicts = f.verdicts[1:]
	}
	return v
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTracker struct {
	mu       sync.Mutex
	strategy *learning.RetryStrategy
	lastKey  learning.PatternKey
}

func (f *fakeTracker) BuildRetryStrategy(key learning.PatternKey) *learning.RetryStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastKey = key
	if f.strategy != nil {
		return f.strategy
	}
	return &learning.RetryStrategy{MaxRetries: 2}
}

type fakeRecorder struct {
	mu   sync.Mutex
	err  error
	keys []learning.PatternKey
	outs []learning.Outcome
}

func (f *fakeRecorder) Record(_ context.Context, key learning.PatternKey, out learning.Outcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, key)
	f.outs = append(f.outs, out)
	return f.err
}

func (f *fakeRecorder) recorded() ([]learning.PatternKey, []learning.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]learning.PatternKey(nil), f.keys...), append([]learning.Outcome(nil), f.outs...)
}

type fakeLeases struct {
	mu         sync.Mutex
	acquireErr error
	acquired   []string
	released   []string
}

func (f *fakeLeases) Acquire(resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return f.acquireErr
	}
	f.acquired = append(f.acquired, resourceID)
	return nil
}

func (f *fakeLeases) Release(resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, resourceID)
	return nil
}

func (f *fakeLeases) counts() (acquired, released int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acquired), len(f.released)
}

// scriptedStrategy serves pre-built attempts in order, repeating the last one.
type scriptedStrategy struct {
	mu       sync.Mutex
	mode     Mode
	attempts []*Attempt
	calls    int
}

func (s *scriptedStrategy) Mode() Mode { return s.mode }

func (s *scriptedStrategy) Execute(_ context.Context, _ *action.Request, _ driver.Action) *Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.attempts) == 0 {
		return &Attempt{Completed: true, State: &driver.State{HTML: "<button id=\"send\"></button>"}}
	}
	att := s.attempts[0]
	if len(s.attempts) > 1 {
		s.attempts = s.attempts[1:]
	}
	return att
}

func (s *scriptedStrategy) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stepClock advances by a fixed step on every reading, making budget math
// deterministic without sleeping.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type execFixture struct {
	verifier *fakeVerifier
	tracker  *fakeTracker
	recorder *fakeRecorder
	leases   *fakeLeases
	stub     *driver.Stub
}

func newFixture() *execFixture {
	return &execFixture{
		verifier: &fakeVerifier{},
		tracker:  &fakeTracker{},
		recorder: &fakeRecorder{},
		leases:   &fakeLeases{},
		stub:     driver.NewStub(),
	}
}

func (f *execFixture) executor(t *testing.T, strategies ...Strategy) *ActionExecutor {
	t.Helper()
	if len(strategies) == 0 {
		strategies = []Strategy{&scriptedStrategy{mode: ModeInProcess}}
	}
	ex, err := New(Deps{
		Verifier:    f.verifier,
		Tracker:     f.tracker,
		Recorder:    f.recorder,
		Leases:      f.leases,
		Driver:      f.stub,
		Strategies:  strategies,
		DefaultMode: strategies[0].Mode(),
	})
	require.NoError(t, err)
	return ex
}

func clickRequest() *action.Request {
	return &action.Request{
		Kind:     action.KindClick,
		Target:   "the send button",
		Hint:     "#send",
		Platform: "claude-web",
		Timeout:  5 * time.Second,
	}
}

func inconclusiveVerdict(confidence float64) *verify.Verdict {
	return &verify.Verdict{Confidence: confidence, Method: action.MethodVision, Detail: "low confidence"}
}

func conclusiveYes() *verify.Verdict {
	return &verify.Verdict{Success: true, Confidence: 0.95, Method: action.MethodStructural, Conclusive: true, Detail: "selector matched"}
}

func TestNewValidatesDeps(t *testing.T) {
	f := newFixture()
	base := func() Deps {
		return Deps{
			Verifier:    f.verifier,
			Tracker:     f.tracker,
			Recorder:    f.recorder,
			Leases:      f.leases,
			Driver:      f.stub,
			Strategies:  []Strategy{NewInProcessStrategy()},
			DefaultMode: ModeInProcess,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Deps)
		wantErr string
	}{
		{"valid", func(d *Deps) {}, ""},
		{"missing verifier", func(d *Deps) { d.Verifier = nil }, "verifier"},
		{"missing tracker", func(d *Deps) { d.Tracker = nil }, "tracker"},
		{"missing recorder", func(d *Deps) { d.Recorder = nil }, "recorder"},
		{"missing leases", func(d *Deps) { d.Leases = nil }, "lease manager"},
		{"no strategies", func(d *Deps) { d.Strategies = nil }, "at least one strategy"},
		{"default mode unregistered", func(d *Deps) { d.DefaultMode = ModeSubprocess }, "default mode"},
		{
			"duplicate strategies",
			func(d *Deps) { d.Strategies = append(d.Strategies, NewInProcessStrategy()) },
			"duplicate strategy",
		},
		{
			"driver required for in-process",
			func(d *Deps) { d.Driver = nil },
			"requires a driver",
		},
		{
			"driver optional for subprocess only",
			func(d *Deps) {
				d.Driver = nil
				d.Strategies = []Strategy{NewProcessIsolatedStrategy("/bin/false", nil, "chrome", time.Second)}
				d.DefaultMode = ModeSubprocess
			},
			"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base()
			tt.mutate(&deps)
			ex, err := New(deps)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.NotNil(t, ex)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExecuteActionSuccess(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)
	req := clickRequest()

	res := ex.ExecuteAction(context.Background(), req)

	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, action.MethodStructural, res.Method)
	assert.InDelta(t, 0.95, res.Confidence, 0.001)
	assert.NotEmpty(t, req.ID, "executor should assign an ID")
	assert.Equal(t, req.ID, res.RequestID)
	assert.Empty(t, res.ErrorKind)

	keys, outs := f.recorder.recorded()
	require.Len(t, outs, 1, "exactly one outcome per terminal result")
	assert.True(t, outs[0].Success)
	assert.Equal(t, learning.PatternKey{Kind: action.KindClick, Platform: "claude-web", Driver: "inproc"}, keys[0])

	acquired, released := f.leases.counts()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, released)
}

func TestExecuteActionInvalidRequest(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)
	req := &action.Request{Kind: "hover", Target: "x", Platform: "claude-web", Timeout: time.Second}

	res := ex.ExecuteAction(context.Background(), req)

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, action.ErrActionInvalid, res.ErrorKind)
	assert.Contains(t, res.Detail, "invalid action kind")

	// Rejected before any lease or driver work, but still recorded.
	acquired, _ := f.leases.counts()
	assert.Zero(t, acquired)
	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)
	assert.Equal(t, action.ErrActionInvalid, outs[0].ErrorKind)
}

func TestExecuteActionNilRequest(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)

	res := ex.ExecuteAction(context.Background(), nil)

	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, action.ErrActionInvalid, res.ErrorKind)
}

func TestExecuteActionResourceHeld(t *testing.T) {
	f := newFixture()
	f.leases.acquireErr = fmt.Errorf("resource %q leased by owner-b until 12:00", "claude-web")
	ex := f.executor(t)
	req := clickRequest()

	res := ex.ExecuteAction(context.Background(), req)

	assert.False(t, res.Success)
	assert.Equal(t, action.ErrResourceUnavailable, res.ErrorKind)
	assert.Contains(t, res.Detail, "claude-web")

	_, released := f.leases.counts()
	assert.Zero(t, released, "failed acquire must not be released")
	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)
	assert.Equal(t, action.ErrResourceUnavailable, outs[0].ErrorKind)
}

func TestExecuteActionRetriesUntilConclusive(t *testing.T) {
	f := newFixture()
	f.verifier.verdicts = []*verify.Verdict{inconclusiveVerdict(0.4), conclusiveYes()}
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 2, Backoff: []time.Duration{time.Millisecond, time.Millisecond}}
	strat := &scriptedStrategy{mode: ModeInProcess}
	ex := f.executor(t, strat)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success)
	assert.Equal(t, 2, strat.callCount())
	assert.Equal(t, 2, f.verifier.callCount())
	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)
	assert.True(t, outs[0].Success)
}

func TestExecuteActionFailsAfterRetriesExhausted(t *testing.T) {
	f := newFixture()
	f.verifier.verdicts = []*verify.Verdict{inconclusiveVerdict(0.3), inconclusiveVerdict(0.45)}
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 1, Backoff: []time.Duration{time.Millisecond}}
	strat := &scriptedStrategy{mode: ModeInProcess}
	ex := f.executor(t, strat)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.False(t, res.Success)
	assert.Equal(t, action.ErrVerificationInconclusive, res.ErrorKind)
	assert.InDelta(t, 0.45, res.Confidence, 0.001, "failure carries the best confidence seen")
	assert.Equal(t, 2, strat.callCount())
	assert.Contains(t, res.Detail, "attempt 1")
	assert.Contains(t, res.Detail, "attempt 2")

	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)
	assert.Equal(t, action.ErrVerificationInconclusive, outs[0].ErrorKind)
}

func TestExecuteActionConclusiveNoIsRetried(t *testing.T) {
	f := newFixture()
	f.verifier.verdicts = []*verify.Verdict{
		{Success: false, Confidence: 0.95, Method: action.MethodStructural, Conclusive: true, Detail: "selector matched nothing"},
		conclusiveYes(),
	}
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 1}
	ex := f.executor(t)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success, "a conclusive no on attempt 1 should still retry")
	assert.Equal(t, 2, f.verifier.callCount())
}

func TestExecuteActionNonRetryableStopsEarly(t *testing.T) {
	f := newFixture()
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 3}
	strat := &scriptedStrategy{
		mode: ModeInProcess,
		attempts: []*Attempt{
			{ErrorKind: action.ErrResourceUnavailable, Detail: "session claimed by another engine"},
		},
	}
	ex := f.executor(t, strat)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.False(t, res.Success)
	assert.Equal(t, action.ErrResourceUnavailable, res.ErrorKind)
	assert.Equal(t, 1, strat.callCount(), "non-retryable failures must not retry")
}

func TestExecuteActionEscalatesToSubprocess(t *testing.T) {
	f := newFixture()
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 3, EscalateDriver: true}
	inproc := &scriptedStrategy{
		mode: ModeInProcess,
		attempts: []*Attempt{
			{ErrorKind: action.ErrTimeout, Detail: "driver call exceeded its deadline"},
		},
	}
	sub := &scriptedStrategy{mode: ModeSubprocess}
	ex := f.executor(t, inproc, sub)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success)
	assert.Equal(t, 2, inproc.callCount(), "escalation starts on the final retries")
	assert.Equal(t, 1, sub.callCount())

	keys, _ := f.recorder.recorded()
	require.Len(t, keys, 1)
	assert.Equal(t, "subprocess", keys[0].Driver, "outcome records the strategy that ran last")
}

func TestExecuteActionFollowsRecommendedDriver(t *testing.T) {
	f := newFixture()
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 1, RecommendedDriver: "thread"}
	inproc := &scriptedStrategy{mode: ModeInProcess}
	thread := &scriptedStrategy{mode: ModeThread}
	ex := f.executor(t, inproc, thread)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success)
	assert.Zero(t, inproc.callCount())
	assert.Equal(t, 1, thread.callCount())
}

func TestExecuteActionIgnoresUnregisteredRecommendation(t *testing.T) {
	f := newFixture()
	f.tracker.strategy = &learning.RetryStrategy{MaxRetries: 1, RecommendedDriver: "subprocess"}
	inproc := &scriptedStrategy{mode: ModeInProcess}
	ex := f.executor(t, inproc)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success)
	assert.Equal(t, 1, inproc.callCount())
}

func TestExecuteActionBudgetExhausted(t *testing.T) {
	f := newFixture()
	f.verifier.verdicts = []*verify.Verdict{inconclusiveVerdict(0.4)}
	clock := &stepClock{now: time.Now(), step: 30 * time.Millisecond}

	ex, err := New(Deps{
		Verifier:    f.verifier,
		Tracker:     f.tracker,
		Recorder:    f.recorder,
		Leases:      f.leases,
		Driver:      f.stub,
		Strategies:  []Strategy{&scriptedStrategy{mode: ModeInProcess}},
		DefaultMode: ModeInProcess,
		Clock:       clock.Now,
	})
	require.NoError(t, err)

	req := clickRequest()
	req.Timeout = 50 * time.Millisecond
	res := ex.ExecuteAction(context.Background(), req)

	assert.False(t, res.Success)
	assert.Equal(t, action.ErrTimeout, res.ErrorKind)
	assert.Contains(t, res.Detail, "budget exhausted")

	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)
	assert.Equal(t, action.ErrTimeout, outs[0].ErrorKind)
}

func TestExecuteActionCallerCanceled(t *testing.T) {
	f := newFixture()
	strat := &scriptedStrategy{mode: ModeInProcess}
	ex := f.executor(t, strat)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := ex.ExecuteAction(ctx, clickRequest())

	assert.False(t, res.Success)
	assert.Equal(t, action.ErrTimeout, res.ErrorKind)
	assert.Contains(t, res.Detail, "canceled")
	assert.Zero(t, strat.callCount())

	// Cancellation must not suppress the outcome record.
	_, outs := f.recorder.recorded()
	require.Len(t, outs, 1)

	_, released := f.leases.counts()
	assert.Equal(t, 1, released)
}

func TestExecuteActionRecorderFailureIsNotFatal(t *testing.T) {
	f := newFixture()
	f.recorder.err = fmt.Errorf("database is locked")
	ex := f.executor(t)

	res := ex.ExecuteAction(context.Background(), clickRequest())

	assert.True(t, res.Success, "a store failure must not fail the action")
}

func TestExecuteAllOrdersResults(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)

	var reqs []*action.Request
	for i := 0; i < 4; i++ {
		req := clickRequest()
		req.Context = map[string]string{action.ContextResource: fmt.Sprintf("session-%d", i)}
		reqs = append(reqs, req)
	}

	summary := ex.ExecuteAll(context.Background(), reqs, 2)

	require.NotNil(t, summary)
	assert.Equal(t, 4, summary.Total)
	assert.Equal(t, 4, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	require.Len(t, summary.Results, 4)
	for i, br := range summary.Results {
		assert.Equal(t, i, br.Index)
		assert.Same(t, reqs[i], br.Request)
		assert.True(t, br.Result.Success)
	}
}

func TestExecuteAllCanceledBeforeLaunch(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary := ex.ExecuteAll(ctx, []*action.Request{clickRequest(), clickRequest()}, 1)

	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Failed)
	for _, br := range summary.Results {
		assert.Contains(t, br.Result.Detail, "batch canceled")
	}

	// Never accepted, never recorded.
	_, outs := f.recorder.recorded()
	assert.Empty(t, outs)
}

func TestExecuteAllEmpty(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)

	summary := ex.ExecuteAll(context.Background(), nil, 4)

	assert.Zero(t, summary.Total)
	assert.Empty(t, summary.Results)
}

func TestPostExecuteHookFires(t *testing.T) {
	f := newFixture()
	ex := f.executor(t)

	var mu sync.Mutex
	var seen []string
	ex.PostExecuteHook = func(req *action.Request, res *action.Result) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res.RequestID)
	}

	summary := ex.ExecuteAll(context.Background(), []*action.Request{clickRequest(), clickRequest()}, 2)

	assert.Equal(t, 2, summary.Succeeded)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2)
}

func TestNewBatchError(t *testing.T) {
	okReq := clickRequest()
	okReq.ID = "ok"
	badReq := clickRequest()
	badReq.ID = "bad"

	summary := &BatchSummary{
		Total: 2,
		Results: []BatchResult{
			{Index: 0, Request: okReq, Result: &action.Result{RequestID: "ok", Success: true}},
			{Index: 1, Request: badReq, Result: action.Failed("bad", action.ErrTimeout, "budget exhausted")},
		},
	}

	err := NewBatchError(summary)
	require.NotNil(t, err)
	assert.Contains(t, err.Error(), "1/2 actions failed")
	assert.Contains(t, err.Error(), "timeout")

	allOK := &BatchSummary{
		Total: 1,
		Results: []BatchResult{
			{Index: 0, Request: okReq, Result: &action.Result{RequestID: "ok", Success: true}},
		},
	}
	assert.Nil(t, NewBatchError(allOK))
	assert.Nil(t, NewBatchError(nil))
}

func TestBackoffAt(t *testing.T) {
	backoff := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

	tests := []struct {
		name    string
		backoff []time.Duration
		attempt int
		want    time.Duration
	}{
		{"first", backoff, 0, 100 * time.Millisecond},
		{"second", backoff, 1, 200 * time.Millisecond},
		{"past end reuses last", backoff, 5, 200 * time.Millisecond},
		{"empty", nil, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffAt(tt.backoff, tt.attempt))
		})
	}
}
