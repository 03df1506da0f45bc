package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/actuator/internal/action"
)

var _ Driver = (*Stub)(nil)
var _ Driver = (*Chrome)(nil)

// fixedLocator resolves every target to the same point.
type fixedLocator struct {
	x, y int
	err  error
}

func (l *fixedLocator) Locate(ctx context.Context, screenshot []byte, target string) (int, int, error) {
	if l.err != nil {
		return 0, 0, l.err
	}
	return l.x, l.y, nil
}

func clickRequest() *action.Request {
	return &action.Request{
		Kind:     action.KindClick,
		Target:   "the Send button",
		Hint:     "#send",
		Platform: "claude-web",
		Timeout:  10 * time.Second,
	}
}

func TestDispatchClickWithHint(t *testing.T) {
	stub := NewStub()
	stub.SetHTML(`<button id="send">Send</button>`)

	st, err := Dispatch(stub, nil, clickRequest())(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, []string{"#send"}, stub.Clicks())
	assert.Contains(t, st.HTML, "send")
}

func TestDispatchClickWithoutHintUsesLocator(t *testing.T) {
	stub := NewStub()
	req := clickRequest()
	req.Hint = ""

	_, err := Dispatch(stub, &fixedLocator{x: 120, y: 340}, req)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"@120,340"}, stub.Clicks())
}

func TestDispatchClickWithoutHintOrLocator(t *testing.T) {
	stub := NewStub()
	req := clickRequest()
	req.Hint = ""

	_, err := Dispatch(stub, nil, req)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no locator configured")
	assert.Empty(t, stub.Clicks())
}

func TestDispatchClickLocatorFailure(t *testing.T) {
	stub := NewStub()
	req := clickRequest()
	req.Hint = ""

	st, err := Dispatch(stub, &fixedLocator{err: errors.New("not found")}, req)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locate")
	// The attempt still captures state for verification.
	assert.NotNil(t, st)
}

func TestDispatchType(t *testing.T) {
	tests := []struct {
		name string
		hint string
		want string
	}{
		{name: "with selector", hint: "#message", want: "#message=hello"},
		{name: "focused element", hint: "", want: "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := NewStub()
			req := &action.Request{
				Kind:      action.KindType,
				Target:    "the message box",
				Hint:      tt.hint,
				InputText: "hello",
				Platform:  "claude-web",
				Timeout:   10 * time.Second,
			}
			_, err := Dispatch(stub, nil, req)(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, stub.Typed())
		})
	}
}

func TestDispatchScroll(t *testing.T) {
	tests := []struct {
		name    string
		context map[string]string
		want    int
	}{
		{name: "default delta", want: defaultScrollDelta},
		{name: "context override", context: map[string]string{"scroll_delta": "-250"}, want: -250},
		{name: "malformed override", context: map[string]string{"scroll_delta": "down"}, want: defaultScrollDelta},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := NewStub()
			req := &action.Request{
				Kind:     action.KindScroll,
				Platform: "claude-web",
				Timeout:  10 * time.Second,
				Context:  tt.context,
			}
			_, err := Dispatch(stub, nil, req)(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []int{tt.want}, stub.Scrolls())
		})
	}
}

func TestDispatchVerifyOnlyCaptures(t *testing.T) {
	stub := NewStub()
	stub.SetHTML(`<div class="status">done</div>`)
	req := &action.Request{
		Kind:     action.KindVerify,
		Target:   "the status banner",
		Platform: "claude-web",
		Timeout:  10 * time.Second,
	}

	st, err := Dispatch(stub, nil, req)(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.HTML, "status")
	assert.Empty(t, stub.Clicks())
	assert.Empty(t, stub.Typed())
}

func TestDispatchNavigatesFirst(t *testing.T) {
	stub := NewStub()
	req := clickRequest()
	req.Context = map[string]string{action.ContextURL: "https://claude.ai/chat"}

	st, err := Dispatch(stub, nil, req)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://claude.ai/chat"}, stub.Navigations())
	assert.Equal(t, "https://claude.ai/chat", st.URL)
}

func TestDispatchComposite(t *testing.T) {
	stub := NewStub()
	req := &action.Request{
		Kind:     action.KindComposite,
		Target:   "send a message",
		Platform: "claude-web",
		Timeout:  10 * time.Second,
		Context: map[string]string{
			action.ContextSteps: `[{"kind":"type","hint":"#msg","text":"hi"},{"kind":"click","hint":"#send"}]`,
		},
	}

	_, err := Dispatch(stub, nil, req)(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"#msg=hi"}, stub.Typed())
	assert.Equal(t, []string{"#send"}, stub.Clicks())
}

func TestDispatchCompositeStopsAtFailingStep(t *testing.T) {
	stub := NewStub()
	req := &action.Request{
		Kind:     action.KindComposite,
		Target:   "send a message",
		Platform: "claude-web",
		Timeout:  10 * time.Second,
		Context: map[string]string{
			action.ContextSteps: `[{"kind":"click"},{"kind":"click","hint":"#send"}]`,
		},
	}

	// First step has no hint and no locator is configured, so it fails and
	// the second step must not run.
	_, err := Dispatch(stub, nil, req)(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "composite step 0")
	assert.Empty(t, stub.Clicks())
}

func TestDispatchFailedInteractionStillCaptures(t *testing.T) {
	stub := NewStub()
	stub.SetHTML(`<main>partial</main>`)
	stub.FailWith(errors.New("element detached"))

	st, err := Dispatch(stub, nil, clickRequest())(context.Background())
	require.Error(t, err)
	// Capture also fails under FailWith, so state is nil here; clear the
	// failure mid-flight to show the partial-capture path instead.
	assert.Nil(t, st)

	stub2 := NewStub()
	stub2.SetHTML(`<main>partial</main>`)
	req := clickRequest()
	req.Hint = ""
	st2, err := Dispatch(stub2, &fixedLocator{err: errors.New("vision offline")}, req)(context.Background())
	require.Error(t, err)
	require.NotNil(t, st2)
	assert.Contains(t, st2.HTML, "partial")
}

func TestStubHangIgnoresContext(t *testing.T) {
	stub := NewStub()
	release := stub.Hang()
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- stub.ClickSelector(ctx, "#send")
	}()

	select {
	case <-done:
		t.Fatal("hung call returned before release")
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("release did not unblock the call")
	}
}

func TestStubClosed(t *testing.T) {
	stub := NewStub()
	require.NoError(t, stub.Close())

	err := stub.ClickSelector(context.Background(), "#send")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestStubDelayHonorsContext(t *testing.T) {
	stub := NewStub()
	stub.SetDelay(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := stub.ClickSelector(ctx, "#send")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), fmt.Sprintf("got %v", err))
	assert.Less(t, time.Since(start), time.Second)
}
