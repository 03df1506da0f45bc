package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stub is an in-memory driver for tests and dry runs. It records every call,
// serves a configurable page state, and can be told to fail, delay, or hang
// the way a real browser session does when the platform stops responding.
type Stub struct {
	mu       sync.Mutex
	html     string
	url      string
	shot     []byte
	delay    time.Duration
	failWith error
	hangCh   chan struct{}
	clicks   []string
	typed    []string
	scrolls  []int
	navs     []string
	closed   bool
}

// NewStub returns a stub driver with an empty page.
func NewStub() *Stub {
	return &Stub{
		url:  "stub://blank",
		shot: []byte("stub-screenshot"),
	}
}

// Name returns "stub".
func (s *Stub) Name() string { return "stub" }

// SetHTML replaces the page HTML served by CaptureState.
func (s *Stub) SetHTML(html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.html = html
}

// SetURL replaces the location served by CaptureState.
func (s *Stub) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
}

// SetDelay makes every call take at least d. Delays respect context
// cancellation, unlike Hang.
func (s *Stub) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// FailWith makes every call return err. Pass nil to clear.
func (s *Stub) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

// Hang makes every subsequent call block without observing its context,
// simulating a synchronous driver call that never returns. The returned
// release function unblocks all waiters; call it during test cleanup or the
// abandoned goroutines leak for the remainder of the run.
func (s *Stub) Hang() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.hangCh = ch
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.hangCh == ch {
				s.hangCh = nil
			}
			s.mu.Unlock()
			close(ch)
		})
	}
}

// op applies the configured hang, delay and failure knobs, in that order.
func (s *Stub) op(ctx context.Context) error {
	s.mu.Lock()
	hang := s.hangCh
	delay := s.delay
	failWith := s.failWith
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return fmt.Errorf("session closed: %w", ErrUnavailable)
	}
	if hang != nil {
		<-hang
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return failWith
}

// Navigate records the URL and makes it the current location.
func (s *Stub) Navigate(ctx context.Context, url string) error {
	if err := s.op(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navs = append(s.navs, url)
	s.url = url
	return nil
}

// ClickSelector records the selector.
func (s *Stub) ClickSelector(ctx context.Context, selector string) error {
	if err := s.op(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	return nil
}

// ClickAt records a coordinate click.
func (s *Stub) ClickAt(ctx context.Context, x, y int) error {
	if err := s.op(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, fmt.Sprintf("@%d,%d", x, y))
	return nil
}

// TypeText records the typed text.
func (s *Stub) TypeText(ctx context.Context, selector, text string) error {
	if err := s.op(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if selector != "" {
		s.typed = append(s.typed, selector+"="+text)
	} else {
		s.typed = append(s.typed, text)
	}
	return nil
}

// Scroll records the delta.
func (s *Stub) Scroll(ctx context.Context, deltaY int) error {
	if err := s.op(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scrolls = append(s.scrolls, deltaY)
	return nil
}

// CaptureState serves the configured page state.
func (s *Stub) CaptureState(ctx context.Context) (*State, error) {
	if err := s.op(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &State{
		Screenshot: append([]byte(nil), s.shot...),
		HTML:       s.html,
		URL:        s.url,
	}, nil
}

// Close marks the session closed; further calls fail with ErrUnavailable.
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Clicks returns the recorded click targets in order. Selector clicks appear
// verbatim; coordinate clicks appear as "@x,y".
func (s *Stub) Clicks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.clicks...)
}

// Typed returns the recorded text entries in order, as "selector=text" or
// bare text for focus-targeted typing.
func (s *Stub) Typed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.typed...)
}

// Scrolls returns the recorded scroll deltas in order.
func (s *Stub) Scrolls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.scrolls...)
}

// Navigations returns the recorded navigation URLs in order.
func (s *Stub) Navigations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.navs...)
}
