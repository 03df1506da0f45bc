// Package driver abstracts the browser (or other UI host) that actions run
// against. The executor never talks to a driver directly; it runs an Action
// closure built by Dispatch, which binds a request to driver calls and ends
// with a state capture for the verification chain.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/harrison/actuator/internal/action"
)

// ErrUnavailable reports that the driver session could not be started or has
// already died. Strategies map it to the driver_unavailable error kind.
var ErrUnavailable = errors.New("driver unavailable")

// defaultScrollDelta is the vertical scroll distance in pixels when the
// request does not specify one.
const defaultScrollDelta = 600

// State is the observable driver state captured after an attempt. The
// verification chain consumes it; the subprocess runner serializes it.
type State struct {
	// Screenshot is a PNG capture of the viewport.
	Screenshot []byte `json:"screenshot,omitempty"`
	// HTML is the serialized document, truncated by drivers that cap it.
	HTML string `json:"html,omitempty"`
	// URL is the current location.
	URL string `json:"url,omitempty"`
}

// Driver is a UI host session. Implementations must be safe for sequential
// use; the executor serializes calls per driver instance.
type Driver interface {
	// Name identifies the driver implementation ("chrome", "stub").
	Name() string

	// Navigate loads a URL and waits for the page to settle.
	Navigate(ctx context.Context, url string) error

	// ClickSelector clicks the first element matching a CSS selector.
	ClickSelector(ctx context.Context, selector string) error

	// ClickAt clicks at viewport coordinates. Used when targeting resolved
	// the element visually rather than structurally.
	ClickAt(ctx context.Context, x, y int) error

	// TypeText enters text. With a selector the field is focused and
	// cleared first; with an empty selector keys go to the focused element.
	TypeText(ctx context.Context, selector, text string) error

	// Scroll scrolls the viewport vertically. Positive deltas scroll down.
	Scroll(ctx context.Context, deltaY int) error

	// CaptureState snapshots the current screenshot, HTML and URL.
	CaptureState(ctx context.Context) (*State, error)

	// Close tears the session down.
	Close() error
}

// Locator resolves a semantic target description to viewport coordinates,
// typically by asking a vision model to look at a screenshot.
type Locator interface {
	Locate(ctx context.Context, screenshot []byte, target string) (x, y int, err error)
}

// Action is a bound driver call: one blocking operation followed by a state
// capture. Execution strategies decide where and how it runs.
type Action func(ctx context.Context) (*State, error)

// Dispatch binds a request to driver calls. The returned Action performs the
// navigation (when the request carries a URL), runs the interaction, then
// captures state. A failed interaction still attempts a capture so the
// verification chain can inspect whatever the page looks like afterwards.
func Dispatch(d Driver, loc Locator, req *action.Request) Action {
	return func(ctx context.Context) (*State, error) {
		if url := req.Context[action.ContextURL]; url != "" {
			if err := d.Navigate(ctx, url); err != nil {
				return nil, fmt.Errorf("navigate to %s: %w", url, err)
			}
		}

		runErr := runKind(ctx, d, loc, req.Kind, req)
		st, capErr := d.CaptureState(ctx)
		if runErr != nil {
			// Partial state is still useful for verification.
			return st, runErr
		}
		if capErr != nil {
			return nil, fmt.Errorf("capture state: %w", capErr)
		}
		return st, nil
	}
}

func runKind(ctx context.Context, d Driver, loc Locator, kind action.Kind, req *action.Request) error {
	switch kind {
	case action.KindClick:
		return click(ctx, d, loc, req.Hint, req.Target)
	case action.KindType:
		return d.TypeText(ctx, req.Hint, req.InputText)
	case action.KindScroll:
		return d.Scroll(ctx, scrollDelta(req))
	case action.KindVerify:
		// Observation only; the capture after this is the whole point.
		return nil
	case action.KindComposite:
		steps, err := req.Steps()
		if err != nil {
			return err
		}
		for i, s := range steps {
			step := &action.Request{
				Kind:      s.Kind,
				Target:    req.Target,
				Hint:      s.Hint,
				InputText: s.Text,
				Platform:  req.Platform,
				Context:   req.Context,
			}
			if err := runKind(ctx, d, loc, s.Kind, step); err != nil {
				return fmt.Errorf("composite step %d (%s): %w", i, s.Kind, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported action kind %q", string(kind))
	}
}

// click prefers the structural hint; without one it falls back to visual
// targeting via the locator.
func click(ctx context.Context, d Driver, loc Locator, hint, target string) error {
	if hint != "" {
		return d.ClickSelector(ctx, hint)
	}
	if loc == nil {
		return fmt.Errorf("no structural hint for %q and no locator configured", target)
	}
	st, err := d.CaptureState(ctx)
	if err != nil {
		return fmt.Errorf("capture for targeting: %w", err)
	}
	x, y, err := loc.Locate(ctx, st.Screenshot, target)
	if err != nil {
		return fmt.Errorf("locate %q: %w", target, err)
	}
	return d.ClickAt(ctx, x, y)
}

func scrollDelta(req *action.Request) int {
	if raw, ok := req.Context["scroll_delta"]; ok {
		if delta, err := strconv.Atoi(raw); err == nil && delta != 0 {
			return delta
		}
	}
	return defaultScrollDelta
}
