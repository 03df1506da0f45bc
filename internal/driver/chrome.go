package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// htmlCaptureLimit caps the serialized document size in a state capture.
// Web apps routinely carry multi-megabyte DOMs; the structural probe only
// needs the rendered shell.
const htmlCaptureLimit = 256 * 1024

// ChromeOptions configures a Chrome session.
type ChromeOptions struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	UserAgent      string
	ProxyURL       string
}

// Chrome drives a Chrome/Chromium browser over the DevTools protocol.
type Chrome struct {
	opts        ChromeOptions
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	busy        chan struct{}
}

// NewChrome launches a browser and opens one tab. The returned driver owns
// the browser process; Close tears both down.
func NewChrome(opts ChromeOptions) (*Chrome, error) {
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 900
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ProxyURL != "" {
		allocOpts = append(allocOpts, chromedp.ProxyServer(opts.ProxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	ctx, cancel := chromedp.NewContext(allocCtx)

	// Start the browser now so a missing binary fails fast instead of on
	// the first action.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w (%v)", ErrUnavailable, err)
	}

	busy := make(chan struct{}, 1)
	busy <- struct{}{}

	return &Chrome{
		opts:        opts,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		ctx:         ctx,
		cancel:      cancel,
		busy:        busy,
	}, nil
}

// Name returns "chrome".
func (d *Chrome) Name() string { return "chrome" }

// run executes chromedp actions on the session tab, bounded by the caller's
// deadline. The session token keeps an abandoned call from interleaving CDP
// commands with the next attempt: if the token is taken, the previous call
// is still running and the new one reports the session busy.
func (d *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-d.busy:
	default:
		return fmt.Errorf("previous call still running on this session: %w", ErrUnavailable)
	}
	defer func() { d.busy <- struct{}{} }()

	runCtx := d.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(d.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads a URL and waits for the body to be ready.
func (d *Chrome) Navigate(ctx context.Context, url string) error {
	err := d.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to navigate: %w", err)
	}
	return nil
}

// ClickSelector clicks the first visible element matching the selector.
func (d *Chrome) ClickSelector(ctx context.Context, selector string) error {
	err := d.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to click %q: %w", selector, err)
	}
	return nil
}

// ClickAt dispatches a left-button press/release pair at viewport coordinates.
func (d *Chrome) ClickAt(ctx context.Context, x, y int) error {
	fx, fy := float64(x), float64(y)
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		press := input.DispatchMouseEvent(input.MousePressed, fx, fy).
			WithButton(input.Left).
			WithClickCount(1)
		if err := press.Do(ctx); err != nil {
			return err
		}
		release := input.DispatchMouseEvent(input.MouseReleased, fx, fy).
			WithButton(input.Left).
			WithClickCount(1)
		return release.Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to click at (%d,%d): %w", x, y, err)
	}
	return nil
}

// TypeText enters text. With a selector the element is focused and cleared
// first; with an empty selector the text is inserted at the current focus.
func (d *Chrome) TypeText(ctx context.Context, selector, text string) error {
	var err error
	if selector != "" {
		err = d.run(ctx,
			chromedp.WaitVisible(selector, chromedp.ByQuery),
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, text, chromedp.ByQuery),
		)
	} else {
		err = d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.InsertText(text).Do(ctx)
		}))
	}
	if err != nil {
		return fmt.Errorf("failed to type text: %w", err)
	}
	return nil
}

// Scroll dispatches a mouse wheel event at the viewport center.
func (d *Chrome) Scroll(ctx context.Context, deltaY int) error {
	cx := float64(d.opts.ViewportWidth) / 2
	cy := float64(d.opts.ViewportHeight) / 2
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, cx, cy).
			WithDeltaX(0).
			WithDeltaY(float64(deltaY)).
			Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("failed to scroll: %w", err)
	}
	return nil
}

// CaptureState snapshots screenshot, document HTML and location.
func (d *Chrome) CaptureState(ctx context.Context) (*State, error) {
	var (
		shot []byte
		html string
		url  string
	)
	err := d.run(ctx,
		chromedp.FullScreenshot(&shot, 90),
		chromedp.Location(&url),
		chromedp.ActionFunc(func(ctx context.Context) error {
			node, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	if len(html) > htmlCaptureLimit {
		html = html[:htmlCaptureLimit]
	}
	return &State{Screenshot: shot, HTML: html, URL: strings.TrimSpace(url)}, nil
}

// Close tears down the tab and the browser process.
func (d *Chrome) Close() error {
	d.cancel()
	d.allocCancel()
	return nil
}
