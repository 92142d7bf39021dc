package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/fareminion/fareminion/core"
)

// RodDriver implements Driver over a CDP websocket using rod. It attaches
// to an existing remote session (it never launches Chrome) and drives the
// first page of that session.
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	router  *rod.HijackRouter
	width   int
	height  int
	logger  core.Logger
}

// ConnectOptions configures the attachment to a remote session.
type ConnectOptions struct {
	// ControlURL is the session's CDP websocket endpoint.
	ControlURL string
	// Width and Height set the page viewport. Zero values keep the
	// session's fingerprinted viewport untouched.
	Width  int
	Height int
	Logger core.Logger
}

// Connect attaches to a remote browser session and returns a driver bound
// to its first page.
func Connect(ctx context.Context, opts ConnectOptions) (*RodDriver, error) {
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	b := rod.New().ControlURL(opts.ControlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, &core.OrchestratorError{
			Op:      "browser_connect",
			Kind:    "connection",
			Message: "failed to attach to remote session",
			Err:     fmt.Errorf("%w: %v", core.ErrConnectionFailed, err),
		}
	}

	pages, err := b.Pages()
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("listing session pages: %w", err)
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("creating session page: %w", err)
		}
	}

	width, height := opts.Width, opts.Height
	if width > 0 && height > 0 {
		if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             width,
			Height:            height,
			DeviceScaleFactor: 1,
		}); err != nil {
			logger.Warn("Failed to set viewport, using session default", map[string]interface{}{
				"operation": "browser_connect",
				"error":     err.Error(),
			})
		}
	}

	logger.Debug("Attached to remote browser session", map[string]interface{}{
		"operation": "browser_connect",
		"width":     width,
		"height":    height,
	})

	return &RodDriver{
		browser: b,
		page:    page,
		width:   width,
		height:  height,
		logger:  logger,
	}, nil
}

func (d *RodDriver) Viewport() (int, int) {
	return d.width, d.height
}

// Navigate loads the URL and waits for the load event. Aborted navigations
// (redirect chains cutting each other off) and load timeouts are tolerated;
// the page state probe decides what actually rendered.
func (d *RodDriver) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	page := d.page.Context(ctx).Timeout(timeout)
	if err := page.Navigate(url); err != nil {
		if tolerableNavError(err) {
			d.logger.Debug("Navigation did not settle, continuing", map[string]interface{}{
				"operation": "navigate",
				"url":       url,
				"error":     err.Error(),
			})
			return nil
		}
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		if tolerableNavError(err) {
			d.logger.Debug("Load event never fired, continuing", map[string]interface{}{
				"operation": "navigate",
				"url":       url,
			})
			return nil
		}
		return fmt.Errorf("waiting for load of %s: %w", url, err)
	}
	return nil
}

// tolerableNavError reports whether a navigation error leaves the page in a
// probeable state anyway.
func tolerableNavError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "ERR_ABORTED") || strings.Contains(msg, "context deadline exceeded")
}

func (d *RodDriver) Screenshot(ctx context.Context) (Screenshot, error) {
	page := d.page.Context(ctx)
	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return Screenshot{}, fmt.Errorf("capturing screenshot: %w", err)
	}
	url := ""
	if info, err := page.Info(); err == nil {
		url = info.URL
	}
	return Screenshot{Data: data, URL: url}, nil
}

func (d *RodDriver) CurrentURL() (string, error) {
	info, err := d.page.Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

// Execute dispatches a single action. The grid coordinates in the action
// are denormalized against the driver's viewport here, so everything above
// this layer stays resolution-independent.
func (d *RodDriver) Execute(ctx context.Context, action core.Action) core.ActionResult {
	err := d.execute(ctx, action)
	if err != nil {
		d.logger.Debug("Action failed", map[string]interface{}{
			"operation": "execute_action",
			"action":    string(action.Kind),
			"error":     err.Error(),
		})
		return core.ActionResult{OK: false, Error: err.Error()}
	}
	d.settle(ctx)
	return core.ActionResult{OK: true}
}

// settle waits for the page to quiet down after an action: up to 5s of
// network-idle (best effort), then a short pause for animations.
func (d *RodDriver) settle(ctx context.Context) {
	idleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_ = d.page.Context(idleCtx).WaitIdle(5 * time.Second)
	cancel()

	timer := time.NewTimer(750 * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *RodDriver) execute(ctx context.Context, action core.Action) error {
	page := d.page.Context(ctx)

	switch action.Kind {
	case core.ActionClick:
		x, y := DenormalizePoint(action.X, action.Y, d.width, d.height)
		if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
			return err
		}
		return page.Mouse.Click(proto.InputMouseButtonLeft, 1)

	case core.ActionType:
		// Focus the target field before typing into it.
		x, y := DenormalizePoint(action.X, action.Y, d.width, d.height)
		if err := page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
			return err
		}
		if err := page.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
			return err
		}
		if action.ClearFirst {
			if err := d.clearField(page); err != nil {
				return err
			}
		}
		for _, r := range action.Text {
			if err := page.InsertText(string(r)); err != nil {
				return err
			}
			// Per-rune delay defeats paste detection on flight forms.
			time.Sleep(30 * time.Millisecond)
		}
		if action.PressEnter {
			return page.Keyboard.Type(input.Enter)
		}
		return nil

	case core.ActionDrag:
		x1, y1 := DenormalizePoint(action.X, action.Y, d.width, d.height)
		x2, y2 := DenormalizePoint(action.X2, action.Y2, d.width, d.height)
		if err := page.Mouse.MoveTo(proto.Point{X: float64(x1), Y: float64(y1)}); err != nil {
			return err
		}
		if err := page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
			return err
		}
		// Intermediate steps make the drag register on slider widgets.
		steps := 8
		for i := 1; i <= steps; i++ {
			ix := float64(x1) + float64(x2-x1)*float64(i)/float64(steps)
			iy := float64(y1) + float64(y2-y1)*float64(i)/float64(steps)
			if err := page.Mouse.MoveTo(proto.Point{X: ix, Y: iy}); err != nil {
				return err
			}
		}
		return page.Mouse.Up(proto.InputMouseButtonLeft, 1)

	case core.ActionScroll:
		magnitude := action.Magnitude
		if magnitude == 0 {
			magnitude = 400
		}
		dy := float64(magnitude)
		if action.Direction == "up" {
			dy = -dy
		}
		return page.Mouse.Scroll(0, dy, 4)

	case core.ActionKey:
		return d.pressChord(page, action.Chord)

	case core.ActionNavigate:
		return d.Navigate(ctx, action.URL, 30*time.Second)

	case core.ActionWait:
		seconds := action.Seconds
		if seconds <= 0 {
			seconds = 1
		}
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}

	case core.ActionHover, core.ActionMove:
		x, y := DenormalizePoint(action.X, action.Y, d.width, d.height)
		return page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)})

	default:
		return errUnimplemented
	}
}

// errUnimplemented is the structured result for action variants this
// adapter does not handle. Callers see it in ActionResult.Error; it never
// fails the worker.
var errUnimplemented = errors.New("unimplemented")

// clearField selects the focused field's content and deletes it. Remote
// sessions run Linux Chrome, so the select-all chord is Control+A.
// Keyboard.Press holds the key down until Release; Type presses and
// releases in one go.
func (d *RodDriver) clearField(page *rod.Page) error {
	if err := page.Keyboard.Press(input.ControlLeft); err != nil {
		return err
	}
	if err := page.Keyboard.Type(input.KeyA); err != nil {
		return err
	}
	if err := page.Keyboard.Release(input.ControlLeft); err != nil {
		return err
	}
	return page.Keyboard.Type(input.Backspace)
}

var namedKeys = map[string]input.Key{
	"enter":      input.Enter,
	"tab":        input.Tab,
	"escape":     input.Escape,
	"backspace":  input.Backspace,
	"delete":     input.Delete,
	"arrowup":    input.ArrowUp,
	"arrowdown":  input.ArrowDown,
	"arrowleft":  input.ArrowLeft,
	"arrowright": input.ArrowRight,
	"pageup":     input.PageUp,
	"pagedown":   input.PageDown,
	"home":       input.Home,
	"end":        input.End,
}

// pressChord handles both named keys ("Enter", "Escape") and single
// characters. Modifier chords are not needed by the extraction loops.
func (d *RodDriver) pressChord(page *rod.Page, chord string) error {
	if k, ok := namedKeys[strings.ToLower(chord)]; ok {
		return page.Keyboard.Type(k)
	}
	if len(chord) == 1 {
		return page.Keyboard.Type(input.Key(rune(chord[0])))
	}
	return fmt.Errorf("unknown key %q", chord)
}

// InstallInterception blocks matching requests for the page's lifetime.
func (d *RodDriver) InstallInterception(config InterceptionConfig) error {
	patterns := config.BlockPatterns
	if len(patterns) == 0 {
		patterns = DefaultBlockPatterns
	}

	router := d.page.HijackRequests()
	err := router.Add("*", "", func(h *rod.Hijack) {
		url := h.Request.URL().String()
		for _, p := range patterns {
			if strings.Contains(url, p) {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		if config.BlockImages && h.Request.Type() == proto.NetworkResourceTypeImage {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return fmt.Errorf("installing request interception: %w", err)
	}
	go router.Run()
	d.router = router
	return nil
}

// Close detaches from the session. The remote session keeps running; the
// provider client is responsible for releasing it.
func (d *RodDriver) Close() error {
	if d.router != nil {
		_ = d.router.Stop()
	}
	return d.browser.Close()
}
