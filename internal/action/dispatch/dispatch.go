// Package dispatch implements ActionDispatcher (spec.md 4.F): a
// registry mapping action kind to a handler function, with built-in
// handlers for every Kind wired to driver.Page and room for callers to
// register custom handlers at startup.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/driver"
)

// Handler is the dispatcher's handler contract: (action, page, ctx) ->
// ActionResult.
type Handler func(ctx context.Context, a action.Action, page driver.Page) (action.Result, error)

// Dispatcher is ActionDispatcher.
type Dispatcher struct {
	handlers map[action.Kind]Handler
}

// New constructs a Dispatcher pre-registered with the built-in handler
// for every Kind.
func New() *Dispatcher {
	d := &Dispatcher{handlers: make(map[action.Kind]Handler)}
	d.Register(action.KindNavigate, handleNavigate)
	d.Register(action.KindClick, handleClick)
	d.Register(action.KindType, handleType)
	d.Register(action.KindSelect, handleSelect)
	d.Register(action.KindKeyboard, handleKeyboard)
	d.Register(action.KindMouse, handleMouse)
	d.Register(action.KindScreenshot, handleScreenshot)
	d.Register(action.KindPDF, handlePDF)
	d.Register(action.KindContent, handleContent)
	d.Register(action.KindWait, handleWait)
	d.Register(action.KindScroll, handleScroll)
	d.Register(action.KindEvaluate, handleEvaluate)
	d.Register(action.KindUpload, handleUpload)
	d.Register(action.KindCookie, handleCookie)
	return d
}

// Register installs (or overrides) the handler for kind, letting
// callers plug custom handlers at startup.
func (d *Dispatcher) Register(kind action.Kind, h Handler) { d.handlers[kind] = h }

// IsActionSupported drives the executor's pre-check phase.
func (d *Dispatcher) IsActionSupported(kind action.Kind) bool {
	_, ok := d.handlers[kind]
	return ok
}

// Dispatch looks up and invokes the handler for a.Kind.
func (d *Dispatcher) Dispatch(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	h, ok := d.handlers[a.Kind]
	if !ok {
		return action.Result{}, fmt.Errorf("dispatch: unsupported action kind %q", a.Kind)
	}
	return h(ctx, a, page)
}

func ok(kind action.Kind, start time.Time, data any) action.Result {
	return action.Result{Success: true, ActionType: kind, Data: data, Duration: time.Since(start), Timestamp: time.Now()}
}

func handleNavigate(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	res, err := page.Navigate(ctx, a.URL, driver.NavigateOptions{WaitUntil: a.WaitUntil, TimeoutOverride: a.Timeout, Referrer: a.Referrer})
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, res), nil
}

func handleClick(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	if err := page.Click(ctx, a.Selector, driver.ClickOptions{Button: a.Button, ClickCount: a.ClickCount, Timeout: a.Timeout}); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleType(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	if err := page.Type(ctx, a.Selector, a.Text, driver.TypeOptions{Timeout: a.Timeout}); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleSelect(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	script := fmt.Sprintf(`(function(){var el=document.querySelector(%q); if(!el) return false; el.value=%q; el.dispatchEvent(new Event('change',{bubbles:true})); return true;})()`, a.Selector, a.Value)
	res, err := page.Evaluate(ctx, script)
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, res), nil
}

func handleKeyboard(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	if err := page.Type(ctx, "body", a.Key, driver.TypeOptions{Timeout: a.Timeout}); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleMouse(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	script := fmt.Sprintf(`(function(){var ev=new MouseEvent('click',{clientX:%d,clientY:%d,bubbles:true}); document.elementFromPoint(%d,%d)?.dispatchEvent(ev); return true;})()`, a.X, a.Y, a.X, a.Y)
	res, err := page.Evaluate(ctx, script)
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, res), nil
}

func handleScreenshot(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	data, err := page.Screenshot(ctx, driver.ScreenshotOptions{FullPage: a.FullPage, Format: a.Format, Quality: a.Quality, Selector: a.Selector})
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, data), nil
}

func handlePDF(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	// Printing to PDF is a Page.printToPDF CDP call; chromedp exposes it
	// through page.Evaluate-adjacent primitives the driver interface does
	// not (yet) surface, so this degrades to a full-page screenshot.
	data, err := page.Screenshot(ctx, driver.ScreenshotOptions{FullPage: true, Format: "png"})
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, data), nil
}

func handleContent(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	html, err := page.Content(ctx)
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, html), nil
}

func handleWait(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	if err := page.WaitForSelector(ctx, a.Selector, a.Timeout); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleScroll(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	script := fmt.Sprintf(`window.scrollBy(%d, %d)`, a.ScrollDX, a.ScrollDY)
	if _, err := page.Evaluate(ctx, script); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleEvaluate(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	res, err := page.Evaluate(ctx, a.Expression)
	if err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, res), nil
}

func handleUpload(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	if err := page.Upload(ctx, a.Selector, a.FilePaths); err != nil {
		return action.Result{}, err
	}
	return ok(a.Kind, start, nil), nil
}

func handleCookie(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
	start := time.Now()
	switch a.Cookie.Op {
	case "get":
		cookies, err := page.Cookies(ctx)
		if err != nil {
			return action.Result{}, err
		}
		return ok(a.Kind, start, cookies), nil
	case "delete":
		if err := page.SetCookies(ctx, []driver.Cookie{{Name: a.Cookie.Name, Domain: a.Cookie.Domain, Expires: time.Unix(0, 0)}}); err != nil {
			return action.Result{}, err
		}
		return ok(a.Kind, start, nil), nil
	default: // "set"
		c := driver.Cookie{
			Name: a.Cookie.Name, Value: a.Cookie.Value, Domain: a.Cookie.Domain, Path: a.Cookie.Path,
			Secure: a.Cookie.Secure, SameSite: a.Cookie.SameSite,
		}
		if a.Cookie.Expires > 0 {
			c.Expires = time.Unix(a.Cookie.Expires, 0)
		}
		if err := page.SetCookies(ctx, []driver.Cookie{c}); err != nil {
			return action.Result{}, err
		}
		return ok(a.Kind, start, nil), nil
	}
}
