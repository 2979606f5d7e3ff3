package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/driver"
)

// fakePage is a minimal driver.Page double recording the call it
// received so handler tests can assert on what was forwarded without
// spinning up a real browser.
type fakePage struct {
	navigateErr error
	navigateRes *driver.NavigateResult
	clickErr    error
	typeErr     error
	screenshot  []byte
	screenshotErr error
	evalResult  any
	evalErr     error
	cookies     []driver.Cookie
	cookiesErr  error
	content     string
	contentErr  error
	uploadErr   error
	waitErr     error

	gotSelector   string
	gotText       string
	gotExpression string
	gotCookies    []driver.Cookie
}

func (p *fakePage) ID() string { return "page-1" }

func (p *fakePage) Navigate(ctx context.Context, url string, opts driver.NavigateOptions) (*driver.NavigateResult, error) {
	if p.navigateErr != nil {
		return nil, p.navigateErr
	}
	if p.navigateRes != nil {
		return p.navigateRes, nil
	}
	return &driver.NavigateResult{FinalURL: url, StatusCode: 200}, nil
}

func (p *fakePage) Click(ctx context.Context, selector string, opts driver.ClickOptions) error {
	p.gotSelector = selector
	return p.clickErr
}

func (p *fakePage) Type(ctx context.Context, selector, text string, opts driver.TypeOptions) error {
	p.gotSelector, p.gotText = selector, text
	return p.typeErr
}

func (p *fakePage) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	if p.screenshotErr != nil {
		return nil, p.screenshotErr
	}
	return p.screenshot, nil
}

func (p *fakePage) Evaluate(ctx context.Context, expression string) (any, error) {
	p.gotExpression = expression
	if p.evalErr != nil {
		return nil, p.evalErr
	}
	return p.evalResult, nil
}

func (p *fakePage) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	return p.cookies, p.cookiesErr
}

func (p *fakePage) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	p.gotCookies = cookies
	return nil
}

func (p *fakePage) Upload(ctx context.Context, selector string, filePaths []string) error {
	p.gotSelector = selector
	return p.uploadErr
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	p.gotSelector = selector
	return p.waitErr
}

func (p *fakePage) Content(ctx context.Context) (string, error) { return p.content, p.contentErr }
func (p *fakePage) Close(ctx context.Context) error             { return nil }

func TestNewRegistersEveryKind(t *testing.T) {
	d := New()
	kinds := []action.Kind{
		action.KindNavigate, action.KindClick, action.KindType, action.KindSelect,
		action.KindKeyboard, action.KindMouse, action.KindScreenshot, action.KindPDF,
		action.KindContent, action.KindWait, action.KindScroll, action.KindEvaluate,
		action.KindUpload, action.KindCookie,
	}
	for _, k := range kinds {
		assert.True(t, d.IsActionSupported(k), "kind %s should be registered", k)
	}
	assert.False(t, d.IsActionSupported(action.Kind("nonexistent")))
}

func TestDispatchUnsupportedKindErrors(t *testing.T) {
	d := New()
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.Kind("nope")}, &fakePage{})
	assert.Error(t, err)
}

func TestRegisterOverridesBuiltinHandler(t *testing.T) {
	d := New()
	called := false
	d.Register(action.KindClick, func(ctx context.Context, a action.Action, page driver.Page) (action.Result, error) {
		called = true
		return action.Result{Success: true, ActionType: a.Kind}, nil
	})
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindClick, Selector: "#x"}, &fakePage{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, res.Success)
}

func TestHandleNavigatePropagatesResult(t *testing.T) {
	d := New()
	pg := &fakePage{navigateRes: &driver.NavigateResult{FinalURL: "https://x.test", StatusCode: 200, Title: "X"}}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindNavigate, URL: "https://x.test"}, pg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, action.KindNavigate, res.ActionType)
	nav := res.Data.(*driver.NavigateResult)
	assert.Equal(t, "https://x.test", nav.FinalURL)
}

func TestHandleNavigatePropagatesError(t *testing.T) {
	d := New()
	pg := &fakePage{navigateErr: errors.New("dns failure")}
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindNavigate, URL: "https://x.test"}, pg)
	assert.Error(t, err)
}

func TestHandleClickForwardsSelector(t *testing.T) {
	d := New()
	pg := &fakePage{}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindClick, Selector: "#submit"}, pg)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "#submit", pg.gotSelector)
}

func TestHandleTypeForwardsTextAndSelector(t *testing.T) {
	d := New()
	pg := &fakePage{}
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindType, Selector: "#name", Text: "hello"}, pg)
	require.NoError(t, err)
	assert.Equal(t, "#name", pg.gotSelector)
	assert.Equal(t, "hello", pg.gotText)
}

func TestHandleSelectBuildsExpressionWithValueAndSelector(t *testing.T) {
	d := New()
	pg := &fakePage{evalResult: true}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindSelect, Selector: "#color", Value: "red"}, pg)
	require.NoError(t, err)
	assert.Contains(t, pg.gotExpression, "#color")
	assert.Contains(t, pg.gotExpression, "red")
	assert.Equal(t, true, res.Data)
}

func TestHandleScreenshotReturnsBytes(t *testing.T) {
	d := New()
	pg := &fakePage{screenshot: []byte{0x89, 0x50, 0x4E, 0x47}}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindScreenshot, FullPage: true}, pg)
	require.NoError(t, err)
	assert.Equal(t, pg.screenshot, res.Data)
}

func TestHandlePDFDegradesToFullPageScreenshot(t *testing.T) {
	d := New()
	pg := &fakePage{screenshot: []byte("fake-png")}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindPDF}, pg)
	require.NoError(t, err)
	assert.Equal(t, pg.screenshot, res.Data)
}

func TestHandleContentReturnsHTML(t *testing.T) {
	d := New()
	pg := &fakePage{content: "<html></html>"}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindContent}, pg)
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", res.Data)
}

func TestHandleScrollBuildsWindowScrollExpression(t *testing.T) {
	d := New()
	pg := &fakePage{}
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindScroll, ScrollDX: 10, ScrollDY: -20}, pg)
	require.NoError(t, err)
	assert.Contains(t, pg.gotExpression, "window.scrollBy(10, -20)")
}

func TestHandleCookieSet(t *testing.T) {
	d := New()
	pg := &fakePage{}
	_, err := d.Dispatch(context.Background(), action.Action{
		Kind:   action.KindCookie,
		Cookie: action.CookieOp{Op: "set", Name: "sid", Value: "abc", Domain: "example.com"},
	}, pg)
	require.NoError(t, err)
	require.Len(t, pg.gotCookies, 1)
	assert.Equal(t, "sid", pg.gotCookies[0].Name)
}

func TestHandleCookieGet(t *testing.T) {
	d := New()
	pg := &fakePage{cookies: []driver.Cookie{{Name: "sid", Value: "abc"}}}
	res, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindCookie, Cookie: action.CookieOp{Op: "get"}}, pg)
	require.NoError(t, err)
	assert.Equal(t, pg.cookies, res.Data)
}

func TestHandleCookieDeleteExpiresImmediately(t *testing.T) {
	d := New()
	pg := &fakePage{}
	_, err := d.Dispatch(context.Background(), action.Action{
		Kind:   action.KindCookie,
		Cookie: action.CookieOp{Op: "delete", Name: "sid"},
	}, pg)
	require.NoError(t, err)
	require.Len(t, pg.gotCookies, 1)
	assert.True(t, pg.gotCookies[0].Expires.Before(time.Now()))
}

func TestHandleUploadForwardsSelector(t *testing.T) {
	d := New()
	pg := &fakePage{}
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindUpload, Selector: "#file", FilePaths: []string{"a.png"}}, pg)
	require.NoError(t, err)
	assert.Equal(t, "#file", pg.gotSelector)
}

func TestHandleWaitPropagatesTimeoutError(t *testing.T) {
	d := New()
	pg := &fakePage{waitErr: errors.New("timed out waiting for selector")}
	_, err := d.Dispatch(context.Background(), action.Action{Kind: action.KindWait, Selector: "#late"}, pg)
	assert.Error(t, err)
}
