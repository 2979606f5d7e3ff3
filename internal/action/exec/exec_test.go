package exec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/action"
	"github.com/muqo16/browserctl/internal/action/dispatch"
	"github.com/muqo16/browserctl/internal/action/validate"
	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/driver"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/page"
	"github.com/muqo16/browserctl/internal/pool"
)

// recordingSink collects every emitted audit event for assertions,
// guarded by a mutex since Execute may be called concurrently from
// ExecuteBatch.
type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Emit(ctx context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}
func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}

type fakePage struct {
	id          string
	navErr      error
	navAttempts int
	failFirstN  int

	clickErr      error
	clickAttempts int
}

func (p *fakePage) ID() string { return p.id }
func (p *fakePage) Navigate(ctx context.Context, url string, opts driver.NavigateOptions) (*driver.NavigateResult, error) {
	p.navAttempts++
	if p.navAttempts <= p.failFirstN {
		return nil, p.navErr
	}
	return &driver.NavigateResult{FinalURL: url}, nil
}
func (p *fakePage) Click(ctx context.Context, selector string, opts driver.ClickOptions) error {
	p.clickAttempts++
	return p.clickErr
}
func (p *fakePage) Type(ctx context.Context, selector, text string, opts driver.TypeOptions) error {
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	return []byte("png"), nil
}
func (p *fakePage) Evaluate(ctx context.Context, expression string) (any, error) { return nil, nil }
func (p *fakePage) Cookies(ctx context.Context) ([]driver.Cookie, error)         { return nil, nil }
func (p *fakePage) SetCookies(ctx context.Context, cookies []driver.Cookie) error { return nil }
func (p *fakePage) Upload(ctx context.Context, selector string, filePaths []string) error {
	return nil
}
func (p *fakePage) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (p *fakePage) Content(ctx context.Context) (string, error) { return "<html></html>", nil }
func (p *fakePage) Close(ctx context.Context) error              { return nil }

type fakeInstance struct{ page *fakePage }

func (f *fakeInstance) ID() string                      { return "inst-1" }
func (f *fakeInstance) CreatedAt() time.Time             { return time.Now() }
func (f *fakeInstance) LastUsedAt() time.Time            { return time.Now() }
func (f *fakeInstance) SessionCount() int32              { return 0 }
func (f *fakeInstance) Healthy(ctx context.Context) bool { return true }
func (f *fakeInstance) NewPage(ctx context.Context) (driver.Page, error) { return f.page, nil }
func (f *fakeInstance) Reset(ctx context.Context) error { return nil }
func (f *fakeInstance) Close(ctx context.Context) error { return nil }

type fakeLauncher struct{ page *fakePage }

func (l *fakeLauncher) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Instance, error) {
	return &fakeInstance{page: l.page}, nil
}

func newTestExecutor(t *testing.T, pg *fakePage) (*Executor, *page.Manager, page.Principal) {
	t.Helper()
	e, pages, principal, _ := newTestExecutorWithSink(t, pg)
	return e, pages, principal
}

func newTestExecutorWithSink(t *testing.T, pg *fakePage) (*Executor, *page.Manager, page.Principal, *recordingSink) {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 5
	p := pool.New(context.Background(), cfg, &fakeLauncher{page: pg}, logging.NewDefault(), nil)
	t.Cleanup(func() { _ = p.Shutdown(true) })

	sink := &recordingSink{}
	pages := page.New(p, time.Hour, sink)
	e := New(pages, validate.New(validate.DefaultConfig()), dispatch.New(), nil, sink)
	return e, pages, page.Principal{SessionID: "sess-1", UserID: "user-1"}, sink
}

func TestExecuteRejectsUnsupportedKind(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, _, principal := newTestExecutor(t, pg)

	_, err := e.Execute(context.Background(), action.Action{Kind: "bogus-kind"}, principal)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnsupported, apiErr.Code)
}

func TestExecuteRejectsInvalidAction(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, _, principal := newTestExecutor(t, pg)

	_, err := e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, URL: ""}, principal)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidation, apiErr.Code)
}

func TestExecuteSucceedsAndTouchesPage(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	res, err := e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"}, principal)
	require.NoError(t, err)
	nav, ok := res.Data.(*driver.NavigateResult)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", nav.FinalURL)

	got, _, err := pages.GetPage(info.ID, principal)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.URL)
}

func TestExecuteRetriesTransientNavigateFailures(t *testing.T) {
	pg := &fakePage{id: "pg-1", failFirstN: 1, navErr: apierr.Unavailable("browser busy")}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"}, principal)
	require.NoError(t, err)
	assert.Equal(t, 2, pg.navAttempts, "navigate should retry once after a transient failure and then succeed")
}

func TestExecuteClickDoesNotRetryNonDisconnectErrors(t *testing.T) {
	// click only retries on driver-disconnect errors; a validation-shaped
	// failure from the page should not trigger a second attempt.
	pg := &fakePage{id: "pg-1", clickErr: apierr.Validation("element not interactable")}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), action.Action{Kind: action.KindClick, PageID: info.ID, Selector: "#submit"}, principal)
	require.Error(t, err)
	assert.Equal(t, 1, pg.clickAttempts, "a non-disconnect click failure must not be retried")
}

func TestExecuteReturnsNavigationFailedAfterExhaustingRetries(t *testing.T) {
	pg := &fakePage{id: "pg-1", failFirstN: 99, navErr: apierr.Unavailable("browser busy")}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"}, principal)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNavigationFailed, apiErr.Code)
	assert.Equal(t, 3, pg.navAttempts)
}

func TestExecuteUnknownPageReturnsError(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, _, principal := newTestExecutor(t, pg)

	_, err := e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: "nope", URL: "https://example.com"}, principal)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)
}

func TestExecuteBatchPreservesOrderAndRunsConcurrently(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	actions := []action.Action{
		{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com/1"},
		{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com/2"},
		{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com/3"},
	}
	results := e.ExecuteBatch(context.Background(), actions, principal, 2)
	require.Len(t, results, 3)
	for i, r := range results {
		require.NoError(t, r.Err)
		nav, ok := r.Result.Data.(*driver.NavigateResult)
		require.True(t, ok)
		assert.Equal(t, actions[i].URL, nav.FinalURL)
	}
}

func TestExecuteBatchDefaultsNonPositiveConcurrency(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, pages, principal := newTestExecutor(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	results := e.ExecuteBatch(context.Background(), []action.Action{
		{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"},
	}, principal, 0)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
}

func TestExecuteEmitsMatchingStartAndCompleteEvents(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, pages, principal, sink := newTestExecutorWithSink(t, pg)

	info, err := pages.CreatePage(context.Background(), "sess-1", "ctx-1", page.Options{})
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"}, principal)
	require.NoError(t, err)

	events := sink.snapshot()
	var started, completed *audit.Event
	for i := range events {
		if events[i].Type != audit.EventCommandExecuted {
			continue
		}
		switch events[i].Phase {
		case "start":
			started = &events[i]
		case "complete":
			completed = &events[i]
		}
	}
	require.NotNil(t, started, "Execute must emit a start-phase COMMAND_EXECUTED event")
	require.NotNil(t, completed, "Execute must emit a complete-phase COMMAND_EXECUTED event")
	assert.Equal(t, started.Resource, completed.Resource)
	assert.Equal(t, started.Action, completed.Action)
	assert.True(t, completed.Success)
}

func TestExecuteEmitsAccessDeniedOnCrossSessionPage(t *testing.T) {
	pg := &fakePage{id: "pg-1"}
	e, pages, owner, sink := newTestExecutorWithSink(t, pg)

	info, err := pages.CreatePage(context.Background(), owner.SessionID, "ctx-1", page.Options{})
	require.NoError(t, err)

	intruder := page.Principal{SessionID: "sess-2", UserID: "user-2"}
	_, err = e.Execute(context.Background(), action.Action{Kind: action.KindNavigate, PageID: info.ID, URL: "https://example.com"}, intruder)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	events := sink.snapshot()
	var denied *audit.Event
	for i := range events {
		if events[i].Type == audit.EventAccessDenied {
			denied = &events[i]
		}
	}
	require.NotNil(t, denied, "a cross-session page access must emit ACCESS_DENIED")
	assert.Equal(t, "page:"+info.ID, denied.Resource)
	assert.Equal(t, intruder.UserID, denied.UserID)
}

func TestGetRetryPolicyPerKind(t *testing.T) {
	nav := GetRetryPolicy(action.KindNavigate)
	assert.Equal(t, 3, nav.MaxAttempts)
	assert.False(t, nav.RetryOnDisconnectOnly)

	click := GetRetryPolicy(action.KindClick)
	assert.Equal(t, 2, click.MaxAttempts)
	assert.True(t, click.RetryOnDisconnectOnly)

	unknown := GetRetryPolicy(action.Kind("bogus"))
	assert.Equal(t, 1, unknown.MaxAttempts)
}
