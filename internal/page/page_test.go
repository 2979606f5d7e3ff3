package page

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/driver"
	"github.com/muqo16/browserctl/internal/logging"
	"github.com/muqo16/browserctl/internal/pool"
)

// recordingSink collects every emitted audit event for assertions.
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
	id     string
	closed bool
}

func (p *fakePage) ID() string { return p.id }
func (p *fakePage) Navigate(ctx context.Context, url string, opts driver.NavigateOptions) (*driver.NavigateResult, error) {
	return &driver.NavigateResult{FinalURL: url}, nil
}
func (p *fakePage) Click(ctx context.Context, selector string, opts driver.ClickOptions) error { return nil }
func (p *fakePage) Type(ctx context.Context, selector, text string, opts driver.TypeOptions) error {
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	return nil, nil
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
func (p *fakePage) Content(ctx context.Context) (string, error) { return "", nil }
func (p *fakePage) Close(ctx context.Context) error              { p.closed = true; return nil }

type fakeInstance struct {
	id      string
	pages   int
	healthy bool
}

func (f *fakeInstance) ID() string                      { return f.id }
func (f *fakeInstance) CreatedAt() time.Time             { return time.Now() }
func (f *fakeInstance) LastUsedAt() time.Time            { return time.Now() }
func (f *fakeInstance) SessionCount() int32              { return 0 }
func (f *fakeInstance) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeInstance) NewPage(ctx context.Context) (driver.Page, error) {
	f.pages++
	return &fakePage{id: f.id + "-page"}, nil
}
func (f *fakeInstance) Reset(ctx context.Context) error { return nil }
func (f *fakeInstance) Close(ctx context.Context) error { return nil }

type fakeLauncher struct{ n int }

func (l *fakeLauncher) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Instance, error) {
	l.n++
	return &fakeInstance{id: "browser-" + time.Now().Format("150405.000000"), healthy: true}, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, _ := newTestManagerWithSink(t)
	return m
}

func newTestManagerWithSink(t *testing.T) (*Manager, *recordingSink) {
	t.Helper()
	cfg := pool.DefaultConfig()
	cfg.MinSize = 0
	cfg.MaxSize = 5
	p := pool.New(context.Background(), cfg, &fakeLauncher{}, logging.NewDefault(), nil)
	t.Cleanup(func() { _ = p.Shutdown(true) })
	sink := &recordingSink{}
	return New(p, 50*time.Millisecond, sink), sink
}

func TestCreateAndGetPage(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)
	assert.Equal(t, StateActive, info.State)

	got, pg, err := m.GetPage(info.ID, Principal{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, info.ID, got.ID)
	assert.NotNil(t, pg)
}

func TestGetPageForbidsOtherSession(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	_, _, err = m.GetPage(info.ID, Principal{SessionID: "sess-2"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)
}

func TestGetPageForbidsOtherSessionEmitsAccessDenied(t *testing.T) {
	m, sink := newTestManagerWithSink(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	_, _, err = m.GetPage(info.ID, Principal{SessionID: "sess-2", UserID: "user-2"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeForbidden, apiErr.Code)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventAccessDenied, events[0].Type)
	assert.Equal(t, "page:"+info.ID, events[0].Resource)
	assert.Equal(t, "user-2", events[0].UserID)
	assert.False(t, events[0].Success)
}

func TestGetPageAllowsAdmin(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	_, _, err = m.GetPage(info.ID, Principal{SessionID: "sess-2", Roles: []string{"admin"}})
	assert.NoError(t, err)
}

func TestGetPageMissingReturnsNotFound(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.GetPage("nonexistent", Principal{SessionID: "sess-1"})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeNotFound, apiErr.Code)
}

func TestTouchUpdatesURLAndHistory(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	m.Touch(info.ID, "https://example.com", "Example")
	got, _, err := m.GetPage(info.ID, Principal{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got.URL)
	assert.Equal(t, "Example", got.Title)
	assert.Len(t, got.NavigationHistory, 1)
}

func TestTouchTruncatesNavigationHistory(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	for i := 0; i < maxNavigationHistory+10; i++ {
		m.Touch(info.ID, "https://example.com/x", "")
	}
	got, _, err := m.GetPage(info.ID, Principal{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, got.NavigationHistory, maxNavigationHistory)
}

func TestClosePageReleasesBrowserWhenLastPage(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	require.NoError(t, m.ClosePage(context.Background(), info.ID, Principal{SessionID: "sess-1"}))
	assert.Empty(t, m.ListForSession("sess-1"))

	stats := m.Stats()
	assert.Equal(t, 0, stats["poolActive"])
	assert.Equal(t, 1, stats["poolIdle"])
}

func TestClosePagesForSessionClosesAll(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)
	_, err = m.CreatePage(context.Background(), "sess-1", "ctx-2", Options{})
	require.NoError(t, err)

	require.NoError(t, m.ClosePagesForSession(context.Background(), "sess-1"))
	assert.Empty(t, m.ListForSession("sess-1"))
}

func TestSweepIdleClosesStalePages(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	n := m.SweepIdle(context.Background())
	assert.Equal(t, 1, n)

	_, _, err = m.GetPage(info.ID, Principal{SessionID: "sess-1"})
	assert.Error(t, err)
}

func TestOptionsSanitizeClampsViewportAndDropsBadCookies(t *testing.T) {
	opts := Options{
		ViewportWidth:  -5,
		ViewportHeight: 999999,
		Cookies: []driver.Cookie{
			{Name: "", Value: "x"},
			{Name: "sid", Value: "abc"},
		},
	}
	out := opts.Sanitize()
	assert.Equal(t, 1, out.ViewportWidth)
	assert.Equal(t, 10000, out.ViewportHeight)
	require.Len(t, out.Cookies, 1)
	assert.Equal(t, "sid", out.Cookies[0].Name)
}

func TestStatsReflectsPoolMetricsAndPageCount(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats["pages"])
	assert.Contains(t, stats, "poolActive")
	assert.Contains(t, stats, "circuitState")
}

func TestConfigureAppliesNewCookies(t *testing.T) {
	m := newTestManager(t)
	info, err := m.CreatePage(context.Background(), "sess-1", "ctx-1", Options{})
	require.NoError(t, err)

	err = m.Configure(context.Background(), info.ID, Principal{SessionID: "sess-1"}, Options{
		Cookies: []driver.Cookie{{Name: "sid", Value: "abc"}},
	})
	require.NoError(t, err)
}
