// Package page implements PageManager (spec.md 4.D): a registry of
// Page handles keyed by page id, owning the session<->page binding,
// per-page configuration, access control, and idle sweep. Grounded on
// the teacher's reader-preferred session map in
// pkg/session.SessionManager, adapted from cookie-jar sessions to
// browser tab handles, and wired to driver.Instance/driver.Page rather
// than a standalone fingerprint store.
package page

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muqo16/browserctl/internal/apierr"
	"github.com/muqo16/browserctl/internal/audit"
	"github.com/muqo16/browserctl/internal/driver"
	"github.com/muqo16/browserctl/internal/pool"
)

// State is a Page's lifecycle position.
type State string

const (
	StateLoading State = "loading"
	StateActive  State = "active"
	StateClosed  State = "closed"
)

const maxNavigationHistory = 50

// Options are the per-page configuration fields carried through to the
// driver, per spec.md 4.D.
type Options struct {
	ViewportWidth  int
	ViewportHeight int
	ViewportScale  float64
	Mobile         bool
	Touch          bool
	Landscape      bool
	UserAgent      string
	ExtraHeaders   map[string]string
	JSEnabled      bool
	Offline        bool
	CacheEnabled   bool
	Cookies        []driver.Cookie
}

// Sanitize clamps the viewport to [1,10000] and drops cookies missing a
// name or value, per spec.md 4.D.
func (o Options) Sanitize() Options {
	clampDim := func(v int) int {
		if v < 1 {
			return 1
		}
		if v > 10000 {
			return 10000
		}
		return v
	}
	if o.ViewportWidth != 0 {
		o.ViewportWidth = clampDim(o.ViewportWidth)
	}
	if o.ViewportHeight != 0 {
		o.ViewportHeight = clampDim(o.ViewportHeight)
	}
	kept := o.Cookies[:0]
	for _, c := range o.Cookies {
		if c.Name == "" || c.Value == "" {
			continue
		}
		kept = append(kept, c)
	}
	o.Cookies = kept
	return o
}

// Info is a read-only snapshot of a managed page.
type Info struct {
	ID                string
	BrowserID         string
	SessionID         string
	ContextID         string
	URL               string
	Title             string
	State             State
	CreatedAt         time.Time
	LastActivityAt    time.Time
	NavigationHistory []string
	ErrorCount        int
	Options           Options
}

type entry struct {
	mu   sync.Mutex
	info Info
	pg   driver.Page
	inst *pool.Pool // pool that owns the backing browser, for release on close
	browserID string
}

// Principal is the subset of auth.Principal PageManager needs for
// ownership checks, duplicated here to avoid an import cycle with
// internal/auth.
type Principal struct {
	SessionID string
	UserID    string
	Roles     []string
}

func (p Principal) isAdmin() bool {
	for _, r := range p.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Manager is PageManager.
type Manager struct {
	browsers *pool.Pool
	sink     audit.Sink

	mu    sync.RWMutex
	pages map[string]*entry

	maxIdleTime time.Duration
}

// New constructs a Manager backed by browsers for leasing driver
// instances. sink may be nil, in which case access-denied events are
// not recorded (callers such as tests that don't care about audit
// trails can pass nil).
func New(browsers *pool.Pool, maxIdleTime time.Duration, sink audit.Sink) *Manager {
	if maxIdleTime <= 0 {
		maxIdleTime = 5 * time.Minute
	}
	return &Manager{browsers: browsers, pages: make(map[string]*entry), maxIdleTime: maxIdleTime, sink: sink}
}

// CreatePage leases a browser from the pool (if needed), opens a new
// tab, and registers it under a fresh page id owned by sessionID.
func (m *Manager) CreatePage(ctx context.Context, sessionID, contextID string, opts Options) (Info, error) {
	inst, err := m.browsers.Acquire(ctx, sessionID)
	if err != nil {
		return Info{}, apierr.BrowserLaunchFailed(err.Error())
	}

	pg, err := inst.NewPage(ctx)
	if err != nil {
		m.browsers.Release(inst.ID(), sessionID)
		return Info{}, apierr.BrowserCrashed(err.Error())
	}

	opts = opts.Sanitize()
	if len(opts.Cookies) > 0 {
		_ = pg.SetCookies(ctx, opts.Cookies)
	}

	id := uuid.NewString()
	now := time.Now()
	e := &entry{
		pg:        pg,
		browserID: inst.ID(),
		info: Info{
			ID: id, BrowserID: inst.ID(), SessionID: sessionID, ContextID: contextID,
			State: StateActive, CreatedAt: now, LastActivityAt: now, Options: opts,
		},
	}
	m.mu.Lock()
	m.pages[id] = e
	m.mu.Unlock()
	return e.info, nil
}

// GetPage returns the page if principal owns it (or is admin), else
// ErrForbidden. A missing page returns ErrNotFound.
func (m *Manager) GetPage(pageID string, principal Principal) (Info, driver.Page, error) {
	m.mu.RLock()
	e, ok := m.pages[pageID]
	m.mu.RUnlock()
	if !ok {
		return Info{}, nil, apierr.NotFound("page not found")
	}
	e.mu.Lock()
	info := e.info
	pg := e.pg
	e.mu.Unlock()

	if info.SessionID != principal.SessionID && !principal.isAdmin() {
		m.emitAccessDenied(pageID, principal)
		return Info{}, nil, apierr.Forbidden("page is owned by a different session")
	}
	return info, pg, nil
}

// emitAccessDenied records a cross-session access attempt against
// pageID, per spec.md 4.D's "Forbidden *and* an ACCESS_DENIED audit
// event" requirement.
func (m *Manager) emitAccessDenied(pageID string, principal Principal) {
	if m.sink == nil {
		return
	}
	m.sink.Emit(context.Background(), audit.Event{
		Type:      audit.EventAccessDenied,
		SessionID: principal.SessionID,
		UserID:    principal.UserID,
		Resource:  "page:" + pageID,
		Success:   false,
	})
}

// Touch updates lastActivityAt and appends to the navigation history,
// truncating at maxNavigationHistory entries.
func (m *Manager) Touch(pageID, url, title string) {
	m.mu.RLock()
	e, ok := m.pages[pageID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.info.LastActivityAt = time.Now()
	if url != "" {
		e.info.URL = url
		e.info.NavigationHistory = append(e.info.NavigationHistory, url)
		if len(e.info.NavigationHistory) > maxNavigationHistory {
			e.info.NavigationHistory = e.info.NavigationHistory[len(e.info.NavigationHistory)-maxNavigationHistory:]
		}
	}
	if title != "" {
		e.info.Title = title
	}
	e.mu.Unlock()
}

// RecordError increments the page's error counter, for
// health/recycling signal.
func (m *Manager) RecordError(pageID string) {
	m.mu.RLock()
	e, ok := m.pages[pageID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.info.ErrorCount++
	e.mu.Unlock()
}

// ClosePage closes the tab and, if this was the session's last page on
// that browser, releases the browser back to the pool.
func (m *Manager) ClosePage(ctx context.Context, pageID string, principal Principal) error {
	info, pg, err := m.GetPage(pageID, principal)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.pages, pageID)
	m.mu.Unlock()

	_ = pg.Close(ctx)
	if !m.sessionHasOtherPagesOnBrowser(info.SessionID, info.BrowserID) {
		m.browsers.Release(info.BrowserID, info.SessionID)
	}
	return nil
}

func (m *Manager) sessionHasOtherPagesOnBrowser(sessionID, browserID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.pages {
		e.mu.Lock()
		match := e.info.SessionID == sessionID && e.info.BrowserID == browserID
		e.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// ListForSession returns a snapshot of every page owned by sessionID.
func (m *Manager) ListForSession(sessionID string) []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0)
	for _, e := range m.pages {
		e.mu.Lock()
		if e.info.SessionID == sessionID {
			out = append(out, e.info)
		}
		e.mu.Unlock()
	}
	return out
}

// Configure applies new Options to an existing page's driver state.
func (m *Manager) Configure(ctx context.Context, pageID string, principal Principal, opts Options) error {
	_, pg, err := m.GetPage(pageID, principal)
	if err != nil {
		return err
	}
	opts = opts.Sanitize()
	if len(opts.Cookies) > 0 {
		if err := pg.SetCookies(ctx, opts.Cookies); err != nil {
			return apierr.BrowserCrashed(err.Error())
		}
	}
	m.mu.RLock()
	e := m.pages[pageID]
	m.mu.RUnlock()
	if e != nil {
		e.mu.Lock()
		e.info.Options = opts
		e.mu.Unlock()
	}
	return nil
}

// ClosePagesForSession closes every page owned by sessionID, used on
// logout and session expiry.
func (m *Manager) ClosePagesForSession(ctx context.Context, sessionID string) error {
	var firstErr error
	for _, info := range m.ListForSession(sessionID) {
		if err := m.ClosePage(ctx, info.ID, Principal{SessionID: sessionID}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsolatePage moves a page to a dedicated browser instance, breaking it
// out of whatever instance it currently shares, used when a caller
// needs guaranteed single-tenant isolation for a page.
func (m *Manager) IsolatePage(ctx context.Context, pageID string, principal Principal) (Info, error) {
	info, pg, err := m.GetPage(pageID, principal)
	if err != nil {
		return Info{}, err
	}
	if !m.sessionHasOtherPagesOnBrowser(info.SessionID, info.BrowserID) {
		return info, nil // already isolated
	}

	newInst, err := m.browsers.Acquire(ctx, info.SessionID)
	if err != nil {
		return Info{}, apierr.BrowserLaunchFailed(err.Error())
	}
	newPage, err := newInst.NewPage(ctx)
	if err != nil {
		m.browsers.Release(newInst.ID(), info.SessionID)
		return Info{}, apierr.BrowserCrashed(err.Error())
	}
	if info.URL != "" {
		_, _ = newPage.Navigate(ctx, info.URL, driver.NavigateOptions{})
	}
	_ = pg.Close(ctx)

	m.mu.Lock()
	e, ok := m.pages[pageID]
	if ok {
		e.mu.Lock()
		e.pg = newPage
		e.browserID = newInst.ID()
		e.info.BrowserID = newInst.ID()
		e.mu.Unlock()
	}
	m.mu.Unlock()
	if !ok {
		return Info{}, apierr.NotFound("page not found")
	}
	return m.snapshot(pageID)
}

func (m *Manager) snapshot(pageID string) (Info, error) {
	m.mu.RLock()
	e, ok := m.pages[pageID]
	m.mu.RUnlock()
	if !ok {
		return Info{}, apierr.NotFound("page not found")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, nil
}

// Stats returns a JSON-friendly snapshot combining the underlying pool's
// metrics with the page count this manager currently tracks, for the
// REST adapter's JSON metrics endpoint.
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	pageCount := len(m.pages)
	m.mu.RUnlock()
	pm := m.browsers.Metrics()
	return map[string]any{
		"pages":           pageCount,
		"poolActive":      pm.Active,
		"poolIdle":        pm.Idle,
		"poolQueueDepth":  pm.QueueDepth,
		"totalCreated":    pm.TotalCreated,
		"totalDestroyed":  pm.TotalDestroyed,
		"totalRecycled":   pm.TotalRecycled,
		"totalAcquired":   pm.TotalAcquired,
		"acquireTimeouts": pm.AcquireTimeouts,
		"circuitState":    pm.CircuitState,
	}
}

// SweepIdle closes every page idle longer than maxIdleTimeMs; call
// periodically from a ticker goroutine owned by the server.
func (m *Manager) SweepIdle(ctx context.Context) int {
	now := time.Now()
	m.mu.RLock()
	var stale []string
	for id, e := range m.pages {
		e.mu.Lock()
		idle := now.Sub(e.info.LastActivityAt) > m.maxIdleTime
		e.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		info, err := m.snapshot(id)
		if err != nil {
			continue
		}
		_ = m.ClosePage(ctx, id, Principal{SessionID: info.SessionID, Roles: []string{"admin"}})
	}
	return len(stale)
}
