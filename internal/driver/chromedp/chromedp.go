// Package chromedp implements driver.Launcher/Instance/Page on top of
// the chromedp and chromedp/cdproto packages, adapting the allocator
// flags and tab-context lifecycle from the teacher's
// pkg/browser.BrowserPool.createInstance/Reset/ForceReset.
package chromedp

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"github.com/muqo16/browserctl/internal/driver"
)

// Launcher launches chromedp-backed browser instances.
type Launcher struct {
	parent  context.Context
	counter uint64
}

// NewLauncher constructs a Launcher whose instances are all children of
// parent; canceling parent tears down every launched instance.
func NewLauncher(parent context.Context) *Launcher {
	return &Launcher{parent: parent}
}

func (l *Launcher) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Instance, error) {
	chromeOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
		chromedp.Flag("disable-hang-monitor", true),
		chromedp.Flag("disable-prompt-on-repost", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)

	proxyURL, proxyUser, proxyPass := opts.ProxyURL, opts.ProxyUser, opts.ProxyPass
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil && parsed.User != nil {
			if proxyUser == "" {
				proxyUser = parsed.User.Username()
			}
			if proxyPass == "" {
				if pass, ok := parsed.User.Password(); ok {
					proxyPass = pass
				}
			}
			proxyURL = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
		chromeOpts = append(chromeOpts,
			chromedp.ProxyServer(proxyURL),
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}
	if opts.UserAgent != "" {
		chromeOpts = append(chromeOpts, chromedp.UserAgent(opts.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(l.parent, chromeOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp: launch: %w", err)
	}

	id := fmt.Sprintf("browser-%d-%d", time.Now().UnixNano(), atomic.AddUint64(&l.counter, 1))
	now := time.Now()
	return &instance{
		id:          id,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		createdAt:   now,
		lastUsedAt:  now,
		headless:    opts.Headless,
		proxyUser:   proxyUser,
		proxyPass:   proxyPass,
	}, nil
}

type instance struct {
	id          string
	allocCtx    context.Context
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	createdAt    time.Time
	lastUsedAt   time.Time
	sessionCount int32
	headless     bool
	proxyUser    string
	proxyPass    string

	cpuMu           sync.Mutex
	lastProcessCPUs float64
	lastCPUSampleAt time.Time
}

func (i *instance) ID() string               { return i.id }
func (i *instance) CreatedAt() time.Time     { return i.createdAt }
func (i *instance) LastUsedAt() time.Time    { return i.lastUsedAt }
func (i *instance) SessionCount() int32      { return atomic.LoadInt32(&i.sessionCount) }

func (i *instance) Healthy(ctx context.Context) bool {
	if i.allocCtx == nil || i.tabCtx == nil {
		return false
	}
	select {
	case <-i.allocCtx.Done():
		return false
	case <-i.tabCtx.Done():
		return false
	default:
	}
	var result any
	checkCtx, cancel := context.WithTimeout(i.tabCtx, 2*time.Second)
	defer cancel()
	return chromedp.Run(checkCtx, chromedp.Evaluate("1+1", &result)) == nil
}

// ResourceUsage samples the process's JS heap size and cumulative CPU
// time via CDP's Performance.getMetrics, satisfying driver.ResourceUsage
// so the pool's health probe and resource-based recycling strategy have
// real numbers instead of hardcoded healthy values. cpuPercent is
// derived from the delta in ProcessTime between two calls, so the first
// sample after launch always reports 0.
func (i *instance) ResourceUsage(ctx context.Context) (memMB float64, cpuPercent float64, err error) {
	if i.tabCtx == nil {
		return 0, 0, fmt.Errorf("chromedp: resource usage: instance not running")
	}
	metricsCtx, cancel := context.WithTimeout(i.tabCtx, 3*time.Second)
	defer cancel()

	var metrics []*performance.Metric
	if err := chromedp.Run(metricsCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	})); err != nil {
		return 0, 0, fmt.Errorf("chromedp: resource usage: %w", err)
	}

	var heapBytes, processSeconds float64
	for _, m := range metrics {
		switch m.Name {
		case "JSHeapUsedSize":
			heapBytes = m.Value
		case "ProcessTime":
			processSeconds = m.Value
		}
	}
	memMB = heapBytes / (1024 * 1024)

	now := time.Now()
	i.cpuMu.Lock()
	if !i.lastCPUSampleAt.IsZero() {
		wallDelta := now.Sub(i.lastCPUSampleAt).Seconds()
		cpuDelta := processSeconds - i.lastProcessCPUs
		if wallDelta > 0 && cpuDelta >= 0 {
			cpuPercent = (cpuDelta / wallDelta) * 100
		}
	}
	i.lastProcessCPUs = processSeconds
	i.lastCPUSampleAt = now
	i.cpuMu.Unlock()

	return memMB, cpuPercent, nil
}

func (i *instance) NewPage(ctx context.Context) (driver.Page, error) {
	pageCtx, pageCancel := chromedp.NewContext(i.allocCtx)
	if err := chromedp.Run(pageCtx); err != nil {
		pageCancel()
		return nil, fmt.Errorf("chromedp: new page: %w", err)
	}
	atomic.AddInt32(&i.sessionCount, 1)
	i.lastUsedAt = time.Now()
	return &page{id: fmt.Sprintf("%s-page-%d", i.id, atomic.LoadInt32(&i.sessionCount)), ctx: pageCtx, cancel: pageCancel}, nil
}

// Reset clears cookies and cache and rotates the root tab context, the
// same two steps as the teacher's BrowserPool.Reset.
func (i *instance) Reset(ctx context.Context) error {
	if i.tabCtx == nil {
		return nil
	}
	resetCtx, cancel := context.WithTimeout(i.allocCtx, 10*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- network.ClearBrowserCookies().Do(resetCtx) }()
	go func() { errCh <- network.ClearBrowserCache().Do(resetCtx) }()
	for n := 0; n < 2; n++ {
		<-errCh
	}

	if i.tabCancel != nil {
		i.tabCancel()
	}
	tabCtx, tabCancel := chromedp.NewContext(i.allocCtx)
	i.tabCtx = tabCtx
	i.tabCancel = tabCancel
	atomic.StoreInt32(&i.sessionCount, 0)
	return nil
}

func (i *instance) Close(ctx context.Context) error {
	if i.tabCancel != nil {
		i.tabCancel()
	}
	if i.allocCancel != nil {
		i.allocCancel()
	}
	return nil
}

type page struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func (p *page) ID() string { return p.id }

func (p *page) Navigate(ctx context.Context, target string, opts driver.NavigateOptions) (*driver.NavigateResult, error) {
	timeout := opts.TimeoutOverride
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	var title string
	var currentURL string
	actions := []chromedp.Action{chromedp.Navigate(target)}
	if opts.WaitUntil != "domcontentloaded" {
		actions = append(actions, chromedp.WaitReady("body"))
	}
	actions = append(actions, chromedp.Title(&title), chromedp.Location(&currentURL))

	if err := chromedp.Run(navCtx, actions...); err != nil {
		return nil, fmt.Errorf("chromedp: navigate: %w", err)
	}
	return &driver.NavigateResult{FinalURL: currentURL, StatusCode: 200, Title: title}, nil
}

func (p *page) Click(ctx context.Context, selector string, opts driver.ClickOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clickCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return chromedp.Run(clickCtx, chromedp.Click(selector, chromedp.NodeVisible))
}

func (p *page) Type(ctx context.Context, selector, text string, opts driver.TypeOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	typeCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	actions := []chromedp.Action{chromedp.WaitVisible(selector)}
	if opts.Clear {
		actions = append(actions, chromedp.Clear(selector))
	}
	actions = append(actions, chromedp.SendKeys(selector, text))
	return chromedp.Run(typeCtx, actions...)
}

func (p *page) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	shotCtx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()
	var buf []byte
	var action chromedp.Action
	switch {
	case opts.Selector != "":
		action = chromedp.Screenshot(opts.Selector, &buf, chromedp.NodeVisible)
	case opts.FullPage:
		action = chromedp.FullScreenshot(&buf, qualityOrDefault(opts.Quality))
	default:
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := chromedp.Run(shotCtx, action); err != nil {
		return nil, fmt.Errorf("chromedp: screenshot: %w", err)
	}
	return buf, nil
}

func qualityOrDefault(q int) int {
	if q <= 0 || q > 100 {
		return 90
	}
	return q
}

func (p *page) Evaluate(ctx context.Context, expression string) (any, error) {
	evalCtx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()
	var result any
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(expression, &result)); err != nil {
		return nil, fmt.Errorf("chromedp: evaluate: %w", err)
	}
	return result, nil
}

func (p *page) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	cookieCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	var cdpCookies []*network.Cookie
	if err := chromedp.Run(cookieCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cdpCookies, err = network.GetCookies().Do(ctx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("chromedp: cookies: %w", err)
	}
	out := make([]driver.Cookie, 0, len(cdpCookies))
	for _, c := range cdpCookies {
		out = append(out, driver.Cookie{
			Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path,
			Expires: time.Unix(int64(c.Expires), 0), HTTPOnly: c.HTTPOnly, Secure: c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

func (p *page) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	setCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	return chromedp.Run(setCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			params := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).WithSecure(c.Secure)
			if !c.Expires.IsZero() {
				params = params.WithExpires(cdp.TimeSinceEpoch(c.Expires.Unix()))
			}
			if _, err := params.Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (p *page) Upload(ctx context.Context, selector string, filePaths []string) error {
	upCtx, cancel := context.WithTimeout(p.ctx, 15*time.Second)
	defer cancel()
	return chromedp.Run(upCtx, chromedp.SetUploadFiles(selector, filePaths))
}

func (p *page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	return chromedp.Run(waitCtx, chromedp.WaitVisible(selector))
}

func (p *page) Content(ctx context.Context) (string, error) {
	contentCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()
	var html string
	if err := chromedp.Run(contentCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return "", fmt.Errorf("chromedp: content: %w", err)
	}
	return html, nil
}

func (p *page) Close(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
