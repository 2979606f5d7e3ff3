// Package driver defines the BrowserDriver capability (spec.md 4.B):
// the primitives a pooled browser instance exposes to the page and
// action layers (navigate, click, type, screenshot, cookies, evaluate,
// upload), independent of the concrete automation backend.
package driver

import (
	"context"
	"time"
)

// Instance is one launched browser process, addressable by ID.
type Instance interface {
	ID() string
	CreatedAt() time.Time
	LastUsedAt() time.Time
	SessionCount() int32
	Healthy(ctx context.Context) bool

	// NewPage opens a new browsing context (tab) within this instance.
	NewPage(ctx context.Context) (Page, error)

	// Reset clears cookies and the HTTP cache so the instance can be
	// reused for an unrelated session. Other per-origin storage
	// (localStorage, IndexedDB) is not cleared.
	Reset(ctx context.Context) error

	// Close terminates the underlying browser process.
	Close(ctx context.Context) error
}

// Page is one browsing context (tab) within an Instance.
type Page interface {
	ID() string

	Navigate(ctx context.Context, url string, opts NavigateOptions) (*NavigateResult, error)
	Click(ctx context.Context, selector string, opts ClickOptions) error
	Type(ctx context.Context, selector, text string, opts TypeOptions) error
	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	Evaluate(ctx context.Context, expression string) (any, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	Upload(ctx context.Context, selector string, filePaths []string) error
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	Content(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// NavigateOptions configures a navigation action.
type NavigateOptions struct {
	WaitUntil      string // "load", "domcontentloaded", "networkidle"
	TimeoutOverride time.Duration
	Referrer       string
}

// NavigateResult reports what a navigation produced.
type NavigateResult struct {
	FinalURL  string
	StatusCode int
	Title     string
}

// ClickOptions configures a click action.
type ClickOptions struct {
	Button     string // "left", "right", "middle"
	ClickCount int
	Timeout    time.Duration
}

// TypeOptions configures a type action.
type TypeOptions struct {
	Clear       bool
	DelayPerKey time.Duration
	Timeout     time.Duration
}

// ScreenshotOptions configures a screenshot capture.
type ScreenshotOptions struct {
	FullPage bool
	Format   string // "png", "jpeg"
	Quality  int
	Selector string // if set, screenshot this element only
}

// Cookie mirrors the fields of spec.md 4.B's cookie object.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Expires  time.Time
	HTTPOnly bool
	Secure   bool
	SameSite string
}

// ResourceUsage is an optional capability an Instance implementation may
// support to report its own process footprint. The pool's health probe
// and resource-based recycling strategy type-assert for it and treat an
// Instance that doesn't implement it as always within bounds.
type ResourceUsage interface {
	ResourceUsage(ctx context.Context) (memMB float64, cpuPercent float64, err error)
}

// Launcher starts new Instances. BrowserPool depends on this interface,
// not on a concrete backend, so the pool can be tested with a fake.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// LaunchOptions configures a new browser process.
type LaunchOptions struct {
	Headless  bool
	ProxyURL  string
	ProxyUser string
	ProxyPass string
	UserAgent string
}
