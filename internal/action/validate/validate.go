// Package validate implements ActionValidator (spec.md 4.E): per-kind
// schema checks plus the common selector/URL/text/upload/cookie rules.
package validate

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/muqo16/browserctl/internal/action"
)

// Result is the validator's {valid, errors[], warnings[]} contract.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *Result) fail(msg string) { r.Valid = false; r.Errors = append(r.Errors, msg) }
func (r *Result) warn(msg string) { r.Warnings = append(r.Warnings, msg) }

// Config holds the tunables spec.md 4.E leaves configurable.
type Config struct {
	SchemeAllowList  []string
	DomainAllowList  []string // empty means "allow all"
	StrictSelectors  bool
	MaxFiles         int
	MaxFileSizeBytes int64
	ExtensionAllow   []string
	UploadBasePath   string
}

// DefaultConfig matches spec.md 4.E's stated defaults.
func DefaultConfig() Config {
	return Config{
		SchemeAllowList:  []string{"http", "https"},
		MaxFiles:         10,
		MaxFileSizeBytes: 100 * 1024 * 1024,
	}
}

var (
	dangerousSelector = regexp.MustCompile(`(?i)javascript:|vbscript:|data:|<script|on\w+=`)
	sensitiveField    = regexp.MustCompile(`(?i)password|secret|token`)
)

// Validator implements ActionValidator over Config.
type Validator struct {
	cfg Config
}

// New constructs a Validator.
func New(cfg Config) *Validator {
	if len(cfg.SchemeAllowList) == 0 {
		cfg.SchemeAllowList = DefaultConfig().SchemeAllowList
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultConfig().MaxFiles
	}
	if cfg.MaxFileSizeBytes <= 0 {
		cfg.MaxFileSizeBytes = DefaultConfig().MaxFileSizeBytes
	}
	return &Validator{cfg: cfg}
}

// Validate runs the per-kind schema plus the common rules over a.
func (v *Validator) Validate(a action.Action) Result {
	r := Result{Valid: true}
	if a.PageID == "" {
		r.fail("pageId is required")
	}

	switch a.Kind {
	case action.KindNavigate:
		v.validateURL(a.URL, &r)
	case action.KindClick, action.KindType, action.KindSelect, action.KindWait, action.KindScroll:
		v.validateSelector(a.Selector, &r)
		if a.Kind == action.KindType {
			v.validateText(a.Selector, a.Text, &r)
		}
	case action.KindKeyboard:
		if a.Key == "" {
			r.fail("key is required for keyboard actions")
		}
	case action.KindMouse:
		// x/y default to zero, which is a valid viewport coordinate
	case action.KindScreenshot:
		if a.Selector != "" {
			v.validateSelector(a.Selector, &r)
		}
		if a.Quality != 0 && (a.Quality < 1 || a.Quality > 100) {
			r.fail("quality must be between 1 and 100")
		}
	case action.KindPDF, action.KindContent:
		// no required fields beyond pageId
	case action.KindEvaluate:
		if strings.TrimSpace(a.Expression) == "" {
			r.fail("expression is required")
		}
	case action.KindUpload:
		v.validateSelector(a.Selector, &r)
		v.validateUpload(a.FilePaths, &r)
	case action.KindCookie:
		v.validateCookie(a.Cookie, &r)
	default:
		r.fail("unknown action kind: " + string(a.Kind))
	}

	return r
}

func (v *Validator) validateSelector(selector string, r *Result) {
	if strings.TrimSpace(selector) == "" {
		r.fail("selector is required")
		return
	}
	if dangerousSelector.MatchString(selector) {
		if v.cfg.StrictSelectors {
			r.fail("selector contains a disallowed pattern")
		} else {
			r.warn("selector contains a pattern that looks unsafe")
		}
	}
}

func (v *Validator) validateURL(raw string, r *Result) {
	if strings.TrimSpace(raw) == "" {
		r.fail("url is required")
		return
	}
	u, err := url.Parse(raw)
	if err != nil {
		r.fail("url does not parse: " + err.Error())
		return
	}
	if !contains(v.cfg.SchemeAllowList, u.Scheme) {
		r.fail("url scheme not allowed: " + u.Scheme)
	}
	if len(v.cfg.DomainAllowList) > 0 && !contains(v.cfg.DomainAllowList, u.Hostname()) {
		r.fail("url host not in allow list: " + u.Hostname())
	}
}

func (v *Validator) validateText(selector, text string, r *Result) {
	if len(text) > 10000 {
		r.warn("text exceeds 10000 characters")
	}
	if sensitiveField.MatchString(selector) {
		r.warn("selector matches a sensitive field pattern; payload will be redacted in logs")
	}
}

func (v *Validator) validateUpload(paths []string, r *Result) {
	if len(paths) == 0 {
		r.fail("at least one file path is required")
		return
	}
	if len(paths) > v.cfg.MaxFiles {
		r.fail("too many files: max is " + strconv.Itoa(v.cfg.MaxFiles))
	}
	for _, p := range paths {
		if strings.Contains(p, "..") {
			r.fail("file path must not contain '..': " + p)
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			r.fail("file path does not resolve: " + p)
			continue
		}
		if v.cfg.UploadBasePath != "" {
			base := filepath.Clean(v.cfg.UploadBasePath)
			if abs != base && !strings.HasPrefix(abs, base+string(filepath.Separator)) {
				r.fail("file path escapes the configured base path: " + p)
				continue
			}
		}
		if len(v.cfg.ExtensionAllow) > 0 {
			ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(p)), ".")
			if !contains(v.cfg.ExtensionAllow, ext) {
				r.fail("file extension not allowed: " + ext)
			}
		}
		info, err := os.Stat(abs)
		if err != nil {
			r.fail("file does not exist: " + p)
			continue
		}
		if !info.Mode().IsRegular() {
			r.fail("file must be a regular file: " + p)
			continue
		}
		if info.Size() > v.cfg.MaxFileSizeBytes {
			r.fail("file exceeds max size of " + strconv.FormatInt(v.cfg.MaxFileSizeBytes, 10) + " bytes: " + p)
		}
	}
}

func (v *Validator) validateCookie(c action.CookieOp, r *Result) {
	if c.Name == "" {
		r.fail("cookie name is required")
	}
	switch c.SameSite {
	case "", "Strict", "Lax", "None":
	default:
		r.fail("sameSite must be Strict, Lax, or None")
	}
	if c.Expires < 0 {
		r.fail("cookie expires must be >= 0")
	}
	if c.SameSite == "None" && !c.Secure {
		r.warn("sameSite=None without secure is rejected by most browsers")
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

