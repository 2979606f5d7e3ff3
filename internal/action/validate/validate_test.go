package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/action"
)

func writeTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func TestRejectsMissingPageID(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindNavigate, URL: "https://example.com"})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors, "pageId is required")
}

func TestNavigateRequiresAllowedScheme(t *testing.T) {
	v := New(DefaultConfig())

	r := v.Validate(action.Action{Kind: action.KindNavigate, PageID: "p1", URL: "https://example.com"})
	assert.True(t, r.Valid)

	r = v.Validate(action.Action{Kind: action.KindNavigate, PageID: "p1", URL: "file:///etc/passwd"})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "scheme not allowed")
}

func TestNavigateRejectsUnparsableURL(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindNavigate, PageID: "p1", URL: "http://%zz"})
	assert.False(t, r.Valid)
}

func TestNavigateEnforcesDomainAllowList(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DomainAllowList = []string{"example.com"}
	v := New(cfg)

	assert.True(t, v.Validate(action.Action{Kind: action.KindNavigate, PageID: "p1", URL: "https://example.com/x"}).Valid)
	assert.False(t, v.Validate(action.Action{Kind: action.KindNavigate, PageID: "p1", URL: "https://evil.com"}).Valid)
}

func TestClickRequiresSelector(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindClick, PageID: "p1"})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors, "selector is required")
}

func TestDangerousSelectorWarnsUnlessStrict(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindClick, PageID: "p1", Selector: "javascript:alert(1)"})
	assert.True(t, r.Valid)
	assert.NotEmpty(t, r.Warnings)

	strict := New(Config{StrictSelectors: true})
	r = strict.Validate(action.Action{Kind: action.KindClick, PageID: "p1", Selector: "javascript:alert(1)"})
	assert.False(t, r.Valid)
}

func TestTypeWarnsOnSensitiveSelectorAndLongText(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindType, PageID: "p1", Selector: "#password", Text: "hunter2"})
	assert.True(t, r.Valid)
	assert.NotEmpty(t, r.Warnings)

	r = v.Validate(action.Action{Kind: action.KindType, PageID: "p1", Selector: "#bio", Text: strings.Repeat("a", 10001)})
	assert.True(t, r.Valid)
	assert.Contains(t, r.Warnings, "text exceeds 10000 characters")
}

func TestKeyboardRequiresKey(t *testing.T) {
	v := New(DefaultConfig())
	assert.False(t, v.Validate(action.Action{Kind: action.KindKeyboard, PageID: "p1"}).Valid)
	assert.True(t, v.Validate(action.Action{Kind: action.KindKeyboard, PageID: "p1", Key: "Enter"}).Valid)
}

func TestMouseAllowsZeroCoordinates(t *testing.T) {
	v := New(DefaultConfig())
	assert.True(t, v.Validate(action.Action{Kind: action.KindMouse, PageID: "p1"}).Valid)
}

func TestScreenshotQualityRange(t *testing.T) {
	v := New(DefaultConfig())
	assert.True(t, v.Validate(action.Action{Kind: action.KindScreenshot, PageID: "p1", Quality: 80}).Valid)
	assert.False(t, v.Validate(action.Action{Kind: action.KindScreenshot, PageID: "p1", Quality: 150}).Valid)
}

func TestEvaluateRequiresNonBlankExpression(t *testing.T) {
	v := New(DefaultConfig())
	assert.False(t, v.Validate(action.Action{Kind: action.KindEvaluate, PageID: "p1", Expression: "   "}).Valid)
	assert.True(t, v.Validate(action.Action{Kind: action.KindEvaluate, PageID: "p1", Expression: "1+1"}).Valid)
}

func TestUploadRejectsTraversalAndTooManyFiles(t *testing.T) {
	dir := t.TempDir()
	v := New(DefaultConfig())

	r := v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#file", FilePaths: []string{"../../etc/passwd"}})
	require.False(t, r.Valid)

	a := writeTestFile(t, dir, "a.png", 16)
	b := writeTestFile(t, dir, "b.png", 16)
	cfg := DefaultConfig()
	cfg.MaxFiles = 1
	v = New(cfg)
	r = v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#file", FilePaths: []string{a, b}})
	assert.False(t, r.Valid)
}

func TestUploadEnforcesExtensionAllowList(t *testing.T) {
	dir := t.TempDir()
	photo := writeTestFile(t, dir, "photo.png", 16)
	payload := writeTestFile(t, dir, "payload.exe", 16)

	cfg := DefaultConfig()
	cfg.ExtensionAllow = []string{"png", "jpg"}
	v := New(cfg)

	assert.True(t, v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{photo}}).Valid)
	assert.False(t, v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{payload}}).Valid)
}

func TestUploadRejectsFileOverMaxSize(t *testing.T) {
	dir := t.TempDir()
	big := writeTestFile(t, dir, "big.png", 64)

	cfg := DefaultConfig()
	cfg.MaxFileSizeBytes = 32
	v := New(cfg)

	r := v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{big}})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "exceeds max size")
}

func TestUploadRejectsNonRegularFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))

	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{sub}})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "regular file")
}

func TestUploadBasePathRejectsSiblingDirectoryEscape(t *testing.T) {
	base := t.TempDir()
	evilDir := base + "-evil"
	require.NoError(t, os.Mkdir(evilDir, 0o755))
	t.Cleanup(func() { _ = os.RemoveAll(evilDir) })
	secret := writeTestFile(t, evilDir, "secret.png", 16)

	cfg := DefaultConfig()
	cfg.UploadBasePath = base
	cfg.ExtensionAllow = []string{"png"}
	v := New(cfg)

	r := v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{secret}})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "escapes the configured base path")
}

func TestUploadBasePathAllowsFileWithinBase(t *testing.T) {
	base := t.TempDir()
	inside := writeTestFile(t, base, "ok.png", 16)

	cfg := DefaultConfig()
	cfg.UploadBasePath = base
	cfg.ExtensionAllow = []string{"png"}
	v := New(cfg)

	r := v.Validate(action.Action{Kind: action.KindUpload, PageID: "p1", Selector: "#f", FilePaths: []string{inside}})
	assert.True(t, r.Valid)
}

func TestCookieValidation(t *testing.T) {
	v := New(DefaultConfig())

	assert.False(t, v.Validate(action.Action{Kind: action.KindCookie, PageID: "p1", Cookie: action.CookieOp{}}).Valid)

	r := v.Validate(action.Action{Kind: action.KindCookie, PageID: "p1", Cookie: action.CookieOp{Name: "sid", SameSite: "None", Secure: false}})
	assert.True(t, r.Valid)
	assert.NotEmpty(t, r.Warnings)

	r = v.Validate(action.Action{Kind: action.KindCookie, PageID: "p1", Cookie: action.CookieOp{Name: "sid", SameSite: "Bogus"}})
	assert.False(t, r.Valid)

	r = v.Validate(action.Action{Kind: action.KindCookie, PageID: "p1", Cookie: action.CookieOp{Name: "sid", Expires: -1}})
	assert.False(t, r.Valid)
}

func TestUnknownKindFails(t *testing.T) {
	v := New(DefaultConfig())
	r := v.Validate(action.Action{Kind: action.Kind("teleport"), PageID: "p1"})
	require.False(t, r.Valid)
	assert.Contains(t, r.Errors[0], "unknown action kind")
}

func TestPDFAndContentRequireOnlyPageID(t *testing.T) {
	v := New(DefaultConfig())
	assert.True(t, v.Validate(action.Action{Kind: action.KindPDF, PageID: "p1"}).Valid)
	assert.True(t, v.Validate(action.Action{Kind: action.KindContent, PageID: "p1"}).Valid)
}
