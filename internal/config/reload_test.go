package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muqo16/browserctl/internal/logging"
)

func TestNewWatcherWithEmptyPathIsInert(t *testing.T) {
	w, err := NewWatcher("", logging.NewDefault())
	require.NoError(t, err)
	defer w.Close()

	ch := w.Subscribe()
	select {
	case r := <-ch:
		t.Fatalf("inert watcher should never publish, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcherPublishesOnFileWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: info\nbrowser_pool_max_size: 10\n"), 0o644))

	w, err := NewWatcher(path, logging.NewDefault())
	require.NoError(t, err)
	defer w.Close()

	ch := w.Subscribe()

	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nbrowser_pool_max_size: 20\n"), 0o644))

	select {
	case r := <-ch:
		assert.Equal(t, "debug", r.LogLevel)
		assert.Equal(t, 20, r.BrowserPoolMaxSize)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reload publish")
	}
}

func TestWatcherSubscribersDoNotBlockOnFullBuffer(t *testing.T) {
	w := &Watcher{path: "unused", log: logging.NewDefault(), done: make(chan struct{})}
	ch := w.Subscribe()

	for i := 0; i < 10; i++ {
		w.publish(Reloadable{LogLevel: "info"})
	}
	assert.Len(t, ch, cap(ch), "publish must drop rather than block when a subscriber's buffer is full")
}

func TestConfigReloadableProjection(t *testing.T) {
	cfg := Defaults()
	cfg.BrowserPoolMaxSize = 99
	r := cfg.reloadable()
	assert.Equal(t, 99, r.BrowserPoolMaxSize)
	assert.Equal(t, cfg.LogLevel, r.LogLevel)
	assert.Equal(t, cfg.MaxRequestsPerMinute, r.MaxRequestsPerMinute)
}
