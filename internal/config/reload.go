package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/muqo16/browserctl/internal/logging"
)

// Reloadable is the subset of Config that is safe to change while the
// server is running: pool sizing, log level, and the request-rate
// limit. Everything else (secrets, transport addresses, store backend)
// requires a restart.
type Reloadable struct {
	BrowserPoolMaxSize   int
	BrowserPoolMinSize   int
	LogLevel             string
	MaxRequestsPerMinute int
}

func (c Config) reloadable() Reloadable {
	return Reloadable{
		BrowserPoolMaxSize:   c.BrowserPoolMaxSize,
		BrowserPoolMinSize:   c.BrowserPoolMinSize,
		LogLevel:             c.LogLevel,
		MaxRequestsPerMinute: c.MaxRequestsPerMinute,
	}
}

// Watcher watches a YAML config file for changes and republishes the
// Reloadable subset to subscribers, adapted from the teacher's
// pkg/config.Reloader (fsnotify.Watcher driving a debounced re-parse).
type Watcher struct {
	path    string
	log     *logging.Logger
	watcher *fsnotify.Watcher

	mu   sync.RWMutex
	subs []chan Reloadable

	done chan struct{}
}

// NewWatcher starts watching path. If path is empty, the returned
// Watcher is inert (Subscribe channels simply never fire).
func NewWatcher(path string, log *logging.Logger) (*Watcher, error) {
	w := &Watcher{path: path, log: log, done: make(chan struct{})}
	if path == "" {
		return w, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.watcher = fw
	go w.run()
	return w, nil
}

// Subscribe returns a channel that receives the reloadable config
// fields every time the watched file changes. The channel is buffered
// so a slow subscriber does not stall the watcher.
func (w *Watcher) Subscribe() <-chan Reloadable {
	ch := make(chan Reloadable, 4)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadFile(Defaults(), w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous values")
				continue
			}
			w.publish(cfg.reloadable())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error: " + err.Error())
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) publish(r Reloadable) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, ch := range w.subs {
		select {
		case ch <- r:
		default:
		}
	}
}
