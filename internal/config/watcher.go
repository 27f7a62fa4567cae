package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ChangeFunc receives the previous and the new config together with their
// [Diff]. It runs on the watcher goroutine.
type ChangeFunc func(old, new *Config, d ConfigDiff)

// stamp identifies one version of the config file on disk.
type stamp struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// Watcher polls a config file and calls a [ChangeFunc] when a valid, changed
// config is found. Invalid files are logged and ignored so the running
// session keeps its last good config.
//
// Only the VAD section and the log level are applied live; the watcher logs
// every other changed section as requiring a restart.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	current atomic.Pointer[Config]
	last    stamp // owned by the poll goroutine after NewWatcher

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path once and starts polling it in the background. It
// fails when the initial load fails.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.last = st

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config { return w.current.Load() }

// Stop ends polling. After Stop returns the ChangeFunc is not called again.
// It is safe to call Stop more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.reload()
		}
	}
}

// reload applies the file if its content changed and it is valid.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.last.mtime) {
		return
	}

	cfg, st, err := w.read()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}
	sameContent := st.sum == w.last.sum
	w.last = st
	if sameContent {
		return
	}

	old := w.current.Swap(cfg)
	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config watcher: file changed without effective changes", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"vad_changed", d.VADChanged,
		"log_level_changed", d.LogLevelChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some changes take effect only after a restart", "sections", d.RestartRequired)
	}
	if w.onChange != nil {
		w.onChange(old, cfg, d)
	}
}

// read parses and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, stamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp{}, err
	}
	return cfg, stamp{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
