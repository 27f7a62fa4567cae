package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxloop/internal/config"
)

const baseYAML = `
server:
  log_level: info
backend:
  url: http://localhost:8000
vad:
  threshold: 0.1
`

const pollInterval = 20 * time.Millisecond

// changeLog records ChangeFunc invocations.
type changeLog struct {
	mu    sync.Mutex
	calls []change
	fired chan struct{}
}

type change struct {
	old, new *config.Config
	diff     config.ConfigDiff
}

func newChangeLog() *changeLog {
	return &changeLog{fired: make(chan struct{}, 16)}
}

func (l *changeLog) record(old, new *config.Config, d config.ConfigDiff) {
	l.mu.Lock()
	l.calls = append(l.calls, change{old, new, d})
	l.mu.Unlock()
	l.fired <- struct{}{}
}

func (l *changeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func (l *changeLog) last() change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[len(l.calls)-1]
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// rewrite writes content with an mtime the watcher cannot have seen, even on
// filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	writeFile(t, path, content)
	ts := time.Now().Add(age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

// startWatcher writes baseYAML and watches it.
func startWatcher(t *testing.T) (string, *changeLog, *config.Watcher) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	log := newChangeLog()
	w, err := config.NewWatcher(path, log.record, config.WithInterval(pollInterval))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, log, w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	_, _, w := startWatcher(t)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo || cfg.VAD.Threshold != 0.1 {
		t.Errorf("Current() = %+v", cfg)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("missing file: expected error")
	}
	writeFile(t, path, "server:\n  log_level: bananas\n")
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("invalid file: expected error")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path, log, w := startWatcher(t)

	rewrite(t, path, `
server:
  log_level: debug
backend:
  url: http://localhost:8000
vad:
  threshold: 0.25
  end_duration: 2s
`, time.Second)

	select {
	case <-log.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ChangeFunc not called")
	}

	c := log.last()
	if c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
	if !c.diff.VADChanged || !c.diff.LogLevelChanged || c.diff.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v", c.diff)
	}
	if got := c.new.VAD.Params(); got.Threshold != 0.25 || got.EndDuration != 2*time.Second {
		t.Errorf("new vad params = %+v", got)
	}
	if w.Current() != c.new {
		t.Error("Current() does not return the reloaded config")
	}
}

func TestWatcher_RestartOnlyChangeStillNotifies(t *testing.T) {
	t.Parallel()
	path, log, _ := startWatcher(t)

	rewrite(t, path, baseYAML+"audio:\n  sample_rate: 16000\n", time.Second)

	select {
	case <-log.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ChangeFunc not called")
	}
	d := log.last().diff
	if d.VADChanged || d.LogLevelChanged {
		t.Errorf("unexpected live changes: %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "audio" {
		t.Errorf("RestartRequired = %v, want [audio]", d.RestartRequired)
	}
}

func TestWatcher_IgnoredRewrites(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"invalid", "server:\n  log_level: bananas\n"},
		{"unknown field", baseYAML + "bogus: true\n"},
		{"touch only", baseYAML},
		{"comment only", "# tuned for the office microphone\n" + baseYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, log, w := startWatcher(t)
			before := w.Current()

			rewrite(t, path, tt.content, time.Second)
			time.Sleep(10 * pollInterval)

			if n := log.count(); n != 0 {
				t.Errorf("ChangeFunc called %d times", n)
			}
			if *w.Current() != *before {
				t.Errorf("Current() = %+v, want %+v", w.Current(), before)
			}
		})
	}
}

func TestWatcher_InvalidThenValid(t *testing.T) {
	t.Parallel()
	path, log, _ := startWatcher(t)

	rewrite(t, path, "server:\n  log_level: bananas\n", time.Second)
	time.Sleep(5 * pollInterval)
	rewrite(t, path, "server:\n  log_level: warn\nbackend:\n  url: http://localhost:8000\n", 2*time.Second)

	select {
	case <-log.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("ChangeFunc not called after the file was fixed")
	}
	if c := log.last(); c.old.Server.LogLevel != config.LogInfo || c.new.Server.LogLevel != config.LogWarn {
		t.Errorf("log level %q -> %q, want info -> warn", c.old.Server.LogLevel, c.new.Server.LogLevel)
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	path, log, w := startWatcher(t)

	w.Stop()
	w.Stop()

	rewrite(t, path, "server:\n  log_level: debug\nbackend:\n  url: http://localhost:8000\n", time.Second)
	time.Sleep(5 * pollInterval)
	if n := log.count(); n != 0 {
		t.Errorf("ChangeFunc called %d times after Stop", n)
	}
}
