package config

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Manager publishes runtime configuration snapshots. Updates are
// all-or-nothing: a proposed configuration is validated first and the
// reference is swapped atomically, so in-flight requests always see a
// single consistent snapshot.
type Manager struct {
	current  atomic.Pointer[Runtime]
	mu       sync.Mutex
	onChange []func(*Runtime)
	path     string
	watcher  *fsnotify.Watcher
}

func NewManager(initial *Runtime) (*Manager, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{}
	m.current.Store(initial)
	return m, nil
}

// Get returns the current snapshot. Safe for concurrent use; callers
// must not mutate the returned value.
func (m *Manager) Get() *Runtime {
	return m.current.Load()
}

// Update validates and atomically swaps in a new snapshot. On error
// the previous configuration remains active.
func (m *Manager) Update(cfg *Runtime) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.current.Store(cfg)
	handlers := make([]func(*Runtime), len(m.onChange))
	copy(handlers, m.onChange)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(cfg)
	}
	return nil
}

// OnChange registers a callback invoked after every successful update.
func (m *Manager) OnChange(fn func(*Runtime)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch reloads the runtime config file on change, debouncing rapid
// writes. Invalid files are logged and skipped; the active snapshot is
// untouched.
func (m *Manager) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	m.path = path
	m.watcher = watcher
	go m.watchLoop(ctx)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context) {
	const debounce = 500 * time.Millisecond
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, m.reload)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (m *Manager) reload() {
	cfg, err := LoadRuntimeFile(m.path)
	if err != nil {
		slog.Error("runtime config reload rejected, keeping previous", "path", m.path, "error", err)
		return
	}
	if err := m.Update(cfg); err != nil {
		slog.Error("runtime config reload rejected, keeping previous", "path", m.path, "error", err)
		return
	}
	slog.Info("runtime config reloaded", "path", m.path)
}
